package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/bike-sensor/internal/telemetry"
)

// fakeExporter records exports and fails on demand.
type fakeExporter struct {
	err     error
	exports map[string][]byte
}

func (f *fakeExporter) Backend() string { return "fake" }

func (f *fakeExporter) Export(ctx context.Context, name string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.exports == nil {
		f.exports = map[string][]byte{}
	}
	f.exports[name] = data
	return nil
}

func filledLog(frames ...string) *telemetry.RawLog {
	l := telemetry.NewRawLog()
	for _, f := range frames {
		l.Append(f)
	}
	return l
}

func TestSaveClearsLog(t *testing.T) {
	l := filledLog("X\t1000.0", "\tA\tB\t2000.0")
	exp := &fakeExporter{}

	n, err := Save(context.Background(), l, exp, "ride")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "X\t1000.0\n\tA\tB\t2000.0\n", string(exp.exports["ride"]))
	assert.Equal(t, 0, l.Len())
}

func TestSaveTwiceReportsNothingToSave(t *testing.T) {
	l := filledLog("X\t1000.0")
	exp := &fakeExporter{}

	_, err := Save(context.Background(), l, exp, "ride")
	require.NoError(t, err)

	n, err := Save(context.Background(), l, exp, "ride-2")
	assert.Equal(t, 0, n)
	assert.Equal(t, ErrNothingToSave, err)
	assert.NotContains(t, exp.exports, "ride-2")
	assert.Equal(t, "X\t1000.0\n", string(exp.exports["ride"]))
}

func TestSaveFailureKeepsLog(t *testing.T) {
	l := filledLog("X\t1000.0")
	exp := &fakeExporter{err: errors.Wrap(ErrExists, "ride")}

	_, err := Save(context.Background(), l, exp, "ride")
	assert.True(t, errors.Is(err, ErrExists))
	assert.Equal(t, 1, l.Len())
}

func TestMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNothingToSave, "No data to save."},
		{errors.Wrap(ErrExists, "x"), "File already exists."},
		{errors.Wrap(ErrUnavailable, "x"), "Storage unavailable."},
		{errors.Wrap(ErrNotFound, "x"), "File not found."},
		{errors.Wrap(ErrWrite, "x"), "Error writing file."},
		{errors.Wrap(ErrInvalidName, "x"), "Invalid file name."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Message(tt.err))
	}
	assert.Equal(t, "morning ride has been saved.", SavedMessage("morning ride"))
}

func TestFileExporter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DefaultDir)
	exp := NewFileExporter(dir)

	require.NoError(t, exp.Export(context.Background(), "ride", []byte("X\t1\n")))

	data, err := os.ReadFile(filepath.Join(dir, "ride.txt"))
	require.NoError(t, err)
	assert.Equal(t, "X\t1\n", string(data))
}

func TestFileExporterNeverOverwrites(t *testing.T) {
	exp := NewFileExporter(t.TempDir())
	require.NoError(t, exp.Export(context.Background(), "ride", []byte("first\n")))

	err := exp.Export(context.Background(), "ride", []byte("second\n"))
	assert.True(t, errors.Is(err, ErrExists), "got %v", err)

	data, _ := os.ReadFile(exp.Path("ride"))
	assert.Equal(t, "first\n", string(data))
}

func TestFileExporterUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := NewFileExporter(filepath.Join(blocker, "sub")).Export(context.Background(), "ride", []byte("x\n"))
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestFileExporterInvalidName(t *testing.T) {
	exp := NewFileExporter(t.TempDir())
	for _, name := range []string{"", "  ", "..", "a/b", `a\b`} {
		err := exp.Export(context.Background(), name, []byte("x\n"))
		assert.True(t, errors.Is(err, ErrInvalidName), "name %q: got %v", name, err)
	}
}

func TestFileExporterDefaultDir(t *testing.T) {
	assert.Equal(t, DefaultDir, NewFileExporter("").Dir)
	assert.Equal(t, filepath.Join(DefaultDir, "ride.txt"), NewFileExporter("").Path("ride"))
}

func TestSaveWithFileExporter(t *testing.T) {
	l := filledLog("X\t900")
	exp := NewFileExporter(t.TempDir())

	_, err := Save(context.Background(), l, exp, "ride")
	require.NoError(t, err)

	l.Append("X\t950")
	_, err = Save(context.Background(), l, exp, "ride")
	assert.True(t, errors.Is(err, ErrExists))
	assert.Equal(t, 1, l.Len(), "failed save keeps frames")
}

func TestRedisExporter(t *testing.T) {
	mr := miniredis.RunT(t)
	exp := NewRedisExporter(RedisConfig{Addr: mr.Addr()})
	defer exp.Close()

	require.NoError(t, exp.Export(context.Background(), "ride", []byte("X\t1\n")))

	got, err := mr.Get(DefaultKeyPrefix + "ride")
	require.NoError(t, err)
	assert.Equal(t, "X\t1\n", got)

	err = exp.Export(context.Background(), "ride", []byte("X\t2\n"))
	assert.True(t, errors.Is(err, ErrExists), "got %v", err)
	got, _ = mr.Get(DefaultKeyPrefix + "ride")
	assert.Equal(t, "X\t1\n", got)
}

func TestRedisExporterPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	exp := NewRedisExporter(RedisConfig{Addr: mr.Addr(), KeyPrefix: "rides/"})
	defer exp.Close()

	require.NoError(t, exp.Export(context.Background(), "sunday", []byte("X\t1\n")))
	assert.True(t, mr.Exists("rides/sunday"))
	assert.Equal(t, "rides/sunday", exp.Key("sunday"))
}

func TestRedisExporterUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	exp := NewRedisExporter(RedisConfig{Addr: mr.Addr()})
	defer exp.Close()
	mr.Close()

	err := exp.Export(context.Background(), "ride", []byte("X\t1\n"))
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}
