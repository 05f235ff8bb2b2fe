package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultDir is the directory files are written to when none is configured.
const DefaultDir = "BIKE DATA"

// FileExporter writes <Dir>/<name>.txt.
type FileExporter struct {
	Dir string
}

// NewFileExporter returns a FileExporter for dir.
func NewFileExporter(dir string) *FileExporter {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileExporter{Dir: dir}
}

// Backend implements Exporter.
func (e *FileExporter) Backend() string { return "file" }

// Path returns the file path used for name.
func (e *FileExporter) Path(name string) string {
	return filepath.Join(e.Dir, name+".txt")
}

// Export implements Exporter.
func (e *FileExporter) Export(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return errors.Wrapf(ErrUnavailable, "%v", err)
	}

	path := e.Path(name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case os.IsExist(err):
		return errors.Wrapf(ErrExists, "%s", path)
	case os.IsNotExist(err):
		return errors.Wrapf(ErrNotFound, "%s", path)
	case err != nil:
		return errors.Wrapf(ErrUnavailable, "%v", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(ErrWrite, "%v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.Wrapf(ErrWrite, "%v", err)
	}
	return nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}
