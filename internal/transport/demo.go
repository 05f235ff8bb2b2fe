package transport

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoOpener produces a simulated ride without hardware. Every stream it
// opens alternates pedalling with coasting pauses long enough for the decay
// watchdog to kick in, and sprinkles in the odd line of noise.
type DemoOpener struct {
	// Interval between frames on each channel. Zero means 250ms.
	Interval time.Duration
}

// Open returns a new simulated stream.
func (o *DemoOpener) Open(ctx context.Context, dev Device, profile string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := o.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	pr, pw := io.Pipe()
	s := &demoStream{
		pr:   pr,
		pw:   pw,
		done: make(chan struct{}),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	go s.run(interval)
	return s, nil
}

type demoStream struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
	rng  *rand.Rand
}

func (s *demoStream) Read(p []byte) (int, error)  { return s.pr.Read(p) }
func (s *demoStream) Write(p []byte) (int, error) { return len(p), nil }

func (s *demoStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.pr.Close()
	})
	return nil
}

// demoFrames returns the frames for simulated second t of the ride, or nil
// while coasting.
func demoFrames(t float64, rng *rand.Rand) []string {
	// 40s cycle: 32s pedalling, 8s coasting.
	if math.Mod(t, 40) >= 32 {
		return nil
	}
	rpm := 75 + 15*math.Sin(t/6) + rng.Float64()*3
	kph := 24 + 6*math.Sin(t/9) + rng.Float64()
	// 14.5in wheel radius: circumference 2.314m.
	tireMPR := 2.314 / (kph / 3.6) * 1000

	frames := []string{
		fmt.Sprintf("P\t%.1f", 60000/rpm),
		fmt.Sprintf("\t%d\t%d\t%.1f", int(t), int(kph), tireMPR),
	}
	if rng.Intn(50) == 0 {
		frames = append(frames, "P\t\x00garbled")
	}
	return frames
}

func (s *demoStream) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.pw.Close()

	start := time.Now()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, f := range demoFrames(now.Sub(start).Seconds(), s.rng) {
				if _, err := io.WriteString(s.pw, f+"\n"); err != nil {
					return
				}
			}
		}
	}
}
