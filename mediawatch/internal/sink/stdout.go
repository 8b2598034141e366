package sink

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/playpace/playpace/playback"
)

// Stdout writes batches as JSON lines, one batch per line.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout creates a sink writing to os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{w: os.Stdout}
}

// NewWriter creates a JSON-lines sink over an arbitrary writer.
func NewWriter(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

// Send writes the batch as a single JSON line.
func (s *Stdout) Send(_ context.Context, batch *playback.Batch) error {
	data, err := playback.MarshalBatch(batch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

// Close is a no-op; stdout is not ours to close.
func (s *Stdout) Close() error { return nil }
