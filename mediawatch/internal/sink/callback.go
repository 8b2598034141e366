package sink

import (
	"context"

	"github.com/playpace/playpace/playback"
)

// Callback invokes a Go function for every batch. This is how the
// controller consumes events in-process without a serialisation
// round-trip.
type Callback struct {
	fn func(ctx context.Context, batch *playback.Batch) error
}

// NewCallback creates a Callback sink around fn.
func NewCallback(fn func(ctx context.Context, batch *playback.Batch) error) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, batch *playback.Batch) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, batch)
}

func (c *Callback) Close() error { return nil }
