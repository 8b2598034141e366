// Package sink delivers playback event batches to output backends.
package sink

import (
	"context"

	"github.com/playpace/playpace/playback"
)

// Sink receives playback event batches.
type Sink interface {
	// Send delivers a batch. Implementations must be safe for
	// concurrent use.
	Send(ctx context.Context, batch *playback.Batch) error
	// Close releases resources.
	Close() error
}
