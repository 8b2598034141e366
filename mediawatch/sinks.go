package mediawatch

import (
	"context"
	"io"
	"log/slog"

	"github.com/playpace/playpace/mediawatch/internal/sink"
	"github.com/playpace/playpace/playback"
)

// Sink is the output interface for playback event batches.
type Sink = sink.Sink

// NewStdoutSink creates a JSON-lines sink over a writer.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewWriter(w)
}

// NewWebhookSink creates a webhook POST sink with retry. The URL is
// validated: private and loopback targets are rejected.
func NewWebhookSink(url string, logger *slog.Logger) (Sink, error) {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process callback sink — zero
// serialisation. This is how the controller subscribes.
func NewCallbackSink(onBatch func(ctx context.Context, batch *playback.Batch) error) Sink {
	return sink.NewCallback(onBatch)
}
