package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/playpace/playpace/playback"
)

// Router fans a batch out to multiple sinks. A failing sink never blocks
// the others; errors are collected and joined.
type Router struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a Router over the given sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Add registers an additional sink.
func (r *Router) Add(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Send delivers the batch to every sink. All sinks are attempted even when
// some fail.
func (r *Router) Send(ctx context.Context, batch *playback.Batch) error {
	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	var errs []string
	for _, s := range sinks {
		if err := s.Send(ctx, batch); err != nil {
			r.logger.Warn("sink: send failed", "batch", batch.ID, "error", err)
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sink: %d of %d sinks failed: %s",
			len(errs), len(sinks), strings.Join(errs, "; "))
	}
	return nil
}

// Close closes every sink.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []string
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	r.sinks = nil
	if len(errs) > 0 {
		return fmt.Errorf("sink: close: %s", strings.Join(errs, "; "))
	}
	return nil
}
