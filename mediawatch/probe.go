package mediawatch

import (
	"context"
	"log/slog"

	"github.com/playpace/playpace/mediawatch/internal/probe"
)

// ProbeResult summarises a plain-HTTP look at a page: media markup found
// before spending a browser tab on it.
type ProbeResult = probe.Result

// ProbeURL fetches a page over plain HTTP and inspects its markup for
// media potential. This is the same check ObservePage runs in probe mode
// "auto", exposed for one-shot CLI use.
func ProbeURL(ctx context.Context, pageURL string, logger *slog.Logger) (*ProbeResult, error) {
	return probe.New(probe.WithLogger(logger)).Probe(ctx, pageURL)
}
