// Package rateguard defends a user-chosen playback rate against
// site-initiated resets.
//
// Many players reset playbackRate on quality switches, ad transitions, or
// source changes. After a user-initiated rate change the guard holds the
// preferred rate for a fixed window and silently re-applies it whenever an
// observed rate diverges. The window is fixed from the last user action —
// corrections never extend it, so a misbehaving page cannot keep the guard
// open indefinitely.
package rateguard

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// Window is the grace period after a user-initiated change during
	// which external rate changes are reverted.
	Window = 500 * time.Millisecond

	// Epsilon is the divergence threshold. A corrective write lands
	// exactly on the preferred rate, so the resulting ratechange event is
	// within Epsilon and produces no further correction — this is what
	// bounds re-entrancy.
	Epsilon = 0.01

	// MinRate and MaxRate bound every rate accepted by the guard.
	// Out-of-range input is clamped, never rejected.
	MinRate = 0.25
	MaxRate = 4.0
)

// Applier writes a playback rate to the underlying element. Implemented by
// the mediawatch tab (an eval against the live page).
type Applier interface {
	ApplyRate(ctx context.Context, pageID, handleID string, rate float64) error
}

// Clamp normalises a requested rate into [MinRate, MaxRate]. NaN maps to
// 1.0 since no direction can be inferred from it.
func Clamp(rate float64) float64 {
	switch {
	case math.IsNaN(rate):
		return 1.0
	case rate < MinRate:
		return MinRate
	case rate > MaxRate:
		return MaxRate
	}
	return rate
}

type entry struct {
	pageID     string
	preferred  float64
	guardUntil time.Time
}

// Guard tracks one preferred rate per handle. Safe for concurrent use.
// Expiry is lazy: entries outlive their window and are checked by
// timestamp comparison at read time, never by timers.
type Guard struct {
	mu      sync.Mutex
	entries map[string]*entry

	now     func() time.Time
	applier Applier
	logger  *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects a time source. Tests use a fake clock so window expiry
// is deterministic rather than timing-dependent.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard writing through the given applier.
func New(applier Applier, opts ...Option) *Guard {
	g := &Guard{
		entries: make(map[string]*entry),
		now:     time.Now,
		applier: applier,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetPreferred records a user-initiated rate change and writes it to the
// element. Call exactly once per user action (shortcut, overlay button,
// admin API) — never for externally observed changes. Each call resets the
// guard window.
//
// The write can fail if the element detached between observation and now;
// the error is logged and the entry left in place — the next natural event
// re-attempts through normal delivery.
func (g *Guard) SetPreferred(ctx context.Context, pageID, handleID string, rate float64) float64 {
	rate = Clamp(rate)

	g.mu.Lock()
	g.entries[handleID] = &entry{
		pageID:     pageID,
		preferred:  rate,
		guardUntil: g.now().Add(Window),
	}
	g.mu.Unlock()

	if err := g.applier.ApplyRate(ctx, pageID, handleID, rate); err != nil {
		g.logger.Warn("rateguard: apply preferred failed",
			"handle", handleID, "rate", rate, "error", err)
	}
	return rate
}

// OnRateObserved handles a ratechange notification regardless of origin.
// Inside the guard window a divergence beyond Epsilon is corrected back to
// the preferred rate. The window is NOT reset by corrections.
func (g *Guard) OnRateObserved(ctx context.Context, handleID string, observed float64, at time.Time) {
	g.mu.Lock()
	e, ok := g.entries[handleID]
	if !ok || !at.Before(e.guardUntil) {
		g.mu.Unlock()
		return
	}
	preferred := e.preferred
	pageID := e.pageID
	g.mu.Unlock()

	if math.Abs(observed-preferred) <= Epsilon {
		return
	}

	g.logger.Debug("rateguard: reverting external rate change",
		"handle", handleID, "observed", observed, "preferred", preferred)
	if err := g.applier.ApplyRate(ctx, pageID, handleID, preferred); err != nil {
		g.logger.Warn("rateguard: corrective apply failed",
			"handle", handleID, "error", err)
	}
}

// Apply is the authorized path for rate changes that do not originate from
// a direct user action (stored-speed restoration, duplicate internal
// requests). With force=false the call is a no-op while an unexpired guard
// exists: a just-set preference is never stepped on, and a repeat of the
// current rate neither rewrites nor extends the window. With force=true
// (explicit reset-to-1.0) the guard is bypassed and the preferred rate
// updated.
func (g *Guard) Apply(ctx context.Context, pageID, handleID string, rate float64, force bool) float64 {
	rate = Clamp(rate)

	if !force {
		g.mu.Lock()
		e, ok := g.entries[handleID]
		guarded := ok && g.now().Before(e.guardUntil)
		g.mu.Unlock()
		if guarded {
			return rate
		}
	}

	return g.SetPreferred(ctx, pageID, handleID, rate)
}

// Preferred returns the guarded rate for a handle and whether the guard
// window is still open at the current instant.
func (g *Guard) Preferred(handleID string) (rate float64, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[handleID]
	if !ok {
		return 0, false
	}
	return e.preferred, g.now().Before(e.guardUntil)
}

// Drop discards the entry for a destroyed handle.
func (g *Guard) Drop(handleID string) {
	g.mu.Lock()
	delete(g.entries, handleID)
	g.mu.Unlock()
}
