// Package selector picks the single media element that should receive
// keyboard and overlay actions when a page carries more than one.
//
// Scoring is heuristic: a playing element always outranks a paused one, a
// fully visible element outranks an offscreen one, a recently clicked
// element gets a decaying bonus, and raw size breaks the remaining ties.
// A paused-but-larger video must not steal focus from the one actually
// being watched; visibility and recency disambiguate multi-video pages
// such as autoplaying thumbnails beside a primary player.
package selector

import (
	"time"

	"github.com/playpace/playpace/playback"
)

const (
	playingWeight    = 1000.0
	visibilityWeight = 500.0
	// recencyWindow is how long after a user interaction the element keeps
	// a bonus. The bonus decays linearly from 500 to 0 over the window.
	recencyWindow = 5 * time.Second
	areaDivisor   = 10000.0
)

// Score computes the selection score for a single handle at the given
// instant. Exposed for the admin API, which reports per-handle scores.
func Score(h playback.HandleState, now time.Time) float64 {
	s := 0.0
	if h.IsPlaying {
		s += playingWeight
	}
	s += visibilityWeight * h.Visibility
	if !h.LastInteraction.IsZero() {
		elapsed := now.Sub(h.LastInteraction)
		if elapsed >= 0 && elapsed < recencyWindow {
			s += float64(recencyWindow.Milliseconds()-elapsed.Milliseconds()) / 10
		}
	}
	s += h.AreaPx / areaDivisor
	return s
}

// SelectActive returns the ID of the handle that should receive actions,
// or "" when handles is empty. It is a pure function of its inputs and the
// supplied instant.
//
// Ties break stably: among equal top scores the first handle in slice
// order wins, so determinism is a caller contract — callers must pass
// handles in a fixed order (the controller orders by discovery time).
//
// Callers that keep a previous active handle around may skip calling this
// when nothing changed, but any interaction, discovery, or removal event
// must trigger a full re-score. Keeping a stale active pinned past those
// events lets a no-longer-playing element hold focus indefinitely.
func SelectActive(handles []playback.HandleState, now time.Time) string {
	if len(handles) == 0 {
		return ""
	}

	best := 0
	bestScore := Score(handles[0], now)
	for i := 1; i < len(handles); i++ {
		if s := Score(handles[i], now); s > bestScore {
			best, bestScore = i, s
		}
	}
	return handles[best].ID
}
