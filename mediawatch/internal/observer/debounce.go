package observer

import (
	"time"

	"github.com/playpace/playpace/playback"
)

// debounceConfig controls the batching behaviour.
type debounceConfig struct {
	// Window is the debounce time. Default: 100ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many events accumulate.
	// Default: 256.
	MaxBuffer int
}

func (dc *debounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 100 * time.Millisecond
	}
	if dc.MaxBuffer <= 0 {
		dc.MaxBuffer = 256
	}
}

// debouncer collects events and emits coalesced batches when the window
// expires, the buffer fills, or a latency-sensitive event arrives.
type debouncer struct {
	cfg     debounceConfig
	events  []playback.Event
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func([]playback.Event)
}

func newDebouncer(cfg debounceConfig, flushFn func([]playback.Event)) *debouncer {
	cfg.defaults()
	return &debouncer{
		cfg:     cfg,
		events:  make([]playback.Event, 0, cfg.MaxBuffer),
		flushFn: flushFn,
	}
}

// urgent reports whether the op must reach the controller without waiting
// out the window. Rate changes feed the guard, which only corrects inside
// a fixed 500ms; keypresses and overlay clicks are user-visible latency.
func urgent(op playback.Op) bool {
	switch op {
	case playback.OpRateChange, playback.OpKey, playback.OpControl, playback.OpInteract:
		return true
	}
	return false
}

// add pushes an event into the buffer. Returns true if an immediate flush
// was triggered.
func (d *debouncer) add(ev playback.Event) bool {
	d.events = append(d.events, ev)

	if urgent(ev.Op) || len(d.events) >= d.cfg.MaxBuffer {
		d.flush()
		return true
	}

	// (Re)start the window timer.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
	return false
}

// timerC returns the channel that fires when the debounce window expires.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

// flush coalesces and emits the buffered events, then resets.
func (d *debouncer) flush() {
	if len(d.events) == 0 {
		return
	}

	coalesced := coalesce(d.events)
	d.flushFn(coalesced)

	d.events = d.events[:0]
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}

// coalesce collapses runs of high-frequency events:
//   - N consecutive timeupdate on the same handle → keep last
//   - N consecutive visibility on the same handle → keep last
//   - N consecutive ratechange on the same handle → keep last (the final
//     observed rate is the one the guard must judge)
//
// Lifecycle and input events (found, removed, play, pause, seeked,
// interact, key, control) are never collapsed.
func coalesce(events []playback.Event) []playback.Event {
	if len(events) <= 1 {
		return events
	}

	result := make([]playback.Event, 0, len(events))

	for i := 0; i < len(events); i++ {
		ev := events[i]

		switch ev.Op {
		case playback.OpTimeUpdate, playback.OpVisibility, playback.OpRateChange:
			j := i + 1
			for j < len(events) &&
				events[j].Op == ev.Op &&
				events[j].HandleID == ev.HandleID {
				ev = events[j]
				j++
			}
			result = append(result, ev)
			i = j - 1

		default:
			result = append(result, ev)
		}
	}

	return result
}
