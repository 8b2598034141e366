// Package overlay drives the in-page speed indicator widget. The widget
// itself is injected JS living in a shadow root; this package owns its
// lifecycle and keeps its display in sync with controller state.
package overlay

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
)

//go:embed overlay.js
var overlayJS []byte

// Evaluator runs JS in an observed page. Satisfied by the mediawatch
// Watcher; tests substitute a recorder.
type Evaluator interface {
	EvalJS(ctx context.Context, pageID, js string, args ...interface{}) error
}

// Renderer installs and updates the overlay widget on observed pages.
type Renderer struct {
	eval   Evaluator
	logger *slog.Logger
}

// NewRenderer creates a Renderer over the given evaluator.
func NewRenderer(eval Evaluator, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{eval: eval, logger: logger}
}

// Script returns the widget source for injection.
func Script() string {
	return string(overlayJS)
}

// Install injects the widget into a page. Idempotent: re-injection after
// a navigation is safe.
func (r *Renderer) Install(ctx context.Context, pageID string) error {
	if err := r.eval.EvalJS(ctx, pageID, string(overlayJS)); err != nil {
		return fmt.Errorf("overlay: install: %w", err)
	}
	return nil
}

// Show makes the widget visible.
func (r *Renderer) Show(ctx context.Context, pageID string) error {
	return r.call(ctx, pageID, `() => window.__playpace_overlay ? window.__playpace_overlay.show() : false`)
}

// Hide removes the widget from the page (state is kept).
func (r *Renderer) Hide(ctx context.Context, pageID string) error {
	return r.call(ctx, pageID, `() => window.__playpace_overlay ? window.__playpace_overlay.hide() : false`)
}

// Toggle flips widget visibility.
func (r *Renderer) Toggle(ctx context.Context, pageID string) error {
	return r.call(ctx, pageID, `() => window.__playpace_overlay ? window.__playpace_overlay.toggle() : false`)
}

// UpdateSpeed refreshes the displayed rate.
func (r *Renderer) UpdateSpeed(ctx context.Context, pageID string, rate float64) error {
	return r.call(ctx, pageID,
		`(rate) => window.__playpace_overlay ? window.__playpace_overlay.setSpeed(rate) : false`, rate)
}

// UpdateLoop refreshes the loop indicator.
func (r *Renderer) UpdateLoop(ctx context.Context, pageID string, active bool) error {
	return r.call(ctx, pageID,
		`(on) => window.__playpace_overlay ? window.__playpace_overlay.setLoop(on) : false`, active)
}

func (r *Renderer) call(ctx context.Context, pageID, js string, args ...interface{}) error {
	if err := r.eval.EvalJS(ctx, pageID, js, args...); err != nil {
		r.logger.Debug("overlay: eval failed", "page", pageID, "error", err)
		return err
	}
	return nil
}
