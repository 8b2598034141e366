package rateguard

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ at time.Time }

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

// recordingApplier captures every write, optionally failing.
type recordingApplier struct {
	calls []float64
	err   error
}

func (a *recordingApplier) ApplyRate(_ context.Context, _, _ string, rate float64) error {
	a.calls = append(a.calls, rate)
	return a.err
}

func newGuard() (*Guard, *recordingApplier, *fakeClock) {
	clk := &fakeClock{at: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	app := &recordingApplier{}
	return New(app, WithClock(clk.now)), app, clk
}

func TestSetPreferred_WritesAndOpensWindow(t *testing.T) {
	g, app, _ := newGuard()

	got := g.SetPreferred(context.Background(), "p1", "h1", 1.5)
	if got != 1.5 {
		t.Fatalf("SetPreferred: got %v, want 1.5", got)
	}
	if len(app.calls) != 1 || app.calls[0] != 1.5 {
		t.Fatalf("applier calls: got %v, want [1.5]", app.calls)
	}
	if rate, active := g.Preferred("h1"); !active || rate != 1.5 {
		t.Errorf("Preferred: got (%v, %v), want (1.5, true)", rate, active)
	}
}

func TestOnRateObserved_CorrectsInsideWindow(t *testing.T) {
	g, app, clk := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 1.5)
	app.calls = nil

	g.OnRateObserved(context.Background(), "h1", 1.0, clk.at.Add(100*time.Millisecond))
	if len(app.calls) != 1 || app.calls[0] != 1.5 {
		t.Fatalf("correction: got %v, want [1.5]", app.calls)
	}
}

func TestOnRateObserved_NoCorrectionAfterExpiry(t *testing.T) {
	g, app, clk := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 1.5)
	app.calls = nil

	g.OnRateObserved(context.Background(), "h1", 1.0, clk.at.Add(600*time.Millisecond))
	if len(app.calls) != 0 {
		t.Fatalf("expired guard corrected: got %v, want no calls", app.calls)
	}
}

func TestOnRateObserved_CorrectionDoesNotExtendWindow(t *testing.T) {
	g, app, clk := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 1.5)

	// A page fighting the guard at 400ms gets corrected, but the window
	// still closes at 500ms from the user action.
	g.OnRateObserved(context.Background(), "h1", 1.0, clk.at.Add(400*time.Millisecond))
	app.calls = nil
	g.OnRateObserved(context.Background(), "h1", 1.0, clk.at.Add(600*time.Millisecond))
	if len(app.calls) != 0 {
		t.Fatalf("window was extended by correction: got %v calls", app.calls)
	}
}

func TestOnRateObserved_WithinEpsilonIgnored(t *testing.T) {
	// The echo of a corrective write lands on the preferred rate and must
	// not trigger another write — this bounds re-entrancy.
	g, app, clk := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 1.5)
	app.calls = nil

	g.OnRateObserved(context.Background(), "h1", 1.5, clk.at.Add(50*time.Millisecond))
	g.OnRateObserved(context.Background(), "h1", 1.505, clk.at.Add(60*time.Millisecond))
	if len(app.calls) != 0 {
		t.Fatalf("epsilon echo corrected: got %v, want no calls", app.calls)
	}
}

func TestOnRateObserved_UntrackedHandleIgnored(t *testing.T) {
	g, app, clk := newGuard()
	g.OnRateObserved(context.Background(), "nobody", 2.0, clk.at)
	if len(app.calls) != 0 {
		t.Fatalf("untracked handle: got %v calls, want 0", len(app.calls))
	}
}

func TestApply_SecondCallIsNoOp(t *testing.T) {
	g, app, clk := newGuard()

	g.Apply(context.Background(), "p1", "h1", 1.75, false)
	firstCalls := len(app.calls)

	// Capture the window end by advancing to just before expiry: the
	// second Apply must neither rewrite nor extend it.
	g.Apply(context.Background(), "p1", "h1", 1.75, false)
	if len(app.calls) != firstCalls {
		t.Fatalf("second Apply wrote: got %d calls, want %d", len(app.calls), firstCalls)
	}
	if rate, _ := g.Preferred("h1"); rate != 1.75 {
		t.Errorf("preferred: got %v, want 1.75", rate)
	}

	clk.advance(490 * time.Millisecond)
	if _, active := g.Preferred("h1"); !active {
		t.Error("guard expired early")
	}
	clk.advance(20 * time.Millisecond)
	if _, active := g.Preferred("h1"); active {
		t.Error("guard still active past 500ms — window was extended")
	}
}

func TestApply_DoesNotStepOnActiveGuard(t *testing.T) {
	g, app, _ := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 2.0)
	app.calls = nil

	// A stale stored-speed restore arrives right after the user set 2.0.
	g.Apply(context.Background(), "p1", "h1", 1.0, false)
	if len(app.calls) != 0 {
		t.Fatalf("stale apply wrote: got %v", app.calls)
	}
	if rate, _ := g.Preferred("h1"); rate != 2.0 {
		t.Errorf("preferred: got %v, want 2.0", rate)
	}
}

func TestApply_AfterExpiryTakesEffect(t *testing.T) {
	g, app, clk := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 2.0)
	clk.advance(Window + time.Millisecond)
	app.calls = nil

	g.Apply(context.Background(), "p1", "h1", 1.0, false)
	if len(app.calls) != 1 || app.calls[0] != 1.0 {
		t.Fatalf("post-expiry apply: got %v, want [1.0]", app.calls)
	}
}

func TestApply_ForceBypassesGuard(t *testing.T) {
	g, app, _ := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 2.0)
	app.calls = nil

	got := g.Apply(context.Background(), "p1", "h1", 1.0, true)
	if got != 1.0 {
		t.Fatalf("force apply: got %v, want 1.0", got)
	}
	if len(app.calls) != 1 || app.calls[0] != 1.0 {
		t.Fatalf("force apply calls: got %v, want [1.0]", app.calls)
	}
	if rate, _ := g.Preferred("h1"); rate != 1.0 {
		t.Errorf("preferred after force: got %v, want 1.0", rate)
	}
}

func TestClamp(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{10.0, 4.0},
		{-1.0, 0.25},
		{0, 0.25},
		{1.5, 1.5},
		{math.Inf(1), 4.0},
		{math.Inf(-1), 0.25},
	}
	for _, tc := range cases {
		if got := Clamp(tc.in); got != tc.want {
			t.Errorf("Clamp(%v): got %v, want %v", tc.in, got, tc.want)
		}
	}
	if got := Clamp(math.NaN()); got != 1.0 {
		t.Errorf("Clamp(NaN): got %v, want 1.0", got)
	}
}

func TestApply_ClampsBeforeGuardCheck(t *testing.T) {
	g, _, _ := newGuard()
	if got := g.Apply(context.Background(), "p1", "h1", 10.0, true); got != 4.0 {
		t.Errorf("Apply(10.0, force): got %v, want 4.0", got)
	}
	if got := g.Apply(context.Background(), "p1", "h1", -1.0, true); got != 0.25 {
		t.Errorf("Apply(-1.0, force): got %v, want 0.25", got)
	}
}

func TestSetPreferred_ApplierFailureKeepsEntry(t *testing.T) {
	clk := &fakeClock{at: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	app := &recordingApplier{err: errors.New("element detached")}
	g := New(app, WithClock(clk.now))

	g.SetPreferred(context.Background(), "p1", "h1", 1.5)
	if rate, active := g.Preferred("h1"); !active || rate != 1.5 {
		t.Errorf("entry after failed write: got (%v, %v), want (1.5, true)", rate, active)
	}
}

func TestDrop(t *testing.T) {
	g, _, clk := newGuard()
	g.SetPreferred(context.Background(), "p1", "h1", 1.5)
	g.Drop("h1")
	if _, active := g.Preferred("h1"); active {
		t.Error("dropped handle still guarded")
	}

	g.OnRateObserved(context.Background(), "h1", 1.0, clk.at)
}
