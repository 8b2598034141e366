package controller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/playpace/playpace/dbopen"
	"github.com/playpace/playpace/playback"
	"github.com/playpace/playpace/settings"
)

type watcherCall struct {
	op       string
	pageID   string
	handleID string
	rate     float64
	delta    float64
	a, b     float64
}

// fakeWatcher records every write the controller issues.
type fakeWatcher struct {
	mu    sync.Mutex
	calls []watcherCall
	fail  error
}

func (f *fakeWatcher) record(c watcherCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.fail
}

func (f *fakeWatcher) ApplyRate(_ context.Context, pageID, handleID string, rate float64) error {
	return f.record(watcherCall{op: "rate", pageID: pageID, handleID: handleID, rate: rate})
}
func (f *fakeWatcher) Seek(_ context.Context, pageID, handleID string, delta float64) error {
	return f.record(watcherCall{op: "seek", pageID: pageID, handleID: handleID, delta: delta})
}
func (f *fakeWatcher) SetLoop(_ context.Context, pageID, handleID string, a, b float64) error {
	return f.record(watcherCall{op: "setloop", pageID: pageID, handleID: handleID, a: a, b: b})
}
func (f *fakeWatcher) ClearLoop(_ context.Context, pageID, handleID string) error {
	return f.record(watcherCall{op: "clearloop", pageID: pageID, handleID: handleID})
}
func (f *fakeWatcher) EvalJS(_ context.Context, pageID, _ string, _ ...interface{}) error {
	return f.record(watcherCall{op: "eval", pageID: pageID})
}
func (f *fakeWatcher) PageHTML(_ context.Context, _ string) (string, error) {
	return "<html></html>", nil
}

func (f *fakeWatcher) byOp(op string) []watcherCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []watcherCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T) (*Controller, *fakeWatcher, *fakeClock, *settings.Store) {
	t.Helper()
	fw := &fakeWatcher{}
	clock := &fakeClock{at: time.UnixMilli(1_700_000_000_000)}
	db := dbopen.OpenMemory(t, dbopen.WithSchema(settings.Schema))
	store := settings.NewStore(db, nil)
	c := New(Config{Watcher: fw, Store: store, Clock: clock.now})
	return c, fw, clock, store
}

func sendBatch(t *testing.T, c *Controller, clock *fakeClock, pageID string, events ...playback.Event) {
	t.Helper()
	err := c.OnBatch(context.Background(), &playback.Batch{
		ID:        "bat_test",
		PageID:    pageID,
		PageURL:   "https://videos.example.com/watch",
		Events:    events,
		Timestamp: clock.now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("OnBatch: %v", err)
	}
}

func found(id string, playing bool, area float64) playback.Event {
	return playback.Event{
		Op: playback.OpFound, HandleID: id, Tag: "video",
		Playing: playing, AreaPx: area, Rate: 1.0, Duration: 600,
	}
}

func TestDiscovery_PlayingElementBecomesActive(t *testing.T) {
	c, _, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1",
		found("med_a", false, 2_000_000), // huge but paused
		found("med_b", true, 90_000),     // small but playing
	)

	pages := c.Pages()
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	if pages[0].Active != "med_b" {
		t.Errorf("active = %q, want med_b (playing beats paused)", pages[0].Active)
	}
}

func TestKeyDispatch_IncreaseStepsActiveHandleRate(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	// Default keymap: KeyD = increase, default step 0.1.
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyD"})

	rates := fw.byOp("rate")
	if len(rates) != 1 {
		t.Fatalf("got %d rate writes, want 1", len(rates))
	}
	if got := rates[0].rate; math.Abs(got-1.1) > 1e-9 {
		t.Errorf("rate = %v, want 1.1", got)
	}
	if rates[0].handleID != "med_a" {
		t.Errorf("rate written to %q, want med_a", rates[0].handleID)
	}
}

func TestKeyDispatch_UnboundKeyIgnored(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyQ"})

	if n := len(fw.byOp("rate")) + len(fw.byOp("seek")); n != 0 {
		t.Fatalf("unbound key produced %d writes", n)
	}
}

func TestExternalReset_RevertedInsideGuardWindow(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyD"}) // 1.1 preferred

	// Site resets the rate 100ms later.
	clock.advance(100 * time.Millisecond)
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpRateChange, HandleID: "med_a", Rate: 1.0})

	rates := fw.byOp("rate")
	if len(rates) != 2 {
		t.Fatalf("got %d rate writes, want 2 (preferred + correction)", len(rates))
	}
	if got := rates[1].rate; math.Abs(got-1.1) > 1e-9 {
		t.Errorf("correction wrote %v, want preferred 1.1", got)
	}
}

func TestExternalReset_IgnoredAfterWindow(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyD"})

	clock.advance(600 * time.Millisecond)
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpRateChange, HandleID: "med_a", Rate: 1.0})

	if rates := fw.byOp("rate"); len(rates) != 1 {
		t.Fatalf("got %d rate writes, want 1 (no correction after window)", len(rates))
	}
}

func TestSeekKeys_UseConfiguredSeconds(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyZ"})
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyX"})

	seeks := fw.byOp("seek")
	if len(seeks) != 2 {
		t.Fatalf("got %d seeks, want 2", len(seeks))
	}
	if seeks[0].delta != -10 || seeks[1].delta != 10 {
		t.Errorf("deltas = %v, %v; want -10, 10", seeks[0].delta, seeks[1].delta)
	}
}

func TestRemoval_ActiveReassignedAndGuardDropped(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1",
		found("med_a", true, 90_000),
		found("med_b", false, 500_000),
	)
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyD"}) // guards med_a

	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpRemoved, HandleID: "med_a"})

	pages := c.Pages()
	if pages[0].Active != "med_b" {
		t.Errorf("active after removal = %q, want med_b", pages[0].Active)
	}

	// A late ratechange for the removed handle must not trigger a
	// correction: its guard entry is gone.
	before := len(fw.byOp("rate"))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpRateChange, HandleID: "med_a", Rate: 1.0})
	if after := len(fw.byOp("rate")); after != before {
		t.Error("removed handle still guarded")
	}
}

func TestInteraction_ShiftsSelection(t *testing.T) {
	c, _, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1",
		found("med_a", true, 90_000),
		found("med_b", true, 90_000),
	)
	if c.Pages()[0].Active != "med_a" {
		t.Fatalf("tie should go to first-discovered med_a, got %q", c.Pages()[0].Active)
	}

	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpInteract, HandleID: "med_b"})
	if got := c.Pages()[0].Active; got != "med_b" {
		t.Errorf("active after interaction = %q, want med_b", got)
	}
}

func TestRememberPerSite_RestoredOnDiscovery(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	err := c.UpdateSettings(context.Background(), settings.Settings{
		RememberMode: settings.RememberPerSite,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyD"}) // 1.1 remembered

	// A new element on the same host gets the remembered speed, outside
	// the guard window of med_a.
	clock.advance(time.Second)
	sendBatch(t, c, clock, "p1", found("med_b", false, 50_000))

	rates := fw.byOp("rate")
	var restored bool
	for _, r := range rates {
		if r.handleID == "med_b" && math.Abs(r.rate-1.1) < 1e-9 {
			restored = true
		}
	}
	if !restored {
		t.Errorf("remembered speed not restored to med_b; rate writes: %+v", rates)
	}
}

func TestLoopCycle_ArmSetClear(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpTimeUpdate, HandleID: "med_a", Time: 10, Playing: true})

	// First press arms point A.
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpControl, Action: "loop"})
	if len(fw.byOp("setloop")) != 0 {
		t.Fatal("loop set after a single press")
	}

	// Position advances, second press closes the loop.
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpTimeUpdate, HandleID: "med_a", Time: 25, Playing: true})
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpControl, Action: "loop"})

	loops := fw.byOp("setloop")
	if len(loops) != 1 {
		t.Fatalf("got %d setloop calls, want 1", len(loops))
	}
	if loops[0].a != 10 || loops[0].b != 25 {
		t.Errorf("loop = [%v, %v], want [10, 25]", loops[0].a, loops[0].b)
	}
	if !c.Pages()[0].LoopOn {
		t.Error("page does not report loop active")
	}

	// Third press clears.
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpControl, Action: "loop"})
	if len(fw.byOp("clearloop")) != 1 {
		t.Error("loop not cleared on third press")
	}
	if c.Pages()[0].LoopOn {
		t.Error("page still reports loop active after clear")
	}
}

func TestLoopCycle_BackwardsSecondPointCancels(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpTimeUpdate, HandleID: "med_a", Time: 30, Playing: true})
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpControl, Action: "loop"})

	// User seeks backwards before the second press.
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpSeeked, HandleID: "med_a", Time: 5})
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpControl, Action: "loop"})

	if len(fw.byOp("setloop")) != 0 {
		t.Error("backwards loop range was installed")
	}
}

func TestSetRate_RejectsNonFinite(t *testing.T) {
	c, _, clock, _ := newTestController(t)
	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := c.SetRate(context.Background(), "med_a", bad); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("SetRate(%v): got %v, want ErrInvalidRate", bad, err)
		}
	}
}

func TestSetRate_ClampsFiniteOutOfRange(t *testing.T) {
	c, _, clock, _ := newTestController(t)
	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))

	applied, err := c.SetRate(context.Background(), "med_a", 16)
	if err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if applied != 4.0 {
		t.Errorf("applied = %v, want clamped 4.0", applied)
	}
}

func TestSetRate_UnknownHandle(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.SetRate(context.Background(), "med_ghost", 1.5); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("got %v, want ErrUnknownHandle", err)
	}
}

func TestDisabledDomain_EventsIgnored(t *testing.T) {
	c, fw, clock, _ := newTestController(t)

	err := c.UpdateSettings(context.Background(), settings.Settings{
		DisabledDomains: []string{"example.com"},
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	// Page host is videos.example.com — a subdomain of the disabled one.
	sendBatch(t, c, clock, "p1", found("med_a", true, 90_000))
	sendBatch(t, c, clock, "p1", playback.Event{Op: playback.OpKey, Code: "KeyD"})

	if n := len(fw.calls); n != 0 {
		t.Fatalf("disabled domain produced %d watcher calls", n)
	}
	if len(c.Pages()[0].Active) != 0 {
		t.Error("disabled domain still selected an active handle")
	}
}

func TestUpdateSettings_RejectsConflictingKeymap(t *testing.T) {
	c, _, _, _ := newTestController(t)

	err := c.UpdateSettings(context.Background(), settings.Settings{
		Keymap: map[string]string{"increase": "KeyS", "decrease": "KeyS"},
	})
	if err == nil {
		t.Fatal("conflicting keymap accepted")
	}
}

func TestUpdateSettings_PersistsAcrossReload(t *testing.T) {
	c, _, _, store := newTestController(t)

	err := c.UpdateSettings(context.Background(), settings.Settings{Step: 0.25})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Step != 0.25 {
		t.Errorf("persisted step = %v, want 0.25", got.Step)
	}

	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c.Settings().Step != 0.25 {
		t.Errorf("live step after reload = %v, want 0.25", c.Settings().Step)
	}
}

func TestMedia_ReportsScoresAndActive(t *testing.T) {
	c, _, clock, _ := newTestController(t)

	sendBatch(t, c, clock, "p1",
		found("med_a", true, 90_000),
		found("med_b", false, 90_000),
	)

	infos, err := c.Media("p1")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d handles, want 2", len(infos))
	}
	if !infos[0].Active || infos[1].Active {
		t.Error("active flag not on the playing handle")
	}
	if infos[0].Score <= infos[1].Score {
		t.Errorf("playing score %v not above paused score %v", infos[0].Score, infos[1].Score)
	}
}
