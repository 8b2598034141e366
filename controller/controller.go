// Package controller is the policy engine of the daemon. It consumes
// playback event batches from mediawatch, maintains per-page registries of
// media handles, selects the active element, guards user-chosen rates
// against site resets, dispatches keyboard and overlay actions, and
// persists remembered speeds.
//
// The watcher observes and executes; the controller decides.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playpace/playpace/actionlog"
	"github.com/playpace/playpace/keymap"
	"github.com/playpace/playpace/kit"
	"github.com/playpace/playpace/mediawatch"
	"github.com/playpace/playpace/overlay"
	"github.com/playpace/playpace/playback"
	"github.com/playpace/playpace/rateguard"
	"github.com/playpace/playpace/selector"
	"github.com/playpace/playpace/settings"
)

// ErrUnknownHandle is returned when an operation targets a handle not in
// the registry.
var ErrUnknownHandle = errors.New("controller: unknown handle")

// ErrInvalidRate is returned by the admin surfaces for non-finite rates.
// Finite out-of-range rates are clamped by the guard, not rejected.
var ErrInvalidRate = errors.New("controller: rate must be a finite number")

// Watcher is the slice of mediawatch the controller drives. Tests
// substitute a recorder.
type Watcher interface {
	ApplyRate(ctx context.Context, pageID, handleID string, rate float64) error
	Seek(ctx context.Context, pageID, handleID string, delta float64) error
	SetLoop(ctx context.Context, pageID, handleID string, a, b float64) error
	ClearLoop(ctx context.Context, pageID, handleID string) error
	EvalJS(ctx context.Context, pageID, js string, args ...interface{}) error
	PageHTML(ctx context.Context, pageID string) (string, error)
}

// loop stage progression for the overlay loop button: none → A armed →
// looping → none.
const (
	loopNone = iota
	loopArmed
	loopActive
)

type loopState struct {
	handleID string
	stage    int
	a, b     float64
}

// pageState is the per-page registry: every tracked handle plus selection
// and loop state. All fields are guarded by the controller mutex.
type pageState struct {
	id      string
	url     string
	host    string
	handles map[string]*playback.HandleState
	order   []string // discovery order; selector tie-break contract
	active  string
	loop    loopState
	overlay bool
}

func (p *pageState) ordered() []playback.HandleState {
	out := make([]playback.HandleState, 0, len(p.order))
	for _, id := range p.order {
		if h, ok := p.handles[id]; ok {
			out = append(out, *h)
		}
	}
	return out
}

// Config assembles a Controller.
type Config struct {
	Watcher Watcher
	Store   *settings.Store
	// Audit records every action taken; nil disables the trail.
	Audit  *actionlog.Logger
	Logger *slog.Logger
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

// Controller wires selection, guarding, keymaps, persistence, and the
// overlay together. Safe for concurrent use.
type Controller struct {
	watcher Watcher
	store   *settings.Store
	audit   *actionlog.Logger
	guard   *rateguard.Guard
	widget  *overlay.Renderer
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	pages map[string]*pageState
	prefs settings.Settings
	keys  keymap.Map
}

// New creates a Controller. Call Reload to pick up persisted settings.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Controller{
		watcher: cfg.Watcher,
		store:   cfg.Store,
		audit:   cfg.Audit,
		widget:  overlay.NewRenderer(cfg.Watcher, cfg.Logger),
		logger:  cfg.Logger,
		now:     cfg.Clock,
		pages:   make(map[string]*pageState),
		prefs:   settings.Defaults(),
		keys:    keymap.Default(),
	}
	c.guard = rateguard.New(cfg.Watcher,
		rateguard.WithClock(cfg.Clock),
		rateguard.WithLogger(cfg.Logger))
	return c
}

// Guard exposes the rate guard for the admin surfaces.
func (c *Controller) Guard() *rateguard.Guard { return c.guard }

// Sink returns the callback sink to register with the watcher.
func (c *Controller) Sink() mediawatch.Sink {
	return mediawatch.NewCallbackSink(c.OnBatch)
}

// Reload reads settings from the store and swaps the live keymap. Invalid
// stored keymaps keep the previous bindings; everything else still
// applies. Wired as the action of a settings.Reloader so external writes
// to the database take effect without a restart.
func (c *Controller) Reload(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	prefs, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("controller: settings load failed, keeping last known", "error", err)
	}

	keys, kerr := keymap.Parse(prefs.Keymap)

	c.mu.Lock()
	c.prefs = prefs
	if kerr == nil {
		c.keys = keys
	}
	c.mu.Unlock()

	if kerr != nil {
		c.logger.Warn("controller: invalid keymap in settings, keeping previous", "error", kerr)
	}
	return err
}

// OnBatch ingests one event batch from the watcher. This is the single
// entry point for all page-originated state.
func (c *Controller) OnBatch(ctx context.Context, batch *playback.Batch) error {
	at := time.UnixMilli(batch.Timestamp)

	c.mu.Lock()
	prefs := c.prefs
	page := c.pages[batch.PageID]
	if page == nil {
		page = &pageState{
			id:      batch.PageID,
			url:     batch.PageURL,
			host:    hostOf(batch.PageURL),
			handles: make(map[string]*playback.HandleState),
		}
		c.pages[batch.PageID] = page
	}
	c.mu.Unlock()

	if prefs.DomainDisabled(page.host) {
		return nil
	}

	for _, ev := range batch.Events {
		c.handleEvent(ctx, page, ev, at)
	}
	return nil
}

func (c *Controller) handleEvent(ctx context.Context, page *pageState, ev playback.Event, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Op {
	case playback.OpFound:
		h := &playback.HandleState{
			ID:           ev.HandleID,
			PageID:       page.id,
			Tag:          ev.Tag,
			XPath:        ev.XPath,
			IsPlaying:    ev.Playing,
			AreaPx:       ev.AreaPx,
			Rate:         ev.Rate,
			CurrentTime:  ev.Time,
			Duration:     ev.Duration,
			DiscoveredAt: at,
		}
		if _, seen := page.handles[ev.HandleID]; !seen {
			page.order = append(page.order, ev.HandleID)
		}
		page.handles[ev.HandleID] = h
		c.restoreSpeedLocked(ctx, page, h)
		c.rescoreLocked(ctx, page)

	case playback.OpRemoved:
		delete(page.handles, ev.HandleID)
		for i, id := range page.order {
			if id == ev.HandleID {
				page.order = append(page.order[:i], page.order[i+1:]...)
				break
			}
		}
		c.guard.Drop(ev.HandleID)
		if page.loop.handleID == ev.HandleID {
			page.loop = loopState{}
		}
		c.rescoreLocked(ctx, page)

	case playback.OpPlay:
		if h := page.handles[ev.HandleID]; h != nil {
			h.IsPlaying = true
			if ev.Rate > 0 {
				h.Rate = ev.Rate
			}
			c.rescoreLocked(ctx, page)
		}

	case playback.OpPause:
		if h := page.handles[ev.HandleID]; h != nil {
			h.IsPlaying = false
			c.rescoreLocked(ctx, page)
		}

	case playback.OpRateChange:
		if h := page.handles[ev.HandleID]; h != nil {
			h.Rate = ev.Rate
		}
		// Judged against the event's own timestamp so a delayed batch
		// cannot smuggle an old ratechange into a fresh guard window.
		c.guard.OnRateObserved(ctx, ev.HandleID, ev.Rate, at)
		c.syncOverlayLocked(ctx, page)

	case playback.OpSeeked, playback.OpTimeUpdate:
		if h := page.handles[ev.HandleID]; h != nil {
			h.CurrentTime = ev.Time
			if ev.Op == playback.OpTimeUpdate {
				h.IsPlaying = ev.Playing
			}
		}

	case playback.OpVisibility:
		if h := page.handles[ev.HandleID]; h != nil {
			h.Visibility = ev.Visible
			if ev.AreaPx > 0 {
				h.AreaPx = ev.AreaPx
			}
			c.rescoreLocked(ctx, page)
		}

	case playback.OpInteract:
		if h := page.handles[ev.HandleID]; h != nil {
			h.LastInteraction = at
			c.rescoreLocked(ctx, page)
		}

	case playback.OpKey:
		if action, ok := c.keys.Resolve(ev.Code); ok {
			c.dispatchLocked(ctx, page, string(action), "key")
		}

	case playback.OpControl:
		c.dispatchLocked(ctx, page, ev.Action, "overlay")
	}
}

// rescoreLocked recomputes the active handle. Runs on every discovery,
// removal, play/pause, visibility, and interaction event — a selection
// must never stay pinned to state that no longer exists.
func (c *Controller) rescoreLocked(ctx context.Context, page *pageState) {
	prev := page.active
	page.active = selector.SelectActive(page.ordered(), c.now())
	if page.active != prev {
		c.logger.Debug("controller: active media changed",
			"page", page.id, "from", prev, "to", page.active)
		c.syncOverlayLocked(ctx, page)
	}
}

// syncOverlayLocked refreshes the widget display for the page's active
// handle. No-op while the overlay is hidden.
func (c *Controller) syncOverlayLocked(ctx context.Context, page *pageState) {
	if !page.overlay {
		return
	}
	rate := 1.0
	if h := page.handles[page.active]; h != nil {
		if r, _ := c.guard.Preferred(h.ID); r > 0 {
			rate = r
		} else if h.Rate > 0 {
			rate = h.Rate
		}
	}
	if err := c.widget.UpdateSpeed(ctx, page.id, rate); err != nil {
		c.logger.Debug("controller: overlay speed update failed", "page", page.id, "error", err)
	}
}

// restoreSpeedLocked applies a remembered speed to a freshly discovered
// handle. Goes through Apply with force=false so a rate the user just set
// by hand is never stepped on.
func (c *Controller) restoreSpeedLocked(ctx context.Context, page *pageState, h *playback.HandleState) {
	if c.store == nil || c.prefs.RememberMode == settings.RememberOff {
		return
	}
	rate, ok, err := c.store.Speed(ctx, c.prefs.RememberMode, page.host)
	if err != nil {
		c.logger.Warn("controller: remembered speed lookup failed", "host", page.host, "error", err)
		return
	}
	if !ok {
		return
	}
	applied := c.guard.Apply(ctx, page.id, h.ID, rate, false)
	c.logger.Debug("controller: restored remembered speed",
		"page", page.id, "handle", h.ID, "rate", applied)
	c.logAction("restore", "set_rate", page, h.ID, applied, nil)
}

// dispatchLocked executes one named action against the page's active
// handle. Actions come from resolved keypresses and overlay buttons.
func (c *Controller) dispatchLocked(ctx context.Context, page *pageState, action, source string) {
	if action == string(keymap.ActionToggleOverlay) {
		c.toggleOverlayLocked(ctx, page)
		return
	}

	h := page.handles[page.active]
	if h == nil {
		return
	}

	switch keymap.Action(action) {
	case keymap.ActionDecrease:
		c.stepRateLocked(ctx, page, h, -c.prefs.Step, source)
	case keymap.ActionIncrease:
		c.stepRateLocked(ctx, page, h, +c.prefs.Step, source)
	case keymap.ActionReset:
		applied := c.guard.Apply(ctx, page.id, h.ID, 1.0, true)
		c.rememberLocked(ctx, page, applied)
		c.syncOverlayLocked(ctx, page)
		c.logAction(source, "set_rate", page, h.ID, applied, nil)
	case keymap.ActionSeekBack:
		c.seekLocked(ctx, page, h, -c.prefs.SeekSeconds, source)
	case keymap.ActionSeekForward:
		c.seekLocked(ctx, page, h, +c.prefs.SeekSeconds, source)
	default:
		if action == "loop" {
			c.cycleLoopLocked(ctx, page, h, source)
		}
	}
}

func (c *Controller) stepRateLocked(ctx context.Context, page *pageState, h *playback.HandleState, delta float64, source string) {
	base := h.Rate
	if r, _ := c.guard.Preferred(h.ID); r > 0 {
		base = r
	}
	if base <= 0 {
		base = 1.0
	}
	applied := c.guard.SetPreferred(ctx, page.id, h.ID, base+delta)
	c.rememberLocked(ctx, page, applied)
	c.syncOverlayLocked(ctx, page)
	c.logAction(source, "set_rate", page, h.ID, applied, nil)
}

func (c *Controller) seekLocked(ctx context.Context, page *pageState, h *playback.HandleState, delta float64, source string) {
	err := c.watcher.Seek(ctx, page.id, h.ID, delta)
	if err != nil {
		c.logger.Warn("controller: seek failed", "page", page.id, "handle", h.ID, "error", err)
	}
	c.logAction(source, "seek", page, h.ID, delta, err)
}

func (c *Controller) rememberLocked(ctx context.Context, page *pageState, rate float64) {
	if c.store == nil || c.prefs.RememberMode == settings.RememberOff {
		return
	}
	if err := c.store.SaveSpeed(ctx, c.prefs.RememberMode, page.host, rate); err != nil {
		c.logger.Warn("controller: remember speed failed", "host", page.host, "error", err)
	}
}

func (c *Controller) toggleOverlayLocked(ctx context.Context, page *pageState) {
	// Lazy install: the widget script is only injected once the user asks
	// for it.
	if err := c.widget.Install(ctx, page.id); err != nil {
		c.logger.Warn("controller: overlay install failed", "page", page.id, "error", err)
		return
	}
	if err := c.widget.Toggle(ctx, page.id); err != nil {
		c.logger.Warn("controller: overlay toggle failed", "page", page.id, "error", err)
		return
	}
	page.overlay = !page.overlay
	if page.overlay {
		c.syncOverlayLocked(ctx, page)
	}
}

// cycleLoopLocked advances the A-B loop state machine: first press arms
// point A at the current position, second press closes the loop, third
// press clears it. A second point at or before A cancels instead.
func (c *Controller) cycleLoopLocked(ctx context.Context, page *pageState, h *playback.HandleState, source string) {
	l := &page.loop
	switch {
	case l.stage == loopNone || l.handleID != h.ID:
		page.loop = loopState{handleID: h.ID, stage: loopArmed, a: h.CurrentTime}

	case l.stage == loopArmed:
		b := h.CurrentTime
		if b <= l.a {
			page.loop = loopState{}
			break
		}
		if err := c.watcher.SetLoop(ctx, page.id, h.ID, l.a, b); err != nil {
			c.logger.Warn("controller: set loop failed", "handle", h.ID, "error", err)
			page.loop = loopState{}
			break
		}
		l.b = b
		l.stage = loopActive
		if page.overlay {
			c.widget.UpdateLoop(ctx, page.id, true)
		}
		c.logAction(source, "loop_set", page, h.ID, l.a, nil)

	case l.stage == loopActive:
		err := c.watcher.ClearLoop(ctx, page.id, h.ID)
		if err != nil {
			c.logger.Warn("controller: clear loop failed", "handle", h.ID, "error", err)
		}
		page.loop = loopState{}
		if page.overlay {
			c.widget.UpdateLoop(ctx, page.id, false)
		}
		c.logAction(source, "loop_clear", page, h.ID, 0, err)
	}
}

// logAction records one action in the audit trail, if one is configured.
func (c *Controller) logAction(source, action string, page *pageState, handleID string, value float64, err error) {
	if c.audit == nil {
		return
	}
	c.audit.Action(source, action, page.id, page.host, handleID, value, err)
}

// --- admin surface -------------------------------------------------------

// PageInfo summarises one observed page for the admin surfaces.
type PageInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Host    string `json:"host"`
	Active  string `json:"active_handle,omitempty"`
	Handles int    `json:"handles"`
	LoopOn  bool   `json:"loop_on"`
	Overlay bool   `json:"overlay"`
}

// HandleInfo is a handle snapshot plus its current selection score.
type HandleInfo struct {
	playback.HandleState
	Score  float64 `json:"score"`
	Active bool    `json:"active"`
}

// Pages lists observed pages in stable ID order.
func (c *Controller) Pages() []PageInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PageInfo, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, PageInfo{
			ID:      p.id,
			URL:     p.url,
			Host:    p.host,
			Active:  p.active,
			Handles: len(p.handles),
			LoopOn:  p.loop.stage == loopActive,
			Overlay: p.overlay,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Media lists the handles of a page with live scores.
func (c *Controller) Media(pageID string) ([]HandleInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page := c.pages[pageID]
	if page == nil {
		return nil, fmt.Errorf("%w: page %s", ErrUnknownHandle, pageID)
	}

	now := c.now()
	out := make([]HandleInfo, 0, len(page.order))
	for _, h := range page.ordered() {
		out = append(out, HandleInfo{
			HandleState: h,
			Score:       selector.Score(h, now),
			Active:      h.ID == page.active,
		})
	}
	return out, nil
}

// SetRate sets a user-preferred rate on a handle. Non-finite input is
// rejected; finite out-of-range input is clamped. Returns the rate
// actually applied.
func (c *Controller) SetRate(ctx context.Context, handleID string, rate float64) (float64, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}

	c.mu.Lock()
	page := c.pageOfLocked(handleID)
	c.mu.Unlock()
	if page == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}

	applied := c.guard.SetPreferred(ctx, page.id, handleID, rate)

	c.mu.Lock()
	c.rememberLocked(ctx, page, applied)
	c.syncOverlayLocked(ctx, page)
	c.mu.Unlock()
	c.logAction(kit.GetTransport(ctx), "set_rate", page, handleID, applied, nil)
	return applied, nil
}

// SeekBy moves a handle's position by delta seconds.
func (c *Controller) SeekBy(ctx context.Context, handleID string, delta float64) error {
	c.mu.Lock()
	page := c.pageOfLocked(handleID)
	c.mu.Unlock()
	if page == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}
	err := c.watcher.Seek(ctx, page.id, handleID, delta)
	c.logAction(kit.GetTransport(ctx), "seek", page, handleID, delta, err)
	return err
}

// SetLoopRange installs an A-B loop with explicit bounds.
func (c *Controller) SetLoopRange(ctx context.Context, handleID string, a, b float64) error {
	if b <= a || a < 0 {
		return fmt.Errorf("controller: invalid loop range [%v, %v]", a, b)
	}

	c.mu.Lock()
	page := c.pageOfLocked(handleID)
	c.mu.Unlock()
	if page == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}

	if err := c.watcher.SetLoop(ctx, page.id, handleID, a, b); err != nil {
		c.logAction(kit.GetTransport(ctx), "loop_set", page, handleID, a, err)
		return err
	}
	c.mu.Lock()
	page.loop = loopState{handleID: handleID, stage: loopActive, a: a, b: b}
	c.mu.Unlock()
	c.logAction(kit.GetTransport(ctx), "loop_set", page, handleID, a, nil)
	return nil
}

// ClearLoopOn removes the loop from a handle.
func (c *Controller) ClearLoopOn(ctx context.Context, handleID string) error {
	c.mu.Lock()
	page := c.pageOfLocked(handleID)
	c.mu.Unlock()
	if page == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}

	if err := c.watcher.ClearLoop(ctx, page.id, handleID); err != nil {
		c.logAction(kit.GetTransport(ctx), "loop_clear", page, handleID, 0, err)
		return err
	}
	c.mu.Lock()
	if page.loop.handleID == handleID {
		page.loop = loopState{}
	}
	c.mu.Unlock()
	c.logAction(kit.GetTransport(ctx), "loop_clear", page, handleID, 0, nil)
	return nil
}

// Settings returns the live settings.
func (c *Controller) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// UpdateSettings persists new settings and applies them immediately.
func (c *Controller) UpdateSettings(ctx context.Context, in settings.Settings) error {
	in.Normalize()
	keys, err := keymap.Parse(in.Keymap)
	if err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.Save(ctx, in); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.prefs = in
	c.keys = keys
	c.mu.Unlock()

	if c.audit != nil {
		c.audit.Record(&actionlog.Entry{
			Source: kit.GetTransport(ctx),
			Action: "settings_update",
			Detail: actionlog.MarshalDetail(in),
		})
	}
	return nil
}

// SiteSpeeds lists remembered per-site speeds.
func (c *Controller) SiteSpeeds(ctx context.Context) (map[string]float64, error) {
	if c.store == nil {
		return map[string]float64{}, nil
	}
	return c.store.SiteSpeeds(ctx)
}

// Actions lists recent audit entries. Returns nil when no audit logger is
// configured.
func (c *Controller) Actions(ctx context.Context, f *actionlog.Filter) ([]*actionlog.Entry, error) {
	if c.audit == nil {
		return nil, nil
	}
	return c.audit.Query(ctx, f)
}

// DropPage discards the registry for a closed page.
func (c *Controller) DropPage(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if page := c.pages[pageID]; page != nil {
		for id := range page.handles {
			c.guard.Drop(id)
		}
	}
	delete(c.pages, pageID)
}

func (c *Controller) pageOfLocked(handleID string) *pageState {
	for _, p := range c.pages {
		if _, ok := p.handles[handleID]; ok {
			return p
		}
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
