// Package mediawatch provides a media observation daemon that orchestrates
// Chrome as a disposable component. An injected agent discovers video and
// audio elements on watched pages and streams playback events out; writes
// (rate, seek, loop) travel back in through the same agent.
//
// mediawatch observes and executes, it does not decide. Selection, rate
// guarding, and keybinding policy live in the controller, which consumes
// batches from a callback sink and calls back into the watcher to act.
package mediawatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/playpace/playpace/mediawatch/internal/browser"
	"github.com/playpace/playpace/mediawatch/internal/config"
	"github.com/playpace/playpace/mediawatch/internal/observer"
	"github.com/playpace/playpace/mediawatch/internal/probe"
	"github.com/playpace/playpace/mediawatch/internal/sink"
)

// Watcher is the top-level orchestrator. It manages the browser, per-page
// observers, and sinks. Create one per mediawatch instance.
type Watcher struct {
	cfg       *config.Config
	mgr       *browser.Manager
	prober    *probe.Prober
	sinkR     *sink.Router
	observers map[string]*observer.Observer // keyed by page ID
	pages     map[string]config.PageConfig  // keyed by page ID
	mu        sync.Mutex
	logger    *slog.Logger
}

// New creates a Watcher from configuration.
func New(cfg *config.Config, logger *slog.Logger, sinks ...sink.Sink) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL:       cfg.Browser.Remote,
		MemoryLimit:     cfg.Browser.MemoryLimit,
		RecycleInterval: cfg.Browser.RecycleInterval,
		Headful:         cfg.Browser.Headful,
		Mute:            cfg.Browser.Mute,
		Logger:          logger,
	})

	return &Watcher{
		cfg:       cfg,
		mgr:       mgr,
		prober:    probe.New(probe.WithLogger(logger)),
		sinkR:     sink.NewRouter(logger, sinks...),
		observers: make(map[string]*observer.Observer),
		pages:     make(map[string]config.PageConfig),
		logger:    logger,
	}
}

// AddSink registers an additional sink. Must be called before Start.
func (w *Watcher) AddSink(s sink.Sink) {
	w.sinkR.Add(s)
}

// Start launches the browser and begins observing all configured pages.
func (w *Watcher) Start(ctx context.Context) error {
	_, err := w.mgr.Start(ctx)
	if err != nil {
		return fmt.Errorf("mediawatch: start browser: %w", err)
	}

	// Reconnect observers transparently after a recycle.
	w.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: w.flushAllObservers,
		AfterRecycle:  func(b *rod.Browser) { w.reconnectObservers(ctx) },
	})

	for _, page := range w.cfg.Pages {
		if err := w.ObservePage(ctx, page); err != nil {
			w.logger.Error("mediawatch: failed to observe page",
				"url", page.URL, "error", err)
		}
	}

	return nil
}

// ObservePage starts observing a single page. In probe mode "auto" the URL
// is fetched over plain HTTP first; a static page with no media markup and
// no script that could hydrate a player never gets a tab.
func (w *Watcher) ObservePage(ctx context.Context, pageCfg config.PageConfig) error {
	if pageCfg.Probe == "auto" {
		res, err := w.prober.Probe(ctx, pageCfg.URL)
		if err != nil {
			w.logger.Warn("mediawatch: probe failed, opening tab anyway",
				"url", pageCfg.URL, "error", err)
		} else if !res.WorthTab() {
			w.logger.Info("mediawatch: page has no media potential, skipping",
				"url", pageCfg.URL, "status", res.StatusCode)
			return nil
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.observePageLocked(ctx, pageCfg)
}

func (w *Watcher) observePageLocked(ctx context.Context, pageCfg config.PageConfig) error {
	tab, err := browser.OpenTab(ctx, w.mgr, pageCfg.URL, pageCfg.ID)
	if err != nil {
		return fmt.Errorf("mediawatch: open tab: %w", err)
	}

	obs := observer.New(observer.Config{
		Tab:            tab,
		Sink:           w.sinkR,
		DebounceWindow: w.cfg.Debounce.Window,
		DebounceMax:    w.cfg.Debounce.MaxBuffer,
		IncludeAudio:   pageCfg.IncludeAudio,
		Logger:         w.logger,
	})
	obs.SetContext(ctx)

	if err := obs.Start(); err != nil {
		tab.Close()
		return fmt.Errorf("mediawatch: start observer: %w", err)
	}

	w.observers[pageCfg.ID] = obs
	w.pages[pageCfg.ID] = pageCfg

	w.logger.Info("mediawatch: observing page", "url", pageCfg.URL, "id", pageCfg.ID)
	return nil
}

// ClosePage stops observing a page.
func (w *Watcher) ClosePage(pageID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	obs, ok := w.observers[pageID]
	if !ok {
		return ErrNoSuchPage
	}
	obs.Stop()
	delete(w.observers, pageID)
	delete(w.pages, pageID)
	return nil
}

// PageIDs lists the IDs of currently observed pages.
func (w *Watcher) PageIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.observers))
	for id := range w.observers {
		ids = append(ids, id)
	}
	return ids
}

// PageURL returns the URL of an observed page.
func (w *Watcher) PageURL(pageID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pages[pageID]
	return p.URL, ok
}

// ApplyRate sets the playback rate of a media element. A false return from
// the injected agent means the element left the document.
func (w *Watcher) ApplyRate(ctx context.Context, pageID, handleID string, rate float64) error {
	return w.call(ctx, pageID, handleID,
		`(id, rate) => window.__playpace ? window.__playpace.setRate(id, rate) : false`, rate)
}

// Seek moves the playback position by delta seconds (negative = back).
// The agent clamps to [0, duration].
func (w *Watcher) Seek(ctx context.Context, pageID, handleID string, delta float64) error {
	return w.call(ctx, pageID, handleID,
		`(id, delta) => window.__playpace ? window.__playpace.seek(id, delta) : false`, delta)
}

// SetLoop installs an A-B loop on a media element. Enforcement runs inside
// the page: the agent jumps back to a whenever playback reaches b.
func (w *Watcher) SetLoop(ctx context.Context, pageID, handleID string, a, b float64) error {
	return w.call(ctx, pageID, handleID,
		`(id, a, b) => window.__playpace ? window.__playpace.setLoop(id, a, b) : false`, a, b)
}

// ClearLoop removes an A-B loop.
func (w *Watcher) ClearLoop(ctx context.Context, pageID, handleID string) error {
	return w.call(ctx, pageID, handleID,
		`(id) => window.__playpace ? window.__playpace.clearLoop(id) : false`)
}

// Eval runs arbitrary JS in an observed page. The controller uses this to
// drive the overlay widget.
func (w *Watcher) Eval(ctx context.Context, pageID, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	obs, err := w.observerFor(pageID)
	if err != nil {
		return nil, err
	}
	return obs.Eval(ctx, js, args...)
}

// EvalJS runs JS in an observed page, discarding the result. Satisfies
// the overlay Evaluator interface.
func (w *Watcher) EvalJS(ctx context.Context, pageID, js string, args ...interface{}) error {
	_, err := w.Eval(ctx, pageID, js, args...)
	return err
}

// PageHTML serialises the current DOM of an observed page as outer HTML.
func (w *Watcher) PageHTML(ctx context.Context, pageID string) (string, error) {
	res, err := w.Eval(ctx, pageID, `() => document.documentElement.outerHTML`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// call invokes a handle-scoped agent function that returns false when the
// element is gone.
func (w *Watcher) call(ctx context.Context, pageID, handleID, js string, args ...interface{}) error {
	obs, err := w.observerFor(pageID)
	if err != nil {
		return err
	}

	callArgs := append([]interface{}{handleID}, args...)
	res, err := obs.Eval(ctx, js, callArgs...)
	if err != nil {
		return fmt.Errorf("mediawatch: eval on page %s: %w", pageID, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("%w: %s on page %s", ErrElementDetached, handleID, pageID)
	}
	return nil
}

func (w *Watcher) observerFor(pageID string) (*observer.Observer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	obs, ok := w.observers[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPage, pageID)
	}
	return obs, nil
}

// Stop gracefully shuts down all observers and the browser.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, obs := range w.observers {
		obs.Stop()
		w.logger.Info("mediawatch: stopped observer", "id", id)
	}
	w.observers = make(map[string]*observer.Observer)
	w.pages = make(map[string]config.PageConfig)

	w.sinkR.Close()
	w.mgr.Close()
}

func (w *Watcher) flushAllObservers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, obs := range w.observers {
		obs.Stop()
	}
}

func (w *Watcher) reconnectObservers(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pages := make([]config.PageConfig, 0, len(w.pages))
	for _, p := range w.pages {
		pages = append(pages, p)
	}

	w.observers = make(map[string]*observer.Observer)
	w.pages = make(map[string]config.PageConfig)
	for _, page := range pages {
		if err := w.observePageLocked(ctx, page); err != nil {
			w.logger.Error("mediawatch: reconnect observer failed",
				"url", page.URL, "error", err)
		}
	}
}
