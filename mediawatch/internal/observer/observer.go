// Package observer implements per-page media observation: an injected JS
// agent discovers media elements and streams playback events to Go over a
// CDP binding; this side decodes, coalesces, and emits batches.
package observer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/playpace/playpace/idgen"
	"github.com/playpace/playpace/mediawatch/internal/browser"
	"github.com/playpace/playpace/mediawatch/internal/sink"
	"github.com/playpace/playpace/playback"
)

//go:embed media.js
var mediaJS []byte

// bindingName is the CDP binding the injected agent reports through.
const bindingName = "__playpace_binding"

// rescanInterval re-runs discovery for players that dodge the
// MutationObserver (SPA route swaps that reuse nodes, late hydration).
const rescanInterval = 30 * time.Second

// Observer manages observation for a single page.
type Observer struct {
	tab    *browser.Tab
	sink   sink.Sink
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	includeAudio bool

	// Raw event channel fed by the binding listener.
	rawCh chan playback.Event

	debouncer *debouncer

	// Sequence counter, monotonically increasing per page.
	seq atomic.Uint64

	// Highest agent payload counter seen. The counter lives on window, so
	// it survives agent re-injection; a payload delivered more than once
	// is dropped on the later arrivals.
	lastPayload atomic.Uint64

	started  atomic.Bool
	loopDone chan struct{}
}

// Config for creating an Observer.
type Config struct {
	Tab            *browser.Tab
	Sink           sink.Sink
	DebounceWindow time.Duration
	DebounceMax    int
	IncludeAudio   bool
	Logger         *slog.Logger
}

// New creates an Observer for the given tab.
func New(cfg Config) *Observer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Observer{
		tab:          cfg.Tab,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		includeAudio: cfg.IncludeAudio,
		rawCh:        make(chan playback.Event, 1024),
		loopDone:     make(chan struct{}),
	}

	o.debouncer = newDebouncer(debounceConfig{
		Window:    cfg.DebounceWindow,
		MaxBuffer: cfg.DebounceMax,
	}, o.onFlush)

	return o
}

// Start begins observing the page: registers the binding, injects the JS
// agent, and runs the binding listener and main loop. The listener is
// started exactly once here; re-injection after a navigation must never
// add a second subscription, or every event arrives twice.
func (o *Observer) Start() error {
	if err := o.injectJS(); err != nil {
		return fmt.Errorf("observer: inject JS: %w", err)
	}

	o.started.Store(true)
	go o.listenBinding()
	go o.loop()

	return nil
}

// Stop cancels the observer and waits for the main loop to emit its final
// flush. The loop owns the debounce buffer, so the flush happens there.
func (o *Observer) Stop() {
	o.cancel()
	if o.started.Load() {
		<-o.loopDone
	}
}

// SetContext allows the parent watcher to pass its context. Must be
// called before Start.
func (o *Observer) SetContext(ctx context.Context) {
	o.cancel()
	o.ctx, o.cancel = context.WithCancel(ctx)
}

// Eval runs JS in the observed tab. The controller uses this to invoke the
// injected control API and to drive the overlay.
func (o *Observer) Eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	return o.tab.Eval(ctx, js, args...)
}

func (o *Observer) injectJS() error {
	// Binding first: the agent checks for it at install time.
	err := proto.RuntimeAddBinding{Name: bindingName}.Call(o.tab.Page)
	if err != nil {
		o.logger.Warn("observer: addBinding failed (may already exist)", "error", err)
	}

	if o.includeAudio {
		if _, err := o.tab.Page.Eval(`() => { window.__playpace_include_audio = true; }`); err != nil {
			o.logger.Warn("observer: set include_audio failed", "error", err)
		}
	}

	if _, err := o.tab.Page.Eval(string(mediaJS)); err != nil {
		return fmt.Errorf("inject media.js: %w", err)
	}

	o.logger.Debug("observer: JS injected", "url", o.tab.PageURL)
	return nil
}

// listenBinding receives event batches from the injected agent via
// Runtime.bindingCalled.
func (o *Observer) listenBinding() {
	page := o.tab.Page
	page.Context(o.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		o.onBindingPayload(e.Payload)
	})()
}

// bindingPayload is the envelope the agent sends over the binding.
type bindingPayload struct {
	N      uint64           `json:"n"`
	Events []playback.Event `json:"events"`
}

func (o *Observer) onBindingPayload(raw string) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		o.logger.Warn("observer: parse binding payload", "error", err)
		return
	}
	if p.N > 0 && !o.advancePayload(p.N) {
		o.logger.Debug("observer: duplicate payload dropped", "n", p.N)
		return
	}

	for _, ev := range p.Events {
		select {
		case o.rawCh <- ev:
		default:
			o.logger.Warn("observer: raw channel full, dropping event",
				"op", ev.Op, "handle", ev.HandleID)
		}
	}
}

// advancePayload records n as seen. Returns false when an equal or higher
// counter was already processed, meaning this payload is a replay.
func (o *Observer) advancePayload(n uint64) bool {
	for {
		last := o.lastPayload.Load()
		if n <= last {
			return false
		}
		if o.lastPayload.CompareAndSwap(last, n) {
			return true
		}
	}
}

// loop is the main event loop: reads raw events, debounces, re-injects
// after SPA navigations.
func (o *Observer) loop() {
	defer close(o.loopDone)

	rescan := time.NewTicker(rescanInterval)
	defer rescan.Stop()

	for {
		select {
		case <-o.ctx.Done():
			o.debouncer.flush()
			return

		case ev := <-o.rawCh:
			o.debouncer.add(ev)

		case <-o.debouncer.timerC():
			o.debouncer.flush()

		case <-rescan.C:
			o.rescanPage()
		}
	}
}

// rescanPage re-runs discovery and re-injects the agent when a navigation
// wiped it. The agent is idempotent, so re-injection is always safe.
func (o *Observer) rescanPage() {
	res, err := o.tab.Eval(o.ctx, `() => {
		if (window.__playpace) { return window.__playpace.rescan(); }
		return -1;
	}`)
	if err != nil {
		o.logger.Debug("observer: rescan failed", "error", err)
		return
	}
	if res.Value.Int() < 0 {
		o.logger.Info("observer: agent gone (navigation?), re-injecting", "url", o.tab.PageURL)
		if err := o.injectJS(); err != nil {
			o.logger.Error("observer: re-inject failed", "error", err)
		}
	}
}

// onFlush is called by the debouncer when a batch is ready.
func (o *Observer) onFlush(events []playback.Event) {
	if len(events) == 0 {
		return
	}

	batch := &playback.Batch{
		ID:        idgen.NewBatch(),
		PageURL:   o.tab.PageURL,
		PageID:    o.tab.PageID,
		Seq:       o.seq.Add(1),
		Events:    events,
		Timestamp: time.Now().UnixMilli(),
	}

	// Detached from o.ctx so the final flush on shutdown still goes out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), 5*time.Second)
	defer cancel()

	if err := o.sink.Send(ctx, batch); err != nil {
		o.logger.Error("observer: send batch failed", "error", err)
	}
}
