package settings

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean "something changed".
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// DataVersion is the default detector: SQLite's data_version pragma, which
// advances whenever another connection commits a write.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// ReloadOptions tunes the reloader.
type ReloadOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the reload
	// fires; further changes reset the timer. 0 fires immediately.
	Debounce time.Duration
	// Detector overrides the default DataVersion detector.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *ReloadOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Reloader polls SQLite's data_version pragma and fires an action when the
// settings database is written by anyone — this process included. Pages
// stay in sync with edits made through the admin API, MCP tools, or a
// stray sqlite3 shell, without any explicit notification channel.
type Reloader struct {
	db      *sql.DB
	opts    ReloadOptions
	version atomic.Int64
}

// NewReloader creates a Reloader. Call Run to start the loop.
func NewReloader(db *sql.DB, opts ReloadOptions) *Reloader {
	opts.defaults()
	return &Reloader{db: db, opts: opts}
}

// Version returns the last observed data_version token.
func (r *Reloader) Version() int64 { return r.version.Load() }

// Run blocks until ctx is cancelled, polling at the configured interval.
// When a change is detected and the debounce window passes quietly, action
// is called. If action returns an error the version is NOT advanced, so
// the reload is retried on the next cycle.
func (r *Reloader) Run(ctx context.Context, action func() error) {
	log := r.opts.Logger

	if v, err := r.detect(ctx); err != nil {
		log.Warn("settings: initial version check failed", "error", err)
	} else {
		r.version.Store(v)
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			cur, err := r.detect(ctx)
			if err != nil {
				log.Warn("settings: version check failed", "error", err)
				continue
			}
			if cur == r.version.Load() || cur == pending {
				continue
			}
			pending = cur
			if r.opts.Debounce <= 0 {
				r.fire(log, action, pending)
				pending = -1
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(r.opts.Debounce)
			debounceCh = debounceTimer.C
			log.Debug("settings: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				r.fire(log, action, pending)
				pending = -1
			}
		}
	}
}

func (r *Reloader) detect(ctx context.Context) (int64, error) {
	return r.opts.Detector(ctx, r.db)
}

func (r *Reloader) fire(log *slog.Logger, action func() error, ver int64) {
	if err := action(); err != nil {
		log.Warn("settings: reload failed, will retry", "error", err)
		return
	}
	r.version.Store(ver)
	log.Info("settings: reloaded", "version", ver)
}
