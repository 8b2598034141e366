// Package actionlog records every playback action the daemon takes — rate
// changes, seeks, loops, settings writes — in the settings database.
// "Why is this video at 2x" is answerable from one table.
//
// Persistence is async and non-blocking: a full buffer falls back to a
// synchronous insert rather than dropping the entry, but a failing store
// never blocks playback control.
package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playpace/playpace/idgen"
)

// Entry is one recorded action.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// Source says who asked: "key", "overlay", "mcp", "http", "restore".
	Source string `json:"source"`
	// Action is the operation: "set_rate", "seek", "loop_set",
	// "loop_clear", "settings_update".
	Action   string  `json:"action"`
	PageID   string  `json:"page_id,omitempty"`
	PageHost string  `json:"page_host,omitempty"`
	HandleID string  `json:"handle_id,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Detail   string  `json:"detail,omitempty"` // free-form JSON
	Error    string  `json:"error,omitempty"`
}

// Filter controls Query results.
type Filter struct {
	Since    *time.Time
	Action   string
	PageHost string
	Limit    int // default 100
}

// Logger persists entries asynchronously in batches.
type Logger struct {
	db      *sql.DB
	newID   idgen.Generator
	logger  *slog.Logger
	ch      chan *Entry
	stop    chan struct{}
	done    chan struct{}
	closing sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger for flush failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) { a.logger = l }
}

// WithIDGenerator sets a custom entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(a *Logger) { a.newID = gen }
}

// New creates a Logger and starts its flush goroutine. Call Close on
// shutdown to drain the buffer.
func New(db *sql.DB, opts ...Option) *Logger {
	a := &Logger{
		db:     db,
		newID:  idgen.Prefixed("act_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Entry, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Record queues an entry for async persistence. Falls back to a
// synchronous insert when the buffer is full.
func (a *Logger) Record(e *Entry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("actionlog: buffer full, sync fallback", "action", e.Action)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("actionlog: sync fallback failed", "error", err)
		}
	}
}

// Action is a convenience wrapper: builds an Entry from the operation and
// its outcome and queues it.
func (a *Logger) Action(source, action, pageID, pageHost, handleID string, value float64, err error) {
	e := &Entry{
		Source:   source,
		Action:   action,
		PageID:   pageID,
		PageHost: pageHost,
		HandleID: handleID,
		Value:    value,
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.Record(e)
}

// Query retrieves entries matching the filter, newest first.
func (a *Logger) Query(ctx context.Context, f *Filter) ([]*Entry, error) {
	q := `SELECT entry_id, timestamp, source, action, page_id, page_host,
		handle_id, value, detail, error
		FROM action_log WHERE 1=1`
	var args []interface{}

	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.PageHost != "" {
		q += " AND page_host = ?"
		args = append(args, strings.ToLower(f.PageHost))
	}

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("actionlog: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var pageID, pageHost, handleID, detail, errMsg sql.NullString
		var value sql.NullFloat64

		if err := rows.Scan(&e.ID, &ts, &e.Source, &e.Action,
			&pageID, &pageHost, &handleID, &value, &detail, &errMsg); err != nil {
			return nil, fmt.Errorf("actionlog: scan: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.PageID = pageID.String
		e.PageHost = pageHost.String
		e.HandleID = handleID.String
		e.Value = value.Float64
		e.Detail = detail.String
		e.Error = errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (a *Logger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := a.db.ExecContext(ctx, `DELETE FROM action_log WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("actionlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine. Idempotent.
func (a *Logger) Close() error {
	a.closing.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

// MarshalDetail encodes v as the Detail field, swallowing marshal errors —
// a malformed detail is not worth losing the entry over.
func MarshalDetail(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (a *Logger) fillDefaults(e *Entry) {
	if e.ID == "" {
		e.ID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.PageHost = strings.ToLower(e.PageHost)
}

func (a *Logger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			a.logger.Error("actionlog: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			tx.Rollback()
			a.logger.Error("actionlog: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, insertArgs(e)...); err != nil {
				a.logger.Error("actionlog: insert", "error", err, "entry_id", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			a.logger.Error("actionlog: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertSQL = `INSERT INTO action_log
	(entry_id, timestamp, source, action, page_id, page_host,
	 handle_id, value, detail, error)
	VALUES (?,?,?,?,?,?,?,?,?,?)`

func insertArgs(e *Entry) []interface{} {
	return []interface{}{
		e.ID, e.Timestamp.Unix(), e.Source, e.Action,
		e.PageID, e.PageHost, e.HandleID, e.Value, e.Detail, e.Error,
	}
}

func (a *Logger) insert(ctx context.Context, e *Entry) error {
	_, err := a.db.ExecContext(ctx, insertSQL, insertArgs(e)...)
	return err
}
