package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playpace/playpace/dbopen"
)

// ErrStorageUnavailable wraps read/write failures against the settings
// database. Callers fall back to last-known or default settings and log;
// storage trouble is never surfaced as a blocking user error.
var ErrStorageUnavailable = errors.New("settings: storage unavailable")

// Schema creates the settings tables. Passed to dbopen.Open by cmd.
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS site_speeds (
	domain     TEXT PRIMARY KEY,
	rate       REAL NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store persists Settings and per-site speeds in SQLite. It keeps the
// last successfully loaded Settings in memory as the fallback for
// ErrStorageUnavailable conditions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	known Settings
}

// NewStore wraps an open database. The schema must already be applied.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, known: Defaults()}
}

// settingsKeys maps storage keys to accessors on Settings. Each value is
// stored as its own JSON-encoded row so a partial write or a hand-deleted
// key degrades to the default for that key only.
var settingsKeys = []string{
	"step", "seek_seconds", "remember_mode", "keymap", "include_audio", "disabled_domains",
}

// Load reads settings, back-filling any missing keys from defaults. On
// database failure it returns the last-known settings together with an
// ErrStorageUnavailable-wrapped error.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return s.lastKnown(), fmt.Errorf("%w: load: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	out := Defaults()
	found := map[string]bool{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return s.lastKnown(), fmt.Errorf("%w: scan: %w", ErrStorageUnavailable, err)
		}
		if err := applyKey(&out, key, value); err != nil {
			s.logger.Warn("settings: ignoring malformed value", "key", key, "error", err)
			continue
		}
		found[key] = true
	}
	if err := rows.Err(); err != nil {
		return s.lastKnown(), fmt.Errorf("%w: rows: %w", ErrStorageUnavailable, err)
	}

	out.Normalize()

	// Best-effort back-fill: write defaults for keys that were missing so
	// the next reader sees a complete blob. Failure here is non-fatal.
	for _, key := range settingsKeys {
		if !found[key] {
			if err := s.writeKey(ctx, key, &out); err != nil {
				s.logger.Debug("settings: back-fill failed", "key", key, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.known = out
	s.mu.Unlock()
	return out, nil
}

// Save writes the full settings blob in one transaction.
func (s *Store) Save(ctx context.Context, in Settings) error {
	in.Normalize()
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		for _, key := range settingsKeys {
			value, err := encodeKey(&in, key)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES (?,?,?)
				ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
				key, value, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save: %w", ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	s.known = in
	s.mu.Unlock()
	return nil
}

// LastKnown returns the most recently loaded or saved settings without
// touching the database.
func (s *Store) LastKnown() Settings {
	return s.lastKnown()
}

func (s *Store) lastKnown() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known
}

// SaveSpeed records a remembered speed for the given mode. Global speeds
// live under the reserved "*" domain.
func (s *Store) SaveSpeed(ctx context.Context, mode RememberMode, domain string, rate float64) error {
	switch mode {
	case RememberOff:
		return nil
	case RememberGlobal:
		domain = "*"
	case RememberPerSite:
		if domain == "" {
			return nil
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_speeds (domain, rate, updated_at) VALUES (?,?,?)
		ON CONFLICT(domain) DO UPDATE SET rate=excluded.rate, updated_at=excluded.updated_at`,
		domain, rate, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: save speed: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Speed returns the remembered speed for the mode and domain, or ok=false
// when nothing is stored.
func (s *Store) Speed(ctx context.Context, mode RememberMode, domain string) (rate float64, ok bool, err error) {
	switch mode {
	case RememberOff:
		return 0, false, nil
	case RememberGlobal:
		domain = "*"
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT rate FROM site_speeds WHERE domain = ?", domain).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: speed: %w", ErrStorageUnavailable, err)
	}
	return rate, true, nil
}

// SiteSpeeds lists every remembered per-site speed for the admin API.
func (s *Store) SiteSpeeds(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT domain, rate FROM site_speeds WHERE domain != '*'")
	if err != nil {
		return nil, fmt.Errorf("%w: site speeds: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var domain string
		var rate float64
		if err := rows.Scan(&domain, &rate); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrStorageUnavailable, err)
		}
		out[domain] = rate
	}
	return out, rows.Err()
}

func (s *Store) writeKey(ctx context.Context, key string, from *Settings) error {
	value, err := encodeKey(from, key)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO NOTHING`,
		key, value, time.Now().Unix())
	return err
}

func encodeKey(s *Settings, key string) (string, error) {
	var v any
	switch key {
	case "step":
		v = s.Step
	case "seek_seconds":
		v = s.SeekSeconds
	case "remember_mode":
		v = s.RememberMode
	case "keymap":
		v = s.Keymap
	case "include_audio":
		v = s.IncludeAudio
	case "disabled_domains":
		v = s.DisabledDomains
	default:
		return "", fmt.Errorf("settings: unknown key %q", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func applyKey(s *Settings, key, value string) error {
	switch key {
	case "step":
		return json.Unmarshal([]byte(value), &s.Step)
	case "seek_seconds":
		return json.Unmarshal([]byte(value), &s.SeekSeconds)
	case "remember_mode":
		return json.Unmarshal([]byte(value), &s.RememberMode)
	case "keymap":
		return json.Unmarshal([]byte(value), &s.Keymap)
	case "include_audio":
		return json.Unmarshal([]byte(value), &s.IncludeAudio)
	case "disabled_domains":
		return json.Unmarshal([]byte(value), &s.DisabledDomains)
	}
	// Unknown keys are tolerated: an older or newer build may have
	// written them.
	return nil
}
