// Package settings owns user preferences and their persistence. Storage is
// a flat key-value table with best-effort back-fill of missing keys from
// defaults; there is deliberately no schema versioning beyond that.
package settings

import (
	"strings"

	"github.com/playpace/playpace/keymap"
)

// RememberMode controls whether a chosen speed is restored on discovery.
type RememberMode string

const (
	RememberOff     RememberMode = "off"
	RememberGlobal  RememberMode = "global"
	RememberPerSite RememberMode = "perSite"
)

// Valid reports whether m is one of the known modes.
func (m RememberMode) Valid() bool {
	switch m {
	case RememberOff, RememberGlobal, RememberPerSite:
		return true
	}
	return false
}

// Settings are the user-tunable preferences. The guard's 500ms window and
// 0.01 epsilon are fixed constants in rateguard, not settings.
type Settings struct {
	Step            float64           `json:"step" yaml:"step"`
	SeekSeconds     float64           `json:"seek_seconds" yaml:"seek_seconds"`
	RememberMode    RememberMode      `json:"remember_mode" yaml:"remember_mode"`
	Keymap          map[string]string `json:"keymap" yaml:"keymap"`
	IncludeAudio    bool              `json:"include_audio" yaml:"include_audio"`
	DisabledDomains []string          `json:"disabled_domains" yaml:"disabled_domains"`
}

// Defaults returns the stock settings.
func Defaults() Settings {
	km := map[string]string{}
	for a, code := range keymap.Default() {
		km[string(a)] = code
	}
	return Settings{
		Step:         0.1,
		SeekSeconds:  10,
		RememberMode: RememberOff,
		Keymap:       km,
		IncludeAudio: false,
	}
}

// Normalize fills zero values from defaults and clamps nonsense. Called on
// every load so a hand-edited or partially written store stays usable.
func (s *Settings) Normalize() {
	d := Defaults()
	if s.Step <= 0 {
		s.Step = d.Step
	}
	if s.SeekSeconds <= 0 {
		s.SeekSeconds = d.SeekSeconds
	}
	if !s.RememberMode.Valid() {
		s.RememberMode = d.RememberMode
	}
	if len(s.Keymap) == 0 {
		s.Keymap = d.Keymap
	}
}

// DomainDisabled reports whether host matches a disabled domain, either
// exactly or as a subdomain ("www.example.com" matches "example.com").
func (s *Settings) DomainDisabled(host string) bool {
	host = strings.ToLower(host)
	for _, d := range s.DisabledDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
