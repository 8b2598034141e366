package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playpace/playpace/settings"
)

// settingsUpdateRequest is a partial settings write: nil fields keep their
// current values. Shared by the MCP tool and the HTTP admin API.
type settingsUpdateRequest struct {
	Step            *float64          `json:"step,omitempty"`
	SeekSeconds     *float64          `json:"seek_seconds,omitempty"`
	RememberMode    *string           `json:"remember_mode,omitempty"`
	Keymap          map[string]string `json:"keymap,omitempty"`
	IncludeAudio    *bool             `json:"include_audio,omitempty"`
	DisabledDomains *[]string         `json:"disabled_domains,omitempty"`

	base *settings.Settings
}

// withBase sets the settings the partial update is merged over.
func (r *settingsUpdateRequest) withBase(s settings.Settings) *settingsUpdateRequest {
	r.base = &s
	return r
}

func (r *settingsUpdateRequest) toSettings() settings.Settings {
	out := settings.Defaults()
	if r.base != nil {
		out = *r.base
	}
	if r.Step != nil {
		out.Step = *r.Step
	}
	if r.SeekSeconds != nil {
		out.SeekSeconds = *r.SeekSeconds
	}
	if r.RememberMode != nil {
		out.RememberMode = settings.RememberMode(*r.RememberMode)
	}
	if r.Keymap != nil {
		out.Keymap = r.Keymap
	}
	if r.IncludeAudio != nil {
		out.IncludeAudio = *r.IncludeAudio
	}
	if r.DisabledDomains != nil {
		out.DisabledDomains = *r.DisabledDomains
	}
	return out
}

// PatchSettings applies a partial settings update encoded as JSON. Omitted
// fields keep their current values. Returns the settings now in effect.
func (c *Controller) PatchSettings(ctx context.Context, patch []byte) (settings.Settings, error) {
	var r settingsUpdateRequest
	if err := json.Unmarshal(patch, &r); err != nil {
		return settings.Settings{}, fmt.Errorf("controller: decode settings patch: %w", err)
	}
	if err := c.UpdateSettings(ctx, r.withBase(c.Settings()).toSettings()); err != nil {
		return settings.Settings{}, err
	}
	return c.Settings(), nil
}
