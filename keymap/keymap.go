// Package keymap maps physical key codes to playback actions. The page
// side captures keydown globally and forwards KeyboardEvent.code values;
// dispatch happens here so user keymaps live in settings, not in injected
// JS.
package keymap

import (
	"fmt"
	"sort"
)

// Action is an abstract playback command bound to a key.
type Action string

const (
	ActionDecrease      Action = "decrease"
	ActionIncrease      Action = "increase"
	ActionReset         Action = "reset"
	ActionSeekBack      Action = "seekBack"
	ActionSeekForward   Action = "seekForward"
	ActionToggleOverlay Action = "toggleOverlay"
)

// Actions lists every known action in a stable order.
var Actions = []Action{
	ActionDecrease,
	ActionIncrease,
	ActionReset,
	ActionSeekBack,
	ActionSeekForward,
	ActionToggleOverlay,
}

// Map binds actions to KeyboardEvent.code values.
type Map map[Action]string

// Default returns the stock bindings: S/D slower/faster, R reset, Z/X
// seek, V toggle the overlay.
func Default() Map {
	return Map{
		ActionDecrease:      "KeyS",
		ActionIncrease:      "KeyD",
		ActionReset:         "KeyR",
		ActionSeekBack:      "KeyZ",
		ActionSeekForward:   "KeyX",
		ActionToggleOverlay: "KeyV",
	}
}

// Parse validates a raw action→code mapping from settings. Unknown actions
// and duplicate codes are rejected; actions absent from raw fall back to
// the default binding, so a partial keymap stays usable.
func Parse(raw map[string]string) (Map, error) {
	m := Default()
	for name, code := range raw {
		a := Action(name)
		if !known(a) {
			return nil, fmt.Errorf("keymap: unknown action %q", name)
		}
		if code == "" {
			return nil, fmt.Errorf("keymap: empty code for action %q", name)
		}
		m[a] = code
	}

	seen := make(map[string]Action, len(m))
	// Deterministic iteration so the reported conflict is stable.
	actions := make([]Action, 0, len(m))
	for a := range m {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	for _, a := range actions {
		code := m[a]
		if prev, dup := seen[code]; dup {
			return nil, fmt.Errorf("keymap: code %q bound to both %q and %q", code, prev, a)
		}
		seen[code] = a
	}
	return m, nil
}

// Resolve returns the action bound to a key code, if any.
func (m Map) Resolve(code string) (Action, bool) {
	for a, c := range m {
		if c == code {
			return a, true
		}
	}
	return "", false
}

func known(a Action) bool {
	for _, k := range Actions {
		if k == a {
			return true
		}
	}
	return false
}
