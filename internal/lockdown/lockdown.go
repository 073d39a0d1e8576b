// Package lockdown maps host window events to ledger incidents. It holds no
// state; the session decides whether an incident is still accepted.
package lockdown

import (
	"strings"

	"github.com/andresmejia3/vigil/internal/types"
)

// Event kinds reported by the host.
const (
	KindVisibility  = "visibilitychange"
	KindBlur        = "blur"
	KindKeyDown     = "keydown"
	KindContextMenu = "contextmenu"
)

// Incident tags.
const (
	TabSwitch      = "TAB_SWITCH_DETECTED"
	FocusLost      = "WINDOW_FOCUS_LOST"
	ShortcutPrefix = "SHORTCUT_BLOCKED_"
)

// Event is one host window event.
type Event struct {
	Kind   string `json:"kind" yaml:"kind"`
	Hidden bool   `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
	Ctrl   bool   `json:"ctrl,omitempty" yaml:"ctrl,omitempty"`
	Meta   bool   `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Keys that are blocked when held with Ctrl or Meta.
var modifiedKeys = map[string]bool{"c": true, "v": true, "p": true}

// Keys that are blocked on their own.
var bareKeys = map[string]bool{"F12": true, "PrintScreen": true}

func forbiddenShortcut(e Event) bool {
	return ((e.Ctrl || e.Meta) && modifiedKeys[e.Key]) || bareKeys[e.Key]
}

// Classify returns the incident for e, if any.
func Classify(e Event) (types.Incident, bool) {
	switch e.Kind {
	case KindVisibility:
		if e.Hidden {
			return types.Incident{Type: TabSwitch, Severity: types.SeverityWarning}, true
		}
	case KindBlur:
		return types.Incident{Type: FocusLost, Severity: types.SeverityWarning}, true
	case KindKeyDown:
		if forbiddenShortcut(e) {
			return types.Incident{
				Type:     ShortcutPrefix + strings.ToUpper(e.Key),
				Severity: types.SeverityWarning,
			}, true
		}
	}
	return types.Incident{}, false
}

// Blocked reports whether the host should suppress the event's default action.
// The context menu is suppressed without raising an incident.
func Blocked(e Event) bool {
	switch e.Kind {
	case KindContextMenu:
		return true
	case KindKeyDown:
		return forbiddenShortcut(e)
	}
	return false
}

// Reporter accepts incidents. Satisfied by *session.Controller.
type Reporter interface {
	Report(in types.Incident) bool
}

// Dispatch classifies e and reports any incident. It returns whether the
// incident was recorded.
func Dispatch(r Reporter, e Event) bool {
	in, ok := Classify(e)
	if !ok {
		return false
	}
	return r.Report(in)
}
