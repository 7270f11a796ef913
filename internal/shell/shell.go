// Package shell renders session snapshots into the view the embedded widget
// displays, and bridges the widget's UI intents and media transport over a
// websocket to the embedding browser.
package shell

import (
	"fmt"

	"widget-server/internal/session"
	"widget-server/internal/widgetcfg"
)

// Messages posted to the embedding page when the popup opens or closes, so
// the host can resize the iframe.
const (
	MessageWidgetOpened = "WIDGET_OPENED"
	MessageWidgetClosed = "WIDGET_CLOSED"
)

// FooterStatus is the colored status line under the call controls.
type FooterStatus struct {
	Color string `json:"color"`
	Text  string `json:"text"`
}

// ViewState is the fully-derived render model for one snapshot.
type ViewState struct {
	AgentName    string            `json:"agent_name"`
	Theme        string            `json:"theme"`
	Title        string            `json:"title"`
	Footer       FooterStatus      `json:"footer"`
	PopupOpen    bool              `json:"popup_open"`
	ShowKeypad   bool              `json:"show_keypad"`
	ShowForm     bool              `json:"show_form"`
	CallActive   bool              `json:"call_active"`
	CallPending  bool              `json:"call_pending"`
	Duration     string            `json:"duration"`
	PhoneDisplay string            `json:"phone_display"`
	Muted        bool              `json:"muted"`
	Telephony    bool              `json:"telephony"`
	Banner       *session.Banner   `json:"banner,omitempty"`
	FormErrors   map[string]string `json:"form_errors,omitempty"`
}

// Render derives the view for a snapshot.
func Render(cfg widgetcfg.Config, s session.Snapshot) ViewState {
	return ViewState{
		AgentName:    cfg.AgentName,
		Theme:        cfg.Theme,
		Title:        titleFor(cfg, s),
		Footer:       footerFor(s),
		PopupOpen:    s.PopupOpen,
		ShowKeypad:   s.DialerOpen && s.Phase == session.PhaseIdle,
		ShowForm:     s.FormVisible,
		CallActive:   s.Active(),
		CallPending:  s.Phase == session.PhaseConnecting || s.Phase == session.PhaseDialing || s.Phase == session.PhaseQueued,
		Duration:     FormatDuration(s.DurationSec),
		PhoneDisplay: FormatPhone(s.DialedDigits),
		Muted:        s.Muted,
		Telephony:    cfg.Telephony(),
		Banner:       s.Banner,
		FormErrors:   s.FormErrors,
	}
}

func titleFor(cfg widgetcfg.Config, s session.Snapshot) string {
	switch s.Phase {
	case session.PhaseConnecting:
		return "Connecting..."
	case session.PhaseConnected:
		return fmt.Sprintf("Talking to %s", cfg.AgentName)
	case session.PhaseDialing:
		return "Dialing..."
	case session.PhaseQueued:
		return "Calling..."
	case session.PhaseInProgress:
		return "Call in progress"
	case session.PhaseEnding:
		return "Ending call..."
	default:
		if s.FormVisible {
			return "Before we connect you"
		}
		return fmt.Sprintf("Hi, I'm %s", cfg.AgentName)
	}
}

func footerFor(s session.Snapshot) FooterStatus {
	switch {
	case s.Active():
		return FooterStatus{Color: "#1e8e3e", Text: "Live"}
	case s.Phase == session.PhaseConnecting, s.Phase == session.PhaseDialing, s.Phase == session.PhaseQueued:
		return FooterStatus{Color: "#f9ab00", Text: "Connecting"}
	case s.Phase == session.PhaseEnding:
		return FooterStatus{Color: "#f9ab00", Text: "Ending"}
	default:
		return FooterStatus{Color: "#9aa0a6", Text: "Available"}
	}
}

// FormatDuration renders elapsed seconds as m:ss.
func FormatDuration(sec int) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}

// FormatPhone progressively formats keypad digits as (555) 123-4567.
func FormatPhone(digits string) string {
	switch {
	case len(digits) == 0:
		return ""
	case len(digits) <= 3:
		return "(" + digits
	case len(digits) <= 6:
		return fmt.Sprintf("(%s) %s", digits[:3], digits[3:])
	default:
		return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
	}
}

// ParentMessageFor returns the host-page message a popup transition implies,
// or empty when the popup state did not change.
func ParentMessageFor(prev, cur session.Snapshot) string {
	if prev.PopupOpen == cur.PopupOpen {
		return ""
	}
	if cur.PopupOpen {
		return MessageWidgetOpened
	}
	return MessageWidgetClosed
}
