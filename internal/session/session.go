// Package session drives one widget visitor's call lifecycle: a mutex-guarded
// state machine fed by UI intents, backed by the gateway for network work and
// by a MediaRoom for audio. All mutations publish an immutable snapshot the
// shell renders from.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"widget-server/internal/apierrors"
	"widget-server/internal/clients/agentapi"
	"widget-server/internal/clients/leadintake"
	"widget-server/internal/gateway/processor"
	"widget-server/internal/observability"
	"widget-server/internal/widgetcfg"

	"github.com/go-playground/validator/v10"
)

// Phase is the call lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseDialing    Phase = "dialing"
	PhaseQueued     Phase = "queued"
	PhaseInProgress Phase = "in-progress"
	PhaseEnding     Phase = "ending"
)

// CallKind distinguishes the two call flows.
type CallKind string

const (
	CallNone         CallKind = "none"
	CallMediaAgent   CallKind = "media-agent"
	CallDialedNumber CallKind = "dialed-number"
)

const maxDialedDigits = 10

// Gateway is the network surface the controller needs. Implemented by the
// gateway processor; faked in tests.
type Gateway interface {
	StartAgentSession(ctx context.Context, domainName string, params agentapi.StartSessionParams) (agentapi.StartSessionResponse, error)
	StopAgentSession(ctx context.Context, domainName string, payload json.RawMessage) (json.RawMessage, error)
	PlaceCall(ctx context.Context, domainName string, req processor.PlaceCallRequest) (processor.PlacedCall, error)
	CallStatus(ctx context.Context, domainName, callID, roomHint string) (processor.CallStatusResult, error)
	Hangup(ctx context.Context, domainName, callID, roomHint, participant string) (string, error)
	SubmitLead(ctx context.Context, domainName string, lead leadintake.Lead) (json.RawMessage, error)
}

// Banner is a transient notification shown over the widget.
type Banner struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// Snapshot is the full renderable state at one point in time.
type Snapshot struct {
	Phase        Phase             `json:"phase"`
	CallKind     CallKind          `json:"call_kind"`
	PopupOpen    bool              `json:"popup_open"`
	DialerOpen   bool              `json:"dialer_open"`
	DialedDigits string            `json:"dialed_digits"`
	Muted        bool              `json:"muted"`
	DurationSec  int               `json:"duration_sec"`
	Banner       *Banner           `json:"banner,omitempty"`
	FormVisible  bool              `json:"form_visible"`
	Form         LeadForm          `json:"form"`
	FormErrors   map[string]string `json:"form_errors,omitempty"`
	CallID       string            `json:"call_id,omitempty"`
	Provider     string            `json:"provider,omitempty"`
}

// Active reports whether the snapshot represents a live conversation.
func (s Snapshot) Active() bool {
	return s.Phase == PhaseConnected || s.Phase == PhaseInProgress
}

// Options tune the controller's timers. Zero values take defaults; tests
// inject short intervals.
type Options struct {
	PollInterval time.Duration
	TickInterval time.Duration
	PreCallDelay time.Duration
	BannerTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.TickInterval == 0 {
		o.TickInterval = time.Second
	}
	if o.PreCallDelay == 0 {
		o.PreCallDelay = 1500 * time.Millisecond
	}
	if o.BannerTTL == 0 {
		o.BannerTTL = 3 * time.Second
	}
	return o
}

// Controller is the per-visitor state machine. All exported methods are safe
// for concurrent use.
type Controller struct {
	cfg      widgetcfg.Config
	gateway  Gateway
	room     MediaRoom
	opts     Options
	logger   *observability.Logger
	validate *validator.Validate
	publish  func(Snapshot)

	mu            sync.Mutex
	phase         Phase
	callKind      CallKind
	popupOpen     bool
	dialerOpen    bool
	digits        string
	muted         bool
	durationSec   int
	banner        *Banner
	bannerTimer   *time.Timer
	form          LeadForm
	formVisible   bool
	formErrors    map[string]string
	leadSubmitted bool
	callID        string
	provider      string
	dialIdentity  string
	sessionRaw    json.RawMessage
	stopTicker    chan struct{}
	stopPoller    chan struct{}
	closed        bool
}

// New builds a controller. publish is invoked, outside the state lock, with a
// snapshot after every state change; nil means no one is listening.
func New(cfg widgetcfg.Config, gw Gateway, room MediaRoom, publish func(Snapshot), opts Options, logger *observability.Logger) *Controller {
	if publish == nil {
		publish = func(Snapshot) {}
	}
	c := &Controller{
		cfg:      cfg,
		gateway:  gw,
		room:     room,
		opts:     opts.withDefaults(),
		logger:   logger,
		validate: newLeadValidator(),
		publish:  publish,
		phase:    PhaseIdle,
		callKind: CallNone,
	}
	go c.watchRoomEvents()
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:        c.phase,
		CallKind:     c.callKind,
		PopupOpen:    c.popupOpen,
		DialerOpen:   c.dialerOpen,
		DialedDigits: c.digits,
		Muted:        c.muted,
		DurationSec:  c.durationSec,
		Banner:       c.banner,
		FormVisible:  c.formVisible,
		Form:         c.form,
		FormErrors:   c.formErrors,
		CallID:       c.callID,
		Provider:     c.provider,
	}
}

// TogglePopup opens or closes the widget popup. Closing resets the dialer
// but does not end an active call; audio keeps running in the background.
func (c *Controller) TogglePopup() {
	c.mu.Lock()
	c.popupOpen = !c.popupOpen
	if !c.popupOpen {
		c.dialerOpen = false
		c.digits = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// ShowDialer reveals the keypad. Ignored when telephony is not configured.
func (c *Controller) ShowDialer() {
	c.mu.Lock()
	if !c.cfg.Telephony() {
		c.mu.Unlock()
		return
	}
	c.dialerOpen = true
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// HideDialer hides the keypad and clears the entry.
func (c *Controller) HideDialer() {
	c.mu.Lock()
	c.dialerOpen = false
	c.digits = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// PressDigit appends one keypad digit, capped at ten.
func (c *Controller) PressDigit(d rune) {
	if d < '0' || d > '9' {
		return
	}
	c.mu.Lock()
	if !c.dialerOpen || len(c.digits) >= maxDialedDigits {
		c.mu.Unlock()
		return
	}
	c.digits += string(d)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// Backspace removes the last entered digit.
func (c *Controller) Backspace() {
	c.mu.Lock()
	if len(c.digits) == 0 {
		c.mu.Unlock()
		return
	}
	c.digits = c.digits[:len(c.digits)-1]
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// ToggleMute flips the local microphone during an agent conversation.
func (c *Controller) ToggleMute(ctx context.Context) {
	c.mu.Lock()
	if c.callKind != CallMediaAgent || c.phase != PhaseConnected {
		c.mu.Unlock()
		return
	}
	target := !c.muted
	c.mu.Unlock()

	if err := c.room.SetMicrophoneEnabled(ctx, !target); err != nil {
		c.logger.InfoWithError(ctx, "microphone toggle failed", err)
		c.mu.Lock()
		c.setBannerLocked("Failed to toggle microphone", apierrors.UserMessage(err), false)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}

	c.mu.Lock()
	c.muted = target
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// EndCall tears down whichever call is active and returns the widget to idle.
// Teardown failures surface a banner but still reset, so the user is never
// stuck in a call they cannot leave.
func (c *Controller) EndCall(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.phase == PhaseIdle || c.phase == PhaseEnding {
		c.mu.Unlock()
		return
	}
	kind := c.callKind
	callID := c.callID
	dialIdentity := c.dialIdentity
	sessionRaw := c.sessionRaw
	c.phase = PhaseEnding
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	var err error
	switch kind {
	case CallMediaAgent:
		if len(sessionRaw) > 0 {
			_, err = c.gateway.StopAgentSession(ctx, c.cfg.DomainName, sessionRaw)
		}
		if derr := c.room.Disconnect(ctx); derr != nil && err == nil {
			err = derr
		}
	case CallDialedNumber:
		if callID != "" {
			_, err = c.gateway.Hangup(ctx, c.cfg.DomainName, callID, c.cfg.RoomName, dialIdentity)
		}
	}

	c.mu.Lock()
	c.resetToIdleLocked()
	if err != nil {
		c.logger.InfoWithError(ctx, "call teardown failed", err)
		c.setBannerLocked("Failed to end call", apierrors.UserMessage(err), false)
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// Close stops all background work. Called when the visitor's connection to
// the widget goes away.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active := c.callKind == CallMediaAgent && c.phase != PhaseIdle
	c.resetToIdleLocked()
	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
	}
	c.mu.Unlock()

	if active {
		_ = c.room.Disconnect(context.Background())
	}
}

// resetToIdleLocked is idempotent: the poller, the room watcher, and EndCall
// can all race to it after a call finishes.
func (c *Controller) resetToIdleLocked() {
	if c.stopTicker != nil {
		close(c.stopTicker)
		c.stopTicker = nil
	}
	if c.stopPoller != nil {
		close(c.stopPoller)
		c.stopPoller = nil
	}
	c.phase = PhaseIdle
	c.callKind = CallNone
	c.callID = ""
	c.provider = ""
	c.dialIdentity = ""
	c.sessionRaw = nil
	c.durationSec = 0
	c.muted = false
	c.digits = ""
	c.formVisible = false
}

func (c *Controller) setBannerLocked(title, message string, success bool) {
	b := &Banner{Title: title, Message: message, Success: success}
	c.banner = b
	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
	}
	c.bannerTimer = time.AfterFunc(c.opts.BannerTTL, func() {
		c.mu.Lock()
		if c.banner != b {
			c.mu.Unlock()
			return
		}
		c.banner = nil
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
	})
}

func (c *Controller) startTickerLocked() {
	if c.stopTicker != nil {
		return
	}
	stop := make(chan struct{})
	c.stopTicker = stop
	go func() {
		ticker := time.NewTicker(c.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.stopTicker != stop {
					c.mu.Unlock()
					return
				}
				c.durationSec++
				snap := c.snapshotLocked()
				c.mu.Unlock()
				c.publish(snap)
			}
		}
	}()
}

func (c *Controller) watchRoomEvents() {
	for ev := range c.room.Events() {
		switch ev.Kind {
		case RoomEventDisconnected:
			c.mu.Lock()
			if c.callKind != CallMediaAgent || c.phase == PhaseIdle {
				c.mu.Unlock()
				continue
			}
			c.resetToIdleLocked()
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.publish(snap)
		case RoomEventError:
			c.logger.InfoWithError(context.Background(), "media room error", ev.Err)
			c.mu.Lock()
			if c.callKind != CallMediaAgent || c.phase == PhaseIdle {
				c.mu.Unlock()
				continue
			}
			c.resetToIdleLocked()
			c.setBannerLocked("Failed to connect to agent", "The audio connection was lost.", false)
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.publish(snap)
		}
	}
}
