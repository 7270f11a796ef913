package shell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"widget-server/internal/observability"
	"widget-server/internal/session"
	"widget-server/internal/widgetcfg"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const connectAckTimeout = 10 * time.Second

// Handler owns the widget websocket endpoint. Each connection gets its own
// session controller; the connection's query string carries the embed config.
type Handler struct {
	gateway  session.Gateway
	secret   string
	opts     session.Options
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

func NewHandler(gw session.Gateway, telephonyTokenSecret string, opts session.Options, logger *observability.Logger) *Handler {
	return &Handler{
		gateway: gw,
		secret:  telephonyTokenSecret,
		opts:    opts,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The widget iframe is served cross-origin from customer
			// sites; origin policy is enforced by the CORS layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// intent is a UI or media event sent by the widget frontend.
type intent struct {
	Type    string `json:"type"`
	Digit   string `json:"digit,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// roomCommand instructs the browser's media layer.
type roomCommand struct {
	Action  string `json:"action"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

type outbound struct {
	Type    string            `json:"type"`
	View    *ViewState        `json:"view,omitempty"`
	State   *session.Snapshot `json:"state,omitempty"`
	Message string            `json:"message,omitempty"`
	Command *roomCommand      `json:"command,omitempty"`
}

// HandleWidgetSocket upgrades the connection and runs the session loop until
// the widget disconnects.
func (h *Handler) HandleWidgetSocket(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.InfoWithError(ctx, "websocket upgrade failed", err)
		return
	}

	cfg := widgetcfg.FromQuery(ctx, c.Request.URL.Query(), h.secret, h.logger)

	sock := &socket{conn: conn}
	room := newBrowserRoom(sock)
	defer room.close()

	var (
		prevMu sync.Mutex
		prev   session.Snapshot
	)
	publish := func(s session.Snapshot) {
		prevMu.Lock()
		if msg := ParentMessageFor(prev, s); msg != "" {
			_ = sock.sendJSON(outbound{Type: "parent_message", Message: msg})
		}
		prev = s
		prevMu.Unlock()

		view := Render(cfg, s)
		if err := sock.sendJSON(outbound{Type: "state", View: &view, State: &s}); err != nil {
			h.logger.Debug(ctx, "state push failed, widget likely gone")
		}
	}

	controller := session.New(cfg, h.gateway, room, publish, h.opts, h.logger)
	defer controller.Close()

	// Initial render so the widget paints before any interaction.
	publish(controller.Snapshot())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.InfoWithError(ctx, "widget socket closed unexpectedly", err)
			}
			return
		}

		var in intent
		if err := json.Unmarshal(data, &in); err != nil {
			h.logger.InfoWithError(ctx, "unparseable widget intent", err)
			continue
		}
		h.dispatch(ctx, controller, room, in)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *session.Controller, room *browserRoom, in intent) {
	switch in.Type {
	case "toggle_popup":
		c.TogglePopup()
	case "show_dialer":
		c.ShowDialer()
	case "hide_dialer":
		c.HideDialer()
	case "press_digit":
		if len(in.Digit) == 1 {
			c.PressDigit(rune(in.Digit[0]))
		}
	case "backspace":
		c.Backspace()
	case "start_call":
		c.StartMediaCall(ctx)
	case "place_call":
		c.PlaceDialedCall(ctx)
	case "end_call":
		go c.EndCall(context.WithoutCancel(ctx))
	case "toggle_mute":
		go c.ToggleMute(ctx)
	case "set_form_field":
		c.SetFormField(in.Field, in.Value)
	case "submit_form":
		c.SubmitLeadForm(ctx)
	case "room_connected":
		room.handleConnected()
	case "room_error", "media_error":
		room.handleError(in.Message)
	case "room_disconnected":
		room.handleDisconnected()
	default:
		h.logger.Debug(observability.WithFields(ctx,
			observability.Field{Key: "intent", Value: in.Type},
		), "unknown widget intent")
	}
}

// socket serializes writes; gorilla connections allow one concurrent writer.
type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *socket) sendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// browserRoom implements session.MediaRoom by delegating the actual media
// connection to the embedding browser, which owns the microphone. Commands go
// out over the socket; acknowledgements and room events come back as intents.
type browserRoom struct {
	sock *socket

	mu         sync.Mutex
	connectAck chan error
	closed     bool
	events     chan session.RoomEvent
}

func newBrowserRoom(sock *socket) *browserRoom {
	return &browserRoom{
		sock:   sock,
		events: make(chan session.RoomEvent, 8),
	}
}

func (r *browserRoom) Connect(ctx context.Context, url, token string) error {
	r.mu.Lock()
	ack := make(chan error, 1)
	r.connectAck = ack
	r.mu.Unlock()

	if err := r.sock.sendJSON(outbound{Type: "room_command", Command: &roomCommand{
		Action: "connect",
		URL:    url,
		Token:  token,
	}}); err != nil {
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(connectAckTimeout):
		return errors.New("timed out waiting for the browser to join the room")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *browserRoom) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return r.sock.sendJSON(outbound{Type: "room_command", Command: &roomCommand{
		Action:  "set_microphone",
		Enabled: enabled,
	}})
}

func (r *browserRoom) Disconnect(ctx context.Context) error {
	return r.sock.sendJSON(outbound{Type: "room_command", Command: &roomCommand{
		Action: "disconnect",
	}})
}

func (r *browserRoom) Events() <-chan session.RoomEvent {
	return r.events
}

func (r *browserRoom) handleConnected() {
	r.mu.Lock()
	ack := r.connectAck
	r.connectAck = nil
	r.mu.Unlock()
	if ack != nil {
		ack <- nil
	}
}

func (r *browserRoom) handleError(message string) {
	if message == "" {
		message = "media connection failed"
	}
	err := errors.New(message)

	r.mu.Lock()
	ack := r.connectAck
	r.connectAck = nil
	closed := r.closed
	r.mu.Unlock()

	if ack != nil {
		ack <- err
		return
	}
	if !closed {
		select {
		case r.events <- session.RoomEvent{Kind: session.RoomEventError, Err: err}:
		default:
		}
	}
}

func (r *browserRoom) handleDisconnected() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	select {
	case r.events <- session.RoomEvent{Kind: session.RoomEventDisconnected}:
	default:
	}
}

func (r *browserRoom) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.events)
}
