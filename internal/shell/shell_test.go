package shell

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"widget-server/internal/clients/agentapi"
	"widget-server/internal/clients/leadintake"
	"widget-server/internal/gateway/processor"
	"widget-server/internal/observability"
	"widget-server/internal/session"
	"widget-server/internal/widgetcfg"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		sec  int
		want string
	}{
		{0, "0:00"},
		{5, "0:05"},
		{59, "0:59"},
		{60, "1:00"},
		{125, "2:05"},
		{-3, "0:00"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.sec); got != tc.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tc.sec, got, tc.want)
		}
	}
}

func TestFormatPhone_Progressive(t *testing.T) {
	cases := []struct {
		digits string
		want   string
	}{
		{"", ""},
		{"5", "(5"},
		{"555", "(555"},
		{"5551", "(555) 1"},
		{"555123", "(555) 123"},
		{"5551234", "(555) 123-4"},
		{"5551234567", "(555) 123-4567"},
	}
	for _, tc := range cases {
		if got := FormatPhone(tc.digits); got != tc.want {
			t.Errorf("FormatPhone(%q) = %q, want %q", tc.digits, got, tc.want)
		}
	}
}

func TestParentMessageFor(t *testing.T) {
	closed := session.Snapshot{}
	open := session.Snapshot{PopupOpen: true}

	if got := ParentMessageFor(closed, open); got != MessageWidgetOpened {
		t.Errorf("closed->open = %q", got)
	}
	if got := ParentMessageFor(open, closed); got != MessageWidgetClosed {
		t.Errorf("open->closed = %q", got)
	}
	if got := ParentMessageFor(open, open); got != "" {
		t.Errorf("no change = %q", got)
	}
}

func TestRender_TitlesAndKeypad(t *testing.T) {
	cfg := widgetcfg.Config{
		AgentName:   "BETTY",
		Theme:       widgetcfg.DefaultTheme,
		PhoneSID:    "PN1",
		SIPTrunkID:  "ST1",
		PhoneNumber: "+15550001111",
	}

	idle := Render(cfg, session.Snapshot{Phase: session.PhaseIdle, DialerOpen: true, DialedDigits: "5551234"})
	if !idle.ShowKeypad {
		t.Error("keypad must show while idle with the dialer open")
	}
	if idle.PhoneDisplay != "(555) 123-4" {
		t.Errorf("phone display = %q", idle.PhoneDisplay)
	}
	if !strings.Contains(idle.Title, "BETTY") {
		t.Errorf("idle title = %q", idle.Title)
	}

	talking := Render(cfg, session.Snapshot{Phase: session.PhaseConnected, DurationSec: 65})
	if talking.ShowKeypad {
		t.Error("keypad must hide during a call")
	}
	if !talking.CallActive || talking.Duration != "1:05" {
		t.Errorf("talking view = %+v", talking)
	}

	dialing := Render(cfg, session.Snapshot{Phase: session.PhaseDialing})
	if !dialing.CallPending || dialing.CallActive {
		t.Errorf("dialing view = %+v", dialing)
	}
}

func TestFooterFor(t *testing.T) {
	if f := footerFor(session.Snapshot{Phase: session.PhaseIdle}); f.Text != "Available" {
		t.Errorf("idle footer = %+v", f)
	}
	if f := footerFor(session.Snapshot{Phase: session.PhaseQueued}); f.Text != "Connecting" {
		t.Errorf("queued footer = %+v", f)
	}
	if f := footerFor(session.Snapshot{Phase: session.PhaseInProgress}); f.Text != "Live" {
		t.Errorf("in-progress footer = %+v", f)
	}
}

type nullGateway struct{}

func (nullGateway) StartAgentSession(ctx context.Context, domainName string, params agentapi.StartSessionParams) (agentapi.StartSessionResponse, error) {
	return agentapi.StartSessionResponse{}, nil
}

func (nullGateway) StopAgentSession(ctx context.Context, domainName string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (nullGateway) PlaceCall(ctx context.Context, domainName string, req processor.PlaceCallRequest) (processor.PlacedCall, error) {
	return processor.PlacedCall{}, nil
}

func (nullGateway) CallStatus(ctx context.Context, domainName, callID, roomHint string) (processor.CallStatusResult, error) {
	return processor.CallStatusResult{Status: processor.StatusCompleted}, nil
}

func (nullGateway) Hangup(ctx context.Context, domainName, callID, roomHint, participant string) (string, error) {
	return processor.ProviderLegacy, nil
}

func (nullGateway) SubmitLead(ctx context.Context, domainName string, lead leadintake.Lead) (json.RawMessage, error) {
	return nil, nil
}

func dialWidget(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHandler(nullGateway{}, "secret", session.Options{}, observability.NewLogger())
	router := gin.New()
	router.GET("/api/widget/ws", h.HandleWidgetSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/widget/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, cond func(outbound) bool) outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg outbound
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if cond(msg) {
			return msg
		}
	}
}

func TestWidgetSocket_InitialStateUsesQueryConfig(t *testing.T) {
	conn := dialWidget(t, "?agentName=Ava&theme=%23123456&domainName=onboardsoft-dev")

	msg := readUntil(t, conn, func(m outbound) bool { return m.Type == "state" })
	if msg.View == nil || msg.View.AgentName != "Ava" || msg.View.Theme != "#123456" {
		t.Errorf("view = %+v", msg.View)
	}
	if msg.State == nil || msg.State.Phase != session.PhaseIdle {
		t.Errorf("state = %+v", msg.State)
	}
}

func TestWidgetSocket_TogglePopupEmitsParentMessage(t *testing.T) {
	conn := dialWidget(t, "")

	readUntil(t, conn, func(m outbound) bool { return m.Type == "state" })

	if err := conn.WriteJSON(intent{Type: "toggle_popup"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	parent := readUntil(t, conn, func(m outbound) bool { return m.Type == "parent_message" })
	if parent.Message != MessageWidgetOpened {
		t.Errorf("parent message = %q", parent.Message)
	}
	state := readUntil(t, conn, func(m outbound) bool { return m.Type == "state" && m.State.PopupOpen })
	if !state.View.PopupOpen {
		t.Errorf("view = %+v", state.View)
	}

	if err := conn.WriteJSON(intent{Type: "toggle_popup"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	parent = readUntil(t, conn, func(m outbound) bool { return m.Type == "parent_message" })
	if parent.Message != MessageWidgetClosed {
		t.Errorf("parent message = %q", parent.Message)
	}
}

func TestWidgetSocket_KeypadIntents(t *testing.T) {
	conn := dialWidget(t, "?phoneSid=PN1&sipTrunkId=ST1&phoneNumber=%2B15550001111")

	readUntil(t, conn, func(m outbound) bool { return m.Type == "state" })

	conn.WriteJSON(intent{Type: "show_dialer"})
	for _, d := range "555123" {
		conn.WriteJSON(intent{Type: "press_digit", Digit: string(d)})
	}
	conn.WriteJSON(intent{Type: "backspace"})

	state := readUntil(t, conn, func(m outbound) bool {
		return m.Type == "state" && m.State.DialedDigits == "55512"
	})
	if state.View.PhoneDisplay != "(555) 12" {
		t.Errorf("phone display = %q", state.View.PhoneDisplay)
	}
}
