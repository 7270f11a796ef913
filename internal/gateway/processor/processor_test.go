package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"widget-server/internal/apierrors"
	"widget-server/internal/clients/agentapi"
	"widget-server/internal/clients/dialout"
	"widget-server/internal/clients/leadintake"
	"widget-server/internal/clients/roomservice"
	"widget-server/internal/observability"
	"widget-server/internal/tenants"
)

type fakeRooms struct {
	rooms        []roomservice.Room
	participants map[string][]roomservice.Participant
	removed      []string
	listErr      error
	partErr      error
}

func (f *fakeRooms) ListRooms(ctx context.Context) ([]roomservice.Room, error) {
	return f.rooms, f.listErr
}

func (f *fakeRooms) ListParticipants(ctx context.Context, roomName string) ([]roomservice.Participant, error) {
	if f.partErr != nil {
		return nil, f.partErr
	}
	return f.participants[roomName], nil
}

func (f *fakeRooms) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	f.removed = append(f.removed, roomName+"/"+identity)
	return nil
}

type fakeLegacy struct {
	status string
	err    error
	hung   []string
}

func (f *fakeLegacy) CallStatus(ctx context.Context, callSID string) (string, error) {
	return f.status, f.err
}

func (f *fakeLegacy) Hangup(ctx context.Context, callSID string) error {
	f.hung = append(f.hung, callSID)
	return f.err
}

func testCredentials() tenants.Credentials {
	return tenants.Credentials{
		Name:             "live",
		AgentAPIBaseURL:  "http://agent.example.com",
		TelephonyCallURL: "http://telephony.example.com/call",
		LeadIntakeURL:    "http://crm.example.com/leads",
		LiveKit: tenants.LiveKitCredentials{
			URL:       "wss://lk.example.com",
			APIKey:    "key",
			APISecret: "secret",
		},
	}
}

func newTestProcessor(t *testing.T, creds tenants.Credentials, rooms roomservice.Client, legacy *fakeLegacy) *Processor {
	t.Helper()
	logger := observability.NewLogger()
	registry := tenants.New(creds, nil, logger)
	factory := func(tenants.LiveKitCredentials) roomservice.Client { return rooms }
	return NewProcessor(
		registry,
		agentapi.NewClient(logger),
		dialout.NewClient(logger),
		leadintake.NewClient(logger),
		legacy,
		factory,
		logger,
	)
}

func TestNormalizeUSNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"5551234567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"+1 555 123 4567", "+15551234567"},
		{"995551234567", "+15551234567"},
	}
	for _, tc := range cases {
		got, err := NormalizeUSNumber(tc.in)
		if err != nil {
			t.Errorf("NormalizeUSNumber(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeUSNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeUSNumber_TooShort(t *testing.T) {
	_, err := NormalizeUSNumber("12345")
	if _, ok := apierrors.AsValidation(err); !ok {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestPlaceCall_ForwardsNormalizedNumber(t *testing.T) {
	var got dialout.CallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Write([]byte(`{"livekit_sip_call_id":"SCL_abc123"}`))
	}))
	defer srv.Close()

	creds := testCredentials()
	creds.TelephonyCallURL = srv.URL
	p := newTestProcessor(t, creds, &fakeRooms{}, &fakeLegacy{})

	placed, err := p.PlaceCall(context.Background(), "onboardsoft-live", PlaceCallRequest{
		AgentID:     "agent-1",
		PhoneSID:    "PN123",
		SIPTrunkID:  "ST456",
		PhoneNumber: "+15559990000",
		Destination: "555-123-4567",
		RoomName:    "voso_room",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if got.SIPCallTo != "+15551234567" {
		t.Errorf("sip_call_to = %q", got.SIPCallTo)
	}
	if !got.WaitUntilAnswered || !got.KrispEnabled {
		t.Error("wait_until_answered and krisp_enabled must be set")
	}
	if placed.CallID != "SCL_abc123" || placed.Provider != ProviderMediaRoom {
		t.Errorf("placed = %+v", placed)
	}
}

func TestPlaceCall_MissingTenantURL(t *testing.T) {
	creds := testCredentials()
	creds.TelephonyCallURL = ""
	p := newTestProcessor(t, creds, &fakeRooms{}, &fakeLegacy{})

	_, err := p.PlaceCall(context.Background(), "anything", PlaceCallRequest{Destination: "5551234567"})
	if _, ok := apierrors.AsConfig(err); !ok {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestPlaceCall_InvalidNumberSkipsBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called for an invalid number")
	}))
	defer srv.Close()

	creds := testCredentials()
	creds.TelephonyCallURL = srv.URL
	p := newTestProcessor(t, creds, &fakeRooms{}, &fakeLegacy{})

	_, err := p.PlaceCall(context.Background(), "x", PlaceCallRequest{Destination: "123"})
	if _, ok := apierrors.AsValidation(err); !ok {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestCallStatus_LegacyProvider(t *testing.T) {
	legacy := &fakeLegacy{status: "in-progress"}
	p := newTestProcessor(t, testCredentials(), &fakeRooms{}, legacy)

	res, err := p.CallStatus(context.Background(), "x", "CA123", "")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != "in-progress" || res.Provider != ProviderLegacy {
		t.Errorf("result = %+v", res)
	}
}

func TestCallStatus_MediaRoomByMetadata(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{
			{Name: "other", Metadata: ""},
			{Name: "call-room", Metadata: `{"call":"SCL_abc"}`},
		},
		participants: map[string][]roomservice.Participant{
			"call-room": {
				{Identity: "agent-BETTY"},
				{Identity: "sip_+15551234567"},
			},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusInProgress || res.Provider != ProviderMediaRoom {
		t.Errorf("result = %+v", res)
	}
	if len(res.Participants) != 2 {
		t.Errorf("participants = %+v", res.Participants)
	}
}

func TestCallStatus_RoomGoneMeansCompleted(t *testing.T) {
	p := newTestProcessor(t, testCredentials(), &fakeRooms{}, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", res.Status)
	}
}

func TestCallStatus_AgentAloneMeansCompleted(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{{Name: "voso_room"}},
		participants: map[string][]roomservice.Participant{
			"voso_room": {{Identity: "agent-BETTY"}},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "voso_room")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", res.Status)
	}
}

func TestCallStatus_AgentGoneMeansCompleted(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{{Name: "voso_room"}},
		participants: map[string][]roomservice.Participant{
			"voso_room": {{Identity: "sip_+15551234567"}},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "voso_room")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", res.Status)
	}
}

func TestCallStatus_AgentPrefixMatchesWholeWordOnly(t *testing.T) {
	// "agentless-visitor" is not an agent; without one the call is over.
	rooms := &fakeRooms{
		rooms: []roomservice.Room{{Name: "voso_room"}},
		participants: map[string][]roomservice.Participant{
			"voso_room": {
				{Identity: "agentless-visitor"},
				{Identity: "sip_+15551234567"},
			},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "voso_room")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", res.Status)
	}
}

func TestCallStatus_AgentPrefixIgnoresCase(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{{Name: "voso_room"}},
		participants: map[string][]roomservice.Participant{
			"voso_room": {
				{Identity: "Agent-BETTY"},
				{Identity: "sip_+15551234567"},
			},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "voso_room")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusInProgress {
		t.Errorf("status = %q, want in-progress", res.Status)
	}
}

func TestCallStatus_WeakNameFallback(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{
			{Name: "lobby"},
			{Name: "voso_room_7"},
		},
		participants: map[string][]roomservice.Participant{
			"voso_room_7": {
				{Identity: "agent-BETTY"},
				{Identity: "sip_+15551234567"},
			},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	res, err := p.CallStatus(context.Background(), "x", "SCL_abc", "no-such-room")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if res.Status != StatusInProgress {
		t.Errorf("status = %q, want in-progress via weak fallback", res.Status)
	}
}

func TestCallStatus_MissingMediaCredentials(t *testing.T) {
	creds := testCredentials()
	creds.LiveKit = tenants.LiveKitCredentials{}
	p := newTestProcessor(t, creds, &fakeRooms{}, &fakeLegacy{})

	_, err := p.CallStatus(context.Background(), "x", "SCL_abc", "")
	if _, ok := apierrors.AsConfig(err); !ok {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestHangup_MediaRemovesSIPParticipant(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{{Name: "voso_room"}},
		participants: map[string][]roomservice.Participant{
			"voso_room": {
				{Identity: "agent-BETTY"},
				{Identity: "sip_+15551234567"},
			},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	provider, err := p.Hangup(context.Background(), "x", "SCL_abc", "voso_room", "")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if provider != ProviderMediaRoom {
		t.Errorf("provider = %q", provider)
	}
	if len(rooms.removed) != 1 || rooms.removed[0] != "voso_room/sip_+15551234567" {
		t.Errorf("removed = %v", rooms.removed)
	}
}

func TestHangup_MediaRemovesNamedParticipant(t *testing.T) {
	rooms := &fakeRooms{
		rooms: []roomservice.Room{{Name: "voso_room"}},
		participants: map[string][]roomservice.Participant{
			"voso_room": {
				{Identity: "agent-BETTY"},
				{Identity: "widget_4f2c"},
			},
		},
	}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	provider, err := p.Hangup(context.Background(), "x", "SCL_abc", "voso_room", "widget_4f2c")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if provider != ProviderMediaRoom {
		t.Errorf("provider = %q", provider)
	}
	if len(rooms.removed) != 1 || rooms.removed[0] != "voso_room/widget_4f2c" {
		t.Errorf("removed = %v", rooms.removed)
	}
}

func TestHangup_MediaRoomAlreadyGone(t *testing.T) {
	p := newTestProcessor(t, testCredentials(), &fakeRooms{}, &fakeLegacy{})

	provider, err := p.Hangup(context.Background(), "x", "SCL_abc", "", "")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if provider != ProviderMediaRoom {
		t.Errorf("provider = %q", provider)
	}
}

func TestHangup_LegacyProvider(t *testing.T) {
	legacy := &fakeLegacy{}
	p := newTestProcessor(t, testCredentials(), &fakeRooms{}, legacy)

	provider, err := p.Hangup(context.Background(), "x", "CA999", "", "")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if provider != ProviderLegacy {
		t.Errorf("provider = %q", provider)
	}
	if len(legacy.hung) != 1 || legacy.hung[0] != "CA999" {
		t.Errorf("hung = %v", legacy.hung)
	}
}

func TestSubmitLead_RequiredFields(t *testing.T) {
	p := newTestProcessor(t, testCredentials(), &fakeRooms{}, &fakeLegacy{})

	cases := []leadintake.Lead{
		{Email: "a@b.com", Phone: "5551234567"},
		{FullName: "Jo Smith", Phone: "5551234567"},
		{FullName: "Jo Smith", Email: "a@b.com"},
	}
	for i, lead := range cases {
		_, err := p.SubmitLead(context.Background(), "x", lead)
		if _, ok := apierrors.AsValidation(err); !ok {
			t.Errorf("case %d: want ValidationError, got %v", i, err)
		}
	}
}

func TestSubmitLead_ForwardsToTenantIntake(t *testing.T) {
	var got leadintake.Lead
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	creds := testCredentials()
	creds.LeadIntakeURL = srv.URL
	p := newTestProcessor(t, creds, &fakeRooms{}, &fakeLegacy{})

	body, err := p.SubmitLead(context.Background(), "x", leadintake.Lead{
		AgentID:  "agent-1",
		FullName: "Jo Smith",
		Email:    "jo@example.com",
		Phone:    "5551234567",
	})
	if err != nil {
		t.Fatalf("SubmitLead: %v", err)
	}
	if got.FullName != "Jo Smith" {
		t.Errorf("forwarded lead = %+v", got)
	}
	if got.Metadata == nil {
		t.Error("metadata must default to an empty object")
	}
	if string(body) != `{"success":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestCallStatus_ListRoomsFailure(t *testing.T) {
	rooms := &fakeRooms{listErr: errors.New("boom")}
	p := newTestProcessor(t, testCredentials(), rooms, &fakeLegacy{})

	_, err := p.CallStatus(context.Background(), "x", "SCL_abc", "")
	if err == nil {
		t.Fatal("want error when room listing fails")
	}
	if _, ok := apierrors.AsUpstream(err); ok {
		t.Error("room service failure must not masquerade as an upstream message")
	}
}
