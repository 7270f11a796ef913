// Package processor implements the gateway operations behind the widget's
// proxy surface: agent session lifecycle, call placement, status resolution,
// hangup, and lead submission, all against tenant-resolved backends.
package processor

import (
	"context"
	"encoding/json"
	"strings"

	"widget-server/internal/apierrors"
	"widget-server/internal/clients/agentapi"
	"widget-server/internal/clients/dialout"
	"widget-server/internal/clients/leadintake"
	"widget-server/internal/clients/roomservice"
	"widget-server/internal/clients/telephony"
	"widget-server/internal/observability"
	"widget-server/internal/tenants"
)

// Calls bridged through the media-room SIP gateway carry this identifier
// prefix; everything else is a legacy-provider call SID.
const mediaCallPrefix = "SCL_"

// Providers reported back to callers.
const (
	ProviderMediaRoom = "livekit"
	ProviderLegacy    = "twilio"
)

// Call statuses normalized across both providers.
const (
	StatusCompleted  = "completed"
	StatusInProgress = "in-progress"
)

// RoomServiceFactory builds a room service client for one tenant's media
// deployment. It is a factory because credentials differ per tenant.
type RoomServiceFactory func(tenants.LiveKitCredentials) roomservice.Client

// Processor owns the outbound clients and the tenant registry.
type Processor struct {
	registry   *tenants.Registry
	agentAPI   *agentapi.Client
	dialer     *dialout.Client
	leadIntake *leadintake.Client
	legacy     telephony.Client
	rooms      RoomServiceFactory
	logger     *observability.Logger
}

func NewProcessor(
	registry *tenants.Registry,
	agentAPI *agentapi.Client,
	dialer *dialout.Client,
	leadIntake *leadintake.Client,
	legacy telephony.Client,
	rooms RoomServiceFactory,
	logger *observability.Logger,
) *Processor {
	return &Processor{
		registry:   registry,
		agentAPI:   agentAPI,
		dialer:     dialer,
		leadIntake: leadIntake,
		legacy:     legacy,
		rooms:      rooms,
		logger:     logger,
	}
}

// StartAgentSession starts an agent session on the tenant's backend and
// returns the media connection details it minted.
func (p *Processor) StartAgentSession(ctx context.Context, domainName string, params agentapi.StartSessionParams) (agentapi.StartSessionResponse, error) {
	creds := p.registry.Resolve(ctx, domainName)
	if creds.AgentAPIBaseURL == "" {
		return agentapi.StartSessionResponse{}, &apierrors.ConfigError{Tenant: creds.Name, Missing: "agent API URL"}
	}
	if params.TenantID == "" {
		params.TenantID = creds.Name
	}
	return p.agentAPI.StartSession(ctx, creds.AgentAPIBaseURL, params)
}

// ForwardAgentStart proxies a caller-defined start payload without reshaping
// it. Used by the HTTP surface, where the widget owns the payload contract.
func (p *Processor) ForwardAgentStart(ctx context.Context, domainName string, payload json.RawMessage) (json.RawMessage, error) {
	creds := p.registry.Resolve(ctx, domainName)
	if creds.AgentAPIBaseURL == "" {
		return nil, &apierrors.ConfigError{Tenant: creds.Name, Missing: "agent API URL"}
	}
	return p.agentAPI.ForwardStart(ctx, creds.AgentAPIBaseURL, payload)
}

// StopAgentSession proxies a stop payload to the tenant's agent backend.
func (p *Processor) StopAgentSession(ctx context.Context, domainName string, payload json.RawMessage) (json.RawMessage, error) {
	creds := p.registry.Resolve(ctx, domainName)
	if creds.AgentAPIBaseURL == "" {
		return nil, &apierrors.ConfigError{Tenant: creds.Name, Missing: "agent API URL"}
	}
	return p.agentAPI.StopSession(ctx, creds.AgentAPIBaseURL, payload)
}

// PlaceCallRequest describes an outbound dial from the widget.
type PlaceCallRequest struct {
	AgentID             string
	PhoneSID            string
	SIPTrunkID          string
	PhoneNumber         string
	Destination         string
	RoomName            string
	ParticipantIdentity string
	ParticipantName     string
}

// PlacedCall is the normalized placement result.
type PlacedCall struct {
	CallID   string
	Provider string
	Raw      map[string]any
}

// PlaceCall normalizes the destination number and forwards the dial request
// to the tenant's telephony backend.
func (p *Processor) PlaceCall(ctx context.Context, domainName string, req PlaceCallRequest) (PlacedCall, error) {
	normalized, err := NormalizeUSNumber(req.Destination)
	if err != nil {
		return PlacedCall{}, err
	}

	creds := p.registry.Resolve(ctx, domainName)
	if creds.TelephonyCallURL == "" {
		return PlacedCall{}, &apierrors.ConfigError{Tenant: creds.Name, Missing: "telephony call URL"}
	}

	resp, err := p.dialer.PlaceCall(ctx, creds.TelephonyCallURL, dialout.CallRequest{
		AgentID:             req.AgentID,
		NumberID:            req.PhoneSID,
		SIPNumber:           req.PhoneNumber,
		SIPTrunkID:          req.SIPTrunkID,
		SIPCallTo:           normalized,
		RoomName:            req.RoomName,
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantName:     req.ParticipantName,
		WaitUntilAnswered:   true,
		KrispEnabled:        true,
	})
	if err != nil {
		return PlacedCall{}, err
	}

	callID := resp.CallID()
	placed := PlacedCall{CallID: callID, Provider: providerFor(callID), Raw: resp.Raw}
	p.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "call_id", Value: callID},
		observability.Field{Key: "provider", Value: placed.Provider},
	), "call placed")
	return placed, nil
}

// CallStatusResult is the normalized status of an active or finished call.
type CallStatusResult struct {
	Status       string
	Provider     string
	Participants []roomservice.Participant
}

// CallStatus resolves the current status of a call. Media-bridged calls have
// no status API, so liveness is derived from room membership: a missing room,
// a missing agent, or an agent left alone all mean the call is over.
func (p *Processor) CallStatus(ctx context.Context, domainName, callID, roomHint string) (CallStatusResult, error) {
	if !strings.HasPrefix(callID, mediaCallPrefix) {
		status, err := p.legacy.CallStatus(ctx, callID)
		if err != nil {
			return CallStatusResult{}, err
		}
		return CallStatusResult{Status: status, Provider: ProviderLegacy}, nil
	}

	room, client, err := p.findCallRoom(ctx, domainName, callID, roomHint)
	if err != nil {
		return CallStatusResult{}, err
	}
	if room == nil {
		return CallStatusResult{Status: StatusCompleted, Provider: ProviderMediaRoom}, nil
	}

	participants, err := client.ListParticipants(ctx, room.Name)
	if err != nil {
		if roomservice.IsNotFound(err) {
			return CallStatusResult{Status: StatusCompleted, Provider: ProviderMediaRoom}, nil
		}
		return CallStatusResult{}, &apierrors.InternalError{Err: err}
	}

	if callOver(participants) {
		return CallStatusResult{Status: StatusCompleted, Provider: ProviderMediaRoom}, nil
	}
	return CallStatusResult{Status: StatusInProgress, Provider: ProviderMediaRoom, Participants: participants}, nil
}

// Hangup terminates a call. Media-bridged calls are ended by removing the
// caller-supplied participant identity from the room, falling back to the SIP
// leg when no identity was given; legacy calls go through the provider API.
func (p *Processor) Hangup(ctx context.Context, domainName, callID, roomHint, participant string) (string, error) {
	if !strings.HasPrefix(callID, mediaCallPrefix) {
		if err := p.legacy.Hangup(ctx, callID); err != nil {
			return "", err
		}
		return ProviderLegacy, nil
	}

	room, client, err := p.findCallRoom(ctx, domainName, callID, roomHint)
	if err != nil {
		return "", err
	}
	if room == nil {
		// Room already gone means the call already ended.
		return ProviderMediaRoom, nil
	}

	if participant != "" {
		if err := client.RemoveParticipant(ctx, room.Name, participant); err != nil {
			if roomservice.IsNotFound(err) {
				return ProviderMediaRoom, nil
			}
			return "", &apierrors.InternalError{Err: err}
		}
		return ProviderMediaRoom, nil
	}

	participants, err := client.ListParticipants(ctx, room.Name)
	if err != nil {
		if roomservice.IsNotFound(err) {
			return ProviderMediaRoom, nil
		}
		return "", &apierrors.InternalError{Err: err}
	}
	for _, member := range participants {
		if strings.HasPrefix(strings.ToLower(member.Identity), "sip_") {
			if err := client.RemoveParticipant(ctx, room.Name, member.Identity); err != nil {
				return "", &apierrors.InternalError{Err: err}
			}
			return ProviderMediaRoom, nil
		}
	}
	return ProviderMediaRoom, nil
}

// SubmitLead validates required lead fields and forwards the lead to the
// tenant's intake endpoint.
func (p *Processor) SubmitLead(ctx context.Context, domainName string, lead leadintake.Lead) (json.RawMessage, error) {
	switch {
	case strings.TrimSpace(lead.FullName) == "":
		return nil, &apierrors.ValidationError{Field: "full_name", Message: "full_name is required"}
	case strings.TrimSpace(lead.Email) == "":
		return nil, &apierrors.ValidationError{Field: "email", Message: "email is required"}
	case strings.TrimSpace(lead.Phone) == "":
		return nil, &apierrors.ValidationError{Field: "phone", Message: "phone is required"}
	}

	creds := p.registry.Resolve(ctx, domainName)
	if creds.LeadIntakeURL == "" {
		return nil, &apierrors.ConfigError{Tenant: creds.Name, Missing: "lead intake URL"}
	}
	return p.leadIntake.Submit(ctx, creds.LeadIntakeURL, lead)
}

// findCallRoom locates the room a media-bridged call lives in. The provider
// does not index calls by room, so matching degrades from strong to weak:
// metadata carrying the call id, then an exact name match on the hint, then
// any room with "room" in its name.
func (p *Processor) findCallRoom(ctx context.Context, domainName, callID, roomHint string) (*roomservice.Room, roomservice.Client, error) {
	creds := p.registry.Resolve(ctx, domainName)
	if creds.LiveKit.URL == "" || creds.LiveKit.APIKey == "" || creds.LiveKit.APISecret == "" {
		return nil, nil, &apierrors.ConfigError{Tenant: creds.Name, Missing: "media room credentials"}
	}
	client := p.rooms(creds.LiveKit)

	rooms, err := client.ListRooms(ctx)
	if err != nil {
		if roomservice.IsNotFound(err) {
			return nil, client, nil
		}
		return nil, nil, &apierrors.InternalError{Err: err}
	}

	for i, room := range rooms {
		if room.Metadata != "" && strings.Contains(room.Metadata, callID) {
			return &rooms[i], client, nil
		}
	}
	for i, room := range rooms {
		if roomHint != "" && room.Name == roomHint {
			return &rooms[i], client, nil
		}
	}
	for i, room := range rooms {
		if strings.Contains(room.Name, "room") {
			p.logger.Warn(observability.WithFields(ctx,
				observability.Field{Key: "call_id", Value: callID},
				observability.Field{Key: "room", Value: room.Name},
			), "matched room by weak name fallback")
			return &rooms[i], client, nil
		}
	}
	return nil, client, nil
}

// callOver reports whether room membership implies the call has ended: the
// agent left, or the agent is alone with no SIP leg. Agent identities carry
// an "agent-" prefix in any casing.
func callOver(participants []roomservice.Participant) bool {
	if len(participants) == 0 {
		return true
	}
	agentPresent := false
	sipPresent := false
	for _, participant := range participants {
		identity := strings.ToLower(participant.Identity)
		if strings.HasPrefix(identity, "agent-") {
			agentPresent = true
		}
		if strings.HasPrefix(identity, "sip_") {
			sipPresent = true
		}
	}
	if !agentPresent {
		return true
	}
	return !sipPresent && len(participants) == 1
}

// NormalizeUSNumber reduces user input to a +1 E.164 number: strip everything
// but digits, keep the last ten, reject anything shorter.
func NormalizeUSNumber(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 10 {
		return "", &apierrors.ValidationError{Field: "number", Message: "Please enter a valid USA phone number"}
	}
	return "+1" + d[len(d)-10:], nil
}

func providerFor(callID string) string {
	if strings.HasPrefix(callID, mediaCallPrefix) {
		return ProviderMediaRoom
	}
	return ProviderLegacy
}
