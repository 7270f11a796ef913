// Package roomservice wraps the media-room provider's server API. The
// gateway uses it to resolve SIP-bridge call liveness from room membership
// and to remove participants, since the provider has no end-call primitive.
package roomservice

import (
	"context"
	"errors"
	"strings"

	"widget-server/internal/observability"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
)

// Room is a projection of an active media room.
type Room struct {
	Name     string
	Metadata string
}

// Participant is a projection of a room participant.
type Participant struct {
	Identity string `json:"identity"`
	SID      string `json:"sid"`
	State    string `json:"state"`
}

// Client is the room-membership surface the gateway needs.
type Client interface {
	ListRooms(ctx context.Context) ([]Room, error)
	ListParticipants(ctx context.Context, roomName string) ([]Participant, error)
	RemoveParticipant(ctx context.Context, roomName, identity string) error
}

// LiveKitClient implements Client against a LiveKit deployment.
type LiveKitClient struct {
	svc    *lksdk.RoomServiceClient
	logger *observability.Logger
}

// NewLiveKitClient builds a room service client for one LiveKit deployment.
// wsURL may be the signalling URL (wss://...); it is rewritten to the HTTP
// API host.
func NewLiveKitClient(wsURL, apiKey, apiSecret string, logger *observability.Logger) *LiveKitClient {
	return &LiveKitClient{
		svc:    lksdk.NewRoomServiceClient(httpHost(wsURL), apiKey, apiSecret),
		logger: logger,
	}
}

func (c *LiveKitClient) ListRooms(ctx context.Context) ([]Room, error) {
	resp, err := c.svc.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(resp.Rooms))
	for _, r := range resp.Rooms {
		rooms = append(rooms, Room{Name: r.Name, Metadata: r.Metadata})
	}
	return rooms, nil
}

func (c *LiveKitClient) ListParticipants(ctx context.Context, roomName string) ([]Participant, error) {
	resp, err := c.svc.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		return nil, err
	}
	participants := make([]Participant, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		participants = append(participants, Participant{
			Identity: p.Identity,
			SID:      p.Sid,
			State:    p.State.String(),
		})
	}
	return participants, nil
}

func (c *LiveKitClient) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	_, err := c.svc.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     roomName,
		Identity: identity,
	})
	return err
}

// IsNotFound reports whether err means the room is already gone, which the
// status check treats as a completed call rather than a failure.
func IsNotFound(err error) bool {
	var te twirp.Error
	if errors.As(err, &te) && te.Code() == twirp.NotFound {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "requested room does not exist")
}

func httpHost(wsURL string) string {
	host := strings.Replace(wsURL, "wss://", "https://", 1)
	return strings.Replace(host, "ws://", "http://", 1)
}
