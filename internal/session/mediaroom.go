package session

import "context"

// Room event kinds delivered on MediaRoom.Events.
const (
	RoomEventConnected    = "connected"
	RoomEventDisconnected = "disconnected"
	RoomEventError        = "error"
)

// RoomEvent is an asynchronous notification from the media room.
type RoomEvent struct {
	Kind string
	Err  error
}

// MediaRoom is the audio transport for agent conversations. The production
// implementation bridges to the embedding browser, which owns the microphone
// and the actual media connection.
type MediaRoom interface {
	// Connect joins the room and returns once the connection is
	// established or fails.
	Connect(ctx context.Context, url, token string) error

	// SetMicrophoneEnabled publishes or unpublishes the local microphone.
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error

	// Disconnect leaves the room. Safe to call when not connected.
	Disconnect(ctx context.Context) error

	// Events delivers disconnects and media errors that happen outside a
	// Connect call. The channel closes when the room is torn down.
	Events() <-chan RoomEvent
}
