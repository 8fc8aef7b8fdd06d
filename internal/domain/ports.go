package domain

import (
	"context"
	"encoding/json"
)

// SessionFetcher retrieves signaling credentials and capabilities from the API.
type SessionFetcher interface {
	FetchSession(ctx context.Context, token, room string) (*Session, error)
}

// Signaler carries requests and notifications to the remote peer.
type Signaler interface {
	// Request sends method and waits for the remote acknowledgement. A
	// negative acknowledgement is returned as ErrRemoteRejected.
	Request(ctx context.Context, method string, data any) (json.RawMessage, error)
	// Notify sends a fire-and-forget message.
	Notify(method string, data any) error
}

// NotificationHandler receives notifications pushed by the remote peer.
type NotificationHandler interface {
	OnNotification(method string, data json.RawMessage)
}
