package transport

import (
	"context"

	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
)

// NegotiationFunc is called by a Handler when its local description changed
// and the remote peer must answer. Exactly one of ack or nack is called.
type NegotiationFunc func(ctx context.Context, local domain.LocalParameters, ack func(domain.RemoteParameters), nack func(error))

// Handler performs the actual media negotiation for one transport. It is not
// safe for concurrent mutation: the Transport only calls the add/remove
// methods from its command queue.
type Handler interface {
	AddSender(ctx context.Context, sender *endpoint.Sender) (domain.RTPParameters, error)
	RemoveSender(ctx context.Context, sender *endpoint.Sender) error
	AddReceiver(ctx context.Context, receiver *endpoint.Receiver) (*pion.RTPReceiver, error)
	RemoveReceiver(ctx context.Context, receiver *endpoint.Receiver) error
	AddDataChannel(ctx context.Context, opts domain.DataProducerOptions) (endpoint.DataChannel, domain.SCTPStreamParameters, error)
	AddRemoteCandidate(candidate domain.ICECandidate) error
	Close() error

	OnConnectionStateChange(f func(domain.ConnectionState))
	OnNegotiationNeeded(f NegotiationFunc)
	OnParametersUpdateNeeded(f func(domain.LocalParameters))
}
