package endpoint

import (
	"sync"

	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
)

// ReceiverOptions configure a new Receiver.
type ReceiverOptions struct {
	AppData domain.AppData
	Paused  bool
	// Supported is false when the local capabilities cannot decode the
	// remote parameters.
	Supported bool
}

// Receiver is a remote flow received from the peer.
type Receiver struct {
	media

	rtpParameters domain.RTPParameters
	supported     bool

	trackMu sync.Mutex
	track   *pion.RTPReceiver
}

// NewReceiver creates an unhandled receiver for the remote sender id.
func NewReceiver(id string, kind domain.MediaKind, params domain.RTPParameters, opts ReceiverOptions) *Receiver {
	return &Receiver{
		media:         newMedia(id, kind, opts.AppData, opts.Paused),
		rtpParameters: params,
		supported:     opts.Supported,
	}
}

func (r *Receiver) RTPParameters() domain.RTPParameters {
	return r.rtpParameters
}

func (r *Receiver) Supported() bool {
	return r.supported
}

// Track returns the pion receiver once the receiver is handled.
func (r *Receiver) Track() *pion.RTPReceiver {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	return r.track
}

// MarkHandled commits the attach made by transport owner.
func (r *Receiver) MarkHandled(owner string, track *pion.RTPReceiver) error {
	if err := r.markHandled(owner); err != nil {
		return err
	}
	r.trackMu.Lock()
	r.track = track
	r.trackMu.Unlock()
	return nil
}

func (r *Receiver) Pause() bool {
	return r.setPaused(true, domain.OriginatorLocal)
}

func (r *Receiver) Resume() bool {
	return r.setPaused(false, domain.OriginatorLocal)
}

// Close closes the receiver locally. Receivers never ask the remote to close.
func (r *Receiver) Close() {
	r.close(domain.OriginatorLocal)
}

// RemoteClose closes the receiver because the remote sender went away.
func (r *Receiver) RemoteClose() {
	r.close(domain.OriginatorRemote)
}

func (r *Receiver) RemotePause() bool {
	return r.setPaused(true, domain.OriginatorRemote)
}

func (r *Receiver) RemoteResume() bool {
	return r.setPaused(false, domain.OriginatorRemote)
}
