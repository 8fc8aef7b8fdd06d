package endpoint

import (
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
)

// SenderOptions configure a new Sender.
type SenderOptions struct {
	AppData domain.AppData
	Paused  bool
}

// Sender is a local track sent to the remote peer.
type Sender struct {
	media

	track pion.TrackLocal

	paramsMu      sync.Mutex
	rtpParameters domain.RTPParameters
}

// NewSender creates an unhandled sender for track.
func NewSender(track pion.TrackLocal, opts SenderOptions) *Sender {
	return &Sender{
		media: newMedia(uuid.NewString(), domain.MediaKind(track.Kind().String()), opts.AppData, opts.Paused),
		track: track,
	}
}

// Track returns the local track.
func (s *Sender) Track() pion.TrackLocal {
	return s.track
}

// RTPParameters returns the parameters negotiated when the sender was attached.
func (s *Sender) RTPParameters() domain.RTPParameters {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	return s.rtpParameters
}

// MarkHandled commits the attach made by transport owner.
func (s *Sender) MarkHandled(owner string, params domain.RTPParameters) error {
	if err := s.markHandled(owner); err != nil {
		return err
	}
	s.paramsMu.Lock()
	s.rtpParameters = params
	s.paramsMu.Unlock()
	return nil
}

// Pause stops the flow locally and reports whether the state changed.
func (s *Sender) Pause() bool {
	return s.setPaused(true, domain.OriginatorLocal)
}

func (s *Sender) Resume() bool {
	return s.setPaused(false, domain.OriginatorLocal)
}

// Close closes the sender. The remote mirror is told to close as well.
func (s *Sender) Close() {
	s.close(domain.OriginatorLocal)
}

// RemoteClose closes the sender because the remote mirror went away.
func (s *Sender) RemoteClose() {
	s.close(domain.OriginatorRemote)
}

func (s *Sender) RemotePause() bool {
	return s.setPaused(true, domain.OriginatorRemote)
}

func (s *Sender) RemoteResume() bool {
	return s.setPaused(false, domain.OriginatorRemote)
}
