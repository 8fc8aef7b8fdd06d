// Package webrtc implements the transport Handler on a pion PeerConnection
// and the H264 receive pipeline.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
	"peerlink/native/internal/transport"
)

// Options configure a Handler.
type Options struct {
	ICEServers    []domain.ICEServer
	Capabilities  domain.Capabilities
	LoggerFactory logging.LoggerFactory
}

// Handler drives one PeerConnection. The local side always offers: every
// change to the set of transceivers or the first data channel produces a new
// offer that is handed to the negotiation listener.
type Handler struct {
	pc  *pion.PeerConnection
	log logging.LeveledLogger

	mu                sync.Mutex
	onState           func(domain.ConnectionState)
	onNegotiation     transport.NegotiationFunc
	onUpdate          func(domain.LocalParameters)
	remoteSet         bool
	pendingCandidates []pion.ICECandidateInit

	// Only touched from the transport's command queue.
	senders      map[string]*pion.RTPTransceiver
	receivers    map[string]*pion.RTPTransceiver
	dataChannels int
}

var _ transport.Handler = (*Handler)(nil)

// NewHandler creates a PeerConnection for the given ICE servers and codecs.
func NewHandler(opts Options) (*Handler, error) {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	api, err := newAPI(opts.Capabilities, opts.LoggerFactory)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   iceServers(opts.ICEServers),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	h := &Handler{
		pc:        pc,
		log:       opts.LoggerFactory.NewLogger("webrtc"),
		senders:   make(map[string]*pion.RTPTransceiver),
		receivers: make(map[string]*pion.RTPTransceiver),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		h.log.Debugf("ICE connection state: %s", state)
	})
	pc.OnConnectionStateChange(h.handleConnectionState)
	pc.OnICECandidate(h.handleICECandidate)

	return h, nil
}

func (h *Handler) OnConnectionStateChange(f func(domain.ConnectionState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onState = f
}

func (h *Handler) OnNegotiationNeeded(f transport.NegotiationFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onNegotiation = f
}

func (h *Handler) OnParametersUpdateNeeded(f func(domain.LocalParameters)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUpdate = f
}

func (h *Handler) handleConnectionState(state pion.PeerConnectionState) {
	h.log.Debugf("peer connection state: %s", state)
	mapped, ok := connectionState(state)
	if !ok {
		return
	}

	h.mu.Lock()
	f := h.onState
	h.mu.Unlock()
	if f != nil {
		f(mapped)
	}
}

func (h *Handler) handleICECandidate(c *pion.ICECandidate) {
	if c == nil {
		h.log.Debugf("ICE gathering complete")
		return
	}

	init := c.ToJSON()
	if isLoopback(init.Candidate) {
		h.log.Debugf("filtering loopback ICE candidate")
		return
	}

	candidate := &domain.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = int(*init.SDPMLineIndex)
	}

	h.mu.Lock()
	f := h.onUpdate
	h.mu.Unlock()
	if f != nil {
		h.log.Debugf("local ICE candidate: %s", init.Candidate)
		f(domain.LocalParameters{Candidate: candidate})
	}
}

// negotiate creates and applies a new offer, waits for the remote answer and
// applies it. A rejected offer is rolled back.
func (h *Handler) negotiate(ctx context.Context) error {
	h.mu.Lock()
	f := h.onNegotiation
	h.mu.Unlock()
	if f == nil {
		return errors.New("no negotiation listener")
	}

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	type result struct {
		remote domain.RemoteParameters
		err    error
	}
	done := make(chan result, 1)
	f(ctx, domain.LocalParameters{Type: offer.Type.String(), SDP: offer.SDP},
		func(remote domain.RemoteParameters) { done <- result{remote: remote} },
		func(err error) { done <- result{err: err} },
	)

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil {
		h.rollback(offer.SDP)
		return r.err
	}

	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: r.remote.SDP}
	if err := h.pc.SetRemoteDescription(answer); err != nil {
		h.rollback(offer.SDP)
		return fmt.Errorf("set remote description: %w", err)
	}
	h.log.Debugf("remote SDP answer set")

	h.flushCandidates()
	return nil
}

func (h *Handler) rollback(sdp string) {
	if h.pc.SignalingState() != pion.SignalingStateHaveLocalOffer {
		return
	}
	if err := h.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback, SDP: sdp}); err != nil {
		h.log.Warnf("rollback local offer: %v", err)
	}
}

func (h *Handler) AddSender(ctx context.Context, sender *endpoint.Sender) (domain.RTPParameters, error) {
	tr, err := h.pc.AddTransceiverFromTrack(sender.Track(), pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return domain.RTPParameters{}, fmt.Errorf("add transceiver: %w", err)
	}

	if err := h.negotiate(ctx); err != nil {
		if rmErr := h.pc.RemoveTrack(tr.Sender()); rmErr != nil {
			h.log.Warnf("remove track after failed negotiation: %v", rmErr)
		}
		return domain.RTPParameters{}, err
	}

	go h.drainRTCP(tr.Sender())
	h.senders[sender.ID()] = tr

	return rtpParameters(tr.Mid(), tr.Sender().GetParameters()), nil
}

// drainRTCP reads incoming RTCP so that interceptors such as the NACK
// responder see it.
func (h *Handler) drainRTCP(s *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (h *Handler) RemoveSender(ctx context.Context, sender *endpoint.Sender) error {
	tr, ok := h.senders[sender.ID()]
	if !ok {
		return fmt.Errorf("sender %s: not attached", sender.ID())
	}
	delete(h.senders, sender.ID())

	if err := h.pc.RemoveTrack(tr.Sender()); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return h.renegotiate(ctx)
}

func (h *Handler) AddReceiver(ctx context.Context, receiver *endpoint.Receiver) (*pion.RTPReceiver, error) {
	kind, err := codecType(receiver.Kind())
	if err != nil {
		return nil, err
	}

	tr, err := h.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return nil, fmt.Errorf("add transceiver: %w", err)
	}

	if err := h.negotiate(ctx); err != nil {
		if stopErr := tr.Stop(); stopErr != nil {
			h.log.Warnf("stop transceiver after failed negotiation: %v", stopErr)
		}
		return nil, err
	}

	h.receivers[receiver.ID()] = tr
	return tr.Receiver(), nil
}

func (h *Handler) RemoveReceiver(ctx context.Context, receiver *endpoint.Receiver) error {
	tr, ok := h.receivers[receiver.ID()]
	if !ok {
		return fmt.Errorf("receiver %s: not attached", receiver.ID())
	}
	delete(h.receivers, receiver.ID())

	if err := tr.Stop(); err != nil {
		return fmt.Errorf("stop transceiver: %w", err)
	}
	return h.renegotiate(ctx)
}

// renegotiate skips negotiation once the connection is closed.
func (h *Handler) renegotiate(ctx context.Context) error {
	if h.pc.ConnectionState() == pion.PeerConnectionStateClosed {
		return nil
	}
	return h.negotiate(ctx)
}

// AddDataChannel opens a data channel. Only the first channel changes the
// session description; later ones reuse the SCTP association.
func (h *Handler) AddDataChannel(ctx context.Context, opts domain.DataProducerOptions) (endpoint.DataChannel, domain.SCTPStreamParameters, error) {
	ordered := opts.Ordered
	init := &pion.DataChannelInit{
		Ordered:           &ordered,
		MaxPacketLifeTime: opts.MaxPacketLifeTime,
		MaxRetransmits:    opts.MaxRetransmits,
	}
	if opts.Protocol != "" {
		protocol := opts.Protocol
		init.Protocol = &protocol
	}

	dc, err := h.pc.CreateDataChannel(opts.Label, init)
	if err != nil {
		return nil, domain.SCTPStreamParameters{}, fmt.Errorf("create data channel: %w", err)
	}

	if h.dataChannels == 0 {
		if err := h.negotiate(ctx); err != nil {
			if closeErr := dc.Close(); closeErr != nil {
				h.log.Warnf("close data channel after failed negotiation: %v", closeErr)
			}
			return nil, domain.SCTPStreamParameters{}, err
		}
	}
	h.dataChannels++

	return dc, domain.SCTPStreamParameters{
		StreamID:          dc.ID(),
		Ordered:           dc.Ordered(),
		MaxPacketLifeTime: dc.MaxPacketLifeTime(),
		MaxRetransmits:    dc.MaxRetransmits(),
	}, nil
}

// AddRemoteCandidate adds a trickled candidate, holding it until the first
// remote description has been applied.
func (h *Handler) AddRemoteCandidate(candidate domain.ICECandidate) error {
	index := uint16(candidate.SDPMLineIndex)
	mid := candidate.SDPMid
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}

	h.mu.Lock()
	if !h.remoteSet {
		h.pendingCandidates = append(h.pendingCandidates, init)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	h.log.Debugf("added remote ICE candidate")
	return nil
}

func (h *Handler) flushCandidates() {
	h.mu.Lock()
	h.remoteSet = true
	pending := h.pendingCandidates
	h.pendingCandidates = nil
	h.mu.Unlock()

	for _, init := range pending {
		if err := h.pc.AddICECandidate(init); err != nil {
			h.log.Warnf("add buffered ice candidate: %v", err)
		}
	}
}

// Close shuts down the PeerConnection with all its transceivers and data
// channels.
func (h *Handler) Close() error {
	return h.pc.Close()
}
