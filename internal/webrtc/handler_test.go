package webrtc

import (
	"context"
	"errors"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
	"peerlink/native/internal/transport"
)

// answerWith answers every offer from remote, the way the far end of a
// transport does.
func answerWith(t *testing.T, remote *pion.PeerConnection) transport.NegotiationFunc {
	return func(_ context.Context, local domain.LocalParameters, ack func(domain.RemoteParameters), nack func(error)) {
		if err := remote.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: local.SDP}); err != nil {
			nack(err)
			return
		}
		answer, err := remote.CreateAnswer(nil)
		if err != nil {
			nack(err)
			return
		}
		if err := remote.SetLocalDescription(answer); err != nil {
			nack(err)
			return
		}
		ack(domain.RemoteParameters{Type: answer.Type.String(), SDP: answer.SDP})
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h, err := NewHandler(Options{})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newRemotePeer(t *testing.T) *pion.PeerConnection {
	t.Helper()
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("remote peer: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandler_AddSenderNegotiates(t *testing.T) {
	h := newTestHandler(t)
	h.OnNegotiationNeeded(answerWith(t, newRemotePeer(t)))

	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", "peerlink")
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	sender := endpoint.NewSender(track, endpoint.SenderOptions{})

	params, err := h.AddSender(testContext(t), sender)
	if err != nil {
		t.Fatalf("AddSender: %v", err)
	}
	if params.MID == "" {
		t.Error("MID not set after negotiation")
	}
	if len(params.Codecs) == 0 || params.Codecs[0].MimeType != pion.MimeTypeH264 {
		t.Errorf("Codecs = %+v, want H264 first", params.Codecs)
	}
	if len(params.Encodings) != 1 || params.Encodings[0].SSRC == 0 {
		t.Errorf("Encodings = %+v, want one with an SSRC", params.Encodings)
	}
}

func TestHandler_RejectedNegotiationFails(t *testing.T) {
	h := newTestHandler(t)
	rejected := errors.New("remote said no")
	h.OnNegotiationNeeded(func(_ context.Context, _ domain.LocalParameters, _ func(domain.RemoteParameters), nack func(error)) {
		nack(rejected)
	})

	receiver := endpoint.NewReceiver("r1", domain.MediaKindVideo, domain.RTPParameters{}, endpoint.ReceiverOptions{Supported: true})
	if _, err := h.AddReceiver(testContext(t), receiver); !errors.Is(err, rejected) {
		t.Fatalf("err = %v, want %v", err, rejected)
	}
	if _, ok := h.receivers["r1"]; ok {
		t.Error("rejected receiver was recorded")
	}
}

func TestHandler_NoNegotiationListener(t *testing.T) {
	h := newTestHandler(t)

	if _, _, err := h.AddDataChannel(testContext(t), domain.DataProducerOptions{Label: "chat"}); err == nil {
		t.Error("expected error without a negotiation listener")
	}
}

func TestHandler_AddDataChannelNegotiatesOnce(t *testing.T) {
	h := newTestHandler(t)
	var offers int
	answer := answerWith(t, newRemotePeer(t))
	h.OnNegotiationNeeded(func(ctx context.Context, local domain.LocalParameters, ack func(domain.RemoteParameters), nack func(error)) {
		offers++
		answer(ctx, local, ack, nack)
	})

	if _, _, err := h.AddDataChannel(testContext(t), domain.DataProducerOptions{Label: "a", Ordered: true}); err != nil {
		t.Fatalf("first AddDataChannel: %v", err)
	}
	_, params, err := h.AddDataChannel(testContext(t), domain.DataProducerOptions{Label: "b"})
	if err != nil {
		t.Fatalf("second AddDataChannel: %v", err)
	}
	if params.Ordered {
		t.Error("second channel should be unordered")
	}
	if offers != 1 {
		t.Errorf("offers = %d, want 1", offers)
	}
}

func TestHandler_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	h := newTestHandler(t)

	err := h.AddRemoteCandidate(domain.ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 192.168.1.20 50000 typ host",
		SDPMid:    "0",
	})
	if err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if len(h.pendingCandidates) != 1 {
		t.Errorf("pending = %d, want 1", len(h.pendingCandidates))
	}
}
