package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
	"peerlink/native/internal/transport"
)

// mockHandler accepts every operation without negotiating.
type mockHandler struct {
	mu         sync.Mutex
	candidates []domain.ICECandidate
	receivers  int
	closed     bool
	closeErr   error
}

func (m *mockHandler) AddSender(context.Context, *endpoint.Sender) (domain.RTPParameters, error) {
	return domain.RTPParameters{MID: "0"}, nil
}
func (m *mockHandler) RemoveSender(context.Context, *endpoint.Sender) error { return nil }
func (m *mockHandler) AddReceiver(context.Context, *endpoint.Receiver) (*pion.RTPReceiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers++
	return &pion.RTPReceiver{}, nil
}
func (m *mockHandler) RemoveReceiver(context.Context, *endpoint.Receiver) error { return nil }
func (m *mockHandler) AddDataChannel(context.Context, domain.DataProducerOptions) (endpoint.DataChannel, domain.SCTPStreamParameters, error) {
	return nil, domain.SCTPStreamParameters{}, nil
}
func (m *mockHandler) AddRemoteCandidate(c domain.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}
func (m *mockHandler) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}
func (m *mockHandler) OnConnectionStateChange(func(domain.ConnectionState))  {}
func (m *mockHandler) OnNegotiationNeeded(transport.NegotiationFunc)         {}
func (m *mockHandler) OnParametersUpdateNeeded(func(domain.LocalParameters)) {}

// mockSignaler acknowledges every request and records notifies.
type mockSignaler struct {
	mu       sync.Mutex
	requests []string
	notifies []string
}

func (m *mockSignaler) Request(_ context.Context, method string, _ any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, method)
	return json.RawMessage(`{}`), nil
}

func (m *mockSignaler) Notify(method string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifies = append(m.notifies, method)
	return nil
}

func (m *mockSignaler) notifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifies)
}

type fixture struct {
	session   *Session
	signaler  *mockSignaler
	handlers  map[domain.Direction]*mockHandler
	receivers []*endpoint.Receiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		signaler: &mockSignaler{},
		handlers: make(map[domain.Direction]*mockHandler),
	}
	f.session = New(Options{
		Capabilities: domain.Capabilities{Codecs: []domain.CodecCapability{
			{Kind: domain.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000},
		}},
		NewHandler: func(direction domain.Direction) (transport.Handler, error) {
			h := &mockHandler{}
			f.handlers[direction] = h
			return h, nil
		},
		OnReceiver: func(r *endpoint.Receiver) { f.receivers = append(f.receivers, r) },
	})
	f.session.SetSignaler(f.signaler)
	t.Cleanup(f.session.Close)
	return f
}

func notify(t *testing.T, s *Session, method string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.OnNotification(method, data)
}

func h264Sender(id string) domain.NewSenderNotification {
	return domain.NewSenderNotification{
		ID:   id,
		Kind: domain.MediaKindVideo,
		RTPParameters: domain.RTPParameters{Codecs: []domain.Codec{
			{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000},
		}},
		AppData: domain.AppData{"camera": "front"},
	}
}

func newH264Track(t *testing.T) *pion.TrackLocalStaticSample {
	t.Helper()
	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", "peerlink")
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	return track
}

func TestNewSender_ReceivesAndReports(t *testing.T) {
	f := newFixture(t)

	notify(t, f.session, domain.MethodNewSender, h264Sender("s1"))

	if len(f.receivers) != 1 {
		t.Fatalf("receivers reported = %d, want 1", len(f.receivers))
	}
	r := f.receivers[0]
	if r.ID() != "s1" || r.AppData()["camera"] != "front" {
		t.Errorf("receiver = %s %v", r.ID(), r.AppData())
	}
	if state, _ := r.Handled(); state != endpoint.Handled {
		t.Errorf("state = %s, want handled", state)
	}
	if f.handlers[domain.DirectionReceive].receivers != 1 {
		t.Error("receive handler not used")
	}
}

func TestNewSender_Unsupported(t *testing.T) {
	f := newFixture(t)
	n := h264Sender("s1")
	n.RTPParameters.Codecs[0].MimeType = "video/AV1"

	notify(t, f.session, domain.MethodNewSender, n)

	if len(f.receivers) != 0 {
		t.Errorf("unsupported sender reported")
	}
	if h := f.handlers[domain.DirectionReceive]; h == nil || h.receivers != 0 {
		t.Error("handler should exist and never be asked to receive")
	}
}

func TestRemoteSenderSignals(t *testing.T) {
	f := newFixture(t)
	notify(t, f.session, domain.MethodNewSender, h264Sender("s1"))
	r := f.receivers[0]

	notify(t, f.session, domain.MethodSenderPaused, domain.IDMessage{ID: "s1"})
	if !r.Paused() {
		t.Error("receiver not paused")
	}
	notify(t, f.session, domain.MethodSenderResumed, domain.IDMessage{ID: "s1"})
	if r.Paused() {
		t.Error("receiver not resumed")
	}
	notify(t, f.session, domain.MethodSenderClosed, domain.IDMessage{ID: "s1"})
	if !r.Closed() {
		t.Error("receiver not closed")
	}
	if n := f.signaler.notifyCount(); n != 0 {
		t.Errorf("remote signals echoed %d notifies", n)
	}
}

func TestRemoteReceiverSignals(t *testing.T) {
	f := newFixture(t)
	sender := endpoint.NewSender(newH264Track(t), endpoint.SenderOptions{})
	if err := f.session.Send(context.Background(), sender); err != nil {
		t.Fatalf("Send: %v", err)
	}

	notify(t, f.session, domain.MethodReceiverPaused, domain.IDMessage{ID: sender.ID()})
	if !sender.Paused() {
		t.Error("sender not paused")
	}
	notify(t, f.session, domain.MethodReceiverClosed, domain.IDMessage{ID: sender.ID()})
	if !sender.Closed() {
		t.Error("sender not closed")
	}
	if n := f.signaler.notifyCount(); n != 0 {
		t.Errorf("remote signals echoed %d notifies", n)
	}
}

func TestTransportCandidate(t *testing.T) {
	f := newFixture(t)
	notify(t, f.session, domain.MethodNewSender, h264Sender("s1"))
	tr := f.session.snapshot()[0]

	notify(t, f.session, domain.MethodTransportCandidate, domain.TransportCandidateNotification{
		TransportID: tr.ID(),
		Candidate:   domain.ICECandidate{Candidate: "candidate:1", SDPMid: "0"},
	})

	h := f.handlers[domain.DirectionReceive]
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.candidates) != 1 || h.candidates[0].Candidate != "candidate:1" {
		t.Errorf("candidates = %+v", h.candidates)
	}
}

func TestTransportClosed(t *testing.T) {
	f := newFixture(t)
	notify(t, f.session, domain.MethodNewSender, h264Sender("s1"))
	tr := f.session.snapshot()[0]

	var originator domain.Originator
	tr.OnClose(func(o domain.Originator) { originator = o })

	notify(t, f.session, domain.MethodTransportClosed, domain.IDMessage{ID: tr.ID()})

	if originator != domain.OriginatorRemote {
		t.Errorf("originator = %q, want remote", originator)
	}
	if f.session.Transport(tr.ID()) != nil {
		t.Error("closed transport still tracked")
	}
	if state, _ := f.receivers[0].Handled(); state != endpoint.Unhandled {
		t.Errorf("receiver state = %s, want unhandled", state)
	}

	// A new sender opens a fresh receive transport.
	notify(t, f.session, domain.MethodNewSender, h264Sender("s2"))
	if len(f.receivers) != 2 {
		t.Fatalf("receivers reported = %d, want 2", len(f.receivers))
	}
	if ts := f.session.snapshot(); len(ts) != 1 || ts[0] == tr {
		t.Error("expected a new receive transport")
	}
}

func TestUnknownNotificationIgnored(t *testing.T) {
	f := newFixture(t)

	f.session.OnNotification("somethingElse", json.RawMessage(`{}`))
	notify(t, f.session, domain.MethodSenderClosed, domain.IDMessage{ID: "nobody"})

	if len(f.session.snapshot()) != 0 {
		t.Error("no transport should have been created")
	}
}

func TestClose_ClosesTransports(t *testing.T) {
	f := newFixture(t)
	notify(t, f.session, domain.MethodNewSender, h264Sender("s1"))
	tr := f.session.snapshot()[0]

	f.session.Close()

	if !tr.Closed() {
		t.Error("transport not closed")
	}
	if !f.handlers[domain.DirectionReceive].closed {
		t.Error("handler not closed")
	}
	if err := f.session.Send(context.Background(), nil); err == nil {
		t.Error("expected error after close")
	}
}

func TestTransportFor_FailedCreateClosesHandler(t *testing.T) {
	var buf bytes.Buffer
	logs := &logging.DefaultLoggerFactory{
		Writer:          &buf,
		DefaultLogLevel: logging.LogLevelWarn,
		ScopeLevels:     map[string]logging.LogLevel{},
	}
	handler := &mockHandler{closeErr: errors.New("boom")}
	s := New(Options{
		NewHandler:    func(domain.Direction) (transport.Handler, error) { return handler, nil },
		LoggerFactory: logs,
	})
	s.SetSignaler(&mockSignaler{})
	t.Cleanup(s.Close)

	if _, err := s.transportFor(domain.Direction("sideways")); err == nil {
		t.Fatal("expected error for an invalid direction")
	}
	if !handler.closed {
		t.Error("handler not closed after transport creation failed")
	}
	if !strings.Contains(buf.String(), "close sideways handler: boom") {
		t.Errorf("log = %q, want the handler close error", buf.String())
	}
	if len(s.snapshot()) != 0 {
		t.Error("failed transport was registered")
	}
}
