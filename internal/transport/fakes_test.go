package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
)

// fakeHandler records calls and detects overlapping add/remove calls.
type fakeHandler struct {
	mu    sync.Mutex
	calls []string

	inFlight   atomic.Int32
	overlapped atomic.Bool

	delay               time.Duration
	negotiate           bool
	renegotiateOnRemove bool
	addSenderErr        error
	entered             chan string
	release             chan struct{}
	removed             chan string
	removeErrs          chan error
	remoteSDPs          []string
	closeCount          atomic.Int32
	channel             *fakeChannel

	onState       func(domain.ConnectionState)
	onNegotiation NegotiationFunc
	onUpdate      func(domain.LocalParameters)
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		entered:    make(chan string, 16),
		removed:    make(chan string, 16),
		removeErrs: make(chan error, 16),
	}
}

func (h *fakeHandler) enter(call string) func() {
	if h.inFlight.Add(1) > 1 {
		h.overlapped.Store(true)
	}
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
	select {
	case h.entered <- call:
	default:
	}
	return func() { h.inFlight.Add(-1) }
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *fakeHandler) work(ctx context.Context) error {
	if h.release != nil {
		<-h.release
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if !h.negotiate {
		return nil
	}
	return h.offer(ctx)
}

// offer runs one negotiation round through the transport.
func (h *fakeHandler) offer(ctx context.Context) error {
	result := make(chan error, 1)
	h.onNegotiation(ctx, domain.LocalParameters{Type: "offer", SDP: "offer"},
		func(remote domain.RemoteParameters) {
			h.mu.Lock()
			h.remoteSDPs = append(h.remoteSDPs, remote.SDP)
			h.mu.Unlock()
			result <- nil
		},
		func(err error) { result <- err },
	)
	return <-result
}

func (h *fakeHandler) AddSender(ctx context.Context, sender *endpoint.Sender) (domain.RTPParameters, error) {
	defer h.enter("addSender:" + sender.ID())()
	if err := h.work(ctx); err != nil {
		return domain.RTPParameters{}, err
	}
	if h.addSenderErr != nil {
		return domain.RTPParameters{}, h.addSenderErr
	}
	return domain.RTPParameters{
		MID:    "0",
		Codecs: []domain.Codec{{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000}},
	}, nil
}

func (h *fakeHandler) RemoveSender(ctx context.Context, sender *endpoint.Sender) error {
	defer h.enter("removeSender:" + sender.ID())()
	h.removed <- sender.ID()
	return h.afterRemove(ctx)
}

func (h *fakeHandler) afterRemove(ctx context.Context) error {
	if !h.renegotiateOnRemove {
		return nil
	}
	err := h.offer(ctx)
	h.removeErrs <- err
	return err
}

func (h *fakeHandler) AddReceiver(ctx context.Context, receiver *endpoint.Receiver) (*pion.RTPReceiver, error) {
	defer h.enter("addReceiver:" + receiver.ID())()
	if err := h.work(ctx); err != nil {
		return nil, err
	}
	return &pion.RTPReceiver{}, nil
}

func (h *fakeHandler) RemoveReceiver(ctx context.Context, receiver *endpoint.Receiver) error {
	defer h.enter("removeReceiver:" + receiver.ID())()
	h.removed <- receiver.ID()
	return h.afterRemove(ctx)
}

func (h *fakeHandler) AddDataChannel(_ context.Context, opts domain.DataProducerOptions) (endpoint.DataChannel, domain.SCTPStreamParameters, error) {
	defer h.enter("addDataChannel:" + opts.Label)()
	h.channel = &fakeChannel{label: opts.Label}
	id := uint16(1)
	return h.channel, domain.SCTPStreamParameters{StreamID: &id, Ordered: opts.Ordered}, nil
}

func (h *fakeHandler) AddRemoteCandidate(domain.ICECandidate) error {
	defer h.enter("addRemoteCandidate")()
	return nil
}

func (h *fakeHandler) Close() error {
	h.closeCount.Add(1)
	return nil
}

func (h *fakeHandler) OnConnectionStateChange(f func(domain.ConnectionState)) { h.onState = f }
func (h *fakeHandler) OnNegotiationNeeded(f NegotiationFunc)                  { h.onNegotiation = f }
func (h *fakeHandler) OnParametersUpdateNeeded(f func(domain.LocalParameters)) {
	h.onUpdate = f
}

type message struct {
	method string
	data   any
}

// fakeSignaler records requests and notifications.
type fakeSignaler struct {
	mu       sync.Mutex
	requests []message
	notifies []message

	reject    map[string]error
	responses map[string]string
	hold      map[string]chan struct{}
	requested chan string
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		reject:    make(map[string]error),
		responses: make(map[string]string),
		hold:      make(map[string]chan struct{}),
		requested: make(chan string, 32),
	}
}

func (s *fakeSignaler) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	s.mu.Lock()
	s.requests = append(s.requests, message{method, data})
	rejectErr := s.reject[method]
	response := s.responses[method]
	hold := s.hold[method]
	s.mu.Unlock()

	s.requested <- method

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if rejectErr != nil {
		return nil, rejectErr
	}
	if response == "" {
		response = "{}"
	}
	return json.RawMessage(response), nil
}

func (s *fakeSignaler) setHold(method string, hold chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hold == nil {
		delete(s.hold, method)
		return
	}
	s.hold[method] = hold
}

func (s *fakeSignaler) Notify(method string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifies = append(s.notifies, message{method, data})
	return nil
}

func (s *fakeSignaler) requestsFor(method string) []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message
	for _, m := range s.requests {
		if m.method == method {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignaler) notifiesFor(method string) []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message
	for _, m := range s.notifies {
		if m.method == method {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignaler) notifyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifies)
}

type fakeChannel struct {
	label   string
	closed  atomic.Int32
	onClose func()
}

func (c *fakeChannel) Label() string                           { return c.label }
func (c *fakeChannel) Protocol() string                        { return "" }
func (c *fakeChannel) Send([]byte) error                       { return nil }
func (c *fakeChannel) Close() error                            { c.closed.Add(1); return nil }
func (c *fakeChannel) ReadyState() pion.DataChannelState       { return pion.DataChannelStateOpen }
func (c *fakeChannel) BufferedAmount() uint64                  { return 0 }
func (c *fakeChannel) BufferedAmountLowThreshold() uint64      { return 0 }
func (c *fakeChannel) SetBufferedAmountLowThreshold(uint64)    {}
func (c *fakeChannel) OnOpen(func())                           {}
func (c *fakeChannel) OnClose(f func())                        { c.onClose = f }
func (c *fakeChannel) OnError(func(error))                     {}
func (c *fakeChannel) OnBufferedAmountLow(func())              {}
func (c *fakeChannel) OnMessage(func(pion.DataChannelMessage)) {}

var h264Caps = domain.Capabilities{Codecs: []domain.CodecCapability{
	{Kind: domain.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000},
}}

func newTestTransport(t *testing.T, direction domain.Direction) (*Transport, *fakeHandler, *fakeSignaler) {
	t.Helper()
	handler := newFakeHandler()
	signaler := newFakeSignaler()
	tr, err := New(Options{
		Direction:    direction,
		Capabilities: h264Caps,
		AppData:      domain.AppData{"name": "test"},
		Handler:      handler,
		Signaler:     signaler,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, handler, signaler
}

func newTestSender(t *testing.T, appData domain.AppData) *endpoint.Sender {
	t.Helper()
	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", "peerlink")
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	return endpoint.NewSender(track, endpoint.SenderOptions{AppData: appData})
}

func newTestReceiver(id string, mime string, supported bool) *endpoint.Receiver {
	params := domain.RTPParameters{Codecs: []domain.Codec{{MimeType: mime, PayloadType: 102, ClockRate: 90000}}}
	return endpoint.NewReceiver(id, domain.MediaKindVideo, params, endpoint.ReceiverOptions{Supported: supported})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func receiveString(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func rejected(method string) error {
	return fmt.Errorf("%s: %w: forbidden", method, domain.ErrRemoteRejected)
}

var errHandler = errors.New("negotiation exploded")
