// Package session ties transports to the signaling channel: it creates the
// send and receive transports and applies notifications from the remote
// peer to them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
	"peerlink/native/internal/transport"
)

const defaultRequestTimeout = 15 * time.Second

// HandlerFactory creates the Handler for a new transport.
type HandlerFactory func(direction domain.Direction) (transport.Handler, error)

// Options configure a Session.
type Options struct {
	Capabilities   domain.Capabilities
	NewHandler     HandlerFactory
	LoggerFactory  logging.LoggerFactory
	Metrics        *transport.Metrics
	RequestTimeout time.Duration
	// OnReceiver is called for every remote sender that was received.
	OnReceiver func(*endpoint.Receiver)
}

// Session coordinates the transports of one room.
// It implements domain.NotificationHandler.
type Session struct {
	signal         domain.Signaler
	caps           domain.Capabilities
	newHandler     HandlerFactory
	loggerFactory  logging.LoggerFactory
	log            logging.LeveledLogger
	metrics        *transport.Metrics
	requestTimeout time.Duration
	onReceiver     func(*endpoint.Receiver)

	mu         sync.Mutex
	closed     bool
	transports map[string]*transport.Transport
	byDir      map[domain.Direction]*transport.Transport
}

var _ domain.NotificationHandler = (*Session)(nil)

// New creates a Session. Call SetSignaler before use to complete the
// circular dependency.
func New(opts Options) *Session {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Session{
		caps:           opts.Capabilities,
		newHandler:     opts.NewHandler,
		loggerFactory:  opts.LoggerFactory,
		log:            opts.LoggerFactory.NewLogger("session"),
		metrics:        opts.Metrics,
		requestTimeout: opts.RequestTimeout,
		onReceiver:     opts.OnReceiver,
		transports:     make(map[string]*transport.Transport),
		byDir:          make(map[domain.Direction]*transport.Transport),
	}
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Session needs Signaler, Signal needs Session). It must
// run before the signaler starts delivering notifications.
func (s *Session) SetSignaler(sig domain.Signaler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = sig
}

// Transport returns the open transport with id, or nil.
func (s *Session) Transport(id string) *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[id]
}

// transportFor returns the open transport for direction, creating it on
// first use.
func (s *Session) transportFor(direction domain.Direction) (*transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session: %w", domain.ErrAlreadyClosed)
	}
	if t, ok := s.byDir[direction]; ok {
		return t, nil
	}
	if s.signal == nil || s.newHandler == nil {
		return nil, errors.New("session: signaler and handler factory are required")
	}

	handler, err := s.newHandler(direction)
	if err != nil {
		return nil, fmt.Errorf("create %s handler: %w", direction, err)
	}
	t, err := transport.New(transport.Options{
		Direction:     direction,
		Capabilities:  s.caps,
		Handler:       handler,
		Signaler:      s.signal,
		LoggerFactory: s.loggerFactory,
		Metrics:       s.metrics,
	})
	if err != nil {
		if closeErr := handler.Close(); closeErr != nil {
			s.log.Warnf("close %s handler: %v", direction, closeErr)
		}
		return nil, err
	}

	t.OnClosing(func() { s.forget(t) })
	s.transports[t.ID()] = t
	s.byDir[direction] = t
	s.log.Infof("%s transport %s created", direction, t.ID())
	return t, nil
}

func (s *Session) forget(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transports, t.ID())
	if s.byDir[t.Direction()] == t {
		delete(s.byDir, t.Direction())
	}
}

// Send attaches sender to the send transport.
func (s *Session) Send(ctx context.Context, sender *endpoint.Sender) error {
	t, err := s.transportFor(domain.DirectionSend)
	if err != nil {
		return err
	}
	return t.Send(ctx, sender)
}

// ProduceData opens a data producer on the send transport.
func (s *Session) ProduceData(ctx context.Context, opts domain.DataProducerOptions) (*endpoint.DataProducer, error) {
	t, err := s.transportFor(domain.DirectionSend)
	if err != nil {
		return nil, err
	}
	return t.ProduceData(ctx, opts)
}

// Close closes every transport, waiting up to the request timeout for the
// remote peer to acknowledge. The session cannot be reused.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.CloseContext(ctx); err != nil {
		s.log.Warnf("close: %v", err)
	}
}

// CloseContext closes every transport concurrently and returns once each
// closeTransport request was answered or ctx is done. Close the signaler
// only after it returns.
func (s *Session) CloseContext(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	transports := make([]*transport.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, t := range transports {
		t := t
		g.Go(func() error {
			return t.CloseContext(ctx)
		})
	}
	return g.Wait()
}

func (s *Session) snapshot() []*transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	return out
}

func (s *Session) findSender(id string) *endpoint.Sender {
	for _, t := range s.snapshot() {
		if sender := t.Sender(id); sender != nil {
			return sender
		}
	}
	return nil
}

func (s *Session) findReceiver(id string) *endpoint.Receiver {
	for _, t := range s.snapshot() {
		if receiver := t.Receiver(id); receiver != nil {
			return receiver
		}
	}
	return nil
}

// OnNotification applies a notification from the remote peer.
func (s *Session) OnNotification(method string, data json.RawMessage) {
	var err error
	switch method {
	case domain.MethodNewSender:
		err = s.onNewSender(data)
	case domain.MethodTransportClosed:
		err = s.onTransportClosed(data)
	case domain.MethodTransportCandidate:
		err = s.onTransportCandidate(data)
	case domain.MethodSenderClosed, domain.MethodSenderPaused, domain.MethodSenderResumed:
		err = s.onRemoteSenderSignal(method, data)
	case domain.MethodReceiverClosed, domain.MethodReceiverPaused, domain.MethodReceiverResumed:
		err = s.onRemoteReceiverSignal(method, data)
	default:
		s.log.Debugf("ignoring notification %s", method)
		return
	}
	if err != nil {
		s.log.Warnf("%s: %v", method, err)
	}
}

func (s *Session) onNewSender(data json.RawMessage) error {
	var n domain.NewSenderNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	t, err := s.transportFor(domain.DirectionReceive)
	if err != nil {
		return err
	}

	receiver := endpoint.NewReceiver(n.ID, n.Kind, n.RTPParameters, endpoint.ReceiverOptions{
		AppData:   n.AppData,
		Supported: s.caps.CanReceive(n.RTPParameters),
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := t.Receive(ctx, receiver); err != nil {
		return fmt.Errorf("receive %s: %w", n.ID, err)
	}

	s.log.Infof("receiving %s sender %s", n.Kind, n.ID)
	if s.onReceiver != nil {
		s.onReceiver(receiver)
	}
	return nil
}

func (s *Session) onTransportClosed(data json.RawMessage) error {
	var m domain.IDMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	t := s.Transport(m.ID)
	if t == nil {
		return fmt.Errorf("unknown transport %s", m.ID)
	}
	t.RemoteClose()
	return nil
}

func (s *Session) onTransportCandidate(data json.RawMessage) error {
	var n domain.TransportCandidateNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	t := s.Transport(n.TransportID)
	if t == nil {
		return fmt.Errorf("unknown transport %s", n.TransportID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	return t.AddRemoteCandidate(ctx, n.Candidate)
}

// onRemoteSenderSignal mirrors a remote sender's state onto the local
// receiver fed by it.
func (s *Session) onRemoteSenderSignal(method string, data json.RawMessage) error {
	var m domain.IDMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	receiver := s.findReceiver(m.ID)
	if receiver == nil {
		return fmt.Errorf("unknown receiver %s", m.ID)
	}

	switch method {
	case domain.MethodSenderClosed:
		receiver.RemoteClose()
	case domain.MethodSenderPaused:
		receiver.RemotePause()
	case domain.MethodSenderResumed:
		receiver.RemoteResume()
	}
	return nil
}

// onRemoteReceiverSignal mirrors a remote receiver's state onto the local
// sender feeding it.
func (s *Session) onRemoteReceiverSignal(method string, data json.RawMessage) error {
	var m domain.IDMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	sender := s.findSender(m.ID)
	if sender == nil {
		return fmt.Errorf("unknown sender %s", m.ID)
	}

	switch method {
	case domain.MethodReceiverClosed:
		sender.RemoteClose()
	case domain.MethodReceiverPaused:
		sender.RemotePause()
	case domain.MethodReceiverResumed:
		sender.RemoteResume()
	}
	return nil
}
