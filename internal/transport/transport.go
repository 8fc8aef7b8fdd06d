// Package transport coordinates the senders, receivers and data producers
// multiplexed over one connection to a remote peer.
//
// Every operation that mutates the Handler runs as a command on the
// transport's queue, so the Handler never sees two add or remove calls at
// once. Attaching a proxy is a two-phase protocol: the Handler negotiates
// locally, the remote peer acknowledges with a request, and only then is the
// proxy committed to the registry. Any failure in between rolls the proxy
// back to unhandled.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
	"peerlink/native/internal/event"
	"peerlink/native/internal/queue"
)

const (
	// closeRequestTimeout bounds the closeTransport request sent by Close.
	closeRequestTimeout = 10 * time.Second
	// detachTimeout bounds releasing a proxy from the handler, including the
	// renegotiation that may follow.
	detachTimeout = 10 * time.Second
)

// Queue command names.
const (
	cmdAddSender          = "addSender"
	cmdRemoveSender       = "removeSender"
	cmdAddReceiver        = "addReceiver"
	cmdRemoveReceiver     = "removeReceiver"
	cmdAddDataProducer    = "addDataProducer"
	cmdAddRemoteCandidate = "addRemoteCandidate"
)

// Options configure a new Transport.
type Options struct {
	Direction     domain.Direction
	Capabilities  domain.Capabilities
	AppData       domain.AppData
	Handler       Handler
	Signaler      domain.Signaler
	LoggerFactory logging.LoggerFactory
	Metrics       *Metrics
}

// Transport owns a Handler, the command queue protecting it and the
// registries of attached proxies.
type Transport struct {
	id        string
	direction domain.Direction
	caps      domain.Capabilities
	appData   domain.AppData
	handler   Handler
	signaler  domain.Signaler
	queue     *queue.Queue
	log       logging.LeveledLogger
	metrics   *Metrics

	detachTimeout time.Duration

	mu              sync.Mutex
	closed          bool
	connectionState domain.ConnectionState
	remoteCreated   bool
	senders         map[string]*registration[*endpoint.Sender]
	receivers       map[string]*registration[*endpoint.Receiver]
	dataProducers   map[string]*registration[*endpoint.DataProducer]

	onConnectionStateChange event.Listeners[domain.ConnectionState]
	onClosing               event.Listeners[struct{}]
	onClose                 event.Listeners[domain.Originator]
}

// registration is a registry entry plus the listeners the transport
// attached to the proxy.
type registration[P any] struct {
	proxy P
	offs  []func()
}

func (r *registration[P]) unsubscribe() {
	for _, off := range r.offs {
		off()
	}
	r.offs = nil
}

// New creates a transport and subscribes to its handler's signals.
func New(opts Options) (*Transport, error) {
	if opts.Direction != domain.DirectionSend && opts.Direction != domain.DirectionReceive {
		return nil, fmt.Errorf("invalid direction %q", opts.Direction)
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Signaler == nil {
		return nil, errors.New("signaler is required")
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	t := &Transport{
		id:              uuid.NewString(),
		direction:       opts.Direction,
		caps:            opts.Capabilities,
		appData:         opts.AppData,
		handler:         opts.Handler,
		signaler:        opts.Signaler,
		queue:           queue.New(),
		log:             opts.LoggerFactory.NewLogger("transport"),
		metrics:         opts.Metrics,
		detachTimeout:   detachTimeout,
		connectionState: domain.ConnectionStateNew,
		senders:         make(map[string]*registration[*endpoint.Sender]),
		receivers:       make(map[string]*registration[*endpoint.Receiver]),
		dataProducers:   make(map[string]*registration[*endpoint.DataProducer]),
	}

	t.command(cmdAddSender, t.execAddSender)
	t.command(cmdRemoveSender, t.execRemoveSender)
	t.command(cmdAddReceiver, t.execAddReceiver)
	t.command(cmdRemoveReceiver, t.execRemoveReceiver)
	t.command(cmdAddDataProducer, t.execAddDataProducer)
	t.command(cmdAddRemoteCandidate, t.execAddRemoteCandidate)

	t.handler.OnConnectionStateChange(t.handleConnectionStateChange)
	t.handler.OnNegotiationNeeded(t.handleNegotiationNeeded)
	t.handler.OnParametersUpdateNeeded(t.handleParametersUpdateNeeded)

	t.log.Debugf("transport %s: created, direction %s", t.id, t.direction)
	return t, nil
}

func (t *Transport) command(method string, fn queue.HandlerFunc) {
	t.queue.Handle(method, func(ctx context.Context, payload any) (any, error) {
		t.metrics.Commands.With("method", method).Add(1)
		result, err := fn(ctx, payload)
		if err != nil {
			t.metrics.CommandFailures.With("method", method).Add(1)
		}
		return result, err
	})
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Direction() domain.Direction {
	return t.direction
}

func (t *Transport) AppData() domain.AppData {
	return t.appData
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) ConnectionState() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionState
}

// Sender returns the registered sender with id, or nil.
func (t *Transport) Sender(id string) *endpoint.Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reg, ok := t.senders[id]; ok {
		return reg.proxy
	}
	return nil
}

// Receiver returns the registered receiver with id, or nil.
func (t *Transport) Receiver(id string) *endpoint.Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reg, ok := t.receivers[id]; ok {
		return reg.proxy
	}
	return nil
}

// DataProducer returns the registered data producer with id, or nil.
func (t *Transport) DataProducer(id string) *endpoint.DataProducer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reg, ok := t.dataProducers[id]; ok {
		return reg.proxy
	}
	return nil
}

// Senders returns a snapshot of the registered senders.
func (t *Transport) Senders() []*endpoint.Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	senders := make([]*endpoint.Sender, 0, len(t.senders))
	for _, reg := range t.senders {
		senders = append(senders, reg.proxy)
	}
	return senders
}

// Receivers returns a snapshot of the registered receivers.
func (t *Transport) Receivers() []*endpoint.Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	receivers := make([]*endpoint.Receiver, 0, len(t.receivers))
	for _, reg := range t.receivers {
		receivers = append(receivers, reg.proxy)
	}
	return receivers
}

// OnConnectionStateChange subscribes to connection state changes.
func (t *Transport) OnConnectionStateChange(cb func(domain.ConnectionState)) (off func()) {
	return t.onConnectionStateChange.On(cb)
}

// OnClosing subscribes to the internal signal fired before OnClose, used by
// the transport's owner to drop its reference.
func (t *Transport) OnClosing(cb func()) (off func()) {
	return t.onClosing.On(func(struct{}) { cb() })
}

// OnClose subscribes to the close signal.
func (t *Transport) OnClose(cb func(domain.Originator)) (off func()) {
	return t.onClose.On(cb)
}

// Close closes the transport and asks the remote peer to close its mirror,
// waiting up to closeRequestTimeout for the answer. Calling Close on a closed
// transport does nothing.
func (t *Transport) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
	defer cancel()
	_ = t.CloseContext(ctx)
}

// CloseContext is Close with the closeTransport request bound to ctx. Local
// teardown does not wait for the remote peer; the returned error only
// reports a failed closeTransport request.
func (t *Transport) CloseContext(ctx context.Context) error {
	if !t.markClosed() {
		return nil
	}
	t.log.Debugf("transport %s: close", t.id)

	done := make(chan error, 1)
	go func() {
		_, err := t.signaler.Request(ctx, domain.MethodCloseTransport, domain.IDMessage{ID: t.id})
		done <- err
	}()

	t.finishClose(domain.OriginatorLocal)

	if err := <-done; err != nil {
		t.log.Warnf("transport %s: %s request failed: %v", t.id, domain.MethodCloseTransport, err)
		return fmt.Errorf("transport %s: %s: %w", t.id, domain.MethodCloseTransport, err)
	}
	return nil
}

// RemoteClose closes the transport because the remote peer closed its mirror.
func (t *Transport) RemoteClose() {
	if !t.markClosed() {
		return
	}
	t.log.Debugf("transport %s: remote close", t.id)

	t.finishClose(domain.OriginatorRemote)
}

func (t *Transport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

func (t *Transport) finishClose(originator domain.Originator) {
	t.onClosing.Emit(struct{}{})
	t.onClose.Emit(originator)
	t.destroy()

	t.onConnectionStateChange.Clear()
	t.onClosing.Clear()
	t.onClose.Clear()
}

// destroy stops the queue, closes the handler and force-unhandles every
// registered proxy without running its close protocol.
func (t *Transport) destroy() {
	t.queue.Close()

	if err := t.handler.Close(); err != nil {
		t.log.Warnf("transport %s: close handler: %v", t.id, err)
	}

	t.mu.Lock()
	senders, receivers, dataProducers := t.senders, t.receivers, t.dataProducers
	t.senders = make(map[string]*registration[*endpoint.Sender])
	t.receivers = make(map[string]*registration[*endpoint.Receiver])
	t.dataProducers = make(map[string]*registration[*endpoint.DataProducer])
	t.mu.Unlock()

	for _, reg := range senders {
		reg.unsubscribe()
		reg.proxy.MarkUnhandled(t.id)
	}
	for _, reg := range receivers {
		reg.unsubscribe()
		reg.proxy.MarkUnhandled(t.id)
	}
	for _, reg := range dataProducers {
		reg.unsubscribe()
	}

	t.metrics.Senders.Add(-float64(len(senders)))
	t.metrics.Receivers.Add(-float64(len(receivers)))
	t.metrics.DataProducers.Add(-float64(len(dataProducers)))
}

func (t *Transport) handleConnectionStateChange(state domain.ConnectionState) {
	// closed is only reached through Close or RemoteClose.
	if state == domain.ConnectionStateClosed {
		return
	}

	t.mu.Lock()
	if t.closed || state == t.connectionState {
		t.mu.Unlock()
		return
	}
	t.connectionState = state
	t.mu.Unlock()

	t.log.Infof("transport %s: connection state %s", t.id, state)
	t.metrics.ConnectionStates.With("state", string(state)).Add(1)
	t.onConnectionStateChange.Emit(state)
}

func (t *Transport) handleNegotiationNeeded(ctx context.Context, local domain.LocalParameters, ack func(domain.RemoteParameters), nack func(error)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		nack(fmt.Errorf("transport %s: %w", t.id, domain.ErrAlreadyClosed))
		return
	}
	created := t.remoteCreated
	t.mu.Unlock()

	method := domain.MethodNegotiateTransport
	var data any = domain.NegotiateTransportRequest{ID: t.id, Local: local}
	if !created {
		method = domain.MethodCreateTransport
		data = domain.CreateTransportRequest{
			ID:        t.id,
			Direction: t.direction,
			AppData:   t.appData,
			Local:     local,
		}
	}

	raw, err := t.signaler.Request(ctx, method, data)
	if err != nil {
		nack(fmt.Errorf("%s: %w", method, err))
		return
	}

	var remote domain.RemoteParameters
	if err := json.Unmarshal(raw, &remote); err != nil {
		nack(fmt.Errorf("%s: decode remote parameters: %w", method, err))
		return
	}

	t.mu.Lock()
	t.remoteCreated = true
	t.mu.Unlock()

	ack(remote)
}

func (t *Transport) handleParametersUpdateNeeded(local domain.LocalParameters) {
	if t.Closed() {
		return
	}
	t.notify(domain.MethodUpdateTransport, domain.UpdateTransportNotification{ID: t.id, Local: local})
}

// notify sends a fire-and-forget message; failures only get logged.
func (t *Transport) notify(method string, data any) {
	if err := t.signaler.Notify(method, data); err != nil {
		t.log.Warnf("transport %s: %s notify failed: %v", t.id, method, err)
	}
}
