package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
)

// Send attaches a sender to a send transport. It blocks until the remote peer
// acknowledged the sender or the attach failed; a cancelled ctx stops the
// wait and makes a not yet finished attach roll back.
func (t *Transport) Send(ctx context.Context, proxy endpoint.Proxy) error {
	if t.direction != domain.DirectionSend {
		return fmt.Errorf("send on %s transport: %w", t.direction, domain.ErrWrongDirection)
	}
	sender, ok := proxy.(*endpoint.Sender)
	if !ok || sender == nil {
		return fmt.Errorf("send %T: %w", proxy, domain.ErrWrongProxyType)
	}
	state, _ := sender.Handled()
	if err := t.checkAttachable(sender.ID(), sender.Closed(), state); err != nil {
		return err
	}

	_, err := t.queue.Push(ctx, cmdAddSender, sender).Wait(ctx)
	return err
}

// Receive attaches a receiver to a receive transport.
func (t *Transport) Receive(ctx context.Context, proxy endpoint.Proxy) error {
	if t.direction != domain.DirectionReceive {
		return fmt.Errorf("receive on %s transport: %w", t.direction, domain.ErrWrongDirection)
	}
	receiver, ok := proxy.(*endpoint.Receiver)
	if !ok || receiver == nil {
		return fmt.Errorf("receive %T: %w", proxy, domain.ErrWrongProxyType)
	}
	state, _ := receiver.Handled()
	if err := t.checkAttachable(receiver.ID(), receiver.Closed(), state); err != nil {
		return err
	}
	if err := t.checkReceivable(receiver); err != nil {
		return err
	}

	_, err := t.queue.Push(ctx, cmdAddReceiver, receiver).Wait(ctx)
	return err
}

// ProduceData opens a data channel on a send transport and returns its
// producer once the remote peer acknowledged it.
func (t *Transport) ProduceData(ctx context.Context, opts domain.DataProducerOptions) (*endpoint.DataProducer, error) {
	if t.direction != domain.DirectionSend {
		return nil, fmt.Errorf("produce data on %s transport: %w", t.direction, domain.ErrWrongDirection)
	}
	if t.Closed() {
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrAlreadyClosed)
	}

	result, err := t.queue.Push(ctx, cmdAddDataProducer, opts).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*endpoint.DataProducer), nil
}

// AddRemoteCandidate hands a trickled remote ICE candidate to the handler.
func (t *Transport) AddRemoteCandidate(ctx context.Context, candidate domain.ICECandidate) error {
	_, err := t.queue.Push(ctx, cmdAddRemoteCandidate, candidate).Wait(ctx)
	return err
}

// stopped rejects a command that was dequeued just as the transport closed.
func (t *Transport) stopped(method string) error {
	if t.Closed() {
		return fmt.Errorf("%s: %w", method, domain.ErrQueueStopped)
	}
	return nil
}

func (t *Transport) checkAttachable(id string, closed bool, state endpoint.HandledState) error {
	if t.Closed() {
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrAlreadyClosed)
	}
	if closed {
		return fmt.Errorf("%s: %w", id, domain.ErrAlreadyClosed)
	}
	if state != endpoint.Unhandled {
		return fmt.Errorf("%s is %s: %w", id, state, domain.ErrAlreadyHandled)
	}
	return nil
}

func (t *Transport) checkReceivable(receiver *endpoint.Receiver) error {
	if !receiver.Supported() || !t.caps.CanReceive(receiver.RTPParameters()) {
		return fmt.Errorf("receiver %s: %w", receiver.ID(), domain.ErrUnsupportedCapabilities)
	}
	return nil
}

func (t *Transport) execAddSender(ctx context.Context, payload any) (any, error) {
	sender := payload.(*endpoint.Sender)

	if err := t.stopped(cmdAddSender); err != nil {
		return nil, err
	}
	if err := sender.MarkPending(t.id); err != nil {
		return nil, err
	}

	params, err := t.handler.AddSender(ctx, sender)
	if err != nil {
		sender.MarkUnhandled(t.id)
		return nil, fmt.Errorf("add sender %s: %w: %w", sender.ID(), domain.ErrHandlerFailure, err)
	}

	_, err = t.signaler.Request(ctx, domain.MethodCreateReceiver, domain.CreateReceiverRequest{
		ID:            sender.ID(),
		TransportID:   t.id,
		Kind:          sender.Kind(),
		RTPParameters: params,
		Paused:        sender.Paused(),
		AppData:       sender.AppData(),
	})
	if err != nil {
		sender.MarkUnhandled(t.id)
		t.releaseSender(ctx, sender)
		return nil, fmt.Errorf("add sender %s: %w", sender.ID(), err)
	}

	reg := &registration[*endpoint.Sender]{proxy: sender}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sender.MarkUnhandled(t.id)
		return nil, fmt.Errorf("add sender %s: transport %s: %w", sender.ID(), t.id, domain.ErrAlreadyClosed)
	}
	if err := sender.MarkHandled(t.id, params); err != nil {
		t.mu.Unlock()
		// The sender closed while pending; the remote mirror already exists.
		sender.MarkUnhandled(t.id)
		t.releaseSender(ctx, sender)
		if sender.ClosedBy() == domain.OriginatorLocal {
			t.notify(domain.MethodCloseReceiver, domain.IDMessage{ID: sender.ID()})
		}
		return nil, fmt.Errorf("add sender %s: %w", sender.ID(), err)
	}
	reg.offs = []func(){
		sender.OnClose(func(originator domain.Originator) { t.senderClosed(sender, originator) }),
		sender.OnPause(func(originator domain.Originator) {
			if originator == domain.OriginatorLocal {
				t.notify(domain.MethodPauseReceiver, domain.IDMessage{ID: sender.ID()})
			}
		}),
		sender.OnResume(func(originator domain.Originator) {
			if originator == domain.OriginatorLocal {
				t.notify(domain.MethodResumeReceiver, domain.IDMessage{ID: sender.ID()})
			}
		}),
	}
	t.senders[sender.ID()] = reg
	t.mu.Unlock()
	t.metrics.Senders.Add(1)

	// A close that fired before the listeners were attached was missed.
	if sender.Closed() {
		t.senderClosed(sender, sender.ClosedBy())
	}

	t.log.Debugf("transport %s: sender %s handled", t.id, sender.ID())
	return nil, nil
}

func (t *Transport) senderClosed(sender *endpoint.Sender, originator domain.Originator) {
	t.mu.Lock()
	reg, ok := t.senders[sender.ID()]
	if ok {
		delete(t.senders, sender.ID())
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	reg.unsubscribe()
	sender.MarkUnhandled(t.id)
	t.metrics.Senders.Add(-1)

	t.queue.Push(context.Background(), cmdRemoveSender, sender)

	if originator == domain.OriginatorLocal {
		t.notify(domain.MethodCloseReceiver, domain.IDMessage{ID: sender.ID()})
	}
}

func (t *Transport) execRemoveSender(ctx context.Context, payload any) (any, error) {
	t.releaseSender(ctx, payload.(*endpoint.Sender))
	return nil, nil
}

// detachContext bounds a handler release. It survives the caller's
// cancellation, and an unanswered renegotiation cannot stall the queue.
func (t *Transport) detachContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.detachTimeout)
}

func (t *Transport) releaseSender(ctx context.Context, sender *endpoint.Sender) {
	ctx, cancel := t.detachContext(ctx)
	defer cancel()
	if err := t.handler.RemoveSender(ctx, sender); err != nil {
		t.log.Warnf("transport %s: remove sender %s: %v", t.id, sender.ID(), err)
	}
}

func (t *Transport) execAddReceiver(ctx context.Context, payload any) (any, error) {
	receiver := payload.(*endpoint.Receiver)

	if err := t.stopped(cmdAddReceiver); err != nil {
		return nil, err
	}
	if err := t.checkReceivable(receiver); err != nil {
		return nil, err
	}
	if err := receiver.MarkPending(t.id); err != nil {
		return nil, err
	}

	track, err := t.handler.AddReceiver(ctx, receiver)
	if err != nil {
		receiver.MarkUnhandled(t.id)
		return nil, fmt.Errorf("add receiver %s: %w: %w", receiver.ID(), domain.ErrHandlerFailure, err)
	}

	_, err = t.signaler.Request(ctx, domain.MethodEnableSender, domain.EnableSenderRequest{
		ID:          receiver.ID(),
		TransportID: t.id,
		Paused:      receiver.Paused(),
		AppData:     receiver.AppData(),
	})
	if err != nil {
		receiver.MarkUnhandled(t.id)
		t.releaseReceiver(ctx, receiver)
		return nil, fmt.Errorf("add receiver %s: %w", receiver.ID(), err)
	}

	reg := &registration[*endpoint.Receiver]{proxy: receiver}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		receiver.MarkUnhandled(t.id)
		return nil, fmt.Errorf("add receiver %s: transport %s: %w", receiver.ID(), t.id, domain.ErrAlreadyClosed)
	}
	if err := receiver.MarkHandled(t.id, track); err != nil {
		t.mu.Unlock()
		receiver.MarkUnhandled(t.id)
		t.releaseReceiver(ctx, receiver)
		return nil, fmt.Errorf("add receiver %s: %w", receiver.ID(), err)
	}
	reg.offs = []func(){
		receiver.OnClose(func(domain.Originator) { t.receiverClosed(receiver) }),
		receiver.OnPause(func(originator domain.Originator) {
			if originator == domain.OriginatorLocal {
				t.notify(domain.MethodPauseSender, domain.IDMessage{ID: receiver.ID()})
			}
		}),
		receiver.OnResume(func(originator domain.Originator) {
			if originator == domain.OriginatorLocal {
				t.notify(domain.MethodResumeSender, domain.IDMessage{ID: receiver.ID()})
			}
		}),
	}
	t.receivers[receiver.ID()] = reg
	t.mu.Unlock()
	t.metrics.Receivers.Add(1)

	if receiver.Closed() {
		t.receiverClosed(receiver)
	}

	t.log.Debugf("transport %s: receiver %s handled", t.id, receiver.ID())
	return nil, nil
}

// receiverClosed never notifies the remote: a receiver closes in reaction
// to the remote side or to a local decision the remote need not mirror.
func (t *Transport) receiverClosed(receiver *endpoint.Receiver) {
	t.mu.Lock()
	reg, ok := t.receivers[receiver.ID()]
	if ok {
		delete(t.receivers, receiver.ID())
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	reg.unsubscribe()
	receiver.MarkUnhandled(t.id)
	t.metrics.Receivers.Add(-1)

	t.queue.Push(context.Background(), cmdRemoveReceiver, receiver)
}

func (t *Transport) execRemoveReceiver(ctx context.Context, payload any) (any, error) {
	t.releaseReceiver(ctx, payload.(*endpoint.Receiver))
	return nil, nil
}

func (t *Transport) releaseReceiver(ctx context.Context, receiver *endpoint.Receiver) {
	ctx, cancel := t.detachContext(ctx)
	defer cancel()
	if err := t.handler.RemoveReceiver(ctx, receiver); err != nil {
		t.log.Warnf("transport %s: remove receiver %s: %v", t.id, receiver.ID(), err)
	}
}

func (t *Transport) execAddDataProducer(ctx context.Context, payload any) (any, error) {
	opts := payload.(domain.DataProducerOptions)

	if err := t.stopped(cmdAddDataProducer); err != nil {
		return nil, err
	}
	channel, params, err := t.handler.AddDataChannel(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("add data producer %q: %w: %w", opts.Label, domain.ErrHandlerFailure, err)
	}

	id := uuid.NewString()
	_, err = t.signaler.Request(ctx, domain.MethodCreateDataReceiver, domain.CreateDataReceiverRequest{
		ID:                   id,
		TransportID:          t.id,
		Label:                opts.Label,
		Protocol:             opts.Protocol,
		SCTPStreamParameters: params,
		AppData:              opts.AppData,
	})
	if err != nil {
		t.closeChannel(channel)
		return nil, fmt.Errorf("add data producer %q: %w", opts.Label, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.closeChannel(channel)
		return nil, fmt.Errorf("add data producer %q: transport %s: %w", opts.Label, t.id, domain.ErrAlreadyClosed)
	}
	producer := endpoint.NewDataProducer(id, channel, params, opts.AppData, t.log)
	reg := &registration[*endpoint.DataProducer]{proxy: producer}
	reg.offs = []func(){
		producer.OnTeardown(func(originator domain.Originator) { t.dataProducerClosed(producer, originator) }),
	}
	t.dataProducers[id] = reg
	t.mu.Unlock()
	t.metrics.DataProducers.Add(1)

	t.log.Debugf("transport %s: data producer %s handled", t.id, id)
	return producer, nil
}

func (t *Transport) dataProducerClosed(producer *endpoint.DataProducer, originator domain.Originator) {
	t.mu.Lock()
	reg, ok := t.dataProducers[producer.ID()]
	if ok {
		delete(t.dataProducers, producer.ID())
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	reg.unsubscribe()
	t.metrics.DataProducers.Add(-1)

	if originator == domain.OriginatorLocal {
		t.notify(domain.MethodCloseDataReceiver, domain.IDMessage{ID: producer.ID()})
	}
}

func (t *Transport) closeChannel(channel endpoint.DataChannel) {
	if err := channel.Close(); err != nil {
		t.log.Warnf("transport %s: close data channel %q: %v", t.id, channel.Label(), err)
	}
}

func (t *Transport) execAddRemoteCandidate(_ context.Context, payload any) (any, error) {
	if err := t.handler.AddRemoteCandidate(payload.(domain.ICECandidate)); err != nil {
		return nil, fmt.Errorf("add remote candidate: %w: %w", domain.ErrHandlerFailure, err)
	}
	return nil, nil
}
