package endpoint

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/event"
)

// DataChannel is the subset of *webrtc.DataChannel a DataProducer relies on.
type DataChannel interface {
	Label() string
	Protocol() string
	Send(data []byte) error
	Close() error
	ReadyState() pion.DataChannelState
	BufferedAmount() uint64
	BufferedAmountLowThreshold() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnBufferedAmountLow(f func())
	OnMessage(f func(msg pion.DataChannelMessage))
}

var _ DataChannel = (*pion.DataChannel)(nil)

// DataProducer sends application data over a data channel of a send
// transport. It is created by the transport and is send-only.
type DataProducer struct {
	id      string
	channel DataChannel
	params  domain.SCTPStreamParameters
	appData domain.AppData
	log     logging.LeveledLogger

	mu     sync.Mutex
	closed bool
	opened bool

	onOpen              event.Listeners[struct{}]
	onError             event.Listeners[error]
	onClose             event.Listeners[domain.Originator]
	onBufferedAmountLow event.Listeners[struct{}]
	onTeardown          event.Listeners[domain.Originator]
}

// NewDataProducer wraps channel and starts relaying its events.
func NewDataProducer(id string, channel DataChannel, params domain.SCTPStreamParameters, appData domain.AppData, log logging.LeveledLogger) *DataProducer {
	d := &DataProducer{
		id:      id,
		channel: channel,
		params:  params,
		appData: appData,
		log:     log,
	}

	channel.OnOpen(func() {
		d.mu.Lock()
		d.opened = true
		d.mu.Unlock()
		d.onOpen.Emit(struct{}{})
	})
	channel.OnError(func(err error) {
		d.log.Errorf("data producer %s: channel error: %v", d.id, err)
		d.onError.Emit(err)
	})
	channel.OnClose(func() {
		d.closeWith(domain.OriginatorRemote, false)
	})
	channel.OnBufferedAmountLow(func() {
		d.onBufferedAmountLow.Emit(struct{}{})
	})
	channel.OnMessage(func(msg pion.DataChannelMessage) {
		d.log.Warnf("data producer %s: discarding %d byte inbound message, producers are send-only", d.id, len(msg.Data))
	})

	return d
}

func (d *DataProducer) ID() string {
	return d.id
}

func (d *DataProducer) AppData() domain.AppData {
	return d.appData
}

func (d *DataProducer) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *DataProducer) SCTPStreamParameters() domain.SCTPStreamParameters {
	return d.params
}

func (d *DataProducer) Label() string {
	return d.channel.Label()
}

func (d *DataProducer) Protocol() string {
	return d.channel.Protocol()
}

func (d *DataProducer) ReadyState() pion.DataChannelState {
	return d.channel.ReadyState()
}

func (d *DataProducer) BufferedAmount() uint64 {
	return d.channel.BufferedAmount()
}

func (d *DataProducer) BufferedAmountLowThreshold() uint64 {
	return d.channel.BufferedAmountLowThreshold()
}

func (d *DataProducer) SetBufferedAmountLowThreshold(threshold uint64) {
	d.channel.SetBufferedAmountLowThreshold(threshold)
}

// Send writes data to the channel.
func (d *DataProducer) Send(data []byte) error {
	if d.Closed() {
		return fmt.Errorf("data producer %s: %w", d.id, domain.ErrInvalidState)
	}
	return d.channel.Send(data)
}

// Close closes the channel and tells the owning transport.
func (d *DataProducer) Close() {
	d.closeWith(domain.OriginatorLocal, true)
}

// RemoteClose closes the channel without asking the remote to do the same.
func (d *DataProducer) RemoteClose() {
	d.closeWith(domain.OriginatorRemote, true)
}

// OnOpen subscribes to the open signal. If the channel is already open, cb
// runs right away instead, as it does for a pion data channel.
func (d *DataProducer) OnOpen(cb func()) (off func()) {
	d.mu.Lock()
	if !d.opened && d.channel.ReadyState() != pion.DataChannelStateOpen {
		defer d.mu.Unlock()
		return d.onOpen.On(func(struct{}) { cb() })
	}
	d.opened = true
	d.mu.Unlock()

	cb()
	return func() {}
}

func (d *DataProducer) OnError(cb func(error)) (off func()) {
	return d.onError.On(cb)
}

func (d *DataProducer) OnClose(cb func(domain.Originator)) (off func()) {
	return d.onClose.On(cb)
}

func (d *DataProducer) OnBufferedAmountLow(cb func()) (off func()) {
	return d.onBufferedAmountLow.On(func(struct{}) { cb() })
}

// OnTeardown is the internal close signal used by the owning transport.
func (d *DataProducer) OnTeardown(cb func(domain.Originator)) (off func()) {
	return d.onTeardown.On(cb)
}

func (d *DataProducer) closeWith(originator domain.Originator, closeChannel bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if closeChannel {
		if err := d.channel.Close(); err != nil {
			d.log.Warnf("data producer %s: close channel: %v", d.id, err)
		}
	}

	d.onTeardown.Emit(originator)
	d.onClose.Emit(originator)

	d.onOpen.Clear()
	d.onError.Clear()
	d.onClose.Clear()
	d.onBufferedAmountLow.Clear()
	d.onTeardown.Clear()
}
