// Package endpoint contains the local handles for media and data flows that
// are attached to a transport: senders, receivers and data producers.
//
// A Sender or Receiver moves through three handled states. It starts
// Unhandled, becomes Pending while exactly one transport is attaching it, and
// Handled once the remote peer acknowledged the attach. The owning transport
// drives these transitions with MarkPending, MarkHandled and MarkUnhandled;
// every transition names the transport, so a proxy can never be claimed by
// two transports at once.
package endpoint

import (
	"fmt"
	"sync"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/event"
)

// Proxy is implemented by every endpoint handle.
type Proxy interface {
	ID() string
	Closed() bool
	AppData() domain.AppData
}

// HandledState is the attachment status of a proxy.
type HandledState int

const (
	Unhandled HandledState = iota
	Pending
	Handled
)

func (s HandledState) String() string {
	switch s {
	case Unhandled:
		return "unhandled"
	case Pending:
		return "pending"
	case Handled:
		return "handled"
	default:
		return fmt.Sprintf("HandledState(%d)", int(s))
	}
}

// media is the state shared by senders and receivers.
type media struct {
	id   string
	kind domain.MediaKind

	mu      sync.Mutex
	appData domain.AppData
	closed  bool
	closer  domain.Originator
	paused  bool
	handled HandledState
	owner   string

	onClose  event.Listeners[domain.Originator]
	onPause  event.Listeners[domain.Originator]
	onResume event.Listeners[domain.Originator]
}

func newMedia(id string, kind domain.MediaKind, appData domain.AppData, paused bool) media {
	return media{id: id, kind: kind, appData: appData, paused: paused}
}

func (m *media) ID() string {
	return m.id
}

func (m *media) Kind() domain.MediaKind {
	return m.kind
}

func (m *media) AppData() domain.AppData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appData
}

// SetAppData sets the application payload. Once set it cannot be replaced.
func (m *media) SetAppData(appData domain.AppData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appData != nil {
		return domain.ErrAppDataImmutable
	}
	m.appData = appData
	return nil
}

func (m *media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ClosedBy returns who closed the proxy, or "" while it is open.
func (m *media) ClosedBy() domain.Originator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closer
}

func (m *media) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Handled returns the attachment state and the id of the transport holding it.
func (m *media) Handled() (HandledState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled, m.owner
}

// MarkPending claims the proxy for transport owner. It fails if the proxy is
// closed or already pending or handled on any transport.
func (m *media) MarkPending(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%s: %w", m.id, domain.ErrAlreadyClosed)
	}
	if m.handled != Unhandled {
		return fmt.Errorf("%s is %s by transport %s: %w", m.id, m.handled, m.owner, domain.ErrAlreadyHandled)
	}
	m.handled = Pending
	m.owner = owner
	return nil
}

func (m *media) markHandled(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%s: mark handled: %w", m.id, domain.ErrAlreadyClosed)
	}
	if m.handled != Pending || m.owner != owner {
		return fmt.Errorf("%s: mark handled from %s by %s: %w", m.id, m.handled, owner, domain.ErrInvalidState)
	}
	m.handled = Handled
	return nil
}

// MarkUnhandled releases the proxy. It is a no-op unless owner holds it.
func (m *media) MarkUnhandled(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != owner {
		return
	}
	m.handled = Unhandled
	m.owner = ""
}

// OnClose subscribes to the close signal. The signal fires once.
func (m *media) OnClose(cb func(domain.Originator)) (off func()) {
	return m.onClose.On(cb)
}

func (m *media) OnPause(cb func(domain.Originator)) (off func()) {
	return m.onPause.On(cb)
}

func (m *media) OnResume(cb func(domain.Originator)) (off func()) {
	return m.onResume.On(cb)
}

func (m *media) close(originator domain.Originator) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.closed = true
	m.closer = originator
	m.mu.Unlock()

	m.onClose.Emit(originator)

	m.onClose.Clear()
	m.onPause.Clear()
	m.onResume.Clear()
	return true
}

func (m *media) setPaused(paused bool, originator domain.Originator) bool {
	m.mu.Lock()
	if m.closed || m.paused == paused {
		m.mu.Unlock()
		return false
	}
	m.paused = paused
	m.mu.Unlock()

	if paused {
		m.onPause.Emit(originator)
	} else {
		m.onResume.Emit(originator)
	}
	return true
}
