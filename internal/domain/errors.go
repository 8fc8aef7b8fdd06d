package domain

import "errors"

// Errors returned by transports and endpoint proxies. Callers match them
// with errors.Is; wrapped errors keep the underlying cause in the chain.
var (
	ErrWrongDirection          = errors.New("wrong transport direction")
	ErrWrongProxyType          = errors.New("wrong proxy type")
	ErrAlreadyHandled          = errors.New("proxy already handled")
	ErrAlreadyClosed           = errors.New("already closed")
	ErrUnsupportedCapabilities = errors.New("unsupported rtp capabilities")
	ErrHandlerFailure          = errors.New("handler failure")
	ErrRemoteRejected          = errors.New("remote rejected request")

	// ErrQueueStopped means the operation never ran: the transport was
	// closed before the command reached the front of its queue.
	ErrQueueStopped = errors.New("queue stopped")

	ErrInvalidState     = errors.New("invalid state")
	ErrAppDataImmutable = errors.New("app data already set")
)
