// Package signal is the WebSocket signaling channel to the remote peer. It
// carries requests that expect a response and fire-and-forget notifications
// in both directions.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/queue"
)

const (
	writeTimeout = 5 * time.Second

	notificationTask = "notification"
)

// message is the WebSocket message envelope. Exactly one of Request,
// Response and Notification is set.
type message struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint64          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

type outgoingRequest struct {
	Request bool   `json:"request"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Data    any    `json:"data,omitempty"`
}

type outgoingResponse struct {
	Response    bool   `json:"response"`
	ID          uint64 `json:"id"`
	OK          bool   `json:"ok"`
	ErrorReason string `json:"errorReason,omitempty"`
}

type outgoingNotification struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	method string
	done   chan result
}

// Options configure Dial.
type Options struct {
	URL           string
	AccessToken   string
	PingInterval  time.Duration
	Handler       domain.NotificationHandler
	LoggerFactory logging.LoggerFactory
	Dialer        *websocket.Dialer
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn          *websocket.Conn
	handler       domain.NotificationHandler
	log           logging.LeveledLogger
	pingInterval  time.Duration
	notifications *queue.Queue

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

var _ domain.Signaler = (*Client)(nil)

// Dial connects to the signaling server. Nothing is read from the
// connection until Start is called, so the notification handler can be
// completed in between.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+opts.AccessToken)
	}

	log := opts.LoggerFactory.NewLogger("signal")
	log.Infof("connecting to %s", opts.URL)

	conn, _, err := opts.Dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		conn:          conn,
		handler:       opts.Handler,
		log:           log,
		pingInterval:  opts.PingInterval,
		notifications: queue.New(),
		pending:       make(map[uint64]*pendingRequest),
		closed:        make(chan struct{}),
	}
	c.notifications.Handle(notificationTask, c.dispatchNotification)

	return c, nil
}

// Start runs the read and ping loops. Responses to requests are only
// delivered once the client is started. Calling Start again does nothing.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
		if c.pingInterval > 0 {
			go c.pingLoop()
		}
	})
}

// Request sends a request and waits for its response. A negative response
// is returned as domain.ErrRemoteRejected carrying the remote reason.
func (c *Client) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	p := &pendingRequest{method: method, done: make(chan result, 1)}
	id := c.nextID.Add(1)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, domain.ErrAlreadyClosed)
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(outgoingRequest{Request: true, ID: id, Method: method, Data: data}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case r := <-p.done:
		return r.data, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify sends a notification without waiting for anything.
func (c *Client) Notify(method string, data any) error {
	if c.isClosed() {
		return fmt.Errorf("%s: %w", method, domain.ErrAlreadyClosed)
	}
	if err := c.write(outgoingNotification{Notification: true, Method: method, Data: data}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close shuts down the WebSocket connection and fails every pending request
// with domain.ErrAlreadyClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		pending := c.pending
		c.pending = make(map[uint64]*pendingRequest)
		c.mu.Unlock()

		for _, p := range pending {
			p.done <- result{err: fmt.Errorf("%s: %w", p.method, domain.ErrAlreadyClosed)}
		}

		c.notifications.Close()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.log.Tracef(">>> %s", data)
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Warnf("read error: %v", err)
			}
			return
		}

		c.log.Tracef("<<< %s", data)

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg message) {
	switch {
	case msg.Response:
		c.mu.Lock()
		p, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("response for unknown request %d", msg.ID)
			return
		}

		if !msg.OK {
			p.done <- result{err: fmt.Errorf("%s: %w: %s", p.method, domain.ErrRemoteRejected, msg.ErrorReason)}
			return
		}
		p.done <- result{data: msg.Data}

	case msg.Request:
		c.log.Warnf("rejecting unsupported request %s", msg.Method)
		err := c.write(outgoingResponse{Response: true, ID: msg.ID, OK: false, ErrorReason: "unsupported request " + msg.Method})
		if err != nil {
			c.log.Warnf("answer request %d: %v", msg.ID, err)
		}

	case msg.Notification:
		// Handlers may issue requests, so they run off the read loop, in
		// arrival order.
		c.notifications.Push(context.Background(), notificationTask, msg)

	default:
		c.log.Warnf("unrecognized message %q", msg.Method)
	}
}

func (c *Client) dispatchNotification(_ context.Context, payload any) (any, error) {
	msg := payload.(message)
	if c.handler == nil {
		c.log.Debugf("ignoring notification %s", msg.Method)
		return nil, nil
	}
	c.handler.OnNotification(msg.Method, msg.Data)
	return nil, nil
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				if !c.isClosed() && !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Warnf("ping error: %v", err)
				}
				return
			}
		}
	}
}
