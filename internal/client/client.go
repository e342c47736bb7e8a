// Package client speaks the replmux WebSocket protocol: requests are
// correlated with their responses by id, and session pushes are routed to
// the subscription they belong to.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"replmux/internal/protocol"
	"replmux/internal/session"
)

const defaultDialTimeout = 10 * time.Second

var (
	// ErrDisconnected is returned by calls once the connection is gone.
	ErrDisconnected = errors.New("disconnected from server")

	// ErrUnauthorized is returned when the server rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Options configures Dial.
type Options struct {
	User     string
	Password string

	// DialTimeout bounds the whole dial, retries included.
	DialTimeout time.Duration

	Logger *zap.Logger
}

// Client is one connection to a replmux server. It is safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan protocol.ResponsePayload
	handlers map[string]pushHandler

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type pushHandler struct {
	sessionID uint64
	fn        func(session.Notification)
}

// Dial connects to endpoint, retrying with exponential backoff until
// opts.DialTimeout elapses. endpoint may be host:port or a ws/http URL.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	target, err := websocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	header := http.Header{}
	if opts.User != "" {
		req := &http.Request{Header: http.Header{}}
		req.SetBasicAuth(opts.User, opts.Password)
		header.Set("Authorization", req.Header.Get("Authorization"))
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = timeout
	bo.Reset()

	var conn *websocket.Conn
	dial := func() error {
		c, resp, err := dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(ErrUnauthorized)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("dial failed, retrying", zap.String("endpoint", target), zap.Error(err), zap.Duration("next", next))
	}
	if err := backoff.RetryNotify(dial, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan protocol.ResponsePayload),
		handlers: make(map[string]pushHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	logger.Debug("connected", zap.String("endpoint", target))
	return c, nil
}

// websocketURL normalizes an endpoint to the server's /ws URL.
func websocketURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Newf("endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection. Subscribers receive a closed notification.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown(ErrDisconnected)
	return err
}

func (c *Client) readLoop() {
	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection lost", zap.Error(err))
			}
			c.shutdown(errors.Mark(errors.Wrap(err, "read"), ErrDisconnected))
			return
		}

		switch msg.Type {
		case protocol.TypeResponse:
			c.deliverResponse(msg)
		case protocol.TypeSessionOutput:
			var p protocol.SessionOutputPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.logger.Warn("bad push payload", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			c.dispatch(p.SubscriptionID, session.Notification{
				SessionID: p.SessionID,
				Seq:       p.Seq,
				Text:      p.Text,
				Final:     p.Final,
				Timestamp: msg.Timestamp,
			})
		case protocol.TypeSessionClosed:
			var p protocol.SessionClosedPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.logger.Warn("bad push payload", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			// The server has dropped the subscription; so do we.
			c.mu.Lock()
			h, ok := c.handlers[p.SubscriptionID]
			delete(c.handlers, p.SubscriptionID)
			c.mu.Unlock()
			if ok {
				h.fn(session.Notification{
					SessionID: p.SessionID,
					Seq:       p.Seq,
					Text:      p.Text,
					Final:     p.Final,
					Closed:    true,
					Timestamp: msg.Timestamp,
				})
			}
		default:
			c.logger.Debug("ignoring message", zap.String("type", msg.Type))
		}
	}
}

func (c *Client) deliverResponse(msg protocol.Message) {
	var resp protocol.ResponsePayload
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		resp = protocol.ResponsePayload{Error: &protocol.ErrorPayload{
			Code:    protocol.ErrInternal,
			Message: "malformed response: " + err.Error(),
		}}
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", zap.String("id", msg.ID))
		return
	}
	ch <- resp
}

func (c *Client) dispatch(subscriptionID string, n session.Notification) {
	c.mu.Lock()
	h, ok := c.handlers[subscriptionID]
	c.mu.Unlock()

	if ok {
		h.fn(n)
	}
}

// shutdown ends the client once. Every live subscription receives a closed
// notification so that blocked readers observe the end of input.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		handlers := c.handlers
		c.handlers = make(map[string]pushHandler)
		c.mu.Unlock()

		for _, h := range handlers {
			h.fn(session.Notification{SessionID: h.sessionID, Closed: true, Timestamp: time.Now().UTC()})
		}
		close(c.done)
	})
}

// Call sends a request and waits for its response. When result is non-nil
// the response result is decoded into it.
func (c *Client) Call(ctx context.Context, msgType string, payload, result interface{}) error {
	id := uuid.NewString()
	ch := make(chan protocol.ResponsePayload, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.err
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	msg, err := protocol.NewRequest(msgType, id, payload)
	if err != nil {
		forget()
		return err
	}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return errors.Mark(errors.Wrapf(err, "send %s", msgType), ErrDisconnected)
	}

	var resp protocol.ResponsePayload
	select {
	case resp = <-ch:
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		forget()
		return c.err
	}

	if !resp.OK {
		return remoteError(resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(err, "decode %s result", msgType)
		}
	}
	return nil
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// remoteError converts a wire error into an error that matches the
// corresponding session sentinel under errors.Is.
func remoteError(p *protocol.ErrorPayload) error {
	if p == nil {
		return &RemoteError{Code: protocol.ErrInternal, Message: "request failed without error detail"}
	}
	var err error = &RemoteError{Code: p.Code, Message: p.Message}
	switch p.Code {
	case protocol.ErrNotFound:
		err = errors.Mark(err, session.ErrNotFound)
	case protocol.ErrOutOfRange:
		err = errors.Mark(errors.Mark(err, session.ErrIndexOutOfRange), session.ErrNotFound)
	case protocol.ErrClosed:
		err = errors.Mark(err, session.ErrSessionClosed)
	case protocol.ErrRegistryClosed:
		err = errors.Mark(err, session.ErrRegistryClosed)
	case protocol.ErrTooManySessions:
		err = errors.Mark(err, session.ErrTooManySessions)
	case protocol.ErrUnauthorized:
		err = errors.Mark(err, ErrUnauthorized)
	}
	return err
}

// subscribe registers fn for pushes of a new subscription to sessionID. The
// handler is installed before the request goes out so no push can be missed.
func (c *Client) subscribe(ctx context.Context, sessionID uint64, fn func(session.Notification)) (string, error) {
	id := uuid.NewString()

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return "", c.err
	default:
	}
	c.handlers[id] = pushHandler{sessionID: sessionID, fn: fn}
	c.mu.Unlock()

	err := c.Call(ctx, protocol.TypeSessionSubscribe, protocol.SubscriptionPayload{
		SessionID:      sessionID,
		SubscriptionID: id,
	}, nil)
	if err != nil {
		c.removeHandler(id)
		return "", err
	}
	return id, nil
}

func (c *Client) unsubscribe(ctx context.Context, sessionID uint64, id string) error {
	if !c.removeHandler(id) {
		return nil
	}
	if c.Err() != nil {
		return nil
	}
	return c.Call(ctx, protocol.TypeSessionUnsubscribe, protocol.SubscriptionPayload{
		SessionID:      sessionID,
		SubscriptionID: id,
	}, nil)
}

func (c *Client) removeHandler(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[id]
	delete(c.handlers, id)
	return ok
}

// ListSessions returns the ids of the server's live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]uint64, error) {
	var result protocol.ListResult
	if err := c.Call(ctx, protocol.TypeRegistryList, nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// NewSession creates a session on the server.
func (c *Client) NewSession(ctx context.Context) (*RemoteSession, error) {
	var info protocol.SessionInfo
	if err := c.Call(ctx, protocol.TypeRegistryNew, nil, &info); err != nil {
		return nil, err
	}
	return &RemoteSession{c: c, id: info.ID}, nil
}

// GetSession returns a handle to an existing session.
func (c *Client) GetSession(ctx context.Context, id uint64) (*RemoteSession, error) {
	var info protocol.SessionInfo
	if err := c.Call(ctx, protocol.TypeSessionGet, protocol.SessionIDPayload{SessionID: id}, &info); err != nil {
		return nil, err
	}
	return &RemoteSession{c: c, id: info.ID}, nil
}
