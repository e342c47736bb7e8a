package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"replmux/internal/metrics"
	"replmux/internal/protocol"
	"replmux/internal/queue"
	"replmux/internal/session"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBuffer     = 256
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Access is gated by basic auth, not origin.
	},
}

// Authenticator checks operator credentials.
type Authenticator interface {
	Verify(user, password string) bool
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator requires HTTP basic auth on the WebSocket and REST
// endpoints.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server manages WebSocket connections and routes requests from clients to
// the session manager and its sessions.
type Server struct {
	sessionMgr *session.Manager
	auth       Authenticator
	metrics    http.Handler
	logger     *zap.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which output subscriptions exist per client.
	// key: client, value: map[subscriptionID]subscription
	subscriptions   map[*client]map[string]*subscription
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	server *Server
	logger *zap.Logger

	removeOnce sync.Once
}

// subscription forwards one session's notifications to one client. The
// session-side listener only enqueues; a forwarder goroutine drains pending
// into the client's send channel.
type subscription struct {
	id           string
	sess         *session.Session
	sessionSubID string
	pending      *queue.Queue[session.Notification]
}

// New creates a new realtime server.
func New(sessionMgr *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessionMgr:    sessionMgr,
		logger:        zap.NewNop(),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.Handle("/ws", s.requireAuth(http.HandlerFunc(s.handleWebSocket)))

	// REST API endpoints.
	mux.Handle("POST /sessions", s.requireAuth(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /sessions", s.requireAuth(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /sessions/{id}", s.requireAuth(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("POST /sessions/{id}/run", s.requireAuth(http.HandlerFunc(s.handleRunCommand)))
	mux.Handle("DELETE /sessions/{id}", s.requireAuth(http.HandlerFunc(s.handleDeleteSession)))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without valid basic auth credentials. It is
// a pass-through when no authenticator is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !s.auth.Verify(user, password) {
			metrics.AuthFailures.Inc()
			s.logger.Warn("authentication failed",
				zap.String("user", user),
				zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Basic realm="replmux"`)
			writeError(w, protocol.ErrUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		server: s,
		logger: s.logger.With(zap.String("remote", r.RemoteAddr)),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]*subscription)
	s.subscriptionsMu.Unlock()

	metrics.ClientsConnected.Inc()
	c.logger.Info("client connected")

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands data to the write pump. It blocks while the send buffer is
// full and gives up once the client is gone.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) push(msgType string, payload interface{}) bool {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("encode push", zap.String("type", msgType), zap.Error(err))
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// removeClient cleans up a disconnected client. Its subscriptions are
// dropped; the sessions stay open.
func (s *Server) removeClient(c *client) {
	c.removeOnce.Do(func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()

		s.subscriptionsMu.Lock()
		subs := s.subscriptions[c]
		delete(s.subscriptions, c)
		s.subscriptionsMu.Unlock()

		for _, sub := range subs {
			sub.sess.Unsubscribe(sub.sessionSubID)
			sub.pending.Close()
		}

		close(c.done)
		metrics.ClientsConnected.Dec()
		c.logger.Info("client disconnected", zap.Int("subscriptions", len(subs)))
	})
}

// Close disconnects every client. Sessions are left to the manager.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

// handleMessage processes a client request. Requests are answered in the
// order they arrive, except session.run which answers when its command
// completes.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		id := ""
		if msg != nil {
			id = msg.ID
		}
		s.replyError(c, id, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeRegistryList:
		s.reply(c, msg.ID, protocol.ListResult{Sessions: s.sessionMgr.ListSessions()}, nil)

	case protocol.TypeRegistryNew:
		sess, err := s.sessionMgr.NewSession()
		if err != nil {
			s.reply(c, msg.ID, nil, err)
			return
		}
		info, err := sess.Info()
		s.reply(c, msg.ID, toSessionInfo(info), err)

	case protocol.TypeSessionGet:
		s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			info, err := sess.Info()
			return toSessionInfo(info), err
		})

	case protocol.TypeSessionHistorySize:
		s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			size, err := sess.HistorySize()
			return protocol.HistorySizeResult{Size: size}, err
		})

	case protocol.TypeSessionHistoryEntry:
		var p protocol.HistoryEntryPayload
		json.Unmarshal(msg.Payload, &p)
		s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			entry, err := sess.HistoryEntry(p.Index)
			return protocol.HistoryEntryResult{Entry: entry}, err
		})

	case protocol.TypeSessionRun:
		var p protocol.CommandPayload
		json.Unmarshal(msg.Payload, &p)
		// Run blocks until the command completes; keep reading meanwhile.
		go s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			output, err := sess.Run(p.Text)
			return protocol.RunResult{Output: output}, err
		})

	case protocol.TypeSessionSubmit:
		var p protocol.CommandPayload
		json.Unmarshal(msg.Payload, &p)
		s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			seq, err := sess.Submit(p.Text)
			return protocol.SubmitResult{Seq: seq}, err
		})

	case protocol.TypeSessionSubscribe:
		s.handleSubscribe(c, msg)

	case protocol.TypeSessionUnsubscribe:
		var p protocol.SubscriptionPayload
		json.Unmarshal(msg.Payload, &p)
		s.unsubscribe(c, p.SubscriptionID)
		s.reply(c, msg.ID, nil, nil)

	case protocol.TypeSessionTranscript:
		s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			notes, err := sess.Transcript()
			if err != nil {
				return nil, err
			}
			entries := make([]protocol.SessionOutputPayload, 0, len(notes))
			for _, n := range notes {
				entries = append(entries, outputPayload(n, ""))
			}
			return protocol.TranscriptResult{Entries: entries}, nil
		})

	case protocol.TypeSessionClose:
		s.withSession(c, msg, func(sess *session.Session) (interface{}, error) {
			return nil, sess.Close()
		})
	}
}

// withSession looks up the session named by msg and replies with the result
// of fn.
func (s *Server) withSession(c *client, msg *protocol.Message, fn func(*session.Session) (interface{}, error)) {
	var p protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &p)

	sess, err := s.sessionMgr.GetSession(p.SessionID)
	if err != nil {
		s.reply(c, msg.ID, nil, err)
		return
	}
	result, err := fn(sess)
	s.reply(c, msg.ID, result, err)
}

func (s *Server) handleSubscribe(c *client, msg *protocol.Message) {
	var p protocol.SubscriptionPayload
	json.Unmarshal(msg.Payload, &p)

	sess, err := s.sessionMgr.GetSession(p.SessionID)
	if err != nil {
		s.reply(c, msg.ID, nil, err)
		return
	}

	s.subscriptionsMu.Lock()
	_, exists := s.subscriptions[c][p.SubscriptionID]
	s.subscriptionsMu.Unlock()
	if exists {
		s.replyError(c, msg.ID, protocol.ErrInvalidMessage, "subscription id already in use: "+p.SubscriptionID)
		return
	}

	sub := &subscription{
		id:      p.SubscriptionID,
		sess:    sess,
		pending: queue.New[session.Notification](),
	}
	sub.sessionSubID, err = sess.Subscribe(func(n session.Notification) {
		sub.pending.Push(n)
	})
	if err != nil {
		s.reply(c, msg.ID, nil, err)
		return
	}

	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	_, exists = subs[p.SubscriptionID]
	if connected && !exists {
		subs[p.SubscriptionID] = sub
	}
	s.subscriptionsMu.Unlock()

	if !connected || exists {
		sess.Unsubscribe(sub.sessionSubID)
		sub.pending.Close()
		if exists {
			s.replyError(c, msg.ID, protocol.ErrInvalidMessage, "subscription id already in use: "+p.SubscriptionID)
		}
		return
	}

	s.reply(c, msg.ID, nil, nil)
	go s.forward(c, sub)
}

// forward relays a subscription's notifications to the client until the
// subscription is dropped, the session closes or the client goes away.
func (s *Server) forward(c *client, sub *subscription) {
	for {
		n, err := sub.pending.Pop(context.Background())
		if err != nil {
			return
		}

		if n.Closed {
			s.dropSubscription(c, sub.id)
			c.push(protocol.TypeSessionClosed, protocol.SessionClosedPayload{
				SessionID:      n.SessionID,
				SubscriptionID: sub.id,
				Seq:            n.Seq,
				Text:           n.Text,
				Final:          n.Final,
			})
			return
		}

		if !c.push(protocol.TypeSessionOutput, outputPayload(n, sub.id)) {
			return
		}
	}
}

// unsubscribe removes a client's subscription. Unknown ids are ignored.
func (s *Server) unsubscribe(c *client, id string) {
	sub := s.dropSubscription(c, id)
	if sub != nil {
		sub.sess.Unsubscribe(sub.sessionSubID)
	}
}

func (s *Server) dropSubscription(c *client, id string) *subscription {
	s.subscriptionsMu.Lock()
	sub, ok := s.subscriptions[c][id]
	if ok {
		delete(s.subscriptions[c], id)
	}
	s.subscriptionsMu.Unlock()

	if !ok {
		return nil
	}
	sub.pending.Close()
	return sub
}

func (s *Server) reply(c *client, id string, result interface{}, err error) {
	if err != nil {
		code := errorCode(err)
		if code == protocol.ErrInternal {
			c.logger.Error("request failed", zap.String("id", id), zap.Error(err))
		}
		s.replyError(c, id, code, err.Error())
		return
	}

	msg, err := protocol.NewResponse(id, result)
	if err != nil {
		c.logger.Error("encode response", zap.String("id", id), zap.Error(err))
		s.replyError(c, id, protocol.ErrInternal, err.Error())
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func (s *Server) replyError(c *client, id, code, message string) {
	msg, _ := protocol.NewErrorResponse(id, code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// errorCode maps a session error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrIndexOutOfRange):
		return protocol.ErrOutOfRange
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return protocol.ErrClosed
	case errors.Is(err, session.ErrRegistryClosed):
		return protocol.ErrRegistryClosed
	case errors.Is(err, session.ErrTooManySessions):
		return protocol.ErrTooManySessions
	default:
		return protocol.ErrInternal
	}
}

func toSessionInfo(info session.Info) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:          info.ID,
		HistorySize: info.HistorySize,
		LastSeq:     info.LastSeq,
	}
}

func outputPayload(n session.Notification, subscriptionID string) protocol.SessionOutputPayload {
	return protocol.SessionOutputPayload{
		SessionID:      n.SessionID,
		SubscriptionID: subscriptionID,
		Seq:            n.Seq,
		Text:           n.Text,
		Final:          n.Final,
	}
}
