package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/logging"
	"github.com/plantops/shopfloor/internal/metrics"
	"github.com/plantops/shopfloor/internal/tenant"
)

// TokenQueryParam carries the handshake credential, since browsers cannot set
// custom headers during a websocket upgrade.
const TokenQueryParam = "token"

// BoardQueryParam selects the scheduler board.
const BoardQueryParam = "board"

// Options configures a Hub.
type Options struct {
	// SendQueueDepth bounds each connection's send queue.
	SendQueueDepth int
	// AllowedOrigins restricts upgrade origins; empty allows same-origin only.
	AllowedOrigins []string
	// OnConnect, when set, runs after a connection is registered. Used to
	// push an initial state snapshot to new subscribers.
	OnConnect func(*Connection)
}

// Hub authenticates upgrades, owns every Connection, and fans out messages
// per (tenant, topic). The registry is internal; callers address connections
// only through tenant+topic or connection IDs.
type Hub struct {
	tokens  *auth.Service
	logger  *logging.Logger
	metrics *metrics.Metrics
	opts    Options

	upgrader websocket.Upgrader
	registry *registry

	mu       sync.RWMutex
	index    map[string]*Connection
	draining bool

	wg sync.WaitGroup
}

// NewHub builds a gateway hub.
func NewHub(tokens *auth.Service, logger *logging.Logger, m *metrics.Metrics, opts Options) *Hub {
	if opts.SendQueueDepth < 1 {
		opts.SendQueueDepth = 32
	}
	h := &Hub{
		tokens:   tokens,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		registry: newRegistry(),
		index:    make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// HandleDashboard upgrades and registers a dashboard subscriber. Dashboard
// clients only receive; inbound frames are ignored except a "ping" keepalive.
func (h *Hub) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	h.handleUpgrade(w, r, func(tc *tenant.Context) Topic {
		return DashboardTopic(tc.TenantID)
	}, h.onDashboardMessage)
}

// HandleScheduler upgrades and registers a scheduler board subscriber.
// Well-formed client messages are rebroadcast to the board as
// "scheduler.<type>" envelopes, excluding the sender.
func (h *Hub) HandleScheduler(w http.ResponseWriter, r *http.Request) {
	board := r.URL.Query().Get(BoardQueryParam)
	h.handleUpgrade(w, r, func(tc *tenant.Context) Topic {
		return SchedulerTopic(tc.TenantID, board)
	}, h.onSchedulerMessage)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request, topicFor func(*tenant.Context) Topic, onMessage func(*Connection, []byte)) {
	h.mu.RLock()
	draining := h.draining
	h.mu.RUnlock()
	if draining {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	tc, authErr := h.authenticate(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade failures are reported by the upgrader itself.
		return
	}

	if authErr != nil {
		// The upgrade succeeded so the client can observe a close code, but
		// the connection is never registered. The code and reason stay
		// generic regardless of the failure subkind.
		h.rejectSocket(ws)
		return
	}

	topic := topicFor(tc)
	conn := &Connection{
		ID:     uuid.New().String(),
		Tenant: tc,
		Topic:  topic,
		ws:     ws,
		send:   make(chan []byte, h.opts.SendQueueDepth),
		quit:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		h.rejectSocket(ws)
		return
	}
	h.index[conn.ID] = conn
	h.mu.Unlock()
	h.registry.add(conn)
	h.metrics.ConnectionOpened(topic.Kind())

	h.logger.WithFields(map[string]interface{}{
		"connection_id": conn.ID,
		"tenant_id":     tc.TenantID,
		"user_id":       tc.Subject,
		"topic":         topic.String(),
		"subscribers":   h.registry.count(topic),
	}).Info("websocket connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		conn.writePump(h)
	}()
	go func() {
		defer h.wg.Done()
		conn.readPump(h, onMessage)
	}()

	if h.opts.OnConnect != nil {
		h.opts.OnConnect(conn)
	}
}

// authenticate runs token verification and tenant resolution for a handshake.
func (h *Hub) authenticate(r *http.Request) (*tenant.Context, error) {
	token := r.URL.Query().Get(TokenQueryParam)
	if token == "" {
		h.logSecurityEvent(r, "ws_missing_token", nil)
		return nil, auth.ErrMalformed
	}

	claims, err := h.tokens.VerifyKind(r.Context(), token, auth.KindAccess)
	if err != nil {
		h.logSecurityEvent(r, "ws_token_rejected", map[string]interface{}{"cause": err.Error()})
		return nil, err
	}

	tc, err := tenant.Resolve(claims, tenant.FromRequest(r))
	if err != nil {
		fields := map[string]interface{}{}
		if se := svcErrorDetails(err); se != nil {
			fields = se
		}
		h.logSecurityEvent(r, "ws_tenant_rejected", fields)
		return nil, err
	}
	return tc, nil
}

// rejectSocket closes an upgraded but unauthenticated socket with a uniform
// policy-violation code, without distinguishing the failure cause.
func (h *Hub) rejectSocket(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadlineFromNow())
	_ = ws.Close()
}

func (h *Hub) onDashboardMessage(c *Connection, data []byte) {
	if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
		_, _ = c.enqueue([]byte("pong"))
	}
	// Other client frames on the dashboard channel are ignored.
}

func (h *Hub) onSchedulerMessage(c *Connection, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
			_, _ = c.enqueue([]byte("pong"))
		}
		// Malformed frames are dropped; they never affect sibling connections.
		return
	}
	if msg.Type == "" {
		return
	}
	if msg.Type == "ping" {
		_, _ = c.enqueue([]byte("pong"))
		return
	}

	env := NewEnvelope("scheduler."+msg.Type, msg.Payload)
	env.UserID = c.Tenant.Subject
	env.Channel = c.Topic.Board()
	h.broadcastExcept(c.Topic, env, c.ID)
}

// Broadcast delivers the envelope to every connection registered under the
// (tenant, topic) key. Best effort: connections that terminate mid-broadcast
// simply miss the message. Returns the number of connections enqueued to.
func (h *Hub) Broadcast(t Topic, env Envelope) int {
	return h.broadcastExcept(t, env, "")
}

func (h *Hub) broadcastExcept(t Topic, env Envelope, exceptID string) int {
	data, err := env.encode()
	if err != nil {
		h.logger.WithError(err).Error("encode broadcast envelope")
		return 0
	}

	delivered := 0
	for _, c := range h.registry.snapshot(t) {
		if c.ID == exceptID {
			continue
		}
		ok, droppedNow := c.enqueue(data)
		if ok {
			delivered++
		}
		for i := 0; i < droppedNow; i++ {
			h.metrics.RecordDroppedMessage(t.Kind())
		}
	}
	h.metrics.RecordBroadcast(t.Kind())
	return delivered
}

// Send enqueues a message onto one connection's bounded queue.
func (h *Hub) Send(connectionID string, env Envelope) bool {
	h.mu.RLock()
	c, ok := h.index[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := env.encode()
	if err != nil {
		return false
	}
	sent, _ := c.enqueue(data)
	return sent
}

// CloseConnection terminates one connection and releases its registry entry.
// Safe to call concurrently with in-flight sends.
func (h *Hub) CloseConnection(connectionID, reason string) {
	h.mu.RLock()
	c, ok := h.index[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.teardown(c, websocket.CloseNormalClosure, reason)
}

// SubscriberCount reports current registrations for a topic.
func (h *Hub) SubscriberCount(t Topic) int {
	return h.registry.count(t)
}

// teardown removes the connection from the registry and signals its write
// pump to deliver the close frame. Guaranteed on every exit path and
// idempotent across concurrent callers.
func (h *Hub) teardown(c *Connection, code int, reason string) {
	removed := h.registry.remove(c)
	h.mu.Lock()
	delete(h.index, c.ID)
	h.mu.Unlock()

	if c.signalClose(code, reason) && removed {
		h.metrics.ConnectionClosed(c.Topic.Kind())
		h.logger.WithFields(map[string]interface{}{
			"connection_id": c.ID,
			"tenant_id":     c.Tenant.TenantID,
			"topic":         c.Topic.String(),
			"reason":        reason,
			"dropped":       c.Dropped(),
		}).Info("websocket disconnected")
	}
}

// Shutdown cancels all live connections and waits for their cleanup. When
// ctx expires first, remaining sockets are forcibly closed.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	conns := h.registry.all()
	for _, c := range conns {
		h.teardown(c, websocket.CloseGoingAway, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		return ctx.Err()
	}
}

func (h *Hub) logSecurityEvent(r *http.Request, event string, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["path"] = r.URL.Path
	fields["remote_addr"] = r.RemoteAddr
	h.logger.LogSecurityEvent(r.Context(), event, fields)
}
