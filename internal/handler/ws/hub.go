// Package ws serves the realtime gateway: one websocket per client carrying
// invoke frames in and result and event frames out.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/middleware"
	"chatcore-backend/pkg/protocol"
)

var (
	// ErrUnknownConnection is returned by Send for connections not held by this node
	ErrUnknownConnection = errors.New("connection not found")
	// ErrSendBufferFull is returned by Send when a client is not draining its frames
	ErrSendBufferFull = errors.New("send buffer full")
)

// ConnectionRegistry is the part of *registry.Registry the hub drives
type ConnectionRegistry interface {
	Register(userID, conversationID uuid.UUID, connectionID string)
	Unregister(connectionID string)
	SetConversation(connectionID string, conversationID uuid.UUID) bool
}

// Observer receives websocket traffic counts, usually *metrics.Metrics
type Observer interface {
	RecordWebSocketMessage(msgType, direction string)
	RecordWebSocketError(err string)
}

// Config tunes the gateway
type Config struct {
	MaxConnections int
	SendBuffer     int
	PingInterval   time.Duration
	AllowedOrigins []string
}

// Caller identifies the connection an invocation arrived on
type Caller struct {
	UserID       uuid.UUID
	ConnectionID string
}

// Method serves one invocable method. The returned value is encoded as the
// result; a returned error becomes the result frame's error.
type Method func(ctx context.Context, caller Caller, args []json.RawMessage) (any, error)

// Hub owns the websocket connections of this node. It implements fanout.Sender.
type Hub struct {
	registry ConnectionRegistry
	members  MembershipChecker
	observer Observer
	log      *zap.Logger
	cfg      Config

	upgrader  websocket.Upgrader
	semaphore chan struct{}

	methodsMu sync.RWMutex
	methods   map[string]Method

	mu      sync.RWMutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Hub
type Option func(*Hub)

func WithObserver(observer Observer) Option {
	return func(h *Hub) { h.observer = observer }
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHub creates a Hub. Zero config values fall back to defaults.
func NewHub(registry ConnectionRegistry, cfg Config, opts ...Option) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:  registry,
		log:       zap.NewNop(),
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConnections),
		methods:   make(map[string]Method),
		clients:   make(map[string]*client),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Handle(protocol.MethodJoinConversation, h.joinConversation)
	h.Handle(protocol.MethodLeaveConversation, h.leaveConversation)
	return h
}

// Handle registers fn under name, replacing any earlier registration.
func (h *Hub) Handle(name string, fn Method) {
	h.methodsMu.Lock()
	defer h.methodsMu.Unlock()
	h.methods[name] = fn
}

func (h *Hub) method(name string) (Method, bool) {
	h.methodsMu.RLock()
	defer h.methodsMu.RUnlock()
	fn, ok := h.methods[name]
	return fn, ok
}

// Send queues frame on the connection without blocking. A client whose
// buffer is full is disconnected.
func (h *Hub) Send(connectionID string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if err := c.enqueue(frame); err != nil {
		return err
	}
	h.record("event", "out")
	return nil
}

// ConnectedUsers returns the distinct users holding a connection on this node.
func (h *Hub) ConnectedUsers() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uuid.UUID]bool, len(h.clients))
	users := make([]uuid.UUID, 0, len(h.clients))
	for _, c := range h.clients {
		if !seen[c.userID] {
			seen[c.userID] = true
			users = append(users, c.userID)
		}
	}
	return users
}

// ServeWS upgrades an authenticated request. The optional conversation_id
// query parameter sets the connection's initial conversation.
func (h *Hub) ServeWS(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conversationID := uuid.Nil
	if raw := c.Query("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id"})
			return
		}
		conversationID = id
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		h.log.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.log.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	cl := newClient(h, conn, ksuid.New().String(), userID)
	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()
	h.registry.Register(userID, conversationID, cl.id)

	h.log.Debug("WebSocket connected",
		zap.String("connection_id", cl.id),
		zap.String("user_id", userID.String()))

	go cl.writePump()
	go cl.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.registry.Unregister(c.id)
	<-h.semaphore
	h.log.Debug("WebSocket disconnected",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID.String()))
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Native clients send no Origin
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

func (h *Hub) record(msgType, direction string) {
	if h.observer != nil {
		h.observer.RecordWebSocketMessage(msgType, direction)
	}
}

func (h *Hub) recordError(kind string) {
	if h.observer != nil {
		h.observer.RecordWebSocketError(kind)
	}
}
