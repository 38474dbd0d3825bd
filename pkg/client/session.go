// Package client is the realtime transport used by chatcore clients. A
// Session multiplexes invocations and server events over one websocket per
// endpoint and reconnects on its own when the socket drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chatcore-backend/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Invoke when no connection is live and
	// none could be established.
	ErrNotConnected = errors.New("client: not connected")
	// ErrSessionExpired ends a session whose credentials were refused or
	// whose reconnection attempts ran out. The user must sign in again.
	ErrSessionExpired = errors.New("client: session expired")
	// ErrUnauthorized is reported by a Dialer when the gateway refuses the token.
	ErrUnauthorized = errors.New("client: unauthorized")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("client: session closed")
)

const (
	connectKey          = "connect"
	defaultWriteTimeout = 10 * time.Second
)

// Handler receives the data of one event frame.
type Handler func(data json.RawMessage)

// Conn is one established websocket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn. It must wrap ErrUnauthorized when the token is refused.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// TokenSource supplies the bearer token. Refresh is called at most once per
// connect cycle, after the gateway refused the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that cannot refresh.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

func (t StaticToken) Refresh(context.Context) (string, error) {
	return "", errors.New("static token cannot be refreshed")
}

// Options configures a Session
type Options struct {
	// Dialer defaults to WebSocketDialer
	Dialer Dialer
	Tokens TokenSource
	// Retry defaults to DefaultRetryPolicy when MaxAttempts is zero
	Retry RetryPolicy
	// OnSessionExpired is called once when the session gives up for good
	OnSessionExpired func(err error)
	Logger           *zap.Logger
	WriteTimeout     time.Duration
}

// Session is one logical connection to a gateway endpoint.
type Session struct {
	endpoint string
	opts     Options
	log      *zap.Logger
	connects singleflight.Group
	nextID   atomic.Uint64

	// ctx lives until Disconnect; connect cycles run on it so a caller
	// giving up does not abort an attempt other callers share.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	live        *generation
	generations uint64
	connecting  bool
	closed      bool
	handlers    map[protocol.EventKind]Handler
	release     func()
}

// generation is one physical connection. Results and events read from it are
// only honoured while it is the live generation.
type generation struct {
	n       uint64
	conn    Conn
	writeMu sync.Mutex
	done    chan struct{}
	pending map[string]chan *protocol.Frame

	queueMu sync.Mutex
	queue   []*protocol.Frame
	wake    chan struct{}
}

// New creates a disconnected session. Most callers want Shared.
func New(endpoint string, opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		endpoint: endpoint,
		opts:     opts,
		log:      log.With(zap.String("endpoint", endpoint)),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[protocol.EventKind]Handler),
	}
}

var pool = struct {
	sync.Mutex
	sessions map[string]*Session
}{sessions: make(map[string]*Session)}

// Shared returns the process-wide session for endpoint, creating it with
// opts on first use. Disconnect removes it from the pool.
func Shared(endpoint string, opts Options) *Session {
	pool.Lock()
	defer pool.Unlock()

	if s, ok := pool.sessions[endpoint]; ok {
		return s
	}
	s := New(endpoint, opts)
	s.release = func() {
		pool.Lock()
		if pool.sessions[endpoint] == s {
			delete(pool.sessions, endpoint)
		}
		pool.Unlock()
	}
	pool.sessions[endpoint] = s
	return s
}

// Connected reports whether a connection is live
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil
}

// Connect establishes the connection. Concurrent callers share one attempt.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	closed, live := s.closed, s.live != nil
	if !closed && !live {
		// Invokes issued from here on wait for the attempt
		s.connecting = true
	}
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if live {
		return nil
	}

	ch := s.connects.DoChan(connectKey, func() (any, error) {
		return nil, s.connectCycle()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// On sets the handler for kind, replacing any previous one. Handlers outlive
// reconnects and may be registered before Connect.
func (s *Session) On(kind protocol.EventKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.handlers[kind] = h
	}
}

// Off removes the handler for kind
func (s *Session) Off(kind protocol.EventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, kind)
}

// Invoke calls method on the gateway and waits for its result. While a
// connect is in flight it waits for it; without one it fails with
// ErrNotConnected. Gateway errors are returned as *protocol.FrameError.
func (s *Session) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	g, err := s.await(ctx)
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(s.nextID.Add(1), 10)
	frame, err := protocol.NewInvoke(id, method, args...)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	ch := make(chan *protocol.Frame, 1)
	s.mu.Lock()
	if s.live != g {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	g.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(g, id)

	if err := s.write(ctx, g, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	}
}

// Disconnect closes the session for good. Pending invocations fail with
// ErrNotConnected and registered handlers are dropped.
func (s *Session) Disconnect() {
	if s.shutdown() {
		s.log.Info("Realtime session disconnected")
	}
}

// shutdown tears the session down and reports whether it was still open.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.handlers = make(map[protocol.EventKind]Handler)
	g := s.live
	s.live = nil
	var pending map[string]chan *protocol.Frame
	if g != nil {
		pending = g.pending
		g.pending = nil
		close(g.done)
	}
	release := s.release
	s.mu.Unlock()

	s.cancel()
	if g != nil {
		_ = g.conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	if release != nil {
		release()
	}
	return true
}

func (s *Session) await(ctx context.Context) (*generation, error) {
	s.mu.Lock()
	g, connecting, closed := s.live, s.connecting, s.closed
	s.mu.Unlock()

	switch {
	case closed:
		return nil, ErrNotConnected
	case g != nil:
		return g, nil
	case !connecting:
		return nil, ErrNotConnected
	}

	// Joins the in-flight attempt
	if err := s.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	s.mu.Lock()
	g = s.live
	s.mu.Unlock()
	if g == nil {
		return nil, ErrNotConnected
	}
	return g, nil
}

func (s *Session) connectCycle() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.live != nil {
		s.connecting = false
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	err := s.dial(s.ctx)

	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()

	if errors.Is(err, ErrSessionExpired) {
		s.expire(err)
	}
	return err
}

// dial runs one connect cycle: retries per policy and at most one token refresh.
func (s *Session) dial(ctx context.Context) error {
	token, err := s.token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	refreshed := false
	retry := 0
	for {
		conn, err := s.opts.Dialer.Dial(ctx, s.endpoint, token)
		if err == nil {
			return s.attach(conn)
		}
		if ctx.Err() != nil {
			return ErrClosed
		}

		if errors.Is(err, ErrUnauthorized) {
			if refreshed || s.opts.Tokens == nil {
				return fmt.Errorf("%w: %w", ErrSessionExpired, err)
			}
			refreshed = true
			token, err = s.opts.Tokens.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("%w: token refresh failed: %w", ErrSessionExpired, err)
			}
			s.log.Info("Refreshed token after rejected connect")
			continue
		}

		retry++
		delay, ok := s.opts.Retry.Delay(retry)
		if !ok {
			return fmt.Errorf("%w: gave up after %d retries: %w", ErrSessionExpired, retry-1, err)
		}
		s.log.Warn("Connect attempt failed",
			zap.Int("retry", retry),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ErrClosed
			case <-timer.C:
			}
		}
	}
}

func (s *Session) token(ctx context.Context) (string, error) {
	if s.opts.Tokens == nil {
		return "", nil
	}
	return s.opts.Tokens.Token(ctx)
}

func (s *Session) attach(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.generations++
	g := &generation{
		n:       s.generations,
		conn:    conn,
		done:    make(chan struct{}),
		pending: make(map[string]chan *protocol.Frame),
		wake:    make(chan struct{}, 1),
	}
	s.live = g
	s.mu.Unlock()

	go s.readLoop(g)
	go s.dispatchLoop(g)

	s.log.Info("Realtime session connected", zap.Uint64("generation", g.n))
	return nil
}

func (s *Session) expire(err error) {
	if !s.shutdown() {
		return
	}
	s.log.Warn("Realtime session expired", zap.Error(err))
	if s.opts.OnSessionExpired != nil {
		s.opts.OnSessionExpired(err)
	}
}

func (s *Session) readLoop(g *generation) {
	for {
		data, err := g.conn.Read(s.ctx)
		if err != nil {
			s.dropped(g, err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Discarding undecodable frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.FrameResult:
			s.resolve(g, &frame)
		case protocol.FrameEvent:
			g.push(&frame)
		}
	}
}

// dispatchLoop runs handlers off the read loop so a handler may Invoke.
func (s *Session) dispatchLoop(g *generation) {
	for {
		select {
		case <-g.done:
			return
		case <-g.wake:
		}
		for _, frame := range g.drain() {
			s.deliver(g, frame)
		}
	}
}

func (s *Session) deliver(g *generation, frame *protocol.Frame) {
	s.mu.Lock()
	h := s.handlers[frame.Event]
	current := s.live == g
	s.mu.Unlock()
	if !current || h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Event handler panicked",
				zap.String("event", frame.Event.String()),
				zap.Any("panic", r))
		}
	}()
	h(frame.Data)
}

func (s *Session) resolve(g *generation, frame *protocol.Frame) {
	s.mu.Lock()
	ch, ok := g.pending[frame.ID]
	delete(g.pending, frame.ID)
	s.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (s *Session) forget(g *generation, id string) {
	s.mu.Lock()
	delete(g.pending, id)
	s.mu.Unlock()
}

// dropped handles an unexpected loss of g and starts reconnecting.
func (s *Session) dropped(g *generation, err error) {
	s.mu.Lock()
	if s.live != g {
		s.mu.Unlock()
		return
	}
	s.live = nil
	pending := g.pending
	g.pending = nil
	close(g.done)
	// Invokes issued before the reconnect goroutine runs must wait for it
	s.connecting = true
	s.mu.Unlock()

	_ = g.conn.Close()
	for _, ch := range pending {
		close(ch)
	}

	s.log.Warn("Realtime connection lost, reconnecting",
		zap.Uint64("generation", g.n),
		zap.Error(err))
	go func() {
		if err := s.Connect(s.ctx); err != nil && !errors.Is(err, ErrClosed) && s.ctx.Err() == nil {
			s.log.Error("Reconnect failed", zap.Error(err))
		}
	}()
}

func (s *Session) write(ctx context.Context, g *generation, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.conn.Write(ctx, data)
}

func (g *generation) push(frame *protocol.Frame) {
	g.queueMu.Lock()
	g.queue = append(g.queue, frame)
	g.queueMu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *generation) drain() []*protocol.Frame {
	g.queueMu.Lock()
	defer g.queueMu.Unlock()
	frames := g.queue
	g.queue = nil
	return frames
}
