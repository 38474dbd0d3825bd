package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore-backend/pkg/protocol"
)

const waitFor = time.Second

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	fail   error
	tokens []string
	gate   chan struct{}

	entered chan struct{}
	conns   chan *fakeConn
}

func newFakeDialer(errs ...error) *fakeDialer {
	return &fakeDialer{
		errs:    errs,
		entered: make(chan struct{}, 64),
		conns:   make(chan *fakeConn, 16),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	err := d.fail
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	gate := d.gate
	d.mu.Unlock()

	d.entered <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) seenTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type fakeTokens struct {
	refreshes  atomic.Int32
	refreshErr error
}

func (f *fakeTokens) Token(context.Context) (string, error) { return "t1", nil }

func (f *fakeTokens) Refresh(context.Context) (string, error) {
	f.refreshes.Add(1)
	return "t2", f.refreshErr
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
		return nil
	}
}

func nextInvoke(t *testing.T, c *fakeConn) protocol.Frame {
	t.Helper()
	select {
	case data := <-c.out:
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		require.Equal(t, protocol.FrameInvoke, f.Type)
		return f
	case <-time.After(waitFor):
		t.Fatal("no invoke written")
		return protocol.Frame{}
	}
}

func reply(t *testing.T, c *fakeConn, id string, result any) {
	t.Helper()
	data, err := protocol.NewResult(id, result, nil)
	require.NoError(t, err)
	c.in <- data
}

func pushEvent(t *testing.T, c *fakeConn, kind protocol.EventKind, payload any) {
	t.Helper()
	data, err := protocol.EncodeEvent(kind, payload)
	require.NoError(t, err)
	c.in <- data
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestConnectSharesOneAttempt(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{})
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() { errs <- s.Connect(context.Background()) }()
	}
	receive(t, d.entered)
	close(d.gate)

	for i := 0; i < 5; i++ {
		require.NoError(t, receive(t, errs))
	}
	assert.Equal(t, 1, d.dials())
	assert.True(t, s.Connected())
}

func TestInvokeCorrelatesResultsByID(t *testing.T) {
	d := newFakeDialer()
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))
	conn := nextConn(t, d)

	results := make(chan string, 2)
	for _, method := range []string{"EchoA", "EchoB"} {
		go func(method string) {
			raw, err := s.Invoke(context.Background(), method)
			var got string
			if err == nil {
				err = json.Unmarshal(raw, &got)
			}
			results <- fmt.Sprintf("%s=%s:%v", method, got, err)
		}(method)
	}

	first := nextInvoke(t, conn)
	second := nextInvoke(t, conn)
	// answer out of order
	reply(t, conn, second.ID, second.Method)
	reply(t, conn, first.ID, first.Method)

	assert.ElementsMatch(t,
		[]string{"EchoA=EchoA:<nil>", "EchoB=EchoB:<nil>"},
		[]string{receive(t, results), receive(t, results)})
}

func TestInvokeSurfacesGatewayErrors(t *testing.T) {
	d := newFakeDialer()
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))
	conn := nextConn(t, d)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), protocol.MethodAnswerCall, "call")
		errs <- err
	}()
	f := nextInvoke(t, conn)
	data, err := protocol.NewResult(f.ID, nil, &protocol.FrameError{Code: "INVALID_STATE", Message: "call is already answered"})
	require.NoError(t, err)
	conn.in <- data

	var frameErr *protocol.FrameError
	require.ErrorAs(t, receive(t, errs), &frameErr)
	assert.Equal(t, "INVALID_STATE", frameErr.Code)
}

func TestInvokeWithoutConnectionFailsFast(t *testing.T) {
	s := New("ws://test", Options{Dialer: newFakeDialer()})
	defer s.Disconnect()

	_, err := s.Invoke(context.Background(), "Ping")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInvokeWaitsForInFlightConnect(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{})
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()

	go func() { _ = s.Connect(context.Background()) }()
	receive(t, d.entered)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "Ping")
		errs <- err
	}()
	close(d.gate)

	conn := nextConn(t, d)
	f := nextInvoke(t, conn)
	reply(t, conn, f.ID, "pong")
	assert.NoError(t, receive(t, errs))
}

func TestInvokeJustAfterConnectStartsWaits(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{})
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()

	// the caller gives up at once but the attempt keeps running
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Connect(ctx), context.Canceled)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "Ping")
		errs <- err
	}()
	receive(t, d.entered)
	close(d.gate)

	conn := nextConn(t, d)
	f := nextInvoke(t, conn)
	reply(t, conn, f.ID, "pong")
	assert.NoError(t, receive(t, errs))
}

func TestInvokeFailsWhenInFlightConnectFails(t *testing.T) {
	d := newFakeDialer()
	d.fail = errors.New("connection refused")
	d.gate = make(chan struct{})
	expired := make(chan error, 1)
	s := New("ws://test", Options{
		Dialer:           d,
		Retry:            RetryPolicy{ImmediateRetries: 1, MaxAttempts: 1},
		OnSessionExpired: func(err error) { expired <- err },
	})

	go func() { _ = s.Connect(context.Background()) }()
	receive(t, d.entered)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "Ping")
		errs <- err
	}()
	close(d.gate)

	assert.ErrorIs(t, receive(t, errs), ErrNotConnected)
	assert.ErrorIs(t, receive(t, expired), ErrSessionExpired)
	assert.Equal(t, 2, d.dials())
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	d := newFakeDialer(fmt.Errorf("%w: 401", ErrUnauthorized))
	tokens := &fakeTokens{}
	s := New("ws://test", Options{Dialer: d, Tokens: tokens})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"t1", "t2"}, d.seenTokens())
	assert.Equal(t, int32(1), tokens.refreshes.Load())
}

func TestUnauthorizedAfterRefreshExpiresSession(t *testing.T) {
	unauthorized := fmt.Errorf("%w: 401", ErrUnauthorized)
	d := newFakeDialer(unauthorized, unauthorized, unauthorized)
	tokens := &fakeTokens{}
	var expired atomic.Int32
	s := New("ws://test", Options{
		Dialer:           d,
		Tokens:           tokens,
		OnSessionExpired: func(error) { expired.Add(1) },
	})

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), tokens.refreshes.Load())
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, int32(1), expired.Load())

	_, err = s.Invoke(context.Background(), "Ping")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func TestFailedRefreshExpiresSession(t *testing.T) {
	d := newFakeDialer(fmt.Errorf("%w: 401", ErrUnauthorized))
	tokens := &fakeTokens{refreshErr: errors.New("refresh token revoked")}
	s := New("ws://test", Options{Dialer: d, Tokens: tokens})

	assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionExpired)
	assert.Equal(t, 1, d.dials())
}

func TestHandlersSurviveReconnect(t *testing.T) {
	d := newFakeDialer()
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()

	got := make(chan string, 4)
	s.On(protocol.EventReceiveMessage, func(data json.RawMessage) { got <- string(data) })
	require.NoError(t, s.Connect(context.Background()))

	first := nextConn(t, d)
	pushEvent(t, first, protocol.EventReceiveMessage, "one")
	assert.Equal(t, `"one"`, receive(t, got))

	// unexpected drop
	_ = first.Close()
	second := nextConn(t, d)
	pushEvent(t, second, protocol.EventReceiveMessage, "two")
	assert.Equal(t, `"two"`, receive(t, got))
	assert.Equal(t, 2, d.dials())
}

func TestPendingInvokeFailsOnDrop(t *testing.T) {
	d := newFakeDialer()
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))
	conn := nextConn(t, d)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "Slow")
		errs <- err
	}()
	nextInvoke(t, conn)
	_ = conn.Close()

	assert.ErrorIs(t, receive(t, errs), ErrNotConnected)
}

func TestHandlerMayInvoke(t *testing.T) {
	d := newFakeDialer()
	s := New("ws://test", Options{Dialer: d})
	defer s.Disconnect()

	answered := make(chan string, 1)
	s.On(protocol.EventIncomingCall, func(json.RawMessage) {
		raw, err := s.Invoke(context.Background(), protocol.MethodAnswerCall)
		if err != nil {
			answered <- err.Error()
			return
		}
		answered <- string(raw)
	})
	require.NoError(t, s.Connect(context.Background()))
	conn := nextConn(t, d)

	pushEvent(t, conn, protocol.EventIncomingCall, map[string]string{"call_id": "c1"})
	f := nextInvoke(t, conn)
	assert.Equal(t, protocol.MethodAnswerCall, f.Method)
	reply(t, conn, f.ID, "ok")
	assert.Equal(t, `"ok"`, receive(t, answered))
}

func TestDisconnectIsTerminal(t *testing.T) {
	d := newFakeDialer()
	s := Shared("ws://terminal", Options{Dialer: d})
	assert.Same(t, s, Shared("ws://terminal", Options{}))

	calls := make(chan struct{}, 1)
	s.On(protocol.EventReceiveMessage, func(json.RawMessage) { calls <- struct{}{} })
	require.NoError(t, s.Connect(context.Background()))
	conn := nextConn(t, d)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "Slow")
		errs <- err
	}()
	nextInvoke(t, conn)

	s.Disconnect()
	assert.ErrorIs(t, receive(t, errs), ErrNotConnected)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
	assert.False(t, s.Connected())
	assert.Never(t, func() bool { return d.dials() > 1 }, 50*time.Millisecond, 10*time.Millisecond)

	fresh := Shared("ws://terminal", Options{Dialer: d})
	defer fresh.Disconnect()
	assert.NotSame(t, s, fresh)
}
