// Package resilience guards calls to flaky external services.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// ErrOpen is returned without calling the operation while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// Breaker opens after consecutive failures and lets a single probe through
// once the cooldown has passed.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	log       *zap.Logger
	observer  func(name, state string)
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown sets how long the circuit stays open before a probe.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// WithStateObserver is told about every transition.
func WithStateObserver(fn func(name, state string)) Option {
	return func(b *Breaker) { b.observer = fn }
}

// New creates a closed breaker. Defaults: open after 3 failures, probe after 10s.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 3,
		cooldown:  10 * time.Second,
		log:       zap.NewNop(),
		now:       time.Now,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the circuit is open. Cancellation by the caller
// does not count against the service.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release()
		return err
	}
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		if b.state != StateOpen {
			b.log.Error("Circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.failures),
				zap.Error(err))
			b.setState(StateOpen)
		}
	}
}

// setState requires mu.
func (b *Breaker) setState(s State) {
	b.state = s
	if s != StateOpen {
		b.log.Info("Circuit breaker state changed", zap.String("breaker", b.name), zap.String("state", string(s)))
	}
	if b.observer != nil {
		b.observer(b.name, string(s))
	}
}
