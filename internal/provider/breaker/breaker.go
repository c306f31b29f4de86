// Package breaker implements a per-provider circuit breaker.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/observability/metrics"
	"github.com/prepflow/billinghooks/internal/provider/domain"
	"go.uber.org/zap"
)

// State is the breaker's current mode.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker trips after maxFailures consecutive retryable failures. While
// open, calls fail fast; after resetTimeout a single probe is let through.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	clk          clock.Clock
	log          *zap.Logger
	metrics      *metrics.Metrics

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(name string, maxFailures int, resetTimeout time.Duration, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Breaker {
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clk:          clk,
		log:          log.Named("provider.breaker"),
		metrics:      m,
		state:        StateClosed,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker. Only retryable failures count toward the
// trip threshold; 4xx responses pass through without touching the counter.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clk.Now().Sub(b.openedAt) < b.resetTimeout {
			return domain.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return domain.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err == nil || !domain.IsRetryable(err) {
			b.failures = 0
			b.transition(StateClosed)
			return
		}
		b.openedAt = b.clk.Now()
		b.transition(StateOpen)
		return
	}

	if err == nil || !domain.IsRetryable(err) {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.openedAt = b.clk.Now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.log.Warn("circuit state changed",
		zap.String("provider", b.name),
		zap.String("from", string(b.state)),
		zap.String("to", string(next)),
	)
	b.metrics.RecordBreakerTransition(context.Background(), b.name, string(next))
	b.state = next
}
