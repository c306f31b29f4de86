package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/provider/domain"
	"go.uber.org/zap"
)

var errServer = &domain.APIError{Provider: "cackto", StatusCode: 502}

func newTestBreaker(t *testing.T) (*Breaker, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New("cackto", 5, time.Minute, clk, zap.NewNop(), nil), clk
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error { return errServer })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open state after 5 failures, got %s", b.State())
	}
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	b, _ := newTestBreaker(t)
	trip(t, b)

	calls := 0
	err := b.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatal("expected fail fast without calling fn")
	}
}

func TestClientErrorsNeverTrip(t *testing.T) {
	b, _ := newTestBreaker(t)
	clientErr := &domain.APIError{Provider: "cackto", StatusCode: 404}

	for i := 0; i < 20; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error { return clientErr })
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", b.State())
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error { return errServer })
	}
	_ = b.Do(context.Background(), func(ctx context.Context) error { return nil })
	for i := 0; i < 4; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error { return errServer })
	}
	if b.State() != StateClosed {
		t.Fatalf("expected streak reset to keep breaker closed, got %s", b.State())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(t, b)

	clk.Advance(61 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected second caller rejected during probe, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(t, b)

	clk.Advance(61 * time.Second)
	_ = b.Do(context.Background(), func(ctx context.Context) error { return errServer })
	if b.State() != StateOpen {
		t.Fatalf("expected reopened after failed probe, got %s", b.State())
	}

	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected fail fast after reopen, got %v", err)
	}
}
