// Package domain defines the outbound provider API surface.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Provider names accepted by the pipeline.
const (
	Cackto = "cackto"
	Kiwify = "kiwify"
)

var (
	ErrCircuitOpen          = errors.New("circuit_open")
	ErrUnknownProvider      = errors.New("unknown_provider")
	ErrTransactionNotFound  = errors.New("transaction_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)

// APIError carries a non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: status %d", e.Provider, e.StatusCode)
}

// IsRetryable reports whether the failure is transient. Server errors,
// timeouts and network failures are retryable; 4xx responses are terminal
// and must never trip the breaker.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrCircuitOpen)
}

// Transaction is the provider's view of a payment.
type Transaction struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customer_email"`
	CustomerName  string    `json:"customer_name"`
	ProductID     string    `json:"product_id"`
	PaymentMethod string    `json:"payment_method"`
	CreatedAt     time.Time `json:"created_at"`
}

// Subscription is the provider's view of a recurring purchase.
type Subscription struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	ProductID     string     `json:"product_id"`
	CustomerEmail string     `json:"customer_email"`
	NextPaymentAt *time.Time `json:"next_payment_at"`
}

// Client calls one provider's REST API behind its circuit breaker.
type Client interface {
	Name() string
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id, reason string) error
	RefundTransaction(ctx context.Context, id, reason string) error
	Health(ctx context.Context) error
}

// Registry resolves a Client by provider name.
type Registry interface {
	For(name string) (Client, error)
}
