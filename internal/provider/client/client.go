// Package client calls the provider REST APIs behind per-provider breakers.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/provider/breaker"
	"github.com/prepflow/billinghooks/internal/provider/domain"
	"go.uber.org/zap"
)

// Options configures one provider client.
type Options struct {
	Name            string
	BaseURL         string
	APIKey          string
	Secret          string
	Timeout         time.Duration
	ProbeTimeout    time.Duration
	TransactionTTL  time.Duration
	SubscriptionTTL time.Duration
}

type client struct {
	opts  Options
	http  *http.Client
	brk   *breaker.Breaker
	cache *cache.Store
	audit auditdomain.Service
	log   *zap.Logger
}

func New(opts Options, brk *breaker.Breaker, store *cache.Store, audit auditdomain.Service, log *zap.Logger) domain.Client {
	return &client{
		opts:  opts,
		http:  &http.Client{Timeout: opts.Timeout},
		brk:   brk,
		cache: store,
		audit: audit,
		log:   log.Named("provider.client").With(zap.String("provider", opts.Name)),
	}
}

func (c *client) Name() string { return c.opts.Name }

func (c *client) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	key := fmt.Sprintf("transaction:%s:%s", c.opts.Name, id)
	raw, err := c.cache.GetOrLoad(ctx, key, c.opts.TransactionTTL, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, "/v1/transactions/"+id, domain.ErrTransactionNotFound)
	})
	if err != nil {
		return nil, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *client) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	key := fmt.Sprintf("subscription:%s:%s", c.opts.Name, id)
	raw, err := c.cache.GetOrLoad(ctx, key, c.opts.SubscriptionTTL, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, "/v1/subscriptions/"+id, domain.ErrSubscriptionNotFound)
	})
	if err != nil {
		return nil, err
	}

	var sub domain.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *client) CancelSubscription(ctx context.Context, id, reason string) error {
	body, _ := json.Marshal(map[string]string{"reason": reason})
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+id+"/cancel", body, c.opts.Timeout)
		return err
	})
	c.auditCall(ctx, "SUBSCRIPTION_CANCEL_REQUESTED", id, err)
	if err != nil {
		return err
	}
	c.cache.Delete(ctx, fmt.Sprintf("subscription:%s:%s", c.opts.Name, id))
	return nil
}

func (c *client) RefundTransaction(ctx context.Context, id, reason string) error {
	body, _ := json.Marshal(map[string]string{"reason": reason})
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, "/v1/transactions/"+id+"/refund", body, c.opts.Timeout)
		return err
	})
	c.auditCall(ctx, "TRANSACTION_REFUND_REQUESTED", id, err)
	if err != nil {
		return err
	}
	c.cache.Delete(ctx, fmt.Sprintf("transaction:%s:%s", c.opts.Name, id))
	return nil
}

// Health probes the provider with a short deadline outside the cached path.
func (c *client) Health(ctx context.Context) error {
	return c.brk.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "/health", nil, c.opts.ProbeTimeout)
		return err
	})
}

func (c *client) get(ctx context.Context, path string, notFound error) ([]byte, error) {
	var raw []byte
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodGet, path, nil, c.opts.Timeout)
		if err != nil {
			return err
		}
		raw = body
		return nil
	})
	if err != nil {
		var apiErr *domain.APIError
		if notFound != nil && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, notFound
		}
		return nil, err
	}
	return raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	c.sign(req, method, path, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.APIError{
			Provider:   c.opts.Name,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return respBody, nil
}

// sign adds an HMAC over "{timestamp}.{method}.{path}.{body}" so the
// provider can authenticate the caller beyond the bearer token.
func (c *client) sign(req *http.Request, method, path string, body []byte) {
	if c.opts.Secret == "" {
		return
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.opts.Secret))
	mac.Write([]byte(timestamp + "." + method + "." + path + "."))
	mac.Write(body)

	req.Header.Set("X-Request-Timestamp", timestamp)
	req.Header.Set("X-Request-Signature", hex.EncodeToString(mac.Sum(nil)))
}

func (c *client) auditCall(ctx context.Context, action, entityID string, callErr error) {
	severity := auditdomain.SeverityInfo
	details := map[string]any{"provider": c.opts.Name}
	if callErr != nil {
		severity = auditdomain.SeverityError
		details["error"] = callErr.Error()
	}
	if _, err := c.audit.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntityProviderAPI,
		EntityID:   entityID,
		Action:     action,
		Severity:   severity,
		Details:    details,
	}); err != nil {
		c.log.Warn("failed to audit provider call", zap.Error(err))
	}
}

