// Package adapters normalizes provider-specific webhook formats.
package adapters

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/webhook/domain"
	"go.uber.org/fx"
)

// Adapter authenticates and parses one provider's deliveries.
type Adapter interface {
	Name() string
	// Timestamp extracts the provider's freshness header, unix seconds.
	Timestamp(headers http.Header) (int64, error)
	// VerifySignature checks the HMAC over "{timestamp}.{rawBody}" using a
	// constant-time compare.
	VerifySignature(headers http.Header, rawBody []byte) error
	// Parse normalizes the raw payload and enforces the per-event-type
	// required fields.
	Parse(rawBody []byte) (*domain.ParsedEvent, error)
}

// Registry holds the known provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(cfg config.Config) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(NewCackto(cfg.Webhook.CacktoSecret))
	r.Register(NewKiwify(cfg.Webhook.KiwifySecret))
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

var Module = fx.Module("webhook.adapters",
	fx.Provide(NewRegistry),
)
