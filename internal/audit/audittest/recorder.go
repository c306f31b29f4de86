// Package audittest provides an in-memory audit service for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/prepflow/billinghooks/internal/audit/domain"
)

// Recorder captures audit entries without touching a database.
type Recorder struct {
	mu      sync.Mutex
	Entries []domain.Entry
}

func (r *Recorder) Record(ctx context.Context, entry domain.Entry) (snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries = append(r.Entries, entry)
	return snowflake.ID(len(r.Entries)), nil
}

func (r *Recorder) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	return domain.ListResponse{}, nil
}

func (r *Recorder) VerifyChain(ctx context.Context) (domain.VerifyResult, error) {
	return domain.VerifyResult{Valid: true}, nil
}

func (r *Recorder) ExportActorData(ctx context.Context, actorID string) ([]domain.AuditEvent, error) {
	return nil, nil
}

func (r *Recorder) EraseActorData(ctx context.Context, actorID string) (int64, error) {
	return 0, nil
}

// Actions returns the recorded action names in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e.Action)
	}
	return out
}
