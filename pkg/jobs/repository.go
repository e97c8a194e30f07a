package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/callmegate/gate/pkg/store"
	"github.com/callmegate/gate/pkg/types"
)

// KeyPrefix namespaces persisted jobs in the shared store
const KeyPrefix = "http_job:"

// DefaultTTL bounds how long a job record survives; both gateway and worker
// refresh it on every save, so an abandoned job disappears on its own
const DefaultTTL = 60 * time.Second

// Repository persists HTTP jobs in the shared store so the gateway and the
// worker that picks the job up see the same record
type Repository struct {
	store *store.Client
	ttl   time.Duration
}

// NewRepository creates a job repository with the given record TTL
// (zero means DefaultTTL)
func NewRepository(st *store.Client, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository{store: st, ttl: ttl}
}

func jobKey(requestID string) string {
	return KeyPrefix + requestID
}

// Save writes the job record, resetting its TTL
func (r *Repository) Save(ctx context.Context, job *types.HTTPJob) error {
	data, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.RequestID, err)
	}
	return r.store.Set(ctx, jobKey(job.RequestID), data, r.ttl)
}

// Get fetches a job by request id; a missing or expired job yields
// (nil, nil)
func (r *Repository) Get(ctx context.Context, requestID string) (*types.HTTPJob, error) {
	data, found, err := r.store.GetString(ctx, jobKey(requestID))
	if err != nil || !found {
		return nil, err
	}
	job, err := types.HTTPJobFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", requestID, err)
	}
	return job, nil
}

// Delete removes a job record, reporting whether it existed
func (r *Repository) Delete(ctx context.Context, requestID string) (bool, error) {
	return r.store.Delete(ctx, jobKey(requestID))
}

// Exists reports whether the job record is still present
func (r *Repository) Exists(ctx context.Context, requestID string) (bool, error) {
	return r.store.Exists(ctx, jobKey(requestID))
}
