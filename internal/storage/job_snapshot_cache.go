package storage

import (
	"context"
	"encoding/json"

	"github.com/sselfie/generation-core/internal/models"
)

// JobSnapshotCache keeps terminal job records in Redis so repeated status polls
// for finished jobs skip the database. Only terminal records are ever cached;
// they never change afterwards.
type JobSnapshotCache struct {
	cache *CacheService
}

type cachedJob struct {
	Job  *models.JobRecord `json:"job"`
	Spec json.RawMessage   `json:"spec,omitempty"`
}

// NewJobSnapshotCache creates a snapshot cache
func NewJobSnapshotCache(cache *CacheService) *JobSnapshotCache {
	return &JobSnapshotCache{cache: cache}
}

// Get returns the cached terminal record for a job, if present
func (c *JobSnapshotCache) Get(ctx context.Context, jobID string) (*models.JobRecord, bool, error) {
	var entry cachedJob
	found, err := c.cache.Get(ctx, c.key(jobID), &entry)
	if err != nil || !found || entry.Job == nil {
		return nil, false, err
	}
	entry.Job.Spec = entry.Spec
	return entry.Job, true, nil
}

// Put caches a terminal job record. Non-terminal records are ignored.
func (c *JobSnapshotCache) Put(ctx context.Context, job *models.JobRecord) error {
	if job == nil || !job.IsTerminal() {
		return nil
	}
	return c.cache.Set(ctx, c.key(job.ID), cachedJob{Job: job, Spec: job.Spec})
}

// Invalidate drops a cached snapshot
func (c *JobSnapshotCache) Invalidate(ctx context.Context, jobID string) error {
	return c.cache.Invalidate(ctx, c.key(jobID))
}

func (c *JobSnapshotCache) key(jobID string) string {
	return c.cache.GenerateCacheKey(CacheKeyTerminalJob, jobID)
}
