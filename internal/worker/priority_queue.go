package worker

import (
	"sort"
	"time"

	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

const defaultExpectedDuration = 5 * time.Minute

// JobPriority represents a job with its sweep priority
type JobPriority struct {
	Job      *models.JobRecord
	Priority float64 // Higher number = swept earlier
}

// SweepQueue orders a batch of active jobs for the sweeper. Jobs with no
// remote id come first since they never cost a provider call, then jobs by
// how far past their expected duration they are.
type SweepQueue struct {
	expected map[types.JobType]time.Duration
}

// NewSweepQueue creates a new sweep queue
func NewSweepQueue(expected map[types.JobType]time.Duration) *SweepQueue {
	return &SweepQueue{expected: expected}
}

// Prioritize scores every job without reordering the input
func (q *SweepQueue) Prioritize(jobs []*models.JobRecord, now time.Time) []JobPriority {
	out := make([]JobPriority, len(jobs))
	for i, j := range jobs {
		out[i] = JobPriority{Job: j, Priority: q.calculatePriority(j, now)}
	}
	return out
}

// Order returns the jobs sorted by priority, highest first. Ties keep the
// store order, which is oldest update first.
func (q *SweepQueue) Order(jobs []*models.JobRecord, now time.Time) []*models.JobRecord {
	scored := q.Prioritize(jobs, now)
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Priority > scored[j].Priority
	})

	ordered := make([]*models.JobRecord, len(scored))
	for i, jp := range scored {
		ordered[i] = jp.Job
	}
	return ordered
}

func (q *SweepQueue) calculatePriority(j *models.JobRecord, now time.Time) float64 {
	if j.RemoteJobID == nil {
		return 1000
	}

	expected, ok := q.expected[j.JobType]
	if !ok || expected <= 0 {
		expected = defaultExpectedDuration
	}
	elapsed := now.Sub(j.StartedAt)
	if elapsed < 0 {
		return 0
	}
	return float64(elapsed) / float64(expected)
}
