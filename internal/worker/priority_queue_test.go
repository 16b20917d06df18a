package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

func TestSweepQueue_Order(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := "r-1"
	q := NewSweepQueue(map[types.JobType]time.Duration{
		types.JobTypeTraining:        20 * time.Minute,
		types.JobTypeImageGeneration: time.Minute,
	})

	training := &models.JobRecord{ID: "train", JobType: types.JobTypeTraining, RemoteJobID: &remote, StartedAt: now.Add(-10 * time.Minute)}
	image := &models.JobRecord{ID: "image", JobType: types.JobTypeImageGeneration, RemoteJobID: &remote, StartedAt: now.Add(-3 * time.Minute)}
	pending := &models.JobRecord{ID: "pending", JobType: types.JobTypeTraining, StartedAt: now}
	video := &models.JobRecord{ID: "video", JobType: types.JobTypeVideoGeneration, RemoteJobID: &remote, StartedAt: now.Add(-time.Minute)}

	ordered := q.Order([]*models.JobRecord{training, image, pending, video}, now)

	ids := make([]string, len(ordered))
	for i, j := range ordered {
		ids[i] = j.ID
	}
	// image is 3x overdue, training is halfway, video uses the 5m default
	assert.Equal(t, []string{"pending", "image", "train", "video"}, ids)
}

func TestSweepQueue_FutureStartIsLowest(t *testing.T) {
	now := time.Now()
	remote := "r-1"
	q := NewSweepQueue(nil)

	scored := q.Prioritize([]*models.JobRecord{
		{ID: "skewed", RemoteJobID: &remote, StartedAt: now.Add(time.Minute)},
	}, now)
	assert.Equal(t, 0.0, scored[0].Priority)
}
