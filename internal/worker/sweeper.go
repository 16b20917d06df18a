package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sselfie/generation-core/internal/job"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/types"
)

// JobLister is the part of the job store the sweeper reads
type JobLister interface {
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.JobRecord, error)
	ListUnrefundedFailures(ctx context.Context, codes []types.FailureCode, limit int) ([]*models.JobRecord, error)
}

// JobReconciler drives a single job toward its terminal state
type JobReconciler interface {
	ReconcileRecord(ctx context.Context, record *models.JobRecord, opts job.Options) (*job.Result, error)
	RefundEligible(record *models.JobRecord) bool
	RefundableFailureCodes() []types.FailureCode
	RefundJob(ctx context.Context, record *models.JobRecord) error
}

// Sweeper periodically reconciles jobs nobody is polling and repairs refunds
// that were missed when a failure was recorded
type Sweeper struct {
	jobs       JobLister
	reconciler JobReconciler
	queue      *SweepQueue
	logger     *logging.Logger

	interval  time.Duration
	batchSize int
	workers   int
	minAge    time.Duration
	now       func() time.Time

	running       bool
	mu            sync.RWMutex
	stopCh        chan struct{}
	doneCh        chan struct{}
	lastSweepTime time.Time
	lastResult    *SweepResult
}

// SweeperConfig holds configuration for a sweeper
type SweeperConfig struct {
	Jobs       JobLister
	Reconciler JobReconciler
	Logger     *logging.Logger

	Interval  time.Duration
	BatchSize int
	Workers   int
	// MinAge skips jobs touched more recently than this, since a caller is likely polling them
	MinAge time.Duration
	// ExpectedDuration orders the batch so the most overdue jobs go first
	ExpectedDuration map[types.JobType]time.Duration
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Scanned   int            `json:"scanned"`
	Outcomes  map[string]int `json:"outcomes"`
	Errors    int            `json:"errors"`
	Refunded  int            `json:"refunded"`
	Duration  time.Duration  `json:"duration"`
	StartedAt time.Time      `json:"startedAt"`
}

// SweeperStatus represents the current status of a sweeper
type SweeperStatus struct {
	Running         bool
	LastSweepTime   time.Time
	LastResult      *SweepResult
	IntervalSeconds int
	Workers         int
}

// NewSweeper creates a new sweeper
func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		return nil, fmt.Errorf("sweep interval must be at least 1s, got %v", interval)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Sweeper{
		jobs:       cfg.Jobs,
		reconciler: cfg.Reconciler,
		queue:      NewSweepQueue(cfg.ExpectedDuration),
		logger:     logger.WithField("component", "sweeper"),
		interval:   interval,
		batchSize:  batchSize,
		workers:    workers,
		minAge:     cfg.MinAge,
		now:        func() time.Time { return time.Now().UTC() },
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// SetClock overrides the sweeper clock
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"interval":   s.interval.String(),
		"workers":    s.workers,
		"batch_size": s.batchSize,
	}).Info("starting sweeper")

	go s.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the current sweep to finish
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is not running")
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		s.logger.Info("sweeper stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("sweeper stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.WithError(err).Error("sweep failed")
			}
		}
	}
}

// Sweep runs one pass: reconcile idle active jobs, then repair missed refunds
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	started := s.now()
	result := &SweepResult{Outcomes: make(map[string]int), StartedAt: started}

	active, err := s.jobs.ListActive(ctx, started.Add(-s.minAge), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	result.Scanned = len(active)

	s.reconcileAll(ctx, s.queue.Order(active, started), result)

	refunded, err := s.repairRefunds(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("refund repair failed")
		result.Errors++
	}
	result.Refunded = refunded
	result.Duration = s.now().Sub(started)

	s.mu.Lock()
	s.lastSweepTime = started
	s.lastResult = result
	s.mu.Unlock()

	if result.Scanned > 0 || result.Refunded > 0 {
		s.logger.WithFields(map[string]interface{}{
			"scanned":  result.Scanned,
			"outcomes": result.Outcomes,
			"errors":   result.Errors,
			"refunded": result.Refunded,
		}).Info("sweep completed")
	}
	return result, nil
}

func (s *Sweeper) reconcileAll(ctx context.Context, records []*models.JobRecord, result *SweepResult) {
	if len(records) == 0 {
		return
	}

	// Background passes draw on the shared provider budget, leaving the reserve to callers
	opts := job.Options{Priority: ratelimit.PriorityLow}

	work := make(chan *models.JobRecord)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range work {
				res, err := s.reconciler.ReconcileRecord(ctx, record, opts)
				mu.Lock()
				if err != nil {
					result.Errors++
				} else {
					result.Outcomes[string(res.Outcome)]++
				}
				mu.Unlock()
				if err != nil {
					s.logger.WithError(err).WithField("job_id", record.ID).Warn("sweep reconcile failed")
				}
			}
		}()
	}

feed:
	for _, record := range records {
		select {
		case work <- record:
		case <-ctx.Done():
			break feed
		case <-s.stopCh:
			break feed
		}
	}
	close(work)
	wg.Wait()
}

func (s *Sweeper) repairRefunds(ctx context.Context) (int, error) {
	failures, err := s.jobs.ListUnrefundedFailures(ctx, s.reconciler.RefundableFailureCodes(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unrefunded failures: %w", err)
	}

	refunded := 0
	for _, record := range failures {
		if !s.reconciler.RefundEligible(record) {
			continue
		}
		if err := s.reconciler.RefundJob(ctx, record); err != nil {
			s.logger.WithError(err).WithField("job_id", record.ID).Warn("refund repair failed for job")
			continue
		}
		refunded++
	}
	return refunded, nil
}

// GetStatus returns current sweeper status
func (s *Sweeper) GetStatus() *SweeperStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &SweeperStatus{
		Running:         s.running,
		LastSweepTime:   s.lastSweepTime,
		LastResult:      s.lastResult,
		IntervalSeconds: int(s.interval.Seconds()),
		Workers:         s.workers,
	}
}
