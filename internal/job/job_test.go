package job

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/adapter"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/resolver"
	"github.com/sselfie/generation-core/internal/storage"
	"github.com/sselfie/generation-core/internal/types"
)

const (
	testTrainer        = "ostris/flux-dev-lora-trainer"
	testTrainerVersion = "trainer-v1"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store      *storage.MemoryJobStore
	ledger     *ledger.Ledger
	provider   *adapter.FakeProvider
	submitter  *Submitter
	reconciler *Reconciler
	clock      *testClock
}

type harnessOption func(*ReconcilerDeps, *ReconcilerConfig)

func withSnapshots(c SnapshotCache) harnessOption {
	return func(d *ReconcilerDeps, _ *ReconcilerConfig) { d.Snapshots = c }
}

func withLocker(l Locker) harnessOption {
	return func(d *ReconcilerDeps, _ *ReconcilerConfig) { d.Locker = l }
}

func withRefundPolicy(refund bool) harnessOption {
	return func(_ *ReconcilerDeps, c *ReconcilerConfig) { c.RefundFailedJobs = refund }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	store := storage.NewMemoryJobStore()
	store.SetClock(clock.Now)
	l := ledger.NewLedger(storage.NewMemoryLedgerStore(), logger)
	fake := adapter.NewFakeProvider()
	res := resolver.NewResolver(resolver.Config{
		TrainerModel:       testTrainer,
		TrainerVersion:     testTrainerVersion,
		WeightsURLTemplate: "https://weights.example.com/{model}/{version}.tar",
	}, fake, logger)

	deps := ReconcilerDeps{Store: store, Provider: fake, Resolver: res, Ledger: l, Logger: logger}
	cfg := DefaultReconcilerConfig()
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	sub := NewSubmitter(store, l, fake, logger)
	sub.SetClock(clock.Now)
	rec := NewReconciler(deps, cfg)
	rec.SetClock(clock.Now)

	return &harness{store: store, ledger: l, provider: fake, submitter: sub, reconciler: rec, clock: clock}
}

func (h *harness) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := h.ledger.Grant(context.Background(), ledger.GrantInput{
		UserID:         userID,
		Amount:         amount,
		Kind:           types.LedgerKindPurchase,
		IdempotencyKey: "grant-" + userID,
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) submitTraining(t *testing.T, userID string, cost int64) *SubmitResult {
	t.Helper()
	res, err := h.submitter.Submit(context.Background(), SubmitInput{
		UserID:       userID,
		JobType:      types.JobTypeTraining,
		Input:        map[string]interface{}{"steps": 100},
		DeclaredCost: cost,
		Destination:  "alice/selfie",
	})
	require.NoError(t, err)
	return res
}
