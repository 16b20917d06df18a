package adapter

import (
	"context"
	"errors"

	"github.com/sselfie/generation-core/internal/circuitbreaker"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/ratelimit"
	"github.com/sselfie/generation-core/internal/retry"
)

// Budget hands out provider calls. The pool is chosen from ctx.
type Budget interface {
	Acquire(ctx context.Context, operation string) error
}

// GuardOptions configures GuardedProvider
type GuardOptions struct {
	Name    string
	Breaker *circuitbreaker.CircuitBreaker
	Retry   *retry.RetryConfig
	// Budget may be nil when no shared budget is configured
	Budget Budget
	Logger *logging.Logger
}

// GuardedProvider wraps a Provider with the call budget, a circuit breaker and,
// for reads only, retries. Submissions are never retried because they are not
// idempotent on the provider side.
type GuardedProvider struct {
	next    Provider
	name    string
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig
	budget  Budget
	logger  *logging.Logger
}

// NewGuardedProvider wraps next
func NewGuardedProvider(next Provider, opts GuardOptions) *GuardedProvider {
	if opts.Name == "" {
		opts.Name = "provider"
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.Breaker == nil {
		cfg := circuitbreaker.DefaultConfig(opts.Name)
		cfg.IsFailure = apperrors.IsProviderUnavailable
		opts.Breaker = circuitbreaker.NewCircuitBreaker(cfg, opts.Logger)
	}

	retryCfg := *retry.DefaultRetryConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	retryCfg.ShouldRetry = shouldRetry

	return &GuardedProvider{
		next:    next,
		name:    opts.Name,
		breaker: opts.Breaker,
		retry:   &retryCfg,
		budget:  opts.Budget,
		logger:  opts.Logger.WithField("component", "guarded_provider"),
	}
}

// Submit starts a remote job, at most once
func (g *GuardedProvider) Submit(ctx context.Context, spec JobSpec) (string, error) {
	var remoteID string
	err := g.call(ctx, "submit", func(ctx context.Context) error {
		id, err := g.next.Submit(ctx, spec)
		remoteID = id
		return err
	})
	return remoteID, err
}

// Fetch reads a remote job, retrying transient failures
func (g *GuardedProvider) Fetch(ctx context.Context, job RemoteJob) (*Snapshot, error) {
	var snap *Snapshot
	err := retry.Do(ctx, g.retry, func(ctx context.Context, attempt int) error {
		return g.call(ctx, "fetch", func(ctx context.Context) error {
			s, err := g.next.Fetch(ctx, job)
			snap = s
			return err
		})
	})
	if err != nil {
		return nil, unwrapRetry(err)
	}
	return snap, nil
}

// ListVersions lists model versions, retrying transient failures
func (g *GuardedProvider) ListVersions(ctx context.Context, modelRef string) ([]Version, error) {
	var versions []Version
	err := retry.Do(ctx, g.retry, func(ctx context.Context, attempt int) error {
		return g.call(ctx, "list_versions", func(ctx context.Context) error {
			v, err := g.next.ListVersions(ctx, modelRef)
			versions = v
			return err
		})
	})
	if err != nil {
		return nil, unwrapRetry(err)
	}
	return versions, nil
}

// Breaker exposes the circuit breaker for health reporting
func (g *GuardedProvider) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func (g *GuardedProvider) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if g.budget != nil {
		if err := g.budget.Acquire(ctx, operation); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return apperrors.NewProviderUnavailableError(g.name, err)
			}
			e := apperrors.NewProviderRateLimitError(g.name)
			e.Cause = err
			return e
		}
	}

	err := g.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		g.logger.WithField("operation", operation).Debug("provider call short-circuited")
		return apperrors.NewProviderUnavailableError(g.name, err)
	}
	return err
}

func shouldRetry(err error) bool {
	if !apperrors.IsProviderUnavailable(err) {
		return false
	}
	return !errors.Is(err, circuitbreaker.ErrCircuitOpen) &&
		!errors.Is(err, circuitbreaker.ErrTooManyRequests) &&
		!errors.Is(err, ratelimit.ErrMaxWaitExceeded) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// unwrapRetry keeps the typed provider error when retries were exhausted
func unwrapRetry(err error) error {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}
	return apperrors.NewProviderUnavailableError("provider", err)
}
