// Package ratelimit coordinates the provider call budget across every process
// that talks to the generation provider.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sselfie/generation-core/internal/logging"
)

// Default budget configuration values.
const (
	DefaultCallsPerSecond = 10
	DefaultReservedCalls  = 6
	DefaultWindowSize     = time.Second
	DefaultKeyTTL         = 2 * time.Second
	DefaultMaxWait        = 5 * time.Second
)

// Redis key prefixes for call tracking.
const (
	KeyPrefixTotal    = "provider_budget:total:"
	KeyPrefixReserved = "provider_budget:reserved:"
	KeyPrefixShared   = "provider_budget:shared:"
)

// ErrMaxWaitExceeded is returned when budget did not free up within the max wait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for provider budget")

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is for interactive status polls and webhooks (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for the background sweep (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx with the budget pool for provider calls made under it.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the priority on ctx, PriorityHigh when unset.
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// tryConsumeScript atomically checks both the total and the pool counter and
// increments them only if both have room.
var tryConsumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + n, poolUsed + n}
`)

// ProviderBudget is a fixed-window limiter on provider calls shared through
// Redis, with a reserved pool for interactive work and a shared pool for
// background work.
type ProviderBudget struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	maxWait        time.Duration
	logger         *logging.Logger
	now            func() time.Time
}

// ProviderBudgetConfig holds configuration for the budget.
type ProviderBudgetConfig struct {
	// Redis is required; the budget is meaningless without a shared counter.
	Redis redis.Cmdable

	CallsPerSecond int
	ReservedCalls  int
	WindowSize     time.Duration
	KeyTTL         time.Duration
	MaxWait        time.Duration
	Logger         *logging.Logger
}

// UsageStats contains current consumption in the active window.
type UsageStats struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// Validate checks if the configuration is valid.
func (c *ProviderBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.CallsPerSecond < 0 {
		return errors.New("calls per second cannot be negative")
	}
	if c.ReservedCalls < 0 {
		return errors.New("reserved calls cannot be negative")
	}

	total := c.CallsPerSecond
	if total == 0 {
		total = DefaultCallsPerSecond
	}
	reserved := c.ReservedCalls
	if reserved == 0 {
		reserved = DefaultReservedCalls
	}
	if reserved > total {
		return fmt.Errorf("reserved calls (%d) cannot exceed total calls (%d)", reserved, total)
	}
	return nil
}

// NewProviderBudget creates a budget with the given configuration.
func NewProviderBudget(cfg *ProviderBudgetConfig) (*ProviderBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &ProviderBudget{
		redis:          cfg.Redis,
		totalBudget:    cfg.CallsPerSecond,
		reservedBudget: cfg.ReservedCalls,
		windowSize:     cfg.WindowSize,
		keyTTL:         cfg.KeyTTL,
		maxWait:        cfg.MaxWait,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if b.totalBudget == 0 {
		b.totalBudget = DefaultCallsPerSecond
	}
	if b.reservedBudget == 0 {
		b.reservedBudget = DefaultReservedCalls
	}
	b.sharedBudget = b.totalBudget - b.reservedBudget
	if b.windowSize == 0 {
		b.windowSize = DefaultWindowSize
	}
	if b.keyTTL == 0 {
		b.keyTTL = DefaultKeyTTL
	}
	if b.maxWait == 0 {
		b.maxWait = DefaultMaxWait
	}
	if b.logger == nil {
		b.logger = logging.GetGlobalLogger()
	}
	b.logger = b.logger.WithField("component", "provider_budget")
	return b, nil
}

// SetClock replaces the time source used to pick the window.
func (b *ProviderBudget) SetClock(now func() time.Time) {
	b.now = now
}

func (b *ProviderBudget) windowTimestamp() int64 {
	return b.now().Truncate(b.windowSize).UnixMilli()
}

func (b *ProviderBudget) keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume attempts to take n calls from the pool for priority. When refused
// it returns the time until the next window.
func (b *ProviderBudget) TryConsume(ctx context.Context, n int, priority Priority) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	windowTS := b.windowTimestamp()
	totalKey, reservedKey, sharedKey := b.keys(windowTS)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}

	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := tryConsumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		n, b.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		b.logger.WithError(err).Warn("budget check failed, denying call")
		return false, b.waitTime(windowTS)
	}
	if result[0] != 1 {
		return false, b.waitTime(windowTS)
	}
	return true, 0
}

func (b *ProviderBudget) waitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(b.windowSize)
	wait := windowEnd.Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Acquire waits until one call can be taken from the pool named by ctx's
// priority, the max wait elapses, or ctx is done.
func (b *ProviderBudget) Acquire(ctx context.Context, operation string) error {
	priority := PriorityFromContext(ctx)
	deadline := b.now().Add(b.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := b.TryConsume(ctx, 1, priority)
		if allowed {
			return nil
		}

		if b.now().Add(wait).After(deadline) {
			b.logger.WithFields(map[string]interface{}{
				"operation": operation,
				"priority":  priority.String(),
			}).Warn("provider budget exhausted")
			return ErrMaxWaitExceeded
		}

		b.logger.WithFields(map[string]interface{}{
			"operation": operation,
			"priority":  priority.String(),
			"wait":      wait.String(),
		}).Debug("waiting for provider budget")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetUsage returns consumption in the current window.
func (b *ProviderBudget) GetUsage(ctx context.Context) (*UsageStats, error) {
	windowTS := b.windowTimestamp()
	totalKey, reservedKey, sharedKey := b.keys(windowTS)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read provider budget usage: %w", err)
	}

	return &UsageStats{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

// AvailableBudget returns the calls left in the current window for priority.
func (b *ProviderBudget) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := b.GetUsage(ctx)
	if err != nil {
		return 0, err
	}
	available := b.sharedBudget - stats.SharedUsed
	if priority == PriorityHigh {
		available = b.reservedBudget - stats.ReservedUsed
	}
	if remaining := b.totalBudget - stats.TotalUsed; remaining < available {
		available = remaining
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}
