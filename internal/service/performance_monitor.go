package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sselfie/generation-core/internal/job"
)

// PollMonitor tracks status poll latency and how often polls were answered
// without contacting the provider
type PollMonitor struct {
	mu           sync.RWMutex
	pollTimes    []time.Duration
	outcomes     map[job.Outcome]int64
	stalePolls   int64
	slowPolls    int64
	totalPolls   int64
	maxSamples   int
	slowDuration time.Duration
}

// NewPollMonitor creates a new poll monitor
func NewPollMonitor() *PollMonitor {
	return &PollMonitor{
		pollTimes:    make([]time.Duration, 0, 1000),
		outcomes:     make(map[job.Outcome]int64),
		maxSamples:   1000, // Keep last 1000 samples
		slowDuration: 2 * time.Second,
	}
}

// RecordPoll records one status poll. stale polls have no outcome.
func (pm *PollMonitor) RecordPoll(duration time.Duration, outcome job.Outcome, stale bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalPolls++
	if stale {
		pm.stalePolls++
	} else {
		pm.outcomes[outcome]++
	}

	pm.pollTimes = append(pm.pollTimes, duration)
	if len(pm.pollTimes) > pm.maxSamples {
		pm.pollTimes = pm.pollTimes[len(pm.pollTimes)-pm.maxSamples:]
	}

	if duration > pm.slowDuration {
		pm.slowPolls++
	}
}

// GetStats returns current poll statistics
func (pm *PollMonitor) GetStats() *PollStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := &PollStats{
		TotalPolls: pm.totalPolls,
		StalePolls: pm.stalePolls,
		SlowPolls:  pm.slowPolls,
		Outcomes:   make(map[job.Outcome]int64, len(pm.outcomes)),
	}
	for outcome, n := range pm.outcomes {
		stats.Outcomes[outcome] = n
	}

	if pm.totalPolls > 0 {
		cached := pm.outcomes[job.OutcomeTerminalCached] + pm.outcomes[job.OutcomeCoalesced]
		stats.CachedRate = float64(cached) / float64(pm.totalPolls) * 100
		stats.StaleRate = float64(pm.stalePolls) / float64(pm.totalPolls) * 100
	}

	if len(pm.pollTimes) > 0 {
		sorted := make([]time.Duration, len(pm.pollTimes))
		copy(sorted, pm.pollTimes)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		stats.AvgPollMs = float64(total.Milliseconds()) / float64(len(sorted))

		p95Index := int(float64(len(sorted)) * 0.95)
		if p95Index < len(sorted) {
			stats.P95PollMs = float64(sorted[p95Index].Milliseconds())
		}
	}

	return stats
}

// Reset resets all poll metrics
func (pm *PollMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.pollTimes = make([]time.Duration, 0, 1000)
	pm.outcomes = make(map[job.Outcome]int64)
	pm.stalePolls = 0
	pm.slowPolls = 0
	pm.totalPolls = 0
}

// CheckHealth reports degraded polling, mostly a provider that keeps failing
func (pm *PollMonitor) CheckHealth() *PollHealth {
	stats := pm.GetStats()

	check := &PollHealth{
		Passed: true,
		Issues: make([]string, 0),
	}

	if stats.TotalPolls >= 20 && stats.StaleRate > 20 {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("stale poll rate (%.2f%%) exceeds 20%% - provider may be unavailable", stats.StaleRate))
	}

	if stats.P95PollMs > float64(pm.slowDuration.Milliseconds()) {
		check.Issues = append(check.Issues,
			fmt.Sprintf("p95 poll time (%.0fms) exceeds %s", stats.P95PollMs, pm.slowDuration))
	}

	return check
}

// PollStats contains status poll statistics
type PollStats struct {
	TotalPolls int64                 `json:"totalPolls"`
	StalePolls int64                 `json:"stalePolls"`
	SlowPolls  int64                 `json:"slowPolls"`
	Outcomes   map[job.Outcome]int64 `json:"outcomes"`
	CachedRate float64               `json:"cachedRate"` // Percentage
	StaleRate  float64               `json:"staleRate"`  // Percentage
	AvgPollMs  float64               `json:"avgPollMs"`
	P95PollMs  float64               `json:"p95PollMs"`
}

// PollHealth contains poll health check results
type PollHealth struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}
