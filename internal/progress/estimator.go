// Package progress derives a 0-100 progress value for a running job from
// whatever signal the provider exposes.
package progress

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/sselfie/generation-core/internal/types"
)

const (
	// StartingCeiling caps progress while the provider reports starting
	StartingCeiling = 10
	// ProcessingFloor and ProcessingCeiling bound time estimates while processing
	ProcessingFloor   = 10
	ProcessingCeiling = 95
	// ConcreteCeiling caps provider-reported values until the provider reports success
	ConcreteCeiling = 99
)

var (
	stepPattern    = regexp.MustCompile(`(?i)\bstep\s+(\d+)\s*/\s*(\d+)`)
	// A percent token must stand alone: "12.5%" and "v2_40%" are not progress
	percentPattern = regexp.MustCompile(`(?:^|[^\w.])(\d{1,3})%`)
	epochPattern   = regexp.MustCompile(`(?i)\bepoch\s+(\d+)\s*/\s*(\d+)`)
)

// Input is one observation of a running job. Now is injected so Estimate stays pure.
type Input struct {
	Status           types.ProviderStatus
	Metric           *float64
	Logs             string
	StartedAt        time.Time
	Now              time.Time
	ExpectedDuration time.Duration
}

// Snapshot is an estimated progress value and where it came from
type Snapshot struct {
	Progress int
	Source   types.ProgressSource
}

// Estimate returns progress for a job. Sources are tried in order: structured
// provider metric, log patterns, then elapsed time against the expected duration.
// Terminal provider states are not handled here; callers mark those 100 or leave
// progress untouched.
func Estimate(in Input) Snapshot {
	ceiling := ConcreteCeiling
	if in.Status == types.ProviderStatusStarting {
		ceiling = StartingCeiling
	}

	if in.Metric != nil && !math.IsNaN(*in.Metric) {
		v := int(math.Round(*in.Metric * 100))
		return Snapshot{Progress: clamp(v, 0, ceiling), Source: types.ProgressSourceProviderMetrics}
	}

	if v, ok := ParseLogs(in.Logs); ok {
		return Snapshot{Progress: clamp(v, 0, ceiling), Source: types.ProgressSourceLogParse}
	}

	return Snapshot{Progress: timeEstimate(in), Source: types.ProgressSourceTimeEstimate}
}

// ParseLogs extracts a percentage from provider logs. The most recent occurrence
// of each pattern wins. Patterns are tried as step counts, bare percentages, then
// epoch counts; a match outside (0, 100] counts as not found.
func ParseLogs(logs string) (int, bool) {
	if logs == "" {
		return 0, false
	}

	if n, m, ok := lastFraction(stepPattern, logs); ok && m > 0 {
		if v, ok := usable(float64(n) / float64(m) * 100); ok {
			return v, true
		}
	}

	if matches := percentPattern.FindAllStringSubmatch(logs, -1); len(matches) > 0 {
		last := matches[len(matches)-1]
		if n, err := strconv.Atoi(last[1]); err == nil {
			if v, ok := usable(float64(n)); ok {
				return v, true
			}
		}
	}

	if n, m, ok := lastFraction(epochPattern, logs); ok && m > 0 {
		if v, ok := usable(float64(n) / float64(m) * 100); ok {
			return v, true
		}
	}

	return 0, false
}

func usable(pct float64) (int, bool) {
	v := int(math.Round(pct))
	if v <= 0 || v > 100 {
		return 0, false
	}
	return v, true
}

func lastFraction(re *regexp.Regexp, logs string) (int, int, bool) {
	matches := re.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return 0, 0, false
	}
	last := matches[len(matches)-1]
	n, err := strconv.Atoi(last[1])
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.Atoi(last[2])
	if err != nil {
		return 0, 0, false
	}
	return n, m, true
}

func timeEstimate(in Input) int {
	elapsed := in.Now.Sub(in.StartedAt)
	if elapsed < 0 || in.StartedAt.IsZero() {
		elapsed = 0
	}

	expected := in.ExpectedDuration
	if expected <= 0 {
		expected = 20 * time.Minute
	}
	fraction := float64(elapsed) / float64(expected)

	if in.Status == types.ProviderStatusStarting {
		return clamp(int(math.Round(fraction*StartingCeiling)), 0, StartingCeiling)
	}

	span := float64(ProcessingCeiling - ProcessingFloor)
	v := ProcessingFloor + int(math.Round(fraction*span))
	return clamp(v, ProcessingFloor, ProcessingCeiling)
}

// Merge applies the persistence rule for a new observation against the stored
// value. Concrete provider values replace stored progress even when lower;
// time estimates never move it backwards. It returns the value to store and
// whether a decrease is permitted.
func Merge(stored int, next Snapshot) (int, bool) {
	if next.Source.IsConcrete() {
		return next.Progress, true
	}
	if next.Progress < stored {
		return stored, false
	}
	return next.Progress, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
