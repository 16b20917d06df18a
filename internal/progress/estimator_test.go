package progress

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/sselfie/generation-core/internal/types"
)

func metric(v float64) *float64 { return &v }

func TestEstimate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		in         Input
		want       int
		wantSource types.ProgressSource
	}{
		{
			name:       "structured metric wins",
			in:         Input{Status: types.ProviderStatusProcessing, Metric: metric(0.4), Logs: "step 90/100"},
			want:       40,
			wantSource: types.ProgressSourceProviderMetrics,
		},
		{
			name:       "metric rounds",
			in:         Input{Status: types.ProviderStatusProcessing, Metric: metric(0.876)},
			want:       88,
			wantSource: types.ProgressSourceProviderMetrics,
		},
		{
			name:       "metric never claims completion",
			in:         Input{Status: types.ProviderStatusProcessing, Metric: metric(1.0)},
			want:       99,
			wantSource: types.ProgressSourceProviderMetrics,
		},
		{
			name:       "step pattern",
			in:         Input{Status: types.ProviderStatusProcessing, Logs: "loading\nflux_train step 20/100 loss=0.1\n"},
			want:       20,
			wantSource: types.ProgressSourceLogParse,
		},
		{
			name:       "last step occurrence wins",
			in:         Input{Status: types.ProviderStatusProcessing, Logs: "step 10/100\nstep 55/100\n"},
			want:       55,
			wantSource: types.ProgressSourceLogParse,
		},
		{
			name:       "percentage pattern",
			in:         Input{Status: types.ProviderStatusProcessing, Logs: "sampling 12%\nsampling 67%|#####"},
			want:       67,
			wantSource: types.ProgressSourceLogParse,
		},
		{
			name:       "epoch pattern",
			in:         Input{Status: types.ProviderStatusProcessing, Logs: "epoch 3/10"},
			want:       30,
			wantSource: types.ProgressSourceLogParse,
		},
		{
			name: "epoch zero falls through to time estimate",
			in: Input{
				Status:           types.ProviderStatusProcessing,
				Logs:             "epoch 0/10",
				StartedAt:        now.Add(-5 * time.Minute),
				Now:              now,
				ExpectedDuration: 20 * time.Minute,
			},
			want:       31,
			wantSource: types.ProgressSourceTimeEstimate,
		},
		{
			name: "time estimate while processing",
			in: Input{
				Status:           types.ProviderStatusProcessing,
				StartedAt:        now.Add(-5 * time.Minute),
				Now:              now,
				ExpectedDuration: 20 * time.Minute,
			},
			want:       31,
			wantSource: types.ProgressSourceTimeEstimate,
		},
		{
			name: "time estimate floor",
			in: Input{
				Status:           types.ProviderStatusProcessing,
				StartedAt:        now,
				Now:              now,
				ExpectedDuration: 20 * time.Minute,
			},
			want:       10,
			wantSource: types.ProgressSourceTimeEstimate,
		},
		{
			name: "time estimate ceiling when overdue",
			in: Input{
				Status:           types.ProviderStatusProcessing,
				StartedAt:        now.Add(-2 * time.Hour),
				Now:              now,
				ExpectedDuration: 20 * time.Minute,
			},
			want:       95,
			wantSource: types.ProgressSourceTimeEstimate,
		},
		{
			name: "starting caps at ten",
			in: Input{
				Status:           types.ProviderStatusStarting,
				StartedAt:        now.Add(-time.Hour),
				Now:              now,
				ExpectedDuration: 20 * time.Minute,
			},
			want:       10,
			wantSource: types.ProgressSourceTimeEstimate,
		},
		{
			name:       "starting caps concrete values",
			in:         Input{Status: types.ProviderStatusStarting, Logs: "step 50/100"},
			want:       10,
			wantSource: types.ProgressSourceLogParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimate(tt.in)
			assert.Equal(t, tt.want, got.Progress)
			assert.Equal(t, tt.wantSource, got.Source)
		})
	}
}

func TestParseLogs_PercentToken(t *testing.T) {
	tests := []struct {
		name   string
		logs   string
		want   int
		wantOK bool
	}{
		{"standalone", "sampling 45% done", 45, true},
		{"line start", "72%|#######   | 72/100", 72, true},
		{"last token wins", "10% done\n35% done", 35, true},
		{"after bracket", "progress [60%]", 60, true},
		{"decimal fraction", "loss 0.31 lr 12.5% warmup", 0, false},
		{"identifier suffix", "checkpoint v2_40% saved", 0, false},
		{"letters before", "run abc40% ok", 0, false},
		{"standalone after decimal noise", "lr 12.5% then 30% complete", 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLogs(tt.logs)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLogs_NoSignal(t *testing.T) {
	_, ok := ParseLogs("")
	assert.False(t, ok)

	_, ok = ParseLogs("downloading weights\nloading pipeline")
	assert.False(t, ok)

	_, ok = ParseLogs("step 5/0")
	assert.False(t, ok)

	_, ok = ParseLogs("step 0/100")
	assert.False(t, ok)

	_, ok = ParseLogs("progress 0%")
	assert.False(t, ok)

	_, ok = ParseLogs("step 150/100")
	assert.False(t, ok)
}

func TestMerge(t *testing.T) {
	v, allowDecrease := Merge(60, Snapshot{Progress: 40, Source: types.ProgressSourceProviderMetrics})
	assert.Equal(t, 40, v, "provider truth wins")
	assert.True(t, allowDecrease)

	v, allowDecrease = Merge(60, Snapshot{Progress: 30, Source: types.ProgressSourceTimeEstimate})
	assert.Equal(t, 60, v, "estimates never regress")
	assert.False(t, allowDecrease)

	v, _ = Merge(20, Snapshot{Progress: 45, Source: types.ProgressSourceTimeEstimate})
	assert.Equal(t, 45, v)
}

func TestEstimateProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expected := 20 * time.Minute

	properties.Property("time estimates are non-decreasing and bounded", prop.ForAll(
		func(a, b int64) bool {
			if a > b {
				a, b = b, a
			}
			in := Input{Status: types.ProviderStatusProcessing, StartedAt: start, ExpectedDuration: expected}
			in.Now = start.Add(time.Duration(a) * time.Second)
			first := Estimate(in)
			in.Now = start.Add(time.Duration(b) * time.Second)
			second := Estimate(in)
			return first.Progress <= second.Progress &&
				second.Progress >= ProcessingFloor && second.Progress <= ProcessingCeiling
		},
		gen.Int64Range(0, 7200),
		gen.Int64Range(0, 7200),
	))

	properties.Property("estimate is deterministic", prop.ForAll(
		func(secs int64, logs string) bool {
			in := Input{
				Status:           types.ProviderStatusProcessing,
				Logs:             logs,
				StartedAt:        start,
				Now:              start.Add(time.Duration(secs) * time.Second),
				ExpectedDuration: expected,
			}
			return Estimate(in) == Estimate(in)
		},
		gen.Int64Range(0, 7200),
		gen.AlphaString(),
	))

	properties.Property("never reports completion while running", prop.ForAll(
		func(m float64) bool {
			got := Estimate(Input{Status: types.ProviderStatusProcessing, Metric: &m})
			return got.Progress >= 0 && got.Progress < 100
		},
		gen.Float64Range(-1, 5),
	))

	properties.Property("non-decreasing log sequence yields non-decreasing progress", prop.ForAll(
		func(steps []int) bool {
			logs := ""
			prev := -1
			current := 0
			for _, s := range steps {
				current += s
				if current > 100 {
					current = 100
				}
				logs += "step " + strconv.Itoa(current) + "/100\n"
				got := Estimate(Input{Status: types.ProviderStatusProcessing, Logs: logs})
				if got.Progress < prev {
					return false
				}
				prev = got.Progress
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 30)),
	))

	properties.TestingRun(t)
}
