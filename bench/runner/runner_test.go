package runner

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashlab/digestbench/bench"
	"github.com/hashlab/digestbench/bench/digest"
	"github.com/hashlab/digestbench/bench/internal/testutil"
	"github.com/hashlab/digestbench/bench/ring"
	"github.com/hashlab/digestbench/bench/rng"
)

// collect runs cfg synchronously and returns every emitted event.
func collect(t *testing.T, r *Runner, cfg bench.Config) ([]bench.Event, error) {
	t.Helper()
	var events []bench.Event
	err := r.Execute(context.Background(), cfg, func(e bench.Event) { events = append(events, e) })
	return events, err
}

func results(events []bench.Event) []bench.CellSummary {
	var out []bench.CellSummary
	for _, e := range events {
		if r, ok := e.(bench.ResultEvent); ok {
			out = append(out, r.Summary)
		}
	}
	return out
}

func lastDone(t *testing.T, events []bench.Event) bench.DoneMeta {
	t.Helper()
	require.NotEmpty(t, events)
	done, ok := events[len(events)-1].(bench.DoneEvent)
	require.True(t, ok, "last event is %T, want DoneEvent", events[len(events)-1])
	return done.Meta
}

func noSleep(context.Context, time.Duration) error { return nil }

func newRunner(d digest.Digester, clock digest.Clock, opts ...Option) *Runner {
	opts = append([]Option{WithRNG(rng.NewPartitionedRNG(42)), WithSleep(noSleep)}, opts...)
	return New(d, clock, opts...)
}

func oneCell(cfg bench.Config) bench.Config {
	cfg.Algorithms = []string{"SHA-256"}
	cfg.Sizes = []int{64}
	return cfg
}

func TestRun_DeterministicPrimitiveIsStable(t *testing.T) {
	// GIVEN one cell, a 1s budget and a mock primitive taking exactly 1ms
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	cfg := oneCell(bench.Config{TotalBudgetMs: 1000, MinRecordedBatches: 8})

	// WHEN the run executes
	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	// THEN a single stable result reports ~1000 ops/s from at least 8 batches
	rs := results(events)
	require.Len(t, rs, 1)
	s := rs[0]
	assert.False(t, s.Failed())
	assert.GreaterOrEqual(t, s.Batches, 8)
	assert.GreaterOrEqual(t, s.Iterations, 8)
	assert.InDelta(t, 1000, s.OpsPerSec, 1e-6)
	assert.InDelta(t, 0, s.CoefficientOfVariation, 1e-12)
	assert.True(t, s.IsStable)
	assert.Zero(t, s.RemediationAttempts)
	assert.InDelta(t, 1000, s.BudgetMs, 1e-9)

	_, first := events[0].(bench.ReadyEvent)
	assert.True(t, first, "first event must be ready")
	meta := lastDone(t, events)
	assert.NotEmpty(t, meta.RunID)
	assert.Zero(t, meta.SamplesDropped)
	assert.Empty(t, meta.DebugSeedFingerprint)
	assert.True(t, meta.IsolationActive)
}

func TestRun_FailingPrimitiveReportsOneErrorResult(t *testing.T) {
	// GIVEN a primitive that fails on every call
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Err: errors.New("operation not supported")}

	// WHEN the run executes
	events, err := collect(t, newRunner(d, clock), oneCell(bench.Config{TotalBudgetMs: 1000}))
	require.NoError(t, err)

	// THEN exactly one error result is reported and the run still completes
	rs := results(events)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Failed())
	assert.Contains(t, rs[0].Error, "operation not supported")
	assert.Equal(t, bench.Cell{Algorithm: "SHA-256", SizeBytes: 64}, rs[0].Cell())
	lastDone(t, events)
}

func TestRun_HighVarianceExhaustsRemediation(t *testing.T) {
	// GIVEN alternating 1ms/100ms calls, one call per batch and two remediation attempts
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1, 100}}
	cfg := oneCell(bench.Config{
		TotalBudgetMs:          1000,
		PerBatchSampleLimit:    1,
		MaxRemediationAttempts: 2,
	})

	// WHEN the run executes
	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	// THEN the last attempt is reported, still unstable, and not as an error
	rs := results(events)
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Failed())
	assert.Equal(t, 2, rs[0].RemediationAttempts)
	assert.False(t, rs[0].IsStable)
	assert.Greater(t, rs[0].CoefficientOfVariation, 0.10)
}

func TestRun_NoRemediationWhenDisabled(t *testing.T) {
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1, 100}}
	cfg := oneCell(bench.Config{
		TotalBudgetMs:          500,
		PerBatchSampleLimit:    1,
		MaxRemediationAttempts: bench.NoRemediation,
	})

	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	rs := results(events)
	require.Len(t, rs, 1)
	assert.Zero(t, rs[0].RemediationAttempts)
	assert.False(t, rs[0].IsStable)
}

// brokenAlgorithm fails one algorithm and delegates the rest.
type brokenAlgorithm struct {
	inner  digest.Digester
	broken string
}

func (b brokenAlgorithm) Digest(ctx context.Context, alg string, data []byte) ([]byte, error) {
	if alg == b.broken {
		return nil, errors.New("not implemented")
	}
	return b.inner.Digest(ctx, alg, data)
}

func TestRun_HardFailureDoesNotAbortRun(t *testing.T) {
	// GIVEN three cells in the middle of which one algorithm is broken
	clock := &testutil.FakeClock{}
	d := brokenAlgorithm{
		inner:  &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}},
		broken: "MD4",
	}
	cfg := bench.Config{
		Algorithms:         []string{"SHA-1", "MD4", "SHA-512"},
		Sizes:              []int{64},
		TotalBudgetMs:      600,
		MinRecordedBatches: 4,
	}

	// WHEN the run executes
	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	// THEN results come in cell order and only the broken cell carries an error
	rs := results(events)
	require.Len(t, rs, 3)
	assert.Equal(t, "SHA-1", rs[0].Algorithm)
	assert.False(t, rs[0].Failed())
	assert.Equal(t, "MD4", rs[1].Algorithm)
	assert.True(t, rs[1].Failed())
	assert.Equal(t, "SHA-512", rs[2].Algorithm)
	assert.False(t, rs[2].Failed())
	lastDone(t, events)
}

func TestRun_EventOrder(t *testing.T) {
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	cfg := bench.Config{
		Algorithms:         []string{"SHA-1"},
		Sizes:              []int{64, 128},
		TotalBudgetMs:      200,
		MinRecordedBatches: 2,
	}

	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	// Phases never go backwards and results only appear during measurement.
	rank := map[bench.Phase]int{
		bench.PhaseEnvironment: 0,
		bench.PhaseCalibration: 1,
		bench.PhaseAllocation:  2,
		bench.PhaseMeasurement: 3,
	}
	current := -1
	var kinds []bench.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind())
		switch ev := e.(type) {
		case bench.ProgressEvent:
			r := rank[ev.Phase]
			require.GreaterOrEqual(t, r, current, "phase %s after rank %d", ev.Phase, current)
			current = r
		case bench.ResultEvent:
			require.GreaterOrEqual(t, current, rank[bench.PhaseAllocation])
		}
	}
	assert.Equal(t, bench.KindReady, kinds[0])
	assert.Equal(t, bench.KindDone, kinds[len(kinds)-1])

	var calibrated int
	for _, e := range events {
		if p, ok := e.(bench.ProgressEvent); ok && p.Phase == bench.PhaseCalibration {
			calibrated++
			assert.Equal(t, 2, p.Total)
			assert.Equal(t, calibrated, p.Completed)
		}
	}
	assert.Equal(t, 2, calibrated, "one calibration progress event per cell")
}

func TestRun_InvalidConfigEmitsError(t *testing.T) {
	cfg := bench.Config{StabilityFlagThreshold: 0.01, StabilityStopThreshold: 0.5}
	events, err := collect(t, newRunner(nil, &testutil.FakeClock{}), cfg)

	require.ErrorIs(t, err, bench.ErrInvalidConfig)
	require.Len(t, events, 1)
	assert.IsType(t, bench.ErrorEvent{}, events[0])
}

func TestRun_CooldownBetweenCellsInConstrainedProfile(t *testing.T) {
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	var pauses []time.Duration
	sleep := func(_ context.Context, dur time.Duration) error {
		pauses = append(pauses, dur)
		return nil
	}
	cfg := bench.Config{
		Algorithms:         []string{"SHA-1"},
		Sizes:              []int{64, 128, 256},
		TotalBudgetMs:      300,
		MinRecordedBatches: 2,
		ConstrainedProfile: true,
		CooldownMs:         250,
	}

	_, err := collect(t, newRunner(d, clock, WithSleep(sleep)), cfg)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, pauses)
}

func TestRun_CooldownDisabledInConstrainedProfile(t *testing.T) {
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	slept := 0
	sleep := func(context.Context, time.Duration) error {
		slept++
		return nil
	}
	cfg := bench.Config{
		Algorithms:         []string{"SHA-1"},
		Sizes:              []int{64, 128},
		TotalBudgetMs:      200,
		MinRecordedBatches: 2,
		ConstrainedProfile: true,
		CooldownMs:         bench.Disabled,
	}

	events, err := collect(t, newRunner(d, clock, WithSleep(sleep)), cfg)
	require.NoError(t, err)

	assert.Zero(t, slept)
	assert.Len(t, results(events), 2)
}

func TestRun_DebugFingerprintOnlyInDebugMode(t *testing.T) {
	key := rng.NewPartitionedRNG(7)
	for _, debug := range []bool{false, true} {
		clock := &testutil.FakeClock{}
		d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
		cfg := oneCell(bench.Config{TotalBudgetMs: 100, MinRecordedBatches: 2, DebugMode: debug})

		events, err := collect(t, newRunner(d, clock, WithRNG(key)), cfg)
		require.NoError(t, err)

		meta := lastDone(t, events)
		if debug {
			assert.Equal(t, key.Fingerprint(), meta.DebugSeedFingerprint)
			assert.Len(t, meta.DebugSeedFingerprint, 16)
		} else {
			assert.Empty(t, meta.DebugSeedFingerprint)
		}
	}
}

func TestRun_StreamsIntoCallerTransport(t *testing.T) {
	// GIVEN a caller-owned transport
	buf, err := ring.New(256)
	require.NoError(t, err)
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	cfg := oneCell(bench.Config{TotalBudgetMs: 300, MinRecordedBatches: 4, Transport: buf})

	// WHEN the run completes
	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	// THEN one sample per final batch was committed and the run is flagged done
	rs := results(events)
	require.Len(t, rs, 1)
	assert.Equal(t, uint32(rs[0].Batches), buf.Committed())
	assert.True(t, buf.Done())
}

func TestRun_BadTransportCapacityDegradesToNoStreaming(t *testing.T) {
	clock := &testutil.FakeClock{}
	d := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	cfg := oneCell(bench.Config{TotalBudgetMs: 100, MinRecordedBatches: 2, TransportCapacity: 1000})

	events, err := collect(t, newRunner(d, clock), cfg)
	require.NoError(t, err)

	var degraded bool
	for _, e := range events {
		if p, ok := e.(bench.ProgressEvent); ok && strings.Contains(p.Message, "streaming disabled") {
			degraded = true
		}
	}
	assert.True(t, degraded, "a progress event must report the disabled transport")
	rs := results(events)
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Failed())
	lastDone(t, events)
}

func TestRun_CancellationSuppressesResults(t *testing.T) {
	// GIVEN a run cancelled from inside the 30th digest call
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &testutil.FakeClock{}
	inner := &testutil.ScriptedDigester{Clock: clock, Durations: []float64{1}}
	d := &testutil.CancelAfter{Inner: inner, Limit: 30, Cancel: cancel}
	r := newRunner(d, clock)

	// WHEN the events are drained
	var events []bench.Event
	for e := range r.Run(ctx, oneCell(bench.Config{TotalBudgetMs: 1000})) {
		events = append(events, e)
	}

	// THEN the stream closes with no results and no done event
	for _, e := range events {
		assert.NotEqual(t, bench.KindResult, e.Kind())
		assert.NotEqual(t, bench.KindDone, e.Kind())
	}
	assert.Less(t, inner.Calls(), 30)
}

func TestAllocateBudgets(t *testing.T) {
	tests := []struct {
		name  string
		calib []float64
		total float64
		floor float64
		want  []float64
	}{
		{"inverse square root weights", []float64{1, 4}, 300, 0, []float64{200, 100}},
		{"equal cells split evenly", []float64{2, 2, 2, 2}, 100, 0, []float64{25, 25, 25, 25}},
		{"failed cell gets nothing", []float64{1, math.Inf(1), 1}, 100, 0, []float64{50, 0, 50}},
		{"all failed", []float64{math.Inf(1), math.NaN()}, 100, 0, []float64{0, 0}},
		{"empty", nil, 100, 0, []float64{}},
		{"zero reading takes the median of resolved cells", []float64{0, 0.005, 0.005, 0.005}, 20000, 0, []float64{5000, 5000, 5000, 5000}},
		{"reading below the clock floor is unresolved", []float64{0.00001, 1, 1, 4}, 350, 0.0001, []float64{100, 100, 100, 50}},
		{"nothing resolved splits evenly", []float64{0, 0, 0}, 90, 0.001, []float64{30, 30, 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AllocateBudgets(tt.calib, tt.total, tt.floor)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-9, "budget %d", i)
			}
		})
	}
}

func TestAllocateBudgets_SlowCellIsNotStarved(t *testing.T) {
	// GIVEN a cell 10000x slower than its neighbour
	got := AllocateBudgets([]float64{0.01, 100}, 1000, 0)

	// THEN the slow cell still receives 1% of the budget, far more than the
	// 0.01% a linear inverse weighting would leave it
	assert.InDelta(t, 1000, got[0]+got[1], 1e-9)
	assert.InDelta(t, 1000.0/101, got[1], 1e-9)
}

func TestAllocateBudgets_ZeroReadingDoesNotDominate(t *testing.T) {
	// GIVEN one cell whose calibration finished inside a single clock tick
	got := AllocateBudgets([]float64{0, 0.005, 0.02}, 3000, 0.001/20)

	// THEN it is weighted like the median resolved cell (0.0125 ms), not like
	// an infinitely fast one
	assert.InDelta(t, got[0], got[1]*math.Sqrt(0.005/0.0125), 1e-9)
	assert.Less(t, got[0], 3000.0/2)
}

func TestSend_CancelledContextWinsOverFreeBuffer(t *testing.T) {
	// GIVEN a cancelled context and a channel with room
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan bench.Event, 64)

	// WHEN events are sent repeatedly
	for i := 0; i < 64; i++ {
		assert.False(t, send(ctx, ch, bench.ResultEvent{}))
	}

	// THEN none is delivered
	assert.Zero(t, len(ch))
	assert.True(t, send(context.Background(), ch, bench.ReadyEvent{}))
	assert.Equal(t, 1, len(ch))
}

func TestTransportOverhead_FrozenClockIsZero(t *testing.T) {
	assert.Zero(t, TransportOverhead(&testutil.FakeClock{}))
	assert.GreaterOrEqual(t, TransportOverhead(digest.NewMonotonicClock()), 0.0)
}
