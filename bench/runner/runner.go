// Package runner implements the Measurement Orchestrator: the three-phase
// protocol (calibration, budget allocation, measurement with remediation)
// across every cell of a run, reported as an ordered stream of events.
package runner

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/hashlab/digestbench/bench"
	"github.com/hashlab/digestbench/bench/digest"
	"github.com/hashlab/digestbench/bench/measure"
	"github.com/hashlab/digestbench/bench/ring"
	"github.com/hashlab/digestbench/bench/rng"
	"github.com/hashlab/digestbench/bench/stats"
)

const (
	granularityAttempts = 5
	overheadProbePushes = 4096
	minCalibrationMs    = 1e-6 // floor on calibration time when the clock reports no granularity
	eventBuffer         = 32
)

// Runner drives complete runs. A Runner may execute several runs, one after
// the other.
type Runner struct {
	digester   digest.Digester
	clock      digest.Clock
	rng        *rng.PartitionedRNG
	sleep      func(ctx context.Context, d time.Duration) error
	lockThread bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithRNG fixes the generator used for input pools and bootstrap resampling.
// Without it every run draws a fresh seed.
func WithRNG(r *rng.PartitionedRNG) Option {
	return func(rn *Runner) { rn.rng = r }
}

// WithSleep replaces the cooldown pause between cells.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(rn *Runner) { rn.sleep = fn }
}

// WithThreadLock controls whether the measuring goroutine is wired to its OS
// thread for the duration of a run. Enabled by default; reported as
// isolationActive in the run metadata.
func WithThreadLock(enabled bool) Option {
	return func(rn *Runner) { rn.lockThread = enabled }
}

// New creates a Runner for one digest primitive and clock.
func New(d digest.Digester, clock digest.Clock, opts ...Option) *Runner {
	r := &Runner{
		digester:   d,
		clock:      clock,
		sleep:      sleepContext,
		lockThread: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts a run in its own goroutine and returns the event stream. The
// channel is closed after the last event. Cancelling ctx stops the run at
// any granularity; no result or done event follows a cancellation.
func (r *Runner) Run(ctx context.Context, cfg bench.Config) <-chan bench.Event {
	ch := make(chan bench.Event, eventBuffer)
	go func() {
		defer close(ch)
		err := r.Execute(ctx, cfg, func(e bench.Event) { send(ctx, ch, e) })
		if err != nil {
			logrus.Debugf("run ended: %v", err)
		}
	}()
	return ch
}

// send delivers e unless ctx is cancelled. A cancelled ctx wins even when the
// channel has room.
func send(ctx context.Context, ch chan<- bench.Event, e bench.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// Execute runs synchronously, calling emit for every event in order. It
// returns an error only when the run could not start or was cancelled; cell
// failures are reported as result events.
func (r *Runner) Execute(ctx context.Context, cfg bench.Config, emit func(bench.Event)) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		emit(bench.ErrorEvent{Message: err.Error()})
		return err
	}
	if r.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	gen := r.rng
	if gen == nil {
		gen = rng.NewSeeded()
	}
	emit(bench.ReadyEvent{})

	// Environment probes
	granularity := digest.TimerGranularity(r.clock, granularityAttempts)
	emit(bench.ProgressEvent{
		Phase:              bench.PhaseEnvironment,
		Message:            fmt.Sprintf("timer granularity %.6f ms", granularity),
		TimerGranularityMs: granularity,
	})
	transport, err := openTransport(cfg)
	if err != nil {
		logrus.Warnf("sample streaming disabled: %v", err)
		emit(bench.ProgressEvent{Phase: bench.PhaseEnvironment, Message: "sample streaming disabled: " + err.Error()})
	}
	overhead := TransportOverhead(r.clock)
	emit(bench.ProgressEvent{
		Phase:   bench.PhaseEnvironment,
		Message: fmt.Sprintf("transport overhead %.6f ms/sample", overhead),
	})

	m := measure.New(r.digester, r.clock, gen, transport)
	cells := bench.Cells(cfg)

	// Phase 1: calibration
	calibration := make([]float64, len(cells))
	failures := make([]error, len(cells))
	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			return err
		}
		ms, err := m.QuickCalibrate(ctx, measure.ParamsFor(cfg, cell, 0))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			logrus.Warnf("calibration failed for %s: %v", cell, err)
			ms, failures[i] = math.Inf(1), err
		}
		calibration[i] = ms
		emit(bench.ProgressEvent{
			Phase:     bench.PhaseCalibration,
			Message:   fmt.Sprintf("%s %.6f ms/op", cell, ms),
			Completed: i + 1,
			Total:     len(cells),
		})
	}

	// Phase 2: budget allocation
	budgets := AllocateBudgets(calibration, cfg.TotalBudgetMs, granularity/float64(cfg.CalibrationIters))
	emit(bench.ProgressEvent{
		Phase:   bench.PhaseAllocation,
		Message: fmt.Sprintf("%.0f ms across %d cells", cfg.TotalBudgetMs, len(cells)),
		Total:   len(cells),
	})

	// Phase 3: measurement and remediation
	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && cfg.ConstrainedProfile && cfg.CooldownMs > 0 {
			if err := r.sleep(ctx, time.Duration(cfg.CooldownMs*float64(time.Millisecond))); err != nil {
				return err
			}
		}

		var summary bench.CellSummary
		if failures[i] != nil {
			summary = bench.ErrorSummary(cell, failures[i])
		} else {
			summary, err = measureWithRemediation(ctx, m, cfg, cell, budgets[i])
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				logrus.Warnf("cell %s abandoned: %v", cell, err)
				summary = bench.ErrorSummary(cell, err)
			}
		}
		emit(bench.ResultEvent{Summary: summary})
		emit(bench.ProgressEvent{
			Phase:     bench.PhaseMeasurement,
			Message:   cell.String(),
			Completed: i + 1,
			Total:     len(cells),
		})
	}

	meta := bench.DoneMeta{
		RunID:               uuid.NewString(),
		TimerGranularityMs:  granularity,
		TransportOverheadMs: overhead,
		IsolationActive:     r.lockThread,
		DegradedSeed:        gen.Degraded(),
	}
	if transport != nil {
		transport.MarkDone()
		meta.SamplesDropped = transport.Dropped()
	}
	if cfg.DebugMode {
		meta.DebugSeedFingerprint = gen.Fingerprint()
	}
	emit(bench.DoneEvent{Meta: meta})
	return nil
}

// measureWithRemediation measures a cell and re-measures it while it is
// unstable, stretching the target batch duration each time. The last result
// is returned whether or not it became stable.
func measureWithRemediation(ctx context.Context, m *measure.Measurer, cfg bench.Config, cell bench.Cell, budgetMs float64) (bench.CellSummary, error) {
	p := measure.ParamsFor(cfg, cell, budgetMs)
	s, err := m.Measure(ctx, p)
	if err != nil {
		return s, err
	}
	attempts := 0
	for !s.IsStable && attempts < cfg.RemediationLimit() {
		attempts++
		p.TargetBatchMs *= cfg.RemediationBatchFactor
		logrus.Infof("%s unstable (CoV %.3f > %.3f), remediation %d/%d with %.1f ms batches",
			cell, s.CoefficientOfVariation, cfg.StabilityFlagThreshold, attempts, cfg.RemediationLimit(), p.TargetBatchMs)
		if s, err = m.Measure(ctx, p); err != nil {
			return s, err
		}
	}
	s.RemediationAttempts = attempts
	return s, nil
}

// AllocateBudgets splits totalMs across cells with weight 1/sqrt(calibration
// ms). Cells with a non-finite calibration get nothing; if no cell has a
// usable calibration every budget is zero.
//
// A calibration below the clock's resolution (floorMs per iteration) carries
// no information. Such a cell takes the median of the cells that resolved, or
// floorMs when none did.
func AllocateBudgets(calibrationMs []float64, totalMs, floorMs float64) []float64 {
	floorMs = math.Max(floorMs, minCalibrationMs)
	usable := func(c float64) bool { return !math.IsNaN(c) && !math.IsInf(c, 0) }
	resolved := lo.Filter(calibrationMs, func(c float64, _ int) bool {
		return usable(c) && c >= floorMs
	})
	unresolved := floorMs
	if len(resolved) > 0 {
		unresolved = stats.Median(resolved)
	}

	weights := lo.Map(calibrationMs, func(c float64, _ int) float64 {
		if !usable(c) {
			return 0
		}
		if c < floorMs {
			c = unresolved
		}
		return 1 / math.Sqrt(c)
	})
	sum := lo.Sum(weights)
	if sum == 0 {
		return make([]float64, len(calibrationMs))
	}
	return lo.Map(weights, func(w float64, _ int) float64 {
		return totalMs * w / sum
	})
}

// TransportOverhead estimates the cost of one ring push in milliseconds by
// timing pushes into a scratch buffer.
func TransportOverhead(clock digest.Clock) float64 {
	scratch, err := ring.New(overheadProbePushes)
	if err != nil {
		return 0
	}
	t0 := clock.Now()
	for i := 0; i < overheadProbePushes; i++ {
		scratch.Push(float64(i))
	}
	return (clock.Now() - t0) / overheadProbePushes
}

// openTransport returns the caller's transport, or allocates one when a
// capacity is configured. A nil buffer with a nil error means streaming was
// not requested.
func openTransport(cfg bench.Config) (*ring.Buffer, error) {
	if cfg.Transport != nil {
		return cfg.Transport, nil
	}
	if cfg.TransportCapacity <= 0 {
		return nil, nil
	}
	return ring.New(cfg.TransportCapacity)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
