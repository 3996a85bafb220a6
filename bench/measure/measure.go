// Package measure implements the Cell Measurer: adaptive warmup, robust
// calibration and the adaptive-iteration batch loop for one
// (algorithm, size) cell.
package measure

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hashlab/digestbench/bench"
	"github.com/hashlab/digestbench/bench/digest"
	"github.com/hashlab/digestbench/bench/ring"
	"github.com/hashlab/digestbench/bench/rng"
	"github.com/hashlab/digestbench/bench/stats"
)

const (
	warmupWindow    = 5    // timings in the warmup moving average
	warmupTolerance = 0.01 // relative change below which warmup has converged
	calibrationRuns = 3    // independent calibration batches per cell
	resizeTolerance = 0.20 // relative batch-duration error tolerated before resizing
)

// Params is everything the measurer needs for one cell.
type Params struct {
	Cell     bench.Cell
	BudgetMs float64

	PoolSize         int
	WarmupIters      int // fixed warmup used by QuickCalibrate
	MaxWarmupIters   int // cap on the adaptive warmup used by Measure
	CalibrationIters int

	TargetBatchMs       float64
	MinRecordedBatches  int
	MaxBatchesPerCell   int
	PerBatchSampleLimit int

	StabilityFlagThreshold float64
	StabilityStopThreshold float64

	MoMGroups          int
	BootstrapResamples int
	Concurrency        int
}

// ParamsFor extracts the per-cell parameters from a run config. A Disabled
// warmup becomes zero calls; a Disabled stop threshold stays negative, which
// no coefficient of variation can reach.
func ParamsFor(cfg bench.Config, cell bench.Cell, budgetMs float64) Params {
	return Params{
		Cell:                   cell,
		BudgetMs:               budgetMs,
		PoolSize:               cfg.PoolSize,
		WarmupIters:            max(cfg.WarmupIters, 0),
		MaxWarmupIters:         max(cfg.MaxWarmupIters, 0),
		CalibrationIters:       cfg.CalibrationIters,
		TargetBatchMs:          cfg.TargetBatchMs,
		MinRecordedBatches:     cfg.MinRecordedBatches,
		MaxBatchesPerCell:      cfg.MaxBatchesPerCell,
		PerBatchSampleLimit:    cfg.PerBatchSampleLimit,
		StabilityFlagThreshold: cfg.StabilityFlagThreshold,
		StabilityStopThreshold: cfg.StabilityStopThreshold,
		MoMGroups:              cfg.MoMGroups,
		BootstrapResamples:     cfg.BootstrapResamples,
		Concurrency:            cfg.Concurrency,
	}
}

// Measurer runs cells against one digest primitive and clock. It is the sole
// writer of its transport, so a Measurer must not be used from more than one
// goroutine at a time.
type Measurer struct {
	digester  digest.Digester
	clock     digest.Clock
	rng       *rng.PartitionedRNG
	transport *ring.Buffer // nil disables streaming
}

// New creates a Measurer. A nil rng gets a freshly seeded one; a nil
// transport disables streaming.
func New(d digest.Digester, clock digest.Clock, r *rng.PartitionedRNG, transport *ring.Buffer) *Measurer {
	if r == nil {
		r = rng.NewSeeded()
	}
	return &Measurer{digester: d, clock: clock, rng: r, transport: transport}
}

// Measure runs one cell to completion and returns its summary. An error means
// the primitive failed or ctx was cancelled; the cell must then be reported
// as failed, never as unstable.
func (m *Measurer) Measure(ctx context.Context, p Params) (bench.CellSummary, error) {
	alg := p.Cell.Algorithm
	pool := m.buildPool(p.Cell.SizeBytes, p.PoolSize)

	if err := m.warmup(ctx, alg, pool, p.MaxWarmupIters); err != nil {
		return bench.CellSummary{}, fmt.Errorf("warmup %s: %w", p.Cell, err)
	}
	perIter, err := m.calibrate(ctx, alg, pool, p.CalibrationIters, p.Concurrency)
	if err != nil {
		return bench.CellSummary{}, fmt.Errorf("calibrate %s: %w", p.Cell, err)
	}

	iters := initialIterations(p.TargetBatchMs, perIter, 2*p.CalibrationIters, p.PerBatchSampleLimit)
	var (
		batches      []bench.Batch
		samples      []float64
		totalIters   int
		earlyStopped bool
	)
	start := m.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return bench.CellSummary{}, err
		}
		b, err := m.runBatch(ctx, alg, pool, iters, p.Concurrency)
		if err != nil {
			return bench.CellSummary{}, fmt.Errorf("batch %d of %s: %w", len(batches), p.Cell, err)
		}
		batches = append(batches, b)
		sample := b.PerIterationMs()
		samples = append(samples, sample)
		totalIters += b.Iterations
		if m.transport != nil {
			m.transport.Push(sample)
		}

		n := len(batches)
		elapsed := m.clock.Now() - start
		if n >= p.MaxBatchesPerCell {
			break
		}
		if n >= p.MinRecordedBatches {
			if elapsed >= p.BudgetMs {
				break
			}
			// Freed budget is not handed to later cells.
			if elapsed >= p.BudgetMs/2 && stats.CoefficientOfVariation(samples) <= p.StabilityStopThreshold {
				earlyStopped = true
				break
			}
		}
		iters = resize(iters, b.DurationMs, p.TargetBatchMs, p.PerBatchSampleLimit)
	}

	s := m.summarize(p, bench.PerIterationSamples(batches), totalIters)
	s.CalibrationMs = perIter
	s.EarlyStopped = earlyStopped
	return s, nil
}

// QuickCalibrate is the first-phase calibration of a cell: a fixed warmup,
// then one fixed-iteration timed pass. It returns milliseconds per iteration.
func (m *Measurer) QuickCalibrate(ctx context.Context, p Params) (float64, error) {
	alg := p.Cell.Algorithm
	pool := m.buildPool(p.Cell.SizeBytes, p.PoolSize)
	for i := 0; i < p.WarmupIters; i++ {
		if _, err := m.digester.Digest(ctx, alg, pool[i%len(pool)]); err != nil {
			return math.Inf(1), fmt.Errorf("warmup %s: %w", p.Cell, err)
		}
	}
	b, err := m.runBatch(ctx, alg, pool, p.CalibrationIters, 1)
	if err != nil {
		return math.Inf(1), fmt.Errorf("calibrate %s: %w", p.Cell, err)
	}
	return b.PerIterationMs(), nil
}

// CalibrationEstimate reduces independent calibration runs (ms per
// iteration) to one estimate. The median keeps one noisy run from skewing
// batch sizing.
func CalibrationEstimate(runs []float64) float64 {
	return stats.Median(runs)
}

// buildPool fills poolSize buffers of sizeBytes each from the pool stream,
// before any timed region.
func (m *Measurer) buildPool(sizeBytes, poolSize int) [][]byte {
	if poolSize < 1 {
		poolSize = 1
	}
	gen := m.rng.ForSubsystem(rng.SubsystemPool)
	pool := make([][]byte, poolSize)
	for i := range pool {
		pool[i] = make([]byte, sizeBytes)
		gen.Fill(pool[i])
	}
	return pool
}

// warmup runs untimed-for-results calls until the moving average of the last
// warmupWindow timings settles, or maxIters calls have been made.
func (m *Measurer) warmup(ctx context.Context, alg string, pool [][]byte, maxIters int) error {
	window := make([]float64, 0, warmupWindow)
	prevAvg := math.NaN()
	for i := 0; i < maxIters; i++ {
		t0 := m.clock.Now()
		if _, err := m.digester.Digest(ctx, alg, pool[i%len(pool)]); err != nil {
			return err
		}
		if len(window) == warmupWindow {
			copy(window, window[1:])
			window = window[:warmupWindow-1]
		}
		window = append(window, m.clock.Now()-t0)
		if len(window) < warmupWindow {
			continue
		}
		avg := stats.Mean(window)
		if !math.IsNaN(prevAvg) && settled(prevAvg, avg) {
			return nil
		}
		prevAvg = avg
	}
	return nil
}

func settled(prev, cur float64) bool {
	if prev == 0 {
		return cur == 0
	}
	return math.Abs(cur-prev)/prev < warmupTolerance
}

func (m *Measurer) calibrate(ctx context.Context, alg string, pool [][]byte, iters, concurrency int) (float64, error) {
	runs := make([]float64, calibrationRuns)
	for r := range runs {
		b, err := m.runBatch(ctx, alg, pool, iters, concurrency)
		if err != nil {
			return 0, err
		}
		runs[r] = b.PerIterationMs()
	}
	return CalibrationEstimate(runs), nil
}

// runBatch times iters calls against the rotating pool. With concurrency > 1
// at most that many calls are in flight, and the batch ends only when all
// have returned.
func (m *Measurer) runBatch(ctx context.Context, alg string, pool [][]byte, iters, concurrency int) (bench.Batch, error) {
	if iters < 1 {
		iters = 1
	}
	t0 := m.clock.Now()
	if concurrency <= 1 {
		for i := 0; i < iters; i++ {
			if _, err := m.digester.Digest(ctx, alg, pool[i%len(pool)]); err != nil {
				return bench.Batch{}, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i := 0; i < iters; i++ {
			data := pool[i%len(pool)]
			g.Go(func() error {
				_, err := m.digester.Digest(gctx, alg, data)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return bench.Batch{}, err
		}
	}
	return bench.Batch{DurationMs: m.clock.Now() - t0, Iterations: iters}, nil
}

// initialIterations sizes the first batch to take about targetMs. When the
// calibration could not resolve a positive time, fallback is used instead.
func initialIterations(targetMs, perIterMs float64, fallback, limit int) int {
	if !(perIterMs > 0) || math.IsInf(perIterMs, 1) {
		return clampIterations(float64(fallback), limit)
	}
	return clampIterations(math.Round(targetMs/perIterMs), limit)
}

// resize scales iters by target/actual when the batch missed its target by
// more than resizeTolerance. A batch too short for the clock doubles.
func resize(iters int, actualMs, targetMs float64, limit int) int {
	if actualMs <= 0 {
		return clampIterations(float64(iters)*2, limit)
	}
	if math.Abs(actualMs-targetMs)/targetMs <= resizeTolerance {
		return iters
	}
	return clampIterations(math.Round(float64(iters)*targetMs/actualMs), limit)
}

func clampIterations(n float64, limit int) int {
	switch {
	case n < 1 || math.IsNaN(n):
		return 1
	case n > float64(limit):
		return max(limit, 1)
	}
	return int(n)
}

func (m *Measurer) summarize(p Params, samples []float64, totalIters int) bench.CellSummary {
	mom := stats.MedianOfMeans(samples, p.MoMGroups)
	ciLo, ciHi := stats.BootstrapCI(samples, p.BootstrapResamples, m.rng.ForSubsystem(rng.SubsystemBootstrap))
	q1, q3 := stats.Quartiles(samples)
	mean := stats.Mean(samples)
	cov := stats.CoefficientOfVariation(samples)

	var ops float64
	if mom > 0 {
		ops = 1000 / mom
	}
	return bench.CellSummary{
		Algorithm:              p.Cell.Algorithm,
		SizeBytes:              p.Cell.SizeBytes,
		MoMMs:                  mom,
		BootstrapCI95Ms:        [2]float64{ciLo, ciHi},
		MedianMs:               stats.Median(samples),
		IQRMs:                  q3 - q1,
		StdMs:                  stats.StdDevAround(samples, mean),
		CoefficientOfVariation: cov,
		Iterations:             totalIters,
		Batches:                len(samples),
		OpsPerSec:              ops,
		IsStable:               cov <= p.StabilityFlagThreshold,
		BudgetMs:               p.BudgetMs,
	}
}
