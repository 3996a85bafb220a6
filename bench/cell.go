package bench

import (
	"fmt"

	"github.com/samber/lo"
)

// Cell is one (algorithm, input size) combination under measurement.
type Cell struct {
	Algorithm string `json:"algorithm"`
	SizeBytes int    `json:"sizeBytes"`
}

// String returns "ALG/SIZEB".
func (c Cell) String() string {
	return fmt.Sprintf("%s/%dB", c.Algorithm, c.SizeBytes)
}

// Cells expands a config into its cells in the fixed measurement order:
// algorithms outer, sizes inner.
func Cells(cfg Config) []Cell {
	cells := make([]Cell, 0, len(cfg.Algorithms)*len(cfg.Sizes))
	for _, alg := range cfg.Algorithms {
		for _, size := range cfg.Sizes {
			cells = append(cells, Cell{Algorithm: alg, SizeBytes: size})
		}
	}
	return cells
}

// Batch is one timed group of consecutive digest calls.
// Iterations is always >= 1.
type Batch struct {
	DurationMs float64
	Iterations int
}

// PerIterationMs apportions the batch duration over its iterations.
func (b Batch) PerIterationMs() float64 {
	return b.DurationMs / float64(b.Iterations)
}

// PerIterationSamples converts batches into the sample sequence the
// estimators consume: one durationMs/iterations value per batch, in order.
func PerIterationSamples(batches []Batch) []float64 {
	return lo.Map(batches, func(b Batch, _ int) float64 {
		return b.PerIterationMs()
	})
}

// CellSummary is the result of measuring one cell. It is immutable once
// emitted; a remediation re-run produces a new summary that supersedes it.
//
// The JSON form is the exported summary schema consumed by reporting tools.
type CellSummary struct {
	Algorithm              string     `json:"algorithm"`
	SizeBytes              int        `json:"sizeBytes"`
	MoMMs                  float64    `json:"momMs"`
	BootstrapCI95Ms        [2]float64 `json:"bootstrapCi95Ms"`
	MedianMs               float64    `json:"medianMs"`
	IQRMs                  float64    `json:"iqrMs"`
	StdMs                  float64    `json:"stdMs"`
	CoefficientOfVariation float64    `json:"coefficientOfVariation"`
	Iterations             int        `json:"iterations"`
	Batches                int        `json:"batches"`
	OpsPerSec              float64    `json:"opsPerSec"`
	IsStable               bool       `json:"isStable"`
	RemediationAttempts    int        `json:"remediationAttempts"`

	CalibrationMs float64 `json:"calibrationMs,omitempty"`
	BudgetMs      float64 `json:"budgetMs,omitempty"`
	EarlyStopped  bool    `json:"earlyStopped,omitempty"`

	Error string `json:"error,omitempty"`
}

// Cell returns the summary's cell identity.
func (s CellSummary) Cell() Cell {
	return Cell{Algorithm: s.Algorithm, SizeBytes: s.SizeBytes}
}

// Failed reports whether the cell was abandoned on a hard failure.
func (s CellSummary) Failed() bool {
	return s.Error != ""
}

// ErrorSummary builds the result reported for a cell abandoned on a hard
// failure.
func ErrorSummary(cell Cell, err error) CellSummary {
	return CellSummary{
		Algorithm: cell.Algorithm,
		SizeBytes: cell.SizeBytes,
		Error:     err.Error(),
	}
}
