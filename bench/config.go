package bench

import (
	"errors"
	"fmt"

	"github.com/hashlab/digestbench/bench/ring"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// NoRemediation disables re-measurement of unstable cells when used as
// MaxRemediationAttempts. Zero means "use the profile default".
const NoRemediation = -1

// Disabled switches off a feature whose zero value means "use the profile
// default". It is accepted by WarmupIters, MaxWarmupIters,
// StabilityStopThreshold and CooldownMs, and survives WithDefaults.
const Disabled = -1

// Config is the immutable run configuration. It is assembled once by the
// caller and passed by value into the runner. Zero-valued numeric fields take
// the profile defaults (see WithDefaults).
type Config struct {
	// What to measure
	Algorithms []string `yaml:"algorithms"` // digest algorithm ids, measured in order
	Sizes      []int    `yaml:"sizes"`      // input sizes in bytes, measured in order
	PoolSize   int      `yaml:"pool_size"`  // pre-randomized inputs per cell

	// Phase 1 calibration
	WarmupIters      int `yaml:"warmup_iters"`      // untimed calls before the calibration pass; Disabled skips them
	CalibrationIters int `yaml:"calibration_iters"` // timed calls per calibration pass

	// Budget and batch sizing
	TotalBudgetMs       float64 `yaml:"total_budget_ms"`        // measurement time spread across all cells
	TargetBatchMs       float64 `yaml:"target_batch_ms"`        // desired duration of one batch
	MinRecordedBatches  int     `yaml:"min_recorded_batches"`   // batches required before a cell may finish
	MaxBatchesPerCell   int     `yaml:"max_batches_per_cell"`   // absolute batch ceiling per cell
	PerBatchSampleLimit int     `yaml:"per_batch_sample_limit"` // ceiling on iterations in one batch
	MaxWarmupIters      int     `yaml:"max_warmup_iters"`       // cap on the adaptive warmup inside a cell; Disabled skips it

	// Stability and remediation
	StabilityFlagThreshold float64 `yaml:"stability_flag_threshold"` // CoV above this marks a cell unstable
	StabilityStopThreshold float64 `yaml:"stability_stop_threshold"` // CoV at or below this allows an early stop; Disabled never stops early
	MaxRemediationAttempts int     `yaml:"max_remediation_attempts"` // re-runs of an unstable cell; NoRemediation disables
	RemediationBatchFactor float64 `yaml:"remediation_batch_factor"` // target batch multiplier per remediation attempt

	// Estimators
	MoMGroups          int `yaml:"mom_groups"`          // k for median-of-means
	BootstrapResamples int `yaml:"bootstrap_resamples"` // resamples for the CI95

	// Transport
	Transport         *ring.Buffer `yaml:"-"`                  // caller-owned ring; nil lets the runner allocate one
	TransportCapacity int          `yaml:"transport_capacity"` // slots when the runner allocates; must be a power of two

	// Environment
	Concurrency        int     `yaml:"concurrency"`         // in-flight digest calls within a batch
	DebugMode          bool    `yaml:"debug_mode"`          // emit the seed fingerprint in DoneMeta
	ConstrainedProfile bool    `yaml:"constrained_profile"` // thermally sensitive host
	CooldownMs         float64 `yaml:"cooldown_ms"`         // pause between cells in the constrained profile; Disabled skips it
}

// ProfileDefaults returns the defaults for a desktop or constrained host.
// It is a pure function of the detected environment.
func ProfileDefaults(constrained bool) Config {
	c := Config{
		Algorithms:             []string{"SHA-1", "SHA-256", "SHA-384", "SHA-512"},
		Sizes:                  []int{64, 1024, 16384, 262144},
		PoolSize:               8,
		WarmupIters:            20,
		CalibrationIters:       20,
		TotalBudgetMs:          20000,
		TargetBatchMs:          25,
		MinRecordedBatches:     10,
		MaxBatchesPerCell:      2000,
		PerBatchSampleLimit:    100000,
		MaxWarmupIters:         200,
		StabilityFlagThreshold: 0.10,
		StabilityStopThreshold: 0.02,
		MaxRemediationAttempts: 2,
		RemediationBatchFactor: 2,
		MoMGroups:              7,
		BootstrapResamples:     1000,
		TransportCapacity:      4096,
		Concurrency:            1,
	}
	if constrained {
		c.Sizes = []int{64, 1024, 16384}
		c.TotalBudgetMs = 12000
		c.TargetBatchMs = 40
		c.MaxBatchesPerCell = 800
		c.StabilityFlagThreshold = 0.15
		c.BootstrapResamples = 500
		c.ConstrainedProfile = true
		c.CooldownMs = 500
	}
	return c
}

// WithDefaults returns a copy of c where every zero-valued field takes the
// value of the matching profile. Disabled and NoRemediation are kept as is,
// so applying WithDefaults twice gives the same config.
func (c Config) WithDefaults() Config {
	d := ProfileDefaults(c.ConstrainedProfile)
	if len(c.Algorithms) == 0 {
		c.Algorithms = d.Algorithms
	}
	if len(c.Sizes) == 0 {
		c.Sizes = d.Sizes
	}
	setInt(&c.PoolSize, d.PoolSize)
	setInt(&c.WarmupIters, d.WarmupIters)
	setInt(&c.CalibrationIters, d.CalibrationIters)
	setFloat(&c.TotalBudgetMs, d.TotalBudgetMs)
	setFloat(&c.TargetBatchMs, d.TargetBatchMs)
	setInt(&c.MinRecordedBatches, d.MinRecordedBatches)
	setInt(&c.MaxBatchesPerCell, d.MaxBatchesPerCell)
	setInt(&c.PerBatchSampleLimit, d.PerBatchSampleLimit)
	setInt(&c.MaxWarmupIters, d.MaxWarmupIters)
	setFloat(&c.StabilityFlagThreshold, d.StabilityFlagThreshold)
	setFloat(&c.StabilityStopThreshold, d.StabilityStopThreshold)
	setInt(&c.MaxRemediationAttempts, d.MaxRemediationAttempts)
	setFloat(&c.RemediationBatchFactor, d.RemediationBatchFactor)
	setInt(&c.MoMGroups, d.MoMGroups)
	setInt(&c.BootstrapResamples, d.BootstrapResamples)
	setInt(&c.Concurrency, d.Concurrency)
	setFloat(&c.CooldownMs, d.CooldownMs)
	if c.Transport == nil {
		setInt(&c.TransportCapacity, d.TransportCapacity)
	}
	c.Algorithms = append([]string(nil), c.Algorithms...)
	c.Sizes = append([]int(nil), c.Sizes...)
	return c
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

// Validate checks a config after WithDefaults. A transport capacity that is
// not a power of two is not an error here: the runner degrades to no
// streaming instead of refusing to measure.
func (c Config) Validate() error {
	switch {
	case len(c.Algorithms) == 0:
		return fmt.Errorf("%w: no algorithms", ErrInvalidConfig)
	case len(c.Sizes) == 0:
		return fmt.Errorf("%w: no sizes", ErrInvalidConfig)
	case c.PoolSize < 1:
		return fmt.Errorf("%w: pool_size %d < 1", ErrInvalidConfig, c.PoolSize)
	case c.CalibrationIters < 1:
		return fmt.Errorf("%w: calibration_iters %d < 1", ErrInvalidConfig, c.CalibrationIters)
	case c.WarmupIters < Disabled || c.MaxWarmupIters < Disabled:
		return fmt.Errorf("%w: negative warmup", ErrInvalidConfig)
	case c.TotalBudgetMs <= 0 || c.TargetBatchMs <= 0:
		return fmt.Errorf("%w: budgets must be positive", ErrInvalidConfig)
	case c.MinRecordedBatches < 1:
		return fmt.Errorf("%w: min_recorded_batches %d < 1", ErrInvalidConfig, c.MinRecordedBatches)
	case c.MaxBatchesPerCell < c.MinRecordedBatches:
		return fmt.Errorf("%w: max_batches_per_cell %d < min_recorded_batches %d",
			ErrInvalidConfig, c.MaxBatchesPerCell, c.MinRecordedBatches)
	case c.PerBatchSampleLimit < 1:
		return fmt.Errorf("%w: per_batch_sample_limit %d < 1", ErrInvalidConfig, c.PerBatchSampleLimit)
	case c.StabilityFlagThreshold <= 0 || (c.StabilityStopThreshold < 0 && c.StabilityStopThreshold != Disabled):
		return fmt.Errorf("%w: stability thresholds must be positive", ErrInvalidConfig)
	case c.StabilityStopThreshold > c.StabilityFlagThreshold:
		return fmt.Errorf("%w: stop threshold %.3f above flag threshold %.3f",
			ErrInvalidConfig, c.StabilityStopThreshold, c.StabilityFlagThreshold)
	case c.MaxRemediationAttempts < NoRemediation:
		return fmt.Errorf("%w: max_remediation_attempts %d", ErrInvalidConfig, c.MaxRemediationAttempts)
	case c.RemediationBatchFactor < 1:
		return fmt.Errorf("%w: remediation_batch_factor %.2f < 1", ErrInvalidConfig, c.RemediationBatchFactor)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency %d < 1", ErrInvalidConfig, c.Concurrency)
	case c.CooldownMs < 0 && c.CooldownMs != Disabled:
		return fmt.Errorf("%w: cooldown_ms %.1f < 0", ErrInvalidConfig, c.CooldownMs)
	}
	for _, s := range c.Sizes {
		if s < 0 {
			return fmt.Errorf("%w: negative size %d", ErrInvalidConfig, s)
		}
	}
	return nil
}

// RemediationLimit returns the number of re-runs allowed for an unstable cell.
func (c Config) RemediationLimit() int {
	if c.MaxRemediationAttempts < 0 {
		return 0
	}
	return c.MaxRemediationAttempts
}
