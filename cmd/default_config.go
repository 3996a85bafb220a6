package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hashlab/digestbench/bench"
	"github.com/hashlab/digestbench/bench/digest"
)

// Profile names recognised without a defaults file.
const (
	ProfileDesktop     = "desktop"
	ProfileConstrained = "constrained"
)

// constrainedMaxCPUs is the CPU count at or below which the host is treated
// as thermally constrained.
const constrainedMaxCPUs = 2

// DefaultsFile represents the full defaults.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type DefaultsFile struct {
	Version  string                  `yaml:"version"`
	Profiles map[string]bench.Config `yaml:"profiles"`
}

// loadDefaultsFile parses a defaults file with strict field checking, so a
// misspelled key is an error rather than a silently ignored setting.
func loadDefaultsFile(path string) (DefaultsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultsFile{}, err
	}
	var f DefaultsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return DefaultsFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// profileConfig returns the named profile. Profiles inherit the built-in
// values of their host class for every field they leave unset.
func (f DefaultsFile) profileConfig(name string) (bench.Config, error) {
	if cfg, ok := f.Profiles[name]; ok {
		if name == ProfileConstrained {
			cfg.ConstrainedProfile = true
		}
		return cfg, nil
	}
	switch name {
	case ProfileDesktop:
		return bench.ProfileDefaults(false), nil
	case ProfileConstrained:
		return bench.ProfileDefaults(true), nil
	}
	return bench.Config{}, fmt.Errorf("unknown profile %q", name)
}

// detectProfile picks a profile from the host. It is a pure function of
// runtime.NumCPU.
func detectProfile() string {
	return profileFor(runtime.NumCPU())
}

func profileFor(numCPU int) string {
	if numCPU <= constrainedMaxCPUs {
		return ProfileConstrained
	}
	return ProfileDesktop
}

// resolveConfig assembles the run config: profile from the defaults file,
// then CLI flags the user actually set, then the profile's built-in defaults
// for anything still unset.
func resolveConfig(cmd *cobra.Command) (bench.Config, error) {
	name := profileName
	if name == "" {
		name = detectProfile()
		logrus.Infof("Detected %s profile", name)
	}

	file, err := loadDefaultsFile(defaultsFilePath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("defaults"):
		logrus.Debugf("No %s found; using built-in profiles", defaultsFilePath)
	case err != nil:
		return bench.Config{}, err
	}

	cfg, err := file.profileConfig(name)
	if err != nil {
		return bench.Config{}, err
	}
	cfg = applyFlagOverrides(cmd, cfg)
	cfg.Algorithms = canonicalAlgorithms(cfg.Algorithms)
	return cfg.WithDefaults(), nil
}

// applyFlagOverrides copies CLI flag values over cfg, but only for flags the
// user explicitly set; defaults.yaml values are never clobbered by flag
// defaults.
func applyFlagOverrides(cmd *cobra.Command, cfg bench.Config) bench.Config {
	f := cmd.Flags()
	if f.Changed("algorithms") {
		cfg.Algorithms = algorithms
	}
	if f.Changed("sizes") {
		cfg.Sizes = sizes
	}
	if f.Changed("budget-ms") {
		cfg.TotalBudgetMs = totalBudgetMs
	}
	if f.Changed("target-batch-ms") {
		cfg.TargetBatchMs = targetBatchMs
	}
	if f.Changed("min-batches") {
		cfg.MinRecordedBatches = minBatches
	}
	if f.Changed("max-remediation") {
		cfg.MaxRemediationAttempts = maxRemediation
		if maxRemediation == 0 {
			cfg.MaxRemediationAttempts = bench.NoRemediation
		}
	}
	if f.Changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if f.Changed("transport-capacity") {
		cfg.TransportCapacity = transportCapacity
	}
	if f.Changed("debug") {
		cfg.DebugMode = debugMode
	}
	return cfg
}

// canonicalAlgorithms normalises the spelling of known algorithms. Unknown
// ids are kept so the run reports them as failed cells.
func canonicalAlgorithms(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		name, err := digest.Canonical(id)
		if err != nil {
			logrus.Warnf("%v; the cell will be reported as failed", err)
			name = id
		}
		out = append(out, name)
	}
	return out
}
