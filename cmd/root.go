package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hashlab/digestbench/bench"
	"github.com/hashlab/digestbench/bench/digest"
	"github.com/hashlab/digestbench/bench/ring"
	"github.com/hashlab/digestbench/bench/rng"
	"github.com/hashlab/digestbench/bench/runner"
	"github.com/hashlab/digestbench/bench/telemetry"
)

var (
	// CLI flags for run selection
	defaultsFilePath string   // Path to defaults.yaml
	profileName      string   // Profile in defaults.yaml ("" detects desktop or constrained)
	algorithms       []string // Digest algorithms to measure
	sizes            []int    // Input sizes in bytes

	// CLI flags for the measurement protocol
	totalBudgetMs     float64 // Measurement time spread across all cells
	targetBatchMs     float64 // Desired duration of one batch
	minBatches        int     // Batches required before a cell may finish
	maxRemediation    int     // Re-runs of an unstable cell (0 or -1 disables)
	concurrency       int     // In-flight digest calls within a batch
	transportCapacity int     // Sample ring capacity, a power of two
	seed              int64   // Fixed PRNG seed for reproduction (-1 draws one from crypto/rand)
	debugMode         bool    // Emit the seed fingerprint in the done event

	// CLI flags for output and observability
	logLevel        string        // Log verbosity level
	outputFormat    string        // Event output format
	metricsAddr     string        // Listen address for /metrics ("" disables)
	observeInterval time.Duration // Ring drain period
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "digestbench",
	Short: "Latency benchmark for cryptographic digest primitives",
}

// runCmd executes a measurement run using parameters from defaults.yaml and CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Measure every (algorithm, size) cell and print the results",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := resolveConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		format, err := resolveFormat(outputFormat, os.Stdout)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		opts, err := runnerOptions()
		if err != nil {
			logrus.Fatalf("Invalid seed: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		recorder := telemetry.NewRecorder()
		if metricsAddr != "" {
			serveMetrics(metricsAddr, recorder)
		}

		// The observer owns the only reader of the ring. A capacity the ring
		// rejects is left to the runner, which reports it and measures without
		// streaming.
		var observerDone chan struct{}
		observeCtx, stopObserver := context.WithCancel(ctx)
		defer stopObserver()
		if buf, err := ring.New(cfg.TransportCapacity); err == nil {
			cfg.Transport = buf
			obs := NewObserver(buf, recorder, observeInterval)
			observerDone = make(chan struct{})
			go func() {
				defer close(observerDone)
				obs.Run(observeCtx)
			}()
		}

		logrus.Infof("Starting run: %d algorithms x %d sizes, budget %.0f ms, profile constrained=%v",
			len(cfg.Algorithms), len(cfg.Sizes), cfg.TotalBudgetMs, cfg.ConstrainedProfile)

		r := runner.New(digest.NewNative(), digest.NewMonotonicClock(), opts...)
		w := newEventWriter(os.Stdout, format)
		for e := range r.Run(ctx, cfg) {
			recorder.Observe(e)
			if err := w.Write(e); err != nil {
				logrus.Fatalf("Failed to write event: %v", err)
			}
		}
		if err := w.Flush(); err != nil {
			logrus.Fatalf("Failed to write results: %v", err)
		}

		stopObserver()
		if observerDone != nil {
			<-observerDone
		}
		if ctx.Err() != nil {
			logrus.Warn("Run interrupted; results for the remaining cells were not produced.")
			return
		}
		logrus.Info("Run complete.")
	},
}

// algorithmsCmd lists the digest algorithms the native primitive supports
var algorithmsCmd = &cobra.Command{
	Use:   "algorithms",
	Short: "List supported digest algorithms",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range digest.Algorithms() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

// probeCmd reports the environment probes without measuring any cell
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report timer granularity, transport overhead and seed source",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		clock := digest.NewMonotonicClock()
		gen := rng.NewSeeded()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "timer granularity:   %.6f ms\n", digest.TimerGranularity(clock, 20))
		fmt.Fprintf(out, "transport overhead:  %.6f ms/sample\n", runner.TransportOverhead(clock))
		fmt.Fprintf(out, "seed source:         %s\n", seedSource(gen))
		fmt.Fprintf(out, "detected profile:    %s\n", detectProfile())
	},
}

func seedSource(gen *rng.PartitionedRNG) string {
	if gen.Degraded() {
		return "degraded (crypto/rand unavailable)"
	}
	return "crypto/rand"
}

// runnerOptions translates the seed flag. Seeds are 32 bits wide; anything
// outside [-1, MaxUint32] is rejected rather than truncated.
func runnerOptions() ([]runner.Option, error) {
	if seed == -1 {
		return nil, nil
	}
	if seed < -1 || seed > math.MaxUint32 {
		return nil, fmt.Errorf("seed %d outside [0, %d] (-1 draws a random seed)", seed, uint32(math.MaxUint32))
	}
	logrus.Infof("Using fixed seed %d", seed)
	return []runner.Option{runner.WithRNG(rng.NewPartitionedRNG(rng.SeedKey(uint32(seed))))}, nil
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

func serveMetrics(addr string, recorder *telemetry.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Metrics server stopped: %v", err)
		}
	}()
	logrus.Infof("Serving metrics on %s/metrics", addr)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerRunFlags binds the run flags to their package-level variables.
func registerRunFlags(f *pflag.FlagSet) {
	d := bench.ProfileDefaults(false)

	// Run selection
	f.StringVar(&defaultsFilePath, "defaults", "defaults.yaml", "Path to the profiles file")
	f.StringVar(&profileName, "profile", "", "Profile name in the defaults file (empty detects desktop or constrained)")
	f.StringSliceVar(&algorithms, "algorithms", d.Algorithms, "Comma-separated digest algorithms")
	f.IntSliceVar(&sizes, "sizes", d.Sizes, "Comma-separated input sizes in bytes")

	// Measurement protocol
	f.Float64Var(&totalBudgetMs, "budget-ms", d.TotalBudgetMs, "Total measurement budget in ms")
	f.Float64Var(&targetBatchMs, "target-batch-ms", d.TargetBatchMs, "Target duration of one batch in ms")
	f.IntVar(&minBatches, "min-batches", d.MinRecordedBatches, "Minimum recorded batches per cell")
	f.IntVar(&maxRemediation, "max-remediation", d.MaxRemediationAttempts, "Re-runs of an unstable cell (0 or -1 disables)")
	f.IntVar(&concurrency, "concurrency", d.Concurrency, "In-flight digest calls within a batch")
	f.IntVar(&transportCapacity, "transport-capacity", d.TransportCapacity, "Sample ring capacity, a power of two (other values disable streaming)")
	f.Int64Var(&seed, "seed", -1, "Fixed PRNG seed for reproducing a run (-1 draws one from crypto/rand)")
	f.BoolVar(&debugMode, "debug", false, "Include the seed fingerprint in the done event")

	// Output and observability
	f.StringVar(&outputFormat, "format", formatAuto, "Output format (auto, json, table)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.DurationVar(&observeInterval, "observe-interval", 100*time.Millisecond, "How often the observer drains the sample ring")
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	registerRunFlags(runCmd.Flags())

	// Attach subcommands to `root`
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(algorithmsCmd)
	rootCmd.AddCommand(probeCmd)
}
