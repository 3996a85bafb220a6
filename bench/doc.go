// Package bench holds the data model shared by the measurement core of
// digestbench: run configuration, cells, batches, cell summaries and the
// events a run emits.
//
// # Reading Guide
//
// Start with these files:
//   - config.go: Config, profile defaults and validation
//   - cell.go: Cell, Batch and CellSummary (the exported summary schema)
//   - event.go: the closed set of events a run emits, in order
//
// # Architecture
//
// Implementations live in sub-packages, leaf first:
//   - bench/rng: seeded, partitioned mulberry32 streams
//   - bench/stats: robust estimators (median-of-means, bootstrap CI)
//   - bench/ring: lock-free single-writer/single-reader sample transport
//   - bench/digest: the digest primitive and the monotonic clock
//   - bench/measure: the adaptive Cell Measurer
//   - bench/runner: the three-phase orchestrator
//   - bench/telemetry: Prometheus view of a run
package bench
