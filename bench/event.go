package bench

// EventKind names one variant of Event.
type EventKind string

const (
	KindReady    EventKind = "ready"
	KindProgress EventKind = "progress"
	KindResult   EventKind = "result"
	KindDone     EventKind = "done"
	KindError    EventKind = "error"
)

// Phase identifies the stage of a run a ProgressEvent belongs to.
type Phase string

const (
	PhaseEnvironment Phase = "environment"
	PhaseCalibration Phase = "calibration"
	PhaseAllocation  Phase = "allocation"
	PhaseMeasurement Phase = "measurement"
)

// Event is the closed set of messages a run emits to its observer, in
// emission order: ready, environment probes, per-phase progress, results,
// then done. An ErrorEvent ends a run that could not start.
//
// The unexported marker keeps the set closed to this package; consumers
// switch on the concrete type.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ReadyEvent is the first event of every run.
type ReadyEvent struct{}

// ProgressEvent reports advancement within a phase. Completed/Total are zero
// when the phase has no natural count.
type ProgressEvent struct {
	Phase              Phase   `json:"phase"`
	Message            string  `json:"message"`
	Completed          int     `json:"completed,omitempty"`
	Total              int     `json:"total,omitempty"`
	TimerGranularityMs float64 `json:"timerGranularityMs,omitempty"`
}

// ResultEvent carries one cell's final summary, stable, unstable or failed.
type ResultEvent struct {
	Summary CellSummary `json:"payload"`
}

// DoneEvent terminates a completed run.
type DoneEvent struct {
	Meta DoneMeta `json:"meta"`
}

// DoneMeta is the aggregate run metadata. DebugSeedFingerprint is only set in
// debug mode and is an irreversible fingerprint, never the seed.
type DoneMeta struct {
	RunID                string  `json:"runId"`
	TimerGranularityMs   float64 `json:"timerGranularityMs"`
	TransportOverheadMs  float64 `json:"transportOverheadMs"`
	IsolationActive      bool    `json:"isolationActive"`
	SamplesDropped       uint32  `json:"samplesDropped"`
	DegradedSeed         bool    `json:"degradedSeed,omitempty"`
	DebugSeedFingerprint string  `json:"debugSeedFingerprint,omitempty"`
}

// ErrorEvent reports a run-level failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ReadyEvent) Kind() EventKind    { return KindReady }
func (ProgressEvent) Kind() EventKind { return KindProgress }
func (ResultEvent) Kind() EventKind   { return KindResult }
func (DoneEvent) Kind() EventKind     { return KindDone }
func (ErrorEvent) Kind() EventKind    { return KindError }

func (ReadyEvent) isEvent()    {}
func (ProgressEvent) isEvent() {}
func (ResultEvent) isEvent()   {}
func (DoneEvent) isEvent()     {}
func (ErrorEvent) isEvent()    {}
