package tuneapi

import (
	"fmt"
	"strings"
	"time"
)

// WorkloadClass names a pgbench profile. The set is closed; the planner has a
// rule for every member.
type WorkloadClass string

const (
	WorkloadSelect1       WorkloadClass = "Select1"
	WorkloadSelect1NPPS   WorkloadClass = "Select1NPPS"
	WorkloadROFullyCached WorkloadClass = "RO_FullyCached"
	WorkloadROBorderline  WorkloadClass = "RO_Borderline"
	WorkloadRWFullyCached WorkloadClass = "RW_FullyCached"
	WorkloadROFixedSF     WorkloadClass = "RO_FixedSF"
	WorkloadRWFixedSF     WorkloadClass = "RW_FixedSF"
)

var workloadClasses = []WorkloadClass{
	WorkloadSelect1,
	WorkloadSelect1NPPS,
	WorkloadROFullyCached,
	WorkloadROBorderline,
	WorkloadRWFullyCached,
	WorkloadROFixedSF,
	WorkloadRWFixedSF,
}

func WorkloadClasses() []WorkloadClass {
	return append([]WorkloadClass(nil), workloadClasses...)
}

func ParseWorkloadClass(s string) (WorkloadClass, error) {
	for _, w := range workloadClasses {
		if string(w) == s {
			return w, nil
		}
	}
	return "", fmt.Errorf("unknown workload class %q", s)
}

func (w WorkloadClass) Known() bool {
	_, err := ParseWorkloadClass(string(w))
	return err == nil
}

func (w WorkloadClass) ReadOnly() bool  { return strings.HasPrefix(string(w), "RO_") }
func (w WorkloadClass) ReadWrite() bool { return strings.HasPrefix(string(w), "RW_") }
func (w WorkloadClass) Select() bool    { return strings.HasPrefix(string(w), "Select") }

// PointLookup classes run single client select loops.
func (w WorkloadClass) PointLookup() bool { return w == WorkloadSelect1 }

// Cached classes size the dataset relative to the core count.
func (w WorkloadClass) Cached() bool {
	s := string(w)
	return strings.Contains(s, "FullyCached") || strings.Contains(s, "Borderline")
}

func (w WorkloadClass) FixedScale() bool { return strings.Contains(string(w), "FixedSF") }

func (w WorkloadClass) NeedsWarmup() bool { return w.ReadOnly() || w.ReadWrite() }

type RunPhase string

const (
	PhaseWarmup      RunPhase = "warmup"
	PhaseMeasurement RunPhase = "measurement"
)

type MetricSample struct {
	Time      time.Time     `json:"time"`
	Workload  WorkloadClass `json:"workload"`
	Phase     RunPhase      `json:"phase"`
	Iteration int           `json:"iteration"`
	Elapsed   float64       `json:"elapsed_s"`
	TPS       float64       `json:"tps"`
	LatencyMS float64       `json:"latency_ms"`
	StddevMS  float64       `json:"stddev_ms"`
}

type EventKind string

const (
	EventResizeStarted    EventKind = "resize-started"
	EventResizeCompleted  EventKind = "resize-completed"
	EventRestartStarted   EventKind = "restart-started"
	EventRestartCompleted EventKind = "restart-completed"
)

func (k EventKind) Restart() bool {
	return k == EventRestartStarted || k == EventRestartCompleted
}

// Status is the short form written to the timing logs.
func (k EventKind) Status() string {
	switch k {
	case EventResizeStarted, EventRestartStarted:
		return "Started"
	default:
		return "Completed"
	}
}

type LifecycleEvent struct {
	Time     time.Time     `json:"time"`
	Kind     EventKind     `json:"kind"`
	Target   string        `json:"target"`
	Workload WorkloadClass `json:"workload"`
}

type ConfigSample struct {
	Time      time.Time     `json:"time"`
	Workload  WorkloadClass `json:"workload"`
	Parameter string        `json:"parameter"`
	Value     string        `json:"value"`
}

// Summary holds the end of run report pgbench prints on stdout.
type Summary struct {
	TransactionType       string  `json:"transaction_type,omitempty"`
	ScalingFactor         int     `json:"scaling_factor,omitempty"`
	QueryMode             string  `json:"query_mode,omitempty"`
	Clients               int     `json:"clients,omitempty"`
	Threads               int     `json:"threads,omitempty"`
	DurationS             int     `json:"duration_s,omitempty"`
	TransactionsPerClient int     `json:"transactions_per_client,omitempty"`
	TransactionsProcessed int64   `json:"transactions_processed,omitempty"`
	TransactionsExpected  int64   `json:"transactions_expected,omitempty"`
	LatencyAvgMS          float64 `json:"latency_avg_ms,omitempty"`
	LatencyStddevMS       float64 `json:"latency_stddev_ms,omitempty"`
	TPSIncluding          float64 `json:"tps_including_connect,omitempty"`
	TPSExcluding          float64 `json:"tps_excluding_connect,omitempty"`
	TPSWithoutInitial     float64 `json:"tps_without_initial_connect,omitempty"`
}

// TPS reports the best available throughput figure. Newer pgbench versions
// only print the "without initial connection time" variant.
func (s Summary) TPS() float64 {
	switch {
	case s.TPSWithoutInitial > 0:
		return s.TPSWithoutInitial
	case s.TPSExcluding > 0:
		return s.TPSExcluding
	default:
		return s.TPSIncluding
	}
}

type IterationSummary struct {
	Time      time.Time     `json:"time"`
	Workload  WorkloadClass `json:"workload"`
	Phase     RunPhase      `json:"phase"`
	Iteration int           `json:"iteration"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	ExitCode  int           `json:"exit_code"`
	Summary   Summary       `json:"summary"`
}

type RunResult struct {
	Workload         WorkloadClass `json:"workload"`
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	Err              error         `json:"-"`
	Iterations       int           `json:"iterations"`
	FailedIterations int           `json:"failed_iterations"`
	Samples          int           `json:"samples"`
	Events           int           `json:"events"`
}

func (r RunResult) Outcome() string {
	if r.Err != nil {
		return "failed"
	}
	return "ok"
}
