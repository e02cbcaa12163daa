package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"pgtunebench/api/tuneapi"
	"pgtunebench/pkg/stats"
)

// Metrics mirrors the record streams as Prometheus series. It implements
// Recorder so it can sit next to the file sinks.
type Metrics struct {
	Progress   progressMetrics
	Iterations *prometheus.CounterVec
	Events     *prometheus.CounterVec
	Config     *prometheus.GaugeVec
	Runs       runMetrics
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{}
	m.RegisterMetrics(reg)
	return m
}

func (m *Metrics) RegisterMetrics(r prometheus.Registerer) {
	name := func(n string) string { return "tunebench_" + n }

	m.Progress.Register(r, name("progress_"))

	m.Iterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name("iterations_total"),
		Help: "Finished pgbench iterations",
	}, []string{"workload", "phase", "outcome"})
	r.MustRegister(m.Iterations)

	m.Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name("lifecycle_events_total"),
		Help: "Configuration sequence lifecycle events",
	}, []string{"kind"})
	r.MustRegister(m.Events)

	m.Config = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name("config_value"),
		Help: "Last observed value of the tuned parameter, in bytes for memory settings",
	}, []string{"parameter"})
	r.MustRegister(m.Config)

	m.Runs.Register(r, name("run_"))
}

type progressMetrics struct {
	TPS     *prometheus.GaugeVec
	Latency *prometheus.GaugeVec
	Stddev  *prometheus.GaugeVec
	Samples *prometheus.CounterVec
	TPSDist *prometheus.HistogramVec
}

func (m *progressMetrics) Register(r prometheus.Registerer, prefix string) {
	labels := []string{"workload", "phase"}

	m.TPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "tps",
		Help: "Transactions per second from the last progress report",
	}, labels)
	r.MustRegister(m.TPS)

	m.Latency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "latency_ms",
		Help: "Mean latency from the last progress report",
	}, labels)
	r.MustRegister(m.Latency)

	m.Stddev = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "stddev_ms",
		Help: "Latency standard deviation from the last progress report",
	}, labels)
	r.MustRegister(m.Stddev)

	m.Samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "samples_total",
		Help: "Parsed progress reports",
	}, labels)
	r.MustRegister(m.Samples)

	m.TPSDist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "tps_distribution",
		Help:    "Distribution of reported transactions per second",
		Buckets: stats.ExpBuckets(1, 1.5, 1_000_000),
	}, labels)
	r.MustRegister(m.TPSDist)
}

type runMetrics struct {
	Duration *prometheus.HistogramVec
}

func (m *runMetrics) Register(r prometheus.Registerer, prefix string) {
	m.Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "duration_seconds",
		Help:    "Wall clock duration of workload class runs",
		Buckets: stats.ExpBuckets(1, 2, 48*3600),
	}, []string{"workload", "outcome"})
	r.MustRegister(m.Duration)
}

func (m *Metrics) RecordSample(v tuneapi.MetricSample) {
	labels := []string{string(v.Workload), string(v.Phase)}
	m.Progress.TPS.WithLabelValues(labels...).Set(v.TPS)
	m.Progress.Latency.WithLabelValues(labels...).Set(v.LatencyMS)
	m.Progress.Stddev.WithLabelValues(labels...).Set(v.StddevMS)
	m.Progress.Samples.WithLabelValues(labels...).Inc()
	m.Progress.TPSDist.WithLabelValues(labels...).Observe(v.TPS)
}

func (m *Metrics) RecordSummary(v tuneapi.IterationSummary) {
	outcome := "ok"
	if v.ExitCode != 0 {
		outcome = "failed"
	}
	m.Iterations.WithLabelValues(string(v.Workload), string(v.Phase), outcome).Inc()
}

func (m *Metrics) RecordEvent(v tuneapi.LifecycleEvent) {
	m.Events.WithLabelValues(string(v.Kind)).Inc()
}

func (m *Metrics) RecordConfig(v tuneapi.ConfigSample) {
	if n, ok := ParseSize(v.Value); ok {
		m.Config.WithLabelValues(v.Parameter).Set(n)
	}
}

func (m *Metrics) ObserveRun(r tuneapi.RunResult) {
	m.Runs.Duration.WithLabelValues(string(r.Workload), r.Outcome()).Observe(r.End.Sub(r.Start).Seconds())
}

var sizeUnits = map[string]float64{
	"":   1,
	"B":  1,
	"kB": 1 << 10,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseSize converts a PostgreSQL size setting like "128MB" into bytes.
// Values with time units or no number are rejected.
func ParseSize(s string) (float64, bool) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, false
	}
	unit, ok := sizeUnits[s[i:]]
	if !ok {
		return 0, false
	}
	return n * unit, true
}
