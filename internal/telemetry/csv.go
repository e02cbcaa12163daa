package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"pgtunebench/api/tuneapi"
	"pgtunebench/pkg/timeutil"
)

const (
	SamplesFile   = "tps_latency_logs.csv"
	ResizeFile    = "resize_timings.csv"
	RestartFile   = "restart_timings.csv"
	SummariesFile = "iteration_summaries.csv"
	ConfigFile    = "config_samples.csv"
)

var (
	samplesHeader = []string{"timestamp", "workload", "phase", "iteration", "elapsed_s", "tps", "latency_ms", "stddev_ms"}
	eventsHeader  = []string{"timestamp", "status", "target", "workload"}
	configHeader  = []string{"timestamp", "workload", "parameter", "value"}
	summaryHeader = []string{
		"timestamp", "workload", "phase", "iteration", "start", "end", "exit_code",
		"transaction_type", "scaling_factor", "query_mode", "clients", "threads", "duration_s",
		"transactions_processed", "latency_avg_ms", "latency_stddev_ms", "tps",
	}
)

// CSVRecorder writes every record kind to its own file in one directory.
type CSVRecorder struct {
	Dir string

	samples   *Stream[tuneapi.MetricSample]
	summaries *Stream[tuneapi.IterationSummary]
	resizes   *Stream[tuneapi.LifecycleEvent]
	restarts  *Stream[tuneapi.LifecycleEvent]
	configs   *Stream[tuneapi.ConfigSample]
}

func OpenCSV(dir string, buffer int, log *logrus.Entry) (rec *CSVRecorder, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result directory: %w", err)
	}

	var files []*os.File
	open := func(name string) *os.File {
		if err != nil {
			return nil
		}
		var f *os.File
		f, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			files = append(files, f)
		}
		return f
	}

	samples := open(SamplesFile)
	summaries := open(SummariesFile)
	resizes := open(ResizeFile)
	restarts := open(RestartFile)
	configs := open(ConfigFile)
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}

	return &CSVRecorder{
		Dir:       dir,
		samples:   NewStream(SamplesFile, samples, buffer, samplesHeader, sampleRow, log),
		summaries: NewStream(SummariesFile, summaries, buffer, summaryHeader, summaryRow, log),
		resizes:   NewStream(ResizeFile, resizes, buffer, eventsHeader, eventRow, log),
		restarts:  NewStream(RestartFile, restarts, buffer, eventsHeader, eventRow, log),
		configs:   NewStream(ConfigFile, configs, buffer, configHeader, configRow, log),
	}, nil
}

func (c *CSVRecorder) RecordSample(v tuneapi.MetricSample)      { c.samples.Put(v) }
func (c *CSVRecorder) RecordSummary(v tuneapi.IterationSummary) { c.summaries.Put(v) }
func (c *CSVRecorder) RecordConfig(v tuneapi.ConfigSample)      { c.configs.Put(v) }

func (c *CSVRecorder) RecordEvent(v tuneapi.LifecycleEvent) {
	if v.Kind.Restart() {
		c.restarts.Put(v)
	} else {
		c.resizes.Put(v)
	}
}

func (c *CSVRecorder) Close() error {
	return errors.Join(
		c.samples.Close(),
		c.summaries.Close(),
		c.resizes.Close(),
		c.restarts.Close(),
		c.configs.Close(),
	)
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sampleRow(v tuneapi.MetricSample) []string {
	return []string{
		timeutil.Stamp(v.Time),
		string(v.Workload),
		string(v.Phase),
		strconv.Itoa(v.Iteration),
		ftoa(v.Elapsed),
		ftoa(v.TPS),
		ftoa(v.LatencyMS),
		ftoa(v.StddevMS),
	}
}

func eventRow(v tuneapi.LifecycleEvent) []string {
	return []string{
		timeutil.Stamp(v.Time),
		v.Kind.Status(),
		v.Target,
		string(v.Workload),
	}
}

func configRow(v tuneapi.ConfigSample) []string {
	return []string{
		timeutil.Stamp(v.Time),
		string(v.Workload),
		v.Parameter,
		v.Value,
	}
}

func summaryRow(v tuneapi.IterationSummary) []string {
	s := v.Summary
	return []string{
		timeutil.Stamp(v.Time),
		string(v.Workload),
		string(v.Phase),
		strconv.Itoa(v.Iteration),
		timeutil.Stamp(v.Start),
		timeutil.Stamp(v.End),
		strconv.Itoa(v.ExitCode),
		s.TransactionType,
		strconv.Itoa(s.ScalingFactor),
		s.QueryMode,
		strconv.Itoa(s.Clients),
		strconv.Itoa(s.Threads),
		strconv.Itoa(s.DurationS),
		strconv.FormatInt(s.TransactionsProcessed, 10),
		ftoa(s.LatencyAvgMS),
		ftoa(s.LatencyStddevMS),
		ftoa(s.TPS()),
	}
}

// ReadSamples parses a samples file written by CSVRecorder.
func ReadSamples(r io.Reader) ([]tuneapi.MetricSample, error) {
	var samples []tuneapi.MetricSample
	err := readRows(r, len(samplesHeader), func(rec []string) error {
		ts, err := parseStamp(rec[0])
		if err != nil {
			return err
		}
		iteration, err := strconv.Atoi(rec[3])
		if err != nil {
			return fmt.Errorf("iteration: %w", err)
		}
		values := make([]float64, 4)
		for i := range values {
			if values[i], err = strconv.ParseFloat(rec[4+i], 64); err != nil {
				return fmt.Errorf("%s: %w", samplesHeader[4+i], err)
			}
		}
		samples = append(samples, tuneapi.MetricSample{
			Time:      ts,
			Workload:  tuneapi.WorkloadClass(rec[1]),
			Phase:     tuneapi.RunPhase(rec[2]),
			Iteration: iteration,
			Elapsed:   values[0],
			TPS:       values[1],
			LatencyMS: values[2],
			StddevMS:  values[3],
		})
		return nil
	})
	return samples, err
}

// ReadEvents parses a resize or restart timing file. restart selects which
// kind of event the rows describe.
func ReadEvents(r io.Reader, restart bool) ([]tuneapi.LifecycleEvent, error) {
	var events []tuneapi.LifecycleEvent
	err := readRows(r, len(eventsHeader), func(rec []string) error {
		ts, err := parseStamp(rec[0])
		if err != nil {
			return err
		}

		var kind tuneapi.EventKind
		switch {
		case rec[1] == "Started" && restart:
			kind = tuneapi.EventRestartStarted
		case rec[1] == "Started":
			kind = tuneapi.EventResizeStarted
		case restart:
			kind = tuneapi.EventRestartCompleted
		default:
			kind = tuneapi.EventResizeCompleted
		}

		events = append(events, tuneapi.LifecycleEvent{
			Time:     ts,
			Kind:     kind,
			Target:   rec[2],
			Workload: tuneapi.WorkloadClass(rec[3]),
		})
		return nil
	})
	return events, err
}

func readRows(r io.Reader, fields int, fn func([]string) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = fields
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		if rec[0] == "timestamp" {
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func parseStamp(s string) (time.Time, error) {
	ts, err := time.ParseInLocation(timeutil.Format, s, time.Local)
	if err != nil {
		return ts, fmt.Errorf("timestamp: %w", err)
	}
	return ts, nil
}
