// Package monitor samples the live value of the tuned parameter while a
// workload runs.
package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
	"pgtunebench/pkg/timeutil"
)

type Monitor struct {
	Executor  sqlexec.Executor
	ControlDB string
	Parameter string
	Interval  time.Duration
	Timeout   time.Duration
	Recorder  telemetry.Recorder
	Log       *logrus.Entry
}

// Run records one ConfigSample per interval until ctx is done. Failed reads
// are expected while the server restarts and are skipped.
func (m *Monitor) Run(ctx context.Context, workload tuneapi.WorkloadClass) {
	log := m.log().WithField("workload", workload)
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	opts := []sqlexec.Option{sqlexec.WithTimeout(m.Timeout)}
	if m.ControlDB != "" {
		opts = append(opts, sqlexec.WithDatabase(m.ControlDB))
	}
	stmt := sqlexec.Show(m.Parameter)

	var last string
	failures := 0
	for now := range timeutil.IterTick(ctx, interval, true) {
		ok, out := m.Executor.Execute(ctx, stmt, opts...)
		if !ok {
			if ctx.Err() == nil {
				failures++
				log.WithField("failures", failures).Debugf("Sample failed: %s", out)
			}
			continue
		}
		if out != last {
			log.WithFields(logrus.Fields{"parameter": m.Parameter, "value": out}).Info("Configuration changed")
			last = out
		}
		m.Recorder.RecordConfig(tuneapi.ConfigSample{
			Time:      now,
			Workload:  workload,
			Parameter: m.Parameter,
			Value:     out,
		})
	}
}

func (m *Monitor) log() *logrus.Entry {
	if m.Log != nil {
		return m.Log
	}
	return logrus.WithField("component", "monitor")
}
