// Package orchestrator runs an experiment one workload class at a time: reset
// the database, run the configuration sequence against continuous load, then
// tear everything down before the next class.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/bench"
	"pgtunebench/internal/monitor"
	"pgtunebench/internal/pgbench"
	"pgtunebench/internal/planner"
	"pgtunebench/internal/profile"
	"pgtunebench/internal/sequencer"
	"pgtunebench/internal/service"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
	"pgtunebench/pkg/ctxutil"
	"pgtunebench/pkg/timeutil"
)

// ErrReset is returned when the target database could not be recreated.
var ErrReset = errors.New("reset database failed")

type Orchestrator struct {
	Experiment profile.Experiment
	Executor   sqlexec.Executor
	Launcher   bench.Launcher
	Controller service.Controller
	Recorder   telemetry.Recorder
	// Metrics is optional.
	Metrics *telemetry.Metrics
	Sleep   timeutil.SleepFunc
	Log     *logrus.Entry

	OnWorkload   func(tuneapi.WorkloadClass)
	OnTransition func(sequencer.Transition)
}

// New wires the executor, pgbench launcher and service controller selected
// by exp.
func New(exp profile.Experiment, rec telemetry.Recorder, metrics *telemetry.Metrics, log *logrus.Entry) (*Orchestrator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := exp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment: %w", err)
	}

	ctl, err := service.New(&exp, log.WithField("component", "service"))
	if err != nil {
		return nil, err
	}

	var exec sqlexec.Executor
	switch exp.Control.Driver {
	case profile.DriverPQ:
		exec = sqlexec.NewDB(exp.Server, exp.Timeout())
	default:
		exec = sqlexec.NewPSQL(exp.Tools.PSQL(), exp.Server, exp.Timeout())
	}

	if rec == nil {
		rec = telemetry.Discard
	}
	if metrics != nil {
		rec = telemetry.Multi(rec, metrics)
	}

	return &Orchestrator{
		Experiment: exp,
		Executor:   exec,
		Launcher: &pgbench.Exec{
			KillGrace: exp.Runner.KillGrace.Duration,
			Log:       log.WithField("component", "pgbench"),
		},
		Controller: ctl,
		Recorder:   rec,
		Metrics:    metrics,
		Log:        log,
	}, nil
}

// Close releases the executor's connections, if it holds any.
func (o *Orchestrator) Close() error {
	if c, ok := o.Executor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Run executes every configured workload class in order. A failed class does
// not stop the experiment; cancelling ctx does, after the current teardown.
func (o *Orchestrator) Run(ctx context.Context) ([]tuneapi.RunResult, error) {
	var results []tuneapi.RunResult
	for _, w := range o.Experiment.Workloads {
		if ctx.Err() != nil {
			break
		}
		result := o.RunWorkload(ctx, w)
		results = append(results, result)
		if o.Metrics != nil {
			o.Metrics.ObserveRun(result)
		}
	}
	return results, context.Cause(ctx)
}

// RunWorkload runs a single workload class with a fresh signal.
func (o *Orchestrator) RunWorkload(ctx context.Context, w tuneapi.WorkloadClass) (result tuneapi.RunResult) {
	exp := &o.Experiment
	log := o.log().WithField("workload", w)
	result = tuneapi.RunResult{Workload: w, Start: time.Now()}
	defer func() {
		result.End = time.Now()
		entry := log.WithFields(logrus.Fields{
			"outcome":    result.Outcome(),
			"iterations": result.Iterations,
			"failed":     result.FailedIterations,
			"samples":    result.Samples,
			"events":     result.Events,
			"duration":   result.End.Sub(result.Start).Round(time.Second),
		})
		if result.Err != nil {
			entry.WithError(result.Err).Error("Workload run failed")
		} else {
			entry.Info("Workload run finished")
		}
	}()

	if o.OnWorkload != nil {
		o.OnWorkload(w)
	}

	pipeline, err := planner.Plan(exp.Server, exp.Tools, w)
	if err != nil {
		result.Err = err
		return result
	}
	log.WithFields(logrus.Fields{
		"connections":  pipeline.Connections,
		"threads":      pipeline.Threads,
		"scale_factor": pipeline.ScaleFactor,
	}).Infof("Starting workload: %s", pipeline.Measure)

	defer o.teardown(ctx, log)
	if err := o.reset(ctx, log); err != nil {
		result.Err = err
		return result
	}

	tally := telemetry.NewTally(o.recorder())
	sig := ctxutil.NewSignal(ctx)
	defer sig.Set(nil)

	type runnerResult struct {
		report bench.Report
		err    error
	}
	runnerDone := make(chan runnerResult, 1)
	go func() {
		report, err := o.runner(tally, log).Run(sig, pipeline)
		if err != nil {
			sig.Set(err)
		}
		runnerDone <- runnerResult{report, err}
	}()

	var eg errgroup.Group
	var seqErr error
	eg.Go(func() error {
		seqErr = o.sequencer(tally, log).Run(w, sig)
		sig.Set(seqErr)
		return nil
	})
	if exp.Telemetry.Monitor {
		eg.Go(func() error {
			o.monitor(tally, log).Run(sig.Context(), w)
			return nil
		})
	}
	_ = eg.Wait()

	var runErr error
	bound := measurementDuration(exp.Server, w)
	select {
	case r := <-runnerDone:
		runErr = r.err
		result.Iterations = r.report.Iterations
		result.FailedIterations = r.report.Failed
	case <-time.After(bound):
		log.WithField("bound", bound).Warn("Runner did not stop in time, tearing down anyway")
	}
	result.Samples = tally.Samples()
	result.Events = tally.Events()

	if errors.Is(seqErr, sequencer.ErrInterrupted) {
		seqErr = nil
	}
	result.Err = errors.Join(runErr, seqErr, context.Cause(ctx))
	return result
}

func (o *Orchestrator) reset(ctx context.Context, log *logrus.Entry) error {
	db := o.Experiment.Server.Database
	log = log.WithField("phase", "reset")

	if ok, out := o.exec(ctx, sqlexec.TerminateSessions(db)); !ok {
		log.Warnf("Terminate sessions failed: %s", out)
	}
	if ok, out := o.exec(ctx, sqlexec.DropDatabase(db)); !ok {
		log.Warnf("Drop database failed: %s", out)
	}
	if ok, out := o.exec(ctx, sqlexec.CreateDatabase(db)); !ok {
		return fmt.Errorf("%w: create %s: %s", ErrReset, db, out)
	}
	log.Debug("Database recreated")
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context, log *logrus.Entry) {
	ctx = context.WithoutCancel(ctx)
	db := o.Experiment.Server.Database
	log = log.WithField("phase", "teardown")

	if ok, out := o.exec(ctx, sqlexec.TerminateSessions(db)); !ok {
		log.Debugf("Terminate sessions failed: %s", out)
	}
	if ok, out := o.exec(ctx, sqlexec.DropDatabase(db)); !ok {
		log.Warnf("Drop database failed: %s", out)
		return
	}
	log.Debug("Database dropped")
}

func (o *Orchestrator) exec(ctx context.Context, stmt string) (bool, string) {
	return o.Executor.Execute(ctx, stmt,
		sqlexec.WithDatabase(o.Experiment.Server.MaintenanceDatabase),
		sqlexec.WithTimeout(o.Experiment.Timeout()))
}

func (o *Orchestrator) runner(rec telemetry.Recorder, log *logrus.Entry) *bench.Runner {
	cfg := o.Experiment.Runner
	return &bench.Runner{
		Launcher:  o.Launcher,
		Recorder:  rec,
		Executor:  o.Executor,
		ControlDB: o.Experiment.Server.MaintenanceDatabase,
		Config: bench.Config{
			StartDelay:       cfg.StartDelay.Duration,
			PostWarmupPause:  cfg.PostWarmupPause.Duration,
			PauseBetweenRuns: cfg.PauseBetweenRuns.Duration,
			Checkpoint:       cfg.Checkpoint,
		},
		Sleep: o.Sleep,
		Log:   log.WithField("component", "runner"),
	}
}

func (o *Orchestrator) sequencer(rec telemetry.Recorder, log *logrus.Entry) *sequencer.Sequencer {
	return &sequencer.Sequencer{
		Config:       o.Experiment.Sequence,
		Executor:     o.Executor,
		ControlDB:    o.Experiment.Server.MaintenanceDatabase,
		Timeout:      o.Experiment.Timeout(),
		Controller:   o.Controller,
		Recorder:     rec,
		Sleep:        o.Sleep,
		Log:          log.WithField("component", "sequencer"),
		OnTransition: o.OnTransition,
	}
}

func (o *Orchestrator) monitor(rec telemetry.Recorder, log *logrus.Entry) *monitor.Monitor {
	return &monitor.Monitor{
		Executor:  o.Executor,
		ControlDB: o.Experiment.Server.MaintenanceDatabase,
		Parameter: o.Experiment.Sequence.Parameter,
		Interval:  o.Experiment.Telemetry.MonitorInterval.Duration,
		Timeout:   o.Experiment.Timeout(),
		Recorder:  rec,
		Log:       log.WithField("component", "monitor"),
	}
}

func (o *Orchestrator) recorder() telemetry.Recorder {
	if o.Recorder == nil {
		return telemetry.Discard
	}
	return o.Recorder
}

func (o *Orchestrator) log() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.WithField("component", "orchestrator")
}

func measurementDuration(srv profile.ServerProfile, w tuneapi.WorkloadClass) time.Duration {
	if w.ReadWrite() {
		return srv.Durations.RWMeasurement.Duration
	}
	return srv.Durations.Measurement.Duration
}
