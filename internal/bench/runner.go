// Package bench runs a planned pgbench pipeline: initialize and warm up once,
// then measure in a loop until the run's signal is set.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/pgbench"
	"pgtunebench/internal/planner"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
	"pgtunebench/pkg/ctxutil"
	"pgtunebench/pkg/timeutil"
)

// ErrInitialize is returned when the initialize phase fails. It is the only
// failure that ends a run early.
var ErrInitialize = errors.New("initialize phase failed")

const checkpointTimeout = 10 * time.Minute

// Launcher runs one invocation to completion. pgbench.Exec implements it.
type Launcher interface {
	Launch(ctx context.Context, inv planner.Invocation, stdoutFn, stderrFn func(string)) (pgbench.Result, error)
}

type Config struct {
	StartDelay       time.Duration
	PostWarmupPause  time.Duration
	PauseBetweenRuns time.Duration
	// Checkpoint issues CHECKPOINT before the first measurement iteration.
	Checkpoint bool
}

type Report struct {
	Iterations int
	Failed     int
	Samples    int
}

type Runner struct {
	Launcher Launcher
	Recorder telemetry.Recorder
	Executor sqlexec.Executor
	// ControlDB is the database CHECKPOINT is issued on. Empty means the
	// executor's default.
	ControlDB string
	Config    Config
	Sleep     timeutil.SleepFunc
	Log       *logrus.Entry
}

// Run executes p until sig is set. Iteration failures are logged and the
// loop continues; only an initialize failure is returned.
func (r *Runner) Run(sig *ctxutil.Signal, p planner.Pipeline) (Report, error) {
	ctx := sig.Context()
	log := r.log().WithField("workload", p.Workload)

	var report Report
	stop := context.AfterFunc(ctx, func() {
		log.WithField("cause", context.Cause(ctx)).Debug("Runner observed cancellation")
	})
	defer stop()

	if r.pause(ctx, r.Config.StartDelay) {
		return report, nil
	}

	if p.Initialize != nil {
		if err := r.initialize(ctx, log, *p.Initialize); err != nil {
			return report, err
		}
	}

	if p.Warmup != nil && ctx.Err() == nil {
		r.iterate(ctx, log, p, *p.Warmup, tuneapi.PhaseWarmup, 1, &report)
		if r.pause(ctx, r.Config.PostWarmupPause) {
			return report, nil
		}
	}

	if r.Config.Checkpoint && ctx.Err() == nil {
		r.checkpoint(ctx, log)
	}

	for iteration := 1; ctx.Err() == nil; iteration++ {
		if iteration > 1 && r.pause(ctx, r.Config.PauseBetweenRuns) {
			break
		}
		r.iterate(ctx, log, p, p.Measure, tuneapi.PhaseMeasurement, iteration, &report)
	}

	log.WithFields(logrus.Fields{
		"iterations": report.Iterations,
		"failed":     report.Failed,
		"samples":    report.Samples,
	}).Info("Runner stopped")
	return report, nil
}

func (r *Runner) initialize(ctx context.Context, log *logrus.Entry, inv planner.Invocation) error {
	log = log.WithField("phase", inv.Phase)
	log.Info("Initializing")

	res, err := r.Launcher.Launch(ctx, inv, nil, func(line string) {
		log.Debug(line)
	})
	if err != nil && ctx.Err() != nil {
		log.WithField("outcome", "cancelled").Info("Initialize interrupted")
		return nil
	}
	if err != nil {
		log.WithFields(logrus.Fields{
			"outcome":   "failed",
			"exit_code": res.ExitCode,
			"stderr":    res.Tail,
		}).WithError(err).Error("Initialize failed")
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	log.WithFields(logrus.Fields{
		"outcome":  "ok",
		"duration": res.End.Sub(res.Start).Round(time.Millisecond),
	}).Info("Initialize done")
	return nil
}

func (r *Runner) iterate(
	ctx context.Context,
	log *logrus.Entry,
	p planner.Pipeline,
	inv planner.Invocation,
	phase tuneapi.RunPhase,
	iteration int,
	report *Report,
) {
	log = log.WithFields(logrus.Fields{"phase": phase, "iteration": iteration})
	log.Debug("Iteration started")

	var summary pgbench.SummaryParser
	res, err := r.Launcher.Launch(ctx, inv, summary.Line, func(line string) {
		progress, ok := pgbench.ParseProgress(line)
		if !ok {
			return
		}
		report.Samples++
		r.recorder().RecordSample(tuneapi.MetricSample{
			Time:      time.Now(),
			Workload:  p.Workload,
			Phase:     phase,
			Iteration: iteration,
			Elapsed:   progress.Elapsed,
			TPS:       progress.TPS,
			LatencyMS: progress.LatencyMS,
			StddevMS:  progress.StddevMS,
		})
	})

	report.Iterations++
	result, _ := summary.Summary()
	r.recorder().RecordSummary(tuneapi.IterationSummary{
		Time:      time.Now(),
		Workload:  p.Workload,
		Phase:     phase,
		Iteration: iteration,
		Start:     res.Start,
		End:       res.End,
		ExitCode:  res.ExitCode,
		Summary:   result,
	})

	switch {
	case ctx.Err() != nil:
		log.WithField("outcome", "cancelled").Info("Iteration interrupted")
	case err != nil:
		report.Failed++
		log.WithFields(logrus.Fields{
			"outcome":   "failed",
			"exit_code": res.ExitCode,
			"stderr":    res.Tail,
		}).WithError(err).Warn("Iteration failed, continuing")
	default:
		log.WithFields(logrus.Fields{
			"outcome": "ok",
			"tps":     result.TPS(),
			"latency": result.LatencyAvgMS,
		}).Info("Iteration finished")
	}
}

func (r *Runner) checkpoint(ctx context.Context, log *logrus.Entry) {
	if r.Executor == nil {
		return
	}
	opts := []sqlexec.Option{sqlexec.WithTimeout(checkpointTimeout)}
	if r.ControlDB != "" {
		opts = append(opts, sqlexec.WithDatabase(r.ControlDB))
	}
	if ok, out := r.Executor.Execute(ctx, sqlexec.Checkpoint, opts...); !ok {
		log.WithField("outcome", "failed").Warnf("Checkpoint before measurement failed: %s", out)
		return
	}
	log.Debug("Checkpoint done")
}

// pause waits d and reports whether the run was cancelled meanwhile.
func (r *Runner) pause(ctx context.Context, d time.Duration) bool {
	sleep := r.Sleep
	if sleep == nil {
		sleep = timeutil.Sleep
	}
	return sleep(ctx, d) != nil || ctx.Err() != nil
}

func (r *Runner) recorder() telemetry.Recorder {
	if r.Recorder == nil {
		return telemetry.Discard
	}
	return r.Recorder
}

func (r *Runner) log() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	return logrus.WithField("component", "runner")
}
