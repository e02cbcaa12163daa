// Package sequencer walks a tuning parameter through its configured values
// while the benchmark runs, optionally restarting the server after each change.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/profile"
	"pgtunebench/internal/service"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
	"pgtunebench/pkg/ctxutil"
	"pgtunebench/pkg/timeutil"
)

type State string

const (
	StatePending           State = "pending"
	StateDwelling          State = "dwelling"
	StateApplying          State = "applying"
	StateReloading         State = "reloading"
	StateResizing          State = "resizing"
	StateRestartRecovering State = "restart-recovering"
	StateDone              State = "done"
)

var (
	// ErrApply is returned when a configuration value could not be applied.
	// The run's signal is set before it is returned.
	ErrApply = errors.New("apply configuration failed")

	// ErrInterrupted is returned when the signal was set by someone else
	// before the sequence finished.
	ErrInterrupted = errors.New("sequence interrupted")

	// ErrSequenceDone is the signal cause recorded after the last step.
	ErrSequenceDone = errors.New("configuration sequence done")
)

const (
	defaultPollInterval = 5 * time.Second
	defaultRestartPoll  = time.Second
)

type Transition struct {
	Time     time.Time             `json:"time"`
	Workload tuneapi.WorkloadClass `json:"workload"`
	Step     int                   `json:"step"`
	Target   string                `json:"target,omitempty"`
	State    State                 `json:"state"`
}

type Sequencer struct {
	Config   profile.SequenceConfig
	Executor sqlexec.Executor
	// ControlDB is the database statements are issued on.
	ControlDB  string
	Timeout    time.Duration
	Controller service.Controller
	Recorder   telemetry.Recorder
	Sleep      timeutil.SleepFunc
	Log        *logrus.Entry

	// OnTransition is called synchronously for every state change.
	OnTransition func(Transition)
}

type run struct {
	*Sequencer
	ctx      context.Context
	sig      *ctxutil.Signal
	workload tuneapi.WorkloadClass
	log      *logrus.Entry
}

// Run applies every configured value in order, dwelling before each step.
// After the last step it sets sig so the benchmark stops.
func (s *Sequencer) Run(workload tuneapi.WorkloadClass, sig *ctxutil.Signal) error {
	r := &run{
		Sequencer: s,
		ctx:       sig.Context(),
		sig:       sig,
		workload:  workload,
		log:       s.logger().WithField("workload", workload),
	}
	return r.run()
}

func (r *run) run() error {
	cfg := r.Config
	for i := range cfg.Values {
		if err := r.step(i, cfg.Target(i)); err != nil {
			return err
		}
	}

	if cfg.HoldFinal && len(cfg.Values) > 0 {
		last := len(cfg.Values) - 1
		r.transition(StateDwelling, last, cfg.Target(last))
		if err := r.sleep(cfg.Dwell.Duration); err != nil {
			return r.interrupted(last)
		}
	}

	r.transition(StateDone, len(cfg.Values), "")
	r.sig.Set(ErrSequenceDone)
	return nil
}

func (r *run) step(i int, target string) error {
	cfg := r.Config
	r.transition(StatePending, i, target)

	r.transition(StateDwelling, i, target)
	if err := r.sleep(cfg.Dwell.Duration); err != nil {
		return r.interrupted(i)
	}

	r.event(tuneapi.EventResizeStarted, target)

	r.transition(StateApplying, i, target)
	if ok, out := r.exec(sqlexec.AlterSystemSet(cfg.Parameter, target)); !ok {
		if r.ctx.Err() != nil {
			return r.interrupted(i)
		}
		err := fmt.Errorf("%w: set %s to %s: %s", ErrApply, cfg.Parameter, target, out)
		r.stepLog(i, target).WithField("outcome", "failed").Error(err)
		r.sig.Set(err)
		return err
	}

	r.transition(StateReloading, i, target)
	if ok, out := r.exec(sqlexec.ReloadConf); !ok {
		r.stepLog(i, target).WithField("outcome", "failed").Warnf("Reload failed: %s", out)
	}

	if cfg.DynamicResize && cfg.ResizeFunction != "" {
		r.transition(StateResizing, i, target)
		if err := r.awaitResize(i, target); err != nil {
			return err
		}
	}
	r.event(tuneapi.EventResizeCompleted, target)

	if cfg.RestartRequired && r.Controller != nil {
		r.transition(StateRestartRecovering, i, target)
		if err := r.restart(i, target); err != nil {
			return err
		}
	}

	if ok, out := r.exec(sqlexec.Show(cfg.Parameter)); ok {
		r.stepLog(i, target).WithField("current", out).Info("Configuration applied")
	} else {
		r.stepLog(i, target).Warnf("Could not read current value: %s", out)
	}
	return nil
}

// awaitResize polls the resize predicate until it reports true. Timeouts are
// retried; any other failure stops the wait and the step carries on.
func (r *run) awaitResize(i int, target string) error {
	log := r.stepLog(i, target)
	stmt := sqlexec.SelectFunc(r.Config.ResizeFunction)

	err := timeutil.PollUntil(r.ctx, interval(r.Config.PollInterval, defaultPollInterval),
		func(context.Context) (bool, error) {
			ok, out := r.exec(stmt)
			switch {
			case ok:
				return sqlexec.IsTrue(out), nil
			case out == sqlexec.TimeoutOutput:
				return false, errors.New(out)
			default:
				return false, backoff.Permanent(errors.New(out))
			}
		},
		func(err error, next time.Duration) {
			log.WithError(err).Debugf("Resize check failed, retrying in %s", next)
		})

	switch {
	case err == nil:
	case r.ctx.Err() != nil:
		return r.interrupted(i)
	default:
		log.WithError(err).Warn("Resize check failed, not waiting for completion")
	}
	return nil
}

// restart stops and starts the server, then waits for it to come back. The
// wait has no upper bound other than the run's signal.
func (r *run) restart(i int, target string) error {
	log := r.stepLog(i, target)
	ctl := r.Controller

	r.event(tuneapi.EventRestartStarted, target)
	if err := ctl.Stop(r.ctx); err != nil {
		log.WithError(err).Warn("Stop failed")
	}
	if err := ctl.Start(r.ctx); err != nil {
		log.WithError(err).Warn("Start failed")
	}

	err := timeutil.PollUntil(r.ctx, interval(r.Config.RestartPollInterval, defaultRestartPoll),
		func(ctx context.Context) (bool, error) {
			running, err := ctl.Running(ctx)
			if err != nil || running {
				return running, err
			}
			if err := ctl.Start(ctx); err != nil {
				log.WithError(err).Debug("Start retry failed")
			}
			return false, nil
		},
		func(err error, next time.Duration) {
			log.WithError(err).Warnf("Liveness check failed, retrying in %s", next)
		})
	if err != nil {
		return r.interrupted(i)
	}
	r.event(tuneapi.EventRestartCompleted, target)

	if err := r.sleep(r.Config.PostRestartSettle.Duration); err != nil {
		return r.interrupted(i)
	}
	return nil
}

func (r *run) exec(stmt string) (bool, string) {
	opts := []sqlexec.Option{sqlexec.WithTimeout(r.Timeout)}
	if r.ControlDB != "" {
		opts = append(opts, sqlexec.WithDatabase(r.ControlDB))
	}
	return r.Executor.Execute(r.ctx, stmt, opts...)
}

func (r *run) sleep(d time.Duration) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = timeutil.Sleep
	}
	if err := sleep(r.ctx, d); err != nil {
		return err
	}
	return r.ctx.Err()
}

func (r *run) event(kind tuneapi.EventKind, target string) {
	ev := tuneapi.LifecycleEvent{
		Time:     time.Now(),
		Kind:     kind,
		Target:   target,
		Workload: r.workload,
	}
	if r.Recorder != nil {
		r.Recorder.RecordEvent(ev)
	}
	r.log.WithFields(logrus.Fields{"event": kind, "target": target}).Info("Lifecycle event")
}

func (r *run) transition(state State, i int, target string) {
	r.stepLog(i, target).WithField("state", state).Debug("Sequencer transition")
	if r.OnTransition != nil {
		r.OnTransition(Transition{
			Time:     time.Now(),
			Workload: r.workload,
			Step:     i,
			Target:   target,
			State:    state,
		})
	}
}

func (r *run) interrupted(i int) error {
	cause := r.sig.Cause()
	r.log.WithFields(logrus.Fields{
		"step":    i,
		"outcome": "interrupted",
	}).WithError(cause).Warn("Sequence interrupted")
	return fmt.Errorf("%w at step %d: %w", ErrInterrupted, i, cause)
}

func (r *run) stepLog(i int, target string) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{"step": i, "target": target})
}

func (s *Sequencer) logger() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "sequencer")
}

func interval(d tuneapi.Duration, fallback time.Duration) time.Duration {
	if d.Duration > 0 {
		return d.Duration
	}
	return fallback
}
