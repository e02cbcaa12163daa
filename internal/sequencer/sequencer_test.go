package sequencer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/profile"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
	"pgtunebench/pkg/ctxutil"
)

type trace struct {
	mu    sync.Mutex
	lines []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, s)
}

func (t *trace) filter(prefix string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, l := range t.lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

type fakeExecutor struct {
	trace *trace
	// respond returns the result for stmt; nil means success with no output.
	respond func(stmt string) (bool, string)
}

func (f *fakeExecutor) Execute(_ context.Context, stmt string, _ ...sqlexec.Option) (bool, string) {
	f.trace.add("sql:" + stmt)
	if f.respond != nil {
		return f.respond(stmt)
	}
	return true, ""
}

type eventRecorder struct {
	telemetry.Recorder
	trace *trace
}

func (r eventRecorder) RecordEvent(v tuneapi.LifecycleEvent) {
	r.trace.add("event:" + string(v.Kind) + ":" + v.Target)
}

type fakeController struct {
	trace *trace
	// downFor is the number of liveness checks that fail after a stop.
	downFor int
	misses  int
}

func (c *fakeController) Stop(context.Context) error {
	c.trace.add("ctl:stop")
	c.misses = c.downFor
	return nil
}

func (c *fakeController) Start(context.Context) error {
	c.trace.add("ctl:start")
	return nil
}

func (c *fakeController) Running(context.Context) (bool, error) {
	if c.misses > 0 {
		c.misses--
		c.trace.add("ctl:down")
		return false, nil
	}
	c.trace.add("ctl:up")
	return true, nil
}

func sequence(values ...string) profile.SequenceConfig {
	cfg := profile.SequenceConfig{
		Parameter:           "shared_buffers",
		Unit:                "GB",
		Dwell:               tuneapi.Seconds(600),
		RestartPollInterval: tuneapi.Duration{Duration: time.Millisecond},
		PollInterval:        tuneapi.Duration{Duration: time.Millisecond},
	}
	for _, v := range values {
		cfg.Values = append(cfg.Values, profile.SettingValue(v))
	}
	return cfg
}

func newSequencer(tr *trace, cfg profile.SequenceConfig) *Sequencer {
	return &Sequencer{
		Config:   cfg,
		Executor: &fakeExecutor{trace: tr},
		Recorder: eventRecorder{Recorder: telemetry.Discard, trace: tr},
		Sleep: func(ctx context.Context, d time.Duration) error {
			tr.add("sleep:" + d.String())
			return ctx.Err()
		},
	}
}

func TestSequenceWithoutRestart(t *testing.T) {
	tr := &trace{}
	s := newSequencer(tr, sequence("4", "8", "12"))
	sig := ctxutil.NewSignal(context.Background())

	require.NoError(t, s.Run(tuneapi.WorkloadROBorderline, sig))
	assert.True(t, sig.IsSet())
	assert.ErrorIs(t, sig.Cause(), ErrSequenceDone)

	assert.Equal(t, []string{
		"event:resize-started:4GB", "event:resize-completed:4GB",
		"event:resize-started:8GB", "event:resize-completed:8GB",
		"event:resize-started:12GB", "event:resize-completed:12GB",
	}, tr.filter("event:"))
	assert.Empty(t, tr.filter("event:restart"))

	assert.Equal(t, []string{
		"sleep:10m0s",
		"event:resize-started:4GB",
		"sql:ALTER SYSTEM SET shared_buffers = '4GB'",
		"sql:SELECT pg_reload_conf()",
		"event:resize-completed:4GB",
		"sql:SHOW shared_buffers",
	}, tr.lines[:6])
	assert.Len(t, tr.filter("sleep:"), 3)
}

func TestSequenceHoldFinal(t *testing.T) {
	tr := &trace{}
	cfg := sequence("4", "8")
	cfg.HoldFinal = true
	s := newSequencer(tr, cfg)

	require.NoError(t, s.Run(tuneapi.WorkloadSelect1, ctxutil.NewSignal(context.Background())))
	assert.Len(t, tr.filter("sleep:"), 3)
	assert.Equal(t, "sleep:10m0s", tr.lines[len(tr.lines)-1])
}

func TestSequenceTransitions(t *testing.T) {
	tr := &trace{}
	s := newSequencer(tr, sequence("4"))
	var states []State
	s.OnTransition = func(tr Transition) {
		states = append(states, tr.State)
	}

	require.NoError(t, s.Run(tuneapi.WorkloadSelect1, ctxutil.NewSignal(context.Background())))
	assert.Equal(t, []State{
		StatePending, StateDwelling, StateApplying, StateReloading, StateDone,
	}, states)
}

func TestSequenceRestart(t *testing.T) {
	tr := &trace{}
	cfg := sequence("4", "8")
	cfg.RestartRequired = true
	cfg.PostRestartSettle = tuneapi.Seconds(5)
	s := newSequencer(tr, cfg)
	s.Controller = &fakeController{trace: tr, downFor: 2}

	require.NoError(t, s.Run(tuneapi.WorkloadSelect1, ctxutil.NewSignal(context.Background())))

	assert.Equal(t, []string{
		"event:resize-started:4GB", "event:resize-completed:4GB",
		"event:restart-started:4GB", "event:restart-completed:4GB",
		"event:resize-started:8GB", "event:resize-completed:8GB",
		"event:restart-started:8GB", "event:restart-completed:8GB",
	}, tr.filter("event:"))

	// restart-completed only after the service was observed up
	var lastCtl string
	for _, line := range tr.lines {
		if strings.HasPrefix(line, "ctl:") {
			lastCtl = line
		}
		if strings.HasPrefix(line, "event:restart-completed") {
			assert.Equal(t, "ctl:up", lastCtl)
		}
	}
	// stop, start, then one start retry per failed check
	assert.Equal(t, []string{
		"ctl:stop", "ctl:start",
		"ctl:down", "ctl:start",
		"ctl:down", "ctl:start",
		"ctl:up",
	}, tr.filter("ctl:")[:7])
	assert.Contains(t, tr.lines, "sleep:5s")
}

func TestSequenceApplyFailure(t *testing.T) {
	tr := &trace{}
	s := newSequencer(tr, sequence("4", "8"))
	s.Executor = &fakeExecutor{trace: tr, respond: func(stmt string) (bool, string) {
		if strings.HasPrefix(stmt, "ALTER SYSTEM") && strings.Contains(stmt, "8GB") {
			return false, `ERROR:  invalid value for parameter "shared_buffers"`
		}
		return true, ""
	}}
	sig := ctxutil.NewSignal(context.Background())

	err := s.Run(tuneapi.WorkloadSelect1, sig)
	require.ErrorIs(t, err, ErrApply)
	assert.True(t, sig.IsSet())
	assert.ErrorIs(t, sig.Cause(), ErrApply)

	assert.Equal(t, []string{
		"event:resize-started:4GB", "event:resize-completed:4GB",
		"event:resize-started:8GB",
	}, tr.filter("event:"))
}

func TestSequenceReloadFailureNotFatal(t *testing.T) {
	tr := &trace{}
	s := newSequencer(tr, sequence("4"))
	s.Executor = &fakeExecutor{trace: tr, respond: func(stmt string) (bool, string) {
		if stmt == sqlexec.ReloadConf {
			return false, sqlexec.TimeoutOutput
		}
		return true, ""
	}}

	require.NoError(t, s.Run(tuneapi.WorkloadSelect1, ctxutil.NewSignal(context.Background())))
	assert.Len(t, tr.filter("event:resize-completed"), 1)
}

func TestSequenceDynamicResize(t *testing.T) {
	tr := &trace{}
	cfg := sequence("4")
	cfg.DynamicResize = true
	cfg.ResizeFunction = "pg_resize_shared_buffers"
	s := newSequencer(tr, cfg)

	checks := 0
	s.Executor = &fakeExecutor{trace: tr, respond: func(stmt string) (bool, string) {
		if stmt != "SELECT pg_resize_shared_buffers()" {
			return true, ""
		}
		checks++
		switch checks {
		case 1:
			return false, sqlexec.TimeoutOutput
		case 2:
			return true, "f"
		default:
			return true, "t"
		}
	}}

	require.NoError(t, s.Run(tuneapi.WorkloadSelect1, ctxutil.NewSignal(context.Background())))
	assert.Equal(t, 3, checks)

	resizeChecks := 0
	for _, line := range tr.lines {
		if line == "sql:SELECT pg_resize_shared_buffers()" {
			resizeChecks++
		}
		if line == "event:resize-completed:4GB" {
			assert.Equal(t, 3, resizeChecks, "resize-completed after the predicate turned true")
		}
	}
}

func TestSequenceDynamicResizeQueryError(t *testing.T) {
	tr := &trace{}
	cfg := sequence("4")
	cfg.DynamicResize = true
	cfg.ResizeFunction = "pg_resize_shared_buffers"
	s := newSequencer(tr, cfg)
	s.Executor = &fakeExecutor{trace: tr, respond: func(stmt string) (bool, string) {
		if strings.Contains(stmt, "pg_resize_shared_buffers") {
			return false, "ERROR:  function pg_resize_shared_buffers() does not exist"
		}
		return true, ""
	}}

	require.NoError(t, s.Run(tuneapi.WorkloadSelect1, ctxutil.NewSignal(context.Background())))
	assert.Equal(t, []string{"event:resize-started:4GB", "event:resize-completed:4GB"}, tr.filter("event:"))
}

func TestSequenceInterrupted(t *testing.T) {
	tr := &trace{}
	s := newSequencer(tr, sequence("4", "8", "12"))
	sig := ctxutil.NewSignal(context.Background())

	dwells := 0
	s.Sleep = func(ctx context.Context, d time.Duration) error {
		dwells++
		if dwells == 2 {
			sig.Set(context.Canceled)
		}
		return ctx.Err()
	}

	err := s.Run(tuneapi.WorkloadSelect1, sig)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"event:resize-started:4GB", "event:resize-completed:4GB"}, tr.filter("event:"))
}

func TestSequenceInterruptedDuringRestart(t *testing.T) {
	tr := &trace{}
	cfg := sequence("4")
	cfg.RestartRequired = true
	s := newSequencer(tr, cfg)
	s.Controller = &fakeController{trace: tr, downFor: 1 << 30}
	sig := ctxutil.NewSignal(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(tuneapi.WorkloadSelect1, sig) }()

	require.Eventually(t, func() bool {
		return len(tr.filter("ctl:down")) > 3
	}, 2*time.Second, time.Millisecond)
	sig.Set(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("sequencer did not stop")
	}
	assert.Empty(t, tr.filter("event:restart-completed"))
}
