package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/bench"
	"pgtunebench/internal/pgbench"
	"pgtunebench/internal/planner"
	"pgtunebench/internal/profile"
	"pgtunebench/internal/sequencer"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
)

type fakeExecutor struct {
	mu      sync.Mutex
	stmts   []string
	respond func(stmt string) (bool, string)
}

func (f *fakeExecutor) Execute(_ context.Context, stmt string, _ ...sqlexec.Option) (bool, string) {
	f.mu.Lock()
	f.stmts = append(f.stmts, stmt)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(stmt)
	}
	if strings.HasPrefix(stmt, "SHOW") {
		return true, "4GB"
	}
	return true, ""
}

func (f *fakeExecutor) Statements(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.stmts {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

// fakeLauncher reports one progress line per measurement iteration and then
// runs until cancelled.
type fakeLauncher struct {
	mu      sync.Mutex
	phases  []string
	initErr error
}

func (f *fakeLauncher) Launch(
	ctx context.Context,
	inv planner.Invocation,
	_, stderrFn func(string),
) (pgbench.Result, error) {
	f.mu.Lock()
	f.phases = append(f.phases, string(inv.Phase))
	f.mu.Unlock()

	res := pgbench.Result{Start: time.Now()}
	switch inv.Phase {
	case planner.PhaseInitialize:
		res.End = time.Now()
		if f.initErr != nil {
			res.ExitCode = 1
		}
		return res, f.initErr
	case planner.PhaseWarmup:
		res.End = time.Now()
		return res, nil
	}

	stderrFn("progress: 2.0 s, 1000.0 tps, lat 1.000 ms stddev 0.100")
	<-ctx.Done()
	res.End = time.Now()
	res.ExitCode = -1
	return res, ctx.Err()
}

func (f *fakeLauncher) Phases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.phases...)
}

func testExperiment(workloads ...tuneapi.WorkloadClass) profile.Experiment {
	exp := profile.DefaultExperiment()
	exp.Workloads = workloads
	exp.Sequence.Values = []profile.SettingValue{"4", "8"}
	exp.Sequence.Dwell = tuneapi.Duration{Duration: 50 * time.Millisecond}
	exp.Sequence.DynamicResize = false
	exp.Runner = profile.RunnerConfig{KillGrace: tuneapi.Seconds(1)}
	exp.Telemetry.MonitorInterval = tuneapi.Duration{Duration: 10 * time.Millisecond}
	exp.Service.Kind = profile.ServiceNone
	return exp
}

func newTestOrchestrator(exp profile.Experiment) (*Orchestrator, *fakeExecutor, *fakeLauncher, *telemetry.Memory) {
	exec := &fakeExecutor{}
	launcher := &fakeLauncher{}
	mem := &telemetry.Memory{}
	return &Orchestrator{
		Experiment: exp,
		Executor:   exec,
		Launcher:   launcher,
		Recorder:   mem,
	}, exec, launcher, mem
}

func TestRunWorkloads(t *testing.T) {
	exp := testExperiment(tuneapi.WorkloadSelect1, tuneapi.WorkloadROFullyCached)
	o, exec, launcher, mem := newTestOrchestrator(exp)
	o.Metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	o.Recorder = telemetry.Multi(mem, o.Metrics)

	var seen []tuneapi.WorkloadClass
	o.OnWorkload = func(w tuneapi.WorkloadClass) { seen = append(seen, w) }

	results, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []tuneapi.WorkloadClass{tuneapi.WorkloadSelect1, tuneapi.WorkloadROFullyCached}, seen)

	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, "ok", r.Outcome())
		assert.GreaterOrEqual(t, r.Iterations, 1)
		assert.Equal(t, 4, r.Events)
	}

	assert.Equal(t, []string{
		"initialize", "testruns",
		"initialize", "warmupruns", "testruns",
	}, launcher.Phases())

	// reset and teardown drop once each per class
	assert.Len(t, exec.Statements("DROP DATABASE"), 4)
	assert.Len(t, exec.Statements("CREATE DATABASE"), 2)
	assert.Len(t, exec.Statements("ALTER SYSTEM"), 4)

	events := mem.Events()
	require.Len(t, events, 8)
	assert.Equal(t, tuneapi.EventResizeStarted, events[0].Kind)
	assert.Equal(t, "4GB", events[0].Target)
	assert.Equal(t, tuneapi.WorkloadSelect1, events[0].Workload)
	assert.Equal(t, tuneapi.WorkloadROFullyCached, events[7].Workload)
	assert.NotEmpty(t, mem.Configs())

	assert.Equal(t, 4.0, testutil.ToFloat64(o.Metrics.Events.WithLabelValues(string(tuneapi.EventResizeStarted))))
}

func TestResetFailure(t *testing.T) {
	exp := testExperiment(tuneapi.WorkloadSelect1, tuneapi.WorkloadSelect1NPPS)
	o, exec, launcher, _ := newTestOrchestrator(exp)
	exec.respond = func(stmt string) (bool, string) {
		if strings.HasPrefix(stmt, "CREATE DATABASE") {
			return false, `ERROR:  permission denied to create database`
		}
		return true, ""
	}

	results, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, ErrReset)
	}
	assert.Empty(t, launcher.Phases())
	assert.Empty(t, exec.Statements("ALTER SYSTEM"))
	// teardown still drops after a failed reset
	assert.Len(t, exec.Statements("DROP DATABASE"), 4)
}

func TestInitializeFailureAbortsSequence(t *testing.T) {
	exp := testExperiment(tuneapi.WorkloadROBorderline)
	exp.Sequence.Dwell = tuneapi.Seconds(3600)
	o, exec, launcher, mem := newTestOrchestrator(exp)
	launcher.initErr = errors.New("exit status 1")

	done := make(chan tuneapi.RunResult, 1)
	go func() { done <- o.RunWorkload(context.Background(), tuneapi.WorkloadROBorderline) }()

	select {
	case r := <-done:
		assert.ErrorIs(t, r.Err, bench.ErrInitialize)
		assert.NotErrorIs(t, r.Err, sequencer.ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after initialize failure")
	}
	assert.Equal(t, []string{"initialize"}, launcher.Phases())
	assert.Empty(t, exec.Statements("ALTER SYSTEM"))
	assert.Empty(t, mem.Events())
}

func TestApplyFailure(t *testing.T) {
	exp := testExperiment(tuneapi.WorkloadSelect1)
	o, exec, _, _ := newTestOrchestrator(exp)
	exec.respond = func(stmt string) (bool, string) {
		if strings.HasPrefix(stmt, "ALTER SYSTEM") {
			return false, "ERROR:  must be superuser"
		}
		return true, ""
	}

	r := o.RunWorkload(context.Background(), tuneapi.WorkloadSelect1)
	assert.ErrorIs(t, r.Err, sequencer.ErrApply)
	assert.Equal(t, "failed", r.Outcome())
	assert.Len(t, exec.Statements("ALTER SYSTEM"), 1)
}

func TestCancelStopsExperiment(t *testing.T) {
	exp := testExperiment(tuneapi.WorkloadSelect1, tuneapi.WorkloadSelect1NPPS)
	exp.Sequence.Dwell = tuneapi.Seconds(3600)
	o, exec, launcher, _ := newTestOrchestrator(exp)

	ctx, cancel := context.WithCancel(context.Background())
	type ret struct {
		results []tuneapi.RunResult
		err     error
	}
	done := make(chan ret, 1)
	go func() {
		results, err := o.Run(ctx)
		done <- ret{results, err}
	}()

	require.Eventually(t, func() bool {
		return len(launcher.Phases()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, context.Canceled)
		require.Len(t, r.results, 1)
		assert.ErrorIs(t, r.results[0].Err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("experiment did not stop")
	}
	// teardown ran with a live context
	assert.Len(t, exec.Statements("DROP DATABASE"), 2)
}

func TestNew(t *testing.T) {
	exp := testExperiment(tuneapi.WorkloadSelect1)
	exp.Control.Driver = profile.DriverPQ

	o, err := New(exp, nil, nil, nil)
	require.NoError(t, err)
	defer o.Close()
	assert.IsType(t, &sqlexec.DB{}, o.Executor)
	assert.Nil(t, o.Controller)
	assert.IsType(t, &pgbench.Exec{}, o.Launcher)

	exp.Control.Driver = profile.DriverPSQL
	o, err = New(exp, nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &sqlexec.PSQL{}, o.Executor)

	exp.Workloads = []tuneapi.WorkloadClass{"TPCC"}
	_, err = New(exp, nil, nil, nil)
	assert.Error(t, err)
}
