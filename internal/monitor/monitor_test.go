package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/sqlexec"
	"pgtunebench/internal/telemetry"
)

type scriptedExecutor struct {
	mu      sync.Mutex
	calls   int
	results []string
}

func (s *scriptedExecutor) Execute(_ context.Context, stmt string, _ ...sqlexec.Option) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt != "SHOW shared_buffers" {
		return false, "unexpected statement"
	}
	i := min(s.calls, len(s.results)-1)
	s.calls++
	if s.results[i] == "" {
		return false, sqlexec.TimeoutOutput
	}
	return true, s.results[i]
}

func TestMonitorRecordsSamples(t *testing.T) {
	exec := &scriptedExecutor{results: []string{"4GB", "", "8GB"}}
	mem := &telemetry.Memory{}
	m := &Monitor{
		Executor:  exec,
		Parameter: "shared_buffers",
		Interval:  time.Millisecond,
		Recorder:  mem,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, tuneapi.WorkloadROFixedSF)
	}()

	require.Eventually(t, func() bool {
		return len(mem.Configs()) >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	configs := mem.Configs()
	assert.Equal(t, "4GB", configs[0].Value)
	assert.Equal(t, "8GB", configs[1].Value)
	assert.Equal(t, "shared_buffers", configs[0].Parameter)
	assert.Equal(t, tuneapi.WorkloadROFixedSF, configs[0].Workload)
}

func TestMonitorStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &scriptedExecutor{results: []string{"4GB"}}
	m := &Monitor{Executor: exec, Parameter: "shared_buffers", Recorder: telemetry.Discard}
	m.Run(ctx, tuneapi.WorkloadSelect1)
	assert.Zero(t, exec.calls)
}
