// Package telemetry carries run records from the components that produce
// them to append-only sinks. Records are timestamped by their producer;
// delivery is at-least-once with best effort ordering.
package telemetry

import (
	"sync"
	"sync/atomic"

	"pgtunebench/api/tuneapi"
)

type Recorder interface {
	RecordSample(tuneapi.MetricSample)
	RecordSummary(tuneapi.IterationSummary)
	RecordEvent(tuneapi.LifecycleEvent)
	RecordConfig(tuneapi.ConfigSample)
}

type discard struct{}

func (discard) RecordSample(tuneapi.MetricSample)      {}
func (discard) RecordSummary(tuneapi.IterationSummary) {}
func (discard) RecordEvent(tuneapi.LifecycleEvent)     {}
func (discard) RecordConfig(tuneapi.ConfigSample)      {}

// Discard drops every record.
var Discard Recorder = discard{}

// Multi fans records out to all recorders.
func Multi(recorders ...Recorder) Recorder {
	var list multi
	for _, r := range recorders {
		if r != nil {
			list = append(list, r)
		}
	}
	return list
}

type multi []Recorder

func (m multi) RecordSample(v tuneapi.MetricSample) {
	for _, r := range m {
		r.RecordSample(v)
	}
}

func (m multi) RecordSummary(v tuneapi.IterationSummary) {
	for _, r := range m {
		r.RecordSummary(v)
	}
}

func (m multi) RecordEvent(v tuneapi.LifecycleEvent) {
	for _, r := range m {
		r.RecordEvent(v)
	}
}

func (m multi) RecordConfig(v tuneapi.ConfigSample) {
	for _, r := range m {
		r.RecordConfig(v)
	}
}

// Tally counts what passes through to the wrapped recorder.
type Tally struct {
	Recorder

	samples   atomic.Int64
	summaries atomic.Int64
	events    atomic.Int64
	configs   atomic.Int64
}

func NewTally(r Recorder) *Tally {
	if r == nil {
		r = Discard
	}
	return &Tally{Recorder: r}
}

func (t *Tally) RecordSample(v tuneapi.MetricSample) {
	t.samples.Add(1)
	t.Recorder.RecordSample(v)
}

func (t *Tally) RecordSummary(v tuneapi.IterationSummary) {
	t.summaries.Add(1)
	t.Recorder.RecordSummary(v)
}

func (t *Tally) RecordEvent(v tuneapi.LifecycleEvent) {
	t.events.Add(1)
	t.Recorder.RecordEvent(v)
}

func (t *Tally) RecordConfig(v tuneapi.ConfigSample) {
	t.configs.Add(1)
	t.Recorder.RecordConfig(v)
}

func (t *Tally) Samples() int { return int(t.samples.Load()) }
func (t *Tally) Events() int  { return int(t.events.Load()) }

// Memory keeps every record. Safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	samples   []tuneapi.MetricSample
	summaries []tuneapi.IterationSummary
	events    []tuneapi.LifecycleEvent
	configs   []tuneapi.ConfigSample
}

func (m *Memory) RecordSample(v tuneapi.MetricSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, v)
}

func (m *Memory) RecordSummary(v tuneapi.IterationSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, v)
}

func (m *Memory) RecordEvent(v tuneapi.LifecycleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, v)
}

func (m *Memory) RecordConfig(v tuneapi.ConfigSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = append(m.configs, v)
}

func (m *Memory) Samples() []tuneapi.MetricSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tuneapi.MetricSample(nil), m.samples...)
}

func (m *Memory) Summaries() []tuneapi.IterationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tuneapi.IterationSummary(nil), m.summaries...)
}

func (m *Memory) Events() []tuneapi.LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tuneapi.LifecycleEvent(nil), m.events...)
}

func (m *Memory) Configs() []tuneapi.ConfigSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tuneapi.ConfigSample(nil), m.configs...)
}
