package telemetry

import (
	"slices"
	"time"

	"pgtunebench/api/tuneapi"
	"pgtunebench/pkg/stats"
)

// Window is a stretch of one workload run during which the tuned parameter
// held a single value, or was in transition towards one.
type Window struct {
	Workload   tuneapi.WorkloadClass
	Target     string
	Transition bool
	Start      time.Time
	End        time.Time
	Samples    int
	TPS        stats.DistMetrics
	Latency    stats.DistMetrics
}

// Windows attributes measurement samples to configuration windows by
// timestamp. A window opens at resize-completed and closes at the next
// resize-started; the span in between is a transition window. Samples before
// the first event fall into a window with an empty target.
func Windows(events []tuneapi.LifecycleEvent, samples []tuneapi.MetricSample) []Window {
	byWorkload := map[tuneapi.WorkloadClass][]tuneapi.MetricSample{}
	var order []tuneapi.WorkloadClass
	for _, s := range samples {
		if s.Phase != tuneapi.PhaseMeasurement {
			continue
		}
		if _, ok := byWorkload[s.Workload]; !ok {
			order = append(order, s.Workload)
		}
		byWorkload[s.Workload] = append(byWorkload[s.Workload], s)
	}

	var windows []Window
	for _, workload := range order {
		windows = append(windows, workloadWindows(workload, events, byWorkload[workload])...)
	}
	return windows
}

func workloadWindows(
	workload tuneapi.WorkloadClass,
	events []tuneapi.LifecycleEvent,
	samples []tuneapi.MetricSample,
) []Window {
	var resizes []tuneapi.LifecycleEvent
	for _, e := range events {
		if e.Workload == workload && !e.Kind.Restart() {
			resizes = append(resizes, e)
		}
	}
	slices.SortStableFunc(resizes, func(a, b tuneapi.LifecycleEvent) int {
		return a.Time.Compare(b.Time)
	})
	slices.SortStableFunc(samples, func(a, b tuneapi.MetricSample) int {
		return a.Time.Compare(b.Time)
	})

	bounds := []Window{{Workload: workload}}
	for _, e := range resizes {
		bounds[len(bounds)-1].End = e.Time
		bounds = append(bounds, Window{
			Workload:   workload,
			Target:     e.Target,
			Transition: e.Kind == tuneapi.EventResizeStarted,
			Start:      e.Time,
		})
	}

	buckets := make([][]tuneapi.MetricSample, len(bounds))
	i := 0
	for _, s := range samples {
		for i+1 < len(bounds) && !s.Time.Before(bounds[i+1].Start) {
			i++
		}
		buckets[i] = append(buckets[i], s)
	}

	var windows []Window
	for i, w := range bounds {
		bucket := buckets[i]
		if len(bucket) == 0 {
			continue
		}
		if w.Start.IsZero() {
			w.Start = bucket[0].Time
		}
		if w.End.IsZero() {
			w.End = bucket[len(bucket)-1].Time
		}
		w.Samples = len(bucket)
		w.TPS = stats.DistMetricStatsFrom(bucket, func(s tuneapi.MetricSample) float64 { return s.TPS })
		w.Latency = stats.DistMetricStatsFrom(bucket, func(s tuneapi.MetricSample) float64 { return s.LatencyMS })
		windows = append(windows, w)
	}
	return windows
}
