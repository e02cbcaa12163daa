// Command progress_summary reads the telemetry folder of a finished
// experiment and prints throughput and latency per configuration window.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/telemetry"
	"pgtunebench/pkg/stats"
)

type WindowSummary struct {
	Workload   tuneapi.WorkloadClass `json:"workload"`
	Target     string                `json:"target"`
	Transition bool                  `json:"transition"`
	Seconds    float64               `json:"seconds"`
	Samples    int                   `json:"samples"`
	TPS        stats.DistMetrics     `json:"tps"`
	LatencyMS  stats.DistMetrics     `json:"latency_ms"`
}

func main() {
	asJSON := flag.Bool("json", false, "Print the summary as JSON")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("At least one result directory is required as a positional argument.")
	}

	var all []WindowSummary
	for _, dir := range flag.Args() {
		summaries, err := dirSummary(dir)
		if err != nil {
			log.Fatalf("Failed to summarize %s: %v", dir, err)
		}
		all = append(all, summaries...)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(all); err != nil {
			log.Fatal(err)
		}
		return
	}
	printTable(os.Stdout, all)
}

func dirSummary(dir string) ([]WindowSummary, error) {
	samples, err := readFile(filepath.Join(dir, telemetry.SamplesFile), telemetry.ReadSamples)
	if err != nil {
		return nil, err
	}
	events, err := readFile(filepath.Join(dir, telemetry.ResizeFile), func(r io.Reader) ([]tuneapi.LifecycleEvent, error) {
		return telemetry.ReadEvents(r, false)
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var summaries []WindowSummary
	for _, w := range telemetry.Windows(events, samples) {
		summaries = append(summaries, WindowSummary{
			Workload:   w.Workload,
			Target:     w.Target,
			Transition: w.Transition,
			Seconds:    w.End.Sub(w.Start).Seconds(),
			Samples:    w.Samples,
			TPS:        w.TPS,
			LatencyMS:  w.Latency,
		})
	}
	return summaries, nil
}

func readFile[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

func printTable(out io.Writer, summaries []WindowSummary) {
	const row = "%-16s %-12s %-8s %-10s %-12s %-12s %-12s %-12s\n"
	fmt.Fprintln(out, "\nSummary Table:")
	fmt.Fprintf(out, row, "workload", "target", "samples", "seconds", "tps avg", "tps median", "tps stddev", "lat avg ms")
	fmt.Fprintf(out, row, "----------------", "------------", "--------", "----------", "------------", "------------", "------------", "------------")

	for _, s := range summaries {
		target := s.Target
		switch {
		case target == "":
			target = "(initial)"
		case s.Transition:
			target = "->" + target
		}
		fmt.Fprintf(out, "%-16s %-12s %-8d %-10.0f %-12.2f %-12.2f %-12.2f %-12.3f\n",
			s.Workload, target, s.Samples, s.Seconds,
			s.TPS.Avg, s.TPS.Median, s.TPS.Stddev, s.LatencyMS.Avg)
	}

	steady := make([]WindowSummary, 0, len(summaries))
	for _, s := range summaries {
		if !s.Transition && s.Target != "" {
			steady = append(steady, s)
		}
	}
	if len(steady) == 0 {
		return
	}
	fmt.Fprintf(out, "\nSteady windows: %d, median tps %.2f, mean tps %.2f\n",
		len(steady),
		stats.SlicesMedianOf(steady, func(s WindowSummary) float64 { return s.TPS.Avg }),
		stats.SliceAverageFunc(steady, func(s WindowSummary) float64 { return s.TPS.Avg }))
}
