// Package planner turns a workload class into the pgbench invocations that
// initialize, warm up and measure it. Planning is pure: the same profile and
// class always produce the same pipeline.
package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/profile"
)

var ErrUnknownWorkload = errors.New("unknown workload class")

type PhaseName string

const (
	PhaseInitialize PhaseName = "initialize"
	PhaseWarmup     PhaseName = "warmupruns"
	PhaseMeasure    PhaseName = "testruns"
)

// Invocation is one fully materialized pgbench command line.
type Invocation struct {
	Phase PhaseName
	Path  string
	Args  []string
	Env   []string
}

func (inv Invocation) Argv() []string {
	return append([]string{inv.Path}, inv.Args...)
}

// Flag returns the value following flag, if present.
func (inv Invocation) Flag(flag string) (string, bool) {
	for i, arg := range inv.Args {
		if arg == flag && i+1 < len(inv.Args) {
			return inv.Args[i+1], true
		}
	}
	return "", false
}

func (inv Invocation) HasFlag(flag string) bool {
	for _, arg := range inv.Args {
		if arg == flag {
			return true
		}
	}
	return false
}

func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	for _, arg := range inv.Argv() {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

type Pipeline struct {
	Workload   tuneapi.WorkloadClass
	Initialize *Invocation
	Warmup     *Invocation
	Measure    Invocation

	Connections int
	Threads     int
	// ScaleFactor is 0 when the class runs without -s.
	ScaleFactor int
}

// Phases lists the invocations in execution order.
func (p Pipeline) Phases() []Invocation {
	phases := make([]Invocation, 0, 3)
	if p.Initialize != nil {
		phases = append(phases, *p.Initialize)
	}
	if p.Warmup != nil {
		phases = append(phases, *p.Warmup)
	}
	return append(phases, p.Measure)
}

func (p Pipeline) Has(phase PhaseName) bool {
	for _, inv := range p.Phases() {
		if inv.Phase == phase {
			return true
		}
	}
	return false
}

// Plan builds the command pipeline of class against srv using the binaries
// from tools.
func Plan(srv profile.ServerProfile, tools profile.ToolConfig, class tuneapi.WorkloadClass) (Pipeline, error) {
	if !class.Known() {
		return Pipeline{}, fmt.Errorf("%w: %q", ErrUnknownWorkload, class)
	}

	sf, connections, threads := scaleThreadsConnections(srv, class)

	conn := []string{"-h", srv.Host, "-p", srv.Port}
	if srv.User != "" {
		conn = append(conn, "-U", srv.User)
	}

	initArgs := append([]string{"-i"}, conn...)
	common := []string{
		"-P", strconv.Itoa(srv.ProgressInterval),
		"-M", srv.QueryMode,
	}
	common = append(common, conn...)
	common = append(common,
		"-c", strconv.Itoa(connections),
		"-j", strconv.Itoa(threads),
	)

	if sf > 0 {
		s := strconv.Itoa(sf)
		common = append(common, "-s", s)
		initArgs = append(initArgs, "-s", s)
	}
	if class.ReadOnly() {
		common = append(common, "-S")
	}
	if class.ReadWrite() {
		initArgs = append(initArgs, "-F", "90")
	}
	if class.Select() {
		common = append(common, "-f", tools.SelectFile)
	}

	measureFor := srv.Durations.Measurement
	if class.ReadWrite() {
		measureFor = srv.Durations.RWMeasurement
	}

	bin := tools.PGBench()
	env := srv.Env()
	invocation := func(phase PhaseName, args ...[]string) Invocation {
		var all []string
		for _, a := range args {
			all = append(all, a...)
		}
		return Invocation{Phase: phase, Path: bin, Args: all, Env: env}
	}
	db := []string{srv.Database}

	pipeline := Pipeline{
		Workload:    class,
		Connections: connections,
		Threads:     threads,
		ScaleFactor: sf,
		Measure:     invocation(PhaseMeasure, common, durationFlag(measureFor), db),
	}

	initialize := invocation(PhaseInitialize, initArgs, db)
	pipeline.Initialize = &initialize

	if class.NeedsWarmup() {
		warmup := invocation(PhaseWarmup, common, durationFlag(srv.Durations.Warmup), db)
		pipeline.Warmup = &warmup
	}

	return pipeline, nil
}

func durationFlag(d tuneapi.Duration) []string {
	return []string{"-T", strconv.Itoa(d.WholeSeconds())}
}

func scaleThreadsConnections(srv profile.ServerProfile, class tuneapi.WorkloadClass) (sf, connections, threads int) {
	connections = int(srv.ClientMultiplier * float64(srv.VCores))
	threads = int(srv.ThreadMultiplier * float64(srv.VCores))

	factors := srv.ScaleFactors
	switch class {
	case tuneapi.WorkloadSelect1:
		return 0, 1, 1
	case tuneapi.WorkloadSelect1NPPS:
		return 0, connections, threads
	case tuneapi.WorkloadROFullyCached:
		return cachedScaleFactor(factors.ROFullyCached, srv.VCores), connections, threads
	case tuneapi.WorkloadROBorderline:
		return cachedScaleFactor(factors.ROBorderline, srv.VCores), connections, threads
	case tuneapi.WorkloadRWFullyCached:
		return cachedScaleFactor(factors.RWFullyCached, srv.VCores), connections, threads
	case tuneapi.WorkloadROFixedSF:
		return factors.ROFixed, connections, threads
	case tuneapi.WorkloadRWFixedSF:
		return factors.RWFixed, connections, threads
	}
	return 0, connections, threads
}

func cachedScaleFactor(multiplier float64, vcores int) int {
	return int(multiplier * float64(vcores) / 2)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?;&|<>()") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
