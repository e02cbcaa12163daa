package profile

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"pgtunebench/api/tuneapi"
)

// Experiment is the full configuration of one tuning experiment as loaded
// from main.yaml or main.k.
type Experiment struct {
	Server    ServerProfile           `yaml:"server" json:"server"`
	Tools     ToolConfig              `yaml:"tools" json:"tools"`
	Workloads []tuneapi.WorkloadClass `yaml:"workloads" json:"workloads"`
	Sequence  SequenceConfig          `yaml:"sequence" json:"sequence"`
	Runner    RunnerConfig            `yaml:"runner" json:"runner"`
	Control   ControlConfig           `yaml:"control" json:"control"`
	Service   ServiceConfig           `yaml:"service" json:"service"`
	Telemetry TelemetryConfig         `yaml:"telemetry" json:"telemetry"`
}

type ToolConfig struct {
	BinDir     string `yaml:"bin_dir" json:"bin_dir"`
	SelectFile string `yaml:"select_file" json:"select_file"`
	// DataDir is the server data directory handed to pg_ctl -D. Defaults to
	// <bin_dir>/../../test.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	LogFile string `yaml:"log_file" json:"log_file"`
}

func (t ToolConfig) Binary(name string) string {
	if t.BinDir == "" {
		return name
	}
	return filepath.Join(t.BinDir, name)
}

func (t ToolConfig) PGBench() string { return t.Binary("pgbench") }
func (t ToolConfig) PSQL() string    { return t.Binary("psql") }
func (t ToolConfig) PGCtl() string   { return t.Binary("pg_ctl") }

func (t ToolConfig) ResolvedDataDir() string {
	if t.DataDir != "" || t.BinDir == "" {
		return t.DataDir
	}
	return filepath.Join(t.BinDir, "..", "..", "test")
}

func (t ToolConfig) ResolvedLogFile() string {
	if t.LogFile != "" {
		return t.LogFile
	}
	return filepath.Join(t.ResolvedDataDir(), "logfile")
}

// SettingValue is one configuration target. YAML numbers and strings are
// both accepted.
type SettingValue string

func (v *SettingValue) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		*v = SettingValue(value)
	case int:
		*v = SettingValue(strconv.Itoa(value))
	case int64:
		*v = SettingValue(strconv.FormatInt(value, 10))
	case uint64:
		*v = SettingValue(strconv.FormatUint(value, 10))
	case float64:
		*v = SettingValue(strconv.FormatFloat(value, 'f', -1, 64))
	default:
		return fmt.Errorf("invalid setting value %v", raw)
	}
	return nil
}

type SequenceConfig struct {
	Parameter string         `yaml:"parameter" json:"parameter"`
	Unit      string         `yaml:"unit" json:"unit"`
	Values    []SettingValue `yaml:"values" json:"values"`

	Dwell tuneapi.Duration `yaml:"dwell" json:"dwell"`
	// HoldFinal dwells once more after the last step so the final value gets
	// its own measurement window.
	HoldFinal bool `yaml:"hold_final" json:"hold_final"`

	RestartRequired     bool             `yaml:"restart_required" json:"restart_required"`
	RestartPollInterval tuneapi.Duration `yaml:"restart_poll_interval" json:"restart_poll_interval"`
	PostRestartSettle   tuneapi.Duration `yaml:"post_restart_settle" json:"post_restart_settle"`

	DynamicResize  bool             `yaml:"dynamic_resize" json:"dynamic_resize"`
	ResizeFunction string           `yaml:"resize_function" json:"resize_function"`
	PollInterval   tuneapi.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Target renders value i with the configured unit, e.g. "8GB".
func (s SequenceConfig) Target(i int) string {
	return string(s.Values[i]) + s.Unit
}

type RunnerConfig struct {
	StartDelay       tuneapi.Duration `yaml:"start_delay" json:"start_delay"`
	PostWarmupPause  tuneapi.Duration `yaml:"post_warmup_pause" json:"post_warmup_pause"`
	PauseBetweenRuns tuneapi.Duration `yaml:"pause_between_runs" json:"pause_between_runs"`
	KillGrace        tuneapi.Duration `yaml:"kill_grace" json:"kill_grace"`
	Checkpoint       bool             `yaml:"checkpoint_before_measurement" json:"checkpoint_before_measurement"`
}

type ControlDriver string

const (
	DriverPSQL ControlDriver = "psql"
	DriverPQ   ControlDriver = "pq"
)

type ControlConfig struct {
	Driver  ControlDriver    `yaml:"driver" json:"driver"`
	Timeout tuneapi.Duration `yaml:"timeout" json:"timeout"`
}

type ServiceKind string

const (
	ServiceNone       ServiceKind = "none"
	ServicePGCtl      ServiceKind = "pgctl"
	ServiceKubernetes ServiceKind = "kubernetes"
)

type ServiceConfig struct {
	Kind ServiceKind `yaml:"kind" json:"kind"`
	// ProcessName is the process looked for by the pg_ctl liveness check.
	ProcessName string `yaml:"process_name" json:"process_name"`

	Namespace  string `yaml:"namespace" json:"namespace,omitempty"`
	Pod        string `yaml:"pod" json:"pod,omitempty"`
	Kubeconfig string `yaml:"kubeconfig" json:"kubeconfig,omitempty"`
	Context    string `yaml:"context" json:"context,omitempty"`
}

type TelemetryConfig struct {
	ResultDir       string           `yaml:"result_dir" json:"result_dir"`
	Monitor         bool             `yaml:"monitor" json:"monitor"`
	MonitorInterval tuneapi.Duration `yaml:"monitor_interval" json:"monitor_interval"`
	Buffer          int              `yaml:"buffer" json:"buffer"`
}

func DefaultExperiment() Experiment {
	return Experiment{
		Server: DefaultServerProfile(),
		Tools: ToolConfig{
			SelectFile: "select1.sql",
		},
		Workloads: []tuneapi.WorkloadClass{
			tuneapi.WorkloadSelect1,
			tuneapi.WorkloadSelect1NPPS,
			tuneapi.WorkloadROBorderline,
			tuneapi.WorkloadROFullyCached,
			tuneapi.WorkloadRWFullyCached,
		},
		Sequence: SequenceConfig{
			Parameter:           "shared_buffers",
			Unit:                "GB",
			Values:              []SettingValue{"4", "8", "12", "9", "4"},
			Dwell:               tuneapi.Seconds(600),
			HoldFinal:           true,
			RestartPollInterval: tuneapi.Seconds(1),
			PostRestartSettle:   tuneapi.Seconds(5),
			DynamicResize:       true,
			ResizeFunction:      "pg_resize_shared_buffers",
			PollInterval:        tuneapi.Seconds(5),
		},
		Runner: RunnerConfig{
			StartDelay:       tuneapi.Seconds(5),
			PostWarmupPause:  tuneapi.Seconds(5),
			PauseBetweenRuns: tuneapi.Seconds(2),
			KillGrace:        tuneapi.Seconds(2),
			Checkpoint:       true,
		},
		Control: ControlConfig{
			Driver:  DriverPSQL,
			Timeout: tuneapi.Seconds(10),
		},
		Service: ServiceConfig{
			Kind:        ServicePGCtl,
			ProcessName: "postgres",
		},
		Telemetry: TelemetryConfig{
			ResultDir:       ".",
			Monitor:         true,
			MonitorInterval: tuneapi.Seconds(1),
			Buffer:          1024,
		},
	}
}

var identRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_.]*$`)

func (e *Experiment) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := e.Server.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(e.Workloads) == 0 {
		add("workloads: at least one workload class is required")
	}
	for _, w := range e.Workloads {
		if !w.Known() {
			add("workloads: unknown workload class %q", w)
		}
	}

	seq := &e.Sequence
	if !identRegexp.MatchString(seq.Parameter) {
		add("sequence.parameter %q is not a valid setting name", seq.Parameter)
	}
	if len(seq.Values) == 0 {
		add("sequence.values must not be empty")
	}
	for i, v := range seq.Values {
		if v == "" {
			add("sequence.values[%d] is empty", i)
		}
	}
	if seq.Dwell.Duration < 0 {
		add("sequence.dwell must not be negative")
	}
	if seq.DynamicResize {
		if !identRegexp.MatchString(seq.ResizeFunction) {
			add("sequence.resize_function %q is not a valid function name", seq.ResizeFunction)
		}
		if seq.PollInterval.Duration <= 0 {
			add("sequence.poll_interval must be positive")
		}
	}
	if seq.RestartRequired {
		if e.Service.Kind == ServiceNone || e.Service.Kind == "" {
			add("sequence.restart_required needs a service controller")
		}
		if seq.RestartPollInterval.Duration <= 0 {
			add("sequence.restart_poll_interval must be positive")
		}
	}

	switch e.Control.Driver {
	case DriverPSQL, DriverPQ:
	default:
		add("control.driver must be %q or %q, got %q", DriverPSQL, DriverPQ, e.Control.Driver)
	}
	if e.Control.Timeout.Duration <= 0 {
		add("control.timeout must be positive")
	}

	switch e.Service.Kind {
	case ServiceNone, "":
	case ServicePGCtl:
		if e.Service.ProcessName == "" {
			add("service.process_name is required for pgctl")
		}
		if seq.RestartRequired && e.Tools.ResolvedDataDir() == "" {
			add("tools.data_dir (or tools.bin_dir) is required to restart through pg_ctl")
		}
	case ServiceKubernetes:
		if e.Service.Pod == "" {
			add("service.pod is required for kubernetes")
		}
	default:
		add("service.kind %q is not supported", e.Service.Kind)
	}

	if e.Runner.KillGrace.Duration <= 0 {
		add("runner.kill_grace must be positive")
	}
	if e.Telemetry.Monitor && e.Telemetry.MonitorInterval.Duration <= 0 {
		add("telemetry.monitor_interval must be positive")
	}
	if e.Telemetry.Buffer < 0 {
		add("telemetry.buffer must not be negative")
	}

	return errors.Join(errs...)
}

// Timeout returns the control statement timeout.
func (e *Experiment) Timeout() time.Duration {
	return e.Control.Timeout.Duration
}
