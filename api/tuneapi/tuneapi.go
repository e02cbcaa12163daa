package tuneapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

type ExperimentStatus[T any] struct {
	Code     StatusCode    `json:"code"`
	ID       string        `json:"id,omitempty"`
	Task     TaskName      `json:"task,omitempty"`
	Workload WorkloadClass `json:"workload,omitempty"`
	Last     *T            `json:"last,omitempty"`
	// Progress is the latest sequencer transition of the active run.
	Progress   any        `json:"progress,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type APIExperimentStatus = ExperimentStatus[Result[any]]

type StatusCode string

const (
	StatusIdle         StatusCode = "Idle"
	StatusBusy         StatusCode = "Busy"
	StatusDisconnected StatusCode = "Disconnected"
)

type TaskName string

type Result[T any] struct {
	Value T     `json:"value,omitempty"`
	Error error `json:"error,omitempty"`
}

func (r *Result[T]) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(map[string]string{
			"error": r.Error.Error(),
		})
	}
	var zero T
	if reflect.DeepEqual(r.Value, zero) {
		return []byte("{}"), nil
	}

	return json.Marshal(map[string]any{
		"value": r.Value,
	})
}

func (r *Result[T]) UnmarshalJSON(b []byte) error {
	*r = Result[T]{}

	tmp := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	if v, ok := tmp["error"]; ok {
		var errStr string
		if err := json.Unmarshal(v, &errStr); err != nil {
			return err
		}
		r.Error = errors.New(errStr)
	}

	if v, ok := tmp["value"]; ok {
		if err := json.Unmarshal(v, &r.Value); err != nil {
			return err
		}
	}

	return nil
}

// Duration accepts Go duration strings ("90s", "10m") or a plain number of
// seconds, which is what pgbench and the config files speak.
type Duration struct {
	time.Duration
}

func Seconds(n int) Duration {
	return Duration{time.Duration(n) * time.Second}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	case int:
		d.Duration = time.Duration(value) * time.Second
	case int64:
		d.Duration = time.Duration(value) * time.Second
	case uint64:
		d.Duration = time.Duration(value) * time.Second
	case string:
		if secs, err := strconv.Atoi(value); err == nil {
			d.Duration = time.Duration(secs) * time.Second
			return nil
		}
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// WholeSeconds rounds down to full seconds, never below 1.
func (d Duration) WholeSeconds() int {
	return max(int(d.Duration/time.Second), 1)
}

func GetOptValue[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}
