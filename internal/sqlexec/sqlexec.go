// Package sqlexec runs control plane statements and helper commands against
// the server under test. Executors never return Go errors: every failure,
// including a timeout, is reported as ok=false plus diagnostic output.
package sqlexec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// TimeoutOutput is returned as output when a statement exceeds its timeout.
const TimeoutOutput = "SQL timeout"

const DefaultTimeout = 10 * time.Second

type Executor interface {
	Execute(ctx context.Context, stmt string, opts ...Option) (ok bool, output string)
}

type options struct {
	timeout  time.Duration
	database string
}

type Option func(*options)

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDatabase selects the database to connect to. The executor's default
// database is used otherwise.
func WithDatabase(db string) Option {
	return func(o *options) { o.database = db }
}

func buildOptions(timeout time.Duration, database string, opts []Option) options {
	o := options{timeout: timeout, database: database}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	return o
}

// RunCommand runs path with args and a timeout, returning the combined
// output. The output is trimmed.
func RunCommand(ctx context.Context, timeout time.Duration, env []string, path string, args ...string) (bool, string) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if failed, msg := classify(ctx, err); failed {
		if text := strings.TrimSpace(out.String()); text != "" && msg != TimeoutOutput {
			return false, text
		}
		return false, msg
	}
	return true, strings.TrimSpace(out.String())
}

// classify maps a command or query error to the executor contract.
func classify(ctx context.Context, err error) (failed bool, msg string) {
	if err == nil {
		return false, ""
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true, TimeoutOutput
	}
	return true, err.Error()
}

// IsTrue reports whether output is a boolean true as printed by psql or
// scanned from a bool column.
func IsTrue(output string) bool {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "t", "true", "on", "1", "yes":
		return true
	}
	return false
}
