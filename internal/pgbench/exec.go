package pgbench

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pgtunebench/internal/planner"
)

const (
	DefaultKillGrace = 2 * time.Second
	tailLimit        = 4096
	maxLineLength    = 1 << 20
)

// Result describes one finished pgbench process.
type Result struct {
	Start    time.Time
	End      time.Time
	ExitCode int
	// Tail holds the last few KiB of stderr for diagnostics.
	Tail string
}

// Exec launches pgbench invocations in their own process group. When ctx is
// cancelled the group receives SIGTERM and, after KillGrace, SIGKILL.
type Exec struct {
	KillGrace time.Duration
	Log       *logrus.Entry
}

// Launch runs inv to completion. Lines from stdout and stderr are passed to
// the matching callback; either may be nil. Once ctx is done the remaining
// output is drained without invoking the callbacks.
func (e *Exec) Launch(
	ctx context.Context,
	inv planner.Invocation,
	stdoutFn, stderrFn func(string),
) (res Result, err error) {
	log := e.log().WithField("phase", inv.Phase)

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Env = append(os.Environ(), inv.Env...)
	// Own process group so the whole tree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	log.Debugf("run command: %s", inv)
	res.Start = time.Now()
	if err := cmd.Start(); err != nil {
		res.End = time.Now()
		res.ExitCode = -1
		return res, fmt.Errorf("start %s: %w", inv.Path, err)
	}

	exited := make(chan struct{})
	var watchdog sync.WaitGroup
	watchdog.Add(1)
	go func() {
		defer watchdog.Done()
		e.terminateOnCancel(ctx, log, cmd.Process.Pid, exited)
	}()

	tail := &tailBuffer{limit: tailLimit}
	var eg errgroup.Group
	eg.Go(func() error {
		return scanLines(ctx, stdout, stdoutFn)
	})
	eg.Go(func() error {
		return scanLines(ctx, stderr, func(line string) {
			tail.Add(line)
			if stderrFn != nil {
				stderrFn(line)
			}
		})
	})

	scanErr := eg.Wait()
	waitErr := cmd.Wait()
	close(exited)
	watchdog.Wait()

	res.End = time.Now()
	res.ExitCode = cmd.ProcessState.ExitCode()
	res.Tail = tail.String()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if waitErr != nil {
		return res, fmt.Errorf("%s %s: %w", inv.Path, inv.Phase, waitErr)
	}
	if scanErr != nil {
		return res, fmt.Errorf("read %s output: %w", inv.Phase, scanErr)
	}
	return res, nil
}

func (e *Exec) terminateOnCancel(ctx context.Context, log *logrus.Entry, pid int, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	log.WithField("pid", pid).Debug("terminating process group")
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.WithError(err).Warn("SIGTERM failed")
	}

	grace := e.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		log.WithField("pid", pid).Warnf("process group still alive after %s, killing", grace)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (e *Exec) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.WithField("component", "pgbench")
}

func scanLines(ctx context.Context, r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		if fn == nil || ctx.Err() != nil {
			continue
		}
		fn(scanner.Text())
	}
	err := scanner.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

type tailBuffer struct {
	limit int
	lines []string
	size  int
}

func (t *tailBuffer) Add(line string) {
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.limit && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
