package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pgtunebench/internal/sqlexec"
)

// PGCtl drives a local server through pg_ctl.
type PGCtl struct {
	Path        string
	DataDir     string
	LogFile     string
	ProcessName string
	Timeout     time.Duration
	Log         *logrus.Entry

	// ProcRoot defaults to /proc.
	ProcRoot string
}

func (c *PGCtl) Stop(ctx context.Context) error {
	return c.run(ctx, "-D", c.DataDir, "-m", "fast", "stop")
}

func (c *PGCtl) Start(ctx context.Context) error {
	args := []string{"-D", c.DataDir}
	if c.LogFile != "" {
		args = append(args, "-l", c.LogFile)
	}
	return c.run(ctx, append(args, "start")...)
}

func (c *PGCtl) Running(context.Context) (bool, error) {
	root := c.ProcRoot
	if root == "" {
		root = "/proc"
	}
	return processPresent(root, c.ProcessName)
}

func (c *PGCtl) run(ctx context.Context, args ...string) error {
	ok, out := sqlexec.RunCommand(ctx, c.Timeout, nil, c.Path, args...)
	c.log().WithFields(logrus.Fields{
		"command": strings.Join(args, " "),
		"ok":      ok,
	}).Debug(out)
	if !ok {
		return fmt.Errorf("pg_ctl %s: %s", args[len(args)-1], out)
	}
	return nil
}

func (c *PGCtl) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.WithField("component", "pgctl")
}

// processPresent scans <root>/<pid>/comm for a process called name.
func processPresent(root, name string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !isPID(entry.Name()) {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(root, entry.Name(), "comm"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				continue
			}
			return false, err
		}
		if strings.TrimSpace(string(comm)) == name {
			return true, nil
		}
	}
	return false, nil
}

func isPID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
