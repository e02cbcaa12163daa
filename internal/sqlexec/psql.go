package sqlexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"pgtunebench/internal/profile"
)

// PSQL runs statements through the psql command line client.
type PSQL struct {
	Path     string
	Server   profile.ServerProfile
	Database string
	Timeout  time.Duration
}

func NewPSQL(path string, srv profile.ServerProfile, timeout time.Duration) *PSQL {
	return &PSQL{
		Path:     path,
		Server:   srv,
		Database: srv.Database,
		Timeout:  timeout,
	}
}

func (p *PSQL) Execute(ctx context.Context, stmt string, opts ...Option) (bool, string) {
	o := buildOptions(p.Timeout, p.Database, opts)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Path, p.args(o.database, stmt)...)
	cmd.Env = append(os.Environ(), p.Server.Env()...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if failed, msg := classify(ctx, err); failed {
		if msg == TimeoutOutput {
			return false, msg
		}
		if text := strings.TrimSpace(stderr.String()); text != "" {
			return false, text
		}
		return false, msg
	}
	return true, strings.TrimSpace(stdout.String())
}

func (p *PSQL) args(database, stmt string) []string {
	args := []string{"-h", p.Server.Host, "-p", p.Server.Port}
	if p.Server.User != "" {
		args = append(args, "-U", p.Server.User)
	}
	return append(args,
		"-d", database,
		"-X", "-v", "ON_ERROR_STOP=1",
		"-t", "-A",
		"-c", stmt,
	)
}
