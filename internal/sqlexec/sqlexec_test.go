package sqlexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgtunebench/internal/profile"
)

// writeStub installs a fake psql that runs body with the psql arguments in
// "$@".
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psql")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestPSQLSuccess(t *testing.T) {
	stub := writeStub(t, `echo "  $@  "`)
	srv := profile.DefaultServerProfile()
	srv.User = "bench"

	p := NewPSQL(stub, srv, time.Second)
	ok, out := p.Execute(context.Background(), "SHOW shared_buffers", WithDatabase("postgres"))
	require.True(t, ok, out)

	assert.Equal(t, "-h localhost -p 5432 -U bench -d postgres -X -v ON_ERROR_STOP=1 -t -A -c SHOW shared_buffers", out)
}

func TestPSQLDefaultDatabase(t *testing.T) {
	stub := writeStub(t, `echo "$@"`)
	p := NewPSQL(stub, profile.DefaultServerProfile(), time.Second)

	ok, out := p.Execute(context.Background(), "SELECT 1")
	require.True(t, ok)
	assert.Contains(t, out, "-d testdb")
}

func TestPSQLFailureReturnsStderr(t *testing.T) {
	stub := writeStub(t, `echo 'ERROR:  database "x" does not exist' >&2; exit 2`)
	p := NewPSQL(stub, profile.DefaultServerProfile(), time.Second)

	ok, out := p.Execute(context.Background(), "SELECT 1")
	assert.False(t, ok)
	assert.Equal(t, `ERROR:  database "x" does not exist`, out)
}

func TestPSQLTimeout(t *testing.T) {
	stub := writeStub(t, `exec sleep 10`)
	p := NewPSQL(stub, profile.DefaultServerProfile(), time.Second)

	start := time.Now()
	ok, out := p.Execute(context.Background(), "SELECT pg_sleep(10)", WithTimeout(100*time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, TimeoutOutput, out)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPSQLMissingBinary(t *testing.T) {
	p := NewPSQL(filepath.Join(t.TempDir(), "nope"), profile.DefaultServerProfile(), time.Second)
	ok, out := p.Execute(context.Background(), "SELECT 1")
	assert.False(t, ok)
	assert.NotEmpty(t, out)
}

func TestPSQLPassesPassword(t *testing.T) {
	stub := writeStub(t, `echo "$PGPASSWORD"`)
	srv := profile.DefaultServerProfile()
	srv.Password = "hunter2"

	ok, out := NewPSQL(stub, srv, time.Second).Execute(context.Background(), "SELECT 1")
	require.True(t, ok)
	assert.Equal(t, "hunter2", out)
}

func TestRunCommand(t *testing.T) {
	ok, out := RunCommand(context.Background(), time.Second, nil, "sh", "-c", "echo out; echo err >&2")
	assert.True(t, ok)
	assert.True(t, strings.Contains(out, "out") && strings.Contains(out, "err"))

	ok, out = RunCommand(context.Background(), time.Second, nil, "sh", "-c", "echo broken; exit 3")
	assert.False(t, ok)
	assert.Equal(t, "broken", out)

	ok, out = RunCommand(context.Background(), 50*time.Millisecond, nil, "sleep", "5")
	assert.False(t, ok)
	assert.Equal(t, TimeoutOutput, out)
}

func TestStatements(t *testing.T) {
	assert.Equal(t,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = 'testdb' AND pid <> pg_backend_pid()`,
		TerminateSessions("testdb"))
	assert.Equal(t, `DROP DATABASE IF EXISTS "testdb"`, DropDatabase("testdb"))
	assert.Equal(t, `CREATE DATABASE "odd""name"`, CreateDatabase(`odd"name`))
	assert.Equal(t, `ALTER SYSTEM SET shared_buffers = '8GB'`, AlterSystemSet("shared_buffers", "8GB"))
	assert.Equal(t, `SHOW shared_buffers`, Show("shared_buffers"))
	assert.Equal(t, `SELECT pg_resize_shared_buffers()`, SelectFunc("pg_resize_shared_buffers"))
}

func TestIsTrue(t *testing.T) {
	for _, v := range []string{"t", " t ", "true", "on", "1"} {
		assert.True(t, IsTrue(v), v)
	}
	for _, v := range []string{"f", "", "false", "SQL timeout"} {
		assert.False(t, IsTrue(v), v)
	}
}

func TestNormalizeBool(t *testing.T) {
	assert.Equal(t, "t", normalizeBool("true"))
	assert.Equal(t, "f", normalizeBool("false"))
	assert.Equal(t, "128MB", normalizeBool("128MB"))
}
