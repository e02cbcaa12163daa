package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"pgtunebench/internal/profile"
)

// DB runs statements through database/sql and lib/pq, keeping one small pool
// per target database.
type DB struct {
	Server   profile.ServerProfile
	Database string
	Timeout  time.Duration

	mu    sync.Mutex
	pools map[string]*sql.DB
}

func NewDB(srv profile.ServerProfile, timeout time.Duration) *DB {
	return &DB{
		Server:   srv,
		Database: srv.Database,
		Timeout:  timeout,
		pools:    map[string]*sql.DB{},
	}
}

func (d *DB) Execute(ctx context.Context, stmt string, opts ...Option) (bool, string) {
	o := buildOptions(d.Timeout, d.Database, opts)

	db, err := d.pool(o.database)
	if err != nil {
		return false, err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	out, err := query(ctx, db, stmt)
	if failed, msg := classify(ctx, err); failed {
		return false, msg
	}
	return true, out
}

// query returns the first row with its columns joined by '|', the same shape
// psql -t -A prints.
func query(ctx context.Context, db *sql.DB, stmt string) (string, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if len(cols) == 0 || !rows.Next() {
		return "", rows.Err()
	}

	values := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", err
	}

	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = normalizeBool(v.String)
	}
	return strings.Join(parts, "|"), rows.Err()
}

// lib/pq scans booleans into strings as "true"/"false"; psql prints "t"/"f".
func normalizeBool(s string) string {
	switch s {
	case "true":
		return "t"
	case "false":
		return "f"
	}
	return s
}

func (d *DB) pool(database string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.pools[database]; ok {
		return db, nil
	}
	if d.pools == nil {
		d.pools = map[string]*sql.DB{}
	}

	db, err := profile.OpenDB(&d.Server, database)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(30 * time.Second)
	d.pools[database] = db
	return db, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, db := range d.pools {
		errs = append(errs, db.Close())
		delete(d.pools, name)
	}
	return errors.Join(errs...)
}
