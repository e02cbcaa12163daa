package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"pgtunebench/api/tuneapi"

	_ "github.com/lib/pq"
)

// ServerProfile describes the server under test and how to size the load
// against it. It is read-only once validated.
type ServerProfile struct {
	Host                string `yaml:"host" json:"host"`
	Port                string `yaml:"port" json:"port"`
	Database            string `yaml:"database" json:"database"`
	MaintenanceDatabase string `yaml:"maintenance_database" json:"maintenance_database"`
	User                string `yaml:"user" json:"user,omitempty"`
	Password            string `yaml:"password" json:"-"`
	SSLMode             string `yaml:"sslmode" json:"sslmode,omitempty"`

	VCores           int     `yaml:"vcores" json:"vcores"`
	ClientMultiplier float64 `yaml:"client_multiplier" json:"client_multiplier"`
	ThreadMultiplier float64 `yaml:"thread_multiplier" json:"thread_multiplier"`

	// QueryMode is passed to pgbench -M: simple, extended or prepared.
	QueryMode string `yaml:"query_mode" json:"query_mode"`
	// ProgressInterval is the pgbench -P period in seconds.
	ProgressInterval int `yaml:"progress_interval" json:"progress_interval"`

	ScaleFactors ScaleFactors `yaml:"scale_factors" json:"scale_factors"`
	Durations    Durations    `yaml:"durations" json:"durations"`
}

// ScaleFactors holds the per class multipliers. Cached classes scale by core
// count, fixed classes use the value as is.
type ScaleFactors struct {
	ROFullyCached float64 `yaml:"ro_fully_cached" json:"ro_fully_cached"`
	ROBorderline  float64 `yaml:"ro_borderline" json:"ro_borderline"`
	RWFullyCached float64 `yaml:"rw_fully_cached" json:"rw_fully_cached"`
	ROFixed       int     `yaml:"ro_fixed" json:"ro_fixed"`
	RWFixed       int     `yaml:"rw_fixed" json:"rw_fixed"`
}

type Durations struct {
	Warmup        tuneapi.Duration `yaml:"warmup" json:"warmup"`
	Measurement   tuneapi.Duration `yaml:"measurement" json:"measurement"`
	RWMeasurement tuneapi.Duration `yaml:"rw_measurement" json:"rw_measurement"`
}

func DefaultServerProfile() ServerProfile {
	return ServerProfile{
		Host:                "localhost",
		Port:                "5432",
		Database:            "testdb",
		MaintenanceDatabase: "postgres",
		SSLMode:             "disable",
		VCores:              2,
		ClientMultiplier:    2.0,
		ThreadMultiplier:    1.0,
		QueryMode:           "prepared",
		ProgressInterval:    2,
		ScaleFactors: ScaleFactors{
			ROFullyCached: 10,
			ROBorderline:  20,
			RWFullyCached: 5,
			ROFixed:       100,
			RWFixed:       50,
		},
		Durations: Durations{
			Warmup:        tuneapi.Seconds(120),
			Measurement:   tuneapi.Seconds(3600),
			RWMeasurement: tuneapi.Seconds(300),
		},
	}
}

var queryModes = []string{"simple", "extended", "prepared"}

func (p *ServerProfile) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.Host == "" {
		add("server.host is required")
	}
	if p.Port == "" {
		add("server.port is required")
	}
	if p.Database == "" {
		add("server.database is required")
	}
	if p.MaintenanceDatabase == "" {
		add("server.maintenance_database is required")
	}
	if p.MaintenanceDatabase != "" && p.MaintenanceDatabase == p.Database {
		add("server.maintenance_database must differ from server.database (%q)", p.Database)
	}
	if p.VCores < 1 {
		add("server.vcores must be at least 1, got %d", p.VCores)
	}
	if p.ClientMultiplier <= 0 {
		add("server.client_multiplier must be positive, got %v", p.ClientMultiplier)
	}
	if p.ThreadMultiplier <= 0 {
		add("server.thread_multiplier must be positive, got %v", p.ThreadMultiplier)
	}
	if !slices.Contains(queryModes, p.QueryMode) {
		add("server.query_mode must be one of %s, got %q", strings.Join(queryModes, ", "), p.QueryMode)
	}
	if p.ProgressInterval < 1 {
		add("server.progress_interval must be at least 1 second, got %d", p.ProgressInterval)
	}
	if p.ScaleFactors.ROFixed < 0 || p.ScaleFactors.RWFixed < 0 {
		add("server.scale_factors fixed values must not be negative")
	}
	for name, d := range map[string]tuneapi.Duration{
		"warmup":         p.Durations.Warmup,
		"measurement":    p.Durations.Measurement,
		"rw_measurement": p.Durations.RWMeasurement,
	} {
		if d.Duration <= 0 {
			add("server.durations.%s must be positive", name)
		}
	}
	return errors.Join(errs...)
}

// ConnString renders a libpq key/value connection string for database. An
// empty database selects the profile database.
func (p *ServerProfile) ConnString(database string) string {
	if p.Host == "" {
		return ""
	}
	if database == "" {
		database = p.Database
	}

	params := [][2]string{
		{"host", p.Host},
		{"port", p.Port},
		{"user", p.User},
		{"password", p.Password},
		{"dbname", database},
		{"sslmode", p.SSLMode},
	}

	var sb strings.Builder
	for _, kv := range params {
		if kv[1] == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%s", kv[0], quoteConnValue(kv[1]))
	}
	return sb.String()
}

// Env returns the libpq environment for the command line tools.
func (p *ServerProfile) Env() []string {
	var env []string
	if p.Password != "" {
		env = append(env, "PGPASSWORD="+p.Password)
	}
	if p.SSLMode != "" {
		env = append(env, "PGSSLMODE="+p.SSLMode)
	}
	return env
}

func OpenDB(p *ServerProfile, database string) (*sql.DB, error) {
	connstr := p.ConnString(database)
	if connstr == "" {
		return nil, errors.New("no DB endpoint configured")
	}
	return sql.Open("postgres", connstr)
}

func quoteConnValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
