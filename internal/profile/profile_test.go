package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgtunebench/api/tuneapi"
)

func TestDefaultExperimentValid(t *testing.T) {
	exp := DefaultExperiment()
	require.NoError(t, exp.Validate())
	assert.Equal(t, "4GB", exp.Sequence.Target(0))
}

func TestServerProfileValidate(t *testing.T) {
	p := DefaultServerProfile()
	p.Host = ""
	p.MaintenanceDatabase = p.Database
	p.VCores = 0
	p.QueryMode = "fast"
	p.Durations.RWMeasurement = tuneapi.Duration{}

	err := p.Validate()
	require.Error(t, err)
	for _, msg := range []string{
		"server.host is required",
		"server.maintenance_database must differ",
		"server.vcores must be at least 1",
		"server.query_mode must be one of",
		"server.durations.rw_measurement must be positive",
	} {
		assert.ErrorContains(t, err, msg)
	}
}

func TestExperimentValidate(t *testing.T) {
	tests := map[string]struct {
		edit func(*Experiment)
		msg  string
	}{
		"unknown workload": {
			edit: func(e *Experiment) { e.Workloads = append(e.Workloads, "TPCC") },
			msg:  `unknown workload class "TPCC"`,
		},
		"no workloads": {
			edit: func(e *Experiment) { e.Workloads = nil },
			msg:  "at least one workload class",
		},
		"bad parameter": {
			edit: func(e *Experiment) { e.Sequence.Parameter = "shared_buffers; drop table x" },
			msg:  "is not a valid setting name",
		},
		"empty values": {
			edit: func(e *Experiment) { e.Sequence.Values = nil },
			msg:  "sequence.values must not be empty",
		},
		"bad resize function": {
			edit: func(e *Experiment) { e.Sequence.ResizeFunction = "f()" },
			msg:  "is not a valid function name",
		},
		"restart without controller": {
			edit: func(e *Experiment) {
				e.Sequence.RestartRequired = true
				e.Service.Kind = ServiceNone
			},
			msg: "needs a service controller",
		},
		"restart without data dir": {
			edit: func(e *Experiment) { e.Sequence.RestartRequired = true },
			msg:  "tools.data_dir",
		},
		"kubernetes without pod": {
			edit: func(e *Experiment) { e.Service.Kind = ServiceKubernetes },
			msg:  "service.pod is required",
		},
		"bad driver": {
			edit: func(e *Experiment) { e.Control.Driver = "jdbc" },
			msg:  "control.driver must be",
		},
		"unknown service": {
			edit: func(e *Experiment) { e.Service.Kind = "systemd" },
			msg:  `service.kind "systemd" is not supported`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			exp := DefaultExperiment()
			test.edit(&exp)
			assert.ErrorContains(t, exp.Validate(), test.msg)
		})
	}
}

func TestConnString(t *testing.T) {
	p := DefaultServerProfile()
	p.User = "bench"
	p.Password = `it's a \secret`

	assert.Equal(t,
		`host=localhost port=5432 user=bench password='it\'s a \\secret' dbname=testdb sslmode=disable`,
		p.ConnString(""))
	assert.Contains(t, p.ConnString("postgres"), "dbname=postgres")

	p.Host = ""
	assert.Empty(t, p.ConnString(""))
	_, err := OpenDB(&p, "")
	assert.Error(t, err)
}

func TestEnv(t *testing.T) {
	p := DefaultServerProfile()
	assert.Equal(t, []string{"PGSSLMODE=disable"}, p.Env())

	p.Password = "pw"
	assert.Equal(t, []string{"PGPASSWORD=pw", "PGSSLMODE=disable"}, p.Env())
}

func TestToolPaths(t *testing.T) {
	var tools ToolConfig
	assert.Equal(t, "pgbench", tools.PGBench())
	assert.Empty(t, tools.ResolvedDataDir())

	tools.BinDir = "/opt/pg/bin"
	assert.Equal(t, "/opt/pg/bin/psql", tools.PSQL())
	assert.Equal(t, "/opt/pg/test", tools.ResolvedDataDir())
	assert.Equal(t, "/opt/pg/test/logfile", tools.ResolvedLogFile())

	tools.LogFile = "/var/log/pg.log"
	assert.Equal(t, "/var/log/pg.log", tools.ResolvedLogFile())
}
