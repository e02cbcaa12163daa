package sqlexec

import "github.com/lib/pq"

const (
	ReloadConf = "SELECT pg_reload_conf()"
	Checkpoint = "CHECKPOINT"
)

func TerminateSessions(database string) string {
	return "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = " +
		pq.QuoteLiteral(database) + " AND pid <> pg_backend_pid()"
}

func DropDatabase(database string) string {
	return "DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(database)
}

func CreateDatabase(database string) string {
	return "CREATE DATABASE " + pq.QuoteIdentifier(database)
}

// AlterSystemSet expects a validated setting name; only the value is quoted.
func AlterSystemSet(parameter, value string) string {
	return "ALTER SYSTEM SET " + parameter + " = " + pq.QuoteLiteral(value)
}

func Show(parameter string) string {
	return "SHOW " + parameter
}

func SelectFunc(name string) string {
	return "SELECT " + name + "()"
}
