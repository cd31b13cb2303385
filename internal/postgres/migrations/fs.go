// Package migrations embeds the schema migration files applied by the
// migrate subcommand.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in application order.
var Files = []string{
	"001_create_runs.sql",
	"002_create_run_events.sql",
	"003_create_scheduled_analyses.sql",
}
