// Package migrations holds the bun migrations for the Postgres store.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is applied by the migrate command and on start when Postgres is configured.
var Migrations = migrate.NewMigrations()
