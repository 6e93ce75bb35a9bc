package main

import (
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// openDB opens the Postgres-backed metadata store every durable subcommand
// (run, trigger serve) needs for the Event Log and Artifact Store metadata
// tables (spec §6), grounded on the teacher's uptrace/bun + pgdriver
// connection setup.
func openDB(dsn string) (*bun.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("SECFLOW_DATABASE_DSN is required for this command")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New()), nil
}
