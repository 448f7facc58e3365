// Package sqlite provides the SQLite target driver, backed by the pure Go
// modernc.org/sqlite engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johndauphine/cdcload/internal/dbconfig"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
)

// Driver implements driver.Driver for SQLite files.
type Driver struct{}

func (d *Driver) Name() string { return "sqlite" }

func (d *Driver) Aliases() []string { return []string{"sqlite3"} }

func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{}
}

func (d *Driver) Dialect() driver.Dialect { return &Dialect{} }

// Open opens the database file. SQLite allows a single writer, so the pool
// is capped at one connection regardless of maxConns.
func (d *Driver) Open(cfg *dbconfig.TargetConfig, _ int) (*sql.DB, error) {
	dialect := &Dialect{}
	dsn := dialect.BuildDSN("", 0, cfg.Database, "", "", nil)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Opened SQLite target: %s", cfg.Database)
	return db, nil
}
