// Package postgres provides the PostgreSQL target driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/johndauphine/cdcload/internal/dbconfig"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
)

// Driver implements driver.Driver for PostgreSQL databases.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"postgresql", "pg"}
}

// Defaults returns the default configuration values for PostgreSQL.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{
		Port:    5432,
		Schema:  "public",
		SSLMode: "require",
	}
}

// Dialect returns the PostgreSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open connects through pgx and exposes the connection as a database/sql pool.
func (d *Driver) Open(cfg *dbconfig.TargetConfig, maxConns int) (*sql.DB, error) {
	dialect := &Dialect{}
	dsn := dialect.BuildDSN(cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.DSNOptions())

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Connected to PostgreSQL target: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return db, nil
}
