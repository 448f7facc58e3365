// Package mssql provides the SQL Server target driver.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johndauphine/cdcload/internal/dbconfig"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
	_ "github.com/microsoft/go-mssqldb"
)

// Driver implements driver.Driver for Microsoft SQL Server.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// Defaults returns the default configuration values for SQL Server.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{
		Port:    1433,
		Schema:  "dbo",
		Encrypt: true,
	}
}

// Dialect returns the MSSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open opens a SQL Server connection pool.
func (d *Driver) Open(cfg *dbconfig.TargetConfig, maxConns int) (*sql.DB, error) {
	dialect := &Dialect{}
	dsn := dialect.BuildDSN(cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.DSNOptions())

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Connected to MSSQL target: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return db, nil
}
