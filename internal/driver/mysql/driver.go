// Package mysql provides the MySQL/MariaDB target driver.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johndauphine/cdcload/internal/dbconfig"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
)

// Driver implements driver.Driver for MySQL/MariaDB databases.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mysql"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"mariadb", "maria"}
}

// Defaults returns the default configuration values for MySQL.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{
		Port:    3306,
		Schema:  "", // MySQL uses database name, not schema
		SSLMode: "preferred",
	}
}

// Dialect returns the MySQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open opens a MySQL connection pool.
func (d *Driver) Open(cfg *dbconfig.TargetConfig, maxConns int) (*sql.DB, error) {
	dialect := &Dialect{}
	dsn := dialect.BuildDSN(cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.DSNOptions())

	db, err := sql.Open("mysql", dsn)
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

	logging.Debug("Connected to MySQL target: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return db, nil
}
