// Package target connects to the database change batches are applied to and
// answers schema metadata questions for the loader.
package target

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johndauphine/cdcload/internal/dbconfig"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/driver/drivers"
)

// Database is a target connection pool plus its dialect.
type Database struct {
	db      *sql.DB
	dialect driver.Dialect
	config  *dbconfig.TargetConfig
}

// Open resolves the driver for cfg.Type and opens a pool of maxConns connections.
func Open(cfg *dbconfig.TargetConfig, maxConns int) (*Database, error) {
	d, err := drivers.ForType(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := d.Open(cfg, maxConns)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s target: %w", d.Name(), err)
	}
	return &Database{db: db, dialect: d.Dialect(), config: cfg}, nil
}

// New wraps an existing pool. Used with sqlite files opened elsewhere and in tests.
func New(db *sql.DB, dialect driver.Dialect) *Database {
	return &Database{db: db, dialect: dialect}
}

// DB returns the underlying pool.
func (d *Database) DB() *sql.DB { return d.db }

// Dialect returns the target dialect.
func (d *Database) Dialect() driver.Dialect { return d.dialect }

// Close closes the pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Begin starts a transaction and returns a Session bound to it.
func (d *Database) Begin(ctx context.Context) (*Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Session{tx: tx, dialect: d.dialect}, nil
}

// GetTable looks up table metadata outside of any transaction.
func (d *Database) GetTable(ctx context.Context, schema, name string) (*driver.Table, error) {
	return loadTable(ctx, d.db, d.dialect, schema, name)
}
