// Package driver provides pluggable target database abstractions.
// Each database (PostgreSQL, MSSQL, MySQL, SQLite) implements the Driver
// interface to provide all database-specific functionality in one cohesive unit.
package driver

import (
	"database/sql"

	"github.com/johndauphine/cdcload/internal/dbconfig"
)

// DriverDefaults contains default values for a database driver.
// Used by config.applyDefaults() to set sensible defaults for each database type.
type DriverDefaults struct {
	// Port is the default port (e.g., 5432 for PostgreSQL, 1433 for MSSQL).
	Port int

	// Schema is the default schema (e.g., "public" for PostgreSQL, "dbo" for MSSQL).
	Schema string

	// SSLMode is the default SSL mode for PostgreSQL-style connections.
	SSLMode string

	// Encrypt is the default encryption setting for MSSQL-style connections.
	Encrypt bool
}

// Driver represents a target database: its defaults, its SQL dialect and
// how to open a connection pool to it.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver and Dialect interfaces
// 3. Add it to the table in internal/driver/drivers
type Driver interface {
	// Name returns the primary driver name (e.g., "mssql", "postgres", "mysql").
	Name() string

	// Aliases returns alternative names for this driver.
	// For example, postgres might have aliases ["postgresql", "pg"].
	Aliases() []string

	// Defaults returns the default configuration values for this driver.
	Defaults() DriverDefaults

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// Open opens a connection pool to the target and verifies it with a ping.
	Open(cfg *dbconfig.TargetConfig, maxConns int) (*sql.DB, error)
}

// Dialect captures the SQL differences the loader cares about: identifier
// quoting, bind placeholders, savepoint syntax, error classification and
// catalog queries.
type Dialect interface {
	// DBType returns the database type name.
	DBType() string

	// QuoteIdentifier quotes a single identifier, escaping embedded quote characters.
	QuoteIdentifier(name string) string

	// QualifyTable returns the quoted schema-qualified table name.
	// An empty schema yields the quoted table name alone.
	QualifyTable(schema, table string) string

	// ParameterPlaceholder returns the bind placeholder for the 1-based index.
	ParameterPlaceholder(index int) string

	// BuildDSN builds a connection string for the database/sql driver.
	BuildDSN(host string, port int, database, user, password string, opts map[string]any) string

	// FoldIdentifier returns how the database stores an unquoted identifier.
	FoldIdentifier(name string) string

	// SavepointSQL, RollbackToSavepointSQL and ReleaseSavepointSQL return the
	// statements managing a named savepoint. An empty release statement means
	// the database has no explicit release.
	SavepointSQL(name string) string
	RollbackToSavepointSQL(name string) string
	ReleaseSavepointSQL(name string) string

	// IsUniqueViolation reports whether err is a primary key or unique
	// constraint violation.
	IsUniqueViolation(err error) bool

	// RequiresCharPadding reports whether CHAR values must be right-padded
	// to the declared column size by the client.
	RequiresCharPadding() bool

	// ColumnsQuery returns a query listing the columns of one table as
	// (name, data_type, char_max_length, numeric_precision, numeric_scale,
	// is_nullable 'YES'/'NO', is_identity 0/1) ordered by position.
	ColumnsQuery() string

	// PrimaryKeyQuery returns a query listing the primary key column names
	// of one table in key order.
	PrimaryKeyQuery() string

	// MetadataArgs returns the bind arguments for ColumnsQuery and PrimaryKeyQuery.
	MetadataArgs(schema, table string) []any

	// PrepareForLoadSQL and CleanupAfterLoadSQL return the statements run
	// when a table becomes (or stops being) the current load target.
	PrepareForLoadSQL(t *Table) []string
	CleanupAfterLoadSQL(t *Table) []string
}
