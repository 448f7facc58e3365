package sqlite

import (
	"errors"
	"net/url"
	"strings"

	"github.com/johndauphine/cdcload/internal/driver"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect implements driver.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) DBType() string { return "sqlite" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifyTable ignores the schema. A SQLite target is a single database file,
// so routed schema names from other engines do not apply.
func (d *Dialect) QualifyTable(_, table string) string {
	return d.QuoteIdentifier(table)
}

func (d *Dialect) ParameterPlaceholder(_ int) string {
	return "?"
}

// BuildDSN returns the database path with connection pragmas. Host, port and
// credentials are unused.
func (d *Dialect) BuildDSN(_ string, _ int, database, _, _ string, _ map[string]any) string {
	if database == "" {
		database = ":memory:"
	}
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	return database + "?" + params.Encode()
}

func (d *Dialect) FoldIdentifier(name string) string {
	return name
}

func (d *Dialect) SavepointSQL(name string) string {
	return "SAVEPOINT " + d.QuoteIdentifier(name)
}

func (d *Dialect) RollbackToSavepointSQL(name string) string {
	return "ROLLBACK TO SAVEPOINT " + d.QuoteIdentifier(name)
}

func (d *Dialect) ReleaseSavepointSQL(name string) string {
	return "RELEASE SAVEPOINT " + d.QuoteIdentifier(name)
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Extended codes disabled on this connection.
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

// RequiresCharPadding is true: SQLite stores CHAR(n) values as given.
func (d *Dialect) RequiresCharPadding() bool { return true }

// ColumnsQuery reads pragma_table_info. SQLite keeps no separate length or
// precision, so those come back NULL and are parsed from the declared type.
func (d *Dialect) ColumnsQuery() string {
	return `
		SELECT
			name,
			type,
			NULL,
			NULL,
			NULL,
			CASE WHEN "notnull" = 1 THEN 'NO' ELSE 'YES' END,
			0
		FROM pragma_table_info(?)
		ORDER BY cid
	`
}

func (d *Dialect) PrimaryKeyQuery() string {
	return `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`
}

func (d *Dialect) MetadataArgs(_, table string) []any {
	return []any{table}
}

func (d *Dialect) PrepareForLoadSQL(_ *driver.Table) []string { return nil }

func (d *Dialect) CleanupAfterLoadSQL(_ *driver.Table) []string { return nil }
