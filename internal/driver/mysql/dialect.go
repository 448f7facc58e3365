package mysql

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/johndauphine/cdcload/internal/driver"
)

// erDupEntry is ER_DUP_ENTRY.
const erDupEntry = 1062

// Dialect implements driver.Dialect for MySQL/MariaDB.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mysql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *Dialect) QualifyTable(schema, table string) string {
	// MySQL uses database.table, but schema is often empty (database is in DSN)
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) BuildDSN(host string, port int, database, user, password string, opts map[string]any) string {
	// MySQL DSN format: user:password@tcp(host:port)/database?params
	encodedUser := url.QueryEscape(user)
	encodedPassword := url.QueryEscape(password)

	params := url.Values{}
	params.Set("parseTime", "true")

	// Handle SSL/TLS mode
	if sslMode, ok := opts["ssl_mode"].(string); ok && sslMode != "" {
		switch strings.ToLower(sslMode) {
		case "disable", "disabled", "false":
			params.Set("tls", "false")
		case "require", "required", "true":
			params.Set("tls", "true")
		case "verify-ca", "verify_ca":
			params.Set("tls", "skip-verify")
		case "verify-full", "verify_full", "verify-identity", "verify_identity":
			params.Set("tls", "true")
		default:
			params.Set("tls", "preferred")
		}
	} else {
		params.Set("tls", "preferred")
	}

	if charset, ok := opts["charset"].(string); ok && charset != "" {
		params.Set("charset", charset)
	} else {
		params.Set("charset", "utf8mb4")
	}

	if loc, ok := opts["loc"].(string); ok && loc != "" {
		params.Set("loc", loc)
	} else {
		params.Set("loc", "UTC")
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		encodedUser, encodedPassword, host, port, database, params.Encode())
}

func (d *Dialect) ParameterPlaceholder(_ int) string {
	return "?"
}

// FoldIdentifier keeps the name as written. Table name case sensitivity
// depends on lower_case_table_names, which the catalog lookup resolves.
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
	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == erDupEntry
	}
	return false
}

// RequiresCharPadding is false: MySQL strips trailing CHAR spaces on read anyway.
func (d *Dialect) RequiresCharPadding() bool { return false }

func (d *Dialect) ColumnsQuery() string {
	return `
		SELECT
			COLUMN_NAME,
			DATA_TYPE,
			CHARACTER_MAXIMUM_LENGTH,
			NUMERIC_PRECISION,
			NUMERIC_SCALE,
			IS_NULLABLE,
			CASE WHEN EXTRA LIKE '%auto_increment%' THEN 1 ELSE 0 END
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
}

func (d *Dialect) PrimaryKeyQuery() string {
	return `
		SELECT COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
			AND TABLE_NAME = ?
			AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`
}

func (d *Dialect) MetadataArgs(schema, table string) []any {
	return []any{schema, table}
}

func (d *Dialect) PrepareForLoadSQL(_ *driver.Table) []string { return nil }

func (d *Dialect) CleanupAfterLoadSQL(_ *driver.Table) []string { return nil }
