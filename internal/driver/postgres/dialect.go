package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/johndauphine/cdcload/internal/driver"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return "$" + strconv.Itoa(index)
}

// BuildDSN builds a postgres:// URL. User and password are query-escaped,
// the database name is path-escaped.
func (d *Dialect) BuildDSN(host string, port int, database, user, password string, opts map[string]any) string {
	sslMode := "require"
	if v, ok := opts["sslmode"].(string); ok && v != "" {
		sslMode = v
	}

	userInfo := url.QueryEscape(user)
	if password != "" {
		userInfo += ":" + url.QueryEscape(password)
	}

	params := url.Values{}
	params.Set("sslmode", sslMode)
	params.Set("application_name", "cdcload")

	return fmt.Sprintf("postgres://%s@%s:%d/%s?%s",
		userInfo, host, port, url.PathEscape(database), params.Encode())
}

// FoldIdentifier lower-cases, matching how PostgreSQL stores unquoted names.
func (d *Dialect) FoldIdentifier(name string) string {
	return strings.ToLower(name)
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func (d *Dialect) RequiresCharPadding() bool { return false }

func (d *Dialect) ColumnsQuery() string {
	return `
		SELECT
			column_name,
			data_type,
			character_maximum_length,
			numeric_precision,
			numeric_scale,
			is_nullable,
			CASE WHEN is_identity = 'YES' OR column_default LIKE 'nextval(%' THEN 1 ELSE 0 END
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`
}

func (d *Dialect) PrimaryKeyQuery() string {
	return `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`
}

func (d *Dialect) MetadataArgs(schema, table string) []any {
	if schema == "" {
		schema = "public"
	}
	return []any{schema, table}
}

func (d *Dialect) PrepareForLoadSQL(_ *driver.Table) []string { return nil }

func (d *Dialect) CleanupAfterLoadSQL(_ *driver.Table) []string { return nil }
