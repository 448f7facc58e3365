package mssql

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/johndauphine/cdcload/internal/driver"
)

// Violation of PRIMARY KEY / UNIQUE constraint, and duplicate key in a unique index.
const (
	errPrimaryKeyViolation = 2627
	errDuplicateKeyRow     = 2601
)

// Dialect implements driver.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mssql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return "@p" + strconv.Itoa(index)
}

// BuildDSN builds a sqlserver:// URL understood by go-mssqldb.
func (d *Dialect) BuildDSN(host string, port int, database, user, password string, opts map[string]any) string {
	params := url.Values{}
	params.Set("database", database)

	encrypt := true
	if v, ok := opts["encrypt"].(bool); ok {
		encrypt = v
	}
	params.Set("encrypt", strconv.FormatBool(encrypt))

	if v, ok := opts["trustServerCertificate"].(bool); ok && v {
		params.Set("TrustServerCertificate", "true")
	}
	if v, ok := opts["packetSize"].(int); ok && v > 0 {
		params.Set("packet size", strconv.Itoa(v))
	}
	params.Set("app name", "cdcload")

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		RawQuery: params.Encode(),
	}
	return u.String()
}

// FoldIdentifier keeps the name; SQL Server collations are usually case-insensitive.
func (d *Dialect) FoldIdentifier(name string) string {
	return name
}

func (d *Dialect) SavepointSQL(name string) string {
	return "SAVE TRANSACTION " + d.QuoteIdentifier(name)
}

func (d *Dialect) RollbackToSavepointSQL(name string) string {
	return "ROLLBACK TRANSACTION " + d.QuoteIdentifier(name)
}

// ReleaseSavepointSQL is empty: SQL Server has no savepoint release.
func (d *Dialect) ReleaseSavepointSQL(_ string) string {
	return ""
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	var numErr interface{ SQLErrorNumber() int32 }
	if errors.As(err, &numErr) {
		n := numErr.SQLErrorNumber()
		return n == errPrimaryKeyViolation || n == errDuplicateKeyRow
	}
	return false
}

func (d *Dialect) RequiresCharPadding() bool { return false }

func (d *Dialect) ColumnsQuery() string {
	return `
		SELECT
			c.COLUMN_NAME,
			c.DATA_TYPE,
			c.CHARACTER_MAXIMUM_LENGTH,
			c.NUMERIC_PRECISION,
			c.NUMERIC_SCALE,
			c.IS_NULLABLE,
			COALESCE(COLUMNPROPERTY(OBJECT_ID(QUOTENAME(c.TABLE_SCHEMA) + '.' + QUOTENAME(c.TABLE_NAME)),
				c.COLUMN_NAME, 'IsIdentity'), 0)
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION
	`
}

func (d *Dialect) PrimaryKeyQuery() string {
	return `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
			AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
		ORDER BY kcu.ORDINAL_POSITION
	`
}

func (d *Dialect) MetadataArgs(schema, table string) []any {
	if schema == "" {
		schema = "dbo"
	}
	return []any{schema, table}
}

// PrepareForLoadSQL allows explicit values for identity columns, which the
// change stream always carries.
func (d *Dialect) PrepareForLoadSQL(t *driver.Table) []string {
	if t == nil || !t.HasIdentity() {
		return nil
	}
	return []string{fmt.Sprintf("SET IDENTITY_INSERT %s ON", d.QualifyTable(t.Schema, t.Name))}
}

func (d *Dialect) CleanupAfterLoadSQL(t *driver.Table) []string {
	if t == nil || !t.HasIdentity() {
		return nil
	}
	return []string{fmt.Sprintf("SET IDENTITY_INSERT %s OFF", d.QualifyTable(t.Schema, t.Name))}
}
