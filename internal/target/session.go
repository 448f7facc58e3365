package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
)

// Session is one target transaction. Metadata lookups go through the same
// transaction so a single-connection pool (SQLite) cannot deadlock.
type Session struct {
	tx      *sql.Tx
	dialect driver.Dialect
	done    bool
}

// ExecContext runs a statement in the transaction.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

// Commit commits the transaction.
func (s *Session) Commit() error {
	s.done = true
	return s.tx.Commit()
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback()
}

// Dialect returns the target dialect.
func (s *Session) Dialect() driver.Dialect { return s.dialect }

// GetTable returns metadata for schema.name, or nil when the table does not
// exist. The name is tried as given, then folded the way the target stores
// unquoted identifiers.
func (s *Session) GetTable(ctx context.Context, schema, name string) (*driver.Table, error) {
	return loadTable(ctx, s.tx, s.dialect, schema, name)
}

// CreateTables executes a DDL payload from the stream.
func (s *Session) CreateTables(ctx context.Context, ddl string) error {
	if strings.TrimSpace(ddl) == "" {
		return nil
	}
	if _, err := s.tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("executing ddl: %w", err)
	}
	return nil
}

// PrepareForLoad runs the dialect's per-table setup statements.
func (s *Session) PrepareForLoad(ctx context.Context, t *driver.Table) error {
	return s.execAll(ctx, s.dialect.PrepareForLoadSQL(t))
}

// CleanupAfterLoad undoes PrepareForLoad.
func (s *Session) CleanupAfterLoad(ctx context.Context, t *driver.Table) error {
	return s.execAll(ctx, s.dialect.CleanupAfterLoadSQL(t))
}

func (s *Session) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		logging.Debug("target: %s", stmt)
		if _, err := s.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadTable(ctx context.Context, q queryer, dialect driver.Dialect, schema, name string) (*driver.Table, error) {
	t, err := loadTableExact(ctx, q, dialect, schema, name)
	if err != nil || t != nil {
		return t, err
	}
	folded := dialect.FoldIdentifier(name)
	foldedSchema := dialect.FoldIdentifier(schema)
	if folded == name && foldedSchema == schema {
		return nil, nil
	}
	return loadTableExact(ctx, q, dialect, foldedSchema, folded)
}

func loadTableExact(ctx context.Context, q queryer, dialect driver.Dialect, schema, name string) (*driver.Table, error) {
	t := &driver.Table{Schema: schema, Name: name}
	args := dialect.MetadataArgs(schema, name)

	if err := loadColumns(ctx, q, dialect.ColumnsQuery(), args, t); err != nil {
		return nil, fmt.Errorf("loading columns for %s: %w", t.FullName(), err)
	}
	if len(t.Columns) == 0 {
		return nil, nil
	}
	if err := loadPrimaryKey(ctx, q, dialect.PrimaryKeyQuery(), args, t); err != nil {
		return nil, fmt.Errorf("loading primary key for %s: %w", t.FullName(), err)
	}
	return t, nil
}

func loadColumns(ctx context.Context, q queryer, query string, args []any, t *driver.Table) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	pos := 0
	for rows.Next() {
		var (
			c                       driver.Column
			maxLen, prec, scale, id sql.NullInt64
			nullable                string
		)
		if err := rows.Scan(&c.Name, &c.DataType, &maxLen, &prec, &scale, &nullable, &id); err != nil {
			return err
		}
		pos++
		c.OrdinalPos = pos
		c.TypeCode = driver.TypeCodeFor(c.DataType)
		c.IsNullable = strings.EqualFold(nullable, "YES")
		c.IsIdentity = id.Valid && id.Int64 != 0

		// MAX types report -1
		if maxLen.Valid && maxLen.Int64 > 0 {
			c.MaxLength = int(maxLen.Int64)
		}
		if prec.Valid {
			c.Precision = int(prec.Int64)
		}
		if scale.Valid {
			c.Scale = int(scale.Int64)
		}
		if !maxLen.Valid && !prec.Valid {
			size, sc := driver.DeclaredSize(c.DataType)
			if c.TypeCode.IsText() || c.TypeCode.IsBinary() {
				c.MaxLength = size
			} else {
				c.Precision, c.Scale = size, sc
			}
		}
		t.Columns = append(t.Columns, c)
	}
	return rows.Err()
}

func loadPrimaryKey(ctx context.Context, q queryer, query string, args []any, t *driver.Table) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
	}
	return rows.Err()
}
