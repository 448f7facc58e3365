package loader

import (
	"context"
	"database/sql"

	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/protocol"
)

// Tx executes statements within the enclosing transaction chosen by the caller.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SchemaProvider answers table metadata questions about the target.
type SchemaProvider interface {
	// GetTable returns nil, nil when the table does not exist.
	GetTable(ctx context.Context, schema, name string) (*driver.Table, error)
	CreateTables(ctx context.Context, ddl string) error
	PrepareForLoad(ctx context.Context, t *driver.Table) error
	CleanupAfterLoad(ctx context.Context, t *driver.Table) error
}

// Target is what a batch is applied to. target.Session implements it.
type Target interface {
	Tx
	SchemaProvider
}

// RoutingResolver maps a table to the schema it lives in on this node.
type RoutingResolver interface {
	FindTargetSchema(table, nodeGroupID string) (string, bool)
}

// Row is the mutation handed to data filters.
type Row struct {
	Columns   []string
	Values    []protocol.Value
	Keys      []string
	KeyValues []protocol.Value
	Old       []protocol.Value
}

// DataFilter may veto a mutation before it is executed. Returning false
// skips the row without error.
type DataFilter interface {
	Filter(ctx *Context, op protocol.Directive, table *driver.Table, row Row) (bool, error)
}

// DataFilterFunc adapts a function to DataFilter.
type DataFilterFunc func(ctx *Context, op protocol.Directive, table *driver.Table, row Row) (bool, error)

func (f DataFilterFunc) Filter(ctx *Context, op protocol.Directive, table *driver.Table, row Row) (bool, error) {
	return f(ctx, op, table, row)
}

// ColumnFilter may add, drop or reorder the columns of an insert or update.
// Names and values are transformed together so statement text and bound
// parameters stay aligned.
type ColumnFilter interface {
	FilterColumns(ctx *Context, op protocol.Directive, table *driver.Table, names []string, values []protocol.Value) ([]string, []protocol.Value)
}

// ColumnFilterFunc adapts a function to ColumnFilter.
type ColumnFilterFunc func(ctx *Context, op protocol.Directive, table *driver.Table, names []string, values []protocol.Value) ([]string, []protocol.Value)

func (f ColumnFilterFunc) FilterColumns(ctx *Context, op protocol.Directive, table *driver.Table, names []string, values []protocol.Value) ([]string, []protocol.Value) {
	return f(ctx, op, table, names, values)
}
