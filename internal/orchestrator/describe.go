package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/johndauphine/cdcload/internal/protocol"
)

// DescribeTables writes the stream header a producer would send for each
// table: schema, table, columns and keys records, using the same schema
// routing the loader applies.
func (o *Orchestrator) DescribeTables(ctx context.Context, w io.Writer, tables ...string) error {
	pw := protocol.NewWriter(w)
	for _, name := range tables {
		schema, ok := o.config.Routing.FindTargetSchema(name, o.config.Loader.NodeGroupID)
		if !ok {
			schema = o.config.Target.Schema
		}
		t, err := o.target.GetTable(ctx, schema, name)
		if err != nil {
			return fmt.Errorf("describing %s: %w", name, err)
		}
		if t == nil {
			return fmt.Errorf("table %s not found on target", name)
		}

		if t.Schema != "" {
			pw.WriteStrings(protocol.Schema, t.Schema)
		}
		pw.WriteStrings(protocol.Table, t.Name)
		pw.WriteStrings(protocol.Columns, t.ColumnNames()...)
		if t.HasPK() {
			pw.WriteStrings(protocol.Keys, t.PrimaryKey...)
		}
	}
	return pw.Flush()
}
