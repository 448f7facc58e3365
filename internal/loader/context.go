package loader

import (
	"github.com/johndauphine/cdcload/internal/protocol"
)

// Context is the parse state of the current batch, exposed to filters and callers.
type Context struct {
	BatchID    string
	NodeID     string
	Version    string
	SchemaName string // from a schema directive
	TableName  string
	Keys       []string
	Columns    []string
	Old        []protocol.Value // snapshot for the next update
	Encoding   protocol.BinaryEncoding
	Skip       bool
	Line       int
	Target     *TableTarget // nil until the current table is resolved
}

// resetTable clears table-scoped state.
func (c *Context) resetTable() {
	c.TableName = ""
	c.Keys = nil
	c.Columns = nil
	c.Old = nil
	c.Target = nil
}

// clone returns a copy that does not share slices with c.
func (c *Context) clone() Context {
	out := *c
	out.Keys = append([]string(nil), c.Keys...)
	out.Columns = append([]string(nil), c.Columns...)
	out.Old = append([]protocol.Value(nil), c.Old...)
	return out
}
