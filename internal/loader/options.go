package loader

import (
	"github.com/johndauphine/cdcload/internal/protocol"
)

// DefaultStatementCacheSize bounds cached statement texts per table.
const DefaultStatementCacheSize = 64

// Options is the static configuration shared by a loader and its clones.
type Options struct {
	// FallbackToUpdate turns an insert that violates a unique key into an update.
	FallbackToUpdate bool
	// FallbackToInsert turns an update that matches no row into an insert.
	FallbackToInsert bool
	// AllowMissingDelete tolerates deletes that match no row.
	AllowMissingDelete bool
	// OmitUnchangedKeys leaves key columns whose value did not change out of SET.
	OmitUnchangedKeys bool
	// ChangedColumnsOnly restricts SET to columns that differ from the old
	// row snapshot, when the stream carries one.
	ChangedColumnsOnly bool
	// RequiredPlaceholder replaces blank values for NOT NULL text columns.
	RequiredPlaceholder string
	// PadChar right-pads CHAR values even when the dialect does not need it.
	PadChar bool
	// BinaryEncoding is the encoding in effect at the start of each batch.
	BinaryEncoding protocol.BinaryEncoding
	// StatementCacheSize bounds cached statements per table.
	StatementCacheSize int
	// IgnoreTables are skipped without a metadata lookup. Entries are table
	// or schema.table names, matched case-insensitively.
	IgnoreTables []string
	// NodeGroupID is passed to the routing resolver.
	NodeGroupID string
	// DefaultSchema applies when neither routing nor the stream names one.
	DefaultSchema string
}

func (o Options) cacheSize() int {
	if o.StatementCacheSize <= 0 {
		return DefaultStatementCacheSize
	}
	return o.StatementCacheSize
}
