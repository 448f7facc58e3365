package loader

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/util"
)

// Resolution is the outcome of looking up a table on the target.
type Resolution int

const (
	// Resolved means the table exists and mutations are applied.
	Resolved Resolution = iota
	// Ignored means mutations for the table are skipped.
	Ignored
)

func (r Resolution) String() string {
	if r == Ignored {
		return "ignored"
	}
	return "resolved"
}

// TableTarget binds a stream table name to a physical target table and
// caches the statement text built for it.
type TableTarget struct {
	Key           driver.TableKey
	Meta          *driver.Table // nil when ignored
	QualifiedName string

	ignored    bool
	statements *lru.Cache[string, string]
	bindings   map[string]*binding
	dropped    map[string]bool
}

// Ignored reports whether mutations for this table are skipped.
func (t *TableTarget) Ignored() bool { return t.ignored }

// Resolution returns Ignored or Resolved.
func (t *TableTarget) Resolution() Resolution {
	if t.ignored {
		return Ignored
	}
	return Resolved
}

// invalidate drops cached statements and column bindings.
func (t *TableTarget) invalidate() {
	if t.statements != nil {
		t.statements.Purge()
	}
	t.bindings = nil
}

// binding maps stream column names onto target columns. Names unknown to
// the target are dropped.
type binding struct {
	cols  []driver.Column
	index []int // position of cols[i] in the stream list
}

func (b *binding) names() []string {
	out := make([]string, len(b.cols))
	for i, c := range b.cols {
		out[i] = c.Name
	}
	return out
}

func (t *TableTarget) bind(names []string) *binding {
	sig := strings.Join(names, "\x00")
	if b, ok := t.bindings[sig]; ok {
		return b
	}
	b := &binding{}
	for i, n := range names {
		col, ok := t.Meta.FindColumn(n)
		if !ok {
			if !t.dropped[n] {
				if t.dropped == nil {
					t.dropped = make(map[string]bool)
				}
				t.dropped[n] = true
				logging.Warn("Table %s has no column %q, dropping it from incoming changes", t.QualifiedName, n)
			}
			continue
		}
		b.cols = append(b.cols, col)
		b.index = append(b.index, i)
	}
	if t.bindings == nil {
		t.bindings = make(map[string]*binding)
	}
	t.bindings[sig] = b
	return b
}

// bindKeys maps key names onto target columns. Unlike data columns a
// missing key column is an error: the row cannot be located without it.
func (t *TableTarget) bindKeys(names []string) (*binding, error) {
	b := &binding{}
	for i, n := range names {
		col, ok := t.Meta.FindColumn(n)
		if !ok {
			return nil, fmt.Errorf("key column %q not found on target table %s", n, t.QualifiedName)
		}
		b.cols = append(b.cols, col)
		b.index = append(b.index, i)
	}
	return b, nil
}

// targetSchema picks the schema for a stream table: routing first, then a
// schema directive, then the configured default.
func (l *Loader) targetSchema(table string) string {
	if l.routing != nil {
		if schema, ok := l.routing.FindTargetSchema(table, l.opts.NodeGroupID); ok {
			return schema
		}
	}
	if l.ctx.SchemaName != "" {
		return l.ctx.SchemaName
	}
	return l.opts.DefaultSchema
}

func (l *Loader) isIgnoredTable(schema, table string) bool {
	for _, entry := range l.opts.IgnoreTables {
		if util.MatchesTable(entry, schema, table) {
			return true
		}
	}
	return false
}

// resolve returns the cached TableTarget for name, looking it up on the
// target the first time it is seen.
func (l *Loader) resolve(ctx context.Context, sp SchemaProvider, name string) (*TableTarget, Resolution, error) {
	schema := l.targetSchema(name)
	key := driver.NewTableKey(schema, name)
	if tt, ok := l.tables[key]; ok {
		return tt, tt.Resolution(), nil
	}

	tt := &TableTarget{Key: key, QualifiedName: l.dialect.QualifyTable(schema, name)}
	switch {
	case l.isIgnoredTable(schema, name):
		tt.ignored = true
		logging.Debug("Table %s is in the ignore list", key)
	default:
		meta, err := sp.GetTable(ctx, schema, name)
		if err != nil {
			return nil, Ignored, fmt.Errorf("resolving table %s: %w", key, err)
		}
		if meta == nil {
			tt.ignored = true
			logging.Warn("Table %s not found on target, its changes will be ignored", key)
			break
		}
		cache, err := lru.New[string, string](l.opts.cacheSize())
		if err != nil {
			return nil, Ignored, err
		}
		tt.Meta = meta
		tt.QualifiedName = l.dialect.QualifyTable(meta.Schema, meta.Name)
		tt.statements = cache
		logging.Debug("Resolved table %s to %s (%d columns, key %v)",
			key, tt.QualifiedName, len(meta.Columns), meta.PrimaryKey)
	}

	l.tables[key] = tt
	return tt, tt.Resolution(), nil
}

// invalidateAll forgets every resolved table. Used after DDL, which may
// create tables that were missing or change the shape of existing ones.
func (l *Loader) invalidateAll() {
	l.tables = make(map[driver.TableKey]*TableTarget)
	l.ctx.Target = nil
}
