package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/protocol"
)

func (l *Loader) onInsert(ctx context.Context, tgt Target, rec *protocol.Record) error {
	tt, err := l.currentTable(ctx, tgt, rec)
	if err != nil {
		return err
	}
	cols := l.ctx.Columns
	if len(cols) == 0 {
		return l.protocolError(rec, "insert before any columns directive")
	}
	if len(rec.Fields) < len(cols) {
		return l.protocolError(rec, fmt.Sprintf("insert has %d values for %d columns", len(rec.Fields), len(cols)))
	}
	if tt.Ignored() {
		l.stats.IgnoredRows++
		return nil
	}

	values := rec.Fields[:len(cols)]
	row := Row{Columns: cols, Values: values, Keys: l.ctx.Keys, KeyValues: keysFromRow(l.ctx.Keys, cols, values)}
	if ok, err := l.filterData(protocol.Insert, tt, row); !ok || err != nil {
		return err
	}
	names, values := l.filterColumns(protocol.Insert, tt, cols, values)
	return l.insertRow(ctx, tgt, tt, names, values)
}

func (l *Loader) onUpdate(ctx context.Context, tgt Target, rec *protocol.Record) error {
	tt, err := l.currentTable(ctx, tgt, rec)
	if err != nil {
		return err
	}
	cols, keys := l.ctx.Columns, l.ctx.Keys
	old := l.ctx.Old
	l.ctx.Old = nil

	if len(cols) == 0 || len(keys) == 0 {
		return l.protocolError(rec, "update requires columns and keys directives")
	}
	if len(rec.Fields) < len(cols)+len(keys) {
		return l.protocolError(rec, fmt.Sprintf("update has %d values for %d columns and %d keys",
			len(rec.Fields), len(cols), len(keys)))
	}
	if tt.Ignored() {
		l.stats.IgnoredRows++
		return nil
	}

	values := rec.Fields[:len(cols)]
	keyValues := rec.Fields[len(cols) : len(cols)+len(keys)]
	if len(old) != len(cols) {
		old = nil
	}

	row := Row{Columns: cols, Values: values, Keys: keys, KeyValues: keyValues, Old: old}
	if ok, err := l.filterData(protocol.Update, tt, row); !ok || err != nil {
		return err
	}

	// Which stream columns differ from the snapshot, decided before column
	// filters may reorder them.
	var changed map[string]bool
	if l.opts.ChangedColumnsOnly && old != nil {
		changed = make(map[string]bool, len(cols))
		for i, c := range cols {
			changed[c] = !values[i].Equal(old[i])
		}
	}

	names, values := l.filterColumns(protocol.Update, tt, cols, values)
	b := tt.bind(names)
	set := b

	switch {
	case changed != nil:
		set = b.subset(func(i int, c driver.Column) bool {
			name := names[b.index[i]]
			wasChanged, known := changed[name]
			return !known || wasChanged
		})
		if len(set.cols) == 0 {
			l.stats.UnchangedUpdates++
			logging.Debug("Update on %s changed no columns, skipping", tt.QualifiedName)
			return nil
		}
	case l.opts.OmitUnchangedKeys:
		reduced := b.subset(func(i int, c driver.Column) bool {
			kv, isKey := lookupKey(keys, keyValues, c.Name)
			return !isKey || !kv.Equal(values[b.index[i]])
		})
		if len(reduced.cols) > 0 {
			set = reduced
		}
	}

	n, err := l.updateRow(ctx, tgt, tt, set, values, keys, keyValues)
	if err != nil {
		return err
	}
	switch {
	case n == 0 && l.opts.FallbackToInsert:
		logging.Debug("Update on %s matched no row, inserting instead", tt.QualifiedName)
		if err := l.execInsert(ctx, tgt, tt, b, values); err != nil {
			return err
		}
		l.stats.FallbackInserts++
		return nil
	case n == 0:
		return &ConsistencyError{Table: tt.QualifiedName, Op: protocol.Update, Keys: keys, Values: keyValues,
			Msg: "no row matched and fallback to insert is disabled"}
	case n > 1:
		logging.Warn("Update on %s %s affected %d rows; the key is not unique on the target",
			tt.QualifiedName, formatKeys(keys, keyValues), n)
	}
	l.stats.Updates++
	return nil
}

func (l *Loader) onDelete(ctx context.Context, tgt Target, rec *protocol.Record) error {
	tt, err := l.currentTable(ctx, tgt, rec)
	if err != nil {
		return err
	}
	keys := l.ctx.Keys
	if len(keys) == 0 {
		return l.protocolError(rec, "delete before any keys directive")
	}
	if len(rec.Fields) < len(keys) {
		return l.protocolError(rec, fmt.Sprintf("delete has %d values for %d keys", len(rec.Fields), len(keys)))
	}
	if tt.Ignored() {
		l.stats.IgnoredRows++
		return nil
	}

	keyValues := rec.Fields[:len(keys)]
	row := Row{Keys: keys, KeyValues: keyValues}
	if ok, err := l.filterData(protocol.Delete, tt, row); !ok || err != nil {
		return err
	}

	kb, err := tt.bindKeys(keys)
	if err != nil {
		return err
	}
	s, args, err := l.whereClause(shape{kind: deleteDML}, kb, keyValues)
	if err != nil {
		return err
	}
	n, err := l.exec(ctx, tgt, tt.statement(l.dialect, s), args)
	if err != nil {
		return err
	}
	switch {
	case n == 0 && l.opts.AllowMissingDelete:
		l.stats.MissingDeletes++
		logging.Debug("Delete on %s %s matched no row", tt.QualifiedName, formatKeys(keys, keyValues))
		return nil
	case n == 0:
		return &ConsistencyError{Table: tt.QualifiedName, Op: protocol.Delete, Keys: keys, Values: keyValues,
			Msg: "no row matched and missing deletes are not allowed"}
	case n > 1:
		logging.Warn("Delete on %s %s affected %d rows", tt.QualifiedName, formatKeys(keys, keyValues), n)
	}
	l.stats.Deletes++
	return nil
}

// insertRow inserts one row. With fallback to update enabled the insert runs
// under a savepoint, and a unique violation becomes an update keyed by the
// row's own key values.
func (l *Loader) insertRow(ctx context.Context, tx Tx, tt *TableTarget, names []string, values []protocol.Value) error {
	b := tt.bind(names)
	if !l.opts.FallbackToUpdate {
		if err := l.execInsert(ctx, tx, tt, b, values); err != nil {
			return err
		}
		l.stats.Inserts++
		return nil
	}

	sps := savepoints{tx: tx, dialect: l.dialect, seq: &l.spSeq}
	sp, err := sps.create(ctx)
	if err != nil {
		return err
	}

	insertErr := l.execInsert(ctx, tx, tt, b, values)
	if insertErr == nil {
		l.stats.Inserts++
		return sps.release(ctx, sp)
	}
	if err := sps.rollbackTo(ctx, sp); err != nil {
		return fmt.Errorf("%v (after insert failed: %w)", err, insertErr)
	}
	if err := sps.release(ctx, sp); err != nil {
		return err
	}
	if !l.dialect.IsUniqueViolation(insertErr) {
		return insertErr
	}

	keys := l.ctx.Keys
	keyValues := keysFromRow(keys, names, values)
	if len(keys) == 0 || keyValues == nil {
		return fmt.Errorf("insert conflicted and the key cannot be derived from the row: %w", insertErr)
	}
	logging.Debug("Insert into %s %s conflicted, updating instead", tt.QualifiedName, formatKeys(keys, keyValues))

	set := b.subset(func(_ int, c driver.Column) bool {
		_, isKey := lookupKey(keys, keyValues, c.Name)
		return !isKey
	})
	if len(set.cols) == 0 {
		set = b
	}
	n, err := l.updateRow(ctx, tx, tt, set, values, keys, keyValues)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ConsistencyError{Table: tt.QualifiedName, Op: protocol.Insert, Keys: keys, Values: keyValues,
			Msg: "insert violated a unique key but the fallback update matched no row"}
	}
	l.stats.FallbackUpdates++
	return nil
}

func (l *Loader) execInsert(ctx context.Context, tx Tx, tt *TableTarget, b *binding, values []protocol.Value) error {
	if len(b.cols) == 0 {
		return fmt.Errorf("none of the incoming columns exist on %s", tt.QualifiedName)
	}
	args, err := l.coerceBound(b, values)
	if err != nil {
		return err
	}
	_, err = l.exec(ctx, tx, tt.statement(l.dialect, shape{kind: insertDML, set: b.names()}), args)
	return err
}

func (l *Loader) updateRow(ctx context.Context, tx Tx, tt *TableTarget, set *binding, values []protocol.Value,
	keys []string, keyValues []protocol.Value) (int64, error) {
	if len(set.cols) == 0 {
		return 0, fmt.Errorf("none of the incoming columns exist on %s", tt.QualifiedName)
	}
	kb, err := tt.bindKeys(keys)
	if err != nil {
		return 0, err
	}
	args, err := l.coerceBound(set, values)
	if err != nil {
		return 0, err
	}
	s, keyArgs, err := l.whereClause(shape{kind: updateDML, set: set.names()}, kb, keyValues)
	if err != nil {
		return 0, err
	}
	return l.exec(ctx, tx, tt.statement(l.dialect, s), append(args, keyArgs...))
}

// whereClause completes s with the key predicate and returns the key
// arguments. NULL keys are matched with IS NULL and bind nothing.
func (l *Loader) whereClause(s shape, kb *binding, keyValues []protocol.Value) (shape, []any, error) {
	s.where = kb.names()
	s.nullKeys = make([]bool, len(kb.cols))
	var args []any
	for i, c := range kb.cols {
		v := keyValues[kb.index[i]]
		if v.IsNull() {
			s.nullKeys[i] = true
			continue
		}
		arg, err := l.coercer.Coerce(v, c, l.ctx.Encoding)
		if err != nil {
			return s, nil, err
		}
		args = append(args, arg)
	}
	return s, args, nil
}

func (l *Loader) coerceBound(b *binding, values []protocol.Value) ([]any, error) {
	args := make([]any, len(b.cols))
	for i, c := range b.cols {
		v, err := l.coercer.Coerce(values[b.index[i]], c, l.ctx.Encoding)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (l *Loader) exec(ctx context.Context, tx Tx, query string, args []any) (int64, error) {
	if logging.IsDebug() {
		logging.Debug("%s %v", query, args)
	}
	start := time.Now()
	res, err := tx.ExecContext(ctx, query, args...)
	l.stats.DatabaseTime += time.Since(start)
	l.stats.Statements++
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}

func (l *Loader) filterData(op protocol.Directive, tt *TableTarget, row Row) (bool, error) {
	if len(l.dataFilters) == 0 {
		return true, nil
	}
	start := time.Now()
	defer func() { l.stats.FilterTime += time.Since(start) }()

	for _, f := range l.dataFilters {
		ok, err := f.Filter(&l.ctx, op, tt.Meta, row)
		if err != nil {
			return false, fmt.Errorf("data filter: %w", err)
		}
		if !ok {
			l.stats.FilteredRows++
			return false, nil
		}
	}
	return true, nil
}

func (l *Loader) filterColumns(op protocol.Directive, tt *TableTarget, names []string, values []protocol.Value) ([]string, []protocol.Value) {
	if len(l.columnFilters) == 0 {
		return names, values
	}
	start := time.Now()
	defer func() { l.stats.FilterTime += time.Since(start) }()

	names = append([]string(nil), names...)
	values = append([]protocol.Value(nil), values...)
	for _, f := range l.columnFilters {
		names, values = f.FilterColumns(&l.ctx, op, tt.Meta, names, values)
	}
	return names, values
}

// subset returns the bound columns for which keep is true.
func (b *binding) subset(keep func(i int, c driver.Column) bool) *binding {
	out := &binding{}
	for i, c := range b.cols {
		if keep(i, c) {
			out.cols = append(out.cols, c)
			out.index = append(out.index, b.index[i])
		}
	}
	return out
}

// keysFromRow picks the key values out of a full row. It returns nil when a
// key column is not part of the row.
func keysFromRow(keys, names []string, values []protocol.Value) []protocol.Value {
	out := make([]protocol.Value, 0, len(keys))
	for _, k := range keys {
		found := false
		for i, n := range names {
			if strings.EqualFold(n, k) && i < len(values) {
				out = append(out, values[i])
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	return out
}

func lookupKey(keys []string, keyValues []protocol.Value, column string) (protocol.Value, bool) {
	for i, k := range keys {
		if strings.EqualFold(k, column) && i < len(keyValues) {
			return keyValues[i], true
		}
	}
	return protocol.Null, false
}
