// Package loader applies a change stream to a target database. A Loader
// walks the stream batch by batch, turns each row mutation into a
// parameterized statement and applies fallback policies when the target
// disagrees with the source.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/johndauphine/cdcload/internal/coerce"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/protocol"
)

type state int

const (
	stateAwaitingBatch state = iota
	stateInBatch
	stateSkipping
)

func (s state) String() string {
	switch s {
	case stateAwaitingBatch:
		return "awaiting-batch"
	case stateInBatch:
		return "in-batch"
	case stateSkipping:
		return "skipping"
	}
	return "unknown"
}

// ErrNoBatch is returned by Load and Skip when no batch is pending.
var ErrNoBatch = errors.New("no batch is pending; call HasNext first")

// tableDef remembers the keys and columns declared for a table so a later
// table directive can switch back to it without repeating them.
type tableDef struct {
	keys    []string
	columns []string
}

// Loader reads one change stream. It is not safe for concurrent use; run
// several loaders (see Clone) to load streams in parallel.
type Loader struct {
	opts          Options
	dialect       driver.Dialect
	routing       RoutingResolver
	coercer       *coerce.Coercer
	dataFilters   []DataFilter
	columnFilters []ColumnFilter
	// baseData and baseColumns are the filters every Open starts from.
	baseData    []DataFilter
	baseColumns []ColumnFilter

	src      io.Reader
	reader   *protocol.Reader
	state    state
	ctx      Context
	stats    Statistics
	tables   map[driver.TableKey]*TableTarget
	defs     map[string]tableDef
	prepared *TableTarget
	spSeq    int
}

// New returns a loader for targets speaking dialect. routing may be nil.
func New(opts Options, dialect driver.Dialect, routing RoutingResolver) *Loader {
	return &Loader{
		opts:    opts,
		dialect: dialect,
		routing: routing,
		coercer: &coerce.Coercer{
			Placeholder: opts.RequiredPlaceholder,
			PadChar:     opts.PadChar || dialect.RequiresCharPadding(),
		},
		tables: make(map[driver.TableKey]*TableTarget),
		defs:   make(map[string]tableDef),
		ctx:    Context{Encoding: opts.BinaryEncoding},
	}
}

// OpenOption configures a stream opened with Open.
type OpenOption func(*Loader)

// WithDataFilters installs data filters, run in order, for this stream.
func WithDataFilters(filters ...DataFilter) OpenOption {
	return func(l *Loader) { l.dataFilters = append(l.dataFilters, filters...) }
}

// WithColumnFilters installs column filters, run in order, for this stream.
func WithColumnFilters(filters ...ColumnFilter) OpenOption {
	return func(l *Loader) { l.columnFilters = append(l.columnFilters, filters...) }
}

// Open starts reading r. Resolved tables stay cached across streams.
// Filters inherited through Clone stay installed; opts add to them.
func (l *Loader) Open(r io.Reader, opts ...OpenOption) {
	l.src = r
	l.reader = protocol.NewReader(r)
	l.state = stateAwaitingBatch
	l.ctx = Context{Encoding: l.opts.BinaryEncoding}
	l.stats.Reset()
	l.defs = make(map[string]tableDef)
	l.prepared = nil
	l.dataFilters = append([]DataFilter(nil), l.baseData...)
	l.columnFilters = append([]ColumnFilter(nil), l.baseColumns...)
	for _, o := range opts {
		o(l)
	}
}

// Close releases the stream, closing it when it is an io.Closer.
func (l *Loader) Close() error {
	var err error
	if c, ok := l.src.(io.Closer); ok {
		err = c.Close()
	}
	l.src = nil
	l.reader = nil
	l.state = stateAwaitingBatch
	return err
}

// Context returns a copy of the current parse context.
func (l *Loader) Context() Context {
	return l.ctx.clone()
}

// Statistics returns a copy of the current batch counters.
func (l *Loader) Statistics() Statistics {
	return l.stats
}

// Position returns how many lines and bytes of the open stream have been
// consumed, blank lines included.
func (l *Loader) Position() (lines int, bytes int64) {
	if l.reader == nil {
		return 0, 0
	}
	return l.reader.Line(), l.reader.BytesRead()
}

// Clone returns a fresh loader sharing this loader's configuration,
// dialect, routing and filters but none of its stream state. The filters
// installed on l when Clone is called apply to every stream the clone opens.
func (l *Loader) Clone() *Loader {
	c := New(l.opts, l.dialect, l.routing)
	c.baseData = append([]DataFilter(nil), l.dataFilters...)
	c.baseColumns = append([]ColumnFilter(nil), l.columnFilters...)
	c.dataFilters = append([]DataFilter(nil), c.baseData...)
	c.columnFilters = append([]ColumnFilter(nil), c.baseColumns...)
	return c
}

// HasNext advances to the next batch directive and reports whether one was
// found. Header and context directives before it are applied. A pending
// batch that was neither loaded nor skipped is skipped first.
func (l *Loader) HasNext(ctx context.Context) (bool, error) {
	if l.reader == nil {
		return false, errors.New("loader is not open")
	}
	if l.state != stateAwaitingBatch {
		if err := l.Skip(ctx); err != nil {
			return false, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rec, err := l.next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if rec.Directive == protocol.Batch {
			l.beginBatch(&rec)
			return true, nil
		}
		if !rec.Directive.IsHeader() && !rec.Directive.IsContext() {
			return false, l.protocolError(&rec, "unexpected directive outside a batch")
		}
		if _, err := l.applyContext(&rec); err != nil {
			return false, err
		}
	}
}

// Skip consumes the current batch without executing anything. Context
// directives are still tracked and lines and bytes still counted.
func (l *Loader) Skip(ctx context.Context) error {
	if l.state == stateAwaitingBatch {
		return ErrNoBatch
	}
	l.state = stateSkipping
	l.ctx.Skip = true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := l.next()
		if err == io.EOF {
			l.endBatch()
			return nil
		}
		if err != nil {
			return err
		}

		switch d := rec.Directive; {
		case d == protocol.Commit:
			l.endBatch()
			return nil
		case d == protocol.Batch:
			return l.protocolError(&rec, "batch started before the previous one committed")
		case d.IsMutation():
			continue
		}
		handled, err := l.applyContext(&rec)
		if err != nil {
			return err
		}
		if !handled {
			return l.protocolError(&rec, "unknown directive")
		}
	}
}

type handler func(l *Loader, ctx context.Context, tgt Target, rec *protocol.Record) error

var loadHandlers = [protocol.NumDirectives]handler{
	protocol.Batch:   (*Loader).onNestedBatch,
	protocol.NodeID:  (*Loader).onContext,
	protocol.Version: (*Loader).onContext,
	protocol.Schema:  (*Loader).onContext,
	protocol.Keys:    (*Loader).onContext,
	protocol.Columns: (*Loader).onContext,
	protocol.Binary:  (*Loader).onContext,
	protocol.Table:   (*Loader).onTable,
	protocol.Old:     (*Loader).onOld,
	protocol.Insert:  (*Loader).onInsert,
	protocol.Update:  (*Loader).onUpdate,
	protocol.Delete:  (*Loader).onDelete,
	protocol.SQL:     (*Loader).onSQL,
	protocol.Create:  (*Loader).onCreate,
}

// Load applies the current batch to tgt, up to its commit directive or the
// end of the stream. The caller owns the transaction: commit it when Load
// returns nil, roll it back otherwise. After an error the rest of the batch
// is skipped by the next HasNext.
func (l *Loader) Load(ctx context.Context, tgt Target) error {
	if l.state != stateInBatch {
		return ErrNoBatch
	}

	for {
		if err := ctx.Err(); err != nil {
			l.abort(ctx, tgt)
			return err
		}
		rec, err := l.next()
		if err == io.EOF {
			logging.Warn("Stream ended before batch %s committed", l.ctx.BatchID)
			return l.finishLoad(ctx, tgt)
		}
		if err != nil {
			l.abort(ctx, tgt)
			return err
		}
		if rec.Directive == protocol.Commit {
			return l.finishLoad(ctx, tgt)
		}

		h := loadHandlers[rec.Directive]
		if h == nil {
			l.abort(ctx, tgt)
			return l.protocolError(&rec, "unknown directive")
		}
		if err := h(l, ctx, tgt, &rec); err != nil {
			l.abort(ctx, tgt)
			return l.rowError(&rec, err)
		}
	}
}

func (l *Loader) next() (protocol.Record, error) {
	rec, err := l.reader.Read()
	if err != nil {
		if err == io.EOF {
			return rec, err
		}
		return rec, fmt.Errorf("reading change stream: %w", err)
	}
	l.stats.Lines++
	l.stats.Bytes += int64(rec.Bytes)
	l.ctx.Line = rec.Line
	return rec, nil
}

func (l *Loader) beginBatch(rec *protocol.Record) {
	l.stats.Reset()
	l.stats.Lines = 1
	l.stats.Bytes = int64(rec.Bytes)
	l.ctx.BatchID = rec.Field(0).S
	l.ctx.Skip = false
	l.ctx.Encoding = l.opts.BinaryEncoding
	l.state = stateInBatch
	logging.Debug("Batch %s from node %s", l.ctx.BatchID, l.ctx.NodeID)
}

// endBatch returns to AwaitingBatch. Batch id and node id stay visible
// through Context until the next batch.
func (l *Loader) endBatch() {
	l.state = stateAwaitingBatch
	l.ctx.Skip = false
	l.ctx.SchemaName = ""
	l.ctx.Encoding = l.opts.BinaryEncoding
	l.ctx.resetTable()
	l.defs = make(map[string]tableDef)
	l.prepared = nil
}

func (l *Loader) finishLoad(ctx context.Context, sp SchemaProvider) error {
	err := l.cleanupPrepared(ctx, sp)
	l.endBatch()
	return err
}

// abort leaves the batch in skip mode so HasNext discards what is left of it.
func (l *Loader) abort(ctx context.Context, sp SchemaProvider) {
	if err := l.cleanupPrepared(ctx, sp); err != nil {
		logging.Debug("Cleanup after failed batch %s: %v", l.ctx.BatchID, err)
	}
	l.state = stateSkipping
	l.ctx.Skip = true
}

// applyContext handles directives that only change parse context. It
// reports false for anything else.
func (l *Loader) applyContext(rec *protocol.Record) (bool, error) {
	switch rec.Directive {
	case protocol.NodeID:
		l.ctx.NodeID = rec.Field(0).S
	case protocol.Version:
		l.ctx.Version = rec.Field(0).S
	case protocol.Schema:
		name := rec.Field(0).S
		if name != "" {
			if err := driver.ValidateIdentifier(name); err != nil {
				return true, l.protocolError(rec, "schema: "+err.Error())
			}
		}
		l.ctx.SchemaName = name
	case protocol.Table:
		name := rec.Field(0).S
		if err := driver.ValidateIdentifier(name); err != nil {
			return true, l.protocolError(rec, "table: "+err.Error())
		}
		l.switchTable(name)
	case protocol.Keys, protocol.Columns:
		names := protocol.Strings(rec.Fields)
		for _, n := range names {
			if err := driver.ValidateIdentifier(n); err != nil {
				return true, l.protocolError(rec, rec.Directive.String()+": "+err.Error())
			}
		}
		if rec.Directive == protocol.Keys {
			l.ctx.Keys = names
		} else {
			l.ctx.Columns = names
		}
		l.rememberDef()
	case protocol.Binary:
		enc, err := protocol.ParseBinaryEncoding(rec.Field(0).S)
		if err != nil {
			return true, l.protocolError(rec, err.Error())
		}
		l.ctx.Encoding = enc
	default:
		return false, nil
	}
	return true, nil
}

func (l *Loader) defKey(table string) string {
	return driver.NewTableKey(l.ctx.SchemaName, table).String()
}

func (l *Loader) switchTable(name string) {
	def := l.defs[l.defKey(name)]
	l.ctx.TableName = name
	l.ctx.Keys = def.keys
	l.ctx.Columns = def.columns
	l.ctx.Old = nil
	l.ctx.Target = nil
}

// rememberDef records the current keys and columns and drops statements
// built for the previous shape.
func (l *Loader) rememberDef() {
	if l.ctx.TableName != "" {
		l.defs[l.defKey(l.ctx.TableName)] = tableDef{keys: l.ctx.Keys, columns: l.ctx.Columns}
	}
	if l.ctx.Target != nil {
		l.ctx.Target.invalidate()
	}
}

// currentTable resolves the current table on first use and prepares it for load.
func (l *Loader) currentTable(ctx context.Context, sp SchemaProvider, rec *protocol.Record) (*TableTarget, error) {
	if l.ctx.Target != nil {
		return l.ctx.Target, nil
	}
	if l.ctx.TableName == "" {
		return nil, l.protocolError(rec, "no table directive before data")
	}
	tt, res, err := l.resolve(ctx, sp, l.ctx.TableName)
	if err != nil {
		return nil, err
	}
	l.ctx.Target = tt
	if res == Resolved && l.prepared != tt {
		if err := l.cleanupPrepared(ctx, sp); err != nil {
			return nil, err
		}
		if err := sp.PrepareForLoad(ctx, tt.Meta); err != nil {
			return nil, fmt.Errorf("preparing %s for load: %w", tt.QualifiedName, err)
		}
		l.prepared = tt
	}
	return tt, nil
}

func (l *Loader) cleanupPrepared(ctx context.Context, sp SchemaProvider) error {
	if l.prepared == nil {
		return nil
	}
	tt := l.prepared
	l.prepared = nil
	if err := sp.CleanupAfterLoad(ctx, tt.Meta); err != nil {
		return fmt.Errorf("cleaning up %s after load: %w", tt.QualifiedName, err)
	}
	return nil
}

func (l *Loader) onContext(_ context.Context, _ Target, rec *protocol.Record) error {
	_, err := l.applyContext(rec)
	return err
}

func (l *Loader) onTable(ctx context.Context, tgt Target, rec *protocol.Record) error {
	if _, err := l.applyContext(rec); err != nil {
		return err
	}
	_, err := l.currentTable(ctx, tgt, rec)
	return err
}

func (l *Loader) onOld(_ context.Context, _ Target, rec *protocol.Record) error {
	l.ctx.Old = append([]protocol.Value(nil), rec.Fields...)
	return nil
}

func (l *Loader) onNestedBatch(_ context.Context, _ Target, rec *protocol.Record) error {
	return l.protocolError(rec, fmt.Sprintf("batch %s started before batch %s committed", rec.Field(0).S, l.ctx.BatchID))
}

func (l *Loader) onSQL(ctx context.Context, tgt Target, rec *protocol.Record) error {
	if err := l.cleanupPrepared(ctx, tgt); err != nil {
		return err
	}
	if _, err := l.exec(ctx, tgt, rec.Field(0).S, nil); err != nil {
		return err
	}
	l.invalidateAll()
	return nil
}

func (l *Loader) onCreate(ctx context.Context, tgt Target, rec *protocol.Record) error {
	if err := l.cleanupPrepared(ctx, tgt); err != nil {
		return err
	}
	if err := tgt.CreateTables(ctx, rec.Field(0).S); err != nil {
		return err
	}
	l.stats.Statements++
	l.invalidateAll()
	return nil
}

func (l *Loader) protocolError(rec *protocol.Record, msg string) error {
	return &ProtocolError{BatchID: l.ctx.BatchID, Line: rec.Line, Directive: rec.Token, Msg: msg}
}

func (l *Loader) rowError(rec *protocol.Record, err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return err
	}
	return &RowError{
		BatchID:   l.ctx.BatchID,
		Line:      rec.Line,
		Table:     l.ctx.TableName,
		Directive: rec.Directive,
		Values:    rec.Fields,
		Err:       err,
	}
}
