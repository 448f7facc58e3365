package loader

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/johndauphine/cdcload/internal/coerce"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/driver/sqlite"
	"github.com/johndauphine/cdcload/internal/protocol"
	"github.com/johndauphine/cdcload/internal/target"
	_ "modernc.org/sqlite"
)

func TestOmitUnchangedKeys(t *testing.T) {
	tests := []struct {
		name     string
		record   string
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "key unchanged",
			record:   "update,1,x,1\n",
			wantSQL:  `UPDATE "public"."foo" SET "name" = $1 WHERE "id" = $2`,
			wantArgs: []any{"x", int64(1)},
		},
		{
			name:     "key changed",
			record:   "update,2,x,1\n",
			wantSQL:  updateFoo,
			wantArgs: []any{int64(2), "x", int64(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt, mock := newMockTarget(t, fooTable())
			mock.ExpectExec(tt.wantSQL).WithArgs(toDriverArgs(tt.wantArgs)...).WillReturnResult(sqlmock.NewResult(0, 1))

			l := newTestLoader(Options{OmitUnchangedKeys: true}, fooHeader+tt.record+"commit\n")
			if err := loadOne(t, l, tgt); err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestNullKeyUsesIsNull(t *testing.T) {
	tgt, mock := newMockTarget(t, fooTable())
	mock.ExpectExec(`DELETE FROM "public"."foo" WHERE "id" IS NULL`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteFoo).WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))

	l := newTestLoader(Options{}, fooHeader+"delete,\ndelete,4\ncommit\n")
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := l.Statistics().Deletes; got != 2 {
		t.Errorf("Deletes = %d, want 2", got)
	}
}

func TestDataFilterVeto(t *testing.T) {
	tgt, mock := newMockTarget(t, fooTable())
	mock.ExpectExec(insertFoo).WithArgs(int64(1), "keep").WillReturnResult(sqlmock.NewResult(1, 1))

	var seen []protocol.Directive
	veto := DataFilterFunc(func(ctx *Context, op protocol.Directive, table *driver.Table, row Row) (bool, error) {
		seen = append(seen, op)
		if ctx.TableName != "foo" || table.Name != "foo" {
			t.Errorf("filter saw table %q / %q", ctx.TableName, table.Name)
		}
		return row.Values[1].S != "drop", nil
	})

	l := New(Options{DefaultSchema: "public"}, newPostgresDialect(), nil)
	l.Open(strings.NewReader(fooHeader+"insert,1,keep\ninsert,2,drop\ncommit\n"), WithDataFilters(veto))
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if len(seen) != 2 {
		t.Errorf("filter called %d times, want 2", len(seen))
	}
	stats := l.Statistics()
	if stats.FilteredRows != 1 || stats.Inserts != 1 {
		t.Errorf("FilteredRows = %d, Inserts = %d", stats.FilteredRows, stats.Inserts)
	}
}

func TestDataFilterError(t *testing.T) {
	tgt, _ := newMockTarget(t, fooTable())
	boom := errors.New("boom")
	failing := DataFilterFunc(func(*Context, protocol.Directive, *driver.Table, Row) (bool, error) {
		return false, boom
	})

	l := New(Options{DefaultSchema: "public"}, newPostgresDialect(), nil)
	l.Open(strings.NewReader(fooHeader+"insert,1,a\ncommit\n"), WithDataFilters(failing))
	if err := loadOne(t, l, tgt); !errors.Is(err, boom) {
		t.Errorf("Load error = %v, want boom", err)
	}
}

func TestColumnFilterDropsColumn(t *testing.T) {
	tgt, mock := newMockTarget(t, fooTable())
	mock.ExpectExec(`INSERT INTO "public"."foo" ("id") VALUES ($1)`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(1, 1))

	dropName := ColumnFilterFunc(func(_ *Context, _ protocol.Directive, _ *driver.Table, names []string, values []protocol.Value) ([]string, []protocol.Value) {
		var outN []string
		var outV []protocol.Value
		for i, n := range names {
			if n != "name" {
				outN = append(outN, n)
				outV = append(outV, values[i])
			}
		}
		return outN, outV
	})

	l := New(Options{DefaultSchema: "public"}, newPostgresDialect(), nil)
	l.Open(strings.NewReader(fooHeader+"insert,1,a\ncommit\n"), WithColumnFilters(dropName))
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUnknownStreamColumnIsDropped(t *testing.T) {
	tgt, mock := newMockTarget(t, fooTable())
	mock.ExpectExec(insertFoo).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))

	stream := "batch,1\ntable,foo\ncolumns,id,legacy,name\nkeys,id\ninsert,1,zzz,a\ncommit\n"
	l := newTestLoader(Options{}, stream)
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestShortRecordIsProtocolError(t *testing.T) {
	tgt, _ := newMockTarget(t, fooTable())
	l := newTestLoader(Options{}, fooHeader+"update,1,a\ncommit\n")
	err := loadOne(t, l, tgt)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Line != 5 {
		t.Errorf("Load error = %v, want ProtocolError at line 5", err)
	}
}

func TestInvalidIdentifierIsProtocolError(t *testing.T) {
	tests := []struct {
		name     string
		stream   string
		wantLine int
	}{
		{"table", "batch,1\ntable,foo;drop\n", 2},
		{"empty table", "batch,1\ntable,\n", 2},
		{"schema", "batch,1\nschema,public.x\ntable,foo\n", 2},
		{"column", "batch,1\ntable,foo\ncolumns,id,\"name\"\"--\"\n", 3},
		{"key", "batch,1\ntable,foo\ncolumns,id\nkeys,1id\n", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt, mock := newMockTarget(t, fooTable())
			l := newTestLoader(Options{}, tt.stream+"insert,1\ncommit\n")
			err := loadOne(t, l, tgt)
			var perr *ProtocolError
			if !errors.As(err, &perr) || perr.Line != tt.wantLine {
				t.Errorf("Load error = %v, want ProtocolError at line %d", err, tt.wantLine)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestInvalidIdentifierBeforeBatch(t *testing.T) {
	l := newTestLoader(Options{}, "schema,a b;c\nbatch,1\ncommit\n")
	_, err := l.HasNext(context.Background())
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Line != 1 {
		t.Errorf("HasNext error = %v, want ProtocolError at line 1", err)
	}
}

func TestCoercionErrorIsRowError(t *testing.T) {
	tgt, _ := newMockTarget(t, fooTable())
	l := newTestLoader(Options{}, fooHeader+"insert,abc,a\ncommit\n")
	err := loadOne(t, l, tgt)

	var cerr *coerce.Error
	if !errors.As(err, &cerr) || cerr.Column != "id" {
		t.Fatalf("Load error = %v, want coercion error on id", err)
	}
	var rerr *RowError
	if !errors.As(err, &rerr) || rerr.Table != "foo" {
		t.Errorf("RowError = %+v", rerr)
	}
}

func TestBinaryEncodingDirective(t *testing.T) {
	blobs := &driver.Table{
		Schema: "public",
		Name:   "blobs",
		Columns: []driver.Column{
			{Name: "id", TypeCode: driver.TypeInteger},
			{Name: "data", TypeCode: driver.TypeVarBinary, IsNullable: true},
		},
	}
	tgt, mock := newMockTarget(t, blobs)
	insert := `INSERT INTO "public"."blobs" ("id", "data") VALUES ($1, $2)`
	mock.ExpectExec(insert).WithArgs(int64(1), []byte("hello")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).WithArgs(int64(2), []byte("hi")).WillReturnResult(sqlmock.NewResult(1, 1))

	stream := "batch,1\ntable,blobs\ncolumns,id,data\nkeys,id\n" +
		"binary,BASE64\ninsert,1,aGVsbG8=\nbinary,HEX\ninsert,2,6869\ncommit\n"
	l := newTestLoader(Options{}, stream)
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := l.Context().Encoding; got != protocol.EncodingNone {
		t.Errorf("encoding after commit = %v, want NONE", got)
	}
}

func TestStatementCacheRebuildsAfterColumnsChange(t *testing.T) {
	tgt, mock := newMockTarget(t, fooTable())
	mock.ExpectExec(insertFoo).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertFoo).WithArgs(int64(2), "b").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "public"."foo" ("id") VALUES ($1)`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(1, 1))

	stream := fooHeader + "insert,1,a\ninsert,2,b\ncolumns,id\ninsert,3\ncommit\n"
	l := newTestLoader(Options{StatementCacheSize: 2}, stream)
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if tgt.lookups != 1 {
		t.Errorf("lookups = %d, want 1", tgt.lookups)
	}
}

func TestTableSwitchRestoresDefinition(t *testing.T) {
	bar := &driver.Table{
		Schema:  "public",
		Name:    "bar",
		Columns: []driver.Column{{Name: "k", TypeCode: driver.TypeInteger}},
	}
	tgt, mock := newMockTarget(t, fooTable(), bar)
	mock.ExpectExec(insertFoo).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "public"."bar" ("k") VALUES ($1)`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertFoo).WithArgs(int64(2), "b").WillReturnResult(sqlmock.NewResult(1, 1))

	stream := fooHeader + "insert,1,a\n" +
		"table,bar\ncolumns,k\nkeys,k\ninsert,7\n" +
		"table,foo\ninsert,2,b\ncommit\n"
	l := newTestLoader(Options{}, stream)
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	want := []string{"foo", "bar", "foo"}
	if strings.Join(tgt.prepared, ",") != strings.Join(want, ",") {
		t.Errorf("prepared = %v, want %v", tgt.prepared, want)
	}
	if strings.Join(tgt.cleaned, ",") != strings.Join(want, ",") {
		t.Errorf("cleaned = %v, want %v", tgt.cleaned, want)
	}
}

func TestCreateInvalidatesTables(t *testing.T) {
	tgt, mock := newMockTarget(t)
	mock.ExpectExec(insertFoo).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))

	stream := "batch,1\ntable,foo\ncolumns,id,name\nkeys,id\ninsert,0,lost\n" +
		"create,\"CREATE TABLE foo (id int primary key, name varchar(20))\"\n" +
		"table,foo\ninsert,1,a\ncommit\n"
	l := New(Options{DefaultSchema: "public"}, newPostgresDialect(), nil)
	l.Open(strings.NewReader(stream))
	ok, err := l.HasNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("HasNext = %v, %v", ok, err)
	}

	// The DDL "creates" the table: make it visible to later lookups.
	created := &creatingTarget{fakeTarget: tgt, table: fooTable()}
	if err := l.Load(context.Background(), created); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	stats := l.Statistics()
	if stats.IgnoredRows != 1 || stats.Inserts != 1 {
		t.Errorf("stats = %s", stats.String())
	}
	if len(tgt.ddl) != 1 {
		t.Errorf("ddl = %v", tgt.ddl)
	}
}

type creatingTarget struct {
	*fakeTarget
	table *driver.Table
}

func (c *creatingTarget) CreateTables(ctx context.Context, ddl string) error {
	c.tables[c.table.Name] = c.table
	return c.fakeTarget.CreateTables(ctx, ddl)
}

func TestRoutingOverridesSchema(t *testing.T) {
	tgt, mock := newMockTarget(t)
	sales := fooTable()
	sales.Schema = "sales"
	tgt.tables["foo"] = sales
	mock.ExpectExec(`INSERT INTO "sales"."foo" ("id", "name") VALUES ($1, $2)`).
		WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))

	routes := routingFunc(func(table, group string) (string, bool) {
		if table == "foo" && group == "stores" {
			return "sales", true
		}
		return "", false
	})
	l := New(Options{DefaultSchema: "public", NodeGroupID: "stores"}, newPostgresDialect(), routes)
	l.Open(strings.NewReader(fooHeader + "insert,1,a\ncommit\n"))
	if err := loadOne(t, l, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

type routingFunc func(table, group string) (string, bool)

func (f routingFunc) FindTargetSchema(table, group string) (string, bool) { return f(table, group) }

func TestCloneIsIndependent(t *testing.T) {
	l := newTestLoader(Options{}, fooHeader+"commit\n")
	if ok, err := l.HasNext(context.Background()); err != nil || !ok {
		t.Fatalf("HasNext = %v, %v", ok, err)
	}

	c := l.Clone()
	if c.opts.DefaultSchema != "public" {
		t.Errorf("clone lost options: %+v", c.opts)
	}
	if c.Context().BatchID != "" || c.state != stateAwaitingBatch {
		t.Error("clone should not share stream state")
	}
	if _, err := c.HasNext(context.Background()); err == nil {
		t.Error("HasNext on an unopened clone should fail")
	}
}

func TestCloneKeepsFiltersAcrossOpen(t *testing.T) {
	tgt, mock := newMockTarget(t, fooTable())
	mock.ExpectExec(`INSERT INTO "public"."foo" ("id") VALUES ($1)`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(1, 1))

	veto := DataFilterFunc(func(_ *Context, _ protocol.Directive, _ *driver.Table, row Row) (bool, error) {
		return row.Values[1].S != "drop", nil
	})
	dropName := ColumnFilterFunc(func(_ *Context, _ protocol.Directive, _ *driver.Table, names []string, values []protocol.Value) ([]string, []protocol.Value) {
		return names[:1], values[:1]
	})

	tmpl := New(Options{DefaultSchema: "public"}, newPostgresDialect(), nil)
	tmpl.Open(strings.NewReader(""), WithDataFilters(veto))

	var extra int
	count := DataFilterFunc(func(*Context, protocol.Directive, *driver.Table, Row) (bool, error) {
		extra++
		return true, nil
	})

	c := tmpl.Clone()
	c.Open(strings.NewReader(fooHeader+"insert,1,keep\ninsert,2,drop\ncommit\n"), WithDataFilters(count), WithColumnFilters(dropName))
	if err := loadOne(t, c, tgt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if extra != 1 {
		t.Errorf("per-stream filter called %d times, want 1", extra)
	}
	if got := c.Statistics().FilteredRows; got != 1 {
		t.Errorf("FilteredRows = %d, want 1", got)
	}

	// A second stream on the same clone still starts from the inherited filters.
	c.Open(strings.NewReader(fooHeader + "insert,3,drop\ncommit\n"))
	if ok, err := c.HasNext(context.Background()); err != nil || !ok {
		t.Fatalf("HasNext = %v, %v", ok, err)
	}
	if len(c.dataFilters) != 1 || len(c.columnFilters) != 0 {
		t.Errorf("after reopen: %d data filters, %d column filters, want 1 and 0", len(c.dataFilters), len(c.columnFilters))
	}
}

func TestUnterminatedQuote(t *testing.T) {
	tgt, _ := newMockTarget(t, fooTable())
	l := newTestLoader(Options{}, fooHeader+"insert,1,\"never closed\n")
	err := loadOne(t, l, tgt)
	if !errors.Is(err, protocol.ErrUnterminatedQuote) {
		t.Errorf("Load error = %v, want ErrUnterminatedQuote", err)
	}
}

// TestLoadSQLite runs a stream end to end against an in-memory SQLite
// database, savepoint fallback included.
func TestLoadSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	database := target.New(db, &sqlite.Dialect{})

	stream := strings.Join([]string{
		"nodeid,store-01",
		"batch,100",
		`create,"CREATE TABLE item (id INTEGER PRIMARY KEY, name VARCHAR(20) NOT NULL, code CHAR(4), active BOOLEAN, price DECIMAL(8,2), data BLOB)"`,
		"table,item",
		"columns,id,name,code,active,price,data",
		"keys,id",
		"binary,BASE64",
		`insert,1,"widget",AB,1,"9,50",aGVsbG8=`,
		`insert,2,"",CD,0,1.25,`,
		`insert,1,"gadget",EF,1,3.00,`,
		`update,3,"gizmo",GH,0,1.00,,3`,
		"delete,2",
		"commit",
	}, "\n")

	l := New(Options{FallbackToUpdate: true, FallbackToInsert: true}, database.Dialect(), nil)
	l.Open(strings.NewReader(stream))
	ok, err := l.HasNext(ctx)
	if err != nil || !ok {
		t.Fatalf("HasNext = %v, %v", ok, err)
	}

	sess, err := database.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Load(ctx, sess); err != nil {
		sess.Rollback()
		t.Fatalf("Load: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatal(err)
	}

	stats := l.Statistics()
	if stats.Inserts != 2 || stats.FallbackUpdates != 1 || stats.FallbackInserts != 1 || stats.Deletes != 1 {
		t.Errorf("stats = %s", stats.String())
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name, code, active, data FROM item ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	type item struct {
		id     int
		name   string
		code   string
		active bool
		data   []byte
	}
	var got []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.id, &it.name, &it.code, &it.active, &it.data); err != nil {
			t.Fatal(err)
		}
		got = append(got, it)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("rows = %+v, want 2", got)
	}
	if got[0].id != 1 || got[0].name != "gadget" || got[0].code != "EF  " || !got[0].active {
		t.Errorf("row 1 = %+v", got[0])
	}
	if got[0].data != nil {
		t.Errorf("row 1 data = %q, want NULL from the fallback update", got[0].data)
	}
	if got[1].id != 3 || got[1].name != "gizmo" || got[1].active {
		t.Errorf("row 3 = %+v", got[1])
	}
}
