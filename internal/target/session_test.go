package target

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/driver/postgres"
	"github.com/johndauphine/cdcload/internal/driver/sqlite"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *Database {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return New(db, &sqlite.Dialect{})
}

func TestSessionGetTable(t *testing.T) {
	ctx := context.Background()
	database := openSQLite(t)

	if _, err := database.DB().ExecContext(ctx, `
		CREATE TABLE orders (
			id INTEGER NOT NULL,
			region CHAR(4) NOT NULL,
			note VARCHAR(200),
			amount DECIMAL(10,2),
			payload BLOB,
			PRIMARY KEY (region, id)
		)`); err != nil {
		t.Fatal(err)
	}

	sess, err := database.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Rollback()

	table, err := sess.GetTable(ctx, "", "orders")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if table == nil {
		t.Fatal("expected table metadata")
	}

	if got := table.ColumnNames(); len(got) != 5 || got[0] != "id" || got[4] != "payload" {
		t.Errorf("columns = %v", got)
	}
	if len(table.PrimaryKey) != 2 || table.PrimaryKey[0] != "region" || table.PrimaryKey[1] != "id" {
		t.Errorf("primary key = %v, want [region id]", table.PrimaryKey)
	}

	tests := []struct {
		name      string
		typeCode  driver.TypeCode
		required  bool
		maxLength int
		precision int
		scale     int
	}{
		{"id", driver.TypeInteger, true, 0, 0, 0},
		{"region", driver.TypeChar, true, 4, 0, 0},
		{"note", driver.TypeVarChar, false, 200, 0, 0},
		{"amount", driver.TypeDecimal, false, 0, 10, 2},
		{"payload", driver.TypeBlob, false, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := table.FindColumn(tt.name)
			if !ok {
				t.Fatalf("column %s missing", tt.name)
			}
			if c.TypeCode != tt.typeCode || c.IsRequired() != tt.required ||
				c.MaxLength != tt.maxLength || c.Precision != tt.precision || c.Scale != tt.scale {
				t.Errorf("column %s = %+v", tt.name, c)
			}
		})
	}
}

func TestSessionGetTableMissing(t *testing.T) {
	ctx := context.Background()
	sess, err := openSQLite(t).Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Rollback()

	table, err := sess.GetTable(ctx, "", "nope")
	if err != nil {
		t.Fatalf("missing table should not be an error: %v", err)
	}
	if table != nil {
		t.Errorf("expected nil table, got %+v", table)
	}
}

func TestSessionCreateTablesAndCommit(t *testing.T) {
	ctx := context.Background()
	database := openSQLite(t)

	sess, err := database.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.CreateTables(ctx, `CREATE TABLE items (sku VARCHAR(20) PRIMARY KEY, qty INTEGER)`); err != nil {
		t.Fatal(err)
	}
	if err := sess.CreateTables(ctx, "   "); err != nil {
		t.Errorf("blank ddl should be ignored: %v", err)
	}
	if _, err := sess.ExecContext(ctx, `INSERT INTO items VALUES (?, ?)`, "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := sess.PrepareForLoad(ctx, &driver.Table{Name: "items"}); err != nil {
		t.Errorf("PrepareForLoad: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Rollback(); err != nil {
		t.Errorf("Rollback after Commit should be a no-op: %v", err)
	}

	table, err := database.GetTable(ctx, "", "items")
	if err != nil || table == nil {
		t.Fatalf("GetTable after commit: %v %v", table, err)
	}
	if !table.HasPK() || table.PrimaryKey[0] != "sku" {
		t.Errorf("primary key = %v", table.PrimaryKey)
	}
}

func TestGetTableFoldsIdentifier(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cols := []string{"column_name", "data_type", "len", "prec", "scale", "is_nullable", "ident"}

	// exact name first, then the lower-cased name PostgreSQL stores
	mock.ExpectQuery("information_schema.columns").
		WithArgs("public", "Orders").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("information_schema.columns").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("id", "integer", nil, 32, 0, "NO", 1).
			AddRow("name", "character varying", 50, nil, nil, "YES", 0))
	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))

	table, err := New(db, &postgres.Dialect{}).GetTable(context.Background(), "public", "Orders")
	if err != nil {
		t.Fatal(err)
	}
	if table == nil || table.Name != "orders" {
		t.Fatalf("expected folded table, got %+v", table)
	}
	id, _ := table.FindColumn("id")
	if !id.IsIdentity || id.TypeCode != driver.TypeInteger || id.Precision != 32 {
		t.Errorf("id column = %+v", id)
	}
	name, _ := table.FindColumn("name")
	if name.MaxLength != 50 || !name.IsNullable {
		t.Errorf("name column = %+v", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
