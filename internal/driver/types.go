package driver

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Table represents a target table with the metadata the loader needs.
type Table struct {
	Schema     string   `json:"schema"`
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
}

// FullName returns the fully qualified table name (schema.table).
func (t *Table) FullName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// HasPK returns true if the table has a primary key.
func (t *Table) HasPK() bool {
	return len(t.PrimaryKey) > 0
}

// HasIdentity returns true if any column is an identity/auto-increment column.
func (t *Table) HasIdentity() bool {
	for _, c := range t.Columns {
		if c.IsIdentity {
			return true
		}
	}
	return false
}

// FindColumn returns the column with the given name. An exact match wins;
// otherwise names are compared case-insensitively.
func (t *Table) FindColumn(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in ordinal order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// Column represents a table column.
type Column struct {
	Name       string   `json:"name"`
	DataType   string   `json:"data_type"`
	TypeCode   TypeCode `json:"type_code"`
	MaxLength  int      `json:"max_length"`
	Precision  int      `json:"precision"`
	Scale      int      `json:"scale"`
	IsNullable bool     `json:"is_nullable"`
	IsIdentity bool     `json:"is_identity"`
	OrdinalPos int      `json:"ordinal_position"`
}

// IsRequired returns true if the column rejects NULL.
func (c *Column) IsRequired() bool {
	return !c.IsNullable
}

// Size returns the declared length for character and binary columns,
// or the precision for numeric columns.
func (c *Column) Size() int {
	if c.MaxLength > 0 {
		return c.MaxLength
	}
	return c.Precision
}

// TableKey identifies a table independent of identifier case.
// Both parts are lower-cased once when the key is built.
type TableKey struct {
	Schema string
	Name   string
}

// NewTableKey builds a normalized key.
func NewTableKey(schema, name string) TableKey {
	return TableKey{
		Schema: strings.ToLower(strings.TrimSpace(schema)),
		Name:   strings.ToLower(strings.TrimSpace(name)),
	}
}

// String returns schema.name, or name alone without a schema.
func (k TableKey) String() string {
	if k.Schema == "" {
		return k.Name
	}
	return k.Schema + "." + k.Name
}

// MaxIdentifierLength is the longest identifier any supported target accepts.
const MaxIdentifierLength = 128

// ValidateIdentifier rejects names read from a change stream that cannot be
// a plain schema, table or column name. A name starts with a letter or an
// underscore; later characters may also be digits, '$', '#' or spaces.
func ValidateIdentifier(name string) error {
	if name == "" {
		return errors.New("empty identifier")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier %.32q is longer than %d bytes", name, MaxIdentifierLength)
	}
	for i, r := range name {
		if unicode.IsLetter(r) || r == '_' {
			continue
		}
		if i > 0 && (unicode.IsDigit(r) || r == '$' || r == '#' || r == ' ') {
			continue
		}
		return fmt.Errorf("identifier %q has invalid character %q at offset %d", name, r, i)
	}
	return nil
}
