package driver

import (
	"strconv"
	"strings"
)

// TypeCode is a portable column type. Values match java.sql.Types so codes
// stay comparable with what trigger-side tooling records.
type TypeCode int

const (
	TypeNull          TypeCode = 0
	TypeBit           TypeCode = -7
	TypeTinyInt       TypeCode = -6
	TypeSmallInt      TypeCode = 5
	TypeInteger       TypeCode = 4
	TypeBigInt        TypeCode = -5
	TypeFloat         TypeCode = 6
	TypeReal          TypeCode = 7
	TypeDouble        TypeCode = 8
	TypeNumeric       TypeCode = 2
	TypeDecimal       TypeCode = 3
	TypeChar          TypeCode = 1
	TypeVarChar       TypeCode = 12
	TypeLongVarChar   TypeCode = -1
	TypeNChar         TypeCode = -15
	TypeNVarChar      TypeCode = -9
	TypeDate          TypeCode = 91
	TypeTime          TypeCode = 92
	TypeTimestamp     TypeCode = 93
	TypeBinary        TypeCode = -2
	TypeVarBinary     TypeCode = -3
	TypeLongVarBinary TypeCode = -4
	TypeBlob          TypeCode = 2004
	TypeClob          TypeCode = 2005
	TypeBoolean       TypeCode = 16
	TypeOther         TypeCode = 1111
)

var typeCodeNames = map[TypeCode]string{
	TypeNull:          "NULL",
	TypeBit:           "BIT",
	TypeTinyInt:       "TINYINT",
	TypeSmallInt:      "SMALLINT",
	TypeInteger:       "INTEGER",
	TypeBigInt:        "BIGINT",
	TypeFloat:         "FLOAT",
	TypeReal:          "REAL",
	TypeDouble:        "DOUBLE",
	TypeNumeric:       "NUMERIC",
	TypeDecimal:       "DECIMAL",
	TypeChar:          "CHAR",
	TypeVarChar:       "VARCHAR",
	TypeLongVarChar:   "LONGVARCHAR",
	TypeNChar:         "NCHAR",
	TypeNVarChar:      "NVARCHAR",
	TypeDate:          "DATE",
	TypeTime:          "TIME",
	TypeTimestamp:     "TIMESTAMP",
	TypeBinary:        "BINARY",
	TypeVarBinary:     "VARBINARY",
	TypeLongVarBinary: "LONGVARBINARY",
	TypeBlob:          "BLOB",
	TypeClob:          "CLOB",
	TypeBoolean:       "BOOLEAN",
	TypeOther:         "OTHER",
}

func (c TypeCode) String() string {
	if name, ok := typeCodeNames[c]; ok {
		return name
	}
	return "TYPE(" + strconv.Itoa(int(c)) + ")"
}

// IsText returns true for character types.
func (c TypeCode) IsText() bool {
	switch c {
	case TypeChar, TypeVarChar, TypeLongVarChar, TypeNChar, TypeNVarChar, TypeClob:
		return true
	}
	return false
}

// IsFixedChar returns true for blank-padded character types.
func (c TypeCode) IsFixedChar() bool {
	return c == TypeChar || c == TypeNChar
}

// IsBinary returns true for byte-string types.
func (c TypeCode) IsBinary() bool {
	switch c {
	case TypeBinary, TypeVarBinary, TypeLongVarBinary, TypeBlob:
		return true
	}
	return false
}

// IsTemporal returns true for date and time types.
func (c TypeCode) IsTemporal() bool {
	return c == TypeDate || c == TypeTime || c == TypeTimestamp
}

// IsInteger returns true for integer types, BIT included.
func (c TypeCode) IsInteger() bool {
	switch c {
	case TypeBit, TypeTinyInt, TypeSmallInt, TypeInteger, TypeBigInt:
		return true
	}
	return false
}

// IsExactNumeric returns true for NUMERIC and DECIMAL.
func (c TypeCode) IsExactNumeric() bool {
	return c == TypeNumeric || c == TypeDecimal
}

// IsApproxNumeric returns true for floating point types.
func (c TypeCode) IsApproxNumeric() bool {
	return c == TypeFloat || c == TypeReal || c == TypeDouble
}

// TypeCodeFor maps a catalog data type name (as reported by
// information_schema or SQLite's table_info) to a TypeCode.
// Length/precision suffixes and modifiers such as "unsigned" are ignored.
func TypeCodeFor(dataType string) TypeCode {
	t := strings.ToLower(strings.TrimSpace(dataType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		rest := ""
		if j := strings.IndexByte(t[i:], ')'); j >= 0 {
			rest = t[i+j+1:]
		}
		t = strings.TrimSpace(t[:i] + rest)
	}
	t = strings.TrimSpace(strings.TrimSuffix(t, " unsigned"))

	switch t {
	case "bit":
		return TypeBit
	case "tinyint":
		return TypeTinyInt
	case "smallint", "int2", "smallserial":
		return TypeSmallInt
	case "int", "integer", "int4", "serial", "mediumint":
		return TypeInteger
	case "bigint", "int8", "bigserial":
		return TypeBigInt
	case "float", "float8", "double", "double precision":
		return TypeDouble
	case "real", "float4":
		return TypeReal
	case "numeric":
		return TypeNumeric
	case "decimal", "money", "smallmoney", "number":
		return TypeDecimal
	case "char", "character", "bpchar":
		return TypeChar
	case "nchar":
		return TypeNChar
	case "varchar", "character varying", "varchar2", "uuid", "uniqueidentifier", "citext":
		return TypeVarChar
	case "nvarchar":
		return TypeNVarChar
	case "text", "ntext", "tinytext", "mediumtext", "longtext", "json", "jsonb", "xml":
		return TypeLongVarChar
	case "clob":
		return TypeClob
	case "date":
		return TypeDate
	case "time", "time without time zone", "time with time zone", "timetz":
		return TypeTime
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz",
		"datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return TypeTimestamp
	case "binary":
		return TypeBinary
	case "varbinary", "bytea":
		return TypeVarBinary
	case "image", "tinyblob", "mediumblob", "longblob":
		return TypeLongVarBinary
	case "blob":
		return TypeBlob
	case "boolean", "bool":
		return TypeBoolean
	}
	return TypeOther
}

// DeclaredSize extracts the first length argument of a type such as
// "VARCHAR(20)" or "DECIMAL(10,2)". It returns 0 when there is none.
func DeclaredSize(dataType string) (size, scale int) {
	i := strings.IndexByte(dataType, '(')
	j := strings.IndexByte(dataType, ')')
	if i < 0 || j < i {
		return 0, 0
	}
	parts := strings.Split(dataType[i+1:j], ",")
	size, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	if len(parts) > 1 {
		scale, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return size, scale
}
