// Package protocol reads the line-oriented change stream: one record per
// line, comma-delimited, the first field naming the directive.
package protocol

import (
	"fmt"
	"strings"
)

// Directive is the discriminator of a change-stream record.
type Directive int

const (
	Unknown Directive = iota
	Batch
	NodeID
	Version
	Table
	Schema
	Keys
	Columns
	Binary
	Insert
	Update
	Delete
	Old
	SQL
	Create
	Commit

	// NumDirectives sizes handler tables indexed by Directive.
	NumDirectives
)

var directiveNames = [NumDirectives]string{
	Unknown: "unknown",
	Batch:   "batch",
	NodeID:  "nodeid",
	Version: "version",
	Table:   "table",
	Schema:  "schema",
	Keys:    "keys",
	Columns: "columns",
	Binary:  "binary",
	Insert:  "insert",
	Update:  "update",
	Delete:  "delete",
	Old:     "old",
	SQL:     "sql",
	Create:  "create",
	Commit:  "commit",
}

var directivesByName = func() map[string]Directive {
	m := make(map[string]Directive, NumDirectives)
	for d := Batch; d < NumDirectives; d++ {
		m[directiveNames[d]] = d
	}
	return m
}()

func (d Directive) String() string {
	if d >= 0 && d < NumDirectives {
		return directiveNames[d]
	}
	return fmt.Sprintf("directive(%d)", int(d))
}

// ParseDirective maps a discriminator token to its Directive.
// Unrecognized tokens return Unknown and false.
func ParseDirective(token string) (Directive, bool) {
	d, ok := directivesByName[strings.ToLower(strings.TrimSpace(token))]
	return d, ok
}

// IsHeader reports whether d identifies a batch or the node that sent it.
func (d Directive) IsHeader() bool {
	return d == Batch || d == NodeID || d == Version
}

// IsContext reports whether d sets context for the data directives that follow.
func (d Directive) IsContext() bool {
	switch d {
	case Table, Schema, Keys, Columns, Binary:
		return true
	}
	return false
}

// IsMutation reports whether d carries a change for the target: a row
// change, the old image of an update, or a SQL or DDL statement.
func (d Directive) IsMutation() bool {
	switch d {
	case Insert, Update, Delete, Old, SQL, Create:
		return true
	}
	return false
}

// BinaryEncoding says how binary column values are written in the stream.
type BinaryEncoding int

const (
	EncodingNone BinaryEncoding = iota
	EncodingBase64
	EncodingHex
)

func (e BinaryEncoding) String() string {
	switch e {
	case EncodingNone:
		return "NONE"
	case EncodingBase64:
		return "BASE64"
	case EncodingHex:
		return "HEX"
	}
	return fmt.Sprintf("ENCODING(%d)", int(e))
}

// ParseBinaryEncoding parses NONE, BASE64 or HEX, case-insensitively.
func ParseBinaryEncoding(s string) (BinaryEncoding, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "":
		return EncodingNone, nil
	case "BASE64":
		return EncodingBase64, nil
	case "HEX":
		return EncodingHex, nil
	}
	return EncodingNone, fmt.Errorf("unknown binary encoding %q (valid: NONE, BASE64, HEX)", s)
}
