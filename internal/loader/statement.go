package loader

import (
	"strings"

	"github.com/johndauphine/cdcload/internal/driver"
)

type dmlKind int

const (
	insertDML dmlKind = iota
	updateDML
	deleteDML
)

func (k dmlKind) String() string {
	switch k {
	case insertDML:
		return "insert"
	case updateDML:
		return "update"
	case deleteDML:
		return "delete"
	}
	return "unknown"
}

// shape identifies one statement text: the SET/VALUES columns and the key
// columns, with NULL keys compared using IS NULL.
type shape struct {
	kind     dmlKind
	set      []string
	where    []string
	nullKeys []bool
}

func (s shape) signature() string {
	var sb strings.Builder
	sb.WriteString(s.kind.String())
	sb.WriteByte('|')
	sb.WriteString(strings.Join(s.set, "\x00"))
	sb.WriteByte('|')
	for i, k := range s.where {
		if i > 0 {
			sb.WriteByte(0)
		}
		sb.WriteString(k)
		if s.nullKeys != nil && s.nullKeys[i] {
			sb.WriteString("\x01null")
		}
	}
	return sb.String()
}

// statement returns cached text for s, building it on first use.
func (t *TableTarget) statement(d driver.Dialect, s shape) string {
	sig := s.signature()
	if text, ok := t.statements.Get(sig); ok {
		return text
	}
	text := buildStatement(d, t.QualifiedName, s)
	t.statements.Add(sig, text)
	return text
}

func buildStatement(d driver.Dialect, table string, s shape) string {
	var sb strings.Builder
	param := 0
	next := func() string {
		param++
		return d.ParameterPlaceholder(param)
	}

	switch s.kind {
	case insertDML:
		sb.WriteString("INSERT INTO ")
		sb.WriteString(table)
		sb.WriteString(" (")
		for i, c := range s.set {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.QuoteIdentifier(c))
		}
		sb.WriteString(") VALUES (")
		for i := range s.set {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(next())
		}
		sb.WriteString(")")
		return sb.String()

	case updateDML:
		sb.WriteString("UPDATE ")
		sb.WriteString(table)
		sb.WriteString(" SET ")
		for i, c := range s.set {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.QuoteIdentifier(c))
			sb.WriteString(" = ")
			sb.WriteString(next())
		}

	case deleteDML:
		sb.WriteString("DELETE FROM ")
		sb.WriteString(table)
	}

	sb.WriteString(" WHERE ")
	for i, k := range s.where {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(d.QuoteIdentifier(k))
		if s.nullKeys != nil && s.nullKeys[i] {
			sb.WriteString(" IS NULL")
			continue
		}
		sb.WriteString(" = ")
		sb.WriteString(next())
	}
	return sb.String()
}
