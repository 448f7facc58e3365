package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/cdcload/internal/protocol"
)

// ProtocolError reports a record the loader cannot interpret. It is fatal
// to the current batch.
type ProtocolError struct {
	BatchID   string
	Line      int
	Directive string // discriminator as written
	Msg       string
}

func (e *ProtocolError) Error() string {
	batch := e.BatchID
	if batch == "" {
		batch = "-"
	}
	return fmt.Sprintf("protocol error in batch %s at line %d (%q): %s", batch, e.Line, e.Directive, e.Msg)
}

// ConsistencyError reports a mutation that found the target in a state it
// cannot reconcile: an update or delete that matched no row, or an insert
// that neither inserts nor updates.
type ConsistencyError struct {
	Table  string
	Op     protocol.Directive
	Keys   []string
	Values []protocol.Value
	Msg    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s on %s %s: %s", e.Op, e.Table, formatKeys(e.Keys, e.Values), e.Msg)
}

// RowError wraps a failure applying one record with its position and raw values.
type RowError struct {
	BatchID   string
	Line      int
	Table     string
	Directive protocol.Directive
	Values    []protocol.Value
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("batch %s line %d: %s %s %v: %v",
		e.BatchID, e.Line, e.Directive, e.Table, protocol.Strings(e.Values), e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ErrorLine returns the stream line an error refers to, or 0.
func ErrorLine(err error) int {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Line
	}
	var rerr *RowError
	if errors.As(err, &rerr) {
		return rerr.Line
	}
	return 0
}

func formatKeys(names []string, values []protocol.Value) string {
	parts := make([]string, 0, len(names))
	for i, n := range names {
		v := protocol.Null
		if i < len(values) {
			v = values[i]
		}
		parts = append(parts, n+"="+v.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
