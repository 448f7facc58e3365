package protocol

// Value is one field of a record. An unquoted empty field is NULL; a quoted
// empty field ("") is the empty string.
type Value struct {
	S     string
	Valid bool
}

// Null is the NULL value.
var Null = Value{}

// Text returns a non-NULL value.
func Text(s string) Value {
	return Value{S: s, Valid: true}
}

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool {
	return !v.Valid
}

// IsBlank reports whether v is NULL or the empty string.
func (v Value) IsBlank() bool {
	return !v.Valid || v.S == ""
}

// Equal compares two values, NULL equal only to NULL.
func (v Value) Equal(o Value) bool {
	return v.Valid == o.Valid && v.S == o.S
}

func (v Value) String() string {
	if !v.Valid {
		return "<null>"
	}
	return v.S
}

// Texts converts plain strings to values, mapping none of them to NULL.
func Texts(ss ...string) []Value {
	out := make([]Value, len(ss))
	for i, s := range ss {
		out[i] = Text(s)
	}
	return out
}

// Strings returns the raw strings of vals; NULLs become "".
func Strings(vals []Value) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.S
	}
	return out
}
