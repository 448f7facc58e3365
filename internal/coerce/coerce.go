// Package coerce converts change-stream text values into native Go values
// according to the target column type.
package coerce

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/protocol"
	"github.com/shopspring/decimal"
)

// DefaultPlaceholder replaces blank values bound for required text columns.
const DefaultPlaceholder = " "

// Timestamp layouts, tried in order.
var (
	timestampLayouts = []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	timeLayouts = []string{
		"15:04:05.999999999",
		"15:04:05",
	}
)

// Error reports a value that cannot be converted to its column type.
type Error struct {
	Column string
	Type   driver.TypeCode
	Value  string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("column %s (%s): cannot convert %q: %v", e.Column, e.Type, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errNoLayout = errors.New("no matching date/time layout")

// Coercer converts values. The zero value uses DefaultPlaceholder and does
// not pad CHAR columns. It holds no mutable state.
type Coercer struct {
	// Placeholder substitutes NULL or empty values on NOT NULL text columns.
	Placeholder string
	// PadChar right-pads CHAR values with spaces to the declared size.
	PadChar bool
	// Location is used for timestamps without zone. Defaults to UTC.
	Location *time.Location
}

// Coerce converts v for col, decoding binary values with enc.
func (c *Coercer) Coerce(v protocol.Value, col driver.Column, enc protocol.BinaryEncoding) (any, error) {
	tc := col.TypeCode

	if tc.IsText() {
		if v.IsBlank() && col.IsRequired() {
			return c.placeholder(), nil
		}
		if v.IsNull() {
			return nil, nil
		}
		if c.PadChar && tc.IsFixedChar() {
			return padRight(v.S, col.Size()), nil
		}
		return v.S, nil
	}

	if v.IsNull() {
		return nil, nil
	}

	if tc.IsBinary() {
		b, err := Decode(v.S, enc)
		if err != nil {
			return nil, c.fail(col, v.S, err)
		}
		return b, nil
	}

	s := strings.TrimSpace(v.S)
	if s == "" {
		return nil, nil
	}

	switch {
	case tc.IsTemporal():
		t, err := c.parseTime(s, tc)
		if err != nil {
			return nil, c.fail(col, v.S, err)
		}
		return t, nil

	case tc.IsExactNumeric():
		d, err := decimal.NewFromString(normalizeDecimal(s))
		if err != nil {
			return nil, c.fail(col, v.S, err)
		}
		return d, nil

	case tc.IsApproxNumeric():
		f, err := strconv.ParseFloat(normalizeDecimal(s), 64)
		if err != nil {
			return nil, c.fail(col, v.S, err)
		}
		return f, nil

	case tc.IsInteger():
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil && tc == driver.TypeBit {
			if b, berr := strconv.ParseBool(s); berr == nil {
				if b {
					return int64(1), nil
				}
				return int64(0), nil
			}
		}
		if err != nil {
			return nil, c.fail(col, v.S, err)
		}
		return n, nil

	case tc == driver.TypeBoolean:
		return s == "1", nil
	}

	return v.S, nil
}

func (c *Coercer) placeholder() string {
	if c.Placeholder == "" {
		return DefaultPlaceholder
	}
	return c.Placeholder
}

func (c *Coercer) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c *Coercer) parseTime(s string, tc driver.TypeCode) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, c.location()); err == nil {
			return t, nil
		}
	}
	if tc == driver.TypeTime {
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, c.location()); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, errNoLayout
}

func (c *Coercer) fail(col driver.Column, raw string, err error) error {
	return &Error{Column: col.Name, Type: col.TypeCode, Value: raw, Err: err}
}

// normalizeDecimal accepts a comma as the decimal separator.
func normalizeDecimal(s string) string {
	return strings.Replace(s, ",", ".", 1)
}

func padRight(s string, size int) string {
	n := utf8.RuneCountInString(s)
	if size <= 0 || n >= size {
		return s
	}
	return s + strings.Repeat(" ", size-n)
}

// Decode turns a stream value into bytes according to enc.
func Decode(s string, enc protocol.BinaryEncoding) ([]byte, error) {
	switch enc {
	case protocol.EncodingBase64:
		return base64.StdEncoding.DecodeString(s)
	case protocol.EncodingHex:
		return hex.DecodeString(s)
	default:
		return []byte(s), nil
	}
}

// Encode is the inverse of Decode.
func Encode(b []byte, enc protocol.BinaryEncoding) string {
	switch enc {
	case protocol.EncodingBase64:
		return base64.StdEncoding.EncodeToString(b)
	case protocol.EncodingHex:
		return hex.EncodeToString(b)
	default:
		return string(b)
	}
}
