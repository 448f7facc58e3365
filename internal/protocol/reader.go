package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnterminatedQuote is returned when the stream ends inside a quoted field.
var ErrUnterminatedQuote = errors.New("unterminated quoted field")

// Record is one parsed line of the stream.
type Record struct {
	Directive Directive
	Token     string  // discriminator as written
	Fields    []Value // fields after the discriminator
	Line      int     // 1-based line the record starts on
	Bytes     int     // raw bytes consumed, including skipped blank lines
}

// Field returns field i, or NULL when the record is shorter.
func (r Record) Field(i int) Value {
	if i < 0 || i >= len(r.Fields) {
		return Null
	}
	return r.Fields[i]
}

// Reader yields records from a change stream. Records may have any number
// of fields. It is not safe for concurrent use.
type Reader struct {
	br    *bufio.Reader
	line  int
	bytes int64
	buf   []byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int { return r.line }

// BytesRead returns the number of bytes consumed so far.
func (r *Reader) BytesRead() int64 { return r.bytes }

// Read returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Read() (Record, error) {
	var consumed int
	for {
		start := r.line + 1
		fields, n, err := r.readFields()
		consumed += n
		if err != nil {
			if errors.Is(err, ErrUnterminatedQuote) {
				return Record{}, fmt.Errorf("line %d: %w", start, err)
			}
			return Record{}, err
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0].S) == "" {
			// blank or whitespace-only line
			continue
		}
		rec := Record{
			Token: strings.TrimSpace(fields[0].S),
			Line:  start,
			Bytes: consumed,
		}
		rec.Directive, _ = ParseDirective(rec.Token)
		rec.Fields = fields[1:]
		return rec, nil
	}
}

// readFields parses one logical record, which spans several physical lines
// when a quoted field contains newlines.
func (r *Reader) readFields() ([]Value, int, error) {
	var (
		fields   []Value
		n        int
		quoted   bool
		inQuotes bool
		started  bool
	)
	r.buf = r.buf[:0]

	endField := func() {
		fields = append(fields, Value{S: string(r.buf), Valid: quoted || len(r.buf) > 0})
		r.buf = r.buf[:0]
		quoted = false
	}

	for {
		b, err := r.br.ReadByte()
		if err == io.EOF {
			if inQuotes {
				return nil, n, ErrUnterminatedQuote
			}
			if !started {
				return nil, n, io.EOF
			}
			r.line++
			endField()
			return fields, n, nil
		}
		if err != nil {
			return nil, n, err
		}
		n++
		r.bytes++
		started = true

		if inQuotes {
			switch b {
			case '\\':
				if err := r.escape(&n); err != nil {
					return nil, n, err
				}
			case '"':
				if next, err := r.br.Peek(1); err == nil && next[0] == '"' {
					r.br.ReadByte()
					n++
					r.bytes++
					r.buf = append(r.buf, '"')
				} else {
					inQuotes = false
				}
			case '\n':
				r.line++
				r.buf = append(r.buf, b)
			default:
				r.buf = append(r.buf, b)
			}
			continue
		}

		switch b {
		case '\\':
			if err := r.escape(&n); err != nil {
				return nil, n, err
			}
		case '"':
			if len(r.buf) == 0 && !quoted {
				quoted = true
				inQuotes = true
			} else {
				r.buf = append(r.buf, b)
			}
		case ',':
			endField()
		case '\r':
			if next, err := r.br.Peek(1); err == nil && next[0] == '\n' {
				r.br.ReadByte()
				n++
				r.bytes++
			}
			r.line++
			endField()
			return fields, n, nil
		case '\n':
			r.line++
			endField()
			return fields, n, nil
		default:
			r.buf = append(r.buf, b)
		}
	}
}

// escape consumes the byte after a backslash. A trailing backslash at the end
// of the stream is kept literally.
func (r *Reader) escape(n *int) error {
	b, err := r.br.ReadByte()
	if err == io.EOF {
		r.buf = append(r.buf, '\\')
		return nil
	}
	if err != nil {
		return err
	}
	*n++
	r.bytes++
	switch b {
	case 'n':
		r.buf = append(r.buf, '\n')
	case 'r':
		r.buf = append(r.buf, '\r')
	case 't':
		r.buf = append(r.buf, '\t')
	case '0':
		r.buf = append(r.buf, 0)
	case '\n':
		r.line++
		r.buf = append(r.buf, b)
	default:
		r.buf = append(r.buf, b)
	}
	return nil
}
