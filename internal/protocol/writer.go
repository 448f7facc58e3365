package protocol

import (
	"bufio"
	"io"
	"strings"
)

// Writer emits records in the format Reader parses. Non-NULL values are
// always quoted so the empty string survives a round trip.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter returns a Writer over w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

// Write emits one record.
func (w *Writer) Write(d Directive, fields ...Value) error {
	if _, err := w.bw.WriteString(d.String()); err != nil {
		return err
	}
	for _, f := range fields {
		if err := w.bw.WriteByte(','); err != nil {
			return err
		}
		if !f.Valid {
			continue
		}
		w.bw.WriteByte('"')
		w.bw.WriteString(escaper.Replace(f.S))
		if err := w.bw.WriteByte('"'); err != nil {
			return err
		}
	}
	return w.bw.WriteByte('\n')
}

// WriteStrings emits a record whose fields are all non-NULL text.
func (w *Writer) WriteStrings(d Directive, fields ...string) error {
	return w.Write(d, Texts(fields...)...)
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}
