package orchestrator

import (
	"fmt"
	"io"

	"github.com/johndauphine/cdcload/internal/progress"
	"golang.org/x/text/encoding/htmlindex"
)

// decodeStream converts a stream written in charset to UTF-8.
func decodeStream(r io.Reader, charset string) (io.Reader, error) {
	if charset == "" {
		return r, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("stream charset %q: %w", charset, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return r, nil
	}
	return enc.NewDecoder().Reader(r), nil
}

// countingReader reports bytes read to the progress tracker.
type countingReader struct {
	r       io.Reader
	tracker *progress.Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.Add(int64(n))
	}
	return n, err
}

// readCloser pairs a decoded reader with the source it must close.
type readCloser struct {
	io.Reader
	io.Closer
}
