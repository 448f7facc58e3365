// Package progress renders a byte-based progress bar over the change
// streams being loaded.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Tracker counts stream bytes and batches. All methods are safe for
// concurrent use once SetTotal has been called.
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   atomic.Int64
	loaded    atomic.Int64
	skipped   atomic.Int64
	startTime time.Time
}

// New creates a tracker writing to stderr.
func New() *Tracker {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a tracker writing to w.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{
		out:       w,
		startTime: time.Now(),
	}
}

// SetTotal sets the number of bytes to read across all streams. A negative
// total (stdin) shows a spinner instead of a bar.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(t.description()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add records n bytes read.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// BatchDone records a committed batch, or a skipped one.
func (t *Tracker) BatchDone(skipped bool) {
	if skipped {
		t.skipped.Add(1)
	} else {
		t.loaded.Add(1)
	}
	if t.bar != nil {
		t.bar.Describe(t.description())
	}
}

func (t *Tracker) description() string {
	return fmt.Sprintf("Loading [%d batches, %d skipped]", t.loaded.Load(), t.skipped.Load())
}

// Current returns the bytes read so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Batches returns the loaded and skipped batch counts.
func (t *Tracker) Batches() (loaded, skipped int64) {
	return t.loaded.Load(), t.skipped.Load()
}

// Finish completes the bar and prints a throughput summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	n := t.current.Load()
	perSec := uint64(0)
	if s := elapsed.Seconds(); s > 0 {
		perSec = uint64(float64(n) / s)
	}

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Read %s in %s (%s/sec), %d batches loaded, %d skipped\n",
		humanize.Bytes(uint64(n)), elapsed.Round(time.Second), humanize.Bytes(perSec),
		t.loaded.Load(), t.skipped.Load())
}
