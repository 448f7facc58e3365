package loader

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics counts what one batch did. Counters reset at each batch directive.
type Statistics struct {
	Lines            int64
	Bytes            int64
	Statements       int64
	Inserts          int64
	Updates          int64
	Deletes          int64
	FallbackInserts  int64
	FallbackUpdates  int64
	MissingDeletes   int64
	UnchangedUpdates int64
	IgnoredRows      int64
	FilteredRows     int64

	// FilterTime is time spent in data and column filters.
	FilterTime time.Duration

	// DatabaseTime is time spent executing statements on the target.
	DatabaseTime time.Duration
}

// Reset zeroes all counters.
func (s *Statistics) Reset() {
	*s = Statistics{}
}

// Rows returns the number of rows changed on the target.
func (s *Statistics) Rows() int64 {
	return s.Inserts + s.Updates + s.Deletes + s.FallbackInserts + s.FallbackUpdates
}

// Add accumulates o into s.
func (s *Statistics) Add(o Statistics) {
	s.Lines += o.Lines
	s.Bytes += o.Bytes
	s.Statements += o.Statements
	s.Inserts += o.Inserts
	s.Updates += o.Updates
	s.Deletes += o.Deletes
	s.FallbackInserts += o.FallbackInserts
	s.FallbackUpdates += o.FallbackUpdates
	s.MissingDeletes += o.MissingDeletes
	s.UnchangedUpdates += o.UnchangedUpdates
	s.IgnoredRows += o.IgnoredRows
	s.FilteredRows += o.FilteredRows
	s.FilterTime += o.FilterTime
	s.DatabaseTime += o.DatabaseTime
}

// String returns a formatted summary of the stats.
func (s *Statistics) String() string {
	return fmt.Sprintf("lines=%d bytes=%s statements=%d ins=%d upd=%d del=%d "+
		"fallback(ins=%d upd=%d) missing_del=%d unchanged=%d ignored=%d filtered=%d db=%.2fs filter=%.2fs",
		s.Lines, humanize.Bytes(uint64(s.Bytes)), s.Statements,
		s.Inserts, s.Updates, s.Deletes,
		s.FallbackInserts, s.FallbackUpdates, s.MissingDeletes,
		s.UnchangedUpdates, s.IgnoredRows, s.FilteredRows,
		s.DatabaseTime.Seconds(), s.FilterTime.Seconds())
}
