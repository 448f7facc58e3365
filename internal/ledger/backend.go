package ledger

import (
	"time"
)

// Batch status codes, as recorded for each incoming batch.
const (
	StatusLoading = "LD"
	StatusOK      = "OK"
	StatusError   = "ER"
	StatusSkipped = "SK"
)

// Run status codes.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Backend defines the interface for load history persistence.
type Backend interface {
	// Run management
	StartRun(source string) (string, error)
	CompleteRun(id, status, errorMsg string) error
	GetRun(id string) (*Run, error)
	GetRuns(limit int) ([]Run, error)

	// Incoming batch bookkeeping
	IsLoaded(nodeID, batchID string) (bool, error)
	BeginBatch(runID, nodeID, batchID string) error
	FinishBatch(nodeID, batchID string, stats BatchStats) error
	SkipBatch(runID, nodeID, batchID string) error
	FailBatch(nodeID, batchID string, line int, errMsg string) error
	GetBatch(nodeID, batchID string) (*Batch, error)
	GetBatches(limit int) ([]Batch, error)

	// Lifecycle
	Close() error
}

// Ensure Ledger implements Backend
var _ Backend = (*Ledger)(nil)

// Run is one invocation of the loader over one or more streams.
type Run struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Batch is the recorded outcome of one incoming batch.
type Batch struct {
	NodeID     string     `json:"node_id"`
	BatchID    string     `json:"batch_id"`
	RunID      string     `json:"run_id"`
	Status     string     `json:"status"`
	Statements int64      `json:"statements"`
	Rows       int64      `json:"rows"`
	Bytes      int64      `json:"bytes"`
	FailedLine int        `json:"failed_line,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BatchStats are the counters stored when a batch commits.
type BatchStats struct {
	Statements int64
	Rows       int64
	Bytes      int64
}
