package orchestrator

import (
	"context"
	"time"
)

// HealthCheckResult reports whether the target and ledger are usable.
type HealthCheckResult struct {
	Timestamp       string `json:"timestamp"`
	TargetDBType    string `json:"target_db_type"`
	TargetConnected bool   `json:"target_connected"`
	TargetLatencyMs int64  `json:"target_latency_ms"`
	TargetError     string `json:"target_error,omitempty"`
	LedgerEnabled   bool   `json:"ledger_enabled"`
	LedgerError     string `json:"ledger_error,omitempty"`
	Healthy         bool   `json:"healthy"`
}

// HealthCheck pings the target and reads the ledger.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp:    time.Now().Format(time.RFC3339),
		TargetDBType: o.target.Dialect().DBType(),
	}

	const checkTimeout = 30 * time.Second
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := o.target.DB().PingContext(pingCtx); err != nil {
		result.TargetError = err.Error()
	} else {
		result.TargetConnected = true
	}
	result.TargetLatencyMs = time.Since(start).Milliseconds()

	ledgerOK := true
	if o.ledger != nil {
		result.LedgerEnabled = true
		if _, err := o.ledger.GetRuns(1); err != nil {
			result.LedgerError = err.Error()
			ledgerOK = false
		}
	}

	result.Healthy = result.TargetConnected && ledgerOK
	return result, nil
}
