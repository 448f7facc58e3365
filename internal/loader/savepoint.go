package loader

import (
	"context"
	"fmt"

	"github.com/johndauphine/cdcload/internal/driver"
)

// Savepoint is a local rollback boundary inside the batch transaction.
type Savepoint struct {
	name string
}

// savepoints issues savepoint statements through the batch transaction.
// Names are unique per loader instance.
type savepoints struct {
	tx      Tx
	dialect driver.Dialect
	seq     *int
}

func (p savepoints) create(ctx context.Context) (*Savepoint, error) {
	*p.seq++
	sp := &Savepoint{name: fmt.Sprintf("cdcload_sp%d", *p.seq)}
	if _, err := p.tx.ExecContext(ctx, p.dialect.SavepointSQL(sp.name)); err != nil {
		return nil, fmt.Errorf("creating savepoint: %w", err)
	}
	return sp, nil
}

func (p savepoints) rollbackTo(ctx context.Context, sp *Savepoint) error {
	if sp == nil {
		return nil
	}
	if _, err := p.tx.ExecContext(ctx, p.dialect.RollbackToSavepointSQL(sp.name)); err != nil {
		return fmt.Errorf("rolling back to savepoint: %w", err)
	}
	return nil
}

func (p savepoints) release(ctx context.Context, sp *Savepoint) error {
	if sp == nil {
		return nil
	}
	stmt := p.dialect.ReleaseSavepointSQL(sp.name)
	if stmt == "" {
		return nil
	}
	if _, err := p.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("releasing savepoint: %w", err)
	}
	return nil
}
