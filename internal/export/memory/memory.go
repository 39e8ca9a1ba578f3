package memory

import (
	"context"
	"fmt"
	"sync"

	"tontine/internal/export"
)

// Appender is an in-memory export sink used in tests and local development.
type Appender struct {
	mu   sync.Mutex
	rows []export.Row

	// FailWith forces every append to fail when set.
	FailWith error
}

var _ export.RowAppender = (*Appender)(nil)

func NewAppender() *Appender {
	return &Appender{}
}

func (a *Appender) AppendRow(_ context.Context, row export.Row) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWith != nil {
		return "", a.FailWith
	}
	a.rows = append(a.rows, row)
	return fmt.Sprintf("memory!A%d", len(a.rows)), nil
}

// Rows returns a copy of the appended rows.
func (a *Appender) Rows() []export.Row {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]export.Row, len(a.rows))
	copy(out, a.rows)
	return out
}
