package export

import (
	"context"
	"time"
)

// Row is a denormalized ledger transaction ready for an external sink.
type Row struct {
	TransactionID string
	MemberID      string
	MemberName    string
	CycleID       string
	Period        int
	Kind          string
	AmountCents   int64
	PenaltyCents  int64
	Timestamp     time.Time
}

// RowAppender appends ledger rows to an external sink, returning a
// sink-specific reference for the written row.
type RowAppender interface {
	AppendRow(ctx context.Context, row Row) (rowRef string, err error)
}
