package storage

import (
	"context"

	"tontine/internal/core"
)

// Store is the ledger store consumed by the engine services. Implementations
// must apply CommitLedger as a single atomic unit so the balance cache can
// never be observed out of step with the transaction log. Tests inject the
// memory implementation; production uses SQLite.
type Store interface {
	// Members
	Member(ctx context.Context, id string) (core.Member, error)
	Members(ctx context.Context) ([]core.Member, error)
	SaveMember(ctx context.Context, m core.Member) error
	NextMemberID(ctx context.Context) (string, error)

	// Cycles
	Cycle(ctx context.Context, id string) (core.Cycle, error)
	Cycles(ctx context.Context) ([]core.Cycle, error)
	OpenCycle(ctx context.Context) (core.Cycle, error)
	NextCycleID(ctx context.Context) (string, error)

	// Transactions, ordered by timestamp then identifier.
	Transactions(ctx context.Context) ([]core.Transaction, error)
	TransactionsByMember(ctx context.Context, memberID string) ([]core.Transaction, error)
	TransactionsByCycle(ctx context.Context, cycleID string) ([]core.Transaction, error)
	TransactionsByPeriod(ctx context.Context, cycleID string, period int) ([]core.Transaction, error)

	// Balance cache
	CachedBalance(ctx context.Context, memberID string) (core.Money, bool, error)
	CachedBalances(ctx context.Context) (map[string]core.Money, error)

	// CommitLedger atomically applies a ledger mutation: it assigns sequential
	// identifiers to the new transactions, appends them, upserts the balance
	// cache rows and, when Cycle is set, inserts or updates the cycle state.
	// The assigned transaction identifiers are returned in input order.
	CommitLedger(ctx context.Context, u LedgerUpdate) ([]string, error)
}

// LedgerUpdate is the unit of work produced by one engine operation. Either
// all of it commits or none of it does.
type LedgerUpdate struct {
	Cycle        *core.Cycle
	Transactions []core.Transaction
	Balances     map[string]core.Money
}
