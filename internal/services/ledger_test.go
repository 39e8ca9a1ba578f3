package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"tontine/internal/core"
	"tontine/internal/storage"
	"tontine/internal/storage/memory"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newLedgerFixture seeds a store with three members and an open cycle of
// 100.00 per period. The rotation is fixed so recipient assertions hold.
func newLedgerFixture(t *testing.T) (*Ledger, *memory.Store, core.Cycle) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	for i := 1; i <= 3; i++ {
		member := core.Member{
			ID:        core.MemberID(i),
			FirstName: "Member",
			LastName:  core.MemberID(i),
			Email:     core.MemberID(i) + "@example.com",
			Phone:     "+221771234567",
			Active:    true,
			JoinedAt:  testTime,
		}
		if err := store.SaveMember(ctx, member); err != nil {
			t.Fatalf("SaveMember() error = %v", err)
		}
	}

	cycle := core.Cycle{
		ID:           "C001",
		Contribution: core.Money{Cents: 10000},
		Duration:     3,
		StartDate:    core.NewDate(2025, 6, 1),
		Participants: []string{"M001", "M002", "M003"},
		Rotation:     []string{"M002", "M003", "M001"},
		CreatedAt:    testTime,
	}
	if _, err := store.CommitLedger(ctx, storage.LedgerUpdate{Cycle: &cycle}); err != nil {
		t.Fatalf("CommitLedger() error = %v", err)
	}

	return NewLedger(store), store, cycle
}

func TestLedger_RecordContribution(t *testing.T) {
	ctx := context.Background()

	t.Run("full payment", func(t *testing.T) {
		ledger, store, _ := newLedgerFixture(t)

		ids, err := ledger.RecordContribution(ctx, "C001", "M001", 0, core.Money{Cents: 10000}, testTime)
		if err != nil {
			t.Fatalf("RecordContribution() error = %v", err)
		}
		if len(ids) != 1 || ids[0] != "T0001" {
			t.Errorf("RecordContribution() ids = %v, want [T0001]", ids)
		}

		balance, ok, err := store.CachedBalance(ctx, "M001")
		if err != nil || !ok {
			t.Fatalf("CachedBalance() = ok %v, err %v", ok, err)
		}
		if balance.Cents != 0 {
			t.Errorf("cached balance = %d cents, want 0", balance.Cents)
		}
	})

	t.Run("partial payment commits the penalty atomically", func(t *testing.T) {
		ledger, store, _ := newLedgerFixture(t)

		ids, err := ledger.RecordContribution(ctx, "C001", "M002", 0, core.Money{Cents: 4000}, testTime)
		if err != nil {
			t.Fatalf("RecordContribution() error = %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("RecordContribution() ids = %v, want contribution and penalty", ids)
		}

		txs, err := store.TransactionsByMember(ctx, "M002")
		if err != nil {
			t.Fatalf("TransactionsByMember() error = %v", err)
		}
		if len(txs) != 2 {
			t.Fatalf("got %d transactions, want 2", len(txs))
		}
		if txs[0].Kind != core.Contribution || txs[0].Amount.Cents != 4000 || txs[0].Penalty.Cents != 600 {
			t.Errorf("contribution = %+v, want amount 4000 with penalty 600", txs[0])
		}
		if txs[1].Kind != core.Penalty || txs[1].Amount.Cents != 600 {
			t.Errorf("penalty = %+v, want amount 600", txs[1])
		}

		balance, _, err := store.CachedBalance(ctx, "M002")
		if err != nil {
			t.Fatalf("CachedBalance() error = %v", err)
		}
		if balance.Cents != -6600 {
			t.Errorf("cached balance = %d cents, want -6600", balance.Cents)
		}
	})

	t.Run("zero payment records the full penalty", func(t *testing.T) {
		ledger, _, _ := newLedgerFixture(t)

		ids, err := ledger.RecordContribution(ctx, "C001", "M003", 0, core.Money{}, testTime)
		if err != nil {
			t.Fatalf("RecordContribution() error = %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("RecordContribution() ids = %v, want contribution and penalty", ids)
		}
		balance, err := ledger.BalanceOf(ctx, "M003")
		if err != nil {
			t.Fatalf("BalanceOf() error = %v", err)
		}
		if balance.Cents != -11000 {
			t.Errorf("balance = %d cents, want -11000", balance.Cents)
		}
	})

	t.Run("late payment after assessment settles without a second penalty", func(t *testing.T) {
		ledger, store, _ := newLedgerFixture(t)

		// The period was assessed while M001 had paid nothing.
		penalty := core.Transaction{
			MemberID:  "M001",
			CycleID:   "C001",
			Period:    0,
			Amount:    core.Money{Cents: 1000},
			Kind:      core.Penalty,
			Timestamp: testTime,
		}
		if _, err := store.CommitLedger(ctx, storage.LedgerUpdate{
			Transactions: []core.Transaction{penalty},
			Balances:     map[string]core.Money{"M001": {Cents: -11000}},
		}); err != nil {
			t.Fatalf("CommitLedger() error = %v", err)
		}

		ids, err := ledger.RecordContribution(ctx, "C001", "M001", 0, core.Money{Cents: 10000}, testTime.Add(time.Hour))
		if err != nil {
			t.Fatalf("RecordContribution() error = %v", err)
		}
		if len(ids) != 1 {
			t.Fatalf("RecordContribution() ids = %v, want a single transaction", ids)
		}

		balance, _, err := store.CachedBalance(ctx, "M001")
		if err != nil {
			t.Fatalf("CachedBalance() error = %v", err)
		}
		if balance.Cents != -1000 {
			t.Errorf("cached balance = %d cents, want -1000", balance.Cents)
		}
	})

	t.Run("validation", func(t *testing.T) {
		ledger, store, cycle := newLedgerFixture(t)
		if _, err := ledger.RecordContribution(ctx, "C001", "M001", 0, core.Money{Cents: 10000}, testTime); err != nil {
			t.Fatalf("RecordContribution() error = %v", err)
		}

		closed := cycle
		closed.Closed = true
		if _, err := store.CommitLedger(ctx, storage.LedgerUpdate{Cycle: &closed}); err != nil {
			t.Fatalf("CommitLedger() error = %v", err)
		}

		tests := []struct {
			name     string
			cycleID  string
			memberID string
			period   int
			paid     core.Money
			wantErr  error
		}{
			{"unknown cycle", "C099", "M001", 0, core.Money{Cents: 10000}, core.ErrUnknownCycle},
			{"closed cycle", "C001", "M002", 0, core.Money{Cents: 10000}, core.ErrCycleClosed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ledger.RecordContribution(ctx, tt.cycleID, tt.memberID, tt.period, tt.paid, testTime)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RecordContribution() error = %v, want %v", err, tt.wantErr)
				}
			})
		}

		// Reopen for the remaining cases.
		if _, err := store.CommitLedger(ctx, storage.LedgerUpdate{Cycle: &cycle}); err != nil {
			t.Fatalf("CommitLedger() error = %v", err)
		}

		tests = []struct {
			name     string
			cycleID  string
			memberID string
			period   int
			paid     core.Money
			wantErr  error
		}{
			{"future period", "C001", "M001", 1, core.Money{Cents: 10000}, core.ErrFuturePeriod},
			{"negative period", "C001", "M001", -1, core.Money{Cents: 10000}, core.ErrFuturePeriod},
			{"not a participant", "C001", "M099", 0, core.Money{Cents: 10000}, core.ErrNotAParticipant},
			{"negative amount", "C001", "M002", 0, core.Money{Cents: -1}, core.ErrInvalidAmount},
			{"duplicate contribution", "C001", "M001", 0, core.Money{Cents: 10000}, core.ErrDuplicateContribution},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ledger.RecordContribution(ctx, tt.cycleID, tt.memberID, tt.period, tt.paid, testTime)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RecordContribution() error = %v, want %v", err, tt.wantErr)
				}
			})
		}
	})
}

func TestLedger_RecordDistribution(t *testing.T) {
	ctx := context.Background()

	t.Run("pays the period recipient", func(t *testing.T) {
		ledger, store, _ := newLedgerFixture(t)

		id, err := ledger.RecordDistribution(ctx, "C001", 0, "M002", core.Money{Cents: 30000}, testTime)
		if err != nil {
			t.Fatalf("RecordDistribution() error = %v", err)
		}
		if id != "T0001" {
			t.Errorf("RecordDistribution() id = %q, want T0001", id)
		}

		balance, _, err := store.CachedBalance(ctx, "M002")
		if err != nil {
			t.Fatalf("CachedBalance() error = %v", err)
		}
		if balance.Cents != 20000 {
			t.Errorf("cached balance = %d cents, want 20000", balance.Cents)
		}
	})

	t.Run("validation", func(t *testing.T) {
		ledger, _, _ := newLedgerFixture(t)
		if _, err := ledger.RecordDistribution(ctx, "C001", 0, "M002", core.Money{Cents: 30000}, testTime); err != nil {
			t.Fatalf("RecordDistribution() error = %v", err)
		}

		tests := []struct {
			name     string
			cycleID  string
			period   int
			memberID string
			amount   core.Money
			wantErr  error
		}{
			{"unknown cycle", "C099", 0, "M002", core.Money{Cents: 30000}, core.ErrUnknownCycle},
			{"future period", "C001", 1, "M003", core.Money{Cents: 30000}, core.ErrFuturePeriod},
			{"zero amount", "C001", 0, "M002", core.Money{}, core.ErrInvalidAmount},
			{"wrong recipient", "C001", 0, "M001", core.Money{Cents: 30000}, core.ErrWrongRecipient},
			{"duplicate distribution", "C001", 0, "M002", core.Money{Cents: 30000}, core.ErrDuplicateDistribution},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ledger.RecordDistribution(ctx, tt.cycleID, tt.period, tt.memberID, tt.amount, testTime)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RecordDistribution() error = %v, want %v", err, tt.wantErr)
				}
			})
		}
	})
}

func TestLedger_Balances(t *testing.T) {
	ctx := context.Background()
	ledger, store, _ := newLedgerFixture(t)

	if _, err := ledger.RecordContribution(ctx, "C001", "M002", 0, core.Money{Cents: 4000}, testTime); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}

	derived, err := ledger.BalanceOf(ctx, "M002")
	if err != nil {
		t.Fatalf("BalanceOf() error = %v", err)
	}
	cached, err := ledger.CachedBalanceOf(ctx, "M002")
	if err != nil {
		t.Fatalf("CachedBalanceOf() error = %v", err)
	}
	if derived.Cents != cached.Cents {
		t.Errorf("derived %d != cached %d", derived.Cents, cached.Cents)
	}
	if derived.Cents != -6600 {
		t.Errorf("balance = %d cents, want -6600", derived.Cents)
	}

	all, err := ledger.CachedBalances(ctx)
	if err != nil {
		t.Fatalf("CachedBalances() error = %v", err)
	}
	if got := all["M002"]; got.Cents != -6600 {
		t.Errorf("CachedBalances()[M002] = %d cents, want -6600", got.Cents)
	}

	t.Run("reconcile accepts a consistent cache", func(t *testing.T) {
		if err := ledger.Reconcile(ctx, "M002"); err != nil {
			t.Errorf("Reconcile() error = %v", err)
		}
	})

	t.Run("reconcile reports drift", func(t *testing.T) {
		if _, err := store.CommitLedger(ctx, storage.LedgerUpdate{
			Balances: map[string]core.Money{"M002": {Cents: 12345}},
		}); err != nil {
			t.Fatalf("CommitLedger() error = %v", err)
		}
		err := ledger.Reconcile(ctx, "M002")
		if !errors.Is(err, core.ErrBalanceDrift) {
			t.Errorf("Reconcile() error = %v, want %v", err, core.ErrBalanceDrift)
		}
	})
}

func TestLedger_History(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newLedgerFixture(t)

	if _, err := ledger.RecordContribution(ctx, "C001", "M001", 0, core.Money{Cents: 10000}, testTime); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}
	if _, err := ledger.RecordContribution(ctx, "C001", "M002", 0, core.Money{Cents: 4000}, testTime.Add(time.Minute)); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}

	byMember, err := ledger.HistoryByMember(ctx, "M001")
	if err != nil {
		t.Fatalf("HistoryByMember() error = %v", err)
	}
	if len(byMember) != 1 || byMember[0].MemberID != "M001" {
		t.Errorf("HistoryByMember() = %+v, want one M001 transaction", byMember)
	}

	byCycle, err := ledger.HistoryByCycle(ctx, "C001")
	if err != nil {
		t.Fatalf("HistoryByCycle() error = %v", err)
	}
	if len(byCycle) != 3 {
		t.Fatalf("HistoryByCycle() = %d transactions, want 3", len(byCycle))
	}
	for i := 1; i < len(byCycle); i++ {
		if byCycle[i].Timestamp.Before(byCycle[i-1].Timestamp) {
			t.Errorf("transactions out of order at %d: %+v", i, byCycle)
		}
	}
}
