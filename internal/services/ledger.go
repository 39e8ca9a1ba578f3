// Package services implements the financial cycle engine: the rotation
// scheduler, contribution ledger, penalty engine and cycle manager. Services
// hold no state of their own; every operation reads through the injected
// store and commits its writes as one atomic ledger update.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tontine/internal/core"
	"tontine/internal/storage"
)

// Ledger owns transaction creation and balance derivation. No other
// component writes transactions.
type Ledger struct {
	store storage.Store
}

func NewLedger(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// RecordContribution appends a contribution transaction for the paid amount.
// A shortfall against the cycle's contribution amount produces the penalty
// transaction in the same atomic commit, so the ledger is never observed
// with a shortfall but no penalty. Returns the created transaction IDs.
func (l *Ledger) RecordContribution(ctx context.Context, cycleID, memberID string, period int, paid core.Money, ts time.Time) ([]string, error) {
	cycle, err := l.store.Cycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.Closed {
		return nil, core.ErrCycleClosed
	}
	if period < 0 || period > cycle.Period {
		return nil, core.ErrFuturePeriod
	}
	if !cycle.IsParticipant(memberID) {
		return nil, core.ErrNotAParticipant
	}
	if err := paid.Validate(); err != nil {
		return nil, err
	}

	periodTxs, err := l.store.TransactionsByPeriod(ctx, cycleID, period)
	if err != nil {
		return nil, fmt.Errorf("load period transactions: %w", err)
	}
	alreadyPenalized := false
	for _, t := range periodTxs {
		if t.MemberID != memberID {
			continue
		}
		switch t.Kind {
		case core.Contribution:
			return nil, core.ErrDuplicateContribution
		case core.Penalty:
			alreadyPenalized = true
		}
	}

	shortfall := cycle.Contribution.Sub(paid)
	penalty := core.PenaltyFor(shortfall)
	if alreadyPenalized {
		// The period was assessed when it elapsed; a late payment settles
		// the dues but never re-penalizes.
		penalty = core.Money{}
	}

	txs := []core.Transaction{{
		MemberID:  memberID,
		CycleID:   cycleID,
		Period:    period,
		Amount:    paid,
		Kind:      core.Contribution,
		Penalty:   penalty,
		Timestamp: ts,
	}}
	if penalty.Cents > 0 {
		txs = append(txs, core.Transaction{
			MemberID:  memberID,
			CycleID:   cycleID,
			Period:    period,
			Amount:    penalty,
			Kind:      core.Penalty,
			Timestamp: ts,
		})
	}

	balance, err := l.projectedBalance(ctx, memberID, txs)
	if err != nil {
		return nil, err
	}

	ids, err := l.store.CommitLedger(ctx, storage.LedgerUpdate{
		Transactions: txs,
		Balances:     map[string]core.Money{memberID: balance},
	})
	if err != nil {
		return nil, fmt.Errorf("commit contribution: %w", err)
	}

	slog.InfoContext(ctx, "Contribution recorded",
		"cycle_id", cycleID,
		"member_id", memberID,
		"period", period,
		"amount_cents", paid.Cents,
		"penalty_cents", penalty.Cents,
		"transaction_ids", ids)
	return ids, nil
}

// RecordDistribution pays the pooled sum to the period's designated
// recipient. Exactly one distribution may exist per cycle period.
func (l *Ledger) RecordDistribution(ctx context.Context, cycleID string, period int, memberID string, amount core.Money, ts time.Time) (string, error) {
	cycle, err := l.store.Cycle(ctx, cycleID)
	if err != nil {
		return "", err
	}
	if cycle.Closed {
		return "", core.ErrCycleClosed
	}
	if period < 0 || period > cycle.Period {
		return "", core.ErrFuturePeriod
	}
	if amount.Cents <= 0 {
		return "", core.ErrInvalidAmount
	}
	recipient, ok := cycle.Recipient(period)
	if !ok || recipient != memberID {
		return "", core.ErrWrongRecipient
	}

	periodTxs, err := l.store.TransactionsByPeriod(ctx, cycleID, period)
	if err != nil {
		return "", fmt.Errorf("load period transactions: %w", err)
	}
	for _, t := range periodTxs {
		if t.Kind == core.Distribution {
			return "", core.ErrDuplicateDistribution
		}
	}

	txs := []core.Transaction{{
		MemberID:  memberID,
		CycleID:   cycleID,
		Period:    period,
		Amount:    amount,
		Kind:      core.Distribution,
		Timestamp: ts,
	}}

	balance, err := l.projectedBalance(ctx, memberID, txs)
	if err != nil {
		return "", err
	}

	ids, err := l.store.CommitLedger(ctx, storage.LedgerUpdate{
		Transactions: txs,
		Balances:     map[string]core.Money{memberID: balance},
	})
	if err != nil {
		return "", fmt.Errorf("commit distribution: %w", err)
	}

	slog.InfoContext(ctx, "Distribution recorded",
		"cycle_id", cycleID,
		"member_id", memberID,
		"period", period,
		"amount_cents", amount.Cents,
		"transaction_id", ids[0])
	return ids[0], nil
}

// BalanceOf recomputes the member's balance by folding the full transaction
// history. Pure read: two calls with no intervening writes return the same
// value.
func (l *Ledger) BalanceOf(ctx context.Context, memberID string) (core.Money, error) {
	return l.projectedBalance(ctx, memberID, nil)
}

// CachedBalanceOf returns the materialized balance maintained on every
// write. Members with no ledger activity have a zero balance.
func (l *Ledger) CachedBalanceOf(ctx context.Context, memberID string) (core.Money, error) {
	b, _, err := l.store.CachedBalance(ctx, memberID)
	return b, err
}

// CachedBalances returns every cached balance keyed by member.
func (l *Ledger) CachedBalances(ctx context.Context) (map[string]core.Money, error) {
	return l.store.CachedBalances(ctx)
}

// Reconcile recomputes the member's balance from history and compares it
// with the cache. A mismatch means the ledger is corrupt and is reported as
// an invariant breach, never repaired silently.
func (l *Ledger) Reconcile(ctx context.Context, memberID string) error {
	derived, err := l.BalanceOf(ctx, memberID)
	if err != nil {
		return err
	}
	cached, ok, err := l.store.CachedBalance(ctx, memberID)
	if err != nil {
		return err
	}
	if !ok {
		cached = core.Money{}
	}
	if cached.Cents != derived.Cents {
		return fmt.Errorf("%w: member %s cached %d derived %d",
			core.ErrBalanceDrift, memberID, cached.Cents, derived.Cents)
	}
	return nil
}

// HistoryByMember returns the member's transactions ordered by timestamp
// with the identifier as a stable tie-break.
func (l *Ledger) HistoryByMember(ctx context.Context, memberID string) ([]core.Transaction, error) {
	return l.store.TransactionsByMember(ctx, memberID)
}

// HistoryByCycle returns the cycle's transactions in the same order.
func (l *Ledger) HistoryByCycle(ctx context.Context, cycleID string) ([]core.Transaction, error) {
	return l.store.TransactionsByCycle(ctx, cycleID)
}

// projectedBalance derives the member's balance with pending (uncommitted)
// transactions included, so the cache written at commit time matches a
// recomputation performed afterwards.
func (l *Ledger) projectedBalance(ctx context.Context, memberID string, pending []core.Transaction) (core.Money, error) {
	cycles, err := l.store.Cycles(ctx)
	if err != nil {
		return core.Money{}, fmt.Errorf("load cycles: %w", err)
	}
	txs, err := l.store.TransactionsByMember(ctx, memberID)
	if err != nil {
		return core.Money{}, fmt.Errorf("load member transactions: %w", err)
	}
	txs = append(txs, pending...)
	return core.BalanceFrom(cycles, txs, memberID), nil
}
