package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tontine/internal/core"
	"tontine/internal/storage"
)

// CycleManager orchestrates the cycle lifecycle: OPEN at creation, period
// advancement with penalty assessment, and CLOSED either automatically
// after the final period or by explicit termination.
type CycleManager struct {
	store     storage.Store
	scheduler *RotationScheduler
	penalties PenaltyEngine
}

func NewCycleManager(store storage.Store, scheduler *RotationScheduler) *CycleManager {
	return &CycleManager{store: store, scheduler: scheduler}
}

// Create opens a new cycle with a randomized rotation order. It requires at
// least two active, existing members and refuses to start while another
// cycle is in progress. Every participant accrues dues for period 0 as soon
// as the cycle opens, so their balance cache is written in the same commit.
func (m *CycleManager) Create(ctx context.Context, amount core.Money, duration int, start core.Date, participantIDs []string) (core.Cycle, error) {
	if amount.Cents <= 0 {
		return core.Cycle{}, core.ErrInvalidAmount
	}
	if duration <= 0 {
		return core.Cycle{}, core.ErrInvalidDuration
	}

	if _, err := m.store.OpenCycle(ctx); err == nil {
		return core.Cycle{}, core.ErrCycleInProgress
	} else if !errors.Is(err, core.ErrNoOpenCycle) {
		return core.Cycle{}, err
	}

	for _, id := range participantIDs {
		member, err := m.store.Member(ctx, id)
		if err != nil {
			return core.Cycle{}, fmt.Errorf("participant %s: %w", id, err)
		}
		if !member.Active {
			return core.Cycle{}, fmt.Errorf("participant %s: %w", id, core.ErrInactiveMember)
		}
	}

	rotation, err := m.scheduler.Order(participantIDs)
	if err != nil {
		return core.Cycle{}, err
	}

	id, err := m.store.NextCycleID(ctx)
	if err != nil {
		return core.Cycle{}, err
	}

	cycle := core.Cycle{
		ID:           id,
		Contribution: amount,
		Duration:     duration,
		StartDate:    start,
		Participants: append([]string(nil), participantIDs...),
		Rotation:     rotation,
		Period:       0,
		CreatedAt:    time.Now().UTC(),
	}
	if err := cycle.Validate(); err != nil {
		return core.Cycle{}, err
	}

	balances, err := m.participantBalances(ctx, cycle, nil)
	if err != nil {
		return core.Cycle{}, err
	}

	if _, err := m.store.CommitLedger(ctx, storage.LedgerUpdate{
		Cycle:    &cycle,
		Balances: balances,
	}); err != nil {
		return core.Cycle{}, fmt.Errorf("commit cycle: %w", err)
	}

	slog.InfoContext(ctx, "Cycle created",
		"cycle_id", cycle.ID,
		"contribution_cents", amount.Cents,
		"duration", duration,
		"participants", len(participantIDs))
	return cycle, nil
}

// AdvancePeriod closes out the current period: every participant lacking a
// full contribution is assessed by the penalty engine, the period counter
// increments, and the cycle auto-closes after its final period. Penalty
// transactions, balance updates and the cycle state commit atomically.
func (m *CycleManager) AdvancePeriod(ctx context.Context, cycleID string, now time.Time) (core.Cycle, []Assessment, error) {
	cycle, err := m.store.Cycle(ctx, cycleID)
	if err != nil {
		return core.Cycle{}, nil, err
	}
	if cycle.Closed {
		return core.Cycle{}, nil, core.ErrCycleClosed
	}

	elapsed := cycle.Period
	periodTxs, err := m.store.TransactionsByPeriod(ctx, cycleID, elapsed)
	if err != nil {
		return core.Cycle{}, nil, fmt.Errorf("load period transactions: %w", err)
	}

	assessments := m.penalties.Assess(cycle, elapsed, periodTxs)
	var txs []core.Transaction
	for _, a := range assessments {
		if a.Penalty.Cents <= 0 {
			continue
		}
		txs = append(txs, core.Transaction{
			MemberID:  a.MemberID,
			CycleID:   cycleID,
			Period:    elapsed,
			Amount:    a.Penalty,
			Kind:      core.Penalty,
			Timestamp: now,
		})
	}

	cycle.Period++
	if cycle.Period >= cycle.Duration {
		cycle.Period = cycle.Duration
		cycle.Closed = true
	}

	balances, err := m.participantBalances(ctx, cycle, txs)
	if err != nil {
		return core.Cycle{}, nil, err
	}

	if _, err := m.store.CommitLedger(ctx, storage.LedgerUpdate{
		Cycle:        &cycle,
		Transactions: txs,
		Balances:     balances,
	}); err != nil {
		return core.Cycle{}, nil, fmt.Errorf("commit period advance: %w", err)
	}

	slog.InfoContext(ctx, "Period advanced",
		"cycle_id", cycleID,
		"elapsed_period", elapsed,
		"current_period", cycle.Period,
		"penalties", len(txs),
		"closed", cycle.Closed)
	return cycle, assessments, nil
}

// Close terminates the cycle regardless of progress. Closing an already
// closed cycle fails and leaves the ledger untouched. There is no way back
// to the open state.
func (m *CycleManager) Close(ctx context.Context, cycleID string) (core.Cycle, error) {
	cycle, err := m.store.Cycle(ctx, cycleID)
	if err != nil {
		return core.Cycle{}, err
	}
	if cycle.Closed {
		return core.Cycle{}, core.ErrAlreadyClosed
	}

	cycle.Closed = true
	if _, err := m.store.CommitLedger(ctx, storage.LedgerUpdate{Cycle: &cycle}); err != nil {
		return core.Cycle{}, fmt.Errorf("commit cycle close: %w", err)
	}

	slog.InfoContext(ctx, "Cycle closed",
		"cycle_id", cycleID,
		"final_period", cycle.Period)
	return cycle, nil
}

// Open returns the cycle currently in progress.
func (m *CycleManager) Open(ctx context.Context) (core.Cycle, error) {
	return m.store.OpenCycle(ctx)
}

// Get returns a cycle by identifier.
func (m *CycleManager) Get(ctx context.Context, cycleID string) (core.Cycle, error) {
	return m.store.Cycle(ctx, cycleID)
}

// List returns every cycle.
func (m *CycleManager) List(ctx context.Context) ([]core.Cycle, error) {
	return m.store.Cycles(ctx)
}

// Summary builds the per-cycle report view: the standing of every
// participant for the reported period, the amount collected, and the
// penalties accrued over the whole cycle.
func (m *CycleManager) Summary(ctx context.Context, cycleID string) (core.CycleSummary, error) {
	cycle, err := m.store.Cycle(ctx, cycleID)
	if err != nil {
		return core.CycleSummary{}, err
	}

	// A closed cycle reports its final period.
	period := cycle.Period
	if period >= cycle.Duration {
		period = cycle.Duration - 1
	}

	cycleTxs, err := m.store.TransactionsByCycle(ctx, cycleID)
	if err != nil {
		return core.CycleSummary{}, fmt.Errorf("load cycle transactions: %w", err)
	}

	paid := make(map[string]core.Money, len(cycle.Participants))
	var collected, totalPenalties core.Money
	for _, t := range cycleTxs {
		switch t.Kind {
		case core.Contribution:
			if t.Period == period {
				paid[t.MemberID] = paid[t.MemberID].Add(t.Amount)
				collected = collected.Add(t.Amount)
			}
		case core.Penalty:
			totalPenalties = totalPenalties.Add(t.Amount)
		}
	}

	standings := make([]core.MemberStanding, 0, len(cycle.Participants))
	for _, memberID := range cycle.Participants {
		owing := cycle.Contribution.Sub(paid[memberID])
		status := core.StatusPaid
		switch {
		case paid[memberID].IsZero() && owing.Cents > 0:
			status = core.StatusUnpaid
		case owing.Cents > 0:
			status = core.StatusPartial
		default:
			owing = core.Money{}
		}
		standings = append(standings, core.MemberStanding{
			MemberID: memberID,
			Status:   status,
			Paid:     paid[memberID],
			Owing:    owing,
		})
	}

	recipient, _ := cycle.Recipient(period)
	return core.CycleSummary{
		CycleID:        cycle.ID,
		Period:         period,
		Duration:       cycle.Duration,
		Closed:         cycle.Closed,
		Recipient:      recipient,
		Expected:       cycle.Pot(),
		Collected:      collected,
		TotalPenalties: totalPenalties,
		Standings:      standings,
	}, nil
}

// participantBalances recomputes the balance of every participant with the
// pending cycle state and transactions applied, so the cache committed with
// the update matches a recomputation performed afterwards.
func (m *CycleManager) participantBalances(ctx context.Context, pending core.Cycle, pendingTxs []core.Transaction) (map[string]core.Money, error) {
	cycles, err := m.store.Cycles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cycles: %w", err)
	}
	replaced := false
	for i, c := range cycles {
		if c.ID == pending.ID {
			cycles[i] = pending
			replaced = true
			break
		}
	}
	if !replaced {
		cycles = append(cycles, pending)
	}

	byMember := make(map[string][]core.Transaction)
	for _, t := range pendingTxs {
		byMember[t.MemberID] = append(byMember[t.MemberID], t)
	}

	balances := make(map[string]core.Money, len(pending.Participants))
	for _, memberID := range pending.Participants {
		txs, err := m.store.TransactionsByMember(ctx, memberID)
		if err != nil {
			return nil, fmt.Errorf("load member transactions: %w", err)
		}
		txs = append(txs, byMember[memberID]...)
		balances[memberID] = core.BalanceFrom(cycles, txs, memberID)
	}
	return balances, nil
}
