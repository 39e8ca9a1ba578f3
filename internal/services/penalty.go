package services

import (
	"tontine/internal/core"
)

// PenaltyEngine decides, for an elapsed period, which participants owe a
// penalty and how much. It is a pure function of the cycle and the period's
// transactions, which keeps re-evaluation idempotent: a participant with an
// existing penalty transaction for the period is never assessed again.
type PenaltyEngine struct{}

// Assessment describes one participant's standing for an assessed period.
type Assessment struct {
	MemberID  string
	Period    int
	Paid      core.Money
	Shortfall core.Money
	Penalty   core.Money
	Late      bool // no contribution at all for the period
}

// Assess evaluates every participant of the cycle for the given period.
// periodTxs must be the full set of transactions recorded for that
// (cycle, period). Only participants owing a new penalty are returned.
func (PenaltyEngine) Assess(cycle core.Cycle, period int, periodTxs []core.Transaction) []Assessment {
	paid := make(map[string]core.Money, len(cycle.Participants))
	contributed := make(map[string]bool, len(cycle.Participants))
	penalized := make(map[string]bool)
	for _, t := range periodTxs {
		switch t.Kind {
		case core.Contribution:
			paid[t.MemberID] = paid[t.MemberID].Add(t.Amount)
			contributed[t.MemberID] = true
		case core.Penalty:
			penalized[t.MemberID] = true
		}
	}

	var out []Assessment
	for _, memberID := range cycle.Participants {
		if penalized[memberID] {
			continue
		}
		shortfall := cycle.Contribution.Sub(paid[memberID])
		if shortfall.Cents <= 0 {
			continue
		}
		out = append(out, Assessment{
			MemberID:  memberID,
			Period:    period,
			Paid:      paid[memberID],
			Shortfall: shortfall,
			Penalty:   core.PenaltyFor(shortfall),
			Late:      !contributed[memberID],
		})
	}
	return out
}
