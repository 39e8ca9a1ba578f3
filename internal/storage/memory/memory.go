// Package memory provides an in-memory ledger store. It backs the default
// data backend and gives tests an isolated store per case.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tontine/internal/core"
	"tontine/internal/storage"
)

type Store struct {
	mu           sync.Mutex
	members      map[string]core.Member
	cycles       map[string]core.Cycle
	transactions []core.Transaction
	txIDs        map[string]struct{}
	balances     map[string]core.Money
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		members:  make(map[string]core.Member),
		cycles:   make(map[string]core.Cycle),
		txIDs:    make(map[string]struct{}),
		balances: make(map[string]core.Money),
	}
}

func (s *Store) Member(_ context.Context, id string) (core.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return core.Member{}, core.ErrUnknownMember
	}
	return m, nil
}

func (s *Store) Members(_ context.Context) ([]core.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveMember(_ context.Context, m core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	return nil
}

func (s *Store) NextMemberID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for id := range s.members {
		if n := core.IDSequence(id); n > max {
			max = n
		}
	}
	return core.MemberID(max + 1), nil
}

func (s *Store) Cycle(_ context.Context, id string) (core.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cycles[id]
	if !ok {
		return core.Cycle{}, core.ErrUnknownCycle
	}
	return cloneCycle(c), nil
}

func (s *Store) Cycles(_ context.Context) ([]core.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Cycle, 0, len(s.cycles))
	for _, c := range s.cycles {
		out = append(out, cloneCycle(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) OpenCycle(_ context.Context) (core.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cycles))
	for id := range s.cycles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := s.cycles[id]; !c.Closed {
			return cloneCycle(c), nil
		}
	}
	return core.Cycle{}, core.ErrNoOpenCycle
}

func (s *Store) NextCycleID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for id := range s.cycles {
		if n := core.IDSequence(id); n > max {
			max = n
		}
	}
	return core.CycleID(max + 1), nil
}

func (s *Store) Transactions(_ context.Context) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filtered(func(core.Transaction) bool { return true }), nil
}

func (s *Store) TransactionsByMember(_ context.Context, memberID string) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filtered(func(t core.Transaction) bool { return t.MemberID == memberID }), nil
}

func (s *Store) TransactionsByCycle(_ context.Context, cycleID string) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filtered(func(t core.Transaction) bool { return t.CycleID == cycleID }), nil
}

func (s *Store) TransactionsByPeriod(_ context.Context, cycleID string, period int) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filtered(func(t core.Transaction) bool {
		return t.CycleID == cycleID && t.Period == period
	}), nil
}

func (s *Store) CachedBalance(_ context.Context, memberID string) (core.Money, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[memberID]
	return b, ok, nil
}

func (s *Store) CachedBalances(_ context.Context) (map[string]core.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.Money, len(s.balances))
	for id, b := range s.balances {
		out[id] = b
	}
	return out, nil
}

func (s *Store) CommitLedger(_ context.Context, u storage.LedgerUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 0
	for id := range s.txIDs {
		if n := core.IDSequence(id); n > next {
			next = n
		}
	}

	ids := make([]string, 0, len(u.Transactions))
	staged := make([]core.Transaction, 0, len(u.Transactions))
	for i, t := range u.Transactions {
		t.ID = core.TransactionID(next + i + 1)
		if _, dup := s.txIDs[t.ID]; dup {
			return nil, fmt.Errorf("insert transaction %s: %w", t.ID, core.ErrDuplicateTransactionID)
		}
		staged = append(staged, t)
		ids = append(ids, t.ID)
	}

	// All validation passed; apply the whole update.
	for _, t := range staged {
		s.transactions = append(s.transactions, t)
		s.txIDs[t.ID] = struct{}{}
	}
	for memberID, balance := range u.Balances {
		s.balances[memberID] = balance
	}
	if u.Cycle != nil {
		s.cycles[u.Cycle.ID] = cloneCycle(*u.Cycle)
	}
	return ids, nil
}

// filtered returns matching transactions ordered by timestamp with the
// identifier as a stable tie-break. Callers hold the lock.
func (s *Store) filtered(keep func(core.Transaction) bool) []core.Transaction {
	var out []core.Transaction
	for _, t := range s.transactions {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneCycle(c core.Cycle) core.Cycle {
	c.Participants = append([]string(nil), c.Participants...)
	c.Rotation = append([]string(nil), c.Rotation...)
	return c
}
