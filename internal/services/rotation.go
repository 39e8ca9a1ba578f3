package services

import (
	"math/rand"
	"time"

	"tontine/internal/core"
)

// RotationScheduler draws the payout order for a new cycle: a uniformly
// random permutation of the participant set. The random source is injectable
// so tests get a reproducible order while production stays genuinely random.
type RotationScheduler struct {
	rnd *rand.Rand
}

// NewRotationScheduler builds a scheduler from the given source. A nil
// source seeds from the clock.
func NewRotationScheduler(src rand.Source) *RotationScheduler {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &RotationScheduler{rnd: rand.New(src)}
}

// Order returns a random permutation of memberIDs. Every identifier appears
// exactly once. Fails when fewer than two members are supplied or the set
// contains duplicates.
func (s *RotationScheduler) Order(memberIDs []string) ([]string, error) {
	if len(memberIDs) < core.MinParticipants {
		return nil, core.ErrInvalidParticipants
	}
	seen := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		if _, dup := seen[id]; dup {
			return nil, core.ErrInvalidParticipants
		}
		seen[id] = struct{}{}
	}

	order := append([]string(nil), memberIDs...)
	s.rnd.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order, nil
}
