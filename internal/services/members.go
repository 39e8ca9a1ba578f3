package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tontine/internal/core"
	"tontine/internal/storage"
)

// MemberRegistry manages the member roster. Members are never deleted;
// deactivation keeps their transaction history intact while excluding them
// from new cycles.
type MemberRegistry struct {
	store storage.Store
}

func NewMemberRegistry(store storage.Store) *MemberRegistry {
	return &MemberRegistry{store: store}
}

// Register validates and persists a new active member.
func (r *MemberRegistry) Register(ctx context.Context, firstName, lastName, email, phone string) (core.Member, error) {
	id, err := r.store.NextMemberID(ctx)
	if err != nil {
		return core.Member{}, err
	}

	member := core.Member{
		ID:        id,
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Phone:     phone,
		Active:    true,
		JoinedAt:  time.Now().UTC(),
	}
	if err := member.Validate(); err != nil {
		return core.Member{}, err
	}

	if err := r.store.SaveMember(ctx, member); err != nil {
		return core.Member{}, fmt.Errorf("save member: %w", err)
	}

	slog.InfoContext(ctx, "Member registered",
		"member_id", member.ID,
		"email", member.Email)
	return member, nil
}

// SetActive toggles a member's active flag. Deactivating a participant of
// an open cycle does not remove them from it; dues keep accruing until the
// cycle ends.
func (r *MemberRegistry) SetActive(ctx context.Context, memberID string, active bool) (core.Member, error) {
	member, err := r.store.Member(ctx, memberID)
	if err != nil {
		return core.Member{}, err
	}
	if member.Active == active {
		return member, nil
	}

	member.Active = active
	if err := r.store.SaveMember(ctx, member); err != nil {
		return core.Member{}, fmt.Errorf("save member: %w", err)
	}

	slog.InfoContext(ctx, "Member status changed",
		"member_id", memberID,
		"active", active)
	return member, nil
}

// Get returns a member by identifier.
func (r *MemberRegistry) Get(ctx context.Context, memberID string) (core.Member, error) {
	return r.store.Member(ctx, memberID)
}

// List returns every member, active or not.
func (r *MemberRegistry) List(ctx context.Context) ([]core.Member, error) {
	return r.store.Members(ctx)
}

// ActiveMembers returns the members currently eligible for a new cycle.
func (r *MemberRegistry) ActiveMembers(ctx context.Context) ([]core.Member, error) {
	members, err := r.store.Members(ctx)
	if err != nil {
		return nil, err
	}
	active := members[:0:0]
	for _, m := range members {
		if m.Active {
			active = append(active, m)
		}
	}
	return active, nil
}
