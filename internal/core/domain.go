package core

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Contribution TransactionKind = "contribution"
	Penalty      TransactionKind = "penalty"
	Distribution TransactionKind = "distribution"
)

// PenaltyRatePercent is applied to the shortfall of a late or partial
// contribution. Fractions of a cent truncate toward zero.
const PenaltyRatePercent = 10

// MinParticipants is the smallest group a cycle can be created with.
const MinParticipants = 2

type (
	TransactionKind string

	Date struct {
		time.Time
	}

	Member struct {
		ID        string
		FirstName string
		LastName  string
		Email     string
		Phone     string
		Active    bool
		JoinedAt  time.Time
	}

	Cycle struct {
		ID           string
		Contribution Money // per participant, per period
		Duration     int   // number of periods
		StartDate    Date
		Participants []string // fixed at creation
		Rotation     []string // permutation of Participants
		Period       int      // current period, 0-based
		Closed       bool
		CreatedAt    time.Time
	}

	// Transaction is an immutable ledger entry. Corrections are modeled as
	// new offsetting transactions, never edits.
	Transaction struct {
		ID        string
		MemberID  string
		CycleID   string
		Period    int
		Amount    Money
		Kind      TransactionKind
		Penalty   Money // shortfall penalty attached to a partial contribution
		Timestamp time.Time
	}
)

// Validation errors are surfaced to the caller and never commit state.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrInvalidParticipants   = errors.New("invalid participants")
	ErrUnknownMember         = errors.New("unknown member")
	ErrUnknownCycle          = errors.New("unknown cycle")
	ErrInactiveMember        = errors.New("inactive member")
	ErrCycleClosed           = errors.New("cycle is closed")
	ErrAlreadyClosed         = errors.New("cycle already closed")
	ErrCycleInProgress       = errors.New("a cycle is already in progress")
	ErrNoOpenCycle           = errors.New("no open cycle")
	ErrNotAParticipant       = errors.New("member is not a participant of the cycle")
	ErrFuturePeriod          = errors.New("period has not opened yet")
	ErrWrongRecipient        = errors.New("member is not the recipient for the period")
	ErrDuplicateContribution = errors.New("contribution already recorded for the period")
	ErrDuplicateDistribution = errors.New("distribution already recorded for the period")

	ErrEmptyName    = errors.New("empty name")
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidPhone = errors.New("invalid phone number")
)

// Invariant breaches indicate ledger corruption rather than bad input.
var (
	ErrDuplicatePenalty       = errors.New("duplicate penalty for member, cycle and period")
	ErrDuplicateTransactionID = errors.New("duplicate transaction identifier")
	ErrBalanceDrift           = errors.New("cached balance does not match transaction history")
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?\d{8,15}$`)
)

func (m Member) Validate() error {
	if strings.TrimSpace(m.FirstName) == "" || strings.TrimSpace(m.LastName) == "" {
		return ErrEmptyName
	}
	if !emailPattern.MatchString(m.Email) {
		return ErrInvalidEmail
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, m.Phone)
	if !phonePattern.MatchString(cleaned) {
		return ErrInvalidPhone
	}
	return nil
}

func (c Cycle) Validate() error {
	if c.Contribution.Cents <= 0 {
		return ErrInvalidAmount
	}
	if c.Duration <= 0 {
		return ErrInvalidDuration
	}
	if len(c.Participants) < MinParticipants {
		return ErrInvalidParticipants
	}
	seen := make(map[string]struct{}, len(c.Participants))
	for _, id := range c.Participants {
		if _, dup := seen[id]; dup {
			return ErrInvalidParticipants
		}
		seen[id] = struct{}{}
	}
	if len(c.Rotation) != len(c.Participants) {
		return ErrInvalidParticipants
	}
	for _, id := range c.Rotation {
		if _, ok := seen[id]; !ok {
			return ErrInvalidParticipants
		}
		delete(seen, id)
	}
	return nil
}

// Recipient returns the payout recipient for the given period. The rotation
// wraps when duration exceeds the participant count.
func (c Cycle) Recipient(period int) (string, bool) {
	if len(c.Rotation) == 0 || period < 0 {
		return "", false
	}
	return c.Rotation[period%len(c.Rotation)], true
}

// IsParticipant reports whether the member belongs to the cycle.
func (c Cycle) IsParticipant(memberID string) bool {
	for _, id := range c.Participants {
		if id == memberID {
			return true
		}
	}
	return false
}

// PeriodsOwed is the number of periods a participant owes dues for. A period
// owes as soon as it opens, so an open cycle at period p has accrued p+1 dues.
func (c Cycle) PeriodsOwed() int {
	owed := c.Period + 1
	if owed > c.Duration {
		owed = c.Duration
	}
	return owed
}

// Pot is the amount collected per period when every participant pays in full.
func (c Cycle) Pot() Money {
	return Money{Cents: c.Contribution.Cents * int64(len(c.Participants))}
}

func (t Transaction) Validate() error {
	if t.MemberID == "" {
		return ErrUnknownMember
	}
	if t.CycleID == "" {
		return ErrUnknownCycle
	}
	if t.Period < 0 {
		return ErrFuturePeriod
	}
	if t.Amount.Cents < 0 || t.Penalty.Cents < 0 {
		return ErrInvalidAmount
	}
	switch t.Kind {
	case Contribution, Penalty, Distribution:
	default:
		return fmt.Errorf("invalid transaction kind %q", t.Kind)
	}
	return nil
}

// BalanceFrom derives the member's signed balance from the transaction log:
// contributions paid, minus dues accrued for every elapsed period of cycles
// the member participates in, plus distributions received, minus penalties.
// Deterministic over the same inputs; the stored cache must always match it.
func BalanceFrom(cycles []Cycle, txs []Transaction, memberID string) Money {
	var cents int64
	for _, c := range cycles {
		if c.IsParticipant(memberID) {
			cents -= c.Contribution.Cents * int64(c.PeriodsOwed())
		}
	}
	for _, t := range txs {
		if t.MemberID != memberID {
			continue
		}
		switch t.Kind {
		case Contribution, Distribution:
			cents += t.Amount.Cents
		case Penalty:
			cents -= t.Amount.Cents
		}
	}
	return Money{Cents: cents}
}

// MemberID formats the n-th member identifier, e.g. MemberID(1) == "M001".
func MemberID(n int) string {
	return fmt.Sprintf("M%03d", n)
}

// CycleID formats the n-th cycle identifier, e.g. CycleID(1) == "C001".
func CycleID(n int) string {
	return fmt.Sprintf("C%03d", n)
}

// TransactionID formats the n-th transaction identifier, e.g. "T0001".
func TransactionID(n int) string {
	return fmt.Sprintf("T%04d", n)
}

// IDSequence extracts the numeric suffix of a prefixed identifier.
// Returns 0 for identifiers it cannot parse.
func IDSequence(id string) int {
	if len(id) < 2 {
		return 0
	}
	n, err := strconv.Atoi(id[1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

// NewDate creates a Date at midnight UTC.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD date string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date: %w", err)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format("2006-01-02")
}
