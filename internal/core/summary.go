package core

const (
	StatusPaid    PaymentStatus = "paid"
	StatusPartial PaymentStatus = "partial"
	StatusUnpaid  PaymentStatus = "unpaid"
)

type (
	PaymentStatus string

	// MemberStanding reports one participant's position for a period.
	MemberStanding struct {
		MemberID string
		Status   PaymentStatus
		Paid     Money
		Owing    Money
	}

	// CycleSummary is the per-cycle view handed to reports and exports:
	// enough to render a monthly report without reaching into the ledger.
	CycleSummary struct {
		CycleID        string
		Period         int
		Duration       int
		Closed         bool
		Recipient      string
		Expected       Money // full pot for the period
		Collected      Money // contributions received for the period
		TotalPenalties Money // penalties accrued over the whole cycle
		Standings      []MemberStanding
	}
)
