package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"transaction_id",
	"member_id",
	"member_name",
	"cycle_id",
	"period",
	"kind",
	"amount",
	"penalty",
	"timestamp",
}

// WriteCSV writes the rows as CSV with a header line. Amounts are rendered
// as decimal units with two digits.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.TransactionID,
			row.MemberID,
			row.MemberName,
			row.CycleID,
			strconv.Itoa(row.Period),
			row.Kind,
			formatCents(row.AmountCents),
			formatCents(row.PenaltyCents),
			row.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", row.TransactionID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
