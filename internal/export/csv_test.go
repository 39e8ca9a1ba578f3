package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"
)

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	rows := []Row{
		{
			TransactionID: "T0001",
			MemberID:      "M002",
			MemberName:    "Awa Diallo",
			CycleID:       "C001",
			Period:        0,
			Kind:          "contribution",
			AmountCents:   4000,
			PenaltyCents:  600,
			Timestamp:     ts,
		},
		{
			TransactionID: "T0002",
			MemberID:      "M002",
			MemberName:    "Awa Diallo",
			CycleID:       "C001",
			Period:        0,
			Kind:          "penalty",
			AmountCents:   600,
			Timestamp:     ts,
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header plus 2 rows", len(records))
	}
	if records[0][0] != "transaction_id" || records[0][8] != "timestamp" {
		t.Errorf("header = %v", records[0])
	}

	want := []string{"T0001", "M002", "Awa Diallo", "C001", "0", "contribution", "40.00", "6.00", "2025-06-01T12:30:00Z"}
	for i, field := range want {
		if records[1][i] != field {
			t.Errorf("row[%d] = %q, want %q", i, records[1][i], field)
		}
	}
	if records[2][6] != "6.00" || records[2][7] != "0.00" {
		t.Errorf("penalty row amounts = %q/%q, want 6.00/0.00", records[2][6], records[2][7])
	}
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want header only", len(records))
	}
}

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{1234, "12.34"},
		{-6600, "-66.00"},
	}
	for _, tt := range tests {
		if got := formatCents(tt.cents); got != tt.want {
			t.Errorf("formatCents(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}
