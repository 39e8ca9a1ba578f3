package amqp

import (
	"encoding/json"
	"time"
)

// LedgerEventMessage notifies the export worker that new ledger transactions
// were committed. It carries only the transaction identifiers; the worker
// fetches the full rows from the database.
type LedgerEventMessage struct {
	TransactionIDs []string  `json:"transaction_ids"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewLedgerEventMessage creates a new ledger event for the given transactions
func NewLedgerEventMessage(txIDs []string) *LedgerEventMessage {
	return &LedgerEventMessage{
		TransactionIDs: txIDs,
		Timestamp:      time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *LedgerEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerEventMessageFromJSON creates a message from JSON bytes
func LedgerEventMessageFromJSON(data []byte) (*LedgerEventMessage, error) {
	var msg LedgerEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
