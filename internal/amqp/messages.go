package amqp

import (
	"encoding/json"
	"time"
)

// EntryCommittedMessage announces one committed ledger entry. It carries
// only identifiers; the statement worker fetches the full entry from
// storage, so stale messages never overwrite newer state.
type EntryCommittedMessage struct {
	EntryID       string    `json:"entry_id"`
	CorrelationID string    `json:"correlation_id"`
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewEntryCommittedMessage(entryID, correlationID string, seq int64) *EntryCommittedMessage {
	return &EntryCommittedMessage{
		EntryID:       entryID,
		CorrelationID: correlationID,
		Seq:           seq,
		Timestamp:     time.Now(),
	}
}

func (m *EntryCommittedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func EntryCommittedMessageFromJSON(data []byte) (*EntryCommittedMessage, error) {
	var msg EntryCommittedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
