package models

import (
	"encoding/json"
	"time"
)

// OutboxTask is a real-time broadcast parked until the connection is back.
type OutboxTask struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
