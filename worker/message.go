package worker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the queue entry for one asynchronous conversion.
type Message struct {
	JobID      uuid.UUID `json:"job_id"`
	UserID     string    `json:"user_id"`
	InputKey   string    `json:"input_key"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a claimed message together with the raw entry it was read
// from, needed to remove it from the processing list.
type Delivery struct {
	Message
	raw string
}

func decodeDelivery(raw string) (Delivery, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Delivery{raw: raw}, err
	}
	return Delivery{Message: msg, raw: raw}, nil
}

func encode(msg Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
