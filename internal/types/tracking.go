package types

import (
	"time"
)

// RequestStatus is the lifecycle state of a tracked dispatch. The state
// machine is monotonic: once a terminal status is recorded the request
// never moves back to pending or running.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusRunning   RequestStatus = "running"
	StatusSuccess   RequestStatus = "success"
	StatusFailed    RequestStatus = "failed"
	StatusTimeout   RequestStatus = "timeout"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status ends the state machine.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a known lifecycle state.
func (s RequestStatus) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// TrackedRequest is the persisted record for one asynchronous dispatch to
// the automation engine. The polling service is the only writer to
// Status, PollCount, Response, ErrorMessage, Duration and ActualCost.
type TrackedRequest struct {
	ID           string        `json:"id"`
	Status       RequestStatus `json:"status"`
	Input        string        `json:"input,omitempty"`
	PollCount    int           `json:"poll_count"`
	Response     string        `json:"response,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
	ActualCost   float64       `json:"actual_cost"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Expired reports whether the record is past its expiry timestamp.
func (t *TrackedRequest) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
