package models

import "fmt"

// Status is the delivery lifecycle of a self-originated message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// ParseStatus validates a wire status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusSent, StatusDelivered, StatusRead:
		return Status(raw), nil
	case "":
		return StatusSent, nil
	default:
		return "", fmt.Errorf("invalid message status %q", raw)
	}
}

// Rank orders statuses sent < delivered < read. Unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Before reports whether s precedes other in the delivery lifecycle.
func (s Status) Before(other Status) bool {
	return s.Rank() < other.Rank()
}
