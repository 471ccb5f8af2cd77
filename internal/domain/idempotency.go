package domain

import "time"

// IdempotencyStatus is the lifecycle of one deduplicated write.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord dedupes a write by (request id, user, operation). A
// COMPLETED record replays its stored response; an IN_PROGRESS record
// younger than the takeover grace rejects duplicates.
type IdempotencyRecord struct {
	ID        int64
	RequestID string
	UserID    int64
	Operation string
	Status    IdempotencyStatus
	Response  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}
