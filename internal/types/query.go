package types

import (
	"time"
)

// QueryAssignment binds an idempotency key to the highload wallet query id
// and creation time of the external message carrying its transfer. Every
// message sent for the key reuses both, so the wallet accepts at most one.
type QueryAssignment struct {
	IdempotencyKey string    `json:"idempotency_key"`
	QueryID        uint64    `json:"query_id"`
	CreatedAt      time.Time `json:"created_at"`
}
