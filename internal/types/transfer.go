package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchEntry is a single payout line of a batch.
type BatchEntry struct {
	BeneficiaryID string          `json:"beneficiary_id" yaml:"beneficiary_id"`
	Amount        decimal.Decimal `json:"amount" yaml:"amount"`
	Currency      string          `json:"currency" yaml:"currency"`
	Memo          string          `json:"memo" yaml:"memo"`
}

// BatchDefinition is immutable once accepted. A correction requires a new
// batch.
type BatchDefinition struct {
	ID          uuid.UUID    `json:"id"`
	RequestedBy string       `json:"requested_by"`
	Entries     []BatchEntry `json:"entries"`
	RunAt       time.Time    `json:"run_at"`
	CreatedAt   time.Time    `json:"created_at"`
}

// IsDue reports whether the batch may be dispatched at now.
func (b BatchDefinition) IsDue(now time.Time) bool {
	return b.RunAt.IsZero() || !b.RunAt.After(now)
}

// GetTotal sums the amounts of all the entries.
func (b BatchDefinition) GetTotal() decimal.Decimal {
	total := decimal.Zero

	for _, entry := range b.Entries {
		total = total.Add(entry.Amount)
	}

	return total
}

// BatchHistory is the export view of a batch: the definition and every job
// record with its snapshot, attempts and reference.
type BatchHistory struct {
	Batch BatchDefinition `json:"batch"`
	Jobs  []TransferJob   `json:"jobs"`
}
