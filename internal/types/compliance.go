package types

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities is ordered from the most to the least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium,
	SeverityLow}

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

type Category string

const (
	CategoryDatabase   Category = "database"
	CategoryCompliance Category = "compliance"
	CategoryAPI        Category = "api"
	CategoryRegulatory Category = "regulatory"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryDatabase, CategoryCompliance, CategoryAPI, CategoryRegulatory:
		return true
	}
	return false
}

// ComplianceError is one deduplicated bucket of terminal failures. There is
// exactly one record per (ErrorCode, Category).
type ComplianceError struct {
	ID          uuid.UUID `json:"id"`
	ErrorCode   string    `json:"error_code"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Category    Category  `json:"category"`
	Description string    `json:"description"`
	Resolution  string    `json:"resolution"`
	// BaaSRequestID and TimeoutCode come from the latest counted occurrence
	// that carried them.
	BaaSRequestID     *string   `json:"baas_request_id,omitempty"`
	TimeoutCode       *string   `json:"timeout_code,omitempty"`
	LastOccurred      time.Time `json:"last_occurred"`
	AffectedTransfers int64     `json:"affected_transfers"`
	CreatedAt         time.Time `json:"created_at"`
}

// ComplianceFilter selects records by severity and category. Zero values
// match everything.
type ComplianceFilter struct {
	Severity Severity `json:"severity,omitempty"`
	Category Category `json:"category,omitempty"`
}

func (f ComplianceFilter) Match(record ComplianceError) bool {
	if f.Severity != "" && f.Severity != record.Severity {
		return false
	}
	if f.Category != "" && f.Category != record.Category {
		return false
	}
	return true
}

// Occurrence links a transfer job to the compliance record it was classified
// into.
type Occurrence struct {
	ErrorID    uuid.UUID `json:"error_id"`
	JobID      uuid.UUID `json:"job_id"`
	BatchID    uuid.UUID `json:"batch_id"`
	Message    string    `json:"message"`
	RequestID  string    `json:"request_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
