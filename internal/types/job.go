package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type JobState string

const (
	JobQueued      JobState = "queued"
	JobInFlight    JobState = "in_flight"
	JobRetrying    JobState = "retrying"
	JobSucceeded   JobState = "succeeded"
	JobFailedFinal JobState = "failed_final"
)

// transitions lists the only valid moves of a job. Terminal states have no
// outgoing edges.
var transitions = map[JobState][]JobState{
	JobQueued:   {JobInFlight, JobFailedFinal},
	JobInFlight: {JobSucceeded, JobRetrying, JobFailedFinal},
	JobRetrying: {JobInFlight, JobFailedFinal},
}

func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailedFinal
}

func (s JobState) CanTransition(to JobState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// JobError is the last failure observed for a job.
type JobError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Source  FailureSource `json:"source"`
}

// TransferJob is a single transfer expanded from a batch entry. Beneficiary is
// a snapshot taken at schedule time.
type TransferJob struct {
	ID          uuid.UUID       `json:"id"`
	BatchID     uuid.UUID       `json:"batch_id"`
	Position    int             `json:"position"`
	Beneficiary Beneficiary     `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Memo        string          `json:"memo"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	LastError   *JobError       `json:"last_error,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	// Owner is the instance that last claimed the job in flight.
	Owner string `json:"owner,omitempty"`
	// LeaseExpiresAt is set while the job is in flight. Past it, another
	// instance may take the job over.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IdempotencyKey is the token the rail deduplicates on. It is stable for the
// whole life of the job.
func (j TransferJob) IdempotencyKey() string {
	return j.ID.String()
}

// JobStatus is the read model exposed by status and monitoring queries.
type JobStatus struct {
	JobID         uuid.UUID `json:"job_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	BeneficiaryID string    `json:"beneficiary_id"`
	State         JobState  `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     *JobError `json:"last_error,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (j TransferJob) Status() JobStatus {
	return JobStatus{
		JobID:         j.ID,
		BatchID:       j.BatchID,
		BeneficiaryID: j.Beneficiary.ID,
		State:         j.State,
		Attempts:      j.Attempts,
		LastError:     j.LastError,
		Reference:     j.Reference,
		UpdatedAt:     j.UpdatedAt,
	}
}
