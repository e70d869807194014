package types

import (
	"github.com/shopspring/decimal"
)

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable_failure"
	OutcomeFatal     OutcomeKind = "fatal_failure"
)

// FailureSource tells the classifier where a failure code originated.
type FailureSource string

const (
	SourceRail      FailureSource = "rail"
	SourceExecutor  FailureSource = "executor"
	SourceScheduler FailureSource = "scheduler"
)

// Outcome is the normalized result of one transfer attempt.
type Outcome struct {
	Kind          OutcomeKind     `json:"kind"`
	Reference     string          `json:"reference,omitempty"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Message       string          `json:"message,omitempty"`
	Source        FailureSource   `json:"source,omitempty"`
	// RequestID is the upstream BaaS request id, when the rail returns one.
	RequestID string `json:"request_id,omitempty"`
	// TimeoutCode is set when the attempt ended in a rail or transport timeout.
	TimeoutCode string `json:"timeout_code,omitempty"`
}

func Success(reference string, settled decimal.Decimal) Outcome {
	return Outcome{
		Kind:          OutcomeSuccess,
		Reference:     reference,
		SettledAmount: settled,
	}
}

func RetryableFailure(code, message string) Outcome {
	return Outcome{
		Kind:      OutcomeRetryable,
		ErrorCode: code,
		Message:   message,
		Source:    SourceRail,
	}
}

func FatalFailure(code, message string) Outcome {
	return Outcome{
		Kind:      OutcomeFatal,
		ErrorCode: code,
		Message:   message,
		Source:    SourceRail,
	}
}

func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

func (o Outcome) Error() *JobError {
	if o.IsSuccess() {
		return nil
	}

	return &JobError{
		Code:    o.ErrorCode,
		Message: o.Message,
		Source:  o.Source,
	}
}
