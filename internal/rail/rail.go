// Package rail defines the boundary contract of external transfer rails.
package rail

import (
	"context"

	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/shopspring/decimal"
)

// Failure codes rails report. Anything not listed is passed through as is.
const (
	CodeNetworkError       = "network_error"
	CodeTimeout            = "timeout"
	CodeRateLimited        = "rate_limited"
	CodeUnavailable        = "rail_unavailable"
	CodeRejected           = "rail_rejected"
	CodeSanctionsMatch     = "sanctions_match"
	CodeKYCRejected        = "kyc_rejected"
	CodeInvalidDestination = "invalid_destination"
	CodeInvalidAmount      = "invalid_amount"
	CodeInsufficientFunds  = "insufficient_funds"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Destination struct {
	HolderName    string
	BankName      string
	AccountNumber string
	SwiftCode     string
}

func DestinationOf(b types.Beneficiary) Destination {
	return Destination{
		HolderName:    b.HolderName,
		BankName:      b.BankName,
		AccountNumber: b.AccountNumber,
		SwiftCode:     b.SwiftCode,
	}
}

type TransferRequest struct {
	// IdempotencyKey is deduplicated by the rail: the same key never moves
	// money twice.
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Destination    Destination
	Memo           string
}

type TransferResult struct {
	Status        Status
	Reference     string
	SettledAmount decimal.Decimal
	ErrorCode     string
	Message       string
	RequestID     string
}

// Rail submits a single transfer. A returned error means the outcome of the
// call is unknown (transport failure); a result with StatusFailed is a
// definitive rejection.
type Rail interface {
	SubmitTransfer(context.Context, TransferRequest) (TransferResult, error)
}
