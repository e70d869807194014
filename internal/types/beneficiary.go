package types

import (
	"time"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// Beneficiary is a payee as delivered by the KYC feed. It is never written by
// the orchestrator.
type Beneficiary struct {
	ID            string     `json:"id" yaml:"id"`
	HolderName    string     `json:"holder_name" yaml:"holder_name"`
	BankName      string     `json:"bank_name" yaml:"bank_name"`
	AccountNumber string     `json:"account_number" yaml:"account_number"`
	SwiftCode     string     `json:"swift_code" yaml:"swift_code"`
	Currency      string     `json:"currency" yaml:"currency"`
	KYCStatus     KYCStatus  `json:"kyc_status" yaml:"kyc_status"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty" yaml:"verified_at,omitempty"`
}

func (b Beneficiary) IsVerified() bool {
	return b.KYCStatus == KYCVerified
}
