package compliance

import (
	"github.com/openbuilders/payout-orchestrator/internal/types"
)

// Classification is the deterministic mapping result for a failure code.
type Classification struct {
	Category    types.Category
	Severity    types.Severity
	Description string
	Resolution  string
}

type classKey struct {
	code   string
	source types.FailureSource
}

// anySource matches every failure source.
const anySource types.FailureSource = ""

var defaultClassification = Classification{
	Category:    types.CategoryAPI,
	Severity:    types.SeverityMedium,
	Description: "Unclassified transfer failure",
	Resolution:  "Review the rail response and confirm the classification with the compliance team.",
}

var classifications = map[classKey]Classification{
	{"sanctions_match", anySource}: {
		Category:    types.CategoryCompliance,
		Severity:    types.SeverityCritical,
		Description: "Beneficiary matched a sanctions list during screening",
		Resolution:  "Stop payouts to the beneficiary and escalate to the compliance officer.",
	},
	{"kyc_rejected", anySource}: {
		Category:    types.CategoryCompliance,
		Severity:    types.SeverityHigh,
		Description: "Rail rejected the beneficiary identity verification",
		Resolution:  "Re-run KYC verification for the beneficiary before resubmitting.",
	},
	{"kyc_not_verified", anySource}: {
		Category:    types.CategoryCompliance,
		Severity:    types.SeverityHigh,
		Description: "Beneficiary is not KYC verified on the rail",
		Resolution:  "Complete KYC verification for the beneficiary before resubmitting.",
	},
	{"aml_flagged", anySource}: {
		Category:    types.CategoryRegulatory,
		Severity:    types.SeverityCritical,
		Description: "Transfer flagged by anti-money-laundering monitoring",
		Resolution:  "Open a suspicious activity review and hold further transfers.",
	},
	{"reporting_threshold_exceeded", anySource}: {
		Category:    types.CategoryRegulatory,
		Severity:    types.SeverityHigh,
		Description: "Transfer exceeds a regulatory reporting threshold",
		Resolution:  "File the required regulatory report, then resubmit.",
	},
	{"limit_exceeded", anySource}: {
		Category:    types.CategoryRegulatory,
		Severity:    types.SeverityMedium,
		Description: "Transfer exceeds the account transfer limit",
		Resolution:  "Split the payout or raise the limit with the provider.",
	},
	{"invalid_destination", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityHigh,
		Description: "Rail rejected the destination account or bank code",
		Resolution:  "Correct the beneficiary bank details through the KYC workflow.",
	},
	{"invalid_destination", types.SourceExecutor}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityMedium,
		Description: "Destination failed local validation before the rail call",
		Resolution:  "Correct the beneficiary bank details through the KYC workflow.",
	},
	{"invalid_amount", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityMedium,
		Description: "Rail rejected the transfer amount or currency",
		Resolution:  "Check the amount and currency against the rail limits.",
	},
	{"insufficient_funds", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityHigh,
		Description: "Funding account balance is too low",
		Resolution:  "Top up the funding account and submit a new batch.",
	},
	{"transfer_unconfirmed", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityHigh,
		Description: "Rail could no longer confirm whether an interrupted transfer settled",
		Resolution:  "Reconcile the transfer against the rail history before paying again.",
	},
	{"network_error", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityMedium,
		Description: "Network failures exhausted the retry budget",
		Resolution:  "Check rail connectivity and resubmit the failed transfers.",
	},
	{"timeout", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityMedium,
		Description: "Rail calls timed out on every attempt",
		Resolution:  "Confirm settlement status with the provider before resubmitting.",
	},
	{"rate_limited", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityLow,
		Description: "Rail rate limit persisted across all attempts",
		Resolution:  "Lower dispatch concurrency or the rate limit and resubmit.",
	},
	{"rail_unavailable", anySource}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityHigh,
		Description: "Transfer rail was unavailable",
		Resolution:  "Check the provider status page and resubmit once it recovers.",
	},
	{"ledger_write_failed", anySource}: {
		Category:    types.CategoryDatabase,
		Severity:    types.SeverityCritical,
		Description: "Transfer state couldn't be persisted",
		Resolution:  "Check database health and reconcile the transfer with the rail.",
	},
	{"cancelled", types.SourceScheduler}: {
		Category:    types.CategoryAPI,
		Severity:    types.SeverityLow,
		Description: "Transfer cancelled before dispatch",
		Resolution:  "No action required; resubmit in a new batch if the payout is still due.",
	},
}

// Classify maps a failure code and its source to a category and severity.
// A source-specific entry wins over the generic one. Unknown codes fall back
// to api/medium.
func Classify(code string, source types.FailureSource) Classification {
	if c, ok := classifications[classKey{code, source}]; ok {
		return c
	}

	if c, ok := classifications[classKey{code, anySource}]; ok {
		return c
	}

	return defaultClassification
}
