package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/rail"
	"github.com/openbuilders/payout-orchestrator/internal/rail/mock"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newJob() types.TransferJob {
	return types.TransferJob{
		ID:      uuid.New(),
		BatchID: uuid.New(),
		Beneficiary: types.Beneficiary{
			ID:            "ben-1",
			HolderName:    "Ada Lovelace",
			AccountNumber: "GB29NWBK60161331926819",
			SwiftCode:     "NWBKGB2L",
			Currency:      "GBP",
			KYCStatus:     types.KYCVerified,
		},
		Amount:   decimal.RequireFromString("125.00"),
		Currency: "GBP",
		State:    types.JobInFlight,
		Attempts: 1,
	}
}

func newExecutor(r rail.Rail) *Executor {
	return New(&Config{RailTimeout: time.Second}, r)
}

func TestExecute_Success(t *testing.T) {
	r := mock.New()
	job := newJob()

	outcome := newExecutor(r).Execute(context.Background(), job)

	if !outcome.IsSuccess() {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.Reference == "" {
		t.Fatal("expected a rail reference")
	}
	if !outcome.SettledAmount.Equal(job.Amount) {
		t.Fatalf("unexpected settled amount %s", outcome.SettledAmount)
	}
	if r.Calls(job.IdempotencyKey()) != 1 {
		t.Fatalf("expected exactly one rail call, got %d", r.Calls(job.IdempotencyKey()))
	}
}

func TestExecute_ClassifiesRailCodes(t *testing.T) {
	cases := []struct {
		code string
		kind types.OutcomeKind
	}{
		{rail.CodeNetworkError, types.OutcomeRetryable},
		{rail.CodeTimeout, types.OutcomeRetryable},
		{rail.CodeRateLimited, types.OutcomeRetryable},
		{rail.CodeUnavailable, types.OutcomeRetryable},
		{rail.CodeSanctionsMatch, types.OutcomeFatal},
		{rail.CodeKYCRejected, types.OutcomeFatal},
		{rail.CodeInvalidDestination, types.OutcomeFatal},
		{"", types.OutcomeFatal},
	}

	for _, tc := range cases {
		r := mock.New(mock.WithScript(func(rail.TransferRequest, int) (rail.TransferResult, error) {
			return mock.Failed(tc.code), nil
		}))

		outcome := newExecutor(r).Execute(context.Background(), newJob())
		if outcome.Kind != tc.kind {
			t.Errorf("code %q: want %s, got %s", tc.code, tc.kind, outcome.Kind)
		}
		if outcome.Source != types.SourceRail {
			t.Errorf("code %q: expected rail source, got %s", tc.code, outcome.Source)
		}
	}
}

func TestExecute_EmptyCodeBecomesRailRejected(t *testing.T) {
	r := mock.New(mock.WithScript(func(rail.TransferRequest, int) (rail.TransferResult, error) {
		return rail.TransferResult{Status: rail.StatusFailed}, nil
	}))

	outcome := newExecutor(r).Execute(context.Background(), newJob())
	if outcome.ErrorCode != rail.CodeRejected {
		t.Fatalf("expected %q, got %q", rail.CodeRejected, outcome.ErrorCode)
	}
}

func TestExecute_TransportErrorsAreRetryable(t *testing.T) {
	r := mock.New(mock.WithScript(func(rail.TransferRequest, int) (rail.TransferResult, error) {
		return rail.TransferResult{}, errors.New("connection refused")
	}))

	outcome := newExecutor(r).Execute(context.Background(), newJob())
	if outcome.Kind != types.OutcomeRetryable || outcome.ErrorCode != rail.CodeNetworkError {
		t.Fatalf("expected retryable network_error, got %+v", outcome)
	}
}

func TestExecute_TimeoutSetsTimeoutCode(t *testing.T) {
	r := mock.New(mock.WithLatency(time.Second))
	e := New(&Config{RailTimeout: 5 * time.Millisecond}, r)

	outcome := e.Execute(context.Background(), newJob())
	if outcome.Kind != types.OutcomeRetryable || outcome.ErrorCode != rail.CodeTimeout {
		t.Fatalf("expected retryable timeout, got %+v", outcome)
	}
	if outcome.TimeoutCode != "deadline_exceeded" {
		t.Fatalf("unexpected timeout code %q", outcome.TimeoutCode)
	}
}

func TestExecute_LocalValidationIsFatal(t *testing.T) {
	r := mock.New()
	job := newJob()
	job.Beneficiary.AccountNumber = ""

	outcome := newExecutor(r).Execute(context.Background(), job)
	if outcome.Kind != types.OutcomeFatal || outcome.ErrorCode != rail.CodeInvalidDestination {
		t.Fatalf("expected fatal invalid_destination, got %+v", outcome)
	}
	if outcome.Source != types.SourceExecutor {
		t.Fatalf("expected executor source, got %s", outcome.Source)
	}
	if r.Calls(job.IdempotencyKey()) != 0 {
		t.Fatal("an invalid job must not reach the rail")
	}
}

func TestExecute_ResubmittedKeyNeverSettlesTwice(t *testing.T) {
	r := mock.New(mock.WithLatency(2 * time.Millisecond))
	e := newExecutor(r)
	job := newJob()

	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.Execute(context.Background(), job)
		}(i)
	}
	wg.Wait()

	// sequential re-submission after the first settlement
	outcomes = append(outcomes, e.Execute(context.Background(), job))

	for i, o := range outcomes {
		if !o.IsSuccess() {
			t.Fatalf("outcome %d: expected success, got %+v", i, o)
		}
		if o.Reference != outcomes[0].Reference {
			t.Fatalf("outcome %d: reference %q differs from %q", i, o.Reference, outcomes[0].Reference)
		}
	}

	if n := r.Successes(job.IdempotencyKey()); n != 1 {
		t.Fatalf("expected one settled transfer, got %d", n)
	}
}
