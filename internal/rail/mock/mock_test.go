package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/rail"

	"github.com/shopspring/decimal"
)

func request(key string) rail.TransferRequest {
	return rail.TransferRequest{
		IdempotencyKey: key,
		Amount:         decimal.RequireFromString("10.50"),
		Currency:       "USD",
		Destination:    rail.Destination{AccountNumber: "DE001"},
	}
}

func TestRail_DeduplicatesSettledKeys(t *testing.T) {
	r := New()

	first, err := r.SubmitTransfer(context.Background(), request("job-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := r.SubmitTransfer(context.Background(), request("job-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Reference != second.Reference {
		t.Fatalf("expected the same reference, got %q and %q",
			first.Reference, second.Reference)
	}
	if r.Successes("job-1") != 1 {
		t.Fatalf("expected one success, got %d", r.Successes("job-1"))
	}
	if r.Calls("job-1") != 2 {
		t.Fatalf("expected two calls, got %d", r.Calls("job-1"))
	}
	if !first.SettledAmount.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("unexpected settled amount %s", first.SettledAmount)
	}
}

func TestRail_ConcurrentDuplicatesSettleOnce(t *testing.T) {
	r := New(WithLatency(2 * time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.SubmitTransfer(context.Background(), request("job-x"))
		}()
	}
	wg.Wait()

	if n := r.Successes("job-x"); n != 1 {
		t.Fatalf("expected exactly one success, got %d", n)
	}
}

func TestFailFirst(t *testing.T) {
	r := New(WithScript(FailFirst(2, rail.CodeNetworkError)))

	for call := 1; call <= 2; call++ {
		result, err := r.SubmitTransfer(context.Background(), request("job-2"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != rail.StatusFailed || result.ErrorCode != rail.CodeNetworkError {
			t.Fatalf("call %d: expected a network failure, got %+v", call, result)
		}
	}

	result, _ := r.SubmitTransfer(context.Background(), request("job-2"))
	if result.Status != rail.StatusSucceeded {
		t.Fatalf("expected the third call to succeed, got %+v", result)
	}
}

func TestRail_ScriptErrorIsReturned(t *testing.T) {
	boom := errors.New("connection reset")
	r := New(WithScript(func(rail.TransferRequest, int) (rail.TransferResult, error) {
		return rail.TransferResult{}, boom
	}))

	if _, err := r.SubmitTransfer(context.Background(), request("job-3")); err != boom {
		t.Fatalf("expected the script error, got %v", err)
	}
	if r.Successes("job-3") != 0 {
		t.Fatal("a transport error must not count as a success")
	}
}

func TestRail_LatencyHonoursContext(t *testing.T) {
	r := New(WithLatency(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := r.SubmitTransfer(ctx, request("job-4"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %v", err)
	}
}
