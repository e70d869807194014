// Package executor performs a single transfer attempt through a rail and
// normalizes its result into an Outcome. It never retries.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/metrics"
	"github.com/openbuilders/payout-orchestrator/internal/rail"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"golang.org/x/sync/singleflight"
)

// retryable lists the rail codes worth another attempt. Every other code is
// a business or compliance rejection.
var retryable = map[string]bool{
	rail.CodeNetworkError: true,
	rail.CodeTimeout:      true,
	rail.CodeRateLimited:  true,
	rail.CodeUnavailable:  true,
}

func IsRetryable(code string) bool {
	return retryable[code]
}

type Config struct {
	RailTimeout time.Duration
}

type Executor struct {
	config *Config
	rail   rail.Rail
	// inflight collapses concurrent attempts carrying the same idempotency
	// key into one rail call.
	inflight singleflight.Group
	log      *slog.Logger
}

func New(config *Config, r rail.Rail) *Executor {
	return &Executor{
		config: config,
		rail:   r,
		log:    slog.With("component", "executor"),
	}
}

// Execute makes exactly one rail call for the job, keyed by the job id.
func (e *Executor) Execute(ctx context.Context, job types.TransferJob) types.Outcome {
	if outcome, ok := validate(job); !ok {
		return outcome
	}

	key := job.IdempotencyKey()

	value, _, _ := e.inflight.Do(key, func() (interface{}, error) {
		return e.call(ctx, job), nil
	})

	return value.(types.Outcome)
}

func (e *Executor) call(ctx context.Context, job types.TransferJob) types.Outcome {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, e.config.RailTimeout)
	defer cancel()

	started := time.Now()

	result, err := e.rail.SubmitTransfer(ctxWithTimeout, rail.TransferRequest{
		IdempotencyKey: job.IdempotencyKey(),
		Amount:         job.Amount,
		Currency:       job.Currency,
		Destination:    rail.DestinationOf(job.Beneficiary),
		Memo:           job.Memo,
	})

	var outcome types.Outcome
	if err != nil {
		outcome = transportFailure(err)
	} else {
		outcome = normalize(result)
	}

	metrics.AttemptDuration.WithLabelValues(string(outcome.Kind)).Observe(
		time.Since(started).Seconds())

	e.log.Debug("Transfer attempt finished",
		"job", job.ID,
		"attempt", job.Attempts,
		"outcome", outcome.Kind,
		"code", outcome.ErrorCode,
		"reference", outcome.Reference,
	)

	return outcome
}

func normalize(result rail.TransferResult) types.Outcome {
	if result.Status == rail.StatusSucceeded {
		outcome := types.Success(result.Reference, result.SettledAmount)
		outcome.RequestID = result.RequestID
		return outcome
	}

	code := strings.TrimSpace(result.ErrorCode)
	if code == "" {
		code = rail.CodeRejected
	}

	var outcome types.Outcome
	if IsRetryable(code) {
		outcome = types.RetryableFailure(code, result.Message)
	} else {
		outcome = types.FatalFailure(code, result.Message)
	}

	outcome.RequestID = result.RequestID
	if code == rail.CodeTimeout {
		outcome.TimeoutCode = "rail_timeout"
	}

	return outcome
}

// transportFailure maps an unknown-outcome error to a retryable failure. The
// same idempotency key is reused on the next attempt, so a call that did go
// through is deduplicated by the rail.
func transportFailure(err error) types.Outcome {
	var netErr net.Error

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		outcome := types.RetryableFailure(rail.CodeTimeout, err.Error())
		outcome.TimeoutCode = "deadline_exceeded"
		return outcome
	case stderrors.As(err, &netErr) && netErr.Timeout():
		outcome := types.RetryableFailure(rail.CodeTimeout, err.Error())
		outcome.TimeoutCode = "net_timeout"
		return outcome
	default:
		return types.RetryableFailure(rail.CodeNetworkError, err.Error())
	}
}

func validate(job types.TransferJob) (types.Outcome, bool) {
	var reason string

	switch {
	case !job.Amount.IsPositive():
		reason = fmt.Sprintf("amount %s is not positive", job.Amount)
	case strings.TrimSpace(job.Beneficiary.AccountNumber) == "":
		reason = "beneficiary account number is empty"
	case strings.TrimSpace(job.Currency) == "":
		reason = "currency is empty"
	default:
		return types.Outcome{}, true
	}

	code := rail.CodeInvalidDestination
	if !job.Amount.IsPositive() || strings.TrimSpace(job.Currency) == "" {
		code = rail.CodeInvalidAmount
	}

	outcome := types.FatalFailure(code, reason)
	outcome.Source = types.SourceExecutor

	return outcome, false
}
