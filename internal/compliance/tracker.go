// Package compliance maintains the deduplicated ledger of terminal transfer
// failures. It is the system of record for reporting and exports.
package compliance

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/errors"
	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/metrics"
	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

type Store interface {
	UpsertComplianceError(context.Context, types.ComplianceError,
		types.Occurrence) (types.ComplianceError, bool, error)
	ListComplianceErrors(context.Context, types.ComplianceFilter) (
		[]types.ComplianceError, error)
	GetComplianceErrors(context.Context, []uuid.UUID) (
		[]types.ComplianceError, error)
	ListOccurrences(context.Context, uuid.UUID) ([]types.Occurrence, error)
}

type Config struct {
	DBTimeout time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Failure is a terminal job failure about to be recorded.
type Failure struct {
	ErrorCode   string
	Category    types.Category
	Severity    types.Severity
	Message     string
	Description string
	Resolution  string
	JobID       uuid.UUID
	BatchID     uuid.UUID
	RequestID   string
	TimeoutCode string
	OccurredAt  time.Time
}

type Tracker struct {
	config *Config
	store  Store
	log    *slog.Logger
}

func New(config *Config, store Store) *Tracker {
	return &Tracker{
		config: config,
		store:  store,
		log:    slog.With("component", "compliance-tracker"),
	}
}

// Handle consumes job outcome events. Only terminal failures are recorded.
func (t *Tracker) Handle(ctx context.Context, event events.Event) {
	if event.Kind != events.JobFailed {
		return
	}

	_, err := t.RecordOutcome(ctx, event.Job, event.Outcome)
	if err != nil {
		t.log.Error("compliance record lost on shutdown",
			"job", event.Job.ID, "error", err)
	}
}

// RecordOutcome classifies a failed outcome and records it.
func (t *Tracker) RecordOutcome(ctx context.Context, job types.TransferJob,
	outcome types.Outcome) (types.ComplianceError, error) {

	class := Classify(outcome.ErrorCode, outcome.Source)

	occurredAt := time.Now().UTC()
	if job.CompletedAt != nil {
		occurredAt = *job.CompletedAt
	}

	return t.Record(ctx, Failure{
		ErrorCode:   outcome.ErrorCode,
		Category:    class.Category,
		Severity:    class.Severity,
		Message:     outcome.Message,
		Description: class.Description,
		Resolution:  class.Resolution,
		JobID:       job.ID,
		BatchID:     job.BatchID,
		RequestID:   outcome.RequestID,
		TimeoutCode: outcome.TimeoutCode,
		OccurredAt:  occurredAt,
	})
}

// Record upserts the failure into its (code, category) bucket. Store errors
// are retried with backoff until the write succeeds or ctx is done.
func (t *Tracker) Record(ctx context.Context, failure Failure) (
	types.ComplianceError, error) {

	candidate := t.candidate(failure)
	occurrence := types.Occurrence{
		JobID:      failure.JobID,
		BatchID:    failure.BatchID,
		Message:    failure.Message,
		RequestID:  failure.RequestID,
		OccurredAt: candidate.LastOccurred,
	}

	delay := t.config.RetryBase

	for attempt := 1; ; attempt++ {
		ctxWithTimeout, cancel := context.WithTimeout(ctx, t.config.DBTimeout)
		record, counted, err := t.store.UpsertComplianceError(ctxWithTimeout,
			candidate, occurrence)
		cancel()

		if err == nil {
			if counted {
				metrics.ComplianceRecords.WithLabelValues(
					string(record.Category), string(record.Severity)).Inc()
			}

			t.log.Debug("Recorded compliance error",
				"code", record.ErrorCode,
				"category", record.Category,
				"affected", record.AffectedTransfers,
				"job", failure.JobID,
				"counted", counted,
			)

			return record, nil
		}

		metrics.ComplianceWriteErrors.Inc()
		t.log.Warn("compliance upsert failed, retrying",
			"attempt", attempt,
			"code", failure.ErrorCode,
			"job", failure.JobID,
			"error", err,
		)

		select {
		case <-ctx.Done():
			t.log.Error("giving up on compliance upsert",
				"code", failure.ErrorCode,
				"category", failure.Category,
				"severity", failure.Severity,
				"message", failure.Message,
				"job", failure.JobID,
				"batch", failure.BatchID,
				"request_id", failure.RequestID,
				"error", err,
			)
			return types.ComplianceError{}, errors.Infrastructure(
				"compliance ledger write failed", err)
		case <-time.After(delay):
		}

		delay *= 2
		if delay > t.config.RetryMax {
			delay = t.config.RetryMax
		}
	}
}

func (t *Tracker) candidate(failure Failure) types.ComplianceError {
	category := failure.Category
	severity := failure.Severity

	// classification never blocks the ledger write
	if !category.IsValid() || !severity.IsValid() {
		class := Classify(failure.ErrorCode, "")
		if !category.IsValid() {
			category = class.Category
		}
		if !severity.IsValid() {
			severity = class.Severity
		}
	}

	occurredAt := failure.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	record := types.ComplianceError{
		ID:                uuid.New(),
		ErrorCode:         failure.ErrorCode,
		Message:           failure.Message,
		Severity:          severity,
		Category:          category,
		Description:       failure.Description,
		Resolution:        failure.Resolution,
		LastOccurred:      occurredAt,
		AffectedTransfers: 1,
		CreatedAt:         occurredAt,
	}

	if failure.RequestID != "" {
		requestID := failure.RequestID
		record.BaaSRequestID = &requestID
	}

	if failure.TimeoutCode != "" {
		timeoutCode := failure.TimeoutCode
		record.TimeoutCode = &timeoutCode
	}

	return record
}

// List returns the records matching filter, most recent first.
func (t *Tracker) List(ctx context.Context, filter types.ComplianceFilter) (
	[]types.ComplianceError, error) {

	if filter.Severity != "" && !filter.Severity.IsValid() {
		return nil, errors.BadRequest(
			fmt.Sprintf("unknown severity %q", filter.Severity), nil)
	}
	if filter.Category != "" && !filter.Category.IsValid() {
		return nil, errors.BadRequest(
			fmt.Sprintf("unknown category %q", filter.Category), nil)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, t.config.DBTimeout)
	defer cancel()

	records, err := t.store.ListComplianceErrors(ctxWithTimeout, filter)
	if err != nil {
		return nil, errors.Infrastructure("couldn't list compliance errors", err)
	}

	return records, nil
}

// SelectForReport returns the records for ids in the given order. It is a
// pure read used to build diagnostic and export payloads.
func (t *Tracker) SelectForReport(ctx context.Context, ids []uuid.UUID) (
	[]types.ComplianceError, error) {

	if len(ids) == 0 {
		return []types.ComplianceError{}, nil
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, t.config.DBTimeout)
	defer cancel()

	records, err := t.store.GetComplianceErrors(ctxWithTimeout, uniqueIDs(ids))
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.NotFound("unknown compliance error id", err)
		}
		return nil, errors.Infrastructure("couldn't load compliance errors", err)
	}

	return records, nil
}

// Occurrences lists the transfers classified into the record.
func (t *Tracker) Occurrences(ctx context.Context, id uuid.UUID) (
	[]types.Occurrence, error) {

	ctxWithTimeout, cancel := context.WithTimeout(ctx, t.config.DBTimeout)
	defer cancel()

	occurrences, err := t.store.ListOccurrences(ctxWithTimeout, id)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.NotFound(
				fmt.Sprintf("compliance error %s not found", id), err)
		}
		return nil, errors.Infrastructure("couldn't list occurrences", err)
	}

	return occurrences, nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	result := make([]uuid.UUID, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}

	return result
}
