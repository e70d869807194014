// Package scheduler expands batch definitions into transfer jobs and drives
// every job to a terminal state through the executor, under a bounded worker
// pool and a capped retry policy.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/errors"
	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/metrics"
	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

// CodeCancelled is the error code of jobs failed by Cancel.
const CodeCancelled = "cancelled"

var ErrInvalidTransition = stderrors.New("invalid job transition")

type Store interface {
	CreateBatch(context.Context, types.BatchDefinition, []types.TransferJob) error
	GetBatch(context.Context, uuid.UUID) (types.BatchDefinition, error)
	ListJobs(context.Context, uuid.UUID) ([]types.TransferJob, error)
	GetJob(context.Context, uuid.UUID) (types.TransferJob, error)
	// UpdateJob stores job only if the stored state is one of from. A job in
	// flight is only written by its owner.
	UpdateJob(context.Context, types.TransferJob, ...types.JobState) error
	ListJobsByState(context.Context, ...types.JobState) ([]types.TransferJob, error)
	// TakeOver claims an in-flight job held by owner or whose lease ran out.
	TakeOver(ctx context.Context, id uuid.UUID, owner string, leaseUntil,
		now time.Time) (types.TransferJob, error)
	RenewLease(ctx context.Context, id uuid.UUID, owner string,
		leaseUntil time.Time) error
}

type Registry interface {
	Get(context.Context, string) (types.Beneficiary, error)
}

type Executor interface {
	Execute(context.Context, types.TransferJob) types.Outcome
}

type Publisher interface {
	Publish(context.Context, events.Event) error
}

// Limiter gates rail calls across instances.
type Limiter interface {
	Wait(context.Context) error
}

type Config struct {
	Workers     int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DBTimeout   time.Duration
	// DueSweepSchedule is the cron spec releasing batches whose run time
	// has arrived and reclaiming jobs of instances that went away.
	DueSweepSchedule string
	// InstanceID owns the jobs this scheduler puts in flight.
	InstanceID string
	// LeaseTTL is how long an in-flight job stays claimed without renewal.
	LeaseTTL time.Duration
}

// CancelResult reports what Cancel did to the jobs of a batch.
type CancelResult struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Cancelled int       `json:"cancelled"`
	// Running counts jobs in flight or waiting for a retry. They finish
	// naturally.
	Running  int `json:"running"`
	Finished int `json:"finished"`
}

type Scheduler struct {
	config    *Config
	store     Store
	registry  Registry
	executor  Executor
	publisher Publisher
	limiter   Limiter
	queue     *dispatchQueue

	mu sync.Mutex
	// waiting holds batches accepted with a future run time.
	waiting map[uuid.UUID]time.Time
	timers  map[uuid.UUID]*time.Timer
	// active holds the jobs this process is executing.
	active  map[uuid.UUID]struct{}
	stopped bool

	now    func() time.Time
	jitter func(time.Duration) time.Duration
	log    *slog.Logger
}

type Option func(*Scheduler)

// WithLimiter consults limiter before every rail call.
func WithLimiter(limiter Limiter) Option {
	return func(s *Scheduler) {
		s.limiter = limiter
	}
}

func New(config *Config, store Store, registry Registry, executor Executor,
	publisher Publisher, opts ...Option) *Scheduler {

	cfg := *config
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	s := &Scheduler{
		config:    &cfg,
		store:     store,
		registry:  registry,
		executor:  executor,
		publisher: publisher,
		queue:     newDispatchQueue(),
		waiting:   make(map[uuid.UUID]time.Time),
		timers:    make(map[uuid.UUID]*time.Timer),
		active:    make(map[uuid.UUID]struct{}),
		now:       time.Now,
		jitter:    halfJitter,
		log:       slog.With("component", "scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// MaxAttempts is the attempt cap of every job.
func (s *Scheduler) MaxAttempts() int {
	return s.config.MaxRetries + 1
}

// Submit validates the batch, persists one queued job per entry and returns
// without waiting for any transfer. Nothing is persisted when validation
// fails.
func (s *Scheduler) Submit(ctx context.Context, batch types.BatchDefinition) (
	uuid.UUID, error) {

	beneficiaries, err := s.validate(ctx, batch)
	if err != nil {
		if errors.IsCode(err, errors.CodeValidation) {
			metrics.BatchesSubmitted.WithLabelValues("rejected").Inc()
		}
		return uuid.Nil, err
	}

	now := s.now().UTC()

	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	batch.CreatedAt = now

	jobs := make([]types.TransferJob, len(batch.Entries))
	for i, entry := range batch.Entries {
		jobs[i] = types.TransferJob{
			ID:          uuid.New(),
			BatchID:     batch.ID,
			Position:    i,
			Beneficiary: beneficiaries[i],
			Amount:      entry.Amount,
			Currency:    entry.Currency,
			Memo:        entry.Memo,
			State:       types.JobQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	defer cancel()

	err = s.store.CreateBatch(ctxWithTimeout, batch, jobs)
	if err != nil {
		if stderrors.Is(err, repository.ErrDuplicateKeyValue) {
			return uuid.Nil, errors.InvalidState(
				fmt.Sprintf("batch %s already exists", batch.ID))
		}

		s.log.Error("couldn't persist batch", "batch", batch.ID, "error", err)
		return uuid.Nil, errors.Infrastructure("batch persistence failed", err)
	}

	metrics.BatchesSubmitted.WithLabelValues("accepted").Inc()
	metrics.JobTransitions.WithLabelValues(string(types.JobQueued)).Add(
		float64(len(jobs)))

	if batch.IsDue(now) {
		for _, job := range jobs {
			s.queue.push(job.ID)
		}
	} else {
		s.mu.Lock()
		s.waiting[batch.ID] = batch.RunAt
		s.mu.Unlock()
	}

	s.log.Info("Batch accepted",
		"batch", batch.ID,
		"jobs", len(jobs),
		"total", batch.GetTotal(),
		"run_at", batch.RunAt,
	)

	return batch.ID, nil
}

// validate resolves every entry to a verified beneficiary snapshot. All the
// problems found are reported together.
func (s *Scheduler) validate(ctx context.Context, batch types.BatchDefinition) (
	[]types.Beneficiary, error) {

	var reasons []string

	if len(batch.Entries) == 0 {
		reasons = append(reasons, "batch has no entries")
	}

	beneficiaries := make([]types.Beneficiary, len(batch.Entries))

	for i, entry := range batch.Entries {
		if !entry.Amount.IsPositive() {
			reasons = append(reasons, fmt.Sprintf(
				"entry %d: amount %s must be positive", i, entry.Amount))
		}

		if entry.Currency == "" {
			reasons = append(reasons, fmt.Sprintf("entry %d: currency is empty", i))
		}

		b, err := s.registry.Get(ctx, entry.BeneficiaryID)
		if err != nil {
			if errors.IsCode(err, errors.CodeNotFound) {
				reasons = append(reasons, fmt.Sprintf(
					"entry %d: beneficiary %q not found", i, entry.BeneficiaryID))
				continue
			}
			return nil, err
		}

		if !b.IsVerified() {
			reasons = append(reasons, fmt.Sprintf(
				"entry %d: beneficiary %q is not verified (kyc status %s)",
				i, b.ID, b.KYCStatus))
		}

		if entry.Currency != "" && b.Currency != "" && entry.Currency != b.Currency {
			reasons = append(reasons, fmt.Sprintf(
				"entry %d: currency %s does not match beneficiary currency %s",
				i, entry.Currency, b.Currency))
		}

		beneficiaries[i] = b
	}

	if len(reasons) > 0 {
		return nil, errors.Validation("batch rejected", reasons...)
	}

	return beneficiaries, nil
}

// Status returns the point-in-time state of every job of the batch.
func (s *Scheduler) Status(ctx context.Context, batchID uuid.UUID) (
	[]types.JobStatus, error) {

	jobs, err := s.listJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}

	statuses := make([]types.JobStatus, len(jobs))
	for i, job := range jobs {
		statuses[i] = job.Status()
	}

	return statuses, nil
}

// History returns the batch definition with the full job records.
func (s *Scheduler) History(ctx context.Context, batchID uuid.UUID) (
	types.BatchHistory, error) {

	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	defer cancel()

	batch, err := s.store.GetBatch(ctxWithTimeout, batchID)
	if err != nil {
		return types.BatchHistory{}, s.storeError(batchID, err)
	}

	jobs, err := s.listJobs(ctx, batchID)
	if err != nil {
		return types.BatchHistory{}, err
	}

	return types.BatchHistory{Batch: batch, Jobs: jobs}, nil
}

func (s *Scheduler) listJobs(ctx context.Context, batchID uuid.UUID) (
	[]types.TransferJob, error) {

	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	defer cancel()

	jobs, err := s.store.ListJobs(ctxWithTimeout, batchID)
	if err != nil {
		return nil, s.storeError(batchID, err)
	}

	return jobs, nil
}

func (s *Scheduler) storeError(batchID uuid.UUID, err error) error {
	if stderrors.Is(err, repository.ErrNotFound) {
		return errors.NotFound(fmt.Sprintf("batch %s not found", batchID), err)
	}

	s.log.Error("couldn't load batch", "batch", batchID, "error", err)
	return errors.Infrastructure("batch lookup failed", err)
}

// Cancel fails every job of the batch that is still queued. Jobs in flight
// or waiting for a retry are left to finish.
func (s *Scheduler) Cancel(ctx context.Context, batchID uuid.UUID) (
	CancelResult, error) {

	jobs, err := s.listJobs(ctx, batchID)
	if err != nil {
		return CancelResult{}, err
	}

	s.mu.Lock()
	delete(s.waiting, batchID)
	s.mu.Unlock()

	result := CancelResult{BatchID: batchID}

	for _, job := range jobs {
		if job.State != types.JobQueued {
			if job.State.IsTerminal() {
				result.Finished++
			} else {
				result.Running++
			}
			continue
		}

		outcome := types.FatalFailure(CodeCancelled, "batch cancelled")
		outcome.Source = types.SourceScheduler

		cancelled, err := s.transition(ctx, job, types.JobFailedFinal, outcome,
			types.JobQueued)
		if err != nil {
			if stderrors.Is(err, repository.ErrStateConflict) {
				// a worker picked the job up first
				result.Running++
				continue
			}
			return result, errors.Infrastructure("batch cancellation failed", err)
		}

		result.Cancelled++
		s.publish(ctx, events.JobFailed, cancelled, outcome)
	}

	s.log.Info("Batch cancelled",
		"batch", batchID,
		"cancelled", result.Cancelled,
		"running", result.Running,
		"finished", result.Finished,
	)

	return result, nil
}

// transition applies outcome to job and moves it to state.
func (s *Scheduler) transition(ctx context.Context, job types.TransferJob,
	state types.JobState, outcome types.Outcome, from ...types.JobState) (
	types.TransferJob, error) {

	job.State = state
	job.LastError = outcome.Error()
	job.LeaseExpiresAt = nil

	if outcome.IsSuccess() {
		job.Reference = outcome.Reference
	}

	return s.save(ctx, job, from...)
}

// save stores job if the stored state is one of from.
func (s *Scheduler) save(ctx context.Context, job types.TransferJob,
	from ...types.JobState) (types.TransferJob, error) {

	for _, state := range from {
		if !state.CanTransition(job.State) {
			return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition,
				state, job.State)
		}
	}

	now := s.now().UTC()

	job.UpdatedAt = now
	if job.State.IsTerminal() {
		job.CompletedAt = &now
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	defer cancel()

	err := s.store.UpdateJob(ctxWithTimeout, job, from...)
	if err != nil {
		return job, err
	}

	metrics.JobTransitions.WithLabelValues(string(job.State)).Inc()

	return job, nil
}

func (s *Scheduler) publish(ctx context.Context, kind events.Kind,
	job types.TransferJob, outcome types.Outcome) {

	err := s.publisher.Publish(context.WithoutCancel(ctx), events.Event{
		Kind:       kind,
		Job:        job,
		Outcome:    outcome,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error("couldn't publish job outcome",
			"job", job.ID,
			"kind", kind,
			"code", outcome.ErrorCode,
			"error", err,
		)
	}
}
