package scheduler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/metrics"
	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const persistAttempts = 5

// Run recovers unfinished jobs, starts the due-batch sweep and the worker
// pool, and blocks until ctx is done. Workers finish their current attempt
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Starting scheduler",
		"instance", s.config.InstanceID,
		"workers", s.config.Workers,
		"max_attempts", s.MaxAttempts(),
	)

	err := s.resume(ctx)
	if err != nil {
		return err
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	_, err = c.AddFunc(s.config.DueSweepSchedule, func() {
		s.releaseDue(ctx)

		_, err := s.reclaim(ctx, false)
		if err != nil {
			s.log.Error("couldn't reclaim interrupted jobs", "error", err)
		}
	})
	if err != nil {
		return err
	}

	c.Start()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.work(ctx, worker)
		}(i)
	}

	<-ctx.Done()
	s.log.Info("Stopping scheduler...")

	<-c.Stop().Done()
	s.stopTimers()
	wg.Wait()

	s.log.Info("Scheduler stopped", "queued", s.queue.len())

	return ctx.Err()
}

func (s *Scheduler) work(ctx context.Context, worker int) {
	log := s.log.With("worker", worker)
	log.Debug("Worker started")

	for {
		id, ok := s.queue.pop(ctx)
		if !ok {
			log.Debug("Worker stopped")
			return
		}

		s.dispatch(ctx, id)
	}
}

// dispatch runs one attempt of the job. The in_flight write is conditional,
// so a job cancelled after it was queued is skipped here. A job already in
// flight was taken over by reclaim: its interrupted attempt is confirmed with
// the same idempotency key and no new attempt is counted.
func (s *Scheduler) dispatch(ctx context.Context, id uuid.UUID) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	job, err := s.store.GetJob(ctxWithTimeout, id)
	cancel()
	if err != nil {
		s.log.Error("couldn't load job", "job", id, "error", err)
		return
	}

	switch job.State {
	case types.JobQueued, types.JobRetrying:
	case types.JobInFlight:
		if job.Owner != s.config.InstanceID {
			s.log.Debug("Skipping job held by another instance",
				"job", id, "owner", job.Owner)
			return
		}
	default:
		s.log.Debug("Skipping job", "job", id, "state", job.State)
		return
	}

	if s.limiter != nil {
		err = s.limiter.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// left as is for recovery
				return
			}
			s.log.Warn("rate limiter unavailable, dispatching anyway",
				"job", id, "error", err)
		}
	}

	if !s.begin(id) {
		return
	}
	defer s.end(id)

	if job.State == types.JobInFlight {
		job, err = s.renew(ctx, job)
	} else {
		job, err = s.claim(ctx, job)
	}
	if err != nil {
		if !stderrors.Is(err, repository.ErrStateConflict) {
			s.log.Error("couldn't mark job in flight", "job", id, "error", err)
		}
		return
	}

	release := s.hold(ctx, job)
	outcome := s.executor.Execute(ctx, job)
	release()

	// the attempt happened: its result is stored even during shutdown
	s.complete(context.WithoutCancel(ctx), job, outcome)
}

// claim starts a new attempt: the job goes in flight under this instance's
// lease.
func (s *Scheduler) claim(ctx context.Context, job types.TransferJob) (
	types.TransferJob, error) {

	from := job.State
	lease := s.now().UTC().Add(s.config.LeaseTTL)

	job.State = types.JobInFlight
	job.Attempts++
	job.Owner = s.config.InstanceID
	job.LeaseExpiresAt = &lease

	job, err := s.save(ctx, job, from)
	if err != nil {
		return job, err
	}

	metrics.JobsDispatched.Inc()

	return job, nil
}

// renew extends the lease of a job this instance already holds in flight.
func (s *Scheduler) renew(ctx context.Context, job types.TransferJob) (
	types.TransferJob, error) {

	lease := s.now().UTC().Add(s.config.LeaseTTL)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	defer cancel()

	err := s.store.RenewLease(ctxWithTimeout, job.ID, s.config.InstanceID, lease)
	if err != nil {
		return job, err
	}

	job.LeaseExpiresAt = &lease

	s.log.Info("Confirming interrupted attempt",
		"job", job.ID, "attempt", job.Attempts)

	return job, nil
}

// hold renews the lease of job until the returned release is called.
func (s *Scheduler) hold(ctx context.Context, job types.TransferJob) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(max(s.config.LeaseTTL/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			lease := s.now().UTC().Add(s.config.LeaseTTL)

			ctxWithTimeout, cancelRenew := context.WithTimeout(ctx, s.config.DBTimeout)
			err := s.store.RenewLease(ctxWithTimeout, job.ID, s.config.InstanceID, lease)
			cancelRenew()

			if err != nil && ctx.Err() == nil {
				s.log.Warn("couldn't renew job lease", "job", job.ID, "error", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// begin marks the job as executing in this process. It reports false when
// the job already is.
func (s *Scheduler) begin(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = struct{}{}

	return true
}

func (s *Scheduler) end(id uuid.UUID) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Scheduler) isActive(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.active[id]
	return ok
}

// complete moves an in-flight job to the state its outcome calls for.
func (s *Scheduler) complete(ctx context.Context, job types.TransferJob,
	outcome types.Outcome) {

	var (
		state types.JobState
		kind  events.Kind
	)

	switch {
	case outcome.IsSuccess():
		state, kind = types.JobSucceeded, events.JobSucceeded
	case outcome.Kind == types.OutcomeRetryable && job.Attempts < s.MaxAttempts():
		state, kind = types.JobRetrying, events.JobRetrying
	default:
		state, kind = types.JobFailedFinal, events.JobFailed
	}

	updated, err := s.persist(ctx, job, state, outcome)
	if err != nil {
		s.log.Error("couldn't store attempt outcome, left in flight for recovery",
			"job", job.ID,
			"attempt", job.Attempts,
			"outcome", outcome.Kind,
			"reference", outcome.Reference,
			"error", err,
		)
		return
	}

	s.log.Debug("Attempt completed",
		"job", job.ID,
		"attempt", job.Attempts,
		"state", state,
		"code", outcome.ErrorCode,
	)

	s.publish(ctx, kind, updated, outcome)

	if state == types.JobRetrying {
		s.retryLater(updated.ID, s.backoff(updated.Attempts))
	}
}

// persist stores the in_flight -> state transition, retrying store errors.
func (s *Scheduler) persist(ctx context.Context, job types.TransferJob,
	state types.JobState, outcome types.Outcome) (types.TransferJob, error) {

	var (
		updated types.TransferJob
		err     error
	)

	delay := s.config.BackoffBase
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		updated, err = s.transition(ctx, job, state, outcome, types.JobInFlight)
		if err == nil || stderrors.Is(err, repository.ErrStateConflict) {
			return updated, err
		}

		s.log.Warn("job update failed, retrying",
			"job", job.ID, "attempt", attempt, "error", err)

		time.Sleep(delay)
		delay = min(delay*2, s.config.BackoffMax)
	}

	return updated, err
}

// backoff returns the delay before the attempt following attempt:
// base * 2^(attempt-1) capped at max, with jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.config.BackoffBase
	for i := 1; i < attempt && delay < s.config.BackoffMax; i++ {
		delay *= 2
	}

	delay = min(delay, s.config.BackoffMax)

	return s.jitter(delay)
}

// halfJitter picks a delay uniformly in [d/2, d).
func halfJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}

	return half + time.Duration(rand.Int63n(int64(half)))
}

// retryLater re-enqueues the job after delay without holding a worker.
func (s *Scheduler) retryLater(id uuid.UUID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.queue.push(id)
	})
}

// stopTimers drops pending retries. Their jobs stay retrying and are picked
// up by recovery on the next start.
func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// releaseDue enqueues the jobs of waiting batches whose run time has come.
func (s *Scheduler) releaseDue(ctx context.Context) {
	now := s.now()

	var due []uuid.UUID

	s.mu.Lock()
	for id, runAt := range s.waiting {
		if !runAt.After(now) {
			due = append(due, id)
			delete(s.waiting, id)
		}
	}
	s.mu.Unlock()

	for _, batchID := range due {
		jobs, err := s.listJobs(ctx, batchID)
		if err != nil {
			s.log.Error("couldn't release batch", "batch", batchID, "error", err)

			s.mu.Lock()
			s.waiting[batchID] = now
			s.mu.Unlock()
			continue
		}

		released := 0
		for _, job := range jobs {
			if job.State == types.JobQueued || job.State == types.JobRetrying {
				s.queue.push(job.ID)
				released++
			}
		}

		s.log.Info("Batch released", "batch", batchID, "jobs", released)
	}
}

// reclaim takes over in-flight jobs whose holder stopped renewing its lease
// and queues them to confirm their interrupted attempt. On start, jobs left
// in flight by an earlier run of this instance are taken over as well.
func (s *Scheduler) reclaim(ctx context.Context, starting bool) (int, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	inFlight, err := s.store.ListJobsByState(ctxWithTimeout, types.JobInFlight)
	cancel()
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	reclaimed := 0

	for _, job := range inFlight {
		if s.isActive(job.ID) {
			continue
		}

		own := starting && job.Owner == s.config.InstanceID
		if !own && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}

		ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
		_, err = s.store.TakeOver(ctxWithTimeout, job.ID, s.config.InstanceID,
			now.Add(s.config.LeaseTTL), now)
		cancel()
		if err != nil {
			if stderrors.Is(err, repository.ErrStateConflict) {
				continue
			}
			return reclaimed, err
		}

		s.log.Info("Took over interrupted job",
			"job", job.ID,
			"previous_owner", job.Owner,
			"attempt", job.Attempts,
		)

		if s.queue.push(job.ID) {
			reclaimed++
		}
	}

	return reclaimed, nil
}

// resume picks up the jobs a previous process left unfinished.
func (s *Scheduler) resume(ctx context.Context) error {
	reclaimed, err := s.reclaim(ctx, true)
	if err != nil {
		return err
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	pending, err := s.store.ListJobsByState(ctxWithTimeout, types.JobQueued,
		types.JobRetrying)
	cancel()
	if err != nil {
		return err
	}

	now := s.now()
	batches := make(map[uuid.UUID]types.BatchDefinition)
	resumed := 0

	for _, job := range pending {
		batch, ok := batches[job.BatchID]
		if !ok {
			ctxWithTimeout, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
			batch, err = s.store.GetBatch(ctxWithTimeout, job.BatchID)
			cancel()
			if err != nil {
				return err
			}
			batches[job.BatchID] = batch
		}

		if !batch.IsDue(now) {
			s.mu.Lock()
			s.waiting[batch.ID] = batch.RunAt
			s.mu.Unlock()
			continue
		}

		if s.queue.push(job.ID) {
			resumed++
		}
	}

	if reclaimed > 0 || resumed > 0 {
		s.log.Info("Recovered unfinished jobs",
			"in_flight", reclaimed,
			"resumed", resumed,
		)
	}

	return nil
}
