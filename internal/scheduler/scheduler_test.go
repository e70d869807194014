package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/compliance"
	"github.com/openbuilders/payout-orchestrator/internal/errors"
	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/executor"
	"github.com/openbuilders/payout-orchestrator/internal/rail"
	"github.com/openbuilders/payout-orchestrator/internal/rail/mock"
	"github.com/openbuilders/payout-orchestrator/internal/registry"
	"github.com/openbuilders/payout-orchestrator/internal/repository/memory"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// recorder is a synchronous publisher that keeps every event and hands
// failures to the compliance tracker.
type recorder struct {
	mu      sync.Mutex
	events  []events.Event
	tracker *compliance.Tracker
}

func (r *recorder) Publish(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	if r.tracker != nil {
		r.tracker.Handle(ctx, event)
	}

	return nil
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}

	return n
}

type harness struct {
	scheduler  *Scheduler
	config     Config
	store      *memory.Jobs
	registry   *registry.Registry
	ledger     *memory.ComplianceErrors
	tracker    *compliance.Tracker
	rail       *mock.Rail
	events     *recorder
	maxRetries int
}

func beneficiary(id string, status types.KYCStatus) types.Beneficiary {
	return types.Beneficiary{
		ID:            id,
		HolderName:    "Holder " + id,
		BankName:      "First Bank",
		AccountNumber: "ACC-" + id,
		SwiftCode:     "FRSTUS33",
		Currency:      "USD",
		KYCStatus:     status,
	}
}

func newHarness(t *testing.T, workers, maxRetries int, r *mock.Rail) *harness {
	t.Helper()

	beneficiaries := memory.NewBeneficiaries(
		beneficiary("b1", types.KYCVerified),
		beneficiary("b2", types.KYCVerified),
		beneficiary("b3", types.KYCVerified),
		beneficiary("pending", types.KYCPending),
		beneficiary("rejected", types.KYCRejected),
	)

	store := memory.NewJobs()
	ledger := memory.NewComplianceErrors()

	tracker := compliance.New(&compliance.Config{
		DBTimeout: time.Second,
		RetryBase: time.Millisecond,
		RetryMax:  10 * time.Millisecond,
	}, ledger)

	rec := &recorder{tracker: tracker}

	config := Config{
		Workers:          workers,
		MaxRetries:       maxRetries,
		BackoffBase:      time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		DBTimeout:        time.Second,
		DueSweepSchedule: "@every 1h",
		InstanceID:       "instance-a",
		LeaseTTL:         200 * time.Millisecond,
	}
	reg := registry.New(&registry.Config{DBTimeout: time.Second}, beneficiaries)

	s := New(&config, store, reg,
		executor.New(&executor.Config{RailTimeout: time.Second}, r),
		rec,
	)

	return &harness{
		scheduler:  s,
		config:     config,
		store:      store,
		registry:   reg,
		ledger:     ledger,
		tracker:    tracker,
		rail:       r,
		events:     rec,
		maxRetries: maxRetries,
	}
}

// peer is another instance sharing the store and the rail of h.
func (h *harness) peer(instanceID string) *Scheduler {
	config := h.config
	config.InstanceID = instanceID

	return New(&config, h.store, h.registry,
		executor.New(&executor.Config{RailTimeout: time.Second}, h.rail),
		h.events,
	)
}

// start runs the scheduler until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.scheduler.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func entry(beneficiaryID, amount string) types.BatchEntry {
	return types.BatchEntry{
		BeneficiaryID: beneficiaryID,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
	}
}

func waitTerminal(t *testing.T, h *harness, batchID uuid.UUID) []types.TransferJob {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := h.store.ListJobs(context.Background(), batchID)
		if err != nil {
			t.Fatalf("list jobs: %v", err)
		}

		done := true
		for _, job := range jobs {
			if !job.State.IsTerminal() {
				done = false
				break
			}
		}

		if done {
			return jobs
		}

		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("batch %s did not reach a terminal state", batchID)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmit_UnverifiedBeneficiaryRejectsWholeBatch(t *testing.T) {
	h := newHarness(t, 2, 3, mock.New())

	_, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		RequestedBy: "ops",
		Entries: []types.BatchEntry{
			entry("b1", "10"),
			entry("pending", "20"),
			entry("b3", "30"),
		},
	})

	if !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}

	jobs, _ := h.store.ListJobsByState(context.Background(), types.JobQueued,
		types.JobInFlight, types.JobRetrying, types.JobSucceeded,
		types.JobFailedFinal)
	if len(jobs) != 0 {
		t.Fatalf("expected zero persisted jobs, got %d", len(jobs))
	}
}

func TestSubmit_ReportsEveryReason(t *testing.T) {
	h := newHarness(t, 2, 3, mock.New())

	bad := entry("b2", "5")
	bad.Currency = "EUR"

	_, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{
			entry("missing", "10"),
			entry("rejected", "10"),
			entry("b1", "0"),
			bad,
		},
	})

	var se errors.ServiceError
	if !asServiceError(err, &se) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if len(se.Reasons) != 4 {
		t.Fatalf("expected 4 reasons, got %d: %v", len(se.Reasons), se.Reasons)
	}

	_, err = h.scheduler.Submit(context.Background(), types.BatchDefinition{})
	if !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected empty batch to be rejected, got %v", err)
	}
}

func asServiceError(err error, target *errors.ServiceError) bool {
	se, ok := err.(errors.ServiceError)
	if ok {
		*target = se
	}
	return ok
}

func TestSubmit_SnapshotsBeneficiaries(t *testing.T) {
	h := newHarness(t, 1, 3, mock.New())

	batchID, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b1", "10"), entry("b2", "20")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	statuses, err := h.scheduler.Status(context.Background(), batchID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(statuses))
	}
	for _, st := range statuses {
		if st.State != types.JobQueued {
			t.Fatalf("expected queued before Run, got %s", st.State)
		}
	}

	history, err := h.scheduler.History(context.Background(), batchID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.Jobs[0].Beneficiary.AccountNumber != "ACC-b1" {
		t.Fatalf("unexpected snapshot %+v", history.Jobs[0].Beneficiary)
	}
	if !history.Batch.GetTotal().Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected batch total %s", history.Batch.GetTotal())
	}
}

func TestStatus_UnknownBatch(t *testing.T) {
	h := newHarness(t, 1, 3, mock.New())

	_, err := h.scheduler.Status(context.Background(), uuid.New())
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRun_RetryableTwiceThenSuccess(t *testing.T) {
	h := newHarness(t, 2, 3, mock.New(mock.WithScript(
		mock.FailFirst(2, rail.CodeNetworkError))))
	h.start(t)

	batchID, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b1", "10")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	jobs := waitTerminal(t, h, batchID)

	if jobs[0].State != types.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", jobs[0].State)
	}
	if jobs[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", jobs[0].Attempts)
	}
	if jobs[0].Reference == "" || jobs[0].LastError != nil {
		t.Fatalf("unexpected job %+v", jobs[0])
	}

	records, _ := h.tracker.List(context.Background(), types.ComplianceFilter{})
	if len(records) != 0 {
		t.Fatalf("expected no compliance records, got %d", len(records))
	}
	if n := h.events.count(events.JobRetrying); n != 2 {
		t.Fatalf("expected 2 retrying events, got %d", n)
	}
	if n := h.events.count(events.JobSucceeded); n != 1 {
		t.Fatalf("expected 1 success event, got %d", n)
	}
}

func TestRun_FatalSanctionsMatch(t *testing.T) {
	h := newHarness(t, 2, 3, mock.New(mock.WithScript(
		mock.RejectAccounts(map[string]string{"ACC-b2": rail.CodeSanctionsMatch}))))
	h.start(t)

	batchID, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b2", "10")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	jobs := waitTerminal(t, h, batchID)

	if jobs[0].State != types.JobFailedFinal || jobs[0].Attempts != 1 {
		t.Fatalf("expected failed_final after 1 attempt, got %s/%d",
			jobs[0].State, jobs[0].Attempts)
	}
	if jobs[0].LastError == nil || jobs[0].LastError.Code != rail.CodeSanctionsMatch {
		t.Fatalf("unexpected last error %+v", jobs[0].LastError)
	}

	records, _ := h.tracker.List(context.Background(), types.ComplianceFilter{})
	if len(records) != 1 {
		t.Fatalf("expected 1 compliance record, got %d", len(records))
	}
	if records[0].Category != types.CategoryCompliance {
		t.Fatalf("expected compliance category, got %s", records[0].Category)
	}
	if records[0].AffectedTransfers != 1 {
		t.Fatalf("expected 1 affected transfer, got %d", records[0].AffectedTransfers)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	h := newHarness(t, 2, 2, mock.New(mock.WithScript(
		mock.FailFirst(100, rail.CodeUnavailable))))
	h.start(t)

	batchID, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b1", "10"), entry("b3", "12")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	jobs := waitTerminal(t, h, batchID)

	for _, job := range jobs {
		if job.State != types.JobFailedFinal {
			t.Fatalf("expected failed_final, got %s", job.State)
		}
		if job.Attempts != h.maxRetries+1 {
			t.Fatalf("expected %d attempts, got %d", h.maxRetries+1, job.Attempts)
		}
		if h.rail.Calls(job.IdempotencyKey()) != h.maxRetries+1 {
			t.Fatalf("expected %d rail calls", h.maxRetries+1)
		}
	}

	if n := h.events.count(events.JobFailed); n != 2 {
		t.Fatalf("expected one failure event per job, got %d", n)
	}

	records, _ := h.tracker.List(context.Background(), types.ComplianceFilter{})
	if len(records) != 1 || records[0].AffectedTransfers != 2 {
		t.Fatalf("expected one record counting 2 transfers, got %+v", records)
	}
}

func TestRun_EveryEntryReachesTerminalWithinAttemptCap(t *testing.T) {
	const entries = 60

	script := func(req rail.TransferRequest, call int) (rail.TransferResult, error) {
		switch req.Amount.IntPart() % 4 {
		case 0:
			return mock.Failed(rail.CodeTimeout), nil
		case 1:
			return mock.Failed(rail.CodeInvalidDestination), nil
		case 2:
			if call < 3 {
				return mock.Failed(rail.CodeRateLimited), nil
			}
		}
		return rail.TransferResult{Status: rail.StatusSucceeded}, nil
	}

	h := newHarness(t, 8, 3, mock.New(mock.WithScript(script)))
	h.start(t)

	batch := types.BatchDefinition{}
	ids := []string{"b1", "b2", "b3"}
	for i := 0; i < entries; i++ {
		batch.Entries = append(batch.Entries, entry(ids[i%3], fmt.Sprint(i+1)))
	}

	batchID, err := h.scheduler.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	jobs := waitTerminal(t, h, batchID)
	if len(jobs) != entries {
		t.Fatalf("expected %d jobs, got %d", entries, len(jobs))
	}

	for _, job := range jobs {
		if job.Attempts < 1 || job.Attempts > h.maxRetries+1 {
			t.Fatalf("job %d: attempts %d out of bounds", job.Position, job.Attempts)
		}
		if h.rail.Successes(job.IdempotencyKey()) > 1 {
			t.Fatalf("job %d settled twice", job.Position)
		}
	}

	terminalEvents := h.events.count(events.JobSucceeded) + h.events.count(events.JobFailed)
	if terminalEvents != entries {
		t.Fatalf("expected %d terminal events, got %d", entries, terminalEvents)
	}
}

func TestRun_WorkerPoolBoundsConcurrency(t *testing.T) {
	const workers = 3

	var (
		current int64
		peak    int64
	)

	script := func(req rail.TransferRequest, call int) (rail.TransferResult, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		atomic.AddInt64(&current, -1)

		return rail.TransferResult{Status: rail.StatusSucceeded}, nil
	}

	h := newHarness(t, workers, 3, mock.New(mock.WithScript(script)))
	h.start(t)

	// two batches share the same pool
	var batchIDs []uuid.UUID
	for b := 0; b < 2; b++ {
		batch := types.BatchDefinition{}
		for i := 0; i < 10; i++ {
			batch.Entries = append(batch.Entries, entry("b1", "1"))
		}

		id, err := h.scheduler.Submit(context.Background(), batch)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		batchIDs = append(batchIDs, id)
	}

	for _, id := range batchIDs {
		waitTerminal(t, h, id)
	}

	if p := atomic.LoadInt64(&peak); p > workers {
		t.Fatalf("expected at most %d concurrent rail calls, saw %d", workers, p)
	}
}

func TestCancel_QueuedFailInFlightFinishes(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	script := func(req rail.TransferRequest, call int) (rail.TransferResult, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return rail.TransferResult{Status: rail.StatusSucceeded}, nil
	}

	h := newHarness(t, 1, 3, mock.New(mock.WithScript(script)))
	h.start(t)

	batchID, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b1", "1"), entry("b2", "2"), entry("b3", "3")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-entered

	result, err := h.scheduler.Cancel(context.Background(), batchID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Cancelled != 2 || result.Running != 1 {
		t.Fatalf("unexpected cancel result %+v", result)
	}

	close(release)

	jobs := waitTerminal(t, h, batchID)

	succeeded, cancelled := 0, 0
	for _, job := range jobs {
		switch {
		case job.State == types.JobSucceeded:
			succeeded++
		case job.State == types.JobFailedFinal && job.LastError.Code == CodeCancelled:
			cancelled++
			if job.Attempts != 0 {
				t.Fatalf("cancelled job was attempted %d times", job.Attempts)
			}
		}
	}

	if succeeded != 1 || cancelled != 2 {
		t.Fatalf("expected 1 succeeded and 2 cancelled, got %d and %d",
			succeeded, cancelled)
	}
	if h.rail.TotalSuccesses() != 1 {
		t.Fatalf("cancelled jobs reached the rail")
	}

	records, _ := h.tracker.List(context.Background(), types.ComplianceFilter{})
	if len(records) != 1 || records[0].ErrorCode != CodeCancelled ||
		records[0].AffectedTransfers != 2 {
		t.Fatalf("unexpected cancellation records %+v", records)
	}
}

func TestCancel_UnknownBatch(t *testing.T) {
	h := newHarness(t, 1, 3, mock.New())

	_, err := h.scheduler.Cancel(context.Background(), uuid.New())
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSubmit_FutureRunTimeWaitsForSweep(t *testing.T) {
	h := newHarness(t, 1, 3, mock.New())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.scheduler.now = func() time.Time { return now }

	_, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b1", "1"), entry("b2", "2")},
		RunAt:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if n := h.scheduler.queue.len(); n != 0 {
		t.Fatalf("expected nothing dispatched before run time, got %d", n)
	}

	h.scheduler.releaseDue(context.Background())
	if n := h.scheduler.queue.len(); n != 0 {
		t.Fatalf("batch released early, %d queued", n)
	}

	now = now.Add(time.Hour)
	h.scheduler.releaseDue(context.Background())
	if n := h.scheduler.queue.len(); n != 2 {
		t.Fatalf("expected 2 released jobs, got %d", n)
	}
}

func TestResume_UnfinishedJobs(t *testing.T) {
	h := newHarness(t, 1, 2, mock.New())
	ctx := context.Background()

	now := time.Now().UTC()
	batch := types.BatchDefinition{ID: uuid.New(), CreatedAt: now}

	job := func(state types.JobState, attempts int, owner string,
		lease time.Time) types.TransferJob {

		j := types.TransferJob{
			ID:          uuid.New(),
			BatchID:     batch.ID,
			Beneficiary: beneficiary("b1", types.KYCVerified),
			Amount:      decimal.NewFromInt(1),
			Currency:    "USD",
			State:       state,
			Attempts:    attempts,
			Owner:       owner,
			CreatedAt:   now,
		}
		if !lease.IsZero() {
			j.LeaseExpiresAt = &lease
		}
		return j
	}

	stale := job(types.JobInFlight, 1, "instance-gone", now.Add(-time.Minute))
	earlierRun := job(types.JobInFlight, 3, "instance-a", now.Add(time.Hour))
	live := job(types.JobInFlight, 1, "instance-b", now.Add(time.Hour))
	queued := job(types.JobQueued, 0, "", time.Time{})

	err := h.store.CreateBatch(ctx, batch,
		[]types.TransferJob{stale, earlierRun, live, queued})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	err = h.scheduler.resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	for _, id := range []uuid.UUID{stale.ID, earlierRun.ID} {
		got, _ := h.store.GetJob(ctx, id)
		if got.State != types.JobInFlight || got.Owner != "instance-a" {
			t.Fatalf("expected the job to be taken over in flight, got %+v", got)
		}
	}

	got, _ := h.store.GetJob(ctx, live.ID)
	if got.Owner != "instance-b" {
		t.Fatalf("a job with a live lease must stay with its owner, got %s", got.Owner)
	}

	if n := h.scheduler.queue.len(); n != 3 {
		t.Fatalf("expected 3 resumed jobs, got %d", n)
	}
	if n := h.events.count(events.JobFailed); n != 0 {
		t.Fatalf("recovery must not fail jobs on its own, got %d failures", n)
	}
}

func TestResume_LeavesJobOfLiveInstance(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	script := func(req rail.TransferRequest, call int) (rail.TransferResult, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return rail.TransferResult{Status: rail.StatusSucceeded}, nil
	}

	h := newHarness(t, 1, 0, mock.New(mock.WithScript(script)))
	h.start(t)

	batchID, err := h.scheduler.Submit(context.Background(), types.BatchDefinition{
		Entries: []types.BatchEntry{entry("b1", "1")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-entered

	// a second instance starts while the first is inside the rail call,
	// and keeps sweeping past several lease periods
	other := h.peer("instance-b")
	if err := other.resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	for i := 0; i < 5; i++ {
		time.Sleep(h.config.LeaseTTL / 2)

		n, err := other.reclaim(context.Background(), false)
		if err != nil || n != 0 {
			t.Fatalf("expected nothing to reclaim, got %d %v", n, err)
		}
	}

	if n := other.queue.len(); n != 0 {
		t.Fatalf("the second instance queued %d jobs", n)
	}

	close(release)

	jobs := waitTerminal(t, h, batchID)
	if jobs[0].State != types.JobSucceeded || jobs[0].Attempts != 1 {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
	if n := h.rail.TotalSuccesses(); n != 1 {
		t.Fatalf("expected one settled transfer, got %d", n)
	}
	if n := h.events.count(events.JobFailed); n != 0 {
		t.Fatalf("expected no failure, got %d", n)
	}
}

func TestResume_ConfirmsInterruptedAttemptAtCap(t *testing.T) {
	h := newHarness(t, 1, 0, mock.New())
	ctx := context.Background()

	now := time.Now().UTC()
	lease := now.Add(-time.Second)
	batch := types.BatchDefinition{ID: uuid.New(), CreatedAt: now}
	job := types.TransferJob{
		ID:             uuid.New(),
		BatchID:        batch.ID,
		Beneficiary:    beneficiary("b1", types.KYCVerified),
		Amount:         decimal.NewFromInt(7),
		Currency:       "USD",
		State:          types.JobInFlight,
		Attempts:       1,
		Owner:          "instance-gone",
		LeaseExpiresAt: &lease,
		CreatedAt:      now,
	}

	err := h.store.CreateBatch(ctx, batch, []types.TransferJob{job})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	// the call of the instance that went away did settle
	_, err = h.rail.SubmitTransfer(ctx, rail.TransferRequest{
		IdempotencyKey: job.IdempotencyKey(),
		Amount:         job.Amount,
		Currency:       job.Currency,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.start(t)

	jobs := waitTerminal(t, h, batch.ID)
	if jobs[0].State != types.JobSucceeded || jobs[0].Attempts != 1 {
		t.Fatalf("expected the settled transfer to be confirmed, got %+v", jobs[0])
	}
	if jobs[0].Owner != "instance-a" || jobs[0].LeaseExpiresAt != nil {
		t.Fatalf("unexpected lease after completion %+v", jobs[0])
	}
	if n := h.rail.Successes(job.IdempotencyKey()); n != 1 {
		t.Fatalf("expected a single settlement, got %d", n)
	}
	if n := h.events.count(events.JobFailed); n != 0 {
		t.Fatalf("expected no failure, got %d", n)
	}
}

func TestSave_RejectsInvalidTransition(t *testing.T) {
	h := newHarness(t, 1, 0, mock.New())
	ctx := context.Background()

	batch := types.BatchDefinition{ID: uuid.New(), CreatedAt: time.Now()}
	job := types.TransferJob{
		ID:      uuid.New(),
		BatchID: batch.ID,
		State:   types.JobSucceeded,
	}

	err := h.store.CreateBatch(ctx, batch, []types.TransferJob{job})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	job.State = types.JobRetrying
	_, err = h.scheduler.save(ctx, job, types.JobSucceeded)
	if !stderrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected an invalid transition, got %v", err)
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.State != types.JobSucceeded {
		t.Fatalf("terminal job was rewritten to %s", got.State)
	}
}

func TestBackoff_Bounds(t *testing.T) {
	s := New(&Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second},
		nil, nil, nil, nil)

	cases := []struct {
		attempt int
		full    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}

	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := s.backoff(tc.attempt)
			if d < tc.full/2 || d >= tc.full {
				t.Fatalf("attempt %d: delay %s outside [%s, %s)",
					tc.attempt, d, tc.full/2, tc.full)
			}
		}
	}
}

func TestDispatchQueue_Dedup(t *testing.T) {
	q := newDispatchQueue()
	id := uuid.New()

	if !q.push(id) {
		t.Fatal("first push must be accepted")
	}
	if q.push(id) {
		t.Fatal("a waiting id must not be queued twice")
	}

	got, ok := q.pop(context.Background())
	if !ok || got != id {
		t.Fatalf("unexpected pop %s %v", got, ok)
	}

	if !q.push(id) {
		t.Fatal("an id may be queued again once popped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.pop(ctx)
	cancel()

	if _, ok := q.pop(ctx); ok {
		t.Fatal("pop on an empty queue must stop with ctx")
	}
}
