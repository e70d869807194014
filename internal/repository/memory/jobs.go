package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

type batchRecord struct {
	definition types.BatchDefinition
	jobIDs     []uuid.UUID
}

// Jobs keeps batches and jobs in memory. Every job lives behind an atomic
// pointer and is replaced copy-on-write, so reads never take a lock.
type Jobs struct {
	batches sync.Map // uuid.UUID -> *batchRecord
	jobs    sync.Map // uuid.UUID -> *atomic.Pointer[types.TransferJob]
	create  sync.Mutex
}

func NewJobs() *Jobs {
	return &Jobs{}
}

func (s *Jobs) CreateBatch(ctx context.Context, batch types.BatchDefinition,
	jobs []types.TransferJob) error {

	// serializes concurrent creates of the same batch id
	s.create.Lock()
	defer s.create.Unlock()

	if _, exists := s.batches.Load(batch.ID); exists {
		return repository.ErrDuplicateKeyValue
	}

	ids := make([]uuid.UUID, len(jobs))
	for i := range jobs {
		if _, exists := s.jobs.Load(jobs[i].ID); exists {
			return repository.ErrDuplicateKeyValue
		}
		ids[i] = jobs[i].ID
	}

	for i := range jobs {
		job := jobs[i]
		ptr := &atomic.Pointer[types.TransferJob]{}
		ptr.Store(&job)
		s.jobs.Store(job.ID, ptr)
	}

	// the batch becomes visible only once all its jobs are stored
	s.batches.Store(batch.ID, &batchRecord{
		definition: batch,
		jobIDs:     ids,
	})

	return nil
}

func (s *Jobs) GetBatch(ctx context.Context, id uuid.UUID) (
	types.BatchDefinition, error) {

	record, ok := s.batches.Load(id)
	if !ok {
		return types.BatchDefinition{}, repository.ErrNotFound
	}

	return record.(*batchRecord).definition, nil
}

func (s *Jobs) ListJobs(ctx context.Context, batchID uuid.UUID) (
	[]types.TransferJob, error) {

	record, ok := s.batches.Load(batchID)
	if !ok {
		return nil, repository.ErrNotFound
	}

	ids := record.(*batchRecord).jobIDs
	jobs := make([]types.TransferJob, 0, len(ids))

	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *Jobs) GetJob(ctx context.Context, id uuid.UUID) (types.TransferJob, error) {
	ptr, ok := s.jobs.Load(id)
	if !ok {
		return types.TransferJob{}, repository.ErrNotFound
	}

	return *ptr.(*atomic.Pointer[types.TransferJob]).Load(), nil
}

// UpdateJob replaces the stored job when its current state is one of from.
// A job in flight is only replaced by its owner.
func (s *Jobs) UpdateJob(ctx context.Context, job types.TransferJob,
	from ...types.JobState) error {

	value, ok := s.jobs.Load(job.ID)
	if !ok {
		return repository.ErrNotFound
	}

	ptr := value.(*atomic.Pointer[types.TransferJob])
	next := job

	for {
		current := ptr.Load()
		if !slices.Contains(from, current.State) {
			return repository.ErrStateConflict
		}

		if current.State == types.JobInFlight && current.Owner != job.Owner {
			return repository.ErrStateConflict
		}

		if ptr.CompareAndSwap(current, &next) {
			return nil
		}
	}
}

// TakeOver claims an in-flight job for owner until leaseUntil. It succeeds
// when owner already holds the job or the lease of the holder ran out at now.
func (s *Jobs) TakeOver(ctx context.Context, id uuid.UUID, owner string,
	leaseUntil, now time.Time) (types.TransferJob, error) {

	return s.claim(id, func(current *types.TransferJob) bool {
		return current.Owner == owner || leaseExpired(current, now)
	}, owner, leaseUntil)
}

// RenewLease extends the lease of an in-flight job held by owner.
func (s *Jobs) RenewLease(ctx context.Context, id uuid.UUID, owner string,
	leaseUntil time.Time) error {

	_, err := s.claim(id, func(current *types.TransferJob) bool {
		return current.Owner == owner
	}, owner, leaseUntil)

	return err
}

func (s *Jobs) claim(id uuid.UUID, allowed func(*types.TransferJob) bool,
	owner string, leaseUntil time.Time) (types.TransferJob, error) {

	value, ok := s.jobs.Load(id)
	if !ok {
		return types.TransferJob{}, repository.ErrNotFound
	}

	ptr := value.(*atomic.Pointer[types.TransferJob])

	for {
		current := ptr.Load()
		if current.State != types.JobInFlight || !allowed(current) {
			return *current, repository.ErrStateConflict
		}

		next := *current
		next.Owner = owner
		next.LeaseExpiresAt = &leaseUntil

		if ptr.CompareAndSwap(current, &next) {
			return next, nil
		}
	}
}

func leaseExpired(job *types.TransferJob, now time.Time) bool {
	return job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now)
}

func (s *Jobs) ListJobsByState(ctx context.Context, states ...types.JobState) (
	[]types.TransferJob, error) {

	var result []types.TransferJob

	s.jobs.Range(func(_, value any) bool {
		job := *value.(*atomic.Pointer[types.TransferJob]).Load()
		if slices.Contains(states, job.State) {
			result = append(result, job)
		}
		return true
	})

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Position < result[j].Position
	})

	return result, nil
}
