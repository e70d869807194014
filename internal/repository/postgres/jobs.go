package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// amounts and json documents travel as text and are cast in SQL
const jobColumns = `id, batch_id, position, beneficiary::text, amount::text,
	currency, memo, state, attempts, last_error::text, reference, created_at,
	updated_at, completed_at, owner, lease_expires_at`

func scanJob(row pgx.Row) (types.TransferJob, error) {
	var (
		job         types.TransferJob
		beneficiary string
		amount      string
		lastError   *string
	)

	err := row.Scan(&job.ID, &job.BatchID, &job.Position, &beneficiary, &amount,
		&job.Currency, &job.Memo, &job.State, &job.Attempts, &lastError,
		&job.Reference, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
		&job.Owner, &job.LeaseExpiresAt)
	if err != nil {
		return job, err
	}

	err = json.Unmarshal([]byte(beneficiary), &job.Beneficiary)
	if err != nil {
		return job, fmt.Errorf("couldn't decode beneficiary snapshot: %w", err)
	}

	job.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return job, fmt.Errorf("couldn't decode amount: %w", err)
	}

	if lastError != nil {
		job.LastError = &types.JobError{}
		err = json.Unmarshal([]byte(*lastError), job.LastError)
		if err != nil {
			return job, fmt.Errorf("couldn't decode last error: %w", err)
		}
	}

	return job, nil
}

func collectJobs(rows pgx.Rows) ([]types.TransferJob, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TransferJob, error) {
		return scanJob(row)
	})
}

func encodeLastError(e *types.JobError) (*string, error) {
	if e == nil {
		return nil, nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	s := string(data)
	return &s, nil
}

// CreateBatch stores the batch and all its jobs in one transaction.
func (p *Postgres) CreateBatch(ctx context.Context, batch types.BatchDefinition,
	jobs []types.TransferJob) error {

	entries, err := json.Marshal(batch.Entries)
	if err != nil {
		return fmt.Errorf("couldn't encode entries: %w", err)
	}

	var runAt *time.Time
	if !batch.RunAt.IsZero() {
		runAt = &batch.RunAt
	}

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("couldn't begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, requested_by, entries, run_at, created_at)
		VALUES ($1, $2, $3::text::jsonb, $4, $5)`,
		batch.ID, batch.RequestedBy, string(entries), runAt, batch.CreatedAt)
	if err != nil {
		return duplicateOr(err, "couldn't persist batch: %w")
	}

	queue := &pgx.Batch{}
	for _, job := range jobs {
		snapshot, err := json.Marshal(job.Beneficiary)
		if err != nil {
			return fmt.Errorf("couldn't encode beneficiary snapshot: %w", err)
		}

		lastError, err := encodeLastError(job.LastError)
		if err != nil {
			return fmt.Errorf("couldn't encode last error: %w", err)
		}

		queue.Queue(`
			INSERT INTO transfer_jobs (id, batch_id, position, beneficiary, amount,
				currency, memo, state, attempts, last_error, reference, created_at,
				updated_at, completed_at, owner, lease_expires_at)
			VALUES ($1, $2, $3, $4::text::jsonb, $5::text::numeric, $6, $7, $8, $9,
				$10::text::jsonb, $11, $12, $13, $14, $15, $16)`,
			job.ID, job.BatchID, job.Position, string(snapshot),
			job.Amount.String(), job.Currency, job.Memo, string(job.State),
			job.Attempts, lastError, job.Reference, job.CreatedAt, job.UpdatedAt,
			job.CompletedAt, job.Owner, job.LeaseExpiresAt)
	}

	err = tx.SendBatch(ctx, queue).Close()
	if err != nil {
		return duplicateOr(err, "couldn't persist jobs: %w")
	}

	err = tx.Commit(ctx)
	if err != nil {
		return fmt.Errorf("couldn't commit batch: %w", err)
	}

	p.log.Debug("Batch persisted", "batch", batch.ID, "jobs", len(jobs))

	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, id uuid.UUID) (
	types.BatchDefinition, error) {

	var (
		batch   types.BatchDefinition
		entries string
		runAt   *time.Time
	)

	err := p.pg.QueryRow(ctx, `
		SELECT id, requested_by, entries::text, run_at, created_at
		FROM batches WHERE id = $1`, id).Scan(
		&batch.ID, &batch.RequestedBy, &entries, &runAt, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return batch, repository.ErrNotFound
		}
		return batch, fmt.Errorf("couldn't load batch: %w", err)
	}

	err = json.Unmarshal([]byte(entries), &batch.Entries)
	if err != nil {
		return batch, fmt.Errorf("couldn't decode entries: %w", err)
	}

	if runAt != nil {
		batch.RunAt = *runAt
	}

	return batch, nil
}

func (p *Postgres) ListJobs(ctx context.Context, batchID uuid.UUID) (
	[]types.TransferJob, error) {

	var exists bool
	err := p.pg.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("couldn't check batch: %w", err)
	}

	if !exists {
		return nil, repository.ErrNotFound
	}

	rows, err := p.pg.Query(ctx, `SELECT `+jobColumns+` FROM transfer_jobs
		WHERE batch_id = $1 ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("couldn't list jobs: %w", err)
	}

	return collectJobs(rows)
}

func (p *Postgres) GetJob(ctx context.Context, id uuid.UUID) (types.TransferJob, error) {
	job, err := scanJob(p.pg.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transfer_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job, repository.ErrNotFound
		}
		return job, fmt.Errorf("couldn't load job: %w", err)
	}

	return job, nil
}

// UpdateJob writes the job only when its stored state is one of from. The
// conditional update is the single-record atomic step every transition
// relies on. A job in flight is only written by its owner.
func (p *Postgres) UpdateJob(ctx context.Context, job types.TransferJob,
	from ...types.JobState) error {

	states := make([]string, len(from))
	for i, state := range from {
		states[i] = string(state)
	}

	lastError, err := encodeLastError(job.LastError)
	if err != nil {
		return fmt.Errorf("couldn't encode last error: %w", err)
	}

	tag, err := p.pg.Exec(ctx, `
		UPDATE transfer_jobs SET
			state = $2,
			attempts = $3,
			last_error = $4::text::jsonb,
			reference = $5,
			updated_at = $6,
			completed_at = $7,
			owner = $9,
			lease_expires_at = $10
		WHERE id = $1 AND state = ANY($8::text[])
			AND (state <> 'in_flight' OR owner = $9)`,
		job.ID, string(job.State), job.Attempts, lastError, job.Reference,
		job.UpdatedAt, job.CompletedAt, states, job.Owner, job.LeaseExpiresAt)
	if err != nil {
		return fmt.Errorf("couldn't update job: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	return p.conflictOrMissing(ctx, job.ID)
}

func (p *Postgres) ListJobsByState(ctx context.Context, states ...types.JobState) (
	[]types.TransferJob, error) {

	values := make([]string, len(states))
	for i, state := range states {
		values[i] = string(state)
	}

	rows, err := p.pg.Query(ctx, `SELECT `+jobColumns+` FROM transfer_jobs
		WHERE state = ANY($1::text[]) ORDER BY created_at, position`, values)
	if err != nil {
		return nil, fmt.Errorf("couldn't list jobs by state: %w", err)
	}

	return collectJobs(rows)
}

// TakeOver claims an in-flight job for owner until leaseUntil. It succeeds
// when owner already holds the job or the lease of the holder ran out at now.
func (p *Postgres) TakeOver(ctx context.Context, id uuid.UUID, owner string,
	leaseUntil, now time.Time) (types.TransferJob, error) {

	job, err := scanJob(p.pg.QueryRow(ctx, `
		UPDATE transfer_jobs SET owner = $2, lease_expires_at = $3
		WHERE id = $1 AND state = 'in_flight'
			AND (owner = $2 OR lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING `+jobColumns, id, owner, leaseUntil, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job, p.conflictOrMissing(ctx, id)
		}
		return job, fmt.Errorf("couldn't take over job: %w", err)
	}

	return job, nil
}

// RenewLease extends the lease of an in-flight job held by owner.
func (p *Postgres) RenewLease(ctx context.Context, id uuid.UUID, owner string,
	leaseUntil time.Time) error {

	tag, err := p.pg.Exec(ctx, `
		UPDATE transfer_jobs SET lease_expires_at = $3
		WHERE id = $1 AND state = 'in_flight' AND owner = $2`,
		id, owner, leaseUntil)
	if err != nil {
		return fmt.Errorf("couldn't renew lease: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	return p.conflictOrMissing(ctx, id)
}

func (p *Postgres) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := p.pg.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfer_jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("couldn't check job: %w", err)
	}

	if !exists {
		return repository.ErrNotFound
	}

	return repository.ErrStateConflict
}
