package postgres

import (
	"context"
	"fmt"

	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const complianceColumns = `id, error_code, message, severity, category, description,
	resolution, baas_request_id, timeout_code, last_occurred, affected_transfers,
	created_at`

func scanComplianceError(row pgx.Row) (types.ComplianceError, error) {
	var r types.ComplianceError

	err := row.Scan(&r.ID, &r.ErrorCode, &r.Message, &r.Severity, &r.Category,
		&r.Description, &r.Resolution, &r.BaaSRequestID, &r.TimeoutCode,
		&r.LastOccurred, &r.AffectedTransfers, &r.CreatedAt)

	return r, err
}

func collectComplianceErrors(rows pgx.Rows) ([]types.ComplianceError, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ComplianceError, error) {
		return scanComplianceError(row)
	})
}

// UpsertComplianceError records one occurrence in the (code, category)
// bucket. The bucket row is locked for the whole transaction and the counter
// moves only when the occurrence's job is linked for the first time, so
// concurrent and repeated deliveries neither duplicate the record nor skew the
// count.
func (p *Postgres) UpsertComplianceError(ctx context.Context,
	candidate types.ComplianceError, occurrence types.Occurrence) (
	types.ComplianceError, bool, error) {

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return types.ComplianceError{}, false,
			fmt.Errorf("couldn't begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO compliance_errors (`+complianceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)
		ON CONFLICT (error_code, category) DO NOTHING`,
		candidate.ID, candidate.ErrorCode, candidate.Message,
		string(candidate.Severity), string(candidate.Category),
		candidate.Description, candidate.Resolution, candidate.BaaSRequestID,
		candidate.TimeoutCode, candidate.LastOccurred, candidate.CreatedAt)
	if err != nil {
		return types.ComplianceError{}, false,
			fmt.Errorf("couldn't insert compliance error: %w", err)
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM compliance_errors
		WHERE error_code = $1 AND category = $2
		FOR UPDATE`,
		candidate.ErrorCode, string(candidate.Category)).Scan(&id)
	if err != nil {
		return types.ComplianceError{}, false,
			fmt.Errorf("couldn't lock compliance error: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO compliance_occurrences (error_id, job_id, batch_id, message,
			request_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (error_id, job_id) DO NOTHING`,
		id, occurrence.JobID, occurrence.BatchID, occurrence.Message,
		occurrence.RequestID, occurrence.OccurredAt)
	if err != nil {
		return types.ComplianceError{}, false,
			fmt.Errorf("couldn't link occurrence: %w", err)
	}

	counted := tag.RowsAffected() == 1

	var record types.ComplianceError
	if counted {
		record, err = scanComplianceError(tx.QueryRow(ctx, `
			UPDATE compliance_errors SET
				affected_transfers = affected_transfers + 1,
				last_occurred = GREATEST(last_occurred, $2),
				message = $3,
				baas_request_id = COALESCE($4, baas_request_id),
				timeout_code = COALESCE($5, timeout_code)
			WHERE id = $1
			RETURNING `+complianceColumns,
			id, candidate.LastOccurred, candidate.Message,
			candidate.BaaSRequestID, candidate.TimeoutCode))
	} else {
		record, err = scanComplianceError(tx.QueryRow(ctx,
			`SELECT `+complianceColumns+` FROM compliance_errors WHERE id = $1`, id))
	}
	if err != nil {
		return types.ComplianceError{}, false,
			fmt.Errorf("couldn't update compliance error: %w", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		return types.ComplianceError{}, false,
			fmt.Errorf("couldn't commit compliance error: %w", err)
	}

	return record, counted, nil
}

func (p *Postgres) ListComplianceErrors(ctx context.Context,
	filter types.ComplianceFilter) ([]types.ComplianceError, error) {

	rows, err := p.pg.Query(ctx, `SELECT `+complianceColumns+`
		FROM compliance_errors
		WHERE ($1 = '' OR severity = $1) AND ($2 = '' OR category = $2)
		ORDER BY last_occurred DESC, error_code`,
		string(filter.Severity), string(filter.Category))
	if err != nil {
		return nil, fmt.Errorf("couldn't list compliance errors: %w", err)
	}

	return collectComplianceErrors(rows)
}

// GetComplianceErrors returns the records in the order of ids, or
// ErrNotFound when any of them is missing.
func (p *Postgres) GetComplianceErrors(ctx context.Context, ids []uuid.UUID) (
	[]types.ComplianceError, error) {

	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = id.String()
	}

	rows, err := p.pg.Query(ctx, `SELECT `+complianceColumns+`
		FROM compliance_errors WHERE id = ANY($1::text[]::uuid[])`, values)
	if err != nil {
		return nil, fmt.Errorf("couldn't load compliance errors: %w", err)
	}

	records, err := collectComplianceErrors(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]types.ComplianceError, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	result := make([]types.ComplianceError, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, repository.ErrNotFound
		}
		result = append(result, r)
	}

	return result, nil
}

func (p *Postgres) ListOccurrences(ctx context.Context, errorID uuid.UUID) (
	[]types.Occurrence, error) {

	var exists bool
	err := p.pg.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM compliance_errors WHERE id = $1)`,
		errorID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("couldn't check compliance error: %w", err)
	}

	if !exists {
		return nil, repository.ErrNotFound
	}

	rows, err := p.pg.Query(ctx, `
		SELECT error_id, job_id, batch_id, message, request_id, occurred_at
		FROM compliance_occurrences WHERE error_id = $1
		ORDER BY occurred_at`, errorID)
	if err != nil {
		return nil, fmt.Errorf("couldn't list occurrences: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Occurrence, error) {
		var o types.Occurrence
		err := row.Scan(&o.ErrorID, &o.JobID, &o.BatchID, &o.Message,
			&o.RequestID, &o.OccurredAt)
		return o, err
	})
}
