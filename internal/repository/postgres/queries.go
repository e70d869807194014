package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/jackc/pgx/v5"
)

func (p *Postgres) GetQueryAssignment(ctx context.Context, key string) (
	types.QueryAssignment, bool, error) {

	var (
		a       types.QueryAssignment
		queryID int64
	)

	err := p.pg.QueryRow(ctx, `
		SELECT idempotency_key, query_id, created_at
		FROM ton_query_assignments WHERE idempotency_key = $1`, key).Scan(
		&a.IdempotencyKey, &queryID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, false, nil
		}
		return a, false, fmt.Errorf("couldn't load query assignment: %w", err)
	}

	a.QueryID = uint64(queryID)

	return a, true, nil
}

// SaveQueryAssignment stores a, replacing the earlier assignment of its key.
func (p *Postgres) SaveQueryAssignment(ctx context.Context,
	a types.QueryAssignment) error {

	_, err := p.pg.Exec(ctx, `
		INSERT INTO ton_query_assignments (idempotency_key, query_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			query_id = EXCLUDED.query_id,
			created_at = EXCLUDED.created_at`,
		a.IdempotencyKey, int64(a.QueryID), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("couldn't save query assignment: %w", err)
	}

	return nil
}

func (p *Postgres) LatestQueryAssignment(ctx context.Context) (
	types.QueryAssignment, bool, error) {

	var (
		a       types.QueryAssignment
		queryID int64
	)

	err := p.pg.QueryRow(ctx, `
		SELECT idempotency_key, query_id, created_at
		FROM ton_query_assignments ORDER BY created_at DESC, query_id DESC
		LIMIT 1`).Scan(&a.IdempotencyKey, &queryID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, false, nil
		}
		return a, false, fmt.Errorf("couldn't load latest query assignment: %w", err)
	}

	a.QueryID = uint64(queryID)

	return a, true, nil
}
