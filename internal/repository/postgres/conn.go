package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/repository"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DuplicateKeyValue string = "23505"
)

//go:embed schema.sql
var schema string

type Postgres struct {
	pg          *pgxpool.Pool
	pingTimeout time.Duration
	log         *slog.Logger
}

func New(pool *pgxpool.Pool, pingTimeout time.Duration) *Postgres {
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	return &Postgres{
		pg:          pool,
		pingTimeout: pingTimeout,
		log:         slog.With("component", "db"),
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	ticker := time.NewTicker(p.pingTimeout)
	defer ticker.Stop()

	var err error
	// Ping 3 times with a specified time interval.
	for i := 1; i <= 3; i++ {
		// a hanging ping must not outlive the attempt interval
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout-10*time.Millisecond)
		err = p.pg.Ping(pingCtx)
		cancel()

		if err == nil {
			return nil
		}

		p.log.Info("ping attempt was not successful", "attempt", i, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return err
}

// EnsureSchema creates the tables the orchestrator needs when they are
// missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pg.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("couldn't apply schema: %w", err)
	}

	return nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == DuplicateKeyValue
}

func duplicateOr(err error, format string) error {
	if isDuplicateKey(err) {
		return repository.ErrDuplicateKeyValue
	}

	return fmt.Errorf(format, err)
}
