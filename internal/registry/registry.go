// Package registry exposes KYC-verified beneficiaries to the scheduler.
// Writes belong to the external KYC workflow.
package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/errors"
	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"
)

type Repository interface {
	GetBeneficiary(context.Context, string) (types.Beneficiary, error)
	ListBeneficiaries(context.Context, types.KYCStatus) ([]types.Beneficiary, error)
}

type Config struct {
	DBTimeout time.Duration
}

type Registry struct {
	config *Config
	repo   Repository
	log    *slog.Logger
}

func New(config *Config, repo Repository) *Registry {
	return &Registry{
		config: config,
		repo:   repo,
		log:    slog.With("component", "registry"),
	}
}

// Get returns the beneficiary or a not_found ServiceError.
func (r *Registry) Get(ctx context.Context, id string) (types.Beneficiary, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, r.config.DBTimeout)
	defer cancel()

	b, err := r.repo.GetBeneficiary(ctxWithTimeout, id)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return types.Beneficiary{}, errors.NotFound(
				fmt.Sprintf("beneficiary %s not found", id), err)
		}

		r.log.Error("couldn't load beneficiary", "id", id, "error", err)
		return types.Beneficiary{}, errors.Infrastructure(
			"beneficiary lookup failed", err)
	}

	return b, nil
}

func (r *Registry) ListVerified(ctx context.Context) ([]types.Beneficiary, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, r.config.DBTimeout)
	defer cancel()

	beneficiaries, err := r.repo.ListBeneficiaries(ctxWithTimeout, types.KYCVerified)
	if err != nil {
		r.log.Error("couldn't list verified beneficiaries", "error", err)
		return nil, errors.Infrastructure("beneficiary listing failed", err)
	}

	return beneficiaries, nil
}
