package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/jackc/pgx/v5"
)

const beneficiaryColumns = `id, holder_name, bank_name, account_number, swift_code,
	currency, kyc_status, verified_at`

func scanBeneficiary(row pgx.Row) (types.Beneficiary, error) {
	var b types.Beneficiary

	err := row.Scan(&b.ID, &b.HolderName, &b.BankName, &b.AccountNumber,
		&b.SwiftCode, &b.Currency, &b.KYCStatus, &b.VerifiedAt)

	return b, err
}

func (p *Postgres) GetBeneficiary(ctx context.Context, id string) (
	types.Beneficiary, error) {

	b, err := scanBeneficiary(p.pg.QueryRow(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Beneficiary{}, repository.ErrNotFound
		}
		return types.Beneficiary{}, fmt.Errorf("couldn't load beneficiary: %w", err)
	}

	return b, nil
}

func (p *Postgres) ListBeneficiaries(ctx context.Context, status types.KYCStatus) (
	[]types.Beneficiary, error) {

	rows, err := p.pg.Query(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries
		WHERE kyc_status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("couldn't list beneficiaries: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Beneficiary, error) {
		return scanBeneficiary(row)
	})
}

// UpsertBeneficiary imports a record of the KYC feed.
func (p *Postgres) UpsertBeneficiary(ctx context.Context, b types.Beneficiary) error {
	_, err := p.pg.Exec(ctx, `
		INSERT INTO beneficiaries (`+beneficiaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			holder_name = EXCLUDED.holder_name,
			bank_name = EXCLUDED.bank_name,
			account_number = EXCLUDED.account_number,
			swift_code = EXCLUDED.swift_code,
			currency = EXCLUDED.currency,
			kyc_status = EXCLUDED.kyc_status,
			verified_at = EXCLUDED.verified_at`,
		b.ID, b.HolderName, b.BankName, b.AccountNumber, b.SwiftCode,
		b.Currency, string(b.KYCStatus), b.VerifiedAt)
	if err != nil {
		return fmt.Errorf("couldn't upsert beneficiary: %w", err)
	}

	return nil
}
