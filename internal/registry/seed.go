package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/openbuilders/payout-orchestrator/internal/types"

	"gopkg.in/yaml.v3"
)

type Upserter interface {
	UpsertBeneficiary(context.Context, types.Beneficiary) error
}

type seedFile struct {
	Beneficiaries []types.Beneficiary `yaml:"beneficiaries"`
}

// LoadSeed reads beneficiaries from a YAML file. It stands in for the KYC
// feed in development setups.
func LoadSeed(path string) ([]types.Beneficiary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read beneficiaries file: %w", err)
	}

	var seed seedFile

	err = yaml.Unmarshal(data, &seed)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse beneficiaries file: %w", err)
	}

	for i, b := range seed.Beneficiaries {
		if b.ID == "" {
			return nil, fmt.Errorf("beneficiary %d has no id", i)
		}
		if b.KYCStatus == "" {
			seed.Beneficiaries[i].KYCStatus = types.KYCPending
		}
	}

	return seed.Beneficiaries, nil
}

// Seed upserts the beneficiaries into repo.
func Seed(ctx context.Context, repo Upserter, beneficiaries []types.Beneficiary) error {
	for _, b := range beneficiaries {
		err := repo.UpsertBeneficiary(ctx, b)
		if err != nil {
			return fmt.Errorf("couldn't seed beneficiary %s: %w", b.ID, err)
		}
	}

	return nil
}
