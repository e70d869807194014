package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"
)

// Beneficiaries is an in-process stand-in for the KYC feed table.
type Beneficiaries struct {
	mu    sync.RWMutex
	items map[string]types.Beneficiary
}

func NewBeneficiaries(items ...types.Beneficiary) *Beneficiaries {
	b := &Beneficiaries{
		items: make(map[string]types.Beneficiary, len(items)),
	}

	for _, item := range items {
		b.items[item.ID] = item
	}

	return b
}

// UpsertBeneficiary plays the role of the KYC workflow writing a record.
func (b *Beneficiaries) UpsertBeneficiary(ctx context.Context,
	item types.Beneficiary) error {

	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[item.ID] = item

	return nil
}

func (b *Beneficiaries) GetBeneficiary(ctx context.Context, id string) (
	types.Beneficiary, error) {

	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.items[id]
	if !ok {
		return types.Beneficiary{}, repository.ErrNotFound
	}

	return item, nil
}

func (b *Beneficiaries) ListBeneficiaries(ctx context.Context,
	status types.KYCStatus) ([]types.Beneficiary, error) {

	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]types.Beneficiary, 0, len(b.items))
	for _, item := range b.items {
		if status == "" || item.KYCStatus == status {
			result = append(result, item)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}
