package memory

import (
	"context"
	"sync"

	"github.com/openbuilders/payout-orchestrator/internal/types"
)

// QueryAssignments keeps the TON query assignment of every idempotency key.
type QueryAssignments struct {
	mu     sync.Mutex
	byKey  map[string]types.QueryAssignment
	latest *types.QueryAssignment
}

func NewQueryAssignments() *QueryAssignments {
	return &QueryAssignments{
		byKey: make(map[string]types.QueryAssignment),
	}
}

func (s *QueryAssignments) GetQueryAssignment(ctx context.Context, key string) (
	types.QueryAssignment, bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byKey[key]
	return a, ok, nil
}

// SaveQueryAssignment stores a, replacing the earlier assignment of its key.
func (s *QueryAssignments) SaveQueryAssignment(ctx context.Context,
	a types.QueryAssignment) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byKey[a.IdempotencyKey] = a
	if s.latest == nil || !a.CreatedAt.Before(s.latest.CreatedAt) {
		s.latest = &a
	}

	return nil
}

func (s *QueryAssignments) LatestQueryAssignment(ctx context.Context) (
	types.QueryAssignment, bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return types.QueryAssignment{}, false, nil
	}

	return *s.latest, true, nil
}
