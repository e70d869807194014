package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/openbuilders/payout-orchestrator/internal/repository"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

type complianceKey struct {
	code     string
	category types.Category
}

type occurrenceKey struct {
	errorID uuid.UUID
	jobID   uuid.UUID
}

// ComplianceErrors is the in-memory compliance ledger. A single mutex makes
// the lookup, the link insert and the counter increment one atomic step.
type ComplianceErrors struct {
	mu          sync.Mutex
	records     map[uuid.UUID]*types.ComplianceError
	byKey       map[complianceKey]uuid.UUID
	linked      map[occurrenceKey]struct{}
	occurrences map[uuid.UUID][]types.Occurrence
}

func NewComplianceErrors() *ComplianceErrors {
	return &ComplianceErrors{
		records:     make(map[uuid.UUID]*types.ComplianceError),
		byKey:       make(map[complianceKey]uuid.UUID),
		linked:      make(map[occurrenceKey]struct{}),
		occurrences: make(map[uuid.UUID][]types.Occurrence),
	}
}

// UpsertComplianceError inserts candidate, or bumps the existing record with
// the same (code, category). The counter moves only when the occurrence's job
// isn't linked to the record yet.
func (s *ComplianceErrors) UpsertComplianceError(ctx context.Context,
	candidate types.ComplianceError, occurrence types.Occurrence) (
	types.ComplianceError, bool, error) {

	if err := ctx.Err(); err != nil {
		return types.ComplianceError{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := complianceKey{candidate.ErrorCode, candidate.Category}

	id, exists := s.byKey[key]
	if !exists {
		record := candidate
		record.AffectedTransfers = 1
		s.records[record.ID] = &record
		s.byKey[key] = record.ID
		s.link(record.ID, occurrence)

		return record, true, nil
	}

	record := s.records[id]
	if _, seen := s.linked[occurrenceKey{id, occurrence.JobID}]; seen {
		return *record, false, nil
	}

	record.AffectedTransfers++
	if candidate.LastOccurred.After(record.LastOccurred) {
		record.LastOccurred = candidate.LastOccurred
	}
	record.Message = candidate.Message
	if candidate.BaaSRequestID != nil {
		record.BaaSRequestID = candidate.BaaSRequestID
	}
	if candidate.TimeoutCode != nil {
		record.TimeoutCode = candidate.TimeoutCode
	}
	s.link(id, occurrence)

	return *record, true, nil
}

func (s *ComplianceErrors) link(errorID uuid.UUID, occurrence types.Occurrence) {
	occurrence.ErrorID = errorID
	s.linked[occurrenceKey{errorID, occurrence.JobID}] = struct{}{}
	s.occurrences[errorID] = append(s.occurrences[errorID], occurrence)
}

func (s *ComplianceErrors) ListComplianceErrors(ctx context.Context,
	filter types.ComplianceFilter) ([]types.ComplianceError, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]types.ComplianceError, 0, len(s.records))
	for _, record := range s.records {
		if filter.Match(*record) {
			result = append(result, *record)
		}
	}

	sortByLastOccurred(result)

	return result, nil
}

func (s *ComplianceErrors) GetComplianceErrors(ctx context.Context,
	ids []uuid.UUID) ([]types.ComplianceError, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]types.ComplianceError, 0, len(ids))
	for _, id := range ids {
		record, ok := s.records[id]
		if !ok {
			return nil, repository.ErrNotFound
		}
		result = append(result, *record)
	}

	return result, nil
}

func (s *ComplianceErrors) ListOccurrences(ctx context.Context,
	errorID uuid.UUID) ([]types.Occurrence, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[errorID]; !ok {
		return nil, repository.ErrNotFound
	}

	return append([]types.Occurrence(nil), s.occurrences[errorID]...), nil
}

func sortByLastOccurred(records []types.ComplianceError) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].LastOccurred.Equal(records[j].LastOccurred) {
			return records[i].LastOccurred.After(records[j].LastOccurred)
		}
		return records[i].ErrorCode < records[j].ErrorCode
	})
}
