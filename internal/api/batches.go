package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

type SubmitRequest struct {
	// ID lets the caller make submissions idempotent. It is generated when
	// empty.
	ID          uuid.UUID          `json:"id"`
	RequestedBy string             `json:"requested_by"`
	RunAt       time.Time          `json:"run_at"`
	Entries     []types.BatchEntry `json:"entries"`
}

type SubmitResponse struct {
	BatchID uuid.UUID `json:"batch_id"`
}

type BatchStatusResponse struct {
	BatchID uuid.UUID              `json:"batch_id"`
	Summary map[types.JobState]int `json:"summary"`
	Jobs    []types.JobStatus      `json:"jobs"`
}

func (s *Server) SubmitHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	defer r.Body.Close()

	var request SubmitRequest

	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		return nil, &APIError{Code: InvalidBody, Message: "malformed batch: " + err.Error()}
	}

	batchID, err := s.scheduler.Submit(r.Context(), types.BatchDefinition{
		ID:          request.ID,
		RequestedBy: request.RequestedBy,
		RunAt:       request.RunAt,
		Entries:     request.Entries,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Accepted a new batch", "batch", batchID, "entries", len(request.Entries))

	return created{SubmitResponse{BatchID: batchID}}, nil
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	batchID, err := pathID(r)
	if err != nil {
		return nil, err
	}

	statuses, err := s.scheduler.Status(r.Context(), batchID)
	if err != nil {
		return nil, err
	}

	summary := make(map[types.JobState]int)
	for _, status := range statuses {
		summary[status.State]++
	}

	return BatchStatusResponse{
		BatchID: batchID,
		Summary: summary,
		Jobs:    statuses,
	}, nil
}

func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	batchID, err := pathID(r)
	if err != nil {
		return nil, err
	}

	return s.scheduler.History(r.Context(), batchID)
}

func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	batchID, err := pathID(r)
	if err != nil {
		return nil, err
	}

	result, err := s.scheduler.Cancel(r.Context(), batchID)
	if err != nil {
		return nil, err
	}

	s.log.Info("Batch cancelled",
		"batch", batchID,
		"cancelled", result.Cancelled,
		"running", result.Running,
	)

	return result, nil
}
