package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

const (
	defaultFailuresLimit = 50
	maxFailuresLimit     = 500
)

type ReportRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (s *Server) ListErrorsHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	query := r.URL.Query()

	return s.compliance.List(r.Context(), types.ComplianceFilter{
		Severity: types.Severity(query.Get("severity")),
		Category: types.Category(query.Get("category")),
	})
}

// ReportHandler returns the selected records in the requested order for
// diagnostic export.
func (s *Server) ReportHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	defer r.Body.Close()

	var request ReportRequest

	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		return nil, &APIError{Code: InvalidBody, Message: "malformed report request: " + err.Error()}
	}

	return s.compliance.SelectForReport(r.Context(), request.IDs)
}

func (s *Server) OccurrencesHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	id, err := pathID(r)
	if err != nil {
		return nil, err
	}

	return s.compliance.Occurrences(r.Context(), id)
}

func (s *Server) FailuresHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	limit := defaultFailuresLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, &APIError{Code: InvalidLimit, Message: "limit must be a positive integer"}
		}
		limit = min(parsed, maxFailuresLimit)
	}

	return s.monitor.Recent(limit), nil
}
