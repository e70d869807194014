package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/compliance"
	"github.com/openbuilders/payout-orchestrator/internal/errors"
	"github.com/openbuilders/payout-orchestrator/internal/health"
	"github.com/openbuilders/payout-orchestrator/internal/monitor"
	"github.com/openbuilders/payout-orchestrator/internal/repository/memory"
	"github.com/openbuilders/payout-orchestrator/internal/scheduler"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

type stubScheduler struct {
	submitted types.BatchDefinition
	err       error
	statuses  []types.JobStatus
}

func (s *stubScheduler) Submit(ctx context.Context, batch types.BatchDefinition) (
	uuid.UUID, error) {

	s.submitted = batch
	if s.err != nil {
		return uuid.Nil, s.err
	}
	return uuid.MustParse("6f1c1f38-7d55-4b7e-9a53-0d1f2b7a9f10"), nil
}

func (s *stubScheduler) Status(ctx context.Context, id uuid.UUID) (
	[]types.JobStatus, error) {

	if s.err != nil {
		return nil, s.err
	}
	return s.statuses, nil
}

func (s *stubScheduler) History(ctx context.Context, id uuid.UUID) (
	types.BatchHistory, error) {

	return types.BatchHistory{Batch: types.BatchDefinition{ID: id}}, s.err
}

func (s *stubScheduler) Cancel(ctx context.Context, id uuid.UUID) (
	scheduler.CancelResult, error) {

	return scheduler.CancelResult{BatchID: id, Cancelled: 2, Running: 1}, s.err
}

type stubHealth struct {
	healthy bool
}

func (h stubHealth) GetHealthStatus() health.HealthStatus {
	return health.HealthStatus{Healthy: h.healthy}
}

type envelope struct {
	Ok        bool            `json:"ok"`
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"errorCode"`
	Message   string          `json:"message"`
	Reasons   []string        `json:"reasons"`
}

type fixture struct {
	server    *Server
	scheduler *stubScheduler
	tracker   *compliance.Tracker
	monitor   *monitor.Monitor
}

func newFixture() *fixture {
	sched := &stubScheduler{}
	tracker := compliance.New(&compliance.Config{
		DBTimeout: time.Second,
		RetryBase: time.Millisecond,
		RetryMax:  time.Millisecond,
	}, memory.NewComplianceErrors())
	mon := monitor.New(&monitor.Config{Capacity: 10})

	server := NewServer(&Config{WriteTimeout: 5 * time.Second, ID: "test"},
		sched, tracker, mon, stubHealth{healthy: true})

	return &fixture{server: server, scheduler: sched, tracker: tracker, monitor: mon}
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
	}

	return rec.Code, env
}

func TestSubmit(t *testing.T) {
	f := newFixture()

	code, env := do(t, f.server.Router(), http.MethodPost, "/batches",
		`{"requested_by":"ops","entries":[{"beneficiary_id":"b1","amount":"10","currency":"USD"}]}`)

	if code != http.StatusCreated || !env.Ok {
		t.Fatalf("unexpected response %d %+v", code, env)
	}

	var resp SubmitResponse
	_ = json.Unmarshal(env.Data, &resp)
	if resp.BatchID.String() != "6f1c1f38-7d55-4b7e-9a53-0d1f2b7a9f10" {
		t.Fatalf("unexpected batch id %s", resp.BatchID)
	}
	if f.scheduler.submitted.RequestedBy != "ops" || len(f.scheduler.submitted.Entries) != 1 {
		t.Fatalf("batch not passed through: %+v", f.scheduler.submitted)
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	f := newFixture()
	f.scheduler.err = errors.Validation("batch rejected",
		"entry 0: beneficiary b9 not found", "entry 1: amount must be positive")

	code, env := do(t, f.server.Router(), http.MethodPost, "/batches",
		`{"entries":[]}`)

	if code != http.StatusUnprocessableEntity || env.Ok {
		t.Fatalf("unexpected response %d %+v", code, env)
	}
	if env.ErrorCode != string(errors.CodeValidation) || len(env.Reasons) != 2 {
		t.Fatalf("expected both reasons, got %+v", env)
	}
}

func TestSubmit_MalformedBody(t *testing.T) {
	f := newFixture()

	code, env := do(t, f.server.Router(), http.MethodPost, "/batches", `{"entries":`)
	if code != http.StatusBadRequest || env.ErrorCode != string(InvalidBody) {
		t.Fatalf("unexpected response %d %+v", code, env)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errors.NotFound("batch not found", nil), http.StatusNotFound},
		{errors.InvalidState("batch exists"), http.StatusConflict},
		{errors.BadRequest("bad filter", nil), http.StatusBadRequest},
		{errors.Infrastructure("db down", stderrors.New("x")), http.StatusInternalServerError},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		f := newFixture()
		f.scheduler.err = tc.err

		code, env := do(t, f.server.Router(), http.MethodGet,
			"/batches/"+uuid.NewString(), "")
		if code != tc.status || env.Ok {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, code)
		}
	}
}

func TestStatus(t *testing.T) {
	f := newFixture()
	f.scheduler.statuses = []types.JobStatus{
		{JobID: uuid.New(), State: types.JobSucceeded},
		{JobID: uuid.New(), State: types.JobSucceeded},
		{JobID: uuid.New(), State: types.JobRetrying},
	}

	code, env := do(t, f.server.Router(), http.MethodGet,
		"/batches/"+uuid.NewString(), "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}

	var resp BatchStatusResponse
	_ = json.Unmarshal(env.Data, &resp)
	if resp.Summary[types.JobSucceeded] != 2 || resp.Summary[types.JobRetrying] != 1 ||
		len(resp.Jobs) != 3 {
		t.Fatalf("unexpected status response %+v", resp)
	}

	code, env = do(t, f.server.Router(), http.MethodGet, "/batches/not-a-uuid", "")
	if code != http.StatusBadRequest || env.ErrorCode != string(InvalidID) {
		t.Fatalf("unexpected response %d %+v", code, env)
	}
}

func TestCancelAndHistory(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()

	code, env := do(t, f.server.Router(), http.MethodPost, "/batches/"+id+"/cancel", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}

	var result scheduler.CancelResult
	_ = json.Unmarshal(env.Data, &result)
	if result.Cancelled != 2 || result.Running != 1 {
		t.Fatalf("unexpected cancel result %+v", result)
	}

	code, _ = do(t, f.server.Router(), http.MethodGet, "/batches/"+id+"/history", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
}

func TestComplianceRoutes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := types.TransferJob{ID: uuid.New(), BatchID: uuid.New()}
	record, err := f.tracker.RecordOutcome(ctx, job,
		types.FatalFailure("sanctions_match", "listed"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	code, env := do(t, f.server.Router(), http.MethodGet,
		"/compliance/errors?severity=critical", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}

	var records []types.ComplianceError
	_ = json.Unmarshal(env.Data, &records)
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("unexpected records %+v", records)
	}

	code, env = do(t, f.server.Router(), http.MethodGet,
		"/compliance/errors?severity=urgent", "")
	if code != http.StatusBadRequest || env.ErrorCode != string(errors.CodeBadRequest) {
		t.Fatalf("unexpected response %d %+v", code, env)
	}

	code, env = do(t, f.server.Router(), http.MethodPost, "/compliance/report",
		`{"ids":["`+record.ID.String()+`"]}`)
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d %+v", code, env)
	}

	code, _ = do(t, f.server.Router(), http.MethodPost, "/compliance/report",
		`{"ids":["`+uuid.NewString()+`"]}`)
	if code != http.StatusNotFound {
		t.Fatalf("expected not found for an unknown id, got %d", code)
	}

	code, env = do(t, f.server.Router(), http.MethodGet,
		"/compliance/errors/"+record.ID.String()+"/occurrences", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}

	var occurrences []types.Occurrence
	_ = json.Unmarshal(env.Data, &occurrences)
	if len(occurrences) != 1 || occurrences[0].JobID != job.ID {
		t.Fatalf("unexpected occurrences %+v", occurrences)
	}
}

func TestFailures(t *testing.T) {
	f := newFixture()

	for i := 0; i < 3; i++ {
		f.monitor.OnOutcome(types.TransferJob{ID: uuid.New()},
			types.RetryableFailure("timeout", ""), false)
	}

	code, env := do(t, f.server.Router(), http.MethodGet, "/monitor/failures?limit=2", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}

	var entries []monitor.Entry
	_ = json.Unmarshal(env.Data, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	code, _ = do(t, f.server.Router(), http.MethodGet, "/monitor/failures?limit=-1", "")
	if code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", code)
	}
}

func TestProbes(t *testing.T) {
	f := newFixture()

	code, _ := do(t, f.server.ProbesRouter(), http.MethodGet, "/ready", "")
	if code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}

	f.server.health = stubHealth{healthy: false}

	code, env := do(t, f.server.ProbesRouter(), http.MethodGet, "/ready", "")
	if code != http.StatusServiceUnavailable || env.ErrorCode != string(NotReady) {
		t.Fatalf("expected not ready, got %d %+v", code, env)
	}
}
