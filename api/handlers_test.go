package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
	"github.com/warp/payroll-engine/tax"
)

const tenant = payroll.TenantID("acme")

var now = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

// flakyTransport fails for emails in failFor until they are removed.
type flakyTransport struct {
	mu      sync.Mutex
	failFor map[string]bool
	delay   time.Duration
}

func (f *flakyTransport) Deliver(_ context.Context, d payroll.Delivery) (string, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[d.Email] {
		return "", errors.New("smtp: mailbox unavailable")
	}
	return "msg-" + string(d.EmployeeID), nil
}

func (f *flakyTransport) heal(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failFor, email)
}

type testServer struct {
	t         *testing.T
	router    http.Handler
	handler   *Handler
	svc       *payroll.Service
	mem       *store.Memory
	transport *flakyTransport
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	mem := store.NewMemory()
	transport := &flakyTransport{failFor: map[string]bool{}}

	svc, err := payroll.NewService(payroll.Options{
		Store:       mem,
		Roster:      mem,
		Attendance:  mem,
		Transport:   transport,
		Table:       tax.Honduras2025(),
		CallTimeout: time.Second,
		Clock:       func() time.Time { return now },
		Logger:      log,
	})
	require.NoError(t, err)

	h := NewHandler(svc, mem, log)
	h.now = func() time.Time { return now }
	return &testServer{t: t, router: NewRouter(h, []string{"*"}), handler: h, svc: svc, mem: mem, transport: transport}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", string(tenant))
	req.Header.Set("X-Actor", "reviewer")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) loadSmallTeam() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "small-team", Year: 2025, Month: 3})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) preview() RunDetailDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/payroll/runs", PreviewRequest{Year: 2025, Month: 3, SubPeriod: 1, Withholding: "apply"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[RunDetailDTO](s.t, rec)
}

func TestAPI_RequiresTenant(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/payroll/runs", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[ErrorResponse](t, rec).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_PreviewOverrideAuthorizeDistribute(t *testing.T) {
	s := newTestServer(t)
	s.loadSmallTeam()

	// GIVEN: a draft run for March Q1
	detail := s.preview()
	assert.Equal(t, "draft", detail.Run.Status)
	assert.Equal(t, "2025-03/Q1", detail.Run.Period)
	require.Len(t, detail.Lines, 3)
	ana := detail.Lines[0]
	assert.Equal(t, "Ana Reyes", ana.EmployeeName)
	assert.Equal(t, "7500.00", ana.Effective.Gross)
	assert.Equal(t, "120", ana.Effective.Hours)

	// WHEN: gross is overridden
	rec := s.do(http.MethodPost, "/api/payroll/lines/"+ana.ID+"/override", OverrideRequest{Field: "gross", Value: "8000", Reason: "bonus"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	over := decodeBody[OverrideResponse](t, rec)
	assert.Equal(t, "7500", over.Adjustment.PriorValue)
	assert.True(t, over.Line.Edited)
	assert.False(t, over.Line.Balanced)
	assert.Equal(t, "7500.00", over.Line.Computed.Gross)

	rec = s.do(http.MethodGet, "/api/payroll/lines/"+ana.ID+"/adjustments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]AdjustmentDTO](t, rec), 1)

	// THEN: authorize locks the run
	rec = s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/authorize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	auth := decodeBody[AuthorizeResponse](t, rec)
	assert.Equal(t, "authorized", auth.Run.Status)
	assert.Equal(t, 1, auth.EditedCount)
	assert.Len(t, auth.PerRecipient, 3)

	rec = s.do(http.MethodPost, "/api/payroll/lines/"+ana.ID+"/override", OverrideRequest{Field: "net", Value: "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "RUN_CLOSED", errResp.Code)
	assert.Equal(t, "authorized", errResp.PriorStatus)

	rec = s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/authorize", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_AUTHORIZED", decodeBody[ErrorResponse](t, rec).Code)

	// AND: distribution reports per-recipient results
	rec = s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/distribute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dist := decodeBody[DistributionDTO](t, rec)
	assert.Equal(t, 3, dist.Successful)

	rec = s.do(http.MethodGet, "/api/payroll/runs/"+detail.Run.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[[]AuditEntryDTO](t, rec)
	require.Len(t, audit, 4)
	assert.Equal(t, "run_previewed", audit[0].Action)
	assert.Equal(t, "distribution_finished", audit[3].Action)
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.loadSmallTeam()

	rec := s.do(http.MethodGet, "/api/payroll/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/payroll/runs", PreviewRequest{Year: 2025, Month: 13, SubPeriod: 1, Withholding: "apply"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.False(t, resp.Retryable)

	rec = s.do(http.MethodPost, "/api/payroll/runs", PreviewRequest{Year: 2026, Month: 1, SubPeriod: 1, Withholding: "apply"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[ErrorResponse](t, rec).Code)

	detail := s.preview()
	rec = s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/distribute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_AUTHORIZED", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/payroll/lines/"+detail.Lines[0].ID+"/override", OverrideRequest{Field: "bonus", Value: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodGet, "/api/payroll/runs?year=2025", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[ErrorResponse](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/payroll/runs", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Tenant-ID", string(tenant))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[ErrorResponse](t, rec).Code)

	stale := 7
	rec = s.do(http.MethodPost, "/api/payroll/lines/"+detail.Lines[0].ID+"/override",
		OverrideRequest{Field: "gross", Value: "1", ExpectedVersion: &stale})
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp = decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "CONCURRENT_MODIFICATION", resp.Code)
	assert.True(t, resp.Retryable)
}

func TestAPI_DistributeOutlivesWriteTimeout(t *testing.T) {
	s := newTestServer(t)
	s.loadSmallTeam()
	detail := s.preview()
	rec := s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/authorize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	srv := httptest.NewUnstartedServer(s.router)
	srv.Config.WriteTimeout = 50 * time.Millisecond
	srv.Start()
	defer srv.Close()

	s.transport.mu.Lock()
	s.transport.delay = 150 * time.Millisecond
	s.transport.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/payroll/runs/"+detail.Run.ID+"/distribute", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", string(tenant))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dist DistributionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dist))
	assert.Equal(t, len(detail.Lines), dist.Successful)
}

func TestAPI_EmptyRosterIsEmptyRun(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/payroll/runs", PreviewRequest{Year: 2025, Month: 3, SubPeriod: 1, Withholding: "none"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EMPTY_RUN", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAPI_ListRunsAndCompare(t *testing.T) {
	s := newTestServer(t)
	s.loadSmallTeam()
	first := s.preview()
	second := s.preview()

	rec := s.do(http.MethodGet, "/api/payroll/runs?year=2025&month=3&sub_period=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[[]RunDTO](t, rec)
	require.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, []string{first.Run.ID, second.Run.ID}, ids)

	rec = s.do(http.MethodGet, "/api/payroll/runs?year=2025", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/payroll/runs/"+second.Run.ID+"/compare", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cmp := decodeBody[ComparisonDTO](t, rec)
	assert.Nil(t, cmp.Previous)
	assert.Equal(t, cmp.CurrentTotals, cmp.Delta)
}

func TestAPI_Roster(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/employees", CreateEmployeeRequest{ID: "e9", Name: "Zoe", Email: "not-an-email", BaseSalary: "1000"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/employees", CreateEmployeeRequest{ID: "e9", Name: "Zoe", Email: "zoe@example.com", BaseSalary: "12000.50"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/attendance", AttendanceRequest{Year: 2025, Month: 3, SubPeriod: 1, EmployeeID: "e9", DaysWorked: 10})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/employees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	employees := decodeBody[[]EmployeeDTO](t, rec)
	require.Len(t, employees, 1)
	assert.Equal(t, "12000.50", employees[0].BaseSalary)
	assert.Equal(t, "active", employees[0].Status)

	detail := s.preview()
	require.Len(t, detail.Lines, 1)
	assert.False(t, detail.Lines[0].MissingAttendance)
	assert.Equal(t, "10", detail.Lines[0].Effective.WorkedDays)
}

func TestAPI_Scenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())

	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Defaults to the previous month.
	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "missing-attendance"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(3), body["month"])

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "missing-attendance", decodeBody[ScenarioDTO](t, rec).ID)

	detail := s.preview()
	var missing int
	for _, l := range detail.Lines {
		if l.MissingAttendance {
			missing++
			assert.Equal(t, "0.00", l.Effective.Gross)
		}
	}
	assert.Equal(t, 1, missing)
}

func TestRetryScheduler_RetriesTransportFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "distribution-edge", Year: 2025, Month: 3})
	require.Equal(t, http.StatusOK, rec.Code)

	s.transport.failFor["ana@example.com"] = true
	detail := s.preview()
	require.Len(t, detail.Lines, 2, "inactive employee is excluded")
	s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/authorize", nil)
	rec = s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/distribute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[DistributionDTO](t, rec).Failed)

	log, _ := test.NewNullLogger()
	rs := NewRetryScheduler(s.svc, []payroll.TenantID{tenant}, log)
	rs.MaxAttempts = 2

	// Ana's transport failure is retried; Ines has no email and is skipped.
	assert.Equal(t, 1, rs.RetryOnce(ctx))

	s.transport.heal("ana@example.com")
	// Ana reached MaxAttempts with two failures.
	assert.Equal(t, 0, rs.RetryOnce(ctx))
}

func TestRetryScheduler_ResumesInterruptedDistribution(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	s.loadSmallTeam()

	detail := s.preview()
	rec := s.do(http.MethodPost, "/api/payroll/runs/"+detail.Run.ID+"/authorize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The process stopped after marking the run distributing and before
	// any delivery was recorded.
	run, err := s.svc.Run(ctx, tenant, payroll.RunID(detail.Run.ID))
	require.NoError(t, err)
	run.Status = payroll.StatusDistributing
	require.NoError(t, s.mem.TransitionRun(ctx, run, payroll.StatusAuthorized, payroll.AuditEntry{
		ID: "crash", TenantID: tenant, RunID: run.ID, Action: payroll.AuditDistributionStarted,
		FromStatus: payroll.StatusAuthorized, ToStatus: payroll.StatusDistributing, At: now,
	}))

	log, _ := test.NewNullLogger()
	rs := NewRetryScheduler(s.svc, []payroll.TenantID{tenant}, log)
	assert.Equal(t, len(detail.Lines), rs.RetryOnce(ctx))

	run, err = s.svc.Run(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusAuthorized, run.Status)

	records, err := s.svc.Deliveries(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Len(t, records, len(detail.Lines))
	for _, r := range records {
		assert.True(t, r.Success)
	}

	// Nothing left to resume.
	assert.Equal(t, 0, rs.RetryOnce(ctx))
}

func TestUndelivered(t *testing.T) {
	lines := []payroll.Line{{EmployeeID: "a"}, {EmployeeID: "b"}, {EmployeeID: "c"}}
	records := []payroll.DeliveryRecord{{EmployeeID: "b", Success: false, Error: "timeout"}}
	assert.Equal(t, []payroll.EmployeeID{"a", "c"}, undelivered(lines, records))
	assert.Empty(t, undelivered(lines[1:2], records))
}

func TestRetryCandidates(t *testing.T) {
	records := []payroll.DeliveryRecord{
		{EmployeeID: "a", Success: false, Error: "timeout"},
		{EmployeeID: "b", Success: false, Error: payroll.FailureNoEmail},
		{EmployeeID: "c", Success: true},
		{EmployeeID: "d", Success: false, Error: "timeout"},
		{EmployeeID: "d", Success: true},
		{EmployeeID: "e", Success: false, Error: "x"},
		{EmployeeID: "e", Success: false, Error: "x"},
		{EmployeeID: "e", Success: false, Error: "x"},
	}
	assert.Equal(t, []payroll.EmployeeID{"a"}, retryCandidates(records, 3))
	assert.Equal(t, []payroll.EmployeeID{"a", "e"}, retryCandidates(records, 4))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusLocked, statusFor(payroll.CodeLocked))
	assert.Equal(t, http.StatusBadGateway, statusFor(payroll.CodeCollaborator))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(payroll.CodeTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}
