/*
handlers.go - HTTP API handlers for the payroll run engine

PURPOSE:
  Exposes the payroll service via REST. Handles request decoding and
  validation, delegates to payroll.Service, and maps domain errors to
  HTTP statuses.

ENDPOINTS:
  Runs:
    GET    /api/payroll/runs                    List runs (?year&month&sub_period&status&limit)
    POST   /api/payroll/runs                    Preview a new draft run
    GET    /api/payroll/runs/{id}               Run with lines and totals
    GET    /api/payroll/runs/{id}/compare       Totals against the previous month
    POST   /api/payroll/runs/{id}/authorize     Lock the run and issue documents
    POST   /api/payroll/runs/{id}/distribute    Deliver vouchers
    GET    /api/payroll/runs/{id}/deliveries    Delivery attempts
    GET    /api/payroll/runs/{id}/audit         Run transitions

  Lines:
    POST   /api/payroll/lines/{id}/override     Override one effective field
    GET    /api/payroll/lines/{id}/adjustments  Adjustment history

  Roster:
    GET    /api/employees                       List employees
    POST   /api/employees                       Create or replace employee
    POST   /api/attendance                      Record an attendance summary

IDENTITY:
  X-Tenant-ID and X-Actor headers identify the caller. Authentication is
  done upstream.

ERROR HANDLING:
  Errors are returned as JSON with the payroll error code:
  - 400: VALIDATION_ERROR
  - 404: NOT_FOUND
  - 409: RUN_CLOSED, NO_ACTIVE_RUN, ALREADY_AUTHORIZED, NOT_AUTHORIZED,
         EMPTY_RUN, CONCURRENT_MODIFICATION
  - 423: LOCKED
  - 502: COLLABORATOR_FAILURE
  - 504: TIMEOUT

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RosterAdmin writes the roster and attendance data the service reads.
type RosterAdmin interface {
	payroll.Roster
	SaveEmployee(ctx context.Context, e payroll.Employee) error
	SaveAttendance(ctx context.Context, tenant payroll.TenantID, period payroll.Period, a payroll.AttendanceSummary) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *payroll.Service
	Roster  RosterAdmin
	Log     logrus.FieldLogger

	validate *validator.Validate
	now      func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over svc and roster.
func NewHandler(svc *payroll.Service, roster RosterAdmin, log logrus.FieldLogger) *Handler {
	return &Handler{
		Service:  svc,
		Roster:   roster,
		Log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

type identityKey struct{}

type identity struct {
	tenant payroll.TenantID
	actor  string
}

// Identity requires X-Tenant-ID and reads X-Actor (default "anonymous").
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeError(w, payroll.CodeValidation, "X-Tenant-ID header is required", nil)
			return
		}
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			actor = "anonymous"
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity{tenant: payroll.TenantID(tenant), actor: actor})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func caller(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, payroll.CodeValidation, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, payroll.CodeValidation, "validation failed", err)
		return false
	}
	return true
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	q, err := parseRunQuery(r)
	if err != nil {
		writeError(w, payroll.CodeValidation, "invalid query", err)
		return
	}

	runs, err := h.Service.Runs(r.Context(), id.tenant, q)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

func parseRunQuery(r *http.Request) (payroll.RunQuery, error) {
	var q payroll.RunQuery
	v := r.URL.Query()

	if s := v.Get("status"); s != "" {
		q.Status = payroll.Status(s)
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	if v.Get("year") == "" && v.Get("month") == "" && v.Get("sub_period") == "" {
		return q, nil
	}

	year, err1 := strconv.Atoi(v.Get("year"))
	month, err2 := strconv.Atoi(v.Get("month"))
	sub, err3 := strconv.Atoi(v.Get("sub_period"))
	if err := errors.Join(err1, err2, err3); err != nil {
		return q, fmt.Errorf("year, month and sub_period must be given together: %w", err)
	}
	p := payroll.Period{Year: year, Month: time.Month(month), SubPeriod: sub}
	if err := p.Validate(); err != nil {
		return q, err
	}
	q.Period = &p
	return q, nil
}

func (h *Handler) PreviewRun(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := caller(r)

	res, err := h.Service.Preview(r.Context(), payroll.PreviewRequest{
		TenantID:    id.tenant,
		Period:      payroll.Period{Year: req.Year, Month: time.Month(req.Month), SubPeriod: req.SubPeriod},
		Withholding: payroll.WithholdingMode(req.Withholding),
		Actor:       id.actor,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RunDetailDTO{
		Run:    toRunDTO(res.Run),
		Lines:  toLineDTOs(res.Lines),
		Totals: toTotalsDTO(res.Totals),
	})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	runID := payroll.RunID(chi.URLParam(r, "id"))

	run, err := h.Service.Run(r.Context(), id.tenant, runID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	lines, err := h.Service.Lines(r.Context(), id.tenant, runID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunDetailDTO{
		Run:    toRunDTO(run),
		Lines:  toLineDTOs(lines),
		Totals: toTotalsDTO(payroll.EffectiveTotals(lines)),
	})
}

func (h *Handler) CompareRun(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	cmp, err := h.Service.Compare(r.Context(), id.tenant, payroll.RunID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto := ComparisonDTO{
		Current:        toRunDTO(cmp.Current),
		CurrentTotals:  toTotalsDTO(cmp.CurrentTotals),
		PreviousTotals: toTotalsDTO(cmp.PreviousTotals),
		Delta:          toTotalsDTO(cmp.Delta),
	}
	if cmp.Previous != nil {
		prev := toRunDTO(*cmp.Previous)
		dto.Previous = &prev
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) AuthorizeRun(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	res, err := h.Service.Authorize(r.Context(), id.tenant, payroll.RunID(chi.URLParam(r, "id")), id.actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	refs := make([]RecipientReferenceDTO, len(res.PerRecipient))
	for i, ref := range res.PerRecipient {
		refs[i] = RecipientReferenceDTO{
			EmployeeID: string(ref.EmployeeID),
			LineID:     string(ref.LineID),
			Reference:  ref.Reference,
		}
	}
	writeJSON(w, http.StatusOK, AuthorizeResponse{
		Run:               toRunDTO(res.Run),
		ArtifactReference: res.ArtifactReference,
		PerRecipient:      refs,
		LineCount:         res.Summary.LineCount,
		EditedCount:       res.Summary.EditedCount,
		Totals:            toTotalsDTO(res.Summary.Totals),
	})
}

func (h *Handler) DistributeRun(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id := caller(r)

	// A batch takes as long as its roster needs; the server write deadline
	// would cut off the result of a distribution that already happened.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.Log.WithError(err).Warn("could not lift write deadline")
	}

	res, err := h.Service.Distribute(r.Context(), id.tenant, payroll.RunID(chi.URLParam(r, "id")), id.actor,
		payroll.DistributeOptions{EmployeeID: payroll.EmployeeID(req.EmployeeID), RetryFailed: req.RetryFailed})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(res))
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	records, err := h.Service.Deliveries(r.Context(), id.tenant, payroll.RunID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]DeliveryDTO, len(records))
	for i, rec := range records {
		dtos[i] = DeliveryDTO{
			ID:          rec.ID,
			EmployeeID:  string(rec.EmployeeID),
			Success:     rec.Success,
			Reference:   rec.Reference,
			Error:       rec.Error,
			AttemptedAt: timestamp(rec.AttemptedAt),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	entries, err := h.Service.AuditLog(r.Context(), id.tenant, payroll.RunID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			Payload:    e.Payload,
			At:         timestamp(e.At),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LINE ENDPOINTS
// =============================================================================

func (h *Handler) OverrideLine(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	field, err := payroll.ParseField(req.Field)
	if err != nil {
		writeError(w, payroll.CodeValidation, "invalid field", err)
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, payroll.CodeValidation, "invalid value", err)
		return
	}
	id := caller(r)

	res, err := h.Service.Override(r.Context(), payroll.OverrideRequest{
		TenantID:        id.tenant,
		LineID:          payroll.LineID(chi.URLParam(r, "id")),
		Field:           field,
		NewValue:        value,
		Reason:          req.Reason,
		Actor:           id.actor,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OverrideResponse{
		Adjustment: toAdjustmentDTO(res.Adjustment),
		Line:       toLineDTO(res.Line),
	})
}

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	adjs, err := h.Service.History(r.Context(), id.tenant, payroll.LineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]AdjustmentDTO, len(adjs))
	for i, a := range adjs {
		dtos[i] = toAdjustmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ROSTER ENDPOINTS
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Roster.Employees(r.Context(), caller(r).tenant)
	if err != nil {
		writeError(w, payroll.CodeCollaborator, "failed to list employees", err)
		return
	}

	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	salary, err := decimal.NewFromString(req.BaseSalary)
	if err != nil || salary.IsNegative() {
		writeError(w, payroll.CodeValidation, "base_salary must be a non-negative amount", err)
		return
	}
	status := payroll.EmployeeStatus(req.Status)
	if status == "" {
		status = payroll.EmployeeActive
	}

	e := payroll.Employee{
		ID:          payroll.EmployeeID(req.ID),
		TenantID:    caller(r).tenant,
		Name:        req.Name,
		Email:       req.Email,
		Department:  req.Department,
		BaseSalary:  salary,
		BankName:    req.BankName,
		BankAccount: req.BankAccount,
		Status:      status,
	}
	if err := h.Roster.SaveEmployee(r.Context(), e); err != nil {
		writeError(w, payroll.CodeCollaborator, "failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(e))
}

func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	period := payroll.Period{Year: req.Year, Month: time.Month(req.Month), SubPeriod: req.SubPeriod}
	summary := payroll.AttendanceSummary{
		EmployeeID: payroll.EmployeeID(req.EmployeeID),
		DaysWorked: req.DaysWorked,
		DaysAbsent: req.DaysAbsent,
		LateDays:   req.LateDays,
	}
	if err := h.Roster.SaveAttendance(r.Context(), caller(r).tenant, period, summary); err != nil {
		writeError(w, payroll.CodeCollaborator, "failed to save attendance", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError reports a failure raised by the HTTP layer itself, such as a
// malformed body or a roster write, with the same shape as domain errors.
func writeError(w http.ResponseWriter, code payroll.Code, message string, err error) {
	resp := ErrorResponse{
		Error:     message,
		Code:      string(code),
		Retryable: payroll.IsRetryable(&payroll.Error{Code: code}),
	}
	if err != nil {
		resp.Error = message + ": " + err.Error()
	}
	writeJSON(w, statusFor(code), resp)
}

// statusFor maps a payroll error code to an HTTP status.
func statusFor(code payroll.Code) int {
	switch code {
	case payroll.CodeValidation:
		return http.StatusBadRequest
	case payroll.CodeNotFound:
		return http.StatusNotFound
	case payroll.CodeRunClosed, payroll.CodeNoActiveRun, payroll.CodeAlreadyAuthorized,
		payroll.CodeNotAuthorized, payroll.CodeEmptyRun, payroll.CodeConflict:
		return http.StatusConflict
	case payroll.CodeLocked:
		return http.StatusLocked
	case payroll.CodeCollaborator:
		return http.StatusBadGateway
	case payroll.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := payroll.CodeOf(err)
	status := statusFor(code)

	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      string(code),
		Retryable: payroll.IsRetryable(err),
	}
	var pe *payroll.Error
	if errors.As(err, &pe) {
		resp.RunID = string(pe.RunID)
		resp.LineID = string(pe.LineID)
		if pe.Field != 0 {
			resp.Field = pe.Field.String()
		}
		resp.PriorStatus = string(pe.PriorState)
	}

	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   code,
		}).Error("request failed")
	}
	writeJSON(w, status, resp)
}
