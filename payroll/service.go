/*
service.go - Request/response operations against the run's source of truth

PURPOSE:
  Service is stateless. Every operation is addressed by tenant and ID,
  loads what it needs from the Store, checks the lifecycle guard, and
  writes the result back in one atomic Store call. Callers that want a
  "current run" use a Controller.

OPERATIONS:
  Preview     roster + attendance -> new draft run
  Override    one effective field of one line (draft only)
  Authorize   draft -> authorized, issues document references
  Distribute  authorized -> distributing -> authorized, one delivery per line
  Reads       Run, Runs, Lines, History, Deliveries, AuditLog, Compare

TIMEOUTS:
  Each collaborator or store call is bounded by CallTimeout. A call that
  times out surfaces TIMEOUT and has not been applied: store writes are
  single transactions.

SINGLE EDITOR:
  Override, Authorize and Distribute hold the run's lock for their whole
  duration. The store additionally re-checks status and line version.

SEE ALSO:
  - controller.go: caller-owned handle built on top of Service
  - lifecycle.go: the guards used here
*/
package payroll

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/payroll-engine/lock"
	"github.com/warp/payroll-engine/tax"
)

// DefaultCallTimeout bounds one call to a collaborator or the store.
const DefaultCallTimeout = 20 * time.Second

var tracer = otel.Tracer("github.com/warp/payroll-engine/payroll")

// =============================================================================
// CONSTRUCTION
// =============================================================================

// Options wires a Service. Store, Roster, Attendance, Transport and Table
// are required.
type Options struct {
	Store      Store
	Roster     Roster
	Attendance AttendanceSource
	Transport  Transport
	Issuer     ArtifactIssuer
	Locker     lock.Locker
	Table      tax.Table

	CallTimeout     time.Duration
	Workers         int
	DeliveryTimeout time.Duration

	Clock  Clock
	Logger logrus.FieldLogger
}

type Service struct {
	store      Store
	roster     Roster
	attendance AttendanceSource
	issuer     ArtifactIssuer
	locker     lock.Locker
	table      tax.Table

	computer    *LineComputer
	ledger      *Ledger
	distributor *Distributor

	callTimeout time.Duration
	clock       Clock
	log         logrus.FieldLogger
}

func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, Validationf("payroll: store is required")
	case opts.Roster == nil:
		return nil, Validationf("payroll: roster is required")
	case opts.Attendance == nil:
		return nil, Validationf("payroll: attendance source is required")
	case opts.Transport == nil:
		return nil, Validationf("payroll: transport is required")
	case opts.Table == nil:
		return nil, Validationf("payroll: tax table is required")
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = opts.CallTimeout
	}
	if opts.Issuer == nil {
		opts.Issuer = URLIssuer{BaseURL: "/api/payroll"}
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker(opts.CallTimeout)
	}

	return &Service{
		store:       opts.Store,
		roster:      opts.Roster,
		attendance:  opts.Attendance,
		issuer:      opts.Issuer,
		locker:      opts.Locker,
		table:       opts.Table,
		computer:    NewLineComputer(opts.Table, opts.Clock, opts.Logger),
		ledger:      NewLedger(opts.Store, opts.Clock, opts.Logger),
		distributor: NewDistributor(opts.Transport, opts.Workers, opts.DeliveryTimeout, opts.Clock, opts.Logger),
		callTimeout: opts.CallTimeout,
		clock:       opts.Clock,
		log:         opts.Logger,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// bounded derives a context limited to one call.
func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "payroll."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
	}
	span.End()
}

// acquire takes the run lock or fails with LOCKED.
func (s *Service) acquire(ctx context.Context, runID RunID) (lock.Release, error) {
	release, err := s.locker.Acquire(ctx, lock.RunKey(string(runID)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, collaboratorError("acquire run lock", err)
		}
		return nil, &Error{Code: CodeLocked, Message: "run is being modified by another operation", RunID: runID, Err: err}
	}
	return release, nil
}

func (s *Service) unlock(release lock.Release, runID RunID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	if err := release(ctx); err != nil {
		s.log.WithError(err).WithField("run_id", runID).Warn("failed to release run lock")
	}
}

func (s *Service) loadRun(ctx context.Context, tenant TenantID, id RunID) (Run, error) {
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	run, err := s.store.GetRun(cctx, tenant, id)
	if err != nil {
		pe := storeError("load run", err)
		pe.RunID = id
		return Run{}, pe
	}
	return run, nil
}

func (s *Service) loadLines(ctx context.Context, tenant TenantID, id RunID) ([]Line, error) {
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	lines, err := s.store.GetLines(cctx, tenant, id)
	if err != nil {
		pe := storeError("load lines", err)
		pe.RunID = id
		return nil, pe
	}
	return lines, nil
}

func (s *Service) loadEmployees(ctx context.Context, tenant TenantID) ([]Employee, error) {
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	employees, err := s.roster.Employees(cctx, tenant)
	if err != nil {
		return nil, collaboratorError("load roster", err)
	}
	return employees, nil
}

func (s *Service) audit(run Run, actor string, action AuditAction, from Status, payload map[string]string) AuditEntry {
	return AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   run.TenantID,
		RunID:      run.ID,
		Actor:      actor,
		Action:     action,
		FromStatus: from,
		ToStatus:   run.Status,
		Payload:    payload,
		At:         s.clock(),
	}
}

// =============================================================================
// PREVIEW
// =============================================================================

type PreviewRequest struct {
	TenantID    TenantID
	Period      Period
	Withholding WithholdingMode
	Actor       string
}

type PreviewResult struct {
	Run    Run
	Lines  []Line
	Totals Totals
}

// Preview computes and persists a new draft run. Earlier runs for the same
// period are kept; the newest one supersedes them.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (_ PreviewResult, err error) {
	ctx, span := s.startSpan(ctx, "Preview",
		attribute.String("tenant", string(req.TenantID)),
		attribute.String("period", req.Period.String()))
	defer func() { endSpan(span, err) }()

	if req.TenantID == "" {
		return PreviewResult{}, Validationf("tenant is required")
	}
	if verr := req.Period.Validate(); verr != nil {
		return PreviewResult{}, newError(CodeValidation, verr.Error(), nil)
	}
	if !req.Withholding.Valid() {
		return PreviewResult{}, Validationf("unknown withholding mode %q", req.Withholding)
	}
	now := s.clock()
	if req.Period.Start().After(now) {
		return PreviewResult{}, Validationf("cannot preview future period %s", req.Period)
	}

	employees, err := s.loadEmployees(ctx, req.TenantID)
	if err != nil {
		return PreviewResult{}, err
	}
	active := 0
	for _, e := range employees {
		if e.Eligible() {
			active++
		}
	}
	if active == 0 {
		return PreviewResult{}, newError(CodeEmptyRun, "no active employees to pay", nil)
	}

	actx, cancel := s.bounded(ctx)
	attendance, err := s.attendance.Summaries(actx, req.TenantID, req.Period)
	cancel()
	if err != nil {
		return PreviewResult{}, collaboratorError("load attendance", err)
	}

	run := Run{
		ID:          RunID(uuid.NewString()),
		TenantID:    req.TenantID,
		Period:      req.Period,
		Withholding: req.Withholding,
		Status:      StatusDraft,
		TaxTable:    s.table.Name(),
		CreatedBy:   req.Actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	lines := s.computer.Compute(run, employees, attendance)
	totals := EffectiveTotals(lines)

	entry := s.audit(run, req.Actor, AuditRunPreviewed, StatusEmpty, map[string]string{
		"period":      req.Period.String(),
		"withholding": string(req.Withholding),
		"lines":       strconv.Itoa(len(lines)),
		"net":         totals.Net.StringFixed(2),
	})

	wctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.store.CreateRun(wctx, run, lines, entry); err != nil {
		pe := storeError("create run", err)
		pe.RunID = run.ID
		return PreviewResult{}, pe
	}

	s.log.WithFields(logrus.Fields{
		"tenant": req.TenantID,
		"run_id": run.ID,
		"period": req.Period.String(),
		"lines":  len(lines),
	}).Info("run previewed")

	return PreviewResult{Run: run, Lines: lines, Totals: totals}, nil
}

// =============================================================================
// OVERRIDE
// =============================================================================

// Override applies one audited field change under the run lock.
func (s *Service) Override(ctx context.Context, req OverrideRequest) (_ OverrideResult, err error) {
	ctx, span := s.startSpan(ctx, "Override",
		attribute.String("tenant", string(req.TenantID)),
		attribute.String("line_id", string(req.LineID)),
		attribute.String("field", req.Field.String()))
	defer func() { endSpan(span, err) }()

	if verr := req.validate(); verr != nil {
		return OverrideResult{}, verr
	}

	lctx, cancel := s.bounded(ctx)
	line, err := s.store.GetLine(lctx, req.TenantID, req.LineID)
	cancel()
	if err != nil {
		return OverrideResult{}, withLine(storeError("load line", err), req)
	}

	release, err := s.acquire(ctx, line.RunID)
	if err != nil {
		return OverrideResult{}, err
	}
	defer s.unlock(release, line.RunID)

	octx, cancel := s.bounded(ctx)
	defer cancel()
	return s.ledger.Override(octx, req)
}

// History returns a line's adjustments, oldest first.
func (s *Service) History(ctx context.Context, tenant TenantID, lineID LineID) ([]Adjustment, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.ledger.History(ctx, tenant, lineID)
}

// =============================================================================
// AUTHORIZE
// =============================================================================

type RecipientReference struct {
	EmployeeID EmployeeID
	LineID     LineID
	Reference  string
}

type AuthorizeSummary struct {
	LineCount   int
	EditedCount int
	Totals      Totals
}

type AuthorizeResult struct {
	Run               Run
	ArtifactReference string
	PerRecipient      []RecipientReference
	Summary           AuthorizeSummary
}

// Authorize locks a draft run against further edits and issues its
// document references.
func (s *Service) Authorize(ctx context.Context, tenant TenantID, runID RunID, actor string) (_ AuthorizeResult, err error) {
	ctx, span := s.startSpan(ctx, "Authorize",
		attribute.String("tenant", string(tenant)),
		attribute.String("run_id", string(runID)))
	defer func() { endSpan(span, err) }()

	if actor == "" {
		return AuthorizeResult{}, Validationf("actor is required")
	}

	release, err := s.acquire(ctx, runID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	defer s.unlock(release, runID)

	run, err := s.loadRun(ctx, tenant, runID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	if gerr := Guard(run.Status, ActionAuthorize); gerr != nil {
		gerr.(*Error).RunID = runID
		return AuthorizeResult{}, gerr
	}

	lines, err := s.loadLines(ctx, tenant, runID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	if len(lines) == 0 {
		return AuthorizeResult{}, &Error{Code: CodeEmptyRun, Message: "cannot authorize a run without lines", RunID: runID, PriorState: run.Status}
	}

	ictx, cancel := s.bounded(ctx)
	artifacts, err := s.issuer.Issue(ictx, run, lines)
	cancel()
	if err != nil {
		pe := collaboratorError("issue documents", err)
		pe.RunID = runID
		pe.PriorState = run.Status
		return AuthorizeResult{}, pe
	}

	from := run.Status
	now := s.clock()
	run.Status = StatusAuthorized
	run.AuthorizedBy = actor
	run.AuthorizedAt = &now
	run.UpdatedAt = now
	run.ArtifactReference = artifacts.RunReference

	summary := AuthorizeSummary{LineCount: len(lines), Totals: EffectiveTotals(lines)}
	refs := make([]RecipientReference, 0, len(lines))
	for _, l := range lines {
		if l.Edited {
			summary.EditedCount++
		}
		refs = append(refs, RecipientReference{EmployeeID: l.EmployeeID, LineID: l.ID, Reference: artifacts.PerLine[l.ID]})
	}

	entry := s.audit(run, actor, AuditRunAuthorized, from, map[string]string{
		"artifact": artifacts.RunReference,
		"lines":    strconv.Itoa(summary.LineCount),
		"edited":   strconv.Itoa(summary.EditedCount),
		"net":      summary.Totals.Net.StringFixed(2),
	})

	wctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.store.Authorize(wctx, run, artifacts.PerLine, entry); err != nil {
		pe := storeError("authorize run", err)
		pe.RunID = runID
		pe.PriorState = from
		return AuthorizeResult{}, pe
	}

	s.log.WithFields(logrus.Fields{
		"tenant": tenant,
		"run_id": runID,
		"actor":  actor,
		"lines":  summary.LineCount,
		"edited": summary.EditedCount,
	}).Info("run authorized")

	return AuthorizeResult{
		Run:               run,
		ArtifactReference: artifacts.RunReference,
		PerRecipient:      refs,
		Summary:           summary,
	}, nil
}

// =============================================================================
// DISTRIBUTE
// =============================================================================

// Distribute delivers an authorized run. The run is marked distributing
// while deliveries are in flight and returns to authorized afterwards,
// whatever the outcome.
func (s *Service) Distribute(ctx context.Context, tenant TenantID, runID RunID, actor string, opts DistributeOptions) (_ DistributionResult, err error) {
	ctx, span := s.startSpan(ctx, "Distribute",
		attribute.String("tenant", string(tenant)),
		attribute.String("run_id", string(runID)),
		attribute.Bool("retry_failed", opts.RetryFailed))
	defer func() { endSpan(span, err) }()

	release, err := s.acquire(ctx, runID)
	if err != nil {
		return DistributionResult{}, err
	}
	defer s.unlock(release, runID)

	run, err := s.loadRun(ctx, tenant, runID)
	if err != nil {
		return DistributionResult{}, err
	}
	if gerr := Guard(run.Status, ActionDistribute); gerr != nil {
		gerr.(*Error).RunID = runID
		return DistributionResult{}, gerr
	}

	lines, err := s.loadLines(ctx, tenant, runID)
	if err != nil {
		return DistributionResult{}, err
	}
	employees, err := s.loadEmployees(ctx, tenant)
	if err != nil {
		return DistributionResult{}, err
	}

	var previous []DeliveryRecord
	if opts.RetryFailed {
		dctx, cancel := s.bounded(ctx)
		previous, err = s.store.Deliveries(dctx, runID)
		cancel()
		if err != nil {
			return DistributionResult{}, storeError("load deliveries", err)
		}
	}

	recipients, err := SelectRecipients(lines, employees, previous, opts)
	if err != nil {
		pe := err.(*Error)
		pe.RunID = runID
		return DistributionResult{}, pe
	}

	// authorized|distributing -> distributing
	from := run.Status
	run.Status = StatusDistributing
	run.UpdatedAt = s.clock()
	started := s.audit(run, actor, AuditDistributionStarted, from, map[string]string{
		"recipients": strconv.Itoa(len(recipients)),
	})
	tctx, cancel := s.bounded(ctx)
	err = s.store.TransitionRun(tctx, run, from, started)
	cancel()
	if err != nil {
		pe := storeError("start distribution", err)
		pe.RunID = runID
		pe.PriorState = from
		return DistributionResult{}, pe
	}

	result, records := s.distributor.Distribute(ctx, run, recipients)

	// The run must leave distributing even if the caller has gone away.
	finishCtx, cancel := s.bounded(context.WithoutCancel(ctx))
	defer cancel()

	if len(records) > 0 {
		if err := s.store.AppendDeliveries(finishCtx, records); err != nil {
			s.log.WithError(err).WithField("run_id", runID).Error("failed to record delivery receipts")
		}
	}

	run.Status = StatusAuthorized
	run.UpdatedAt = s.clock()
	finished := s.audit(run, actor, AuditDistributionFinished, StatusDistributing, map[string]string{
		"total":      strconv.Itoa(result.Total),
		"successful": strconv.Itoa(result.Successful),
		"failed":     strconv.Itoa(result.Failed),
	})
	if err := s.store.TransitionRun(finishCtx, run, StatusDistributing, finished); err != nil {
		pe := storeError("finish distribution", err)
		pe.RunID = runID
		pe.PriorState = StatusDistributing
		return result, pe
	}

	s.log.WithFields(logrus.Fields{
		"tenant":     tenant,
		"run_id":     runID,
		"total":      result.Total,
		"successful": result.Successful,
		"failed":     result.Failed,
	}).Info("run distributed")

	return result, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Run(ctx context.Context, tenant TenantID, id RunID) (Run, error) {
	return s.loadRun(ctx, tenant, id)
}

func (s *Service) Lines(ctx context.Context, tenant TenantID, id RunID) ([]Line, error) {
	if _, err := s.loadRun(ctx, tenant, id); err != nil {
		return nil, err
	}
	return s.loadLines(ctx, tenant, id)
}

// Runs lists runs newest first.
func (s *Service) Runs(ctx context.Context, tenant TenantID, q RunQuery) ([]Run, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	runs, err := s.store.ListRuns(ctx, tenant, q)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	return runs, nil
}

func (s *Service) Deliveries(ctx context.Context, tenant TenantID, id RunID) ([]DeliveryRecord, error) {
	if _, err := s.loadRun(ctx, tenant, id); err != nil {
		return nil, err
	}
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	records, err := s.store.Deliveries(cctx, id)
	if err != nil {
		return nil, storeError("load deliveries", err)
	}
	return records, nil
}

func (s *Service) AuditLog(ctx context.Context, tenant TenantID, id RunID) ([]AuditEntry, error) {
	if _, err := s.loadRun(ctx, tenant, id); err != nil {
		return nil, err
	}
	cctx, cancel := s.bounded(ctx)
	defer cancel()
	entries, err := s.store.AuditLog(cctx, id)
	if err != nil {
		return nil, storeError("load audit log", err)
	}
	return entries, nil
}

// Comparison sets a run's totals against the previous month's run for the
// same sub-period. Previous is nil when no such run exists.
type Comparison struct {
	Current        Run
	CurrentTotals  Totals
	Previous       *Run
	PreviousTotals Totals
	Delta          Totals
}

// Compare prefers the newest authorized run of the previous period and
// falls back to its newest draft.
func (s *Service) Compare(ctx context.Context, tenant TenantID, id RunID) (Comparison, error) {
	run, err := s.loadRun(ctx, tenant, id)
	if err != nil {
		return Comparison{}, err
	}
	lines, err := s.loadLines(ctx, tenant, id)
	if err != nil {
		return Comparison{}, err
	}

	cmp := Comparison{
		Current:        run,
		CurrentTotals:  EffectiveTotals(lines),
		PreviousTotals: EffectiveTotals(nil),
	}

	prevPeriod := run.Period.Previous()
	candidates, err := s.Runs(ctx, tenant, RunQuery{Period: &prevPeriod})
	if err != nil {
		return Comparison{}, err
	}
	var prev *Run
	for i := range candidates {
		if candidates[i].Status != StatusDraft {
			prev = &candidates[i]
			break
		}
	}
	if prev == nil && len(candidates) > 0 {
		prev = &candidates[0]
	}

	if prev != nil {
		prevLines, err := s.loadLines(ctx, tenant, prev.ID)
		if err != nil {
			return Comparison{}, err
		}
		cmp.Previous = prev
		cmp.PreviousTotals = EffectiveTotals(prevLines)
	}
	cmp.Delta = cmp.CurrentTotals.Sub(cmp.PreviousTotals)
	return cmp, nil
}
