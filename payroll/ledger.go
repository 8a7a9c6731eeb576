/*
ledger.go - Audited overrides of effective line figures

PURPOSE:
  The Ledger is the only writer of a line's effective figures. Each
  override changes exactly one field and appends exactly one Adjustment
  holding the value it replaced.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: adjustments are never updated or deleted
  2. ONE FIELD: dependents are not recomputed (overriding gross leaves net
     as it was; Figures.Balanced reports the resulting drift)
  3. DRAFT ONLY: the owning run must be draft, re-checked by the store
  4. NO DEDUPLICATION: the same override twice yields two adjustments

EXAMPLE FLOW:
  1. Preview:            gross 7500.00 (computed = effective)
  2. Override gross:     8000.00, adjustment{prior 7500.00, new 8000.00}
  3. Override gross:     8000.00, adjustment{prior 8000.00, new 8000.00}
  4. Authorize:          further overrides fail RUN_CLOSED

SEE ALSO:
  - lifecycle.go: Guard(status, ActionOverride)
  - store.go: SaveOverride compare-and-set
*/
package payroll

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MaxReasonLength bounds the free-text reason on an adjustment.
const MaxReasonLength = 500

// OverrideRequest asks to replace one effective field of a line.
type OverrideRequest struct {
	TenantID TenantID
	LineID   LineID
	Field    Field
	NewValue decimal.Decimal
	Reason   string
	Actor    string

	// ExpectedVersion, when set, must equal the line's current version.
	ExpectedVersion *int
}

// OverrideResult is the appended adjustment and the updated line.
type OverrideResult struct {
	Adjustment Adjustment
	Line       Line
}

// Ledger applies overrides against a Store.
type Ledger struct {
	store Store
	clock Clock
	log   logrus.FieldLogger
}

func NewLedger(store Store, clock Clock, log logrus.FieldLogger) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{store: store, clock: clock, log: log}
}

func (req OverrideRequest) validate() error {
	switch req.Field {
	case FieldWorkedDays, FieldGross, FieldSocialSecurity, FieldPension, FieldIncomeTax, FieldNet:
	default:
		return &Error{Code: CodeValidation, Message: "unknown field", LineID: req.LineID, Field: req.Field}
	}
	if req.NewValue.IsNegative() {
		return &Error{
			Code:    CodeValidation,
			Message: "value must be zero or positive, got " + req.NewValue.String(),
			LineID:  req.LineID,
			Field:   req.Field,
		}
	}
	if req.Actor == "" {
		return &Error{Code: CodeValidation, Message: "actor is required", LineID: req.LineID, Field: req.Field}
	}
	if len(req.Reason) > MaxReasonLength {
		return &Error{Code: CodeValidation, Message: "reason is too long", LineID: req.LineID, Field: req.Field}
	}
	return nil
}

// Override replaces one effective field and records the prior value.
func (l *Ledger) Override(ctx context.Context, req OverrideRequest) (OverrideResult, error) {
	if err := req.validate(); err != nil {
		return OverrideResult{}, err
	}

	line, err := l.store.GetLine(ctx, req.TenantID, req.LineID)
	if err != nil {
		return OverrideResult{}, withLine(storeError("load line", err), req)
	}

	run, err := l.store.GetRun(ctx, req.TenantID, line.RunID)
	if err != nil {
		return OverrideResult{}, withLine(storeError("load run", err), req)
	}
	if err := Guard(run.Status, ActionOverride); err != nil {
		pe := err.(*Error)
		pe.RunID = run.ID
		return OverrideResult{}, withLine(pe, req)
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != line.Version {
		return OverrideResult{}, &Error{
			Code:    CodeConflict,
			Message: "line was changed by another editor",
			RunID:   run.ID,
			LineID:  line.ID,
			Field:   req.Field,
		}
	}

	now := l.clock()
	prior := line.Effective.Get(req.Field)
	adj := Adjustment{
		ID:         AdjustmentID(uuid.NewString()),
		LineID:     line.ID,
		RunID:      line.RunID,
		Field:      req.Field,
		PriorValue: prior,
		NewValue:   req.NewValue,
		Reason:     req.Reason,
		Actor:      req.Actor,
		CreatedAt:  now,
	}

	updated := line
	updated.Effective = line.Effective.With(req.Field, req.NewValue)
	updated.Edited = true
	updated.Version = line.Version + 1
	updated.UpdatedAt = now

	if err := l.store.SaveOverride(ctx, updated, adj, line.Version); err != nil {
		pe := withLine(storeError("save override", err), req)
		pe.RunID = run.ID
		if pe.Code == CodeRunClosed {
			pe.PriorState = run.Status
		}
		return OverrideResult{}, pe
	}

	l.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"line_id": line.ID,
		"field":   req.Field.String(),
		"prior":   prior.String(),
		"value":   req.NewValue.String(),
		"actor":   req.Actor,
	}).Info("line overridden")

	return OverrideResult{Adjustment: adj, Line: updated}, nil
}

// History returns the ordered adjustments of a line.
func (l *Ledger) History(ctx context.Context, tenant TenantID, lineID LineID) ([]Adjustment, error) {
	if _, err := l.store.GetLine(ctx, tenant, lineID); err != nil {
		return nil, storeError("load line", err)
	}
	adjs, err := l.store.Adjustments(ctx, lineID)
	if err != nil {
		return nil, storeError("load adjustments", err)
	}
	return adjs, nil
}

func withLine(pe *Error, req OverrideRequest) *Error {
	if pe.LineID == "" {
		pe.LineID = req.LineID
	}
	if pe.Field == 0 {
		pe.Field = req.Field
	}
	return pe
}
