package payroll

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Filter is the period selection a Controller previews.
type Filter struct {
	Year        int
	Month       time.Month
	SubPeriod   int
	Withholding WithholdingMode
}

func (f Filter) Period() Period {
	return Period{Year: f.Year, Month: f.Month, SubPeriod: f.SubPeriod}
}

// ControllerState is a snapshot of a Controller. Err is the last failed
// action; when set, Status is still the status from before that action.
type ControllerState struct {
	Filter Filter
	Status Status
	Run    *Run
	Lines  []Line
	Totals Totals
	Err    error
}

// Controller holds one tenant's current run for one actor. It is a plain
// value owned by the caller and is not safe for concurrent use.
type Controller struct {
	svc    *Service
	tenant TenantID
	actor  string

	filter  Filter
	run     *Run
	lines   []Line
	lastErr error
}

func NewController(svc *Service, tenant TenantID, actor string) *Controller {
	return &Controller{svc: svc, tenant: tenant, actor: actor}
}

func (c *Controller) status() Status {
	if c.run == nil {
		return StatusEmpty
	}
	return c.run.Status
}

// fail records err as the last error without touching the run.
func (c *Controller) fail(err error) error {
	c.lastErr = err
	return err
}

func (c *Controller) State() ControllerState {
	st := ControllerState{Filter: c.filter, Status: c.status(), Err: c.lastErr}
	if c.run != nil {
		r := *c.run
		st.Run = &r
		st.Lines = append([]Line(nil), c.lines...)
		st.Totals = EffectiveTotals(c.lines)
	}
	return st
}

// Reset drops the current run and error. Persisted runs are unaffected.
func (c *Controller) Reset() {
	c.run, c.lines, c.lastErr = nil, nil, nil
	c.filter = Filter{}
}

// Preview computes a new draft for f. The previous run is only replaced
// once the new one exists.
func (c *Controller) Preview(ctx context.Context, f Filter) (PreviewResult, error) {
	res, err := c.svc.Preview(ctx, PreviewRequest{
		TenantID:    c.tenant,
		Period:      f.Period(),
		Withholding: f.Withholding,
		Actor:       c.actor,
	})
	if err != nil {
		return PreviewResult{}, c.fail(err)
	}
	run := res.Run
	c.filter, c.run, c.lines, c.lastErr = f, &run, res.Lines, nil
	return res, nil
}

// Open selects an existing run, for example to distribute it again.
func (c *Controller) Open(ctx context.Context, id RunID) error {
	run, err := c.svc.Run(ctx, c.tenant, id)
	if err != nil {
		return c.fail(err)
	}
	lines, err := c.svc.Lines(ctx, c.tenant, id)
	if err != nil {
		return c.fail(err)
	}
	c.filter = Filter{Year: run.Period.Year, Month: run.Period.Month, SubPeriod: run.Period.SubPeriod, Withholding: run.Withholding}
	c.run, c.lines, c.lastErr = &run, lines, nil
	return nil
}

// Override changes one field of a line in the current run.
func (c *Controller) Override(ctx context.Context, lineID LineID, field Field, value decimal.Decimal, reason string) (OverrideResult, error) {
	if err := Guard(c.status(), ActionOverride); err != nil {
		if c.run != nil {
			err.(*Error).RunID = c.run.ID
		}
		return OverrideResult{}, c.fail(err)
	}

	idx := -1
	for i, l := range c.lines {
		if l.ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return OverrideResult{}, c.fail(&Error{Code: CodeNotFound, Message: "line is not part of the current run", RunID: c.run.ID, LineID: lineID})
	}

	version := c.lines[idx].Version
	res, err := c.svc.Override(ctx, OverrideRequest{
		TenantID:        c.tenant,
		LineID:          lineID,
		Field:           field,
		NewValue:        value,
		Reason:          reason,
		Actor:           c.actor,
		ExpectedVersion: &version,
	})
	if err != nil {
		return OverrideResult{}, c.fail(err)
	}

	lines := append([]Line(nil), c.lines...)
	lines[idx] = res.Line
	c.lines, c.lastErr = lines, nil
	return res, nil
}

// Authorize authorizes the current run.
func (c *Controller) Authorize(ctx context.Context) (AuthorizeResult, error) {
	if err := Guard(c.status(), ActionAuthorize); err != nil {
		if c.run != nil {
			err.(*Error).RunID = c.run.ID
		}
		return AuthorizeResult{}, c.fail(err)
	}

	res, err := c.svc.Authorize(ctx, c.tenant, c.run.ID, c.actor)
	if err != nil {
		return AuthorizeResult{}, c.fail(err)
	}

	lines := make([]Line, len(c.lines))
	for i, l := range c.lines {
		l.VoucherReference = voucherFor(res.PerRecipient, l.ID)
		lines[i] = l
	}
	run := res.Run
	c.run, c.lines, c.lastErr = &run, lines, nil
	return res, nil
}

// Distribute delivers the current run. Partial failure is returned in the
// result, not as an error.
func (c *Controller) Distribute(ctx context.Context, opts DistributeOptions) (DistributionResult, error) {
	if err := Guard(c.status(), ActionDistribute); err != nil {
		if c.run != nil {
			err.(*Error).RunID = c.run.ID
		}
		return DistributionResult{}, c.fail(err)
	}

	res, err := c.svc.Distribute(ctx, c.tenant, c.run.ID, c.actor, opts)
	if err != nil {
		return res, c.fail(err)
	}

	run := *c.run
	run.Status = StatusAuthorized
	c.run, c.lastErr = &run, nil
	return res, nil
}

func voucherFor(refs []RecipientReference, id LineID) string {
	for _, r := range refs {
		if r.LineID == id {
			return r.Reference
		}
	}
	return ""
}
