package payroll_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

func overrideReq(line payroll.Line, field payroll.Field, value string) payroll.OverrideRequest {
	return payroll.OverrideRequest{
		TenantID: tenant,
		LineID:   line.ID,
		Field:    field,
		NewValue: dec(value),
		Reason:   "bonus agreed with HR",
		Actor:    "reviewer",
	}
}

func TestOverride_AppendsOneAdjustmentWithPriorValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	preview := f.preview(t)
	target := lineFor(t, preview.Lines, "e1")
	other := lineFor(t, preview.Lines, "e2")

	// GIVEN: gross is 7500 (computed)
	requireDecimal(t, "7500", target.Effective.Gross)

	// WHEN: gross is overridden
	res, err := f.svc.Override(ctx, overrideReq(target, payroll.FieldGross, "8000"))
	require.NoError(t, err)

	// THEN: one adjustment records the previous effective value
	history, err := f.svc.History(ctx, tenant, target.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	requireDecimal(t, "7500", history[0].PriorValue)
	requireDecimal(t, "8000", history[0].NewValue)
	assert.Equal(t, payroll.FieldGross, history[0].Field)
	assert.Equal(t, "reviewer", history[0].Actor)
	assert.Equal(t, "bonus agreed with HR", history[0].Reason)
	assert.Equal(t, testNow, history[0].CreatedAt)
	assert.Equal(t, res.Adjustment.ID, history[0].ID)

	// AND: only that field changed, computed figures untouched
	assert.True(t, res.Line.Edited)
	assert.Equal(t, 1, res.Line.Version)
	requireDecimal(t, "8000", res.Line.Effective.Gross)
	assert.True(t, res.Line.Effective.Net.Equal(target.Effective.Net), "net is not recomputed")
	assert.False(t, res.Line.Effective.Balanced())
	assert.True(t, res.Line.Computed.Equal(target.Computed))

	// AND: the other line is unchanged
	lines, err := f.svc.Lines(ctx, tenant, preview.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, other, lineFor(t, lines, "e2"))
	otherHistory, err := f.svc.History(ctx, tenant, other.ID)
	require.NoError(t, err)
	assert.Empty(t, otherHistory)
}

func TestOverride_SameValueTwiceRecordsTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	target := lineFor(t, f.preview(t).Lines, "e1")

	_, err := f.svc.Override(ctx, overrideReq(target, payroll.FieldNet, "7000"))
	require.NoError(t, err)
	res, err := f.svc.Override(ctx, overrideReq(target, payroll.FieldNet, "7000"))
	require.NoError(t, err)

	requireDecimal(t, "7000", res.Line.Effective.Net)
	history, err := f.svc.History(ctx, tenant, target.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	requireDecimal(t, "7000", history[1].PriorValue)
	requireDecimal(t, "7000", history[1].NewValue)
}

func TestOverride_ReasonIsOptional(t *testing.T) {
	f := newFixture(t)
	target := lineFor(t, f.preview(t).Lines, "e1")

	req := overrideReq(target, payroll.FieldIncomeTax, "10")
	req.Reason = ""
	res, err := f.svc.Override(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Adjustment.Reason)
}

func TestOverride_AuthorizedRunIsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	preview := f.preview(t)
	target := lineFor(t, preview.Lines, "e1")

	_, err := f.svc.Authorize(ctx, tenant, preview.Run.ID, "approver")
	require.NoError(t, err)
	before, err := f.mem.GetLine(ctx, tenant, target.ID)
	require.NoError(t, err)

	_, err = f.svc.Override(ctx, overrideReq(target, payroll.FieldGross, "1"))

	require.Error(t, err)
	assert.ErrorIs(t, err, payroll.ErrRunClosed)
	var pe *payroll.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, payroll.StatusAuthorized, pe.PriorState)
	assert.Equal(t, preview.Run.ID, pe.RunID)
	assert.Equal(t, payroll.FieldGross, pe.Field)

	after, err := f.mem.GetLine(ctx, tenant, target.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	history, err := f.svc.History(ctx, tenant, target.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOverride_Validation(t *testing.T) {
	f := newFixture(t)
	target := lineFor(t, f.preview(t).Lines, "e1")

	tests := []struct {
		name   string
		mutate func(*payroll.OverrideRequest)
	}{
		{"negative value", func(r *payroll.OverrideRequest) { r.NewValue = dec("-1") }},
		{"unknown field", func(r *payroll.OverrideRequest) { r.Field = payroll.Field(99) }},
		{"missing actor", func(r *payroll.OverrideRequest) { r.Actor = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := overrideReq(target, payroll.FieldGross, "100")
			tt.mutate(&req)
			_, err := f.svc.Override(context.Background(), req)
			assert.ErrorIs(t, err, payroll.ErrValidation)
		})
	}
}

func TestOverride_UnknownLineAndOtherTenant(t *testing.T) {
	f := newFixture(t)
	target := lineFor(t, f.preview(t).Lines, "e1")

	req := overrideReq(target, payroll.FieldGross, "100")
	req.LineID = "missing"
	_, err := f.svc.Override(context.Background(), req)
	assert.ErrorIs(t, err, payroll.ErrNotFound)

	req = overrideReq(target, payroll.FieldGross, "100")
	req.TenantID = "other"
	_, err = f.svc.Override(context.Background(), req)
	assert.ErrorIs(t, err, payroll.ErrNotFound)
}

func TestOverride_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	target := lineFor(t, f.preview(t).Lines, "e1")

	// First editor succeeds from version 0.
	v0 := 0
	req := overrideReq(target, payroll.FieldGross, "8000")
	req.ExpectedVersion = &v0
	_, err := f.svc.Override(ctx, req)
	require.NoError(t, err)

	// Second editor still holds version 0.
	req = overrideReq(target, payroll.FieldGross, "9000")
	req.ExpectedVersion = &v0
	_, err = f.svc.Override(ctx, req)
	assert.ErrorIs(t, err, payroll.ErrConcurrentModification)
	assert.True(t, payroll.IsRetryable(err))

	line, err := f.mem.GetLine(ctx, tenant, target.ID)
	require.NoError(t, err)
	requireDecimal(t, "8000", line.Effective.Gross)
}

func TestLedger_StoreRechecksRunStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	preview := f.preview(t)
	target := lineFor(t, preview.Lines, "e1")

	// The store refuses the write even if the caller skipped the guard.
	_, err := f.svc.Authorize(ctx, tenant, preview.Run.ID, "approver")
	require.NoError(t, err)

	updated := target
	updated.Effective = target.Effective.With(payroll.FieldGross, dec("1"))
	updated.Version = 1
	err = f.mem.SaveOverride(ctx, updated, payroll.Adjustment{ID: "a1", LineID: target.ID}, 0)
	assert.ErrorIs(t, err, payroll.ErrRunClosed)
}
