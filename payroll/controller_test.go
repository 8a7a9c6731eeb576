package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

var marchFilter = payroll.Filter{Year: 2025, Month: time.March, SubPeriod: 1, Withholding: payroll.WithholdingApply}

func TestController_EmptyState(t *testing.T) {
	ctx := context.Background()
	c := payroll.NewController(newFixture(t).svc, tenant, "reviewer")

	assert.Equal(t, payroll.StatusEmpty, c.State().Status)

	_, err := c.Override(ctx, "l1", payroll.FieldGross, dec("1"), "")
	assert.ErrorIs(t, err, payroll.ErrNoActiveRun)

	_, err = c.Authorize(ctx)
	assert.ErrorIs(t, err, payroll.ErrNoActiveRun)

	_, err = c.Distribute(ctx, payroll.DistributeOptions{})
	assert.ErrorIs(t, err, payroll.ErrNotAuthorized)

	st := c.State()
	assert.Equal(t, payroll.StatusEmpty, st.Status)
	assert.ErrorIs(t, st.Err, payroll.ErrNotAuthorized)
}

func TestController_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := payroll.NewController(f.svc, tenant, "reviewer")

	// preview: empty -> draft
	res, err := c.Preview(ctx, marchFilter)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusDraft, c.State().Status)

	// override: draft -> draft
	ana := lineFor(t, res.Lines, "e1")
	_, err = c.Override(ctx, ana.ID, payroll.FieldGross, dec("8000"), "bonus")
	require.NoError(t, err)
	st := c.State()
	assert.Equal(t, payroll.StatusDraft, st.Status)
	requireDecimal(t, "8000", lineFor(t, st.Lines, "e1").Effective.Gross)
	requireDecimal(t, "20500", st.Totals.Gross)

	// a second override uses the refreshed version
	_, err = c.Override(ctx, ana.ID, payroll.FieldNet, dec("7300"), "")
	require.NoError(t, err)

	// authorize: draft -> authorized
	auth, err := c.Authorize(ctx)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusAuthorized, c.State().Status)
	assert.Equal(t, 1, auth.Summary.EditedCount)
	assert.NotEmpty(t, lineFor(t, c.State().Lines, "e1").VoucherReference)

	// override now fails and leaves everything as it was
	_, err = c.Override(ctx, ana.ID, payroll.FieldGross, dec("1"), "")
	assert.ErrorIs(t, err, payroll.ErrRunClosed)
	st = c.State()
	assert.Equal(t, payroll.StatusAuthorized, st.Status)
	assert.ErrorIs(t, st.Err, payroll.ErrRunClosed)
	requireDecimal(t, "8000", lineFor(t, st.Lines, "e1").Effective.Gross)

	// distribute: authorized -> distributing -> authorized
	dist, err := c.Distribute(ctx, payroll.DistributeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, dist.Successful)
	st = c.State()
	assert.Equal(t, payroll.StatusAuthorized, st.Status)
	assert.NoError(t, st.Err)

	// distribute again is allowed
	_, err = c.Distribute(ctx, payroll.DistributeOptions{EmployeeID: "e1"})
	require.NoError(t, err)
}

func TestController_FailedPreviewKeepsCurrentRun(t *testing.T) {
	ctx := context.Background()
	c := payroll.NewController(newFixture(t).svc, tenant, "reviewer")

	first, err := c.Preview(ctx, marchFilter)
	require.NoError(t, err)

	future := marchFilter
	future.Month = time.December
	_, err = c.Preview(ctx, future)
	require.ErrorIs(t, err, payroll.ErrValidation)

	st := c.State()
	require.NotNil(t, st.Run)
	assert.Equal(t, first.Run.ID, st.Run.ID)
	assert.Equal(t, payroll.StatusDraft, st.Status)
	assert.Equal(t, marchFilter, st.Filter)
	assert.ErrorIs(t, st.Err, payroll.ErrValidation)
}

func TestController_SwitchingFilterReplacesDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := payroll.NewController(f.svc, tenant, "reviewer")

	first, err := c.Preview(ctx, marchFilter)
	require.NoError(t, err)

	other := marchFilter
	other.SubPeriod = 2
	second, err := c.Preview(ctx, other)
	require.NoError(t, err)

	st := c.State()
	assert.Equal(t, second.Run.ID, st.Run.ID)
	assert.Equal(t, other, st.Filter)
	for _, l := range st.Lines {
		assert.True(t, l.MissingAttendance, "no attendance seeded for Q2")
	}

	// The dropped draft is still readable as history.
	old, err := f.svc.Run(ctx, tenant, first.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusDraft, old.Status)
}

func TestController_LineOutsideRun(t *testing.T) {
	ctx := context.Background()
	c := payroll.NewController(newFixture(t).svc, tenant, "reviewer")
	_, err := c.Preview(ctx, marchFilter)
	require.NoError(t, err)

	_, err = c.Override(ctx, "not-a-line", payroll.FieldGross, dec("1"), "")
	assert.ErrorIs(t, err, payroll.ErrNotFound)
}

func TestController_StaleHandleConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := payroll.NewController(f.svc, tenant, "alice")
	res, err := a.Preview(ctx, marchFilter)
	require.NoError(t, err)

	b := payroll.NewController(f.svc, tenant, "bob")
	require.NoError(t, b.Open(ctx, res.Run.ID))

	ana := lineFor(t, res.Lines, "e1")
	_, err = a.Override(ctx, ana.ID, payroll.FieldGross, dec("8000"), "")
	require.NoError(t, err)

	// Bob still holds version 0 of the line.
	_, err = b.Override(ctx, ana.ID, payroll.FieldGross, dec("9000"), "")
	assert.ErrorIs(t, err, payroll.ErrConcurrentModification)
}

func TestController_OpenAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.preview(t)

	c := payroll.NewController(f.svc, tenant, "reviewer")
	require.NoError(t, c.Open(ctx, res.Run.ID))
	assert.Equal(t, payroll.StatusDraft, c.State().Status)
	assert.Len(t, c.State().Lines, 2)

	c.Reset()
	assert.Equal(t, payroll.StatusEmpty, c.State().Status)
	assert.Nil(t, c.State().Run)

	err := c.Open(ctx, "missing")
	assert.True(t, payroll.IsNotFound(err))
}
