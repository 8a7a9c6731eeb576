package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

func recipient(id, email string) payroll.Recipient {
	e := employee(id, "Name "+id, email, "10000")
	return payroll.Recipient{
		Line:     payroll.Line{ID: payroll.LineID("l-" + id), EmployeeID: e.ID},
		Employee: &e,
	}
}

func TestDistributor_PartialFailureIsNormal(t *testing.T) {
	transport := &fakeTransport{failFor: map[string]error{"bad@example.com": errTransport}}
	d := payroll.NewDistributor(transport, 4, time.Second, fixedClock, quietLogger())
	run := payroll.Run{ID: "r1", TenantID: tenant, Status: payroll.StatusDistributing}

	res, records := d.Distribute(context.Background(), run, []payroll.Recipient{
		recipient("ok", "ok@example.com"),
		recipient("bad", "bad@example.com"),
	})

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 2)

	assert.Equal(t, payroll.EmployeeID("ok"), res.Results[0].EmployeeID)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "msg-ok", res.Results[0].Reference)

	assert.Equal(t, payroll.EmployeeID("bad"), res.Results[1].EmployeeID)
	assert.False(t, res.Results[1].Success)
	assert.Contains(t, res.Results[1].Error, "mailbox unavailable")

	require.Len(t, records, 2)
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.Equal(t, run.ID, records[1].RunID)
}

func TestDistributor_AllFailedAndAllSucceeded(t *testing.T) {
	run := payroll.Run{ID: "r1", TenantID: tenant}

	ok := payroll.NewDistributor(&fakeTransport{}, 2, 0, fixedClock, quietLogger())
	res, _ := ok.Distribute(context.Background(), run, []payroll.Recipient{recipient("a", "a@x"), recipient("b", "b@x")})
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 0, res.Failed)

	failing := &fakeTransport{failFor: map[string]error{"a@x": errTransport, "b@x": errTransport}}
	bad := payroll.NewDistributor(failing, 2, 0, fixedClock, quietLogger())
	res, _ = bad.Distribute(context.Background(), run, []payroll.Recipient{recipient("a", "a@x"), recipient("b", "b@x")})
	assert.Equal(t, 0, res.Successful)
	assert.Equal(t, 2, res.Failed)
}

func TestDistributor_NoEmailSkipsTransport(t *testing.T) {
	transport := &fakeTransport{}
	d := payroll.NewDistributor(transport, 1, 0, fixedClock, quietLogger())

	missing := payroll.Recipient{Line: payroll.Line{ID: "l-x", EmployeeID: "x"}}
	res, _ := d.Distribute(context.Background(), payroll.Run{ID: "r1"}, []payroll.Recipient{
		recipient("noemail", ""),
		missing,
	})

	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, payroll.FailureNoEmail, res.Results[0].Error)
	assert.Equal(t, payroll.FailureRecipientNotFound, res.Results[1].Error)
	assert.Empty(t, transport.delivered())
}

func TestDistributor_ManyRecipientsBoundedPool(t *testing.T) {
	transport := &fakeTransport{}
	d := payroll.NewDistributor(transport, 3, 0, fixedClock, quietLogger())

	var recipients []payroll.Recipient
	for i := 0; i < 25; i++ {
		id := string(rune('a' + i))
		recipients = append(recipients, recipient(id, id+"@example.com"))
	}
	res, _ := d.Distribute(context.Background(), payroll.Run{ID: "r1"}, recipients)

	assert.Equal(t, 25, res.Successful)
	assert.Len(t, transport.delivered(), 25)
	for i, r := range res.Results {
		assert.Equal(t, recipients[i].Line.EmployeeID, r.EmployeeID, "results keep recipient order")
	}
}

func TestSelectRecipients(t *testing.T) {
	lines := []payroll.Line{
		{ID: "l1", EmployeeID: "e1"},
		{ID: "l2", EmployeeID: "e2"},
		{ID: "l3", EmployeeID: "e3"},
	}
	roster := []payroll.Employee{
		employee("e1", "Ana", "ana@example.com", "1"),
		employee("e2", "Bruno", "bruno@example.com", "1"),
	}

	t.Run("all", func(t *testing.T) {
		got, err := payroll.SelectRecipients(lines, roster, nil, payroll.DistributeOptions{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.NotNil(t, got[0].Employee)
		assert.Nil(t, got[2].Employee, "e3 left the roster")
	})

	t.Run("one employee", func(t *testing.T) {
		got, err := payroll.SelectRecipients(lines, roster, nil, payroll.DistributeOptions{EmployeeID: "e2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, payroll.LineID("l2"), got[0].Line.ID)
	})

	t.Run("unknown employee", func(t *testing.T) {
		_, err := payroll.SelectRecipients(lines, roster, nil, payroll.DistributeOptions{EmployeeID: "nobody"})
		assert.ErrorIs(t, err, payroll.ErrValidation)
	})

	t.Run("retry failed uses latest attempt", func(t *testing.T) {
		previous := []payroll.DeliveryRecord{
			{EmployeeID: "e1", Success: false},
			{EmployeeID: "e2", Success: false},
			{EmployeeID: "e1", Success: true},
		}
		got, err := payroll.SelectRecipients(lines, roster, previous, payroll.DistributeOptions{RetryFailed: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, payroll.EmployeeID("e2"), got[0].Line.EmployeeID)
	})
}
