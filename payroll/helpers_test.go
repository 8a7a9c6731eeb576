package payroll_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
	"github.com/warp/payroll-engine/tax"
)

const tenant = payroll.TenantID("acme")

var (
	testNow = time.Date(2025, time.March, 20, 12, 0, 0, 0, time.UTC)
	march1  = payroll.Period{Year: 2025, Month: time.March, SubPeriod: 1}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fixedClock() time.Time { return testNow }

// fakeTransport fails for the configured emails and records every call.
type fakeTransport struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   []payroll.Delivery
}

func (f *fakeTransport) Deliver(_ context.Context, d payroll.Delivery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d)
	if err := f.failFor[d.Email]; err != nil {
		return "", err
	}
	return "msg-" + string(d.EmployeeID), nil
}

func (f *fakeTransport) delivered() []payroll.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payroll.Delivery(nil), f.calls...)
}

// failingRoster always returns err.
type failingRoster struct{ err error }

func (f failingRoster) Employees(context.Context, payroll.TenantID) ([]payroll.Employee, error) {
	return nil, f.err
}

// blockingAttendance waits for the context to end.
type blockingAttendance struct{}

func (blockingAttendance) Summaries(ctx context.Context, _ payroll.TenantID, _ payroll.Period) (map[payroll.EmployeeID]payroll.AttendanceSummary, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var errTransport = errors.New("smtp: mailbox unavailable")

type fixture struct {
	mem       *store.Memory
	transport *fakeTransport
	svc       *payroll.Service
}

func employee(id, name, email, salary string) payroll.Employee {
	return payroll.Employee{
		ID:         payroll.EmployeeID(id),
		TenantID:   tenant,
		Name:       name,
		Email:      email,
		Department: "ops",
		BaseSalary: dec(salary),
		Status:     payroll.EmployeeActive,
	}
}

// newFixture seeds two active employees (Ana 15000, Bruno 25000) with 15
// worked days in March Q1, plus one inactive employee.
func newFixture(t *testing.T, mutate ...func(*payroll.Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	for _, e := range []payroll.Employee{
		employee("e1", "Ana", "ana@example.com", "15000"),
		employee("e2", "Bruno", "bruno@example.com", "25000"),
	} {
		require.NoError(t, mem.SaveEmployee(ctx, e))
		require.NoError(t, mem.SaveAttendance(ctx, tenant, march1, payroll.AttendanceSummary{EmployeeID: e.ID, DaysWorked: 15}))
	}
	gone := employee("e3", "Carla", "carla@example.com", "30000")
	gone.Status = payroll.EmployeeInactive
	require.NoError(t, mem.SaveEmployee(ctx, gone))

	transport := &fakeTransport{failFor: map[string]error{}}
	opts := payroll.Options{
		Store:       mem,
		Roster:      mem,
		Attendance:  mem,
		Transport:   transport,
		Table:       tax.Honduras2025(),
		CallTimeout: time.Second,
		Workers:     2,
		Clock:       fixedClock,
		Logger:      quietLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := payroll.NewService(opts)
	require.NoError(t, err)
	return &fixture{mem: mem, transport: transport, svc: svc}
}

func (f *fixture) preview(t *testing.T) payroll.PreviewResult {
	t.Helper()
	res, err := f.svc.Preview(context.Background(), payroll.PreviewRequest{
		TenantID:    tenant,
		Period:      march1,
		Withholding: payroll.WithholdingApply,
		Actor:       "reviewer",
	})
	require.NoError(t, err)
	return res
}

func lineFor(t *testing.T, lines []payroll.Line, id payroll.EmployeeID) payroll.Line {
	t.Helper()
	for _, l := range lines {
		if l.EmployeeID == id {
			return l
		}
	}
	t.Fatalf("no line for employee %s", id)
	return payroll.Line{}
}
