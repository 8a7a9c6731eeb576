/*
scheduler.go - Automated delivery retry scheduler

PURPOSE:
  Periodically re-delivers vouchers whose latest attempt failed with a
  transport error, for authorized runs of the configured tenants. Runs left
  in distributing (the process stopped mid-batch) are resumed: employees
  that never got an attempt are delivered too.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Looks at the newest authorized and distributing runs of each tenant
    (RecentRuns per status)
  - A batch still in flight holds the run lock; the retry gets LOCKED and
    the run is skipped until the next pass
  - Retries one employee at a time so attempts can be capped per employee
  - Skips no_email and recipient_not_found failures; those need a roster fix
  - Stops retrying an employee after MaxAttempts attempts

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - MaxAttempts:   Attempts per employee, including the first (default: 5)
  - RecentRuns:    Runs per tenant and status to inspect (default: 5)

USAGE:
  scheduler := NewRetryScheduler(svc, tenants, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: DistributeRun endpoint (manual retry with retry_failed)
  - payroll/distribution.go: SelectRecipients
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/payroll"
)

// SchedulerActor is recorded as the actor of scheduled distributions.
const SchedulerActor = "system:retry-scheduler"

// RetryScheduler retries failed voucher deliveries.
type RetryScheduler struct {
	Service       *payroll.Service
	Tenants       []payroll.TenantID
	CheckInterval time.Duration
	MaxAttempts   int
	RecentRuns    int
	Enabled       bool
	Log           logrus.FieldLogger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRetryScheduler creates a scheduler for the given tenants.
func NewRetryScheduler(svc *payroll.Service, tenants []payroll.TenantID, log logrus.FieldLogger) *RetryScheduler {
	return &RetryScheduler{
		Service:       svc,
		Tenants:       tenants,
		CheckInterval: 15 * time.Minute,
		MaxAttempts:   5,
		RecentRuns:    5,
		Enabled:       len(tenants) > 0,
		Log:           log.WithField("component", "retry-scheduler"),
	}
}

// Start begins the scheduler.
func (rs *RetryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.Log.WithField("interval", rs.CheckInterval).Info("started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *RetryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Log.Info("stopped")
}

func (rs *RetryScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	for {
		select {
		case <-rs.ticker.C:
			rs.RetryOnce(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RetryOnce makes one pass over all tenants and returns how many
// deliveries were retried.
func (rs *RetryScheduler) RetryOnce(ctx context.Context) int {
	retried := 0
	for _, tenant := range rs.Tenants {
		if ctx.Err() != nil {
			break
		}
		retried += rs.retryTenant(ctx, tenant)
	}
	if retried > 0 {
		rs.Log.WithField("retried", retried).Info("retry pass completed")
	}
	return retried
}

func (rs *RetryScheduler) retryTenant(ctx context.Context, tenant payroll.TenantID) int {
	log := rs.Log.WithField("tenant", tenant)

	var runs []payroll.Run
	for _, status := range []payroll.Status{payroll.StatusAuthorized, payroll.StatusDistributing} {
		found, err := rs.Service.Runs(ctx, tenant, payroll.RunQuery{Status: status, Limit: rs.RecentRuns})
		if err != nil {
			log.WithError(err).WithField("status", status).Warn("list runs failed")
			continue
		}
		runs = append(runs, found...)
	}

	retried := 0
	for _, run := range runs {
		candidates, err := rs.candidatesFor(ctx, tenant, run)
		if err != nil {
			log.WithError(err).WithField("run_id", run.ID).Warn("load deliveries failed")
			continue
		}
		for _, employeeID := range candidates {
			_, err := rs.Service.Distribute(ctx, tenant, run.ID, SchedulerActor, payroll.DistributeOptions{EmployeeID: employeeID})
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"run_id":      run.ID,
					"employee_id": employeeID,
				}).Warn("retry failed")
				if payroll.IsRetryable(err) {
					break
				}
				continue
			}
			retried++
		}
	}
	return retried
}

func (rs *RetryScheduler) candidatesFor(ctx context.Context, tenant payroll.TenantID, run payroll.Run) ([]payroll.EmployeeID, error) {
	records, err := rs.Service.Deliveries(ctx, tenant, run.ID)
	if err != nil {
		return nil, err
	}
	candidates := retryCandidates(records, rs.MaxAttempts)
	if run.Status != payroll.StatusDistributing {
		return candidates, nil
	}
	lines, err := rs.Service.Lines(ctx, tenant, run.ID)
	if err != nil {
		return nil, err
	}
	return append(candidates, undelivered(lines, records)...), nil
}

// retryCandidates returns employees whose latest attempt failed with a
// transport error and who have fewer than maxAttempts attempts, in first
// attempt order.
func retryCandidates(records []payroll.DeliveryRecord, maxAttempts int) []payroll.EmployeeID {
	type state struct {
		attempts int
		latest   payroll.DeliveryRecord
	}
	var order []payroll.EmployeeID
	seen := make(map[payroll.EmployeeID]*state)
	for _, r := range records {
		st, ok := seen[r.EmployeeID]
		if !ok {
			st = &state{}
			seen[r.EmployeeID] = st
			order = append(order, r.EmployeeID)
		}
		st.attempts++
		st.latest = r
	}

	var out []payroll.EmployeeID
	for _, id := range order {
		st := seen[id]
		if st.latest.Success || st.attempts >= maxAttempts {
			continue
		}
		switch st.latest.Error {
		case payroll.FailureNoEmail, payroll.FailureRecipientNotFound:
			continue
		}
		out = append(out, id)
	}
	return out
}

// undelivered returns employees of lines that have no delivery attempt yet,
// in line order.
func undelivered(lines []payroll.Line, records []payroll.DeliveryRecord) []payroll.EmployeeID {
	attempted := make(map[payroll.EmployeeID]bool, len(records))
	for _, r := range records {
		attempted[r.EmployeeID] = true
	}
	var out []payroll.EmployeeID
	for _, l := range lines {
		if !attempted[l.EmployeeID] {
			out = append(out, l.EmployeeID)
		}
	}
	return out
}
