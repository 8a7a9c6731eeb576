package payroll

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// DISTRIBUTION - One delivery attempt per recipient, failures isolated
// =============================================================================

// Failure reasons recorded without calling the transport.
const (
	FailureNoEmail           = "no_email"
	FailureRecipientNotFound = "recipient_not_found"
)

// DistributeOptions narrows the recipients of a distribution.
type DistributeOptions struct {
	// EmployeeID limits the batch to one employee of the run.
	EmployeeID EmployeeID

	// RetryFailed limits the batch to employees whose latest attempt failed.
	RetryFailed bool
}

// RecipientResult is the outcome for one employee.
type RecipientResult struct {
	EmployeeID EmployeeID
	Success    bool
	Reference  string
	Error      string
}

// DistributionResult aggregates a batch. Failed > 0 is a normal outcome.
type DistributionResult struct {
	RunID      RunID
	Total      int
	Successful int
	Failed     int
	Results    []RecipientResult
}

// Recipient pairs a line with the roster entry it will be delivered to.
// Employee is nil when the employee is no longer in the roster.
type Recipient struct {
	Line     Line
	Employee *Employee
}

// Distributor fans a run out to a Transport through a bounded worker pool.
type Distributor struct {
	transport      Transport
	workers        int
	attemptTimeout time.Duration
	clock          Clock
	log            logrus.FieldLogger
}

func NewDistributor(t Transport, workers int, attemptTimeout time.Duration, clock Clock, log logrus.FieldLogger) *Distributor {
	if workers <= 0 {
		workers = 4
	}
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Distributor{transport: t, workers: workers, attemptTimeout: attemptTimeout, clock: clock, log: log}
}

// SelectRecipients applies opts to the lines of a run. previous is the
// run's delivery history, used by RetryFailed.
func SelectRecipients(lines []Line, roster []Employee, previous []DeliveryRecord, opts DistributeOptions) ([]Recipient, error) {
	byID := make(map[EmployeeID]Employee, len(roster))
	for _, e := range roster {
		byID[e.ID] = e
	}

	var latestFailed map[EmployeeID]bool
	if opts.RetryFailed {
		latestFailed = make(map[EmployeeID]bool)
		for _, r := range previous {
			latestFailed[r.EmployeeID] = !r.Success
		}
	}

	recipients := make([]Recipient, 0, len(lines))
	found := false
	for _, l := range lines {
		if opts.EmployeeID != "" && l.EmployeeID != opts.EmployeeID {
			continue
		}
		found = true
		if opts.RetryFailed && !latestFailed[l.EmployeeID] {
			continue
		}
		r := Recipient{Line: l}
		if e, ok := byID[l.EmployeeID]; ok {
			r.Employee = &e
		}
		recipients = append(recipients, r)
	}

	if opts.EmployeeID != "" && !found {
		return nil, Validationf("employee %s is not part of this run", opts.EmployeeID)
	}
	return recipients, nil
}

// Distribute attempts delivery to every recipient and never fails as a
// whole. Results keep the order of recipients.
func (d *Distributor) Distribute(ctx context.Context, run Run, recipients []Recipient) (DistributionResult, []DeliveryRecord) {
	results := make([]RecipientResult, len(recipients))
	records := make([]DeliveryRecord, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for i, r := range recipients {
		i, r := i, r
		g.Go(func() error {
			results[i] = d.attempt(gctx, run, r)
			records[i] = DeliveryRecord{
				ID:          uuid.NewString(),
				RunID:       run.ID,
				EmployeeID:  r.Line.EmployeeID,
				Success:     results[i].Success,
				Reference:   results[i].Reference,
				Error:       results[i].Error,
				AttemptedAt: d.clock(),
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return an error

	out := DistributionResult{RunID: run.ID, Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}

	d.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"total":      out.Total,
		"successful": out.Successful,
		"failed":     out.Failed,
	}).Info("distribution finished")

	return out, records
}

func (d *Distributor) attempt(ctx context.Context, run Run, r Recipient) RecipientResult {
	res := RecipientResult{EmployeeID: r.Line.EmployeeID}

	switch {
	case r.Employee == nil:
		res.Error = FailureRecipientNotFound
		return res
	case r.Employee.Email == "":
		res.Error = FailureNoEmail
		return res
	}

	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}

	ref, err := d.transport.Deliver(ctx, Delivery{
		TenantID:   run.TenantID,
		RunID:      run.ID,
		Period:     run.Period,
		EmployeeID: r.Employee.ID,
		Name:       r.Employee.Name,
		Email:      r.Employee.Email,
		Voucher:    r.Line.VoucherReference,
		Gross:      r.Line.Effective.Gross,
		Net:        r.Line.Effective.Net,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Error = "timeout: " + err.Error()
		} else {
			res.Error = err.Error()
		}
		d.log.WithError(err).WithFields(logrus.Fields{
			"run_id":      run.ID,
			"employee_id": r.Line.EmployeeID,
		}).Warn("delivery failed")
		return res
	}

	res.Success = true
	res.Reference = ref
	return res
}
