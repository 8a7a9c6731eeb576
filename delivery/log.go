package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/payroll"
)

// LogTransport logs each payslip instead of sending it.
type LogTransport struct {
	log logrus.FieldLogger
	now func() time.Time
}

var _ payroll.Transport = (*LogTransport)(nil)

func NewLogTransport(log logrus.FieldLogger) *LogTransport {
	return &LogTransport{log: log, now: time.Now}
}

func (t *LogTransport) Deliver(ctx context.Context, d payroll.Delivery) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	slip := NewPayslip(d, t.now())
	id := uuid.NewString()
	t.log.WithFields(logrus.Fields{
		"message_id":  id,
		"run_id":      slip.RunID,
		"period":      slip.Period,
		"employee_id": slip.EmployeeID,
		"email":       slip.Email,
		"voucher_url": slip.VoucherURL,
		"net":         slip.Net,
	}).Info("payslip delivered")
	return id, nil
}
