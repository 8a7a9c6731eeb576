/*
Package delivery provides payroll.Transport implementations.

PURPOSE:
  Hands one voucher notice per recipient to an external channel and returns
  the channel's message ID as the delivery reference.

TRANSPORTS:
  PubSubTransport  publishes a JSON Payslip to a Google Cloud Pub/Sub topic;
                   a mail worker subscribed to the topic renders and sends it
  LogTransport     writes the Payslip to a logrus logger (development)

SEE ALSO:
  - payroll/distribution.go: fan-out and per-recipient results
*/
package delivery

import (
	"encoding/json"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// Payslip is the wire message for one recipient.
type Payslip struct {
	TenantID   string    `json:"tenant_id"`
	RunID      string    `json:"run_id"`
	Period     string    `json:"period"`
	EmployeeID string    `json:"employee_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	VoucherURL string    `json:"voucher_url"`
	Gross      string    `json:"gross"`
	Net        string    `json:"net"`
	SentAt     time.Time `json:"sent_at"`
}

// NewPayslip builds the wire message for d.
func NewPayslip(d payroll.Delivery, at time.Time) Payslip {
	return Payslip{
		TenantID:   string(d.TenantID),
		RunID:      string(d.RunID),
		Period:     d.Period.String(),
		EmployeeID: string(d.EmployeeID),
		Name:       d.Name,
		Email:      d.Email,
		VoucherURL: d.Voucher,
		Gross:      d.Gross.StringFixed(2),
		Net:        d.Net.StringFixed(2),
		SentAt:     at.UTC(),
	}
}

func (p Payslip) encode() ([]byte, error) {
	return json.Marshal(p)
}

// attributes are set on every published message for subscription filters.
func (p Payslip) attributes() map[string]string {
	return map[string]string{
		"tenant_id":   p.TenantID,
		"run_id":      p.RunID,
		"employee_id": p.EmployeeID,
		"type":        "payslip",
	}
}
