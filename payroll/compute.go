package payroll

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/tax"
)

// =============================================================================
// LINE COMPUTER - roster + attendance -> one line per active employee
// =============================================================================

// LineComputer builds the lines of a new run.
type LineComputer struct {
	Table tax.Table
	Clock Clock
	Log   logrus.FieldLogger
}

// NewLineComputer returns a computer using table for withholdings.
func NewLineComputer(table tax.Table, clock Clock, log logrus.FieldLogger) *LineComputer {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LineComputer{Table: table, Clock: clock, Log: log}
}

// ComputeFigures returns the figures for one employee. Withholdings are
// always taken on the full monthly base, never on the prorated gross.
func (c *LineComputer) ComputeFigures(base, daysWorked decimal.Decimal, mode WithholdingMode) Figures {
	fig := Figures{
		WorkedDays:     daysWorked,
		Gross:          roundMoney(GrossForPeriod(base, daysWorked)),
		SocialSecurity: decimal.Zero,
		Pension:        decimal.Zero,
		IncomeTax:      decimal.Zero,
	}

	if mode == WithholdingApply && c.Table != nil {
		w := c.Table.Withhold(base)
		fig.SocialSecurity = roundMoney(w.SocialSecurity)
		fig.Pension = roundMoney(w.Pension)
		fig.IncomeTax = roundMoney(w.IncomeTax)
	}

	fig.Net = fig.Gross.Sub(fig.Deductions())
	return fig
}

// Compute returns one line per eligible employee, sorted by name. An
// employee with no attendance summary gets zero worked days and is flagged.
func (c *LineComputer) Compute(run Run, employees []Employee, attendance map[EmployeeID]AttendanceSummary) []Line {
	now := c.Clock()
	lines := make([]Line, 0, len(employees))

	for _, e := range employees {
		if !e.Eligible() {
			continue
		}

		days := decimal.Zero
		summary, ok := attendance[e.ID]
		if ok && summary.DaysWorked > 0 {
			days = decimal.NewFromInt(int64(summary.DaysWorked))
		}
		if !ok {
			c.Log.WithFields(logrus.Fields{
				"run_id":      run.ID,
				"employee_id": e.ID,
				"period":      run.Period.String(),
			}).Warn("no attendance summary, computing with zero worked days")
		}

		fig := c.ComputeFigures(e.BaseSalary, days, run.Withholding)
		lines = append(lines, Line{
			ID:                LineID(uuid.NewString()),
			RunID:             run.ID,
			TenantID:          run.TenantID,
			EmployeeID:        e.ID,
			EmployeeName:      e.Name,
			BaseSalary:        e.BaseSalary,
			Computed:          fig,
			Effective:         fig,
			MissingAttendance: !ok,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].EmployeeName != lines[j].EmployeeName {
			return lines[i].EmployeeName < lines[j].EmployeeName
		}
		return lines[i].EmployeeID < lines[j].EmployeeID
	})
	return lines
}
