/*
Package payroll computes bi-weekly payroll runs, audits manual overrides and
drives each run through its authorization lifecycle.

PURPOSE:
  A run is one payroll computation for a tenant, period and sub-period.
  Each employee gets one line holding two copies of the same figures:

    Computed:  fixed when the run is previewed, never modified
    Effective: starts equal to Computed, changed only through the Ledger

  Every change to an effective figure appends an Adjustment. Nothing is
  updated in place without leaving a record of the prior value.

LIFECYCLE:
  empty ──preview──▶ draft ──authorize──▶ authorized ◀──▶ distributing
                      │ ▲
                      └─┘ override

KEY CONCEPTS IN THIS FILE (types.go):
  - Period: year, month and sub-period (first/second half of the month)
  - Run, Line, Figures: the run and its per-employee figures
  - Field: closed enumeration of the overridable figures
  - Adjustment, DeliveryRecord, AuditEntry: append-only history

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal
  2. Immutability: computed figures and history records never change
  3. Explicit state: no package-level "current run"; callers own a Controller
  4. Closed dispatch: overrides select a Field, never a free-form name

SEE ALSO:
  - compute.go: builds lines from roster + attendance
  - ledger.go: overrides and audit trail
  - lifecycle.go: legal actions per status
  - distribution.go: fan-out to recipients
  - service.go / controller.go: request/response surface
*/
package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type EmployeeID string
type RunID string
type LineID string
type AdjustmentID string

// =============================================================================
// EXTERNAL INPUTS - Read-only to this package
// =============================================================================

type EmployeeStatus string

const (
	EmployeeActive   EmployeeStatus = "active"
	EmployeeInactive EmployeeStatus = "inactive"
)

// Employee is supplied by the roster collaborator.
type Employee struct {
	ID          EmployeeID
	TenantID    TenantID
	Name        string
	Email       string
	Department  string
	BaseSalary  decimal.Decimal // monthly
	BankName    string
	BankAccount string
	Status      EmployeeStatus
}

// Eligible reports whether the employee is paid in new runs.
func (e Employee) Eligible() bool { return e.Status == EmployeeActive }

// AttendanceSummary is one employee's attendance for one sub-period.
type AttendanceSummary struct {
	EmployeeID EmployeeID
	DaysWorked int
	DaysAbsent int
	LateDays   int
}

// =============================================================================
// PERIOD - Half-month pay cycle
// =============================================================================

// Period identifies a sub-period: SubPeriod 1 covers days 1-15, SubPeriod 2
// covers day 16 through the last day of the month.
type Period struct {
	Year      int
	Month     time.Month
	SubPeriod int
}

func (p Period) Validate() error {
	if p.Year < 2000 || p.Year > 9999 {
		return fmt.Errorf("year %d out of range", p.Year)
	}
	if p.Month < time.January || p.Month > time.December {
		return fmt.Errorf("month %d out of range", p.Month)
	}
	if p.SubPeriod != 1 && p.SubPeriod != 2 {
		return fmt.Errorf("sub-period must be 1 or 2, got %d", p.SubPeriod)
	}
	return nil
}

// Start returns the first day of the sub-period.
func (p Period) Start() time.Time {
	day := 1
	if p.SubPeriod == 2 {
		day = 16
	}
	return time.Date(p.Year, p.Month, day, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the sub-period.
func (p Period) End() time.Time {
	if p.SubPeriod == 1 {
		return time.Date(p.Year, p.Month, 15, 0, 0, 0, 0, time.UTC)
	}
	// Day 0 of the next month is the last day of this one.
	return time.Date(p.Year, p.Month+1, 0, 0, 0, 0, 0, time.UTC)
}

// Days returns the calendar length of the sub-period.
func (p Period) Days() int {
	return int(p.End().Sub(p.Start()).Hours()/24) + 1
}

// Previous returns the same sub-period of the prior month.
func (p Period) Previous() Period {
	first := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return Period{Year: first.Year(), Month: first.Month(), SubPeriod: p.SubPeriod}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d/Q%d", p.Year, int(p.Month), p.SubPeriod)
}

// =============================================================================
// RUN
// =============================================================================

// WithholdingMode is a run-level flag, not an attribute of the employee.
type WithholdingMode string

const (
	WithholdingApply WithholdingMode = "apply"
	WithholdingNone  WithholdingMode = "none"
)

func (m WithholdingMode) Valid() bool {
	return m == WithholdingApply || m == WithholdingNone
}

// Status is the lifecycle state of a run. StatusEmpty is never persisted;
// it describes a Controller with no run selected.
type Status string

const (
	StatusEmpty        Status = "empty"
	StatusDraft        Status = "draft"
	StatusAuthorized   Status = "authorized"
	StatusDistributing Status = "distributing"
)

type Run struct {
	ID           RunID
	TenantID     TenantID
	Period       Period
	Withholding  WithholdingMode
	Status       Status
	TaxTable     string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AuthorizedBy string
	AuthorizedAt *time.Time

	// ArtifactReference points at the run document issued on authorization.
	ArtifactReference string
}

// =============================================================================
// FIGURES & FIELDS
// =============================================================================

// HoursPerDay converts worked days into the hours basis shown on payslips.
const HoursPerDay = 8

// Figures is one copy (computed or effective) of a line's numbers.
type Figures struct {
	WorkedDays     decimal.Decimal
	Gross          decimal.Decimal
	SocialSecurity decimal.Decimal
	Pension        decimal.Decimal
	IncomeTax      decimal.Decimal
	Net            decimal.Decimal
}

// Hours is derived from WorkedDays and is not stored separately.
func (f Figures) Hours() decimal.Decimal {
	return HoursForDays(f.WorkedDays)
}

// Deductions is the sum of the three withholdings.
func (f Figures) Deductions() decimal.Decimal {
	return f.SocialSecurity.Add(f.Pension).Add(f.IncomeTax)
}

// Balanced reports whether Net == Gross - Deductions. Overrides do not
// recompute dependents, so an edited line may legitimately be unbalanced.
func (f Figures) Balanced() bool {
	return f.Net.Equal(f.Gross.Sub(f.Deductions()))
}

// Field names one overridable figure.
type Field int

const (
	FieldWorkedDays Field = iota + 1
	FieldGross
	FieldSocialSecurity
	FieldPension
	FieldIncomeTax
	FieldNet
)

// Fields lists every Field in display order.
var Fields = []Field{FieldWorkedDays, FieldGross, FieldSocialSecurity, FieldPension, FieldIncomeTax, FieldNet}

func (f Field) String() string {
	switch f {
	case FieldWorkedDays:
		return "worked_days"
	case FieldGross:
		return "gross"
	case FieldSocialSecurity:
		return "social_security"
	case FieldPension:
		return "pension"
	case FieldIncomeTax:
		return "income_tax"
	case FieldNet:
		return "net"
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// ParseField is the only place a field name coming from outside is resolved.
func ParseField(name string) (Field, error) {
	for _, f := range Fields {
		if f.String() == name {
			return f, nil
		}
	}
	return 0, newError(CodeValidation, fmt.Sprintf("unknown field %q", name), ErrValidation)
}

// Get returns the value of field f.
func (fig Figures) Get(f Field) decimal.Decimal {
	switch f {
	case FieldWorkedDays:
		return fig.WorkedDays
	case FieldGross:
		return fig.Gross
	case FieldSocialSecurity:
		return fig.SocialSecurity
	case FieldPension:
		return fig.Pension
	case FieldIncomeTax:
		return fig.IncomeTax
	case FieldNet:
		return fig.Net
	}
	panic(fmt.Sprintf("payroll: unhandled field %d", int(f)))
}

// With returns a copy of fig with field f set to v.
func (fig Figures) With(f Field, v decimal.Decimal) Figures {
	switch f {
	case FieldWorkedDays:
		fig.WorkedDays = v
	case FieldGross:
		fig.Gross = v
	case FieldSocialSecurity:
		fig.SocialSecurity = v
	case FieldPension:
		fig.Pension = v
	case FieldIncomeTax:
		fig.IncomeTax = v
	case FieldNet:
		fig.Net = v
	default:
		panic(fmt.Sprintf("payroll: unhandled field %d", int(f)))
	}
	return fig
}

// Equal compares every field by value.
func (fig Figures) Equal(other Figures) bool {
	for _, f := range Fields {
		if !fig.Get(f).Equal(other.Get(f)) {
			return false
		}
	}
	return true
}

// =============================================================================
// LINE
// =============================================================================

type Line struct {
	ID           LineID
	RunID        RunID
	TenantID     TenantID
	EmployeeID   EmployeeID
	EmployeeName string
	BaseSalary   decimal.Decimal

	Computed  Figures
	Effective Figures

	// Edited becomes true with the first override and stays true.
	Edited bool

	// MissingAttendance is set when no attendance summary existed at preview.
	MissingAttendance bool

	// Version increments with every override (optimistic concurrency).
	Version int

	// VoucherReference is issued when the run is authorized.
	VoucherReference string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// HISTORY - Append-only records
// =============================================================================

// Adjustment is one audited override of a single effective field.
type Adjustment struct {
	ID         AdjustmentID
	LineID     LineID
	RunID      RunID
	Field      Field
	PriorValue decimal.Decimal
	NewValue   decimal.Decimal
	Reason     string
	Actor      string
	CreatedAt  time.Time
}

// DeliveryRecord is the receipt for one delivery attempt.
type DeliveryRecord struct {
	ID          string
	RunID       RunID
	EmployeeID  EmployeeID
	Success     bool
	Reference   string
	Error       string
	AttemptedAt time.Time
}

type AuditAction string

const (
	AuditRunPreviewed         AuditAction = "run_previewed"
	AuditRunAuthorized        AuditAction = "run_authorized"
	AuditDistributionStarted  AuditAction = "distribution_started"
	AuditDistributionFinished AuditAction = "distribution_finished"
)

// AuditEntry records a run-level transition.
type AuditEntry struct {
	ID         string
	TenantID   TenantID
	RunID      RunID
	Actor      string
	Action     AuditAction
	FromStatus Status
	ToStatus   Status
	Payload    map[string]string
	At         time.Time
}

// =============================================================================
// TOTALS
// =============================================================================

type Totals struct {
	Gross      decimal.Decimal
	Deductions decimal.Decimal
	Net        decimal.Decimal
}

// EffectiveTotals sums the effective figures of lines.
func EffectiveTotals(lines []Line) Totals {
	t := Totals{Gross: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero}
	for _, l := range lines {
		t.Gross = t.Gross.Add(l.Effective.Gross)
		t.Deductions = t.Deductions.Add(l.Effective.Deductions())
		t.Net = t.Net.Add(l.Effective.Net)
	}
	return t
}

func (t Totals) Sub(other Totals) Totals {
	return Totals{
		Gross:      t.Gross.Sub(other.Gross),
		Deductions: t.Deductions.Sub(other.Deductions),
		Net:        t.Net.Sub(other.Net),
	}
}
