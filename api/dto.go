/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the payroll API. Field names are snake_case, money is a
  decimal string with two places, timestamps are RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.validate.Struct before touching the service.

SEE ALSO:
  - handlers.go: Uses these types
  - payroll/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type PreviewRequest struct {
	Year        int    `json:"year" validate:"required,min=2000,max=9999"`
	Month       int    `json:"month" validate:"required,min=1,max=12"`
	SubPeriod   int    `json:"sub_period" validate:"required,oneof=1 2"`
	Withholding string `json:"withholding" validate:"required,oneof=apply none"`
}

type OverrideRequest struct {
	Field           string `json:"field" validate:"required,oneof=worked_days gross social_security pension income_tax net"`
	Value           string `json:"value" validate:"required,numeric"`
	Reason          string `json:"reason" validate:"max=500"`
	ExpectedVersion *int   `json:"expected_version,omitempty" validate:"omitempty,min=0"`
}

type DistributeRequest struct {
	EmployeeID  string `json:"employee_id,omitempty"`
	RetryFailed bool   `json:"retry_failed,omitempty"`
}

type CreateEmployeeRequest struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
	Department  string `json:"department"`
	BaseSalary  string `json:"base_salary" validate:"required,numeric"`
	BankName    string `json:"bank_name"`
	BankAccount string `json:"bank_account"`
	Status      string `json:"status" validate:"omitempty,oneof=active inactive"`
}

type AttendanceRequest struct {
	Year       int    `json:"year" validate:"required,min=2000,max=9999"`
	Month      int    `json:"month" validate:"required,min=1,max=12"`
	SubPeriod  int    `json:"sub_period" validate:"required,oneof=1 2"`
	EmployeeID string `json:"employee_id" validate:"required"`
	DaysWorked int    `json:"days_worked" validate:"min=0,max=31"`
	DaysAbsent int    `json:"days_absent" validate:"min=0,max=31"`
	LateDays   int    `json:"late_days" validate:"min=0,max=31"`
}

// LoadScenarioRequest seeds a scenario for one month; Year and Month
// default to the previous calendar month.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	Year       int    `json:"year,omitempty" validate:"omitempty,min=2000,max=9999"`
	Month      int    `json:"month,omitempty" validate:"omitempty,min=1,max=12"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type RunDTO struct {
	ID                string  `json:"id"`
	Period            string  `json:"period"`
	Year              int     `json:"year"`
	Month             int     `json:"month"`
	SubPeriod         int     `json:"sub_period"`
	Withholding       string  `json:"withholding"`
	Status            string  `json:"status"`
	TaxTable          string  `json:"tax_table"`
	CreatedBy         string  `json:"created_by"`
	CreatedAt         string  `json:"created_at"`
	AuthorizedBy      string  `json:"authorized_by,omitempty"`
	AuthorizedAt      *string `json:"authorized_at,omitempty"`
	ArtifactReference string  `json:"artifact_reference,omitempty"`
}

type FiguresDTO struct {
	WorkedDays     string `json:"worked_days"`
	Hours          string `json:"hours"`
	Gross          string `json:"gross"`
	SocialSecurity string `json:"social_security"`
	Pension        string `json:"pension"`
	IncomeTax      string `json:"income_tax"`
	Deductions     string `json:"deductions"`
	Net            string `json:"net"`
}

type LineDTO struct {
	ID                string     `json:"id"`
	EmployeeID        string     `json:"employee_id"`
	EmployeeName      string     `json:"employee_name"`
	BaseSalary        string     `json:"base_salary"`
	Computed          FiguresDTO `json:"computed"`
	Effective         FiguresDTO `json:"effective"`
	Edited            bool       `json:"edited"`
	Balanced          bool       `json:"balanced"`
	MissingAttendance bool       `json:"missing_attendance"`
	Version           int        `json:"version"`
	VoucherReference  string     `json:"voucher_reference,omitempty"`
}

type TotalsDTO struct {
	Gross      string `json:"gross"`
	Deductions string `json:"deductions"`
	Net        string `json:"net"`
}

type RunDetailDTO struct {
	Run    RunDTO    `json:"run"`
	Lines  []LineDTO `json:"lines"`
	Totals TotalsDTO `json:"totals"`
}

type AdjustmentDTO struct {
	ID         string `json:"id"`
	LineID     string `json:"line_id"`
	Field      string `json:"field"`
	PriorValue string `json:"prior_value"`
	NewValue   string `json:"new_value"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor"`
	CreatedAt  string `json:"created_at"`
}

type OverrideResponse struct {
	Adjustment AdjustmentDTO `json:"adjustment"`
	Line       LineDTO       `json:"line"`
}

type RecipientReferenceDTO struct {
	EmployeeID string `json:"employee_id"`
	LineID     string `json:"line_id"`
	Reference  string `json:"reference"`
}

type AuthorizeResponse struct {
	Run               RunDTO                  `json:"run"`
	ArtifactReference string                  `json:"artifact_reference"`
	PerRecipient      []RecipientReferenceDTO `json:"per_recipient"`
	LineCount         int                     `json:"line_count"`
	EditedCount       int                     `json:"edited_count"`
	Totals            TotalsDTO               `json:"totals"`
}

type RecipientResultDTO struct {
	EmployeeID string `json:"employee_id"`
	Success    bool   `json:"success"`
	Reference  string `json:"reference,omitempty"`
	Error      string `json:"error,omitempty"`
}

type DistributionDTO struct {
	RunID      string               `json:"run_id"`
	Total      int                  `json:"total"`
	Successful int                  `json:"successful"`
	Failed     int                  `json:"failed"`
	Results    []RecipientResultDTO `json:"results"`
}

type DeliveryDTO struct {
	ID          string `json:"id"`
	EmployeeID  string `json:"employee_id"`
	Success     bool   `json:"success"`
	Reference   string `json:"reference,omitempty"`
	Error       string `json:"error,omitempty"`
	AttemptedAt string `json:"attempted_at"`
}

type AuditEntryDTO struct {
	ID         string            `json:"id"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	FromStatus string            `json:"from_status"`
	ToStatus   string            `json:"to_status"`
	Payload    map[string]string `json:"payload,omitempty"`
	At         string            `json:"at"`
}

type ComparisonDTO struct {
	Current        RunDTO    `json:"current"`
	CurrentTotals  TotalsDTO `json:"current_totals"`
	Previous       *RunDTO   `json:"previous,omitempty"`
	PreviousTotals TotalsDTO `json:"previous_totals"`
	Delta          TotalsDTO `json:"delta"`
}

type EmployeeDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
	BaseSalary string `json:"base_salary"`
	Status     string `json:"status"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	LineID      string `json:"line_id,omitempty"`
	Field       string `json:"field,omitempty"`
	PriorStatus string `json:"prior_status,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toRunDTO(r payroll.Run) RunDTO {
	dto := RunDTO{
		ID:                string(r.ID),
		Period:            r.Period.String(),
		Year:              r.Period.Year,
		Month:             int(r.Period.Month),
		SubPeriod:         r.Period.SubPeriod,
		Withholding:       string(r.Withholding),
		Status:            string(r.Status),
		TaxTable:          r.TaxTable,
		CreatedBy:         r.CreatedBy,
		CreatedAt:         timestamp(r.CreatedAt),
		AuthorizedBy:      r.AuthorizedBy,
		ArtifactReference: r.ArtifactReference,
	}
	if r.AuthorizedAt != nil {
		at := timestamp(*r.AuthorizedAt)
		dto.AuthorizedAt = &at
	}
	return dto
}

func toRunDTOs(runs []payroll.Run) []RunDTO {
	dtos := make([]RunDTO, len(runs))
	for i, r := range runs {
		dtos[i] = toRunDTO(r)
	}
	return dtos
}

func toFiguresDTO(f payroll.Figures) FiguresDTO {
	return FiguresDTO{
		WorkedDays:     f.WorkedDays.String(),
		Hours:          f.Hours().String(),
		Gross:          money(f.Gross),
		SocialSecurity: money(f.SocialSecurity),
		Pension:        money(f.Pension),
		IncomeTax:      money(f.IncomeTax),
		Deductions:     money(f.Deductions()),
		Net:            money(f.Net),
	}
}

func toLineDTO(l payroll.Line) LineDTO {
	return LineDTO{
		ID:                string(l.ID),
		EmployeeID:        string(l.EmployeeID),
		EmployeeName:      l.EmployeeName,
		BaseSalary:        money(l.BaseSalary),
		Computed:          toFiguresDTO(l.Computed),
		Effective:         toFiguresDTO(l.Effective),
		Edited:            l.Edited,
		Balanced:          l.Effective.Balanced(),
		MissingAttendance: l.MissingAttendance,
		Version:           l.Version,
		VoucherReference:  l.VoucherReference,
	}
}

func toLineDTOs(lines []payroll.Line) []LineDTO {
	dtos := make([]LineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = toLineDTO(l)
	}
	return dtos
}

func toTotalsDTO(t payroll.Totals) TotalsDTO {
	return TotalsDTO{Gross: money(t.Gross), Deductions: money(t.Deductions), Net: money(t.Net)}
}

func toAdjustmentDTO(a payroll.Adjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:         string(a.ID),
		LineID:     string(a.LineID),
		Field:      a.Field.String(),
		PriorValue: a.PriorValue.String(),
		NewValue:   a.NewValue.String(),
		Reason:     a.Reason,
		Actor:      a.Actor,
		CreatedAt:  timestamp(a.CreatedAt),
	}
}

func toDistributionDTO(res payroll.DistributionResult) DistributionDTO {
	dto := DistributionDTO{
		RunID:      string(res.RunID),
		Total:      res.Total,
		Successful: res.Successful,
		Failed:     res.Failed,
		Results:    make([]RecipientResultDTO, len(res.Results)),
	}
	for i, r := range res.Results {
		dto.Results[i] = RecipientResultDTO{
			EmployeeID: string(r.EmployeeID),
			Success:    r.Success,
			Reference:  r.Reference,
			Error:      r.Error,
		}
	}
	return dto
}

func toEmployeeDTO(e payroll.Employee) EmployeeDTO {
	return EmployeeDTO{
		ID:         string(e.ID),
		Name:       e.Name,
		Email:      e.Email,
		Department: e.Department,
		BaseSalary: money(e.BaseSalary),
		Status:     string(e.Status),
	}
}
