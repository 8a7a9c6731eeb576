package tax

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Withholdings are the three statutory deductions for one monthly salary.
type Withholdings struct {
	SocialSecurity decimal.Decimal
	Pension        decimal.Decimal
	IncomeTax      decimal.Decimal
}

// Total returns the sum of the three withholdings.
func (w Withholdings) Total() decimal.Decimal {
	return w.SocialSecurity.Add(w.Pension).Add(w.IncomeTax)
}

// Table is the pluggable jurisdiction boundary. Only one concrete table
// (Schedule) exists; other jurisdictions would implement this interface.
type Table interface {
	Name() string
	Withhold(monthlySalary decimal.Decimal) Withholdings
}

// =============================================================================
// SCHEDULE - Concrete table: progressive income tax + two flat contributions
// =============================================================================

// Schedule is a validated tax table.
type Schedule struct {
	ID string

	IncomeTax []Bracket

	// Social security is charged below the cap.
	SocialSecurityCap  decimal.Decimal
	SocialSecurityRate decimal.Decimal

	// Pension is charged above the floor.
	PensionFloor decimal.Decimal
	PensionRate  decimal.Decimal
}

var _ Table = (*Schedule)(nil)

func (s *Schedule) Name() string { return s.ID }

// Withhold computes the three withholdings for a monthly salary.
func (s *Schedule) Withhold(monthlySalary decimal.Decimal) Withholdings {
	return Withholdings{
		SocialSecurity: CappedPercentage(monthlySalary, s.SocialSecurityCap, s.SocialSecurityRate),
		Pension:        ExcessPercentage(monthlySalary, s.PensionFloor, s.PensionRate),
		IncomeTax:      ProgressiveWithholding(monthlySalary, s.IncomeTax),
	}
}

// ErrInvalidSchedule is the sentinel behind every ScheduleError.
var ErrInvalidSchedule = errors.New("invalid tax schedule")

// ScheduleError describes why a schedule was rejected.
type ScheduleError struct {
	Schedule string
	Reason   string
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid tax schedule %q: %s", e.Schedule, e.Reason)
}

func (e *ScheduleError) Unwrap() error { return ErrInvalidSchedule }

// Validate checks bracket ordering and rate ranges.
func (s *Schedule) Validate() error {
	fail := func(format string, args ...any) error {
		return &ScheduleError{Schedule: s.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if s.ID == "" {
		return fail("missing id")
	}
	if len(s.IncomeTax) == 0 {
		return fail("no income tax brackets")
	}

	lower := decimal.Zero
	for i, b := range s.IncomeTax {
		last := i == len(s.IncomeTax)-1
		if b.Unbounded != last {
			return fail("bracket %d: only the last bracket may be unbounded", i)
		}
		if !b.LowerBound.Equal(lower) {
			return fail("bracket %d: lower bound %s does not match previous upper bound %s", i, b.LowerBound, lower)
		}
		if !b.Unbounded && !b.UpperBound.GreaterThan(lower) {
			return fail("bracket %d: upper bound %s not above %s", i, b.UpperBound, lower)
		}
		if !validRate(b.Rate) {
			return fail("bracket %d: rate %s outside [0, 1]", i, b.Rate)
		}
		if b.CumulativeBase.IsNegative() {
			return fail("bracket %d: negative cumulative base", i)
		}
		lower = b.UpperBound
	}

	if s.SocialSecurityCap.IsNegative() || !validRate(s.SocialSecurityRate) {
		return fail("social security cap/rate out of range")
	}
	if s.PensionFloor.IsNegative() || !validRate(s.PensionRate) {
		return fail("pension floor/rate out of range")
	}
	return nil
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(decimal.NewFromInt(1))
}

// NewBrackets builds a chained bracket list from upper bounds, rates and
// cumulative bases. The last entry is unbounded; its upper bound is ignored.
func NewBrackets(uppers, rates, bases []decimal.Decimal) []Bracket {
	brackets := make([]Bracket, len(uppers))
	lower := decimal.Zero
	for i := range uppers {
		brackets[i] = Bracket{
			LowerBound:     lower,
			UpperBound:     uppers[i],
			Unbounded:      i == len(uppers)-1,
			Rate:           rates[i],
			CumulativeBase: bases[i],
		}
		lower = uppers[i]
	}
	return brackets
}

// =============================================================================
// HONDURAS 2025 - The one concrete jurisdiction
// =============================================================================

// Honduras2025 returns the monthly schedule used in production.
//
//	social security (IHSS): 5% of min(salary, 11,903.13)
//	pension (RAP):          1.5% of max(0, salary - 11,903.13)
//	income tax (ISR):       0% to 21,457.76 | 15% to 30,969.88 | 20% + 1,428.32 to 67,604.36 | 25% + 8,734.32
func Honduras2025() *Schedule {
	d := decimal.RequireFromString
	return &Schedule{
		ID: "HN-2025",
		IncomeTax: NewBrackets(
			[]decimal.Decimal{d("21457.76"), d("30969.88"), d("67604.36"), decimal.Zero},
			[]decimal.Decimal{d("0"), d("0.15"), d("0.20"), d("0.25")},
			[]decimal.Decimal{d("0"), d("0"), d("1428.32"), d("8734.32")},
		),
		SocialSecurityCap:  d("11903.13"),
		SocialSecurityRate: d("0.05"),
		PensionFloor:       d("11903.13"),
		PensionRate:        d("0.015"),
	}
}
