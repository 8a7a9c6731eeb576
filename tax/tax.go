/*
Package tax converts a monthly salary into statutory withholdings.

PURPOSE:
  Pure functions over decimal amounts. No state, no I/O, no errors at
  calculation time: schedules are validated once when they are built or
  loaded, and every result is clamped at zero.

THREE WITHHOLDINGS:
  Income tax:       progressive brackets with cumulative base amounts
  Social security:  flat rate on the part of the salary BELOW a cap
  Pension:          flat rate on the part of the salary ABOVE a floor

  The two proportional contributions use opposite cap semantics. They are
  kept as two separate named functions (CappedPercentage and
  ExcessPercentage) so a call site cannot silently swap them.

INPUT:
  The salary passed in is always the full monthly base, never the prorated
  sub-period amount.

SEE ALSO:
  - schedule.go: Table interface, Schedule, Honduras2025
  - load.go: YAML schedule loading
*/
package tax

import "github.com/shopspring/decimal"

// =============================================================================
// BRACKETS
// =============================================================================

// Bracket is one step of a progressive schedule.
// LowerBound is the previous bracket's UpperBound (zero for the first one).
// The last bracket of a schedule is Unbounded and its UpperBound is ignored.
type Bracket struct {
	LowerBound     decimal.Decimal
	UpperBound     decimal.Decimal
	Unbounded      bool
	Rate           decimal.Decimal
	CumulativeBase decimal.Decimal
}

func (b Bracket) contains(salary decimal.Decimal) bool {
	return b.Unbounded || salary.LessThan(b.UpperBound)
}

// ProgressiveWithholding returns the withholding for salary under brackets.
// Brackets are tested in ascending order; the first one whose upper bound
// exceeds salary applies, and the unbounded last bracket catches the rest.
func ProgressiveWithholding(salary decimal.Decimal, brackets []Bracket) decimal.Decimal {
	if len(brackets) == 0 {
		return decimal.Zero
	}

	selected := brackets[len(brackets)-1]
	for _, b := range brackets {
		if b.contains(salary) {
			selected = b
			break
		}
	}

	if selected.Rate.IsZero() {
		return decimal.Zero
	}

	amount := selected.CumulativeBase.Add(salary.Sub(selected.LowerBound).Mul(selected.Rate))
	return clamp(amount)
}

// =============================================================================
// PROPORTIONAL CONTRIBUTIONS
// =============================================================================

// CappedPercentage applies rate to the part of salary below cap: min(salary, cap) * rate.
func CappedPercentage(salary, cap, rate decimal.Decimal) decimal.Decimal {
	return clamp(decimal.Min(salary, cap).Mul(rate))
}

// ExcessPercentage applies rate to the part of salary above cap: max(0, salary - cap) * rate.
func ExcessPercentage(salary, cap, rate decimal.Decimal) decimal.Decimal {
	return clamp(decimal.Max(decimal.Zero, salary.Sub(cap)).Mul(rate))
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
