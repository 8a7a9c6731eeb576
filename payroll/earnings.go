package payroll

import "github.com/shopspring/decimal"

// ProrationDays is the fixed month length used to prorate a monthly salary.
// It does not follow the calendar: a 31-day month and February both divide
// by 30.
const ProrationDays = 30

// GrossForPeriod prorates a monthly base salary over the days worked:
// base / 30 * days. The multiplication happens first so that a full month
// returns base exactly.
func GrossForPeriod(base, daysWorked decimal.Decimal) decimal.Decimal {
	return base.Mul(daysWorked).Div(decimal.NewFromInt(ProrationDays))
}

// HoursForDays converts worked days into payslip hours.
func HoursForDays(days decimal.Decimal) decimal.Decimal {
	return days.Mul(decimal.NewFromInt(HoursPerDay))
}

// roundMoney rounds half away from zero to cents.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
