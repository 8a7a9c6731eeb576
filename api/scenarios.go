/*
scenarios.go - Demo roster loaders for testing and demonstrations

PURPOSE:
	Seeds the caller's tenant with employees and attendance summaries that
	exercise specific payroll behaviors, so a run can be previewed,
	overridden, authorized and distributed right away.

AVAILABLE SCENARIOS:

	small-team:          three full-time employees, full attendance
	high-earner:         salaries across every income tax bracket
	missing-attendance:  one employee without an attendance summary
	distribution-edge:   inactive employee and an employee without email

HOW SCENARIOS WORK:
 1. Save employees (upsert, so loading twice is harmless)
 2. Save attendance for both sub-periods of the chosen month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "high-earner", "year": 2025, "month": 3}

SEE ALSO:
  - handlers.go: roster endpoints
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-team",
		Name:        "Small Team",
		Description: "Three full-time employees with full attendance in both sub-periods",
	},
	{
		ID:          "high-earner",
		Name:        "High Earners",
		Description: "Salaries in every income tax bracket, including the social security cap",
	},
	{
		ID:          "missing-attendance",
		Name:        "Missing Attendance",
		Description: "One employee has no attendance summary and is computed with zero days",
	},
	{
		ID:          "distribution-edge",
		Name:        "Distribution Edge Cases",
		Description: "An inactive employee and an employee without an email address",
	},
}

type seedEmployee struct {
	id, name, email, salary string
	status                  payroll.EmployeeStatus
	days                    int
	skipAttendance          bool
}

var scenarioRosters = map[string][]seedEmployee{
	"small-team": {
		{id: "emp-ana", name: "Ana Reyes", email: "ana@example.com", salary: "15000", days: 15},
		{id: "emp-bruno", name: "Bruno Lopez", email: "bruno@example.com", salary: "25000", days: 15},
		{id: "emp-carla", name: "Carla Mejia", email: "carla@example.com", salary: "18000", days: 15},
	},
	"high-earner": {
		{id: "emp-low", name: "Diego Paz", email: "diego@example.com", salary: "20000", days: 15},
		{id: "emp-mid", name: "Elena Cruz", email: "elena@example.com", salary: "45000", days: 15},
		{id: "emp-high", name: "Fabio Rios", email: "fabio@example.com", salary: "90000", days: 15},
		{id: "emp-top", name: "Gloria Soto", email: "gloria@example.com", salary: "180000", days: 15},
	},
	"missing-attendance": {
		{id: "emp-ana", name: "Ana Reyes", email: "ana@example.com", salary: "15000", days: 15},
		{id: "emp-hugo", name: "Hugo Vega", email: "hugo@example.com", salary: "22000", skipAttendance: true},
	},
	"distribution-edge": {
		{id: "emp-ana", name: "Ana Reyes", email: "ana@example.com", salary: "15000", days: 15},
		{id: "emp-ines", name: "Ines Flores", salary: "17000", days: 12},
		{id: "emp-jorge", name: "Jorge Luna", email: "jorge@example.com", salary: "30000", days: 15, status: payroll.EmployeeInactive},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds the caller's tenant with a predefined roster.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	roster, ok := scenarioRosters[req.ScenarioID]
	if !ok {
		writeError(w, payroll.CodeValidation, fmt.Sprintf("unknown scenario %q", req.ScenarioID), nil)
		return
	}

	year, month := req.Year, time.Month(req.Month)
	if year == 0 || month == 0 {
		prev := h.now().AddDate(0, -1, 0)
		year, month = prev.Year(), prev.Month()
	}

	if err := h.seed(r.Context(), caller(r).tenant, roster, year, month); err != nil {
		writeError(w, payroll.CodeCollaborator, "failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario_id": req.ScenarioID,
		"year":        year,
		"month":       int(month),
		"employees":   len(roster),
	})
}

func (h *Handler) seed(ctx context.Context, tenant payroll.TenantID, roster []seedEmployee, year int, month time.Month) error {
	for _, s := range roster {
		status := s.status
		if status == "" {
			status = payroll.EmployeeActive
		}
		e := payroll.Employee{
			ID:         payroll.EmployeeID(s.id),
			TenantID:   tenant,
			Name:       s.name,
			Email:      s.email,
			Department: "operations",
			BaseSalary: decimal.RequireFromString(s.salary),
			Status:     status,
		}
		if err := h.Roster.SaveEmployee(ctx, e); err != nil {
			return fmt.Errorf("save employee %s: %w", s.id, err)
		}
		if s.skipAttendance {
			continue
		}
		for sub := 1; sub <= 2; sub++ {
			period := payroll.Period{Year: year, Month: month, SubPeriod: sub}
			summary := payroll.AttendanceSummary{
				EmployeeID: e.ID,
				DaysWorked: s.days,
				DaysAbsent: 15 - s.days,
			}
			if err := h.Roster.SaveAttendance(ctx, tenant, period, summary); err != nil {
				return fmt.Errorf("save attendance %s: %w", s.id, err)
			}
		}
	}
	return nil
}
