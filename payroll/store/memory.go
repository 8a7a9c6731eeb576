// Package store provides an in-memory payroll.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements payroll.Store, payroll.Roster and payroll.AttendanceSource.
// Every write takes the single lock, which makes each call atomic.
type Memory struct {
	mu          sync.RWMutex
	runs        map[payroll.RunID]payroll.Run
	runLines    map[payroll.RunID][]payroll.LineID
	lines       map[payroll.LineID]payroll.Line
	adjustments map[payroll.LineID][]payroll.Adjustment
	deliveries  map[payroll.RunID][]payroll.DeliveryRecord
	audit       map[payroll.RunID][]payroll.AuditEntry
	employees   map[payroll.TenantID][]payroll.Employee
	attendance  map[attendanceKey]map[payroll.EmployeeID]payroll.AttendanceSummary
}

type attendanceKey struct {
	TenantID payroll.TenantID
	Period   payroll.Period
}

var (
	_ payroll.Store            = (*Memory)(nil)
	_ payroll.Roster           = (*Memory)(nil)
	_ payroll.AttendanceSource = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[payroll.RunID]payroll.Run),
		runLines:    make(map[payroll.RunID][]payroll.LineID),
		lines:       make(map[payroll.LineID]payroll.Line),
		adjustments: make(map[payroll.LineID][]payroll.Adjustment),
		deliveries:  make(map[payroll.RunID][]payroll.DeliveryRecord),
		audit:       make(map[payroll.RunID][]payroll.AuditEntry),
		employees:   make(map[payroll.TenantID][]payroll.Employee),
		attendance:  make(map[attendanceKey]map[payroll.EmployeeID]payroll.AttendanceSummary),
	}
}

// =============================================================================
// RUNS & LINES
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run payroll.Run, lines []payroll.Line, entry payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	for _, l := range lines {
		if _, exists := m.lines[l.ID]; exists {
			return fmt.Errorf("line %s already exists", l.ID)
		}
	}

	m.runs[run.ID] = run
	ids := make([]payroll.LineID, 0, len(lines))
	for _, l := range lines {
		m.lines[l.ID] = l
		ids = append(ids, l.ID)
	}
	m.runLines[run.ID] = ids
	m.audit[run.ID] = append(m.audit[run.ID], entry)
	return nil
}

func (m *Memory) GetRun(_ context.Context, tenant payroll.TenantID, id payroll.RunID) (payroll.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok || run.TenantID != tenant {
		return payroll.Run{}, fmt.Errorf("run %s: %w", id, payroll.ErrNotFound)
	}
	return run, nil
}

func (m *Memory) ListRuns(_ context.Context, tenant payroll.TenantID, q payroll.RunQuery) ([]payroll.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []payroll.Run
	for _, r := range m.runs {
		if r.TenantID == tenant && q.Matches(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *Memory) GetLines(_ context.Context, tenant payroll.TenantID, runID payroll.RunID) ([]payroll.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok || run.TenantID != tenant {
		return nil, fmt.Errorf("run %s: %w", runID, payroll.ErrNotFound)
	}
	result := make([]payroll.Line, 0, len(m.runLines[runID]))
	for _, id := range m.runLines[runID] {
		result = append(result, m.lines[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].EmployeeName != result[j].EmployeeName {
			return result[i].EmployeeName < result[j].EmployeeName
		}
		return result[i].EmployeeID < result[j].EmployeeID
	})
	return result, nil
}

func (m *Memory) GetLine(_ context.Context, tenant payroll.TenantID, id payroll.LineID) (payroll.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	line, ok := m.lines[id]
	if !ok || line.TenantID != tenant {
		return payroll.Line{}, fmt.Errorf("line %s: %w", id, payroll.ErrNotFound)
	}
	return line, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

// SaveOverride only copies the mutable parts of line; computed figures
// keep their stored values.
func (m *Memory) SaveOverride(_ context.Context, line payroll.Line, adj payroll.Adjustment, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.lines[line.ID]
	if !ok || stored.TenantID != line.TenantID {
		return fmt.Errorf("line %s: %w", line.ID, payroll.ErrNotFound)
	}
	run := m.runs[stored.RunID]
	if !payroll.Editable(run.Status) {
		return fmt.Errorf("run %s is %s: %w", run.ID, run.Status, payroll.ErrRunClosed)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("line %s at version %d, expected %d: %w",
			line.ID, stored.Version, expectedVersion, payroll.ErrConcurrentModification)
	}

	stored.Effective = line.Effective
	stored.Edited = line.Edited
	stored.Version = line.Version
	stored.UpdatedAt = line.UpdatedAt
	m.lines[line.ID] = stored
	m.adjustments[line.ID] = append(m.adjustments[line.ID], adj)
	return nil
}

func (m *Memory) Adjustments(_ context.Context, lineID payroll.LineID) ([]payroll.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]payroll.Adjustment(nil), m.adjustments[lineID]...), nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (m *Memory) Authorize(_ context.Context, run payroll.Run, vouchers map[payroll.LineID]string, entry payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkStatusLocked(run, payroll.StatusDraft); err != nil {
		return err
	}
	m.runs[run.ID] = run
	for _, id := range m.runLines[run.ID] {
		l := m.lines[id]
		l.VoucherReference = vouchers[id]
		m.lines[id] = l
	}
	m.audit[run.ID] = append(m.audit[run.ID], entry)
	return nil
}

func (m *Memory) TransitionRun(_ context.Context, run payroll.Run, from payroll.Status, entry payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkStatusLocked(run, from); err != nil {
		return err
	}
	stored := m.runs[run.ID]
	stored.Status = run.Status
	stored.UpdatedAt = run.UpdatedAt
	m.runs[run.ID] = stored
	m.audit[run.ID] = append(m.audit[run.ID], entry)
	return nil
}

func (m *Memory) checkStatusLocked(run payroll.Run, from payroll.Status) error {
	stored, ok := m.runs[run.ID]
	if !ok || stored.TenantID != run.TenantID {
		return fmt.Errorf("run %s: %w", run.ID, payroll.ErrNotFound)
	}
	if stored.Status != from {
		return fmt.Errorf("run %s is %s, expected %s: %w", run.ID, stored.Status, from, payroll.ErrConcurrentModification)
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (m *Memory) AppendDeliveries(_ context.Context, records []payroll.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.deliveries[r.RunID] = append(m.deliveries[r.RunID], r)
	}
	return nil
}

func (m *Memory) Deliveries(_ context.Context, runID payroll.RunID) ([]payroll.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]payroll.DeliveryRecord(nil), m.deliveries[runID]...), nil
}

func (m *Memory) AuditLog(_ context.Context, runID payroll.RunID) ([]payroll.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]payroll.AuditEntry(nil), m.audit[runID]...), nil
}

// =============================================================================
// ROSTER & ATTENDANCE
// =============================================================================

// SaveEmployee inserts or replaces an employee.
func (m *Memory) SaveEmployee(_ context.Context, e payroll.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.employees[e.TenantID]
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
			return nil
		}
	}
	m.employees[e.TenantID] = append(list, e)
	return nil
}

func (m *Memory) Employees(_ context.Context, tenant payroll.TenantID) ([]payroll.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]payroll.Employee(nil), m.employees[tenant]...), nil
}

// SaveAttendance inserts or replaces one employee's summary for a period.
func (m *Memory) SaveAttendance(_ context.Context, tenant payroll.TenantID, period payroll.Period, s payroll.AttendanceSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attendanceKey{TenantID: tenant, Period: period}
	if m.attendance[k] == nil {
		m.attendance[k] = make(map[payroll.EmployeeID]payroll.AttendanceSummary)
	}
	m.attendance[k][s.EmployeeID] = s
	return nil
}

func (m *Memory) Summaries(_ context.Context, tenant payroll.TenantID, period payroll.Period) (map[payroll.EmployeeID]payroll.AttendanceSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[payroll.EmployeeID]payroll.AttendanceSummary, len(m.attendance[attendanceKey{TenantID: tenant, Period: period}]))
	for id, s := range m.attendance[attendanceKey{TenantID: tenant, Period: period}] {
		result[id] = s
	}
	return result, nil
}
