/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  The run's source of truth lives behind Store. Every write method is a
  single atomic unit: it either fully applies (including its audit entry)
  or not at all, so a timed-out or failed call never leaves a partial run.

APPEND-ONLY CONTRACT:
  - Adjustments, delivery records and audit entries are only ever appended
  - Runs are never deleted; a new preview supersedes older runs
  - Line computed figures are written once, at CreateRun

COMPARE-AND-SET:
  Writes that depend on state re-check it inside the transaction:
  - SaveOverride: run must still be draft, line version must still match
  - Authorize / TransitionRun: run status must still equal the expected one
  Stores report violations with ErrRunClosed or ErrConcurrentModification
  (wrapped), and missing rows with ErrNotFound.

COLLABORATORS:
  Roster, AttendanceSource, Transport and ArtifactIssuer are owned by the
  surrounding product. The engine only reads from or hands off to them.

IMPLEMENTATIONS:
  - payroll/store/memory.go: in-memory (tests, development)
  - store/sqlite/sqlite.go: SQLite
*/
package payroll

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// CreateRun persists a new draft run, its lines and the preview audit entry.
	CreateRun(ctx context.Context, run Run, lines []Line, entry AuditEntry) error

	GetRun(ctx context.Context, tenant TenantID, id RunID) (Run, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, tenant TenantID, q RunQuery) ([]Run, error)

	// GetLines returns a run's lines ordered by employee name, then employee ID.
	GetLines(ctx context.Context, tenant TenantID, runID RunID) ([]Line, error)

	GetLine(ctx context.Context, tenant TenantID, id LineID) (Line, error)

	// SaveOverride writes line's effective figures and appends adj.
	// Fails unless the owning run is draft and the stored line version
	// equals expectedVersion.
	SaveOverride(ctx context.Context, line Line, adj Adjustment, expectedVersion int) error

	// Adjustments returns a line's audit trail, oldest first.
	Adjustments(ctx context.Context, lineID LineID) ([]Adjustment, error)

	// Authorize moves a draft run to authorized, storing the artifact
	// reference on the run and a voucher reference on each line.
	Authorize(ctx context.Context, run Run, vouchers map[LineID]string, entry AuditEntry) error

	// TransitionRun stores run.Status if the stored status equals from.
	TransitionRun(ctx context.Context, run Run, from Status, entry AuditEntry) error

	AppendDeliveries(ctx context.Context, records []DeliveryRecord) error

	// Deliveries returns delivery receipts for a run, oldest first.
	Deliveries(ctx context.Context, runID RunID) ([]DeliveryRecord, error)

	// AuditLog returns a run's audit entries, oldest first.
	AuditLog(ctx context.Context, runID RunID) ([]AuditEntry, error)
}

// RunQuery filters ListRuns. Zero values match everything.
type RunQuery struct {
	Period *Period
	Status Status
	Limit  int
}

func (q RunQuery) Matches(r Run) bool {
	if q.Period != nil && r.Period != *q.Period {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	return true
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Roster supplies the tenant's employees, active or not.
type Roster interface {
	Employees(ctx context.Context, tenant TenantID) ([]Employee, error)
}

// AttendanceSource supplies per-employee summaries for a sub-period.
// Employees without attendance are simply absent from the map.
type AttendanceSource interface {
	Summaries(ctx context.Context, tenant TenantID, period Period) (map[EmployeeID]AttendanceSummary, error)
}

// Delivery is the message handed to a Transport for one recipient.
type Delivery struct {
	TenantID   TenantID
	RunID      RunID
	Period     Period
	EmployeeID EmployeeID
	Name       string
	Email      string
	Voucher    string
	Gross      decimal.Decimal
	Net        decimal.Decimal
}

// Transport delivers one voucher and returns a transport message ID.
type Transport interface {
	Deliver(ctx context.Context, d Delivery) (string, error)
}

// Artifacts are the references produced when a run is authorized.
type Artifacts struct {
	RunReference string
	PerLine      map[LineID]string
}

// ArtifactIssuer requests document generation for an authorized run.
// Rendering happens elsewhere; only references come back.
type ArtifactIssuer interface {
	Issue(ctx context.Context, run Run, lines []Line) (Artifacts, error)
}

// Clock returns the current time. Tests replace it.
type Clock func() time.Time
