/*
Package sqlite provides a SQLite-backed payroll.Store.

PURPOSE:
  Persists runs, lines, adjustments, delivery receipts and the audit log.
  Also serves as the roster and attendance collaborator for deployments
  without an external HR system (employees and attendance_summaries tables).

INTERFACES IMPLEMENTED:
  payroll.Store:            runs, lines, overrides, lifecycle, history
  payroll.Roster:           employees
  payroll.AttendanceSource: attendance_summaries

APPEND-ONLY ENFORCEMENT:
  Triggers reject UPDATE and DELETE on adjustments, deliveries and
  audit_log, and any UPDATE of a line's computed_* columns. Runs are never
  deleted.

KEY TABLES:
  runs:                  one row per preview, status changes in place
  run_lines:             computed (immutable) + effective (mutable) figures
  adjustments:           audit trail of overrides
  deliveries:            one receipt per delivery attempt
  audit_log:             run-level transitions
  employees:             roster
  attendance_summaries:  per-employee, per-sub-period attendance

ATOMICITY:
  Every Store write runs in one SQL transaction that re-checks the run
  status (and line version for overrides) before writing. Amounts are
  stored as decimal strings.

WAL MODE:
  Opened with WAL and foreign keys on. ":memory:" databases are limited
  to a single connection so every query sees the same database.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - payroll/store.go: interface definitions
  - payroll/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// timeFormat is fixed-width so that stored timestamps sort as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements payroll.Store, payroll.Roster and payroll.AttendanceSource.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ payroll.Store            = (*Store)(nil)
	_ payroll.Roster           = (*Store)(nil)
	_ payroll.AttendanceSource = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		sub_period INTEGER NOT NULL CHECK (sub_period IN (1, 2)),
		withholding TEXT NOT NULL,
		status TEXT NOT NULL,
		tax_table TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		authorized_by TEXT,
		authorized_at TEXT,
		artifact_reference TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_tenant_period
		ON runs(tenant_id, year, month, sub_period, created_at);

	CREATE TABLE IF NOT EXISTS run_lines (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		employee_name TEXT NOT NULL,
		base_salary TEXT NOT NULL,
		computed_worked_days TEXT NOT NULL,
		computed_gross TEXT NOT NULL,
		computed_social_security TEXT NOT NULL,
		computed_pension TEXT NOT NULL,
		computed_income_tax TEXT NOT NULL,
		computed_net TEXT NOT NULL,
		effective_worked_days TEXT NOT NULL,
		effective_gross TEXT NOT NULL,
		effective_social_security TEXT NOT NULL,
		effective_pension TEXT NOT NULL,
		effective_income_tax TEXT NOT NULL,
		effective_net TEXT NOT NULL,
		edited INTEGER NOT NULL DEFAULT 0,
		missing_attendance INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		voucher_reference TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (run_id, employee_id)
	);

	CREATE INDEX IF NOT EXISTS idx_run_lines_run ON run_lines(run_id);

	CREATE TRIGGER IF NOT EXISTS run_lines_computed_immutable
	BEFORE UPDATE OF computed_worked_days, computed_gross, computed_social_security,
		computed_pension, computed_income_tax, computed_net ON run_lines
	BEGIN
		SELECT RAISE(ABORT, 'computed figures are immutable');
	END;

	CREATE TABLE IF NOT EXISTS adjustments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		line_id TEXT NOT NULL REFERENCES run_lines(id),
		run_id TEXT NOT NULL,
		field TEXT NOT NULL,
		prior_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_line ON adjustments(line_id, seq);

	CREATE TABLE IF NOT EXISTS deliveries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL REFERENCES runs(id),
		employee_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		reference TEXT,
		error TEXT,
		attempted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_run ON deliveries(run_id, seq);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		payload_json TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_run ON audit_log(run_id, seq);

	CREATE TRIGGER IF NOT EXISTS adjustments_append_only_update BEFORE UPDATE ON adjustments
	BEGIN SELECT RAISE(ABORT, 'adjustments are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS adjustments_append_only_delete BEFORE DELETE ON adjustments
	BEGIN SELECT RAISE(ABORT, 'adjustments are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS deliveries_append_only_update BEFORE UPDATE ON deliveries
	BEGIN SELECT RAISE(ABORT, 'deliveries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS deliveries_append_only_delete BEFORE DELETE ON deliveries
	BEGIN SELECT RAISE(ABORT, 'deliveries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_log_append_only_update BEFORE UPDATE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_log_append_only_delete BEFORE DELETE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;

	CREATE TABLE IF NOT EXISTS employees (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		department TEXT,
		base_salary TEXT NOT NULL,
		bank_name TEXT,
		bank_account TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS attendance_summaries (
		tenant_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		sub_period INTEGER NOT NULL,
		employee_id TEXT NOT NULL,
		days_worked INTEGER NOT NULL,
		days_absent INTEGER NOT NULL,
		late_days INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, year, month, sub_period, employee_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// RUNS
// =============================================================================

const runColumns = `id, tenant_id, year, month, sub_period, withholding, status, tax_table,
	created_by, created_at, updated_at, authorized_by, authorized_at, artifact_reference`

func (s *Store) CreateRun(ctx context.Context, run payroll.Run, lines []payroll.Line, entry payroll.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.TenantID, run.Period.Year, int(run.Period.Month), run.Period.SubPeriod,
			run.Withholding, run.Status, run.TaxTable, run.CreatedBy,
			formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
			nullString(run.AuthorizedBy), nullTime(run.AuthorizedAt), nullString(run.ArtifactReference),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("run %s already exists: %w", run.ID, err)
			}
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, l := range lines {
			if err := insertLine(ctx, tx, l); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) GetRun(ctx context.Context, tenant payroll.TenantID, id payroll.RunID) (payroll.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ? AND tenant_id = ?`, id, tenant)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Run{}, fmt.Errorf("run %s: %w", id, payroll.ErrNotFound)
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context, tenant payroll.TenantID, q payroll.RunQuery) ([]payroll.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id = ?`
	args := []any{tenant}
	if q.Period != nil {
		query += ` AND year = ? AND month = ? AND sub_period = ?`
		args = append(args, q.Period.Year, int(q.Period.Month), q.Period.SubPeriod)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []payroll.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) Authorize(ctx context.Context, run payroll.Run, vouchers map[payroll.LineID]string, entry payroll.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, authorized_by = ?, authorized_at = ?, artifact_reference = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`,
			run.Status, nullString(run.AuthorizedBy), nullTime(run.AuthorizedAt), nullString(run.ArtifactReference),
			formatTime(run.UpdatedAt), run.ID, run.TenantID, payroll.StatusDraft,
		)
		if err != nil {
			return fmt.Errorf("failed to authorize run: %w", err)
		}
		if err := expectOneRow(ctx, tx, res, run, payroll.StatusDraft); err != nil {
			return err
		}

		for lineID, ref := range vouchers {
			if _, err := tx.ExecContext(ctx,
				`UPDATE run_lines SET voucher_reference = ? WHERE id = ? AND run_id = ?`,
				ref, lineID, run.ID,
			); err != nil {
				return fmt.Errorf("failed to store voucher reference: %w", err)
			}
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) TransitionRun(ctx context.Context, run payroll.Run, from payroll.Status, entry payroll.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ? AND status = ?`,
			run.Status, formatTime(run.UpdatedAt), run.ID, run.TenantID, from,
		)
		if err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
		if err := expectOneRow(ctx, tx, res, run, from); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

// expectOneRow turns a compare-and-set miss into NotFound or a conflict.
func expectOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, run payroll.Run, from payroll.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ? AND tenant_id = ?`, run.ID, run.TenantID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", run.ID, payroll.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s, expected %s: %w", run.ID, current, from, payroll.ErrConcurrentModification)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (payroll.Run, error) {
	var (
		run                               payroll.Run
		month                             int
		createdAt, updatedAt              string
		authorizedBy, authorizedAt, artfx sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &run.Period.Year, &month, &run.Period.SubPeriod,
		&run.Withholding, &run.Status, &run.TaxTable, &run.CreatedBy,
		&createdAt, &updatedAt, &authorizedBy, &authorizedAt, &artfx,
	)
	if err != nil {
		return run, err
	}
	run.Period.Month = time.Month(month)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.AuthorizedBy = authorizedBy.String
	run.ArtifactReference = artfx.String
	if authorizedAt.Valid {
		t := parseTime(authorizedAt.String)
		run.AuthorizedAt = &t
	}
	return run, nil
}

// =============================================================================
// LINES
// =============================================================================

const lineColumns = `id, run_id, tenant_id, employee_id, employee_name, base_salary,
	computed_worked_days, computed_gross, computed_social_security, computed_pension, computed_income_tax, computed_net,
	effective_worked_days, effective_gross, effective_social_security, effective_pension, effective_income_tax, effective_net,
	edited, missing_attendance, version, voucher_reference, created_at, updated_at`

func insertLine(ctx context.Context, db execer, l payroll.Line) error {
	c, e := l.Computed, l.Effective
	_, err := db.ExecContext(ctx, `INSERT INTO run_lines (`+lineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RunID, l.TenantID, l.EmployeeID, l.EmployeeName, l.BaseSalary.String(),
		c.WorkedDays.String(), c.Gross.String(), c.SocialSecurity.String(), c.Pension.String(), c.IncomeTax.String(), c.Net.String(),
		e.WorkedDays.String(), e.Gross.String(), e.SocialSecurity.String(), e.Pension.String(), e.IncomeTax.String(), e.Net.String(),
		l.Edited, l.MissingAttendance, l.Version, nullString(l.VoucherReference),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert line for employee %s: %w", l.EmployeeID, err)
	}
	return nil
}

func (s *Store) GetLines(ctx context.Context, tenant payroll.TenantID, runID payroll.RunID) ([]payroll.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ? AND tenant_id = ?`, runID, tenant).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, payroll.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineColumns+` FROM run_lines WHERE run_id = ? AND tenant_id = ? ORDER BY employee_name, employee_id`,
		runID, tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []payroll.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) GetLine(ctx context.Context, tenant payroll.TenantID, id payroll.LineID) (payroll.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM run_lines WHERE id = ? AND tenant_id = ?`, id, tenant)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Line{}, fmt.Errorf("line %s: %w", id, payroll.ErrNotFound)
	}
	return l, err
}

func scanLine(row rowScanner) (payroll.Line, error) {
	var (
		l                    payroll.Line
		base                 string
		computed, effective  [6]string
		voucher              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&l.ID, &l.RunID, &l.TenantID, &l.EmployeeID, &l.EmployeeName, &base,
		&computed[0], &computed[1], &computed[2], &computed[3], &computed[4], &computed[5],
		&effective[0], &effective[1], &effective[2], &effective[3], &effective[4], &effective[5],
		&l.Edited, &l.MissingAttendance, &l.Version, &voucher, &createdAt, &updatedAt,
	)
	if err != nil {
		return l, err
	}

	p := decimalParser{}
	l.BaseSalary = p.parse(base)
	l.Computed = p.figures(computed)
	l.Effective = p.figures(effective)
	if p.err != nil {
		return l, fmt.Errorf("line %s: %w", l.ID, p.err)
	}
	l.VoucherReference = voucher.String
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return l, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

func (s *Store) SaveOverride(ctx context.Context, line payroll.Line, adj payroll.Adjustment, expectedVersion int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			version int
			status  payroll.Status
		)
		err := tx.QueryRowContext(ctx, `
			SELECT l.version, r.status FROM run_lines l JOIN runs r ON r.id = l.run_id
			WHERE l.id = ? AND l.tenant_id = ?`,
			line.ID, line.TenantID,
		).Scan(&version, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("line %s: %w", line.ID, payroll.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !payroll.Editable(status) {
			return fmt.Errorf("run %s is %s: %w", line.RunID, status, payroll.ErrRunClosed)
		}
		if version != expectedVersion {
			return fmt.Errorf("line %s at version %d, expected %d: %w",
				line.ID, version, expectedVersion, payroll.ErrConcurrentModification)
		}

		e := line.Effective
		res, err := tx.ExecContext(ctx, `
			UPDATE run_lines SET
				effective_worked_days = ?, effective_gross = ?, effective_social_security = ?,
				effective_pension = ?, effective_income_tax = ?, effective_net = ?,
				edited = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			e.WorkedDays.String(), e.Gross.String(), e.SocialSecurity.String(),
			e.Pension.String(), e.IncomeTax.String(), e.Net.String(),
			line.Edited, line.Version, formatTime(line.UpdatedAt),
			line.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update line: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("line %s: %w", line.ID, payroll.ErrConcurrentModification)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO adjustments (id, line_id, run_id, field, prior_value, new_value, reason, actor, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			adj.ID, adj.LineID, adj.RunID, adj.Field.String(),
			adj.PriorValue.String(), adj.NewValue.String(), adj.Reason, adj.Actor, formatTime(adj.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append adjustment: %w", err)
		}
		return nil
	})
}

func (s *Store) Adjustments(ctx context.Context, lineID payroll.LineID) ([]payroll.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, line_id, run_id, field, prior_value, new_value, reason, actor, created_at
		FROM adjustments WHERE line_id = ? ORDER BY seq`, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var adjs []payroll.Adjustment
	for rows.Next() {
		var (
			a                      payroll.Adjustment
			field, prior, next, at string
		)
		if err := rows.Scan(&a.ID, &a.LineID, &a.RunID, &field, &prior, &next, &a.Reason, &a.Actor, &at); err != nil {
			return nil, err
		}
		if a.Field, err = payroll.ParseField(field); err != nil {
			return nil, fmt.Errorf("adjustment %s: %w", a.ID, err)
		}
		p := decimalParser{}
		a.PriorValue = p.parse(prior)
		a.NewValue = p.parse(next)
		if p.err != nil {
			return nil, fmt.Errorf("adjustment %s: %w", a.ID, p.err)
		}
		a.CreatedAt = parseTime(at)
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// =============================================================================
// HISTORY
// =============================================================================

func (s *Store) AppendDeliveries(ctx context.Context, records []payroll.DeliveryRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO deliveries (id, run_id, employee_id, success, reference, error, attempted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.RunID, r.EmployeeID, r.Success, nullString(r.Reference), nullString(r.Error), formatTime(r.AttemptedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to append delivery: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Deliveries(ctx context.Context, runID payroll.RunID) ([]payroll.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, employee_id, success, reference, error, attempted_at
		FROM deliveries WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var records []payroll.DeliveryRecord
	for rows.Next() {
		var (
			r           payroll.DeliveryRecord
			ref, msg    sql.NullString
			attemptedAt string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.EmployeeID, &r.Success, &ref, &msg, &attemptedAt); err != nil {
			return nil, err
		}
		r.Reference = ref.String
		r.Error = msg.String
		r.AttemptedAt = parseTime(attemptedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func insertAudit(ctx context.Context, db execer, e payroll.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, run_id, actor, action, from_status, to_status, payload_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.RunID, e.Actor, e.Action, e.FromStatus, e.ToStatus, string(payload), formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) AuditLog(ctx context.Context, runID payroll.RunID) ([]payroll.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, actor, action, from_status, to_status, payload_json, at
		FROM audit_log WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []payroll.AuditEntry
	for rows.Next() {
		var (
			e       payroll.AuditEntry
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.Actor, &e.Action, &e.FromStatus, &e.ToStatus, &payload, &at); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
			}
		}
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ROSTER & ATTENDANCE
// =============================================================================

// SaveEmployee inserts or replaces an employee.
func (s *Store) SaveEmployee(ctx context.Context, e payroll.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (tenant_id, id, name, email, department, base_salary, bank_name, bank_account, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			department = excluded.department,
			base_salary = excluded.base_salary,
			bank_name = excluded.bank_name,
			bank_account = excluded.bank_account,
			status = excluded.status`,
		e.TenantID, e.ID, e.Name, nullString(e.Email), nullString(e.Department), e.BaseSalary.String(),
		nullString(e.BankName), nullString(e.BankAccount), e.Status, formatTime(time.Now()),
	)
	return err
}

func (s *Store) Employees(ctx context.Context, tenant payroll.TenantID) ([]payroll.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, email, department, base_salary, bank_name, bank_account, status
		FROM employees WHERE tenant_id = ? ORDER BY name, id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var employees []payroll.Employee
	for rows.Next() {
		var (
			e                                  payroll.Employee
			email, dept, bankName, bankAccount sql.NullString
			salary                             string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Name, &email, &dept, &salary, &bankName, &bankAccount, &e.Status); err != nil {
			return nil, err
		}
		p := decimalParser{}
		e.BaseSalary = p.parse(salary)
		if p.err != nil {
			return nil, fmt.Errorf("employee %s: %w", e.ID, p.err)
		}
		e.Email, e.Department = email.String, dept.String
		e.BankName, e.BankAccount = bankName.String, bankAccount.String
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// SaveAttendance inserts or replaces one employee's summary for a period.
func (s *Store) SaveAttendance(ctx context.Context, tenant payroll.TenantID, period payroll.Period, a payroll.AttendanceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_summaries (tenant_id, year, month, sub_period, employee_id, days_worked, days_absent, late_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, year, month, sub_period, employee_id) DO UPDATE SET
			days_worked = excluded.days_worked,
			days_absent = excluded.days_absent,
			late_days = excluded.late_days`,
		tenant, period.Year, int(period.Month), period.SubPeriod, a.EmployeeID, a.DaysWorked, a.DaysAbsent, a.LateDays,
	)
	return err
}

func (s *Store) Summaries(ctx context.Context, tenant payroll.TenantID, period payroll.Period) (map[payroll.EmployeeID]payroll.AttendanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT employee_id, days_worked, days_absent, late_days FROM attendance_summaries
		WHERE tenant_id = ? AND year = ? AND month = ? AND sub_period = ?`,
		tenant, period.Year, int(period.Month), period.SubPeriod,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer rows.Close()

	result := make(map[payroll.EmployeeID]payroll.AttendanceSummary)
	for rows.Next() {
		var a payroll.AttendanceSummary
		if err := rows.Scan(&a.EmployeeID, &a.DaysWorked, &a.DaysAbsent, &a.LateDays); err != nil {
			return nil, err
		}
		result[a.EmployeeID] = a
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// decimalParser keeps the first parse failure.
type decimalParser struct {
	err error
}

func (p *decimalParser) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d
}

func (p *decimalParser) figures(v [6]string) payroll.Figures {
	return payroll.Figures{
		WorkedDays:     p.parse(v[0]),
		Gross:          p.parse(v[1]),
		SocialSecurity: p.parse(v[2]),
		Pension:        p.parse(v[3]),
		IncomeTax:      p.parse(v[4]),
		Net:            p.parse(v[5]),
	}
}
