/*
Package sqlite provides a SQLite-backed implementation of the billing storage
interfaces.

PURPOSE:
  Implements billing.TxStore plus the two read-only collaborators the engine
  consumes (billing.Membership, billing.Directory) using SQLite. In production
  the same patterns apply to PostgreSQL with minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  billing.TxStore:    services, charges, payments, expenses + WithTx
  billing.Membership: active horse stays (horse_stays table)
  billing.Directory:  rider display labels (members table)

KEY TABLES (every row is scoped by tenant_id, one tenant = one center):
  recurring_services: Catalog of monthly line items (never deleted)
  charges:            Period-scoped amounts owed, versioned
  payments:           Append-only cash received
  expenses:           Operating costs of the center
  horse_stays:        Rider/horse stays, maintained by the stays module
  members:            Rider names and emails, maintained by the members module

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_charges_dedupe: at most one recurring charge per
    (tenant, service, rider, horse, period). A violation surfaces as
    billing.ErrDuplicateCharge, so concurrent generators in different
    processes cannot double bill.
  - charges.version: UpdateChargeBalance is a compare-and-set on version.

MONEY AND TIME:
  Decimals are stored as TEXT (decimal.String) to avoid float rounding.
  Timestamps are RFC3339Nano in UTC; empty string means unset.

CONNECTIONS:
  The pool is limited to one connection. SQLite serializes writers anyway,
  and ":memory:" databases are per-connection, so one connection keeps every
  caller on the same database.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, store, store, billing.Options{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stable-billing/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recurring_services (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		horse_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_day INTEGER NOT NULL DEFAULT 10,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_services_tenant_active
		ON recurring_services(tenant_id, active);

	-- Charges (balance columns mutated only by the reconciler)
	CREATE TABLE IF NOT EXISTS charges (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		horse_id TEXT NOT NULL DEFAULT '',
		service_id TEXT NOT NULL DEFAULT '',
		period_key TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT NOT NULL DEFAULT '',
		issued_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, id)
	);

	-- CRITICAL: one recurring charge per service, rider, horse and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_dedupe
		ON charges(tenant_id, service_id, rider_id, horse_id, period_key)
		WHERE service_id <> '';

	CREATE INDEX IF NOT EXISTS idx_charges_tenant_period
		ON charges(tenant_id, period_key);
	CREATE INDEX IF NOT EXISTS idx_charges_tenant_rider
		ON charges(tenant_id, rider_id);

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		horse_id TEXT NOT NULL DEFAULT '',
		charge_id TEXT NOT NULL DEFAULT '',
		period_key TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_tenant_period
		ON payments(tenant_id, period_key);
	CREATE INDEX IF NOT EXISTS idx_payments_charge
		ON payments(tenant_id, charge_id) WHERE charge_id <> '';

	CREATE TABLE IF NOT EXISTS expenses (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		amount TEXT NOT NULL,
		date TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS horse_stays (
		tenant_id TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		horse_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (tenant_id, rider_id, horse_id)
	);

	CREATE TABLE IF NOT EXISTS members (
		tenant_id TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, rider_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SERVICE STORE
// =============================================================================

const serviceColumns = `id, rider_id, horse_id, name, amount, due_day, active, created_at`

func (s *Store) InsertService(ctx context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertService(ctx, s.db, tenant, svc)
}

func insertService(ctx context.Context, q querier, tenant billing.TenantID, svc billing.RecurringService) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO recurring_services (tenant_id, `+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, svc.ID, svc.RiderID, svc.HorseID, svc.Name,
		svc.Amount.String(), svc.DueDay, svc.Active, formatTime(svc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}
	return nil
}

func (s *Store) UpdateService(ctx context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateService(ctx, s.db, tenant, svc)
}

func updateService(ctx context.Context, q querier, tenant billing.TenantID, svc billing.RecurringService) error {
	res, err := q.ExecContext(ctx, `
		UPDATE recurring_services
		SET rider_id = ?, horse_id = ?, name = ?, amount = ?, due_day = ?, active = ?
		WHERE tenant_id = ? AND id = ?`,
		svc.RiderID, svc.HorseID, svc.Name, svc.Amount.String(), svc.DueDay, svc.Active,
		tenant, svc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return requireAffected(res, "service", string(svc.ID))
}

func (s *Store) GetService(ctx context.Context, tenant billing.TenantID, id billing.ServiceID) (billing.RecurringService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getService(ctx, s.db, tenant, id)
}

func getService(ctx context.Context, q querier, tenant billing.TenantID, id billing.ServiceID) (billing.RecurringService, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM recurring_services WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.RecurringService{}, fmt.Errorf("service %s: %w", id, billing.ErrNotFound)
	}
	return svc, err
}

func (s *Store) ListServices(ctx context.Context, tenant billing.TenantID, activeOnly bool) ([]billing.RecurringService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listServices(ctx, s.db, tenant, activeOnly)
}

func listServices(ctx context.Context, q querier, tenant billing.TenantID, activeOnly bool) ([]billing.RecurringService, error) {
	query := `SELECT ` + serviceColumns + ` FROM recurring_services WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var services []billing.RecurringService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (billing.RecurringService, error) {
	var (
		svc       billing.RecurringService
		amount    string
		createdAt string
	)
	err := row.Scan(&svc.ID, &svc.RiderID, &svc.HorseID, &svc.Name, &amount, &svc.DueDay, &svc.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return svc, err
		}
		return svc, fmt.Errorf("failed to scan service: %w", err)
	}
	svc.Amount = parseDecimal(amount)
	svc.CreatedAt = parseTime(createdAt)
	return svc, nil
}

// =============================================================================
// CHARGE STORE
// =============================================================================

const chargeColumns = `id, rider_id, horse_id, service_id, period_key, description,
	amount, paid_amount, remaining_amount, status, due_date, issued_at, updated_at, version`

// InsertCharges adds charges atomically.
func (s *Store) InsertCharges(ctx context.Context, tenant billing.TenantID, charges []billing.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := insertCharges(ctx, sqlTx, tenant, charges); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func insertCharges(ctx context.Context, q querier, tenant billing.TenantID, charges []billing.Charge) error {
	for _, c := range charges {
		_, err := q.ExecContext(ctx, `
			INSERT INTO charges (tenant_id, `+chargeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tenant, c.ID, c.RiderID, c.HorseID, c.ServiceID, c.PeriodKey, c.Description,
			c.Amount.String(), c.PaidAmount.String(), c.RemainingAmount.String(), c.Status,
			formatTime(c.DueDate), formatTime(c.IssuedAt), formatTime(c.UpdatedAt), c.Version,
		)
		if err != nil {
			if isDedupeViolation(err) {
				return fmt.Errorf("%s: %w",
					billing.DedupeKey(c.ServiceID, c.RiderID, c.HorseID, c.PeriodKey), billing.ErrDuplicateCharge)
			}
			return fmt.Errorf("failed to insert charge: %w", err)
		}
	}
	return nil
}

func (s *Store) GetCharge(ctx context.Context, tenant billing.TenantID, id billing.ChargeID) (billing.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCharge(ctx, s.db, tenant, id)
}

func getCharge(ctx context.Context, q querier, tenant billing.TenantID, id billing.ChargeID) (billing.Charge, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Charge{}, fmt.Errorf("charge %s: %w", id, billing.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListCharges(ctx context.Context, tenant billing.TenantID) ([]billing.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCharges(ctx, s.db, tenant)
}

func listCharges(ctx context.Context, q querier, tenant billing.TenantID) ([]billing.Charge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE tenant_id = ? ORDER BY rowid`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []billing.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

func (s *Store) UpdateChargeBalance(ctx context.Context, tenant billing.TenantID, c billing.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateChargeBalance(ctx, s.db, tenant, c)
}

// updateChargeBalance is a compare-and-set on version. When nothing matched
// it tells a missing charge apart from a stale version.
func updateChargeBalance(ctx context.Context, q querier, tenant billing.TenantID, c billing.Charge) error {
	res, err := q.ExecContext(ctx, `
		UPDATE charges
		SET paid_amount = ?, remaining_amount = ?, status = ?, updated_at = ?, version = version + 1
		WHERE tenant_id = ? AND id = ? AND version = ?`,
		c.PaidAmount.String(), c.RemainingAmount.String(), c.Status, formatTime(c.UpdatedAt),
		tenant, c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM charges WHERE tenant_id = ? AND id = ?`, tenant, c.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check charge: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("charge %s: %w", c.ID, billing.ErrNotFound)
	}
	return fmt.Errorf("charge %s version %d: %w", c.ID, c.Version, billing.ErrConcurrentModification)
}

func scanCharge(row scanner) (billing.Charge, error) {
	var (
		c                        billing.Charge
		amount, paid, remaining  string
		dueDate, issued, updated string
	)
	err := row.Scan(
		&c.ID, &c.RiderID, &c.HorseID, &c.ServiceID, &c.PeriodKey, &c.Description,
		&amount, &paid, &remaining, &c.Status, &dueDate, &issued, &updated, &c.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan charge: %w", err)
	}
	c.Amount = parseDecimal(amount)
	c.PaidAmount = parseDecimal(paid)
	c.RemainingAmount = parseDecimal(remaining)
	c.DueDate = parseTime(dueDate)
	c.IssuedAt = parseTime(issued)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// =============================================================================
// PAYMENT STORE (append-only: no UPDATE or DELETE on payments)
// =============================================================================

const paymentColumns = `id, rider_id, horse_id, charge_id, period_key, amount, paid_at, method, notes`

func (s *Store) InsertPayment(ctx context.Context, tenant billing.TenantID, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPayment(ctx, s.db, tenant, p)
}

func insertPayment(ctx context.Context, q querier, tenant billing.TenantID, p billing.Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (tenant_id, `+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, p.ID, p.RiderID, p.HorseID, p.ChargeID, p.PeriodKey,
		p.Amount.String(), formatTime(p.PaidAt), p.Method, p.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, tenant billing.TenantID) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, tenant)
}

func listPayments(ctx context.Context, q querier, tenant billing.TenantID) ([]billing.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id = ? ORDER BY rowid`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		var (
			p              billing.Payment
			amount, paidAt string
		)
		if err := rows.Scan(&p.ID, &p.RiderID, &p.HorseID, &p.ChargeID, &p.PeriodKey,
			&amount, &paidAt, &p.Method, &p.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = parseDecimal(amount)
		p.PaidAt = parseTime(paidAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// EXPENSE STORE
// =============================================================================

const expenseColumns = `id, category, description, amount, date, method, notes, created_at`

func (s *Store) InsertExpense(ctx context.Context, tenant billing.TenantID, e billing.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertExpense(ctx, s.db, tenant, e)
}

func insertExpense(ctx context.Context, q querier, tenant billing.TenantID, e billing.Expense) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO expenses (tenant_id, `+expenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, e.ID, e.Category, e.Description, e.Amount.String(),
		formatTime(e.Date), e.Method, e.Notes, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}
	return nil
}

func (s *Store) UpdateExpense(ctx context.Context, tenant billing.TenantID, e billing.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateExpense(ctx, s.db, tenant, e)
}

func updateExpense(ctx context.Context, q querier, tenant billing.TenantID, e billing.Expense) error {
	res, err := q.ExecContext(ctx, `
		UPDATE expenses
		SET category = ?, description = ?, amount = ?, date = ?, method = ?, notes = ?
		WHERE tenant_id = ? AND id = ?`,
		e.Category, e.Description, e.Amount.String(), formatTime(e.Date), e.Method, e.Notes,
		tenant, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	return requireAffected(res, "expense", string(e.ID))
}

func (s *Store) DeleteExpense(ctx context.Context, tenant billing.TenantID, id billing.ExpenseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteExpense(ctx, s.db, tenant, id)
}

func deleteExpense(ctx context.Context, q querier, tenant billing.TenantID, id billing.ExpenseID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM expenses WHERE tenant_id = ? AND id = ?`, tenant, id)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return requireAffected(res, "expense", string(id))
}

func (s *Store) GetExpense(ctx context.Context, tenant billing.TenantID, id billing.ExpenseID) (billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getExpense(ctx, s.db, tenant, id)
}

func getExpense(ctx context.Context, q querier, tenant billing.TenantID, id billing.ExpenseID) (billing.Expense, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Expense{}, fmt.Errorf("expense %s: %w", id, billing.ErrNotFound)
	}
	return e, err
}

func (s *Store) ListExpenses(ctx context.Context, tenant billing.TenantID) ([]billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listExpenses(ctx, s.db, tenant)
}

func listExpenses(ctx context.Context, q querier, tenant billing.TenantID) ([]billing.Expense, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE tenant_id = ? ORDER BY date, id`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var expenses []billing.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func scanExpense(row scanner) (billing.Expense, error) {
	var (
		e                       billing.Expense
		amount, date, createdAt string
	)
	err := row.Scan(&e.ID, &e.Category, &e.Description, &amount, &date, &e.Method, &e.Notes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan expense: %w", err)
	}
	e.Amount = parseDecimal(amount)
	e.Date = parseTime(date)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The view only ever talks to the *sql.Tx, never back to the locking Store.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertService(ctx context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	return insertService(ctx, ts.tx, tenant, svc)
}

func (ts *txStore) UpdateService(ctx context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	return updateService(ctx, ts.tx, tenant, svc)
}

func (ts *txStore) GetService(ctx context.Context, tenant billing.TenantID, id billing.ServiceID) (billing.RecurringService, error) {
	return getService(ctx, ts.tx, tenant, id)
}

func (ts *txStore) ListServices(ctx context.Context, tenant billing.TenantID, activeOnly bool) ([]billing.RecurringService, error) {
	return listServices(ctx, ts.tx, tenant, activeOnly)
}

func (ts *txStore) InsertCharges(ctx context.Context, tenant billing.TenantID, charges []billing.Charge) error {
	return insertCharges(ctx, ts.tx, tenant, charges)
}

func (ts *txStore) GetCharge(ctx context.Context, tenant billing.TenantID, id billing.ChargeID) (billing.Charge, error) {
	return getCharge(ctx, ts.tx, tenant, id)
}

func (ts *txStore) ListCharges(ctx context.Context, tenant billing.TenantID) ([]billing.Charge, error) {
	return listCharges(ctx, ts.tx, tenant)
}

func (ts *txStore) UpdateChargeBalance(ctx context.Context, tenant billing.TenantID, c billing.Charge) error {
	return updateChargeBalance(ctx, ts.tx, tenant, c)
}

func (ts *txStore) InsertPayment(ctx context.Context, tenant billing.TenantID, p billing.Payment) error {
	return insertPayment(ctx, ts.tx, tenant, p)
}

func (ts *txStore) ListPayments(ctx context.Context, tenant billing.TenantID) ([]billing.Payment, error) {
	return listPayments(ctx, ts.tx, tenant)
}

func (ts *txStore) InsertExpense(ctx context.Context, tenant billing.TenantID, e billing.Expense) error {
	return insertExpense(ctx, ts.tx, tenant, e)
}

func (ts *txStore) UpdateExpense(ctx context.Context, tenant billing.TenantID, e billing.Expense) error {
	return updateExpense(ctx, ts.tx, tenant, e)
}

func (ts *txStore) DeleteExpense(ctx context.Context, tenant billing.TenantID, id billing.ExpenseID) error {
	return deleteExpense(ctx, ts.tx, tenant, id)
}

func (ts *txStore) GetExpense(ctx context.Context, tenant billing.TenantID, id billing.ExpenseID) (billing.Expense, error) {
	return getExpense(ctx, ts.tx, tenant, id)
}

func (ts *txStore) ListExpenses(ctx context.Context, tenant billing.TenantID) ([]billing.Expense, error) {
	return listExpenses(ctx, ts.tx, tenant)
}

// =============================================================================
// COLLABORATORS (billing.Membership, billing.Directory)
// =============================================================================

// Member is a rider's directory record.
type Member struct {
	RiderID     billing.RiderID
	DisplayName string
	Email       string
}

// SaveStay upserts a horse stay.
func (s *Store) SaveStay(ctx context.Context, tenant billing.TenantID, stay billing.Stay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO horse_stays (tenant_id, rider_id, horse_id, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, rider_id, horse_id) DO UPDATE SET
			active = excluded.active`,
		tenant, stay.RiderID, stay.HorseID, stay.Active,
	)
	return err
}

// SaveMember upserts a member record.
func (s *Store) SaveMember(ctx context.Context, tenant billing.TenantID, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (tenant_id, rider_id, display_name, email)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, rider_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email`,
		tenant, m.RiderID, m.DisplayName, m.Email,
	)
	return err
}

func (s *Store) ActiveStays(ctx context.Context, tenant billing.TenantID) ([]billing.Stay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rider_id, horse_id, active FROM horse_stays
		WHERE tenant_id = ? AND active = TRUE
		ORDER BY rowid`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stays: %w", err)
	}
	defer rows.Close()

	var stays []billing.Stay
	for rows.Next() {
		var st billing.Stay
		if err := rows.Scan(&st.RiderID, &st.HorseID, &st.Active); err != nil {
			return nil, fmt.Errorf("failed to scan stay: %w", err)
		}
		stays = append(stays, st)
	}
	return stays, rows.Err()
}

// RiderLabels returns display name, else email, per rider. Riders with
// neither are left out and show as their raw id.
func (s *Store) RiderLabels(ctx context.Context, tenant billing.TenantID) (map[billing.RiderID]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT rider_id, display_name, email FROM members WHERE tenant_id = ?`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	labels := make(map[billing.RiderID]string)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RiderID, &m.DisplayName, &m.Email); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		switch {
		case strings.TrimSpace(m.DisplayName) != "":
			labels[m.RiderID] = strings.TrimSpace(m.DisplayName)
		case strings.TrimSpace(m.Email) != "":
			labels[m.RiderID] = strings.TrimSpace(m.Email)
		}
	}
	return labels, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data of a tenant (for testing/demo).
func (s *Store) Reset(ctx context.Context, tenant billing.TenantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "charges", "recurring_services", "expenses", "horse_stays", "members"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE tenant_id = ?", tenant); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, billing.ErrNotFound)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// isDedupeViolation matches the partial index on charges; a primary key
// clash reports only "charges.tenant_id, charges.id".
func isDedupeViolation(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "charges.service_id")
}

var (
	_ billing.TxStore    = (*Store)(nil)
	_ billing.Membership = (*Store)(nil)
	_ billing.Directory  = (*Store)(nil)
)
