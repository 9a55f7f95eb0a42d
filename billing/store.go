/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and the per-tenant document store.
  Four collections per tenant: recurring services, charges, payments and
  expenses. All reads are full scans or point reads; period filtering happens
  in the engine with the derivation rules in period.go.

WRITE CONTRACTS:
  - InsertCharges: atomic batch. Stores MUST reject a recurring charge whose
    (service, rider, horse, period) already exists with ErrDuplicateCharge.
    This is what makes concurrent generation safe across processes.
  - UpdateChargeBalance: the only charge mutation. Compare-and-set on Version;
    a mismatch returns ErrConcurrentModification.
  - InsertPayment: append-only. Payments are never updated or deleted.

TRANSACTIONS:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error nothing it wrote is kept. The reconciler uses this so a payment and
  the charge update it causes are all-or-nothing.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite

COLLABORATORS:
  Membership and Directory are read-only views owned by other modules
  (horse stays and center members). The engine never validates them beyond
  presence.
*/
package billing

import "context"

// =============================================================================
// COLLECTION STORES
// =============================================================================

type ServiceStore interface {
	InsertService(ctx context.Context, tenant TenantID, svc RecurringService) error
	UpdateService(ctx context.Context, tenant TenantID, svc RecurringService) error
	// GetService returns ErrNotFound (wrapped) when missing.
	GetService(ctx context.Context, tenant TenantID, id ServiceID) (RecurringService, error)
	ListServices(ctx context.Context, tenant TenantID, activeOnly bool) ([]RecurringService, error)
}

type ChargeStore interface {
	// InsertCharges writes all charges or none.
	InsertCharges(ctx context.Context, tenant TenantID, charges []Charge) error
	// GetCharge returns ErrNotFound (wrapped) when missing.
	GetCharge(ctx context.Context, tenant TenantID, id ChargeID) (Charge, error)
	ListCharges(ctx context.Context, tenant TenantID) ([]Charge, error)
	// UpdateChargeBalance stores paid/remaining/status if the stored version
	// equals c.Version, and bumps the version.
	UpdateChargeBalance(ctx context.Context, tenant TenantID, c Charge) error
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, tenant TenantID, p Payment) error
	ListPayments(ctx context.Context, tenant TenantID) ([]Payment, error)
}

type ExpenseStore interface {
	InsertExpense(ctx context.Context, tenant TenantID, e Expense) error
	UpdateExpense(ctx context.Context, tenant TenantID, e Expense) error
	DeleteExpense(ctx context.Context, tenant TenantID, id ExpenseID) error
	GetExpense(ctx context.Context, tenant TenantID, id ExpenseID) (Expense, error)
	ListExpenses(ctx context.Context, tenant TenantID) ([]Expense, error)
}

// Store is the full per-tenant persistence surface.
type Store interface {
	ServiceStore
	ChargeStore
	PaymentStore
	ExpenseStore
}

// TxStore adds all-or-nothing execution.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the view is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Membership returns horse-stay records; the active ones define the rider
// universe of the monthly breakdown.
type Membership interface {
	ActiveStays(ctx context.Context, tenant TenantID) ([]Stay, error)
}

// Directory maps rider ids to display labels (name, else email).
// Missing entries fall back to the raw id.
type Directory interface {
	RiderLabels(ctx context.Context, tenant TenantID) (map[RiderID]string, error)
}

// =============================================================================
// DEDUPE KEY
// =============================================================================

// DedupeKey identifies the recurring charge of a service in a period.
func DedupeKey(service ServiceID, rider RiderID, horse HorseID, periodKey string) string {
	return string(service) + "|" + string(rider) + "|" + string(horse) + "|" + periodKey
}
