/*
Package billing provides the monthly billing and ledger reconciliation engine.

PURPOSE:
  Turns a catalog of recurring per-rider services into period-scoped charges,
  applies payments against those charges, and derives per-client and
  center-wide financial views for any historical period. Everything here is
  tenant-scoped: a tenant is one equestrian center.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts, always rounded to cents on input
  - RecurringService: a monthly line item billed to a rider for a horse
  - Charge: an amount owed for one period (recurring or one-off)
  - Payment: cash received, optionally earmarked against a charge
  - Expense: center operating cost, independent of riders

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64 inside the engine
  2. Type Safety: distinct ID types so rider and horse ids cannot be mixed
  3. Derived views: summaries and breakdowns are recomputed on every read
  4. Explicit time: the engine never reads the wall clock directly (see clock.go)

SEE ALSO:
  - period.go: Period model and period-key derivation
  - status.go: Persisted vs display status of a charge
  - store.go: Persistence and collaborator interfaces
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places amounts are rounded to.
const MoneyPlaces = 2

// Money normalizes an amount to cents.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type RiderID string
type HorseID string
type ServiceID string
type ChargeID string
type PaymentID string
type ExpenseID string

// =============================================================================
// RECURRING SERVICE - Catalog input to charge generation
// =============================================================================

// DefaultDueDay is used when a service has no due day configured.
const DefaultDueDay = 10

// MaxDueDay keeps generated due dates valid in every month.
const MaxDueDay = 28

// RecurringService is a monthly billing line item for a rider and horse.
// Services are deactivated once superseded, never deleted.
type RecurringService struct {
	ID        ServiceID
	RiderID   RiderID
	HorseID   HorseID
	Name      string
	Amount    decimal.Decimal
	DueDay    int
	Active    bool
	CreatedAt time.Time
}

// =============================================================================
// CHARGE
// =============================================================================

type ChargeStatus string

const (
	StatusPending ChargeStatus = "PENDING"
	StatusPartial ChargeStatus = "PARTIAL"
	StatusPaid    ChargeStatus = "PAID"
	StatusOverdue ChargeStatus = "OVERDUE" // read-time overlay, see Classify
	StatusVoid    ChargeStatus = "VOID"    // administrative cancellation
)

// Charge is an amount owed by a rider for one period.
//
// INVARIANT: PaidAmount + RemainingAmount == Amount, RemainingAmount >= 0.
// Only the Payment Reconciler mutates a charge after it is created.
type Charge struct {
	ID              ChargeID
	RiderID         RiderID
	HorseID         HorseID   // empty when not tied to a horse
	ServiceID       ServiceID // empty for one-off charges
	PeriodKey       string
	Description     string
	Amount          decimal.Decimal
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          ChargeStatus
	DueDate         time.Time
	IssuedAt        time.Time
	UpdatedAt       time.Time

	// Version increments on every balance update (optimistic concurrency).
	Version int
}

// IsRecurring reports whether the charge was generated from the catalog.
func (c Charge) IsRecurring() bool { return c.ServiceID != "" }

// Outstanding returns what is still owed on the charge.
// An explicit positive RemainingAmount wins; otherwise it is derived from
// Amount - PaidAmount, which covers records written without a remaining field.
func (c Charge) Outstanding() decimal.Decimal {
	if c.RemainingAmount.IsPositive() {
		return c.RemainingAmount
	}
	return maxZero(c.Amount.Sub(c.PaidAmount))
}

// =============================================================================
// PAYMENT - Append-only
// =============================================================================

// DefaultPaymentMethod is recorded when the caller does not name one.
const DefaultPaymentMethod = "manual"

// Payment is cash received from a rider. Created once, never mutated.
// PeriodKey is the ledger period the payment belongs to, which is not
// necessarily the period of the charge it settles.
type Payment struct {
	ID        PaymentID
	RiderID   RiderID
	HorseID   HorseID
	ChargeID  ChargeID // empty when unassociated
	PeriodKey string
	Amount    decimal.Decimal
	PaidAt    time.Time
	Method    string
	Notes     string
}

// =============================================================================
// EXPENSE
// =============================================================================

// Expense is an operating cost of the center, scoped to a period by Date.
type Expense struct {
	ID          ExpenseID
	Category    string
	Description string
	Amount      decimal.Decimal
	Date        time.Time
	Method      string
	Notes       string
	CreatedAt   time.Time
}

// =============================================================================
// COLLABORATOR RECORDS
// =============================================================================

// Stay links a rider to a horse housed at the center.
type Stay struct {
	RiderID RiderID
	HorseID HorseID
	Active  bool
}
