package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS - Persisted transitions vs read-time classification
// =============================================================================
//
// The persisted Status field only ever moves between PENDING, PARTIAL and PAID,
// and only inside the reconciler. OVERDUE is a display overlay computed on
// every read from (outstanding, due date, now); it is never written back, so a
// charge that is later paid stops counting as overdue.

// NextStatus is the persisted status for a given paid/remaining split.
func NextStatus(paid, remaining decimal.Decimal) ChargeStatus {
	switch {
	case !remaining.IsPositive():
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusPending
	}
}

// Classify returns the display status of a charge at instant now.
func Classify(c Charge, now time.Time) ChargeStatus {
	if c.Status == StatusVoid {
		return StatusVoid
	}
	if !c.Outstanding().IsPositive() {
		return StatusPaid
	}
	if c.Status == StatusOverdue || (!c.DueDate.IsZero() && c.DueDate.Before(now)) {
		return StatusOverdue
	}
	if c.PaidAmount.IsPositive() {
		return StatusPartial
	}
	return StatusPending
}

// OverdueAmount is the outstanding amount when the charge classifies as overdue.
func OverdueAmount(c Charge, now time.Time) decimal.Decimal {
	if Classify(c, now) != StatusOverdue {
		return decimal.Zero
	}
	return c.Outstanding()
}

// countable reports whether a charge contributes to billing totals.
// Void charges are cancelled and owe nothing.
func countable(c Charge) bool { return c.Status != StatusVoid }

// =============================================================================
// PAYMENT APPLICATION
// =============================================================================

// Allocation is the result of applying a payment amount to one charge.
type Allocation struct {
	Applied   decimal.Decimal // part of the payment that reduced the balance
	Excess    decimal.Decimal // part absorbed without effect (overpayment)
	Paid      decimal.Decimal // new PaidAmount
	Remaining decimal.Decimal // new RemainingAmount
	Status    ChargeStatus    // new persisted status
}

// ApplyPayment caps the charge at its amount. Any overpayment is absorbed:
// it is neither carried to another charge nor refunded. Replacing this
// function is the single seam for a future credit-balance feature.
func ApplyPayment(c Charge, amount decimal.Decimal) Allocation {
	paid := decimal.Min(c.Amount, c.PaidAmount.Add(amount))
	remaining := maxZero(c.Amount.Sub(paid))
	applied := maxZero(paid.Sub(c.PaidAmount))
	return Allocation{
		Applied:   applied,
		Excess:    maxZero(amount.Sub(applied)),
		Paid:      paid,
		Remaining: remaining,
		Status:    NextStatus(paid, remaining),
	}
}
