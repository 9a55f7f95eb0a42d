/*
reconciler.go - Applies payments to charges

FLOW:
  1. Validate rider and amount (nothing is written on failure)
  2. Serialize on the charge id, if any
  3. In one store transaction:
     a. read the charge (missing -> NotFoundError, whole operation fails)
     b. append the payment
     c. write back paid/remaining/status via ApplyPayment, guarded by version

The payment's PeriodKey is the caller-declared period, not the period of the
charge it settles: paying March's charge in April books the cash in April.

Payments with no charge never touch the charge collection and need no lock.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentInput is the request to record one payment.
type PaymentInput struct {
	RiderID  RiderID
	Amount   decimal.Decimal
	Period   Period // zero value: the period of the payment timestamp
	HorseID  HorseID
	ChargeID ChargeID
	Method   string
	Notes    string
}

// Reconciler records payments and keeps charge balances consistent.
type Reconciler struct {
	store TxStore
	opts  Options
	locks *keyedMutex
}

func NewReconciler(store TxStore, opts Options) *Reconciler {
	return &Reconciler{store: store, opts: opts.withDefaults(), locks: newKeyedMutex()}
}

// RegisterPayment records a payment and, when ChargeID is set, applies it to
// that charge. Overpayment is capped at the charge amount.
func (r *Reconciler) RegisterPayment(ctx context.Context, tenant TenantID, in PaymentInput) (PaymentID, error) {
	const op = "billing.RegisterPayment"

	in.RiderID = RiderID(strings.TrimSpace(string(in.RiderID)))
	in.ChargeID = ChargeID(strings.TrimSpace(string(in.ChargeID)))
	in.HorseID = HorseID(strings.TrimSpace(string(in.HorseID)))
	in.Amount = Money(in.Amount)

	if tenant == "" {
		return "", invalid("tenantId", "tenant is required")
	}
	if in.RiderID == "" {
		return "", invalid("riderId", "riderId is required")
	}
	if !in.Amount.IsPositive() {
		return "", invalid("amount", "payment amount must be greater than 0")
	}
	if !in.Period.IsZero() && !in.Period.Valid() {
		return "", invalid("period", "month must be between 1 and 12")
	}

	now := r.opts.Clock.Now()
	period := in.Period
	if period.IsZero() {
		period = PeriodOf(now, r.opts.Location)
	}
	method := strings.TrimSpace(in.Method)
	if method == "" {
		method = DefaultPaymentMethod
	}

	payment := Payment{
		ID:        PaymentID(r.opts.NewID()),
		RiderID:   in.RiderID,
		HorseID:   in.HorseID,
		ChargeID:  in.ChargeID,
		PeriodKey: period.Key(),
		Amount:    in.Amount,
		PaidAt:    now,
		Method:    method,
		Notes:     strings.TrimSpace(in.Notes),
	}

	log := r.opts.Logger.With(
		slog.String("op", op),
		slog.String("tenant", string(tenant)),
		slog.String("payment", string(payment.ID)),
	)

	if in.ChargeID != "" {
		unlock := r.locks.Lock(string(tenant) + "|" + string(in.ChargeID))
		defer unlock()
	}

	var alloc *Allocation
	err := r.store.WithTx(ctx, func(tx Store) error {
		var charge Charge
		if in.ChargeID != "" {
			c, err := tx.GetCharge(ctx, tenant, in.ChargeID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return &NotFoundError{Kind: "charge", ID: string(in.ChargeID)}
				}
				return fmt.Errorf("get charge: %w", err)
			}
			if c.Status == StatusVoid {
				return invalid("chargeId", "cannot pay a void charge")
			}
			charge = c
		}

		if err := tx.InsertPayment(ctx, tenant, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if in.ChargeID == "" {
			return nil
		}

		a := ApplyPayment(charge, payment.Amount)
		charge.PaidAmount = a.Paid
		charge.RemainingAmount = a.Remaining
		charge.Status = a.Status
		charge.UpdatedAt = now
		if err := tx.UpdateChargeBalance(ctx, tenant, charge); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return &ConcurrencyError{ChargeID: charge.ID}
			}
			return fmt.Errorf("update charge: %w", err)
		}
		alloc = &a
		return nil
	})
	if err != nil {
		if IsClientError(err) || IsNotFound(err) || IsRetryable(err) {
			return "", err
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	r.opts.Metrics.PaymentsRegistered.Inc()
	if alloc != nil && alloc.Excess.IsPositive() {
		excess, _ := alloc.Excess.Float64()
		r.opts.Metrics.OverpaymentAmount.Add(excess)
		log.Warn("overpayment absorbed",
			slog.String("charge", string(in.ChargeID)),
			slog.String("excess", alloc.Excess.StringFixed(MoneyPlaces)),
		)
	}
	log.Info("payment registered",
		slog.String("rider", string(payment.RiderID)),
		slog.String("amount", payment.Amount.StringFixed(MoneyPlaces)),
		slog.String("period", payment.PeriodKey),
	)
	return payment.ID, nil
}
