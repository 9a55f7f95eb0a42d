package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OneOffDueDay is the default due day of a one-off charge.
const OneOffDueDay = 10

// OneOffInput is an ad-hoc charge outside the recurring catalog
// (penalties, special services).
type OneOffInput struct {
	RiderID     RiderID
	Period      Period
	Description string
	Amount      decimal.Decimal
	HorseID     HorseID
	DueDate     time.Time // zero: the 10th of the period month
}

// Issuer creates one-off charges.
type Issuer struct {
	store Store
	opts  Options
}

func NewIssuer(store Store, opts Options) *Issuer {
	return &Issuer{store: store, opts: opts.withDefaults()}
}

// AddOneOffCharge creates a charge with no service id, so generator dedupe
// never matches it. Downstream it aggregates exactly like a recurring charge.
func (i *Issuer) AddOneOffCharge(ctx context.Context, tenant TenantID, in OneOffInput) (ChargeID, error) {
	const op = "billing.AddOneOffCharge"

	rider := RiderID(strings.TrimSpace(string(in.RiderID)))
	description := strings.TrimSpace(in.Description)
	amount := Money(in.Amount)

	if tenant == "" {
		return "", invalid("tenantId", "tenant is required")
	}
	if rider == "" {
		return "", invalid("riderId", "riderId is required")
	}
	if description == "" {
		return "", invalid("description", "charge description is required")
	}
	if !amount.IsPositive() {
		return "", invalid("amount", "charge amount must be greater than 0")
	}
	if !in.Period.Valid() {
		return "", invalid("period", "month must be between 1 and 12")
	}

	dueDate := in.DueDate
	if dueDate.IsZero() {
		dueDate = in.Period.DueDate(OneOffDueDay, i.opts.Location)
	}

	now := i.opts.Clock.Now()
	charge := Charge{
		ID:              ChargeID(i.opts.NewID()),
		RiderID:         rider,
		HorseID:         HorseID(strings.TrimSpace(string(in.HorseID))),
		PeriodKey:       in.Period.Key(),
		Description:     description,
		Amount:          amount,
		PaidAmount:      decimal.Zero,
		RemainingAmount: amount,
		Status:          StatusPending,
		DueDate:         dueDate,
		IssuedAt:        now,
		UpdatedAt:       now,
	}
	if err := i.store.InsertCharges(ctx, tenant, []Charge{charge}); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	i.opts.Logger.Info("one-off charge issued",
		slog.String("op", op),
		slog.String("tenant", string(tenant)),
		slog.String("charge", string(charge.ID)),
		slog.String("period", charge.PeriodKey),
	)
	return charge.ID, nil
}
