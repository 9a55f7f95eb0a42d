package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind tags a movement in the activity ledger.
type EntryKind string

const (
	EntryCharge  EntryKind = "CHARGE"
	EntryPayment EntryKind = "PAYMENT"
	EntryExpense EntryKind = "EXPENSE"
)

// ActivityEntry is one movement of a period. AmountSigned is negative for
// expenses only; charges are listed for reference and never move cash.
type ActivityEntry struct {
	Kind         EntryKind
	ID           string
	RiderID      RiderID
	Description  string
	Status       ChargeStatus // charges only
	Method       string       // payments and expenses
	AmountSigned decimal.Decimal
	At           time.Time
}

// Activity is the cash view of a period: what came in, what went out.
type Activity struct {
	Period   Period
	Entries  []ActivityEntry
	Income   decimal.Decimal
	Expenses decimal.Decimal
	Net      decimal.Decimal
}

// Activity builds the movements ledger for period. With a rider filter only
// that rider's charges and payments are listed and expenses are left out,
// since they belong to the center.
func (a *Aggregator) Activity(ctx context.Context, tenant TenantID, period Period, rider RiderID) (Activity, error) {
	now := a.opts.Clock.Now()
	out := Activity{Period: period, Entries: []ActivityEntry{}}

	charges, err := a.ChargesByPeriod(ctx, tenant, period)
	if err != nil {
		return Activity{}, fmt.Errorf("activity: %w", err)
	}
	payments, err := a.PaymentsByPeriod(ctx, tenant, period)
	if err != nil {
		return Activity{}, fmt.Errorf("activity: %w", err)
	}

	for _, c := range charges {
		if rider != "" && c.RiderID != rider {
			continue
		}
		at := c.IssuedAt
		if at.IsZero() {
			at = c.DueDate
		}
		out.Entries = append(out.Entries, ActivityEntry{
			Kind:         EntryCharge,
			ID:           string(c.ID),
			RiderID:      c.RiderID,
			Description:  c.Description,
			Status:       Classify(c, now),
			AmountSigned: c.Amount,
			At:           at,
		})
	}

	for _, p := range payments {
		if rider != "" && p.RiderID != rider {
			continue
		}
		out.Income = out.Income.Add(p.Amount)
		out.Entries = append(out.Entries, ActivityEntry{
			Kind:         EntryPayment,
			ID:           string(p.ID),
			RiderID:      p.RiderID,
			Description:  p.Notes,
			Method:       p.Method,
			AmountSigned: p.Amount,
			At:           p.PaidAt,
		})
	}

	if rider == "" {
		expenses, err := a.store.ListExpenses(ctx, tenant)
		if err != nil {
			return Activity{}, fmt.Errorf("activity: list expenses: %w", err)
		}
		key := period.Key()
		for _, e := range expenses {
			k, ok := ExpensePeriodKey(e, a.opts.Location)
			if !ok {
				a.excluded("expense", string(e.ID))
				continue
			}
			if k != key {
				continue
			}
			amount := e.Amount.Abs()
			out.Expenses = out.Expenses.Add(amount)
			out.Entries = append(out.Entries, ActivityEntry{
				Kind:         EntryExpense,
				ID:           string(e.ID),
				Description:  e.Category + ": " + e.Description,
				Method:       e.Method,
				AmountSigned: amount.Neg(),
				At:           e.Date,
			})
		}
	}

	sort.SliceStable(out.Entries, func(i, j int) bool {
		return out.Entries[i].At.After(out.Entries[j].At)
	})
	out.Net = out.Income.Sub(out.Expenses)
	return out, nil
}
