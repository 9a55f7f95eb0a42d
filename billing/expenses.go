package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExpenseInput creates or edits an operating expense.
type ExpenseInput struct {
	Category    string
	Description string
	Amount      decimal.Decimal
	Date        time.Time // zero: now
	Method      string
	Notes       string
}

// ExpenseBook manages operating expenses. Expenses are independent of
// riders, charges and payments; they only show up in the activity ledger.
type ExpenseBook struct {
	store Store
	opts  Options
}

func NewExpenseBook(store Store, opts Options) *ExpenseBook {
	return &ExpenseBook{store: store, opts: opts.withDefaults()}
}

func (b *ExpenseBook) build(in ExpenseInput) (Expense, error) {
	e := Expense{
		Category:    strings.TrimSpace(in.Category),
		Description: strings.TrimSpace(in.Description),
		Amount:      Money(in.Amount),
		Date:        in.Date,
		Method:      strings.TrimSpace(in.Method),
		Notes:       strings.TrimSpace(in.Notes),
	}
	if e.Category == "" {
		return e, invalid("category", "expense category is required")
	}
	if e.Description == "" {
		return e, invalid("description", "expense description is required")
	}
	if !e.Amount.IsPositive() {
		return e, invalid("amount", "expense amount must be greater than 0")
	}
	if e.Date.IsZero() {
		e.Date = b.opts.Clock.Now()
	}
	return e, nil
}

func (b *ExpenseBook) Create(ctx context.Context, tenant TenantID, in ExpenseInput) (Expense, error) {
	e, err := b.build(in)
	if err != nil {
		return Expense{}, err
	}
	e.ID = ExpenseID(b.opts.NewID())
	e.CreatedAt = b.opts.Clock.Now()
	if err := b.store.InsertExpense(ctx, tenant, e); err != nil {
		return Expense{}, fmt.Errorf("insert expense: %w", err)
	}
	return e, nil
}

func (b *ExpenseBook) Update(ctx context.Context, tenant TenantID, id ExpenseID, in ExpenseInput) (Expense, error) {
	existing, err := b.Get(ctx, tenant, id)
	if err != nil {
		return Expense{}, err
	}
	e, err := b.build(in)
	if err != nil {
		return Expense{}, err
	}
	e.ID = existing.ID
	e.CreatedAt = existing.CreatedAt
	if err := b.store.UpdateExpense(ctx, tenant, e); err != nil {
		return Expense{}, fmt.Errorf("update expense: %w", err)
	}
	return e, nil
}

func (b *ExpenseBook) Delete(ctx context.Context, tenant TenantID, id ExpenseID) error {
	if _, err := b.Get(ctx, tenant, id); err != nil {
		return err
	}
	if err := b.store.DeleteExpense(ctx, tenant, id); err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	return nil
}

func (b *ExpenseBook) Get(ctx context.Context, tenant TenantID, id ExpenseID) (Expense, error) {
	e, err := b.store.GetExpense(ctx, tenant, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Expense{}, &NotFoundError{Kind: "expense", ID: string(id)}
		}
		return Expense{}, err
	}
	return e, nil
}

// ListByPeriod returns the expenses dated inside period, newest first.
func (b *ExpenseBook) ListByPeriod(ctx context.Context, tenant TenantID, period Period) ([]Expense, error) {
	all, err := b.store.ListExpenses(ctx, tenant)
	if err != nil {
		return nil, err
	}
	key := period.Key()
	var out []Expense
	for _, e := range all {
		if k, ok := ExpensePeriodKey(e, b.opts.Location); ok && k == key {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
