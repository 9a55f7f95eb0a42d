/*
aggregate.go - Derived, read-only billing views

PURPOSE:
  Computes the center-wide monthly summary series and the per-rider breakdown
  of one period. Nothing here writes and nothing is cached: every call reloads
  the collections and recomputes, so slightly stale reads are tolerated and
  there is no state to invalidate.

MONTHLY SUMMARY (per period bucket):
  billed      = sum of charge amounts
  pending     = sum of outstanding balances
  overdue     = sum of outstanding balances that classify as OVERDUE at now
  collected   = sum of payment amounts (payment period, not charge period)
  clientCount = distinct riders across the bucket's charges and payments

  Expenses are deliberately absent: this is the billing view. Cash net
  (payments minus expenses) lives in the activity ledger (activity.go).

CLIENT BREAKDOWN:
  The rider universe is the set of riders with an active horse stay. A rider
  with charges but no active stay is left out; a rider with a stay and no
  charges shows up as NO_CHARGES. Status precedence:
    overdue > 0            -> OVERDUE
    pending > 0 && paid > 0 -> PARTIAL
    pending > 0            -> PENDING
    billed > 0             -> PAID
    otherwise              -> NO_CHARGES

EXCLUSIONS:
  A record with no derivable period (see period.go) is skipped, never an
  error. Each skip is counted in billing_records_unperiodized_total.
*/
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/warp/stable-billing/logging"
)

// =============================================================================
// VIEW TYPES
// =============================================================================

type MonthlySummaryRow struct {
	PeriodKey   string
	PeriodLabel string
	Billed      decimal.Decimal
	Collected   decimal.Decimal
	Pending     decimal.Decimal
	Overdue     decimal.Decimal
	ClientCount int
}

type ClientStatus string

const (
	ClientPaid      ClientStatus = "PAID"
	ClientPending   ClientStatus = "PENDING"
	ClientPartial   ClientStatus = "PARTIAL"
	ClientOverdue   ClientStatus = "OVERDUE"
	ClientNoCharges ClientStatus = "NO_CHARGES"
)

type MonthlyClientBreakdownRow struct {
	RiderID      RiderID
	RiderLabel   string
	HorseIDs     []HorseID
	HorseCount   int
	MonthAmount  decimal.Decimal
	MonthPaid    decimal.Decimal
	MonthPending decimal.Decimal
	MonthOverdue decimal.Decimal
	GlobalStatus ClientStatus
	NextDueDate  *time.Time
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator computes the read-only views.
type Aggregator struct {
	store      Store
	membership Membership
	directory  Directory
	opts       Options
}

func NewAggregator(store Store, membership Membership, directory Directory, opts Options) *Aggregator {
	return &Aggregator{store: store, membership: membership, directory: directory, opts: opts.withDefaults()}
}

func (a *Aggregator) excluded(kind, id string) {
	a.opts.Metrics.Unperiodized.WithLabelValues(kind).Inc()
	a.opts.Logger.Debug("record has no derivable period, excluded from periodic views",
		slog.String("kind", kind),
		slog.String("id", id),
	)
}

type summaryBucket struct {
	billed, collected, pending, overdue decimal.Decimal
	riders                              map[RiderID]struct{}
}

// MonthlySummary returns one row per trailing month ending at the current
// month, newest first. Months without data are all-zero rows; the series has
// no gaps. months < 1 is treated as 1.
func (a *Aggregator) MonthlySummary(ctx context.Context, tenant TenantID, months int) ([]MonthlySummaryRow, error) {
	now := a.opts.Clock.Now()
	periods := CurrentPeriod(a.opts.Clock, a.opts.Location).Trailing(months)
	sort.Slice(periods, func(i, j int) bool { return periods[i].Compare(periods[j]) > 0 })

	buckets := make(map[string]*summaryBucket, len(periods))
	for _, p := range periods {
		buckets[p.Key()] = &summaryBucket{riders: make(map[RiderID]struct{})}
	}

	charges, err := a.store.ListCharges(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("monthly summary: list charges: %w", err)
	}
	payments, err := a.store.ListPayments(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("monthly summary: list payments: %w", err)
	}

	for _, c := range charges {
		key, ok := ChargePeriodKey(c, a.opts.Location)
		if !ok {
			a.excluded("charge", string(c.ID))
			continue
		}
		b, tracked := buckets[key]
		if !tracked || !countable(c) {
			continue
		}
		b.billed = b.billed.Add(c.Amount)
		b.pending = b.pending.Add(c.Outstanding())
		b.overdue = b.overdue.Add(OverdueAmount(c, now))
		if c.RiderID != "" {
			b.riders[c.RiderID] = struct{}{}
		}
	}

	for _, p := range payments {
		key, ok := PaymentPeriodKey(p, a.opts.Location)
		if !ok {
			a.excluded("payment", string(p.ID))
			continue
		}
		b, tracked := buckets[key]
		if !tracked {
			continue
		}
		b.collected = b.collected.Add(p.Amount)
		if p.RiderID != "" {
			b.riders[p.RiderID] = struct{}{}
		}
	}

	rows := make([]MonthlySummaryRow, 0, len(periods))
	for _, p := range periods {
		b := buckets[p.Key()]
		rows = append(rows, MonthlySummaryRow{
			PeriodKey:   p.Key(),
			PeriodLabel: p.Label(),
			Billed:      b.billed,
			Collected:   b.collected,
			Pending:     b.pending,
			Overdue:     b.overdue,
			ClientCount: len(b.riders),
		})
	}
	return rows, nil
}

// MonthlyClientBreakdown returns one row per rider with an active stay,
// sorted by rider label.
func (a *Aggregator) MonthlyClientBreakdown(ctx context.Context, tenant TenantID, period Period) ([]MonthlyClientBreakdownRow, error) {
	now := a.opts.Clock.Now()

	stays, err := a.membership.ActiveStays(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("client breakdown: active stays: %w", err)
	}
	charges, err := a.ChargesByPeriod(ctx, tenant, period)
	if err != nil {
		return nil, fmt.Errorf("client breakdown: %w", err)
	}
	labels := a.riderLabels(ctx, tenant)

	var riders []RiderID
	horses := make(map[RiderID][]HorseID)
	seenHorse := make(map[RiderID]map[HorseID]bool)
	for _, s := range stays {
		if !s.Active || s.RiderID == "" {
			continue
		}
		if _, ok := seenHorse[s.RiderID]; !ok {
			seenHorse[s.RiderID] = make(map[HorseID]bool)
			riders = append(riders, s.RiderID)
		}
		if s.HorseID != "" && !seenHorse[s.RiderID][s.HorseID] {
			seenHorse[s.RiderID][s.HorseID] = true
			horses[s.RiderID] = append(horses[s.RiderID], s.HorseID)
		}
	}

	byRider := make(map[RiderID][]Charge)
	for _, c := range charges {
		if _, member := seenHorse[c.RiderID]; !member || !countable(c) {
			continue
		}
		byRider[c.RiderID] = append(byRider[c.RiderID], c)
	}

	rows := make([]MonthlyClientBreakdownRow, 0, len(riders))
	for _, rider := range riders {
		row := MonthlyClientBreakdownRow{
			RiderID:    rider,
			RiderLabel: string(rider),
			HorseIDs:   horses[rider],
			HorseCount: len(horses[rider]),
		}
		if label, ok := labels[rider]; ok && label != "" {
			row.RiderLabel = label
		}
		if row.HorseIDs == nil {
			row.HorseIDs = []HorseID{}
		}

		for _, c := range byRider[rider] {
			outstanding := c.Outstanding()
			row.MonthAmount = row.MonthAmount.Add(c.Amount)
			row.MonthPending = row.MonthPending.Add(outstanding)
			row.MonthOverdue = row.MonthOverdue.Add(OverdueAmount(c, now))
			if outstanding.IsPositive() && !c.DueDate.IsZero() {
				if row.NextDueDate == nil || c.DueDate.Before(*row.NextDueDate) {
					due := c.DueDate
					row.NextDueDate = &due
				}
			}
		}
		row.MonthPaid = maxZero(row.MonthAmount.Sub(row.MonthPending))
		row.GlobalStatus = clientStatus(row)
		rows = append(rows, row)
	}

	col := collate.New(language.Spanish, collate.IgnoreCase)
	sort.SliceStable(rows, func(i, j int) bool {
		return col.CompareString(rows[i].RiderLabel, rows[j].RiderLabel) < 0
	})
	return rows, nil
}

func clientStatus(row MonthlyClientBreakdownRow) ClientStatus {
	switch {
	case row.MonthOverdue.IsPositive():
		return ClientOverdue
	case row.MonthPending.IsPositive() && row.MonthPaid.IsPositive():
		return ClientPartial
	case row.MonthPending.IsPositive():
		return ClientPending
	case row.MonthAmount.IsPositive():
		return ClientPaid
	default:
		return ClientNoCharges
	}
}

// riderLabels degrades to an empty map (raw ids) when the directory is
// missing or failing; labels are presentation only.
func (a *Aggregator) riderLabels(ctx context.Context, tenant TenantID) map[RiderID]string {
	if a.directory == nil {
		return map[RiderID]string{}
	}
	labels, err := a.directory.RiderLabels(ctx, tenant)
	if err != nil {
		a.opts.Logger.Warn("rider directory unavailable, showing raw ids",
			slog.String("tenant", string(tenant)),
			logging.Err(err),
		)
		return map[RiderID]string{}
	}
	return labels
}

// =============================================================================
// PERIOD-FILTERED READS
// =============================================================================

// ChargesByPeriod returns the charges whose derived period is period.
func (a *Aggregator) ChargesByPeriod(ctx context.Context, tenant TenantID, period Period) ([]Charge, error) {
	all, err := a.store.ListCharges(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	key := period.Key()
	var out []Charge
	for _, c := range all {
		k, ok := ChargePeriodKey(c, a.opts.Location)
		if !ok {
			a.excluded("charge", string(c.ID))
			continue
		}
		if k == key {
			out = append(out, c)
		}
	}
	return out, nil
}

// PaymentsByPeriod returns the payments whose derived period is period.
func (a *Aggregator) PaymentsByPeriod(ctx context.Context, tenant TenantID, period Period) ([]Payment, error) {
	all, err := a.store.ListPayments(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	key := period.Key()
	var out []Payment
	for _, p := range all {
		k, ok := PaymentPeriodKey(p, a.opts.Location)
		if !ok {
			a.excluded("payment", string(p.ID))
			continue
		}
		if k == key {
			out = append(out, p)
		}
	}
	return out, nil
}

// ClientCharges returns a rider's charges, optionally limited to one period,
// ordered by due date (undated first).
func (a *Aggregator) ClientCharges(ctx context.Context, tenant TenantID, rider RiderID, period *Period) ([]Charge, error) {
	var (
		rows []Charge
		err  error
	)
	if period != nil {
		rows, err = a.ChargesByPeriod(ctx, tenant, *period)
	} else {
		rows, err = a.store.ListCharges(ctx, tenant)
	}
	if err != nil {
		return nil, err
	}
	var out []Charge
	for _, c := range rows {
		if c.RiderID == rider {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

// ClientPayments returns a rider's payments, optionally limited to one
// period, newest first.
func (a *Aggregator) ClientPayments(ctx context.Context, tenant TenantID, rider RiderID, period *Period) ([]Payment, error) {
	var (
		rows []Payment
		err  error
	)
	if period != nil {
		rows, err = a.PaymentsByPeriod(ctx, tenant, *period)
	} else {
		rows, err = a.store.ListPayments(ctx, tenant)
	}
	if err != nil {
		return nil, err
	}
	var out []Payment
	for _, p := range rows {
		if p.RiderID == rider {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	return out, nil
}
