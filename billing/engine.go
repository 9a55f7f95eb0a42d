package billing

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// OPTIONS - Shared runtime dependencies of every component
// =============================================================================

// Options carries the ambient dependencies. Zero fields get defaults:
// system clock, local time zone, a discarding logger, unregistered metrics
// and random UUIDs.
type Options struct {
	Clock    Clock
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *Metrics
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// =============================================================================
// ENGINE - The public contract
// =============================================================================

// Engine bundles the billing components over one store. Its five methods
// (Generate, RegisterPayment, AddOneOffCharge, MonthlySummary,
// MonthlyClientBreakdown) are the whole engine contract; the components are
// exported for the supporting views (catalog, expenses, activity ledger).
type Engine struct {
	Catalog    *Catalog
	Generator  *Generator
	Reconciler *Reconciler
	Issuer     *Issuer
	Aggregator *Aggregator
	Expenses   *ExpenseBook

	opts Options
}

// NewEngine wires every component to store and the collaborators.
// directory may be nil; breakdown rows then show raw rider ids.
func NewEngine(store TxStore, membership Membership, directory Directory, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		Catalog:    NewCatalog(store, opts),
		Generator:  NewGenerator(store, opts),
		Reconciler: NewReconciler(store, opts),
		Issuer:     NewIssuer(store, opts),
		Aggregator: NewAggregator(store, membership, directory, opts),
		Expenses:   NewExpenseBook(store, opts),
		opts:       opts,
	}
}

// Now returns the engine clock's current instant.
func (e *Engine) Now() time.Time { return e.opts.Clock.Now() }

// Location is the time zone periods are evaluated in.
func (e *Engine) Location() *time.Location { return e.opts.Location }

// CurrentPeriod is the period containing the engine clock's now.
func (e *Engine) CurrentPeriod() Period { return CurrentPeriod(e.opts.Clock, e.opts.Location) }

// PeriodFromKey parses a caller-supplied key, silently correcting malformed
// input to the current period. The correction is logged and counted.
func (e *Engine) PeriodFromKey(key string) Period {
	p, corrected := PeriodFromKey(key, e.opts.Clock.Now(), e.opts.Location)
	if corrected {
		e.opts.Metrics.PeriodCorrections.Inc()
		e.opts.Logger.Warn("malformed period key replaced by current period",
			slog.String("key", key),
			slog.String("period", p.Key()),
		)
	}
	return p
}

func (e *Engine) Generate(ctx context.Context, tenant TenantID, period Period) (GenerateResult, error) {
	return e.Generator.Generate(ctx, tenant, period)
}

func (e *Engine) RegisterPayment(ctx context.Context, tenant TenantID, in PaymentInput) (PaymentID, error) {
	return e.Reconciler.RegisterPayment(ctx, tenant, in)
}

func (e *Engine) AddOneOffCharge(ctx context.Context, tenant TenantID, in OneOffInput) (ChargeID, error) {
	return e.Issuer.AddOneOffCharge(ctx, tenant, in)
}

func (e *Engine) MonthlySummary(ctx context.Context, tenant TenantID, months int) ([]MonthlySummaryRow, error) {
	return e.Aggregator.MonthlySummary(ctx, tenant, months)
}

func (e *Engine) MonthlyClientBreakdown(ctx context.Context, tenant TenantID, period Period) ([]MonthlyClientBreakdownRow, error) {
	return e.Aggregator.MonthlyClientBreakdown(ctx, tenant, period)
}
