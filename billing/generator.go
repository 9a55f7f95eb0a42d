/*
generator.go - Expands the recurring service catalog into monthly charges

ALGORITHM:
  1. Load active services
  2. Load charges already billed for the period (ChargePeriodKey)
  3. For each service with a positive amount, dedupe on
     (service, rider, horse, period)
  4. Write every missing charge in one atomic batch

IDEMPOTENCY:
  Re-running for the same (tenant, period) only creates the charges that are
  still missing. That is what makes caller-side retries safe.

CONCURRENCY:
  In-process, generations of the same (tenant, period) are serialized.
  Across processes the store's uniqueness constraint rejects the losing
  batch with ErrDuplicateCharge; the generator then re-plans against the
  fresh charge set once before giving up.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// GenerateResult reports what one generation did.
type GenerateResult struct {
	Created int
	Skipped int
}

// Generator creates recurring charges for a period.
type Generator struct {
	store Store
	opts  Options
	locks *keyedMutex
}

func NewGenerator(store Store, opts Options) *Generator {
	return &Generator{store: store, opts: opts.withDefaults(), locks: newKeyedMutex()}
}

// maxGenerateAttempts bounds re-planning after a cross-process race.
const maxGenerateAttempts = 2

// Generate creates one charge per active service not yet billed for period.
func (g *Generator) Generate(ctx context.Context, tenant TenantID, period Period) (GenerateResult, error) {
	const op = "billing.Generate"
	log := g.opts.Logger.With(
		slog.String("op", op),
		slog.String("tenant", string(tenant)),
		slog.String("period", period.Key()),
	)

	if tenant == "" {
		return GenerateResult{}, invalid("tenantId", "tenant is required")
	}
	if !period.Valid() {
		return GenerateResult{}, invalid("period", "month must be between 1 and 12")
	}

	unlock := g.locks.Lock(string(tenant) + "|" + period.Key())
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		res, err := g.generateOnce(ctx, tenant, period)
		if err == nil {
			g.opts.Metrics.ChargesGenerated.Add(float64(res.Created))
			g.opts.Metrics.ChargesSkipped.Add(float64(res.Skipped))
			log.Info("charges generated", slog.Int("created", res.Created), slog.Int("skipped", res.Skipped))
			return res, nil
		}
		if !errors.Is(err, ErrDuplicateCharge) {
			return GenerateResult{}, fmt.Errorf("%s: %w", op, err)
		}
		log.Warn("concurrent generation detected, re-planning", slog.Int("attempt", attempt))
		lastErr = err
	}
	return GenerateResult{}, fmt.Errorf("%s: %w", op, lastErr)
}

func (g *Generator) generateOnce(ctx context.Context, tenant TenantID, period Period) (GenerateResult, error) {
	services, err := g.store.ListServices(ctx, tenant, true)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("list services: %w", err)
	}
	charges, err := g.store.ListCharges(ctx, tenant)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("list charges: %w", err)
	}

	periodKey := period.Key()
	existing := make(map[string]bool)
	for _, c := range charges {
		if key, ok := ChargePeriodKey(c, g.opts.Location); ok && key == periodKey {
			existing[DedupeKey(c.ServiceID, c.RiderID, c.HorseID, periodKey)] = true
		}
	}

	now := g.opts.Clock.Now()
	var (
		res   GenerateResult
		batch []Charge
	)
	for _, svc := range services {
		if !svc.Active {
			continue
		}
		// A charge is an amount owed; complimentary services bill nothing.
		if !Money(svc.Amount).IsPositive() {
			g.opts.Logger.Debug("zero-amount service not billed",
				slog.String("op", "billing.Generate"),
				slog.String("service", string(svc.ID)),
				slog.String("period", periodKey),
			)
			continue
		}
		key := DedupeKey(svc.ID, svc.RiderID, svc.HorseID, periodKey)
		if existing[key] {
			res.Skipped++
			continue
		}
		existing[key] = true

		dueDay := svc.DueDay
		if dueDay == 0 {
			dueDay = DefaultDueDay
		}
		amount := Money(svc.Amount)
		batch = append(batch, Charge{
			ID:              ChargeID(g.opts.NewID()),
			RiderID:         svc.RiderID,
			HorseID:         svc.HorseID,
			ServiceID:       svc.ID,
			PeriodKey:       periodKey,
			Description:     svc.Name,
			Amount:          amount,
			PaidAmount:      decimal.Zero,
			RemainingAmount: amount,
			Status:          StatusPending,
			DueDate:         period.DueDate(dueDay, g.opts.Location),
			IssuedAt:        now,
			UpdatedAt:       now,
		})
		res.Created++
	}

	if len(batch) > 0 {
		if err := g.store.InsertCharges(ctx, tenant, batch); err != nil {
			return GenerateResult{}, err
		}
	}
	return res, nil
}
