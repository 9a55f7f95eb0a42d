package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ServiceInput describes a recurring service to create or edit.
type ServiceInput struct {
	RiderID RiderID
	HorseID HorseID
	Name    string
	Amount  decimal.Decimal
	DueDay  int
	Active  *bool // nil means active
}

// Catalog manages the recurring services billed every month.
type Catalog struct {
	store TxStore
	opts  Options
}

func NewCatalog(store TxStore, opts Options) *Catalog {
	return &Catalog{store: store, opts: opts.withDefaults()}
}

func (c *Catalog) validate(in ServiceInput) (RecurringService, error) {
	svc := RecurringService{
		RiderID: RiderID(strings.TrimSpace(string(in.RiderID))),
		HorseID: HorseID(strings.TrimSpace(string(in.HorseID))),
		Name:    strings.TrimSpace(in.Name),
		Amount:  Money(in.Amount),
		DueDay:  in.DueDay,
		Active:  in.Active == nil || *in.Active,
	}
	if svc.RiderID == "" {
		return svc, invalid("riderId", "riderId is required")
	}
	if svc.Name == "" {
		return svc, invalid("name", "service name is required")
	}
	if svc.Amount.IsNegative() {
		return svc, invalid("amount", "service amount cannot be negative")
	}
	if svc.DueDay == 0 {
		svc.DueDay = DefaultDueDay
	}
	if svc.DueDay < 1 || svc.DueDay > MaxDueDay {
		return svc, invalid("dueDay", fmt.Sprintf("due day must be between 1 and %d", MaxDueDay))
	}
	return svc, nil
}

// AddService creates an active recurring service.
func (c *Catalog) AddService(ctx context.Context, tenant TenantID, in ServiceInput) (RecurringService, error) {
	svc, err := c.validate(in)
	if err != nil {
		return RecurringService{}, err
	}
	svc.ID = ServiceID(c.opts.NewID())
	svc.CreatedAt = c.opts.Clock.Now()
	if err := c.store.InsertService(ctx, tenant, svc); err != nil {
		return RecurringService{}, fmt.Errorf("insert service: %w", err)
	}
	return svc, nil
}

// Import creates every service of a catalog or none of them. All inputs are
// validated before the first write.
func (c *Catalog) Import(ctx context.Context, tenant TenantID, inputs []ServiceInput) ([]RecurringService, error) {
	if len(inputs) == 0 {
		return nil, invalid("services", "catalog has no services")
	}
	now := c.opts.Clock.Now()
	services := make([]RecurringService, 0, len(inputs))
	for i, in := range inputs {
		svc, err := c.validate(in)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		svc.ID = ServiceID(c.opts.NewID())
		svc.CreatedAt = now
		services = append(services, svc)
	}

	err := c.store.WithTx(ctx, func(tx Store) error {
		for _, svc := range services {
			if err := tx.InsertService(ctx, tenant, svc); err != nil {
				return fmt.Errorf("insert service %s: %w", svc.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return services, nil
}

// UpdateService edits an existing service in place.
func (c *Catalog) UpdateService(ctx context.Context, tenant TenantID, id ServiceID, in ServiceInput) (RecurringService, error) {
	existing, err := c.get(ctx, tenant, id)
	if err != nil {
		return RecurringService{}, err
	}
	svc, err := c.validate(in)
	if err != nil {
		return RecurringService{}, err
	}
	svc.ID = existing.ID
	svc.CreatedAt = existing.CreatedAt
	if err := c.store.UpdateService(ctx, tenant, svc); err != nil {
		return RecurringService{}, fmt.Errorf("update service: %w", err)
	}
	return svc, nil
}

// Deactivate stops future billing of a service. Services are never deleted.
func (c *Catalog) Deactivate(ctx context.Context, tenant TenantID, id ServiceID) error {
	svc, err := c.get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !svc.Active {
		return nil
	}
	svc.Active = false
	if err := c.store.UpdateService(ctx, tenant, svc); err != nil {
		return fmt.Errorf("deactivate service: %w", err)
	}
	return nil
}

// ListActive returns every active service of the tenant.
func (c *Catalog) ListActive(ctx context.Context, tenant TenantID) ([]RecurringService, error) {
	return c.store.ListServices(ctx, tenant, true)
}

// ListRiderServices returns the active services of one rider sorted by name.
func (c *Catalog) ListRiderServices(ctx context.Context, tenant TenantID, rider RiderID) ([]RecurringService, error) {
	all, err := c.store.ListServices(ctx, tenant, true)
	if err != nil {
		return nil, err
	}
	var out []RecurringService
	for _, svc := range all {
		if svc.RiderID == rider {
			out = append(out, svc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) get(ctx context.Context, tenant TenantID, id ServiceID) (RecurringService, error) {
	svc, err := c.store.GetService(ctx, tenant, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RecurringService{}, &NotFoundError{Kind: "service", ID: string(id)}
		}
		return RecurringService{}, err
	}
	return svc, nil
}
