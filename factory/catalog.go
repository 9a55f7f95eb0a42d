/*
Package factory provides JSON to Go service catalog conversion.

PURPOSE:
  Converts JSON service catalogs into billing.ServiceInput values. Centers
  keep their monthly price list (board, training, farrier...) in JSON and
  load it in bulk instead of typing every line item in the admin UI.

JSON SCHEMA:
  {
    "services": [
      {
        "rider_id": "rider-ana",
        "horse_id": "horse-luna",
        "name": "Pupilaje box exterior",
        "amount": "450.00",
        "due_day": 5
      },
      {
        "rider_id": "rider-ana",
        "name": "Clases (4/mes)",
        "amount": 120,
        "active": false
      }
    ]
  }

  amount accepts a JSON number or a decimal string.
  due_day defaults to 10 when omitted; active defaults to true.

USAGE:
  f := factory.NewCatalogFactory()
  inputs, err := f.ParseCatalog(jsonString)
  for _, in := range inputs {
      engine.Catalog.AddService(ctx, tenant, in)
  }

SEE ALSO:
  - billing/catalog.go: Validation and persistence of services
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/stable-billing/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a service catalog.
type CatalogJSON struct {
	Services []ServiceJSON `json:"services"`
}

// ServiceJSON is the JSON representation of one recurring service.
type ServiceJSON struct {
	RiderID string          `json:"rider_id"`
	HorseID string          `json:"horse_id,omitempty"`
	Name    string          `json:"name"`
	Amount  decimal.Decimal `json:"amount"`
	DueDay  int             `json:"due_day,omitempty"` // 1-28, default 10
	Active  *bool           `json:"active,omitempty"`  // default true
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to service inputs.
type CatalogFactory struct{}

// NewCatalogFactory creates a new catalog factory.
func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseCatalog parses a JSON catalog. Every entry is checked up front so a
// bad line rejects the whole file instead of half-importing it.
func (f *CatalogFactory) ParseCatalog(jsonStr string) ([]billing.ServiceInput, error) {
	var cj CatalogJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	if len(cj.Services) == 0 {
		return nil, errors.New("catalog has no services")
	}

	inputs := make([]billing.ServiceInput, 0, len(cj.Services))
	for i, sj := range cj.Services {
		in, err := f.FromJSON(sj)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// FromJSON converts one ServiceJSON to a billing.ServiceInput.
func (f *CatalogFactory) FromJSON(sj ServiceJSON) (billing.ServiceInput, error) {
	in := billing.ServiceInput{
		RiderID: billing.RiderID(strings.TrimSpace(sj.RiderID)),
		HorseID: billing.HorseID(strings.TrimSpace(sj.HorseID)),
		Name:    strings.TrimSpace(sj.Name),
		Amount:  billing.Money(sj.Amount),
		DueDay:  sj.DueDay,
		Active:  sj.Active,
	}

	if in.RiderID == "" {
		return in, errors.New("rider_id is required")
	}
	if in.Name == "" {
		return in, errors.New("name is required")
	}
	if in.Amount.IsNegative() {
		return in, fmt.Errorf("amount cannot be negative: %s", in.Amount)
	}
	if in.DueDay < 0 || in.DueDay > billing.MaxDueDay {
		return in, fmt.Errorf("due_day must be between 1 and %d, got %d", billing.MaxDueDay, in.DueDay)
	}
	return in, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// BoardingCatalogJSON is the usual line-up for a boarded horse: monthly
// board plus optional training, both due on dueDay.
func BoardingCatalogJSON(rider billing.RiderID, horse billing.HorseID, board, training decimal.Decimal, dueDay int) string {
	services := []ServiceJSON{{
		RiderID: string(rider),
		HorseID: string(horse),
		Name:    "Pupilaje",
		Amount:  board,
		DueDay:  dueDay,
	}}
	if training.IsPositive() {
		services = append(services, ServiceJSON{
			RiderID: string(rider),
			HorseID: string(horse),
			Name:    "Entrenamiento",
			Amount:  training,
			DueDay:  dueDay,
		})
	}
	b, _ := json.Marshal(CatalogJSON{Services: services})
	return string(b)
}
