/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate one center with realistic
	billing data. Each scenario creates members, horse stays, a service
	catalog, generated charges, payments and expenses that demonstrate
	specific features.

AVAILABLE SCENARIOS:

	single-boarder:  One rider, one horse, board charged this month
	full-center:     Several riders, three months of history, partial
	                 payments, a one-off penalty and operating expenses
	overdue-followup: Last month's charges left unpaid, shown as OVERDUE

HOW SCENARIOS WORK:
 0. Only demo centers ("demo" or "demo-*") can be loaded; real centers
    are refused with 403 before anything is touched
 1. Reset the center (clear its data only)
 2. Create members and horse stays
 3. Import the service catalog via the factory
 4. Generate charges for the scenario periods
 5. Register payments and expenses

Periods are relative to the engine clock, so scenarios look the same
whenever they are loaded.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "full-center", "center_id": "demo"}

NOTE:

	Scenarios reset the center. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - factory/catalog.go: Catalog JSON presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/stable-billing/billing"
	"github.com/warp/stable-billing/factory"
	"github.com/warp/stable-billing/store/sqlite"
)

// DefaultScenarioCenter is used when a load request names no center.
const DefaultScenarioCenter = "demo"

// DemoCenterPrefix marks the other centers scenarios may reset.
const DemoCenterPrefix = "demo-"

// IsDemoCenter reports whether scenarios may reset center.
func IsDemoCenter(center billing.TenantID) bool {
	return center == DefaultScenarioCenter || strings.HasPrefix(string(center), DemoCenterPrefix)
}

func (h *Handler) scenarioLoader(id string) (func(context.Context, billing.TenantID) error, bool) {
	switch id {
	case "single-boarder":
		return h.loadSingleBoarder, true
	case "full-center":
		return h.loadFullCenter, true
	case "overdue-followup":
		return h.loadOverdueFollowup, true
	}
	return nil, false
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-boarder",
		Name:        "Single Boarder",
		Description: "One rider boarding one horse, this month's board pending",
	},
	{
		ID:          "full-center",
		Name:        "Full Center",
		Description: "Three months of billing: partial payments, a penalty, expenses",
	},
	{
		ID:          "overdue-followup",
		Name:        "Overdue Follow-up",
		Description: "Last month's charges unpaid and overdue, this month partly paid",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets a demo center and loads a scenario into it.
// The scenario id and the center are checked before anything is reset.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	center := billing.TenantID(req.CenterID)
	if center == "" {
		center = DefaultScenarioCenter
	}

	load, ok := h.scenarioLoader(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if !IsDemoCenter(center) {
		writeError(w, http.StatusForbidden, "Scenarios only load into demo centers",
			fmt.Errorf("center %q is not %q or prefixed %q", center, DefaultScenarioCenter, DemoCenterPrefix))
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx, center); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset center", err)
		return
	}
	if err := load(ctx, center); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"scenario":  req.ScenarioID,
		"center_id": string(center),
	})
}

// =============================================================================
// SCENARIO BUILDING BLOCKS
// =============================================================================

type demoRider struct {
	id     billing.RiderID
	name   string
	email  string
	horses []billing.HorseID
	active bool
}

func (h *Handler) addRiders(ctx context.Context, center billing.TenantID, riders []demoRider) error {
	for _, rd := range riders {
		if err := h.Store.SaveMember(ctx, center, sqlite.Member{
			RiderID:     rd.id,
			DisplayName: rd.name,
			Email:       rd.email,
		}); err != nil {
			return fmt.Errorf("save member %s: %w", rd.id, err)
		}
		for _, horse := range rd.horses {
			if err := h.Store.SaveStay(ctx, center, billing.Stay{
				RiderID: rd.id,
				HorseID: horse,
				Active:  rd.active,
			}); err != nil {
				return fmt.Errorf("save stay %s/%s: %w", rd.id, horse, err)
			}
		}
	}
	return nil
}

func (h *Handler) importCatalog(ctx context.Context, center billing.TenantID, catalogJSON string) error {
	inputs, err := h.CatalogFactory.ParseCatalog(catalogJSON)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if _, err := h.Engine.Catalog.AddService(ctx, center, in); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) generate(ctx context.Context, center billing.TenantID, periods ...billing.Period) error {
	for _, p := range periods {
		if _, err := h.Engine.Generate(ctx, center, p); err != nil {
			return fmt.Errorf("generate %s: %w", p, err)
		}
	}
	return nil
}

// payCharges pays amount against every charge of rider in period.
// A zero amount pays each charge in full.
func (h *Handler) payCharges(ctx context.Context, center billing.TenantID, rider billing.RiderID, period billing.Period, amount decimal.Decimal, method string) error {
	charges, err := h.Engine.Aggregator.ClientCharges(ctx, center, rider, &period)
	if err != nil {
		return err
	}
	for _, c := range charges {
		pay := amount
		if pay.IsZero() {
			pay = c.Outstanding()
		}
		if !pay.IsPositive() {
			continue
		}
		if _, err := h.Engine.RegisterPayment(ctx, center, billing.PaymentInput{
			RiderID:  rider,
			Amount:   pay,
			Period:   period,
			HorseID:  c.HorseID,
			ChargeID: c.ID,
			Method:   method,
		}); err != nil {
			return fmt.Errorf("pay %s: %w", c.ID, err)
		}
	}
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// SCENARIO: Single Boarder
// =============================================================================

func (h *Handler) loadSingleBoarder(ctx context.Context, center billing.TenantID) error {
	if err := h.addRiders(ctx, center, []demoRider{
		{id: "rider-ana", name: "Ana García", email: "ana@example.com", horses: []billing.HorseID{"horse-luna"}, active: true},
	}); err != nil {
		return err
	}
	if err := h.importCatalog(ctx, center,
		factory.BoardingCatalogJSON("rider-ana", "horse-luna", dec("150"), decimal.Zero, 10)); err != nil {
		return err
	}
	return h.generate(ctx, center, h.Engine.CurrentPeriod())
}

// =============================================================================
// SCENARIO: Full Center
// =============================================================================

func (h *Handler) loadFullCenter(ctx context.Context, center billing.TenantID) error {
	current := h.Engine.CurrentPeriod()
	prev := current.Prev()
	prev2 := prev.Prev()

	if err := h.addRiders(ctx, center, []demoRider{
		{id: "rider-ana", name: "Ana García", email: "ana@example.com", horses: []billing.HorseID{"horse-luna"}, active: true},
		{id: "rider-bruno", name: "Bruno Díaz", email: "bruno@example.com", horses: []billing.HorseID{"horse-trueno", "horse-canela"}, active: true},
		{id: "rider-elena", email: "elena@example.com", horses: []billing.HorseID{"horse-sol"}, active: true},
		{id: "rider-oscar", name: "Óscar Ruiz", horses: []billing.HorseID{"horse-nube"}, active: true},
		{id: "rider-marta", name: "Marta León", horses: []billing.HorseID{"horse-brisa"}, active: false},
	}); err != nil {
		return err
	}

	catalogs := []string{
		factory.BoardingCatalogJSON("rider-ana", "horse-luna", dec("450"), dec("120"), 5),
		factory.BoardingCatalogJSON("rider-bruno", "horse-trueno", dec("450"), decimal.Zero, 10),
		factory.BoardingCatalogJSON("rider-bruno", "horse-canela", dec("380"), dec("90"), 10),
		factory.BoardingCatalogJSON("rider-elena", "horse-sol", dec("420"), decimal.Zero, 15),
	}
	for _, c := range catalogs {
		if err := h.importCatalog(ctx, center, c); err != nil {
			return err
		}
	}

	if err := h.generate(ctx, center, prev2, prev, current); err != nil {
		return err
	}

	// Two months ago: everyone paid in full
	for _, rider := range []billing.RiderID{"rider-ana", "rider-bruno", "rider-elena"} {
		if err := h.payCharges(ctx, center, rider, prev2, decimal.Zero, "transferencia"); err != nil {
			return err
		}
	}
	// Last month: Ana paid, Bruno partially, Elena nothing
	if err := h.payCharges(ctx, center, "rider-ana", prev, decimal.Zero, "tarjeta"); err != nil {
		return err
	}
	if err := h.payCharges(ctx, center, "rider-bruno", prev, dec("200"), "efectivo"); err != nil {
		return err
	}
	// This month: Ana paid the board only
	charges, err := h.Engine.Aggregator.ClientCharges(ctx, center, "rider-ana", &current)
	if err != nil {
		return err
	}
	for _, c := range charges {
		if c.Description == "Pupilaje" {
			if _, err := h.Engine.RegisterPayment(ctx, center, billing.PaymentInput{
				RiderID:  "rider-ana",
				Amount:   c.Amount,
				Period:   current,
				HorseID:  c.HorseID,
				ChargeID: c.ID,
				Method:   "transferencia",
			}); err != nil {
				return err
			}
		}
	}

	if _, err := h.Engine.AddOneOffCharge(ctx, center, billing.OneOffInput{
		RiderID:     "rider-elena",
		Period:      current,
		Description: "Recargo por retraso",
		Amount:      dec("25"),
		HorseID:     "horse-sol",
	}); err != nil {
		return err
	}

	expenses := []billing.ExpenseInput{
		{Category: "Alimentación", Description: "Heno (2 toneladas)", Amount: dec("640"), Date: prev.DueDate(3, h.Engine.Location()), Method: "transferencia"},
		{Category: "Veterinario", Description: "Vacunación anual", Amount: dec("310"), Date: prev.DueDate(18, h.Engine.Location())},
		{Category: "Alimentación", Description: "Pienso", Amount: dec("275.50"), Date: current.DueDate(2, h.Engine.Location()), Method: "tarjeta"},
		{Category: "Herrador", Description: "Herrajes", Amount: dec("180"), Date: current.DueDate(6, h.Engine.Location())},
	}
	for _, e := range expenses {
		if _, err := h.Engine.Expenses.Create(ctx, center, e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO: Overdue Follow-up
// =============================================================================

func (h *Handler) loadOverdueFollowup(ctx context.Context, center billing.TenantID) error {
	current := h.Engine.CurrentPeriod()
	prev := current.Prev()

	if err := h.addRiders(ctx, center, []demoRider{
		{id: "rider-ana", name: "Ana García", horses: []billing.HorseID{"horse-luna"}, active: true},
		{id: "rider-bruno", name: "Bruno Díaz", horses: []billing.HorseID{"horse-trueno"}, active: true},
	}); err != nil {
		return err
	}
	if err := h.importCatalog(ctx, center,
		factory.BoardingCatalogJSON("rider-ana", "horse-luna", dec("150"), decimal.Zero, 10)); err != nil {
		return err
	}
	if err := h.importCatalog(ctx, center,
		factory.BoardingCatalogJSON("rider-bruno", "horse-trueno", dec("300"), dec("100"), 1)); err != nil {
		return err
	}
	if err := h.generate(ctx, center, prev, current); err != nil {
		return err
	}

	// Previous month left unpaid; this month partial payments only
	if err := h.payCharges(ctx, center, "rider-ana", current, dec("100"), ""); err != nil {
		return err
	}
	return h.payCharges(ctx, center, "rider-bruno", current, dec("50"), "efectivo")
}
