/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Charge generation and payment flow end to end
- Error mapping (400 validation, 404 not found)
- Catalog import, services and expenses CRUD
- Scenario loading
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stable-billing/billing"
	"github.com/warp/stable-billing/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const center = "center-1"

type testAPI struct {
	router *chi.Mux
	store  *sqlite.Store
}

func newTestAPI(t *testing.T, now time.Time) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := prometheus.NewRegistry()
	engine := billing.NewEngine(store, store, store, billing.Options{
		Clock:    billing.FixedClock{At: now},
		Location: time.UTC,
		Metrics:  billing.NewMetrics(registry),
	})
	h := NewHandler(engine, store, nil, 12)
	return &testAPI{
		router: NewRouter(h, RouterOptions{Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}),
		store:  store,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	switch b := body.(type) {
	case nil:
		req = httptest.NewRequest(method, path, nil)
	case string:
		req = httptest.NewRequest(method, path, strings.NewReader(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func centerPath(suffix string) string { return "/api/centers/" + center + suffix }

func (a *testAPI) boarder(t *testing.T, rider, horse, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.store.SaveStay(ctx, center, billing.Stay{RiderID: billing.RiderID(rider), HorseID: billing.HorseID(horse), Active: true}))
	require.NoError(t, a.store.SaveMember(ctx, center, sqlite.Member{RiderID: billing.RiderID(rider), DisplayName: name}))
}

func (a *testAPI) createService(t *testing.T, rider, horse, name string, amount float64, dueDay int) ServiceDTO {
	t.Helper()
	rec := a.do(t, http.MethodPost, centerPath("/services"), map[string]any{
		"rider_id": rider,
		"horse_id": horse,
		"name":     name,
		"amount":   amount,
		"due_day":  dueDay,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ServiceDTO](t, rec)
}

// =============================================================================
// CHARGES AND PAYMENTS
// =============================================================================

func TestBillingFlow(t *testing.T) {
	// GIVEN: one boarder with a 150 board service due on the 10th
	api := newTestAPI(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	api.boarder(t, "r1", "h1", "Ana")
	api.createService(t, "r1", "h1", "Pupilaje", 150, 10)

	// WHEN: March is generated twice
	rec := api.do(t, http.MethodPost, centerPath("/charges/generate"), map[string]string{"period": "2024-03"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, GenerateResponse{Period: "2024-03", Created: 1, Skipped: 0}, decodeBody[GenerateResponse](t, rec))

	rec = api.do(t, http.MethodPost, centerPath("/charges/generate"), map[string]string{"period": "2024-03"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, GenerateResponse{Period: "2024-03", Created: 0, Skipped: 1}, decodeBody[GenerateResponse](t, rec))

	// THEN: a single pending charge exists
	rec = api.do(t, http.MethodGet, centerPath("/charges?period=2024-03"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	charges := decodeBody[[]ChargeDTO](t, rec)
	require.Len(t, charges, 1)
	assert.Equal(t, "150.00", charges[0].Amount)
	assert.Equal(t, "PENDING", charges[0].Status)
	assert.Equal(t, "2024-03-10", charges[0].DueDate)

	// WHEN: the rider pays 100 against it
	rec = api.do(t, http.MethodPost, centerPath("/payments"), map[string]any{
		"rider_id":  "r1",
		"amount":    "100",
		"period":    "2024-03",
		"charge_id": charges[0].ID,
		"method":    "transferencia",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[IDResponse](t, rec).ID)

	// THEN: charge, payments, summary and breakdown all agree
	charges = decodeBody[[]ChargeDTO](t, api.do(t, http.MethodGet, centerPath("/charges?rider=r1"), nil))
	require.Len(t, charges, 1)
	assert.Equal(t, "PARTIAL", charges[0].Status)
	assert.Equal(t, "100.00", charges[0].PaidAmount)
	assert.Equal(t, "50.00", charges[0].RemainingAmount)

	payments := decodeBody[[]PaymentDTO](t, api.do(t, http.MethodGet, centerPath("/payments?period=2024-03"), nil))
	require.Len(t, payments, 1)
	assert.Equal(t, "transferencia", payments[0].Method)
	assert.Equal(t, "2024-03", payments[0].Period)

	rec = api.do(t, http.MethodGet, centerPath("/summary"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[[]SummaryRowDTO](t, rec)
	require.Len(t, summary, 12)
	assert.Equal(t, SummaryRowDTO{
		Period: "2024-03", Label: "mar 2024",
		Billed: "150.00", Collected: "100.00", Pending: "50.00", Overdue: "0.00",
		ClientCount: 1,
	}, summary[0])

	breakdown := decodeBody[[]BreakdownRowDTO](t, api.do(t, http.MethodGet, centerPath("/breakdown?period=2024-03"), nil))
	require.Len(t, breakdown, 1)
	row := breakdown[0]
	assert.Equal(t, "Ana", row.RiderLabel)
	assert.Equal(t, []string{"h1"}, row.HorseIDs)
	assert.Equal(t, "PARTIAL", row.GlobalStatus)
	assert.Equal(t, "100.00", row.MonthPaid)
	require.NotNil(t, row.NextDueDate)
	assert.Equal(t, "2024-03-10", *row.NextDueDate)
}

func TestGenerateCharges_DefaultsToCurrentPeriod(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	api.createService(t, "r1", "h1", "Pupilaje", 150, 10)

	rec := api.do(t, http.MethodPost, centerPath("/charges/generate"), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[GenerateResponse](t, rec)
	assert.Equal(t, "2024-03", res.Period)
	assert.Equal(t, 1, res.Created)
}

func TestGenerateCharges_ChunkedEmptyBody(t *testing.T) {
	// GIVEN: a request whose empty body arrives with unknown length
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	api.createService(t, "r1", "h1", "Pupilaje", 150, 10)

	req := httptest.NewRequest(http.MethodPost, centerPath("/charges/generate"), strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	rec := httptest.NewRecorder()

	// WHEN
	api.router.ServeHTTP(rec, req)

	// THEN: it is treated as no body at all
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2024-03", decodeBody[GenerateResponse](t, rec).Period)

	// AND: a truncated body is still rejected
	rec = api.do(t, http.MethodPost, centerPath("/charges/generate"), `{"period": "2024-`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCharge_OneOff(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))

	rec := api.do(t, http.MethodPost, centerPath("/charges"), map[string]any{
		"rider_id":    "r1",
		"period":      "2024-03",
		"description": "Herrador",
		"amount":      45,
		"due_date":    "2024-03-20",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	charges := decodeBody[[]ChargeDTO](t, api.do(t, http.MethodGet, centerPath("/charges?period=2024-03"), nil))
	require.Len(t, charges, 1)
	assert.Empty(t, charges[0].ServiceID)
	assert.Equal(t, "2024-03-20", charges[0].DueDate)
	assert.Equal(t, "45.00", charges[0].Amount)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantError  string
		wantField  string
	}{
		{
			name: "malformed json", method: http.MethodPost, path: centerPath("/payments"),
			body: `{"rider_id": `, wantStatus: http.StatusBadRequest, wantError: "Invalid request body",
		},
		{
			name: "missing rider", method: http.MethodPost, path: centerPath("/payments"),
			body: map[string]any{"amount": 10}, wantStatus: http.StatusBadRequest, wantError: "Invalid request", wantField: "RiderID",
		},
		{
			name: "zero payment", method: http.MethodPost, path: centerPath("/payments"),
			body: map[string]any{"rider_id": "r1", "amount": 0}, wantStatus: http.StatusBadRequest,
			wantError: "payment amount must be greater than 0", wantField: "amount",
		},
		{
			name: "unknown charge", method: http.MethodPost, path: centerPath("/payments"),
			body: map[string]any{"rider_id": "r1", "amount": 10, "charge_id": "missing"}, wantStatus: http.StatusNotFound,
			wantError: "Failed to register payment",
		},
		{
			name: "body period out of range", method: http.MethodPost, path: centerPath("/charges/generate"),
			body: map[string]string{"period": "2024-13"}, wantStatus: http.StatusBadRequest,
			wantError: `month out of range in "2024-13"`, wantField: "period",
		},
		{
			name: "one-off without description", method: http.MethodPost, path: centerPath("/charges"),
			body: map[string]any{"rider_id": "r1", "amount": 10}, wantStatus: http.StatusBadRequest, wantField: "Description",
			wantError: "Invalid request",
		},
		{
			name: "one-off bad due date", method: http.MethodPost, path: centerPath("/charges"),
			body: map[string]any{"rider_id": "r1", "description": "x", "amount": 10, "due_date": "20/03/2024"},
			wantStatus: http.StatusBadRequest, wantField: "DueDate", wantError: "Invalid request",
		},
		{
			name: "bad months", method: http.MethodGet, path: centerPath("/summary?months=abc"),
			wantStatus: http.StatusBadRequest, wantError: "Invalid months parameter",
		},
		{
			name: "service due day too late", method: http.MethodPost, path: centerPath("/services"),
			body: map[string]any{"rider_id": "r1", "name": "x", "amount": 10, "due_day": 30},
			wantStatus: http.StatusBadRequest, wantField: "DueDay", wantError: "Invalid request",
		},
		{
			name: "update missing service", method: http.MethodPut, path: centerPath("/services/nope"),
			body: map[string]any{"rider_id": "r1", "name": "x", "amount": 10}, wantStatus: http.StatusNotFound,
			wantError: "Failed to update service",
		},
		{
			name: "deactivate missing service", method: http.MethodPost, path: centerPath("/services/nope/deactivate"),
			wantStatus: http.StatusNotFound, wantError: "Failed to deactivate service",
		},
		{
			name: "delete missing expense", method: http.MethodDelete, path: centerPath("/expenses/nope"),
			wantStatus: http.StatusNotFound, wantError: "Failed to delete expense",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, tt.wantField, resp.Field)
		})
	}

	payments := decodeBody[[]PaymentDTO](t, api.do(t, http.MethodGet, centerPath("/payments"), nil))
	assert.Empty(t, payments, "failed requests write nothing")
}

func TestQueryPeriod_IsLenient(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	api.createService(t, "r1", "h1", "Pupilaje", 150, 10)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, centerPath("/charges/generate"), nil).Code)

	rec := api.do(t, http.MethodGet, centerPath("/charges?period=marzo"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	charges := decodeBody[[]ChargeDTO](t, rec)
	require.Len(t, charges, 1, "malformed period falls back to the current month")
	assert.Equal(t, "2024-03", charges[0].Period)
}

// =============================================================================
// CATALOG AND EXPENSES
// =============================================================================

func TestServices(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))

	rec := api.do(t, http.MethodPost, centerPath("/services/import"), `{
		"services": [
			{"rider_id": "r1", "horse_id": "h1", "name": "Pupilaje", "amount": "450"},
			{"rider_id": "r1", "horse_id": "h1", "name": "Clases", "amount": 120, "due_day": 3}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	imported := decodeBody[[]ServiceDTO](t, rec)
	require.Len(t, imported, 2)
	assert.Equal(t, 10, imported[0].DueDay, "due day defaults to 10")
	assert.True(t, imported[0].Active)

	rec = api.do(t, http.MethodPost, centerPath("/services/import"), `{"services": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPut, centerPath("/services/"+imported[0].ID), map[string]any{
		"rider_id": "r1", "horse_id": "h1", "name": "Pupilaje box", "amount": 480, "due_day": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "480.00", decodeBody[ServiceDTO](t, rec).Amount)

	rec = api.do(t, http.MethodPost, centerPath("/services/"+imported[1].ID+"/deactivate"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	services := decodeBody[[]ServiceDTO](t, api.do(t, http.MethodGet, centerPath("/services?rider=r1"), nil))
	require.Len(t, services, 1)
	assert.Equal(t, "Pupilaje box", services[0].Name)

	res := decodeBody[GenerateResponse](t, api.do(t, http.MethodPost, centerPath("/charges/generate"), nil))
	assert.Equal(t, 1, res.Created, "inactive services are not billed")
}

func TestExpensesAndLedger(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))

	rec := api.do(t, http.MethodPost, centerPath("/expenses"), map[string]any{
		"category": "Forraje", "description": "Heno", "amount": "120", "date": "2024-03-09",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	expense := decodeBody[ExpenseDTO](t, rec)
	assert.Equal(t, "2024-03-09", expense.Date)

	rec = api.do(t, http.MethodPut, centerPath("/expenses/"+expense.ID), map[string]any{
		"category": "Forraje", "description": "Heno y paja", "amount": "135.40", "date": "2024-03-09",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, centerPath("/payments"), map[string]any{"rider_id": "r1", "amount": 200})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	expenses := decodeBody[[]ExpenseDTO](t, api.do(t, http.MethodGet, centerPath("/expenses?period=2024-03"), nil))
	require.Len(t, expenses, 1)
	assert.Equal(t, "135.40", expenses[0].Amount)

	ledger := decodeBody[LedgerDTO](t, api.do(t, http.MethodGet, centerPath("/ledger?period=2024-03"), nil))
	assert.Equal(t, "2024-03", ledger.Period)
	assert.Equal(t, "200.00", ledger.Income)
	assert.Equal(t, "135.40", ledger.Expenses)
	assert.Equal(t, "64.60", ledger.Net)
	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, "PAYMENT", ledger.Entries[0].Kind)
	assert.Equal(t, "-135.40", ledger.Entries[1].Amount)

	rec = api.do(t, http.MethodDelete, centerPath("/expenses/"+expense.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// =============================================================================
// SCENARIOS AND OPERATIONS
// =============================================================================

func TestLoadScenario_FullCenter(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	const center = "demo-full"
	demoPath := func(suffix string) string { return "/api/centers/" + center + suffix }

	rec := api.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "full-center", "center_id": center})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Loading twice resets first, so nothing is duplicated.
	rec = api.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "full-center", "center_id": center})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	current := decodeBody[ScenarioDTO](t, api.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "full-center", current.ID)

	breakdown := decodeBody[[]BreakdownRowDTO](t, api.do(t, http.MethodGet, demoPath("/breakdown?period=2024-03"), nil))
	require.Len(t, breakdown, 4, "inactive riders are left out")
	byRider := make(map[string]BreakdownRowDTO)
	for _, row := range breakdown {
		byRider[row.RiderID] = row
	}
	assert.Equal(t, "NO_CHARGES", byRider["rider-oscar"].GlobalStatus)
	assert.Equal(t, "OVERDUE", byRider["rider-ana"].GlobalStatus)
	assert.Equal(t, "elena@example.com", byRider["rider-elena"].RiderLabel)
	assert.Equal(t, 2, byRider["rider-bruno"].HorseCount)
	assert.Equal(t, "Ana García", breakdown[0].RiderLabel)

	summary := decodeBody[[]SummaryRowDTO](t, api.do(t, http.MethodGet, demoPath("/summary?months=3"), nil))
	require.Len(t, summary, 3)
	assert.Equal(t, []string{"2024-03", "2024-02", "2024-01"}, []string{summary[0].Period, summary[1].Period, summary[2].Period})
	assert.Equal(t, "0.00", summary[2].Pending, "two months ago was paid in full")

	ledger := decodeBody[LedgerDTO](t, api.do(t, http.MethodGet, demoPath("/ledger?period=2024-03"), nil))
	assert.Equal(t, "450.00", ledger.Income)
	assert.Equal(t, "455.50", ledger.Expenses)
	assert.Equal(t, "-5.50", ledger.Net)
}

func TestLoadScenario_LeavesRealCentersUntouched(t *testing.T) {
	// GIVEN: a real center with one service
	api := newTestAPI(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	api.createService(t, "r1", "h1", "Pupilaje", 150, 10)

	// WHEN: a load names an unknown scenario
	rec := api.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "ful-center", "center_id": center})

	// THEN: it is rejected before any reset
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, decodeBody[[]ServiceDTO](t, api.do(t, http.MethodGet, centerPath("/services"), nil)), 1)

	// WHEN: a valid scenario targets a center that is not a demo center
	rec = api.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "full-center", "center_id": center})

	// THEN: it is refused and the data survives
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, decodeBody[[]ServiceDTO](t, api.do(t, http.MethodGet, centerPath("/services"), nil)), 1)
}

func TestIsDemoCenter(t *testing.T) {
	assert.True(t, IsDemoCenter("demo"))
	assert.True(t, IsDemoCenter("demo-madrid"))
	assert.False(t, IsDemoCenter("center-1"))
	assert.False(t, IsDemoCenter("demolition"))
}

func TestScenarios(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	list := decodeBody[[]ScenarioDTO](t, api.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, 3)

	rec := api.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, id := range []string{"single-boarder", "overdue-followup"} {
		rec = api.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// Without center_id scenarios land in the demo center.
	summary := decodeBody[[]SummaryRowDTO](t, api.do(t, http.MethodGet, "/api/centers/"+DefaultScenarioCenter+"/summary?months=2", nil))
	require.Len(t, summary, 2)
	assert.Equal(t, "2024-02", summary[1].Period)
	assert.Equal(t, summary[1].Billed, summary[1].Overdue, "last month is entirely overdue")
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))

	rec := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	api.createService(t, "r1", "h1", "Pupilaje", 150, 10)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, centerPath("/charges/generate"), nil).Code)

	rec = api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing_charges_generated_total 1")
}
