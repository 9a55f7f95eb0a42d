/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the billing package. Every route is
  scoped to one center (tenant) by the {centerID} path segment.

ENDPOINTS (prefix /api/centers/{centerID}):
  Charges:
    POST   /charges/generate   Generate the month's recurring charges
    GET    /charges            List charges (?period=, ?rider=)
    POST   /charges            Issue a one-off charge

  Payments:
    GET    /payments           List payments (?period=, ?rider=)
    POST   /payments           Register a payment

  Views:
    GET    /summary            Monthly summary series (?months=)
    GET    /breakdown          Per-rider breakdown (?period=)
    GET    /ledger             Movements with income/expenses/net (?period=, ?rider=)

  Catalog:
    GET    /services           Active services (?rider=)
    POST   /services           Create service
    PUT    /services/{id}      Edit service
    POST   /services/{id}/deactivate
    POST   /services/import    Bulk import from catalog JSON

  Expenses:
    GET    /expenses           List by period (?period=)
    POST   /expenses           Create
    PUT    /expenses/{id}      Edit
    DELETE /expenses/{id}      Delete

PERIOD PARAMETERS:
  Query-string periods are lenient: a malformed key falls back to the
  current period (logged and counted). Periods in request bodies are strict
  and a malformed one is a 400.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Scenario load into a center that is not a demo center
  - 404: Charge, service or expense not found
  - 409: Concurrent modification or duplicate charge (safe to retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the center's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/stable-billing/billing"
	"github.com/warp/stable-billing/factory"
	"github.com/warp/stable-billing/logging"
	"github.com/warp/stable-billing/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine         *billing.Engine
	Store          *sqlite.Store
	CatalogFactory *factory.CatalogFactory
	Logger         *slog.Logger

	// SummaryMonths is used when /summary has no ?months=.
	SummaryMonths int

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over engine and its backing store.
func NewHandler(engine *billing.Engine, store *sqlite.Store, logger *slog.Logger, summaryMonths int) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if summaryMonths < 1 {
		summaryMonths = 12
	}
	return &Handler{
		Engine:         engine,
		Store:          store,
		CatalogFactory: factory.NewCatalogFactory(),
		Logger:         logger,
		SummaryMonths:  summaryMonths,
		validate:       validator.New(),
	}
}

func tenantOf(r *http.Request) billing.TenantID {
	return billing.TenantID(chi.URLParam(r, "centerID"))
}

func (h *Handler) log(r *http.Request, op string) *slog.Logger {
	return h.Logger.With(
		slog.String("op", op),
		slog.String("center", string(tenantOf(r))),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// decode reads and validates a JSON body. It writes the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.readBody(w, r, dst, false)
}

// decodeOptional is decode for bodies that may be absent. An empty body,
// chunked or not, leaves dst untouched.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.readBody(w, r, dst, true)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request",
				Field:   ve[0].Field(),
				Details: err.Error(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// queryPeriod is lenient: empty or malformed means the current period.
func (h *Handler) queryPeriod(r *http.Request) billing.Period {
	return h.Engine.PeriodFromKey(r.URL.Query().Get("period"))
}

// bodyPeriod is strict. Empty returns the zero period.
func bodyPeriod(key string) (billing.Period, error) {
	if strings.TrimSpace(key) == "" {
		return billing.Period{}, nil
	}
	return billing.ParsePeriod(key)
}

func (h *Handler) parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, s, h.Engine.Location())
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// GenerateCharges creates the recurring charges of a period.
// POST /api/centers/{centerID}/charges/generate
func (h *Handler) GenerateCharges(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	period, err := bodyPeriod(req.Period)
	if err != nil {
		h.writeEngineError(w, r, "billing.GenerateCharges", "Invalid period", err)
		return
	}
	if period.IsZero() {
		period = h.Engine.CurrentPeriod()
	}

	res, err := h.Engine.Generate(r.Context(), tenantOf(r), period)
	if err != nil {
		h.writeEngineError(w, r, "billing.GenerateCharges", "Failed to generate charges", err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Period:  period.Key(),
		Created: res.Created,
		Skipped: res.Skipped,
	})
}

// ListCharges returns charges of a period, or of one rider when ?rider= is set
// (all periods unless ?period= is also set).
// GET /api/centers/{centerID}/charges
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantOf(r)
	rider := billing.RiderID(r.URL.Query().Get("rider"))

	var (
		charges []billing.Charge
		err     error
	)
	if rider != "" {
		var period *billing.Period
		if r.URL.Query().Get("period") != "" {
			p := h.queryPeriod(r)
			period = &p
		}
		charges, err = h.Engine.Aggregator.ClientCharges(ctx, tenant, rider, period)
	} else {
		charges, err = h.Engine.Aggregator.ChargesByPeriod(ctx, tenant, h.queryPeriod(r))
	}
	if err != nil {
		h.writeEngineError(w, r, "billing.ListCharges", "Failed to list charges", err)
		return
	}

	now := h.Engine.Now()
	loc := h.Engine.Location()
	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c, now, loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCharge issues a one-off charge.
// POST /api/centers/{centerID}/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req CreateChargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	period, err := bodyPeriod(req.Period)
	if err != nil {
		h.writeEngineError(w, r, "billing.CreateCharge", "Invalid period", err)
		return
	}
	if period.IsZero() {
		period = h.Engine.CurrentPeriod()
	}
	dueDate, err := h.parseDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date format (use YYYY-MM-DD)", err)
		return
	}

	id, err := h.Engine.AddOneOffCharge(r.Context(), tenantOf(r), billing.OneOffInput{
		RiderID:     billing.RiderID(req.RiderID),
		Period:      period,
		Description: req.Description,
		Amount:      req.Amount,
		HorseID:     billing.HorseID(req.HorseID),
		DueDate:     dueDate,
	})
	if err != nil {
		h.writeEngineError(w, r, "billing.CreateCharge", "Failed to create charge", err)
		return
	}

	writeJSON(w, http.StatusCreated, IDResponse{ID: string(id)})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns payments of a period, or of one rider.
// GET /api/centers/{centerID}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantOf(r)
	rider := billing.RiderID(r.URL.Query().Get("rider"))

	var (
		payments []billing.Payment
		err      error
	)
	if rider != "" {
		var period *billing.Period
		if r.URL.Query().Get("period") != "" {
			p := h.queryPeriod(r)
			period = &p
		}
		payments, err = h.Engine.Aggregator.ClientPayments(ctx, tenant, rider, period)
	} else {
		payments, err = h.Engine.Aggregator.PaymentsByPeriod(ctx, tenant, h.queryPeriod(r))
	}
	if err != nil {
		h.writeEngineError(w, r, "billing.ListPayments", "Failed to list payments", err)
		return
	}

	loc := h.Engine.Location()
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p, loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterPayment records a payment, applying it to charge_id when given.
// POST /api/centers/{centerID}/payments
func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req RegisterPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	period, err := bodyPeriod(req.Period)
	if err != nil {
		h.writeEngineError(w, r, "billing.RegisterPayment", "Invalid period", err)
		return
	}

	id, err := h.Engine.RegisterPayment(r.Context(), tenantOf(r), billing.PaymentInput{
		RiderID:  billing.RiderID(req.RiderID),
		Amount:   req.Amount,
		Period:   period,
		HorseID:  billing.HorseID(req.HorseID),
		ChargeID: billing.ChargeID(req.ChargeID),
		Method:   req.Method,
		Notes:    req.Notes,
	})
	if err != nil {
		h.writeEngineError(w, r, "billing.RegisterPayment", "Failed to register payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, IDResponse{ID: string(id)})
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// GetSummary returns the monthly summary series, newest month first.
// GET /api/centers/{centerID}/summary?months=12
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	months := h.SummaryMonths
	if raw := r.URL.Query().Get("months"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid months parameter", err)
			return
		}
		months = n
	}

	rows, err := h.Engine.MonthlySummary(r.Context(), tenantOf(r), months)
	if err != nil {
		h.writeEngineError(w, r, "billing.GetSummary", "Failed to compute summary", err)
		return
	}

	dtos := make([]SummaryRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toSummaryRowDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBreakdown returns one row per rider with an active stay.
// GET /api/centers/{centerID}/breakdown?period=2024-03
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Engine.MonthlyClientBreakdown(r.Context(), tenantOf(r), h.queryPeriod(r))
	if err != nil {
		h.writeEngineError(w, r, "billing.GetBreakdown", "Failed to compute breakdown", err)
		return
	}

	loc := h.Engine.Location()
	dtos := make([]BreakdownRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toBreakdownRowDTO(row, loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLedger returns the movements of a period with income, expenses and net.
// GET /api/centers/{centerID}/ledger?period=2024-03&rider=
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	rider := billing.RiderID(r.URL.Query().Get("rider"))
	activity, err := h.Engine.Aggregator.Activity(r.Context(), tenantOf(r), h.queryPeriod(r), rider)
	if err != nil {
		h.writeEngineError(w, r, "billing.GetLedger", "Failed to build ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(activity))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListServices returns active services, of one rider when ?rider= is set.
// GET /api/centers/{centerID}/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantOf(r)

	var (
		services []billing.RecurringService
		err      error
	)
	if rider := r.URL.Query().Get("rider"); rider != "" {
		services, err = h.Engine.Catalog.ListRiderServices(ctx, tenant, billing.RiderID(rider))
	} else {
		services, err = h.Engine.Catalog.ListActive(ctx, tenant)
	}
	if err != nil {
		h.writeEngineError(w, r, "billing.ListServices", "Failed to list services", err)
		return
	}

	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (req ServiceRequest) input() billing.ServiceInput {
	return billing.ServiceInput{
		RiderID: billing.RiderID(req.RiderID),
		HorseID: billing.HorseID(req.HorseID),
		Name:    req.Name,
		Amount:  req.Amount,
		DueDay:  req.DueDay,
		Active:  req.Active,
	}
}

// CreateService adds a recurring service.
// POST /api/centers/{centerID}/services
func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req ServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	svc, err := h.Engine.Catalog.AddService(r.Context(), tenantOf(r), req.input())
	if err != nil {
		h.writeEngineError(w, r, "billing.CreateService", "Failed to create service", err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceDTO(svc))
}

// UpdateService edits a recurring service.
// PUT /api/centers/{centerID}/services/{id}
func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	var req ServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := billing.ServiceID(chi.URLParam(r, "id"))
	svc, err := h.Engine.Catalog.UpdateService(r.Context(), tenantOf(r), id, req.input())
	if err != nil {
		h.writeEngineError(w, r, "billing.UpdateService", "Failed to update service", err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(svc))
}

// DeactivateService stops future billing of a service.
// POST /api/centers/{centerID}/services/{id}/deactivate
func (h *Handler) DeactivateService(w http.ResponseWriter, r *http.Request) {
	id := billing.ServiceID(chi.URLParam(r, "id"))
	if err := h.Engine.Catalog.Deactivate(r.Context(), tenantOf(r), id); err != nil {
		h.writeEngineError(w, r, "billing.DeactivateService", "Failed to deactivate service", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ImportServices bulk-creates services from a catalog JSON document.
// The whole document is parsed first and written in one transaction.
// POST /api/centers/{centerID}/services/import
func (h *Handler) ImportServices(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inputs, err := h.CatalogFactory.ParseCatalog(string(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid service catalog", err)
		return
	}

	services, err := h.Engine.Catalog.Import(r.Context(), tenantOf(r), inputs)
	if err != nil {
		h.writeEngineError(w, r, "billing.ImportServices", "Failed to import services", err)
		return
	}
	created := make([]ServiceDTO, len(services))
	for i, svc := range services {
		created[i] = toServiceDTO(svc)
	}
	writeJSON(w, http.StatusCreated, created)
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// ListExpenses returns the expenses of a period, newest first.
// GET /api/centers/{centerID}/expenses?period=2024-03
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := h.Engine.Expenses.ListByPeriod(r.Context(), tenantOf(r), h.queryPeriod(r))
	if err != nil {
		h.writeEngineError(w, r, "billing.ListExpenses", "Failed to list expenses", err)
		return
	}

	loc := h.Engine.Location()
	dtos := make([]ExpenseDTO, len(expenses))
	for i, e := range expenses {
		dtos[i] = toExpenseDTO(e, loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) expenseInput(w http.ResponseWriter, r *http.Request) (billing.ExpenseInput, bool) {
	var req ExpenseRequest
	if !h.decode(w, r, &req) {
		return billing.ExpenseInput{}, false
	}
	date, err := h.parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return billing.ExpenseInput{}, false
	}
	return billing.ExpenseInput{
		Category:    req.Category,
		Description: req.Description,
		Amount:      req.Amount,
		Date:        date,
		Method:      req.Method,
		Notes:       req.Notes,
	}, true
}

// CreateExpense records an operating expense.
// POST /api/centers/{centerID}/expenses
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	in, ok := h.expenseInput(w, r)
	if !ok {
		return
	}
	e, err := h.Engine.Expenses.Create(r.Context(), tenantOf(r), in)
	if err != nil {
		h.writeEngineError(w, r, "billing.CreateExpense", "Failed to create expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(e, h.Engine.Location()))
}

// UpdateExpense edits an expense.
// PUT /api/centers/{centerID}/expenses/{id}
func (h *Handler) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	in, ok := h.expenseInput(w, r)
	if !ok {
		return
	}
	id := billing.ExpenseID(chi.URLParam(r, "id"))
	e, err := h.Engine.Expenses.Update(r.Context(), tenantOf(r), id, in)
	if err != nil {
		h.writeEngineError(w, r, "billing.UpdateExpense", "Failed to update expense", err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(e, h.Engine.Location()))
}

// DeleteExpense removes an expense.
// DELETE /api/centers/{centerID}/expenses/{id}
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := billing.ExpenseID(chi.URLParam(r, "id"))
	if err := h.Engine.Expenses.Delete(r.Context(), tenantOf(r), id); err != nil {
		h.writeEngineError(w, r, "billing.DeleteExpense", "Failed to delete expense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports whether the database answers.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps billing error categories to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, op, message string, err error) {
	var vErr *billing.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: vErr.Reason, Field: vErr.Field})
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsRetryable(err):
		h.log(r, op).Warn("conflict", logging.Err(err))
		writeError(w, http.StatusConflict, message, err)
	default:
		h.log(r, op).Error(message, logging.Err(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
