/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Requests accept amounts as JSON numbers or decimal strings.
  Responses always render amounts as strings with two decimals ("150.00")
  so clients never see float rounding.

DATES:
  Periods are "YYYY-MM". Due dates are "YYYY-MM-DD". Timestamps are RFC3339.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks.
  Business rules (amount > 0, due day range) stay in the billing package so
  every caller gets them, not just HTTP.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: ServiceJSON for bulk import
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stable-billing/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

// GenerateRequest triggers monthly charge generation.
type GenerateRequest struct {
	Period string `json:"period" validate:"omitempty,len=7"` // empty: current period
}

// CreateChargeRequest issues a one-off charge.
type CreateChargeRequest struct {
	RiderID     string          `json:"rider_id" validate:"required"`
	Period      string          `json:"period" validate:"omitempty,len=7"`
	Description string          `json:"description" validate:"required,max=200"`
	Amount      decimal.Decimal `json:"amount"`
	HorseID     string          `json:"horse_id,omitempty"`
	DueDate     string          `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// RegisterPaymentRequest records a payment.
type RegisterPaymentRequest struct {
	RiderID  string          `json:"rider_id" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Period   string          `json:"period,omitempty" validate:"omitempty,len=7"`
	HorseID  string          `json:"horse_id,omitempty"`
	ChargeID string          `json:"charge_id,omitempty"`
	Method   string          `json:"method,omitempty" validate:"omitempty,max=40"`
	Notes    string          `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// ServiceRequest creates or edits a recurring service.
type ServiceRequest struct {
	RiderID string          `json:"rider_id" validate:"required"`
	HorseID string          `json:"horse_id,omitempty"`
	Name    string          `json:"name" validate:"required,max=120"`
	Amount  decimal.Decimal `json:"amount"`
	DueDay  int             `json:"due_day,omitempty" validate:"gte=0,lte=28"`
	Active  *bool           `json:"active,omitempty"`
}

// ExpenseRequest creates or edits an expense.
type ExpenseRequest struct {
	Category    string          `json:"category" validate:"required,max=60"`
	Description string          `json:"description" validate:"required,max=200"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Method      string          `json:"method,omitempty" validate:"omitempty,max=40"`
	Notes       string          `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// LoadScenarioRequest loads a demo scenario into a center.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	CenterID   string `json:"center_id,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type GenerateResponse struct {
	Period  string `json:"period"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
}

type IDResponse struct {
	ID string `json:"id"`
}

// ChargeDTO represents a charge. Status is the display status at request
// time (OVERDUE overlay applied); StoredStatus is what is persisted.
type ChargeDTO struct {
	ID              string `json:"id"`
	RiderID         string `json:"rider_id"`
	HorseID         string `json:"horse_id,omitempty"`
	ServiceID       string `json:"service_id,omitempty"`
	Period          string `json:"period"`
	Description     string `json:"description"`
	Amount          string `json:"amount"`
	PaidAmount      string `json:"paid_amount"`
	RemainingAmount string `json:"remaining_amount"`
	Status          string `json:"status"`
	StoredStatus    string `json:"stored_status"`
	DueDate         string `json:"due_date,omitempty"`
	IssuedAt        string `json:"issued_at,omitempty"`
}

type PaymentDTO struct {
	ID       string `json:"id"`
	RiderID  string `json:"rider_id"`
	HorseID  string `json:"horse_id,omitempty"`
	ChargeID string `json:"charge_id,omitempty"`
	Period   string `json:"period"`
	Amount   string `json:"amount"`
	PaidAt   string `json:"paid_at"`
	Method   string `json:"method"`
	Notes    string `json:"notes,omitempty"`
}

type ServiceDTO struct {
	ID        string `json:"id"`
	RiderID   string `json:"rider_id"`
	HorseID   string `json:"horse_id,omitempty"`
	Name      string `json:"name"`
	Amount    string `json:"amount"`
	DueDay    int    `json:"due_day"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

type ExpenseDTO struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Method      string `json:"method,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type SummaryRowDTO struct {
	Period      string `json:"period"`
	Label       string `json:"label"`
	Billed      string `json:"billed"`
	Collected   string `json:"collected"`
	Pending     string `json:"pending"`
	Overdue     string `json:"overdue"`
	ClientCount int    `json:"client_count"`
}

type BreakdownRowDTO struct {
	RiderID      string   `json:"rider_id"`
	RiderLabel   string   `json:"rider_label"`
	HorseIDs     []string `json:"horse_ids"`
	HorseCount   int      `json:"horse_count"`
	MonthAmount  string   `json:"month_amount"`
	MonthPaid    string   `json:"month_paid"`
	MonthPending string   `json:"month_pending"`
	MonthOverdue string   `json:"month_overdue"`
	GlobalStatus string   `json:"global_status"`
	NextDueDate  *string  `json:"next_due_date"`
}

type LedgerEntryDTO struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	RiderID     string `json:"rider_id,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Method      string `json:"method,omitempty"`
	Amount      string `json:"amount"`
	At          string `json:"at"`
}

type LedgerDTO struct {
	Period   string           `json:"period"`
	Entries  []LedgerEntryDTO `json:"entries"`
	Income   string           `json:"income"`
	Expenses string           `json:"expenses"`
	Net      string           `json:"net"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(billing.MoneyPlaces) }

func formatDate(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(dateLayout)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toChargeDTO(c billing.Charge, now time.Time, loc *time.Location) ChargeDTO {
	period, _ := billing.ChargePeriodKey(c, loc)
	return ChargeDTO{
		ID:              string(c.ID),
		RiderID:         string(c.RiderID),
		HorseID:         string(c.HorseID),
		ServiceID:       string(c.ServiceID),
		Period:          period,
		Description:     c.Description,
		Amount:          money(c.Amount),
		PaidAmount:      money(c.PaidAmount),
		RemainingAmount: money(c.Outstanding()),
		Status:          string(billing.Classify(c, now)),
		StoredStatus:    string(c.Status),
		DueDate:         formatDate(c.DueDate, loc),
		IssuedAt:        formatTimestamp(c.IssuedAt),
	}
}

func toPaymentDTO(p billing.Payment, loc *time.Location) PaymentDTO {
	period, _ := billing.PaymentPeriodKey(p, loc)
	return PaymentDTO{
		ID:       string(p.ID),
		RiderID:  string(p.RiderID),
		HorseID:  string(p.HorseID),
		ChargeID: string(p.ChargeID),
		Period:   period,
		Amount:   money(p.Amount),
		PaidAt:   formatTimestamp(p.PaidAt),
		Method:   p.Method,
		Notes:    p.Notes,
	}
}

func toServiceDTO(s billing.RecurringService) ServiceDTO {
	return ServiceDTO{
		ID:        string(s.ID),
		RiderID:   string(s.RiderID),
		HorseID:   string(s.HorseID),
		Name:      s.Name,
		Amount:    money(s.Amount),
		DueDay:    s.DueDay,
		Active:    s.Active,
		CreatedAt: formatTimestamp(s.CreatedAt),
	}
}

func toExpenseDTO(e billing.Expense, loc *time.Location) ExpenseDTO {
	return ExpenseDTO{
		ID:          string(e.ID),
		Category:    e.Category,
		Description: e.Description,
		Amount:      money(e.Amount),
		Date:        formatDate(e.Date, loc),
		Method:      e.Method,
		Notes:       e.Notes,
	}
}

func toSummaryRowDTO(r billing.MonthlySummaryRow) SummaryRowDTO {
	return SummaryRowDTO{
		Period:      r.PeriodKey,
		Label:       r.PeriodLabel,
		Billed:      money(r.Billed),
		Collected:   money(r.Collected),
		Pending:     money(r.Pending),
		Overdue:     money(r.Overdue),
		ClientCount: r.ClientCount,
	}
}

func toBreakdownRowDTO(r billing.MonthlyClientBreakdownRow, loc *time.Location) BreakdownRowDTO {
	horses := make([]string, len(r.HorseIDs))
	for i, h := range r.HorseIDs {
		horses[i] = string(h)
	}
	dto := BreakdownRowDTO{
		RiderID:      string(r.RiderID),
		RiderLabel:   r.RiderLabel,
		HorseIDs:     horses,
		HorseCount:   r.HorseCount,
		MonthAmount:  money(r.MonthAmount),
		MonthPaid:    money(r.MonthPaid),
		MonthPending: money(r.MonthPending),
		MonthOverdue: money(r.MonthOverdue),
		GlobalStatus: string(r.GlobalStatus),
	}
	if r.NextDueDate != nil {
		d := formatDate(*r.NextDueDate, loc)
		dto.NextDueDate = &d
	}
	return dto
}

func toLedgerDTO(a billing.Activity) LedgerDTO {
	entries := make([]LedgerEntryDTO, len(a.Entries))
	for i, e := range a.Entries {
		entries[i] = LedgerEntryDTO{
			Kind:        string(e.Kind),
			ID:          e.ID,
			RiderID:     string(e.RiderID),
			Description: e.Description,
			Status:      string(e.Status),
			Method:      e.Method,
			Amount:      money(e.AmountSigned),
			At:          formatTimestamp(e.At),
		}
	}
	return LedgerDTO{
		Period:   a.Period.Key(),
		Entries:  entries,
		Income:   money(a.Income),
		Expenses: money(a.Expenses),
		Net:      money(a.Net),
	}
}
