package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - A calendar month, keyed "YYYY-MM"
// =============================================================================

// Period is one billing month. The zero value means "not specified".
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod builds a period from a year and a 1-based month number.
func NewPeriod(year int, month int) Period {
	return Period{Year: year, Month: time.Month(month)}
}

// IsZero reports whether the period was left unspecified.
func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// Valid reports whether the month is in 1..12.
func (p Period) Valid() bool { return p.Month >= time.January && p.Month <= time.December }

// Key returns the canonical "YYYY-MM" key.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) String() string { return p.Key() }

// Compare orders periods the same way their keys sort.
func (p Period) Compare(other Period) int {
	switch {
	case p.Year != other.Year:
		if p.Year < other.Year {
			return -1
		}
		return 1
	case p.Month < other.Month:
		return -1
	case p.Month > other.Month:
		return 1
	default:
		return 0
	}
}

// AddMonths shifts the period by n months (n may be negative).
func (p Period) AddMonths(n int) Period {
	t := time.Date(p.Year, p.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) Next() Period { return p.AddMonths(1) }
func (p Period) Prev() Period { return p.AddMonths(-1) }

// DueDate returns the given day of the period's month. The day is clamped to
// 1..28 so the date exists in every month; it is not adjusted to month length.
func (p Period) DueDate(day int, loc *time.Location) time.Time {
	return time.Date(p.Year, p.Month, clampDueDay(day), 0, 0, 0, 0, loc)
}

func clampDueDay(day int) int {
	if day < 1 {
		return 1
	}
	if day > MaxDueDay {
		return MaxDueDay
	}
	return day
}

var shortMonthsES = [...]string{
	"ene", "feb", "mar", "abr", "may", "jun",
	"jul", "ago", "sept", "oct", "nov", "dic",
}

// Label is the short display label used in summary tables, e.g. "mar 2024".
func (p Period) Label() string {
	if !p.Valid() {
		return p.Key()
	}
	return fmt.Sprintf("%s %d", shortMonthsES[p.Month-1], p.Year)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// CurrentPeriod returns the period containing clock.Now() in loc.
func CurrentPeriod(clock Clock, loc *time.Location) Period {
	return PeriodOf(clock.Now(), loc)
}

// PeriodOf extracts the month of t as seen in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	if loc != nil {
		t = t.In(loc)
	}
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod strictly parses a "YYYY-MM" key.
func ParsePeriod(key string) (Period, error) {
	yearText, monthText, ok := strings.Cut(strings.TrimSpace(key), "-")
	if !ok {
		return Period{}, invalid("period", fmt.Sprintf("malformed period key %q", key))
	}
	year, err := strconv.Atoi(yearText)
	if err != nil || year <= 0 {
		return Period{}, invalid("period", fmt.Sprintf("malformed period key %q", key))
	}
	month, err := strconv.Atoi(monthText)
	if err != nil || month < 1 || month > 12 {
		return Period{}, invalid("period", fmt.Sprintf("month out of range in %q", key))
	}
	return NewPeriod(year, month), nil
}

// PeriodFromKey parses key leniently: a malformed key falls back to the
// period containing now. The second result is true when that correction
// happened so callers can log it; it is never an error.
func PeriodFromKey(key string, now time.Time, loc *time.Location) (Period, bool) {
	p, err := ParsePeriod(key)
	if err != nil {
		return PeriodOf(now, loc), true
	}
	return p, false
}

// Trailing returns the n period keys ending at p, newest first.
func (p Period) Trailing(n int) []Period {
	if n < 1 {
		n = 1
	}
	out := make([]Period, n)
	for i := 0; i < n; i++ {
		out[i] = p.AddMonths(-i)
	}
	return out
}

// =============================================================================
// PERIOD-KEY DERIVATION
// =============================================================================
//
// Records are assigned to a period by an explicit, ordered fallback chain.
// A record with none of the fields is excluded from every periodic view.

// ChargePeriodKey: explicit PeriodKey, else IssuedAt, else DueDate.
func ChargePeriodKey(c Charge, loc *time.Location) (string, bool) {
	if c.PeriodKey != "" {
		return c.PeriodKey, true
	}
	if !c.IssuedAt.IsZero() {
		return PeriodOf(c.IssuedAt, loc).Key(), true
	}
	if !c.DueDate.IsZero() {
		return PeriodOf(c.DueDate, loc).Key(), true
	}
	return "", false
}

// PaymentPeriodKey: explicit PeriodKey, else PaidAt.
func PaymentPeriodKey(p Payment, loc *time.Location) (string, bool) {
	if p.PeriodKey != "" {
		return p.PeriodKey, true
	}
	if !p.PaidAt.IsZero() {
		return PeriodOf(p.PaidAt, loc).Key(), true
	}
	return "", false
}

// ExpensePeriodKey: the expense date.
func ExpensePeriodKey(e Expense, loc *time.Location) (string, bool) {
	if e.Date.IsZero() {
		return "", false
	}
	return PeriodOf(e.Date, loc).Key(), true
}
