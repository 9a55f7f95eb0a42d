// Package store provides in-process billing.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/stable-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every tenant's collections in maps guarded by one RWMutex.
// It also serves the Membership and Directory collaborators so a single value
// can back a whole engine in tests.
type Memory struct {
	mu      sync.RWMutex
	tenants map[billing.TenantID]*tenantData
}

type tenantData struct {
	services map[billing.ServiceID]billing.RecurringService
	charges  []billing.Charge
	payments []billing.Payment
	expenses map[billing.ExpenseID]billing.Expense
	dedupe   map[string]billing.ChargeID
	stays    []billing.Stay
	labels   map[billing.RiderID]string
}

func newTenantData() *tenantData {
	return &tenantData{
		services: make(map[billing.ServiceID]billing.RecurringService),
		expenses: make(map[billing.ExpenseID]billing.Expense),
		dedupe:   make(map[string]billing.ChargeID),
		labels:   make(map[billing.RiderID]string),
	}
}

func (t *tenantData) clone() *tenantData {
	c := newTenantData()
	for k, v := range t.services {
		c.services[k] = v
	}
	c.charges = append([]billing.Charge{}, t.charges...)
	c.payments = append([]billing.Payment{}, t.payments...)
	for k, v := range t.expenses {
		c.expenses[k] = v
	}
	for k, v := range t.dedupe {
		c.dedupe[k] = v
	}
	c.stays = append([]billing.Stay{}, t.stays...)
	for k, v := range t.labels {
		c.labels[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{tenants: make(map[billing.TenantID]*tenantData)}
}

// tenant returns the tenant partition, creating it on first write.
// Callers must hold the write lock.
func (m *Memory) tenant(id billing.TenantID) *tenantData {
	t, ok := m.tenants[id]
	if !ok {
		t = newTenantData()
		m.tenants[id] = t
	}
	return t
}

// peek returns the tenant partition or an empty one without registering it.
func (m *Memory) peek(id billing.TenantID) *tenantData {
	if t, ok := m.tenants[id]; ok {
		return t
	}
	return newTenantData()
}

// =============================================================================
// LOCKED OPERATIONS - Shared by Memory and the transactional view
// =============================================================================

func (m *Memory) insertServiceLocked(tenant billing.TenantID, svc billing.RecurringService) error {
	t := m.tenant(tenant)
	if _, exists := t.services[svc.ID]; exists {
		return fmt.Errorf("service %s already exists", svc.ID)
	}
	t.services[svc.ID] = svc
	return nil
}

func (m *Memory) updateServiceLocked(tenant billing.TenantID, svc billing.RecurringService) error {
	t := m.tenant(tenant)
	if _, exists := t.services[svc.ID]; !exists {
		return fmt.Errorf("service %s: %w", svc.ID, billing.ErrNotFound)
	}
	t.services[svc.ID] = svc
	return nil
}

func (m *Memory) getServiceLocked(tenant billing.TenantID, id billing.ServiceID) (billing.RecurringService, error) {
	svc, ok := m.peek(tenant).services[id]
	if !ok {
		return billing.RecurringService{}, fmt.Errorf("service %s: %w", id, billing.ErrNotFound)
	}
	return svc, nil
}

func (m *Memory) listServicesLocked(tenant billing.TenantID, activeOnly bool) []billing.RecurringService {
	var out []billing.RecurringService
	for _, svc := range m.peek(tenant).services {
		if activeOnly && !svc.Active {
			continue
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// insertChargesLocked checks every dedupe key first, then writes all.
func (m *Memory) insertChargesLocked(tenant billing.TenantID, charges []billing.Charge) error {
	t := m.tenant(tenant)
	batch := make(map[string]bool, len(charges))
	for _, c := range charges {
		if !c.IsRecurring() {
			continue
		}
		k := billing.DedupeKey(c.ServiceID, c.RiderID, c.HorseID, c.PeriodKey)
		if _, exists := t.dedupe[k]; exists || batch[k] {
			return fmt.Errorf("%s: %w", k, billing.ErrDuplicateCharge)
		}
		batch[k] = true
	}
	for _, c := range charges {
		if c.IsRecurring() {
			t.dedupe[billing.DedupeKey(c.ServiceID, c.RiderID, c.HorseID, c.PeriodKey)] = c.ID
		}
		t.charges = append(t.charges, c)
	}
	return nil
}

func (m *Memory) chargeIndexLocked(tenant billing.TenantID, id billing.ChargeID) int {
	for i, c := range m.peek(tenant).charges {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) getChargeLocked(tenant billing.TenantID, id billing.ChargeID) (billing.Charge, error) {
	i := m.chargeIndexLocked(tenant, id)
	if i < 0 {
		return billing.Charge{}, fmt.Errorf("charge %s: %w", id, billing.ErrNotFound)
	}
	return m.tenants[tenant].charges[i], nil
}

func (m *Memory) updateChargeBalanceLocked(tenant billing.TenantID, c billing.Charge) error {
	i := m.chargeIndexLocked(tenant, c.ID)
	if i < 0 {
		return fmt.Errorf("charge %s: %w", c.ID, billing.ErrNotFound)
	}
	stored := &m.tenants[tenant].charges[i]
	if stored.Version != c.Version {
		return fmt.Errorf("charge %s at version %d, have %d: %w",
			c.ID, stored.Version, c.Version, billing.ErrConcurrentModification)
	}
	stored.PaidAmount = c.PaidAmount
	stored.RemainingAmount = c.RemainingAmount
	stored.Status = c.Status
	stored.UpdatedAt = c.UpdatedAt
	stored.Version++
	return nil
}

func (m *Memory) insertExpenseLocked(tenant billing.TenantID, e billing.Expense) error {
	t := m.tenant(tenant)
	if _, exists := t.expenses[e.ID]; exists {
		return fmt.Errorf("expense %s already exists", e.ID)
	}
	t.expenses[e.ID] = e
	return nil
}

func (m *Memory) updateExpenseLocked(tenant billing.TenantID, e billing.Expense) error {
	t := m.tenant(tenant)
	if _, exists := t.expenses[e.ID]; !exists {
		return fmt.Errorf("expense %s: %w", e.ID, billing.ErrNotFound)
	}
	t.expenses[e.ID] = e
	return nil
}

func (m *Memory) deleteExpenseLocked(tenant billing.TenantID, id billing.ExpenseID) error {
	t := m.tenant(tenant)
	if _, exists := t.expenses[id]; !exists {
		return fmt.Errorf("expense %s: %w", id, billing.ErrNotFound)
	}
	delete(t.expenses, id)
	return nil
}

func (m *Memory) getExpenseLocked(tenant billing.TenantID, id billing.ExpenseID) (billing.Expense, error) {
	e, ok := m.peek(tenant).expenses[id]
	if !ok {
		return billing.Expense{}, fmt.Errorf("expense %s: %w", id, billing.ErrNotFound)
	}
	return e, nil
}

func (m *Memory) listExpensesLocked(tenant billing.TenantID) []billing.Expense {
	var out []billing.Expense
	for _, e := range m.peek(tenant).expenses {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// billing.Store
// =============================================================================

func (m *Memory) InsertService(_ context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertServiceLocked(tenant, svc)
}

func (m *Memory) UpdateService(_ context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateServiceLocked(tenant, svc)
}

func (m *Memory) GetService(_ context.Context, tenant billing.TenantID, id billing.ServiceID) (billing.RecurringService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getServiceLocked(tenant, id)
}

func (m *Memory) ListServices(_ context.Context, tenant billing.TenantID, activeOnly bool) ([]billing.RecurringService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listServicesLocked(tenant, activeOnly), nil
}

// InsertCharges adds charges atomically.
func (m *Memory) InsertCharges(_ context.Context, tenant billing.TenantID, charges []billing.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertChargesLocked(tenant, charges)
}

func (m *Memory) GetCharge(_ context.Context, tenant billing.TenantID, id billing.ChargeID) (billing.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getChargeLocked(tenant, id)
}

func (m *Memory) ListCharges(_ context.Context, tenant billing.TenantID) ([]billing.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.Charge{}, m.peek(tenant).charges...), nil
}

func (m *Memory) UpdateChargeBalance(_ context.Context, tenant billing.TenantID, c billing.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateChargeBalanceLocked(tenant, c)
}

// InsertPayment appends a payment. Append-only.
func (m *Memory) InsertPayment(_ context.Context, tenant billing.TenantID, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenant)
	t.payments = append(t.payments, p)
	return nil
}

func (m *Memory) ListPayments(_ context.Context, tenant billing.TenantID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.Payment{}, m.peek(tenant).payments...), nil
}

func (m *Memory) InsertExpense(_ context.Context, tenant billing.TenantID, e billing.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertExpenseLocked(tenant, e)
}

func (m *Memory) UpdateExpense(_ context.Context, tenant billing.TenantID, e billing.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateExpenseLocked(tenant, e)
}

func (m *Memory) DeleteExpense(_ context.Context, tenant billing.TenantID, id billing.ExpenseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteExpenseLocked(tenant, id)
}

func (m *Memory) GetExpense(_ context.Context, tenant billing.TenantID, id billing.ExpenseID) (billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExpenseLocked(tenant, id)
}

func (m *Memory) ListExpenses(_ context.Context, tenant billing.TenantID) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExpensesLocked(tenant), nil
}

// =============================================================================
// COLLABORATORS - Membership and Directory
// =============================================================================

// PutStay records a horse stay; an existing rider+horse stay is replaced.
func (m *Memory) PutStay(tenant billing.TenantID, stay billing.Stay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenant)
	for i, s := range t.stays {
		if s.RiderID == stay.RiderID && s.HorseID == stay.HorseID {
			t.stays[i] = stay
			return
		}
	}
	t.stays = append(t.stays, stay)
}

// PutMember sets the display label of a rider.
func (m *Memory) PutMember(tenant billing.TenantID, rider billing.RiderID, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant(tenant).labels[rider] = label
}

func (m *Memory) ActiveStays(_ context.Context, tenant billing.TenantID) ([]billing.Stay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Stay
	for _, s := range m.peek(tenant).stays {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) RiderLabels(_ context.Context, tenant billing.TenantID) (map[billing.RiderID]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[billing.RiderID]string)
	for k, v := range m.peek(tenant).labels {
		out[k] = v
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.tenants = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() map[billing.TenantID]*tenantData {
	s := make(map[billing.TenantID]*tenantData, len(m.tenants))
	for k, v := range m.tenants {
		s[k] = v.clone()
	}
	return s
}

// txMemoryView runs against the parent while WithTx holds its write lock,
// so it must not lock again.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) InsertService(_ context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	return tv.parent.insertServiceLocked(tenant, svc)
}

func (tv *txMemoryView) UpdateService(_ context.Context, tenant billing.TenantID, svc billing.RecurringService) error {
	return tv.parent.updateServiceLocked(tenant, svc)
}

func (tv *txMemoryView) GetService(_ context.Context, tenant billing.TenantID, id billing.ServiceID) (billing.RecurringService, error) {
	return tv.parent.getServiceLocked(tenant, id)
}

func (tv *txMemoryView) ListServices(_ context.Context, tenant billing.TenantID, activeOnly bool) ([]billing.RecurringService, error) {
	return tv.parent.listServicesLocked(tenant, activeOnly), nil
}

func (tv *txMemoryView) InsertCharges(_ context.Context, tenant billing.TenantID, charges []billing.Charge) error {
	return tv.parent.insertChargesLocked(tenant, charges)
}

func (tv *txMemoryView) GetCharge(_ context.Context, tenant billing.TenantID, id billing.ChargeID) (billing.Charge, error) {
	return tv.parent.getChargeLocked(tenant, id)
}

func (tv *txMemoryView) ListCharges(_ context.Context, tenant billing.TenantID) ([]billing.Charge, error) {
	return append([]billing.Charge{}, tv.parent.peek(tenant).charges...), nil
}

func (tv *txMemoryView) UpdateChargeBalance(_ context.Context, tenant billing.TenantID, c billing.Charge) error {
	return tv.parent.updateChargeBalanceLocked(tenant, c)
}

func (tv *txMemoryView) InsertPayment(_ context.Context, tenant billing.TenantID, p billing.Payment) error {
	t := tv.parent.tenant(tenant)
	t.payments = append(t.payments, p)
	return nil
}

func (tv *txMemoryView) ListPayments(_ context.Context, tenant billing.TenantID) ([]billing.Payment, error) {
	return append([]billing.Payment{}, tv.parent.peek(tenant).payments...), nil
}

func (tv *txMemoryView) InsertExpense(_ context.Context, tenant billing.TenantID, e billing.Expense) error {
	return tv.parent.insertExpenseLocked(tenant, e)
}

func (tv *txMemoryView) UpdateExpense(_ context.Context, tenant billing.TenantID, e billing.Expense) error {
	return tv.parent.updateExpenseLocked(tenant, e)
}

func (tv *txMemoryView) DeleteExpense(_ context.Context, tenant billing.TenantID, id billing.ExpenseID) error {
	return tv.parent.deleteExpenseLocked(tenant, id)
}

func (tv *txMemoryView) GetExpense(_ context.Context, tenant billing.TenantID, id billing.ExpenseID) (billing.Expense, error) {
	return tv.parent.getExpenseLocked(tenant, id)
}

func (tv *txMemoryView) ListExpenses(_ context.Context, tenant billing.TenantID) ([]billing.Expense, error) {
	return tv.parent.listExpensesLocked(tenant), nil
}

var (
	_ billing.TxStore    = (*Memory)(nil)
	_ billing.Membership = (*Memory)(nil)
	_ billing.Directory  = (*Memory)(nil)
	_ billing.Store      = (*txMemoryView)(nil)
)
