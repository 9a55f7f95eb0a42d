package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stable-billing/billing"
	"github.com/warp/stable-billing/billing/store"
)

const tenant billing.TenantID = "center-1"

func recurring(id, service, rider, period string) billing.Charge {
	amount := decimal.NewFromInt(150)
	return billing.Charge{
		ID:              billing.ChargeID(id),
		RiderID:         billing.RiderID(rider),
		HorseID:         "h1",
		ServiceID:       billing.ServiceID(service),
		PeriodKey:       period,
		Description:     "Pupilaje",
		Amount:          amount,
		RemainingAmount: amount,
		Status:          billing.StatusPending,
		DueDate:         time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemory_InsertChargesRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.InsertCharges(ctx, tenant, []billing.Charge{recurring("c1", "s1", "r1", "2024-03")}))

	// Same dedupe key in a later batch
	err := m.InsertCharges(ctx, tenant, []billing.Charge{
		recurring("c2", "s2", "r1", "2024-03"),
		recurring("c3", "s1", "r1", "2024-03"),
	})
	assert.True(t, errors.Is(err, billing.ErrDuplicateCharge))

	// Duplicate inside one batch
	err = m.InsertCharges(ctx, tenant, []billing.Charge{
		recurring("c4", "s9", "r1", "2024-04"),
		recurring("c5", "s9", "r1", "2024-04"),
	})
	assert.True(t, errors.Is(err, billing.ErrDuplicateCharge))

	// Rejected batches write nothing
	charges, err := m.ListCharges(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, billing.ChargeID("c1"), charges[0].ID)

	// Other tenants have their own key space
	require.NoError(t, m.InsertCharges(ctx, "center-2", []billing.Charge{recurring("c1", "s1", "r1", "2024-03")}))
}

func TestMemory_UpdateChargeBalanceChecksVersion(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertCharges(ctx, tenant, []billing.Charge{recurring("c1", "s1", "r1", "2024-03")}))

	c, err := m.GetCharge(ctx, tenant, "c1")
	require.NoError(t, err)

	c.PaidAmount = decimal.NewFromInt(100)
	c.RemainingAmount = decimal.NewFromInt(50)
	c.Status = billing.StatusPartial
	require.NoError(t, m.UpdateChargeBalance(ctx, tenant, c))

	// Writing again with the stale version fails
	err = m.UpdateChargeBalance(ctx, tenant, c)
	assert.True(t, errors.Is(err, billing.ErrConcurrentModification))

	stored, err := m.GetCharge(ctx, tenant, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, billing.StatusPartial, stored.Status)

	err = m.UpdateChargeBalance(ctx, tenant, billing.Charge{ID: "missing"})
	assert.True(t, errors.Is(err, billing.ErrNotFound))
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertCharges(ctx, tenant, []billing.Charge{recurring("c1", "s1", "r1", "2024-03")}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.InsertPayment(ctx, tenant, billing.Payment{ID: "p1", RiderID: "r1", Amount: decimal.NewFromInt(10)}); err != nil {
			return err
		}
		c, err := tx.GetCharge(ctx, tenant, "c1")
		if err != nil {
			return err
		}
		c.PaidAmount = decimal.NewFromInt(10)
		if err := tx.UpdateChargeBalance(ctx, tenant, c); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	payments, err := m.ListPayments(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, payments)

	c, err := m.GetCharge(ctx, tenant, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Version)
	assert.True(t, c.PaidAmount.IsZero())
}

func TestMemory_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.WithTx(ctx, func(tx billing.Store) error {
		return tx.InsertPayment(ctx, tenant, billing.Payment{ID: "p1", RiderID: "r1", Amount: decimal.NewFromInt(10)})
	})
	require.NoError(t, err)

	payments, err := m.ListPayments(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestMemory_ServicesAndExpenses(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.InsertService(ctx, tenant, billing.RecurringService{ID: "s2", RiderID: "r1", Name: "B", Active: true, CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, m.InsertService(ctx, tenant, billing.RecurringService{ID: "s1", RiderID: "r1", Name: "A", Active: false, CreatedAt: t0}))

	all, err := m.ListServices(ctx, tenant, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, billing.ServiceID("s1"), all[0].ID)

	active, err := m.ListServices(ctx, tenant, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, billing.ServiceID("s2"), active[0].ID)

	_, err = m.GetService(ctx, tenant, "nope")
	assert.True(t, errors.Is(err, billing.ErrNotFound))

	require.NoError(t, m.InsertExpense(ctx, tenant, billing.Expense{ID: "e1", Category: "Forraje", Amount: decimal.NewFromInt(5), Date: t0}))
	require.NoError(t, m.DeleteExpense(ctx, tenant, "e1"))
	assert.True(t, errors.Is(m.DeleteExpense(ctx, tenant, "e1"), billing.ErrNotFound))
}

func TestMemory_Collaborators(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	m.PutStay(tenant, billing.Stay{RiderID: "r1", HorseID: "h1", Active: true})
	m.PutStay(tenant, billing.Stay{RiderID: "r2", HorseID: "h2", Active: true})
	m.PutStay(tenant, billing.Stay{RiderID: "r2", HorseID: "h2", Active: false})
	m.PutMember(tenant, "r1", "Ana")

	stays, err := m.ActiveStays(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, stays, 1)
	assert.Equal(t, billing.RiderID("r1"), stays[0].RiderID)

	labels, err := m.RiderLabels(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, map[billing.RiderID]string{"r1": "Ana"}, labels)

	stays, err = m.ActiveStays(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, stays)
}
