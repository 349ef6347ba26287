package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"paybridge/catalog"
	"paybridge/faults"
)

var fixedNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := Open(Config{Path: dsn})
	require.NoError(t, err)
	st.nowFn = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func oneTimeProduct() catalog.Product {
	return catalog.Product{ID: "P001", Name: "單次購買", Price: 3500, Type: catalog.ProductOneTime}
}

func monthlyProduct() catalog.Product {
	return catalog.Product{
		ID: "plan_basic", Name: "基本方案", Price: 299, Type: catalog.ProductSubscription,
		PeriodType: catalog.PeriodMonth, PeriodDate: "01", PeriodTimes: 12, FirstType: catalog.FirstOnBuild,
	}
}

func seedOrder(t *testing.T, st *SQLStore, tradeNo, email, productID string, amount int64) *Order {
	t.Helper()
	order := &Order{
		TradeNo:     tradeNo,
		MerchantID:  "MER123",
		Amount:      amount,
		Status:      OrderPending,
		Email:       email,
		ProductID:   productID,
		ProductName: "test product",
		ProductType: TypeOneTime,
		CreatedAt:   fixedNow,
	}
	require.NoError(t, st.CreateOrder(context.Background(), order))
	return order
}

func TestOpenRequiresTarget(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestOrderLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, st, "trade0000000000000001", "alice@example.com", "P001", 3500)

	pending, err := st.FindPendingOrder(ctx, "alice@example.com", "P001")
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, "trade0000000000000001", pending.TradeNo)
	require.True(t, pending.IsPending())

	missing, err := st.FindPendingOrder(ctx, "alice@example.com", "P999")
	require.NoError(t, err)
	require.Nil(t, missing)

	completed := fixedNow.Add(2 * time.Minute)
	err = st.UpdateOrder(ctx, OrderPatch{
		TradeNo:       "trade0000000000000001",
		Status:        PaidStatusText,
		TradeSeq:      "S100001",
		PaymentMethod: "信用卡",
		Remark:        `{"source":"webhook"}`,
		CompletedAt:   &completed,
	})
	require.NoError(t, err)

	got, err := st.GetOrderByTradeNo(ctx, "trade0000000000000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, PaidStatusText, got.Status)
	require.Equal(t, "S100001", got.TradeSeq)
	require.True(t, got.Settled())
	require.NotNil(t, got.CompletedAt)

	// The pending lookup must no longer match.
	pending, err = st.FindPendingOrder(ctx, "alice@example.com", "P001")
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestUpdateOrderUnknownTradeNo(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateOrder(context.Background(), OrderPatch{TradeNo: "nope", Status: OrderPaid})
	require.True(t, faults.IsKind(err, faults.KindNotFound), "got %v", err)
}

func TestListUserOrdersNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		order := &Order{
			TradeNo:   fmt.Sprintf("trade%015d", i),
			Amount:    100,
			Status:    OrderPending,
			Email:     "bob@example.com",
			ProductID: "P001",
			CreatedAt: fixedNow.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, st.CreateOrder(ctx, order))
	}
	orders, err := st.ListUserOrders(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	require.Equal(t, "trade000000000000002", orders[0].TradeNo)
	require.Equal(t, "trade000000000000000", orders[2].TradeNo)
}

func TestListOrdersBetween(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	times := []time.Time{fixedNow.Add(-48 * time.Hour), fixedNow.Add(-12 * time.Hour), fixedNow}
	for i, at := range times {
		require.NoError(t, st.CreateOrder(ctx, &Order{
			TradeNo:   fmt.Sprintf("win%017d", i),
			Amount:    1,
			Status:    OrderPending,
			Email:     "c@d.e",
			CreatedAt: at,
		}))
	}
	window, err := st.ListOrdersBetween(ctx, fixedNow.Add(-24*time.Hour), fixedNow)
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, "win00000000000000001", window[0].TradeNo)
}

func TestUsers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &User{ID: "sub-1", Email: "alice@example.com", Name: "Alice"}))

	byID, err := st.FindUser(ctx, "sub-1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.WithinDuration(t, fixedNow, byID.CreatedAt, time.Second)

	byEmail, err := st.FindUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	require.Equal(t, "sub-1", byEmail.ID)

	missing, err := st.FindUserByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, st.UpdateUserLogin(ctx, "sub-1", "Alice L", ""))
	updated, err := st.FindUser(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, "Alice L", updated.Name)

	err = st.UpdateUserLogin(ctx, "ghost", "", "")
	require.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestGrantOneTimeIdempotentOnSource(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	product := oneTimeProduct()

	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "trade0000000000000001", ""))
	ent, err := st.GetEntitlement(ctx, "sub-1", "P001")
	require.NoError(t, err)
	require.NotNil(t, ent)
	require.Equal(t, EntitlementActive, ent.Status)
	require.Nil(t, ent.ExpiryDate)
	require.Equal(t, "trade0000000000000001", ent.SourceOrderID)

	// Replaying the same source order changes nothing.
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "trade0000000000000001", ""))
	again, err := st.GetEntitlement(ctx, "sub-1", "P001")
	require.NoError(t, err)
	require.Equal(t, ent.ID, again.ID)
	require.Nil(t, again.ExpiryDate)
	require.WithinDuration(t, ent.StartDate, again.StartDate, time.Second)
}

func TestGrantSubscriptionExtendsFromExpiry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	product := monthlyProduct()

	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "base_0", "PTN-X"))
	first, err := st.GetEntitlement(ctx, "sub-1", "plan_basic")
	require.NoError(t, err)
	require.NotNil(t, first.ExpiryDate)
	wantFirst := fixedNow.AddDate(0, 0, 32)
	require.WithinDuration(t, wantFirst, *first.ExpiryDate, time.Second)
	require.Equal(t, "PTN-X", first.PeriodTradeNo)

	// Cycle 2 lands while the first period is still active: the extension
	// builds on the existing expiry, not on now.
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "base_1", "PTN-X"))
	second, err := st.GetEntitlement(ctx, "sub-1", "plan_basic")
	require.NoError(t, err)
	require.WithinDuration(t, wantFirst.AddDate(0, 0, 32), *second.ExpiryDate, time.Second)

	// A replay of cycle 2 leaves the expiry untouched.
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "base_1", "PTN-X"))
	replay, err := st.GetEntitlement(ctx, "sub-1", "plan_basic")
	require.NoError(t, err)
	require.WithinDuration(t, *second.ExpiryDate, *replay.ExpiryDate, time.Second)

	ents, err := st.GetUserEntitlements(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, ents, 1, "grants must never create a second row per product")
}

func TestGrantSubscriptionLapsedExtendsFromNow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	product := monthlyProduct()

	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "base_0", "PTN-X"))

	// Jump the clock far past the expiry before the next cycle lands.
	st.nowFn = func() time.Time { return fixedNow.AddDate(0, 6, 0) }
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "base_7", "PTN-X"))
	ent, err := st.GetEntitlement(ctx, "sub-1", "plan_basic")
	require.NoError(t, err)
	require.WithinDuration(t, fixedNow.AddDate(0, 6, 0).AddDate(0, 0, 32), *ent.ExpiryDate, time.Second)
}

func TestCancelSubscription(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", monthlyProduct(), "base_0", "PTN-X"))

	ent, err := st.CancelSubscription(ctx, "sub-1", "PTN-X")
	require.NoError(t, err)
	require.Equal(t, EntitlementCancelled, ent.Status)
	require.NotNil(t, ent.CancelledAt)

	// Cancelling again is a no-op, not an error.
	again, err := st.CancelSubscription(ctx, "sub-1", "PTN-X")
	require.NoError(t, err)
	require.Equal(t, EntitlementCancelled, again.Status)

	_, err = st.CancelSubscription(ctx, "sub-1", "PTN-UNKNOWN")
	require.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestGrantAfterCancelReactivates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	product := monthlyProduct()
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "base_0", "PTN-X"))
	_, err := st.CancelSubscription(ctx, "sub-1", "PTN-X")
	require.NoError(t, err)

	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", product, "renew_0", "PTN-Y"))
	ent, err := st.GetEntitlement(ctx, "sub-1", "plan_basic")
	require.NoError(t, err)
	require.Equal(t, EntitlementActive, ent.Status)
	require.Nil(t, ent.CancelledAt)
	require.Equal(t, "PTN-Y", ent.PeriodTradeNo)
}

func TestGetUserEntitlementsDerivesExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.GrantEntitlement(ctx, "sub-1", monthlyProduct(), "base_0", "PTN-X"))

	st.nowFn = func() time.Time { return fixedNow.AddDate(1, 0, 0) }
	ents, err := st.GetUserEntitlements(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, EntitlementExpired, ents[0].Status)

	// The stored row is untouched; only the presented status derives.
	raw, err := st.GetEntitlement(ctx, "sub-1", "plan_basic")
	require.NoError(t, err)
	require.Equal(t, EntitlementActive, raw.Status)
}

func TestRecordPeriodPaymentIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	row := &PeriodPayment{
		PeriodTradeNo: "PTN-X",
		SequenceNo:    1,
		BaseOrderNo:   "base_0",
		TradeSeq:      "S200001",
		Amount:        299,
		Status:        PaidStatusText,
		PaidAt:        "2026-02-01 10:00:00",
	}
	require.NoError(t, st.RecordPeriodPayment(ctx, row))

	dup := *row
	dup.TradeSeq = "S999999"
	require.NoError(t, st.RecordPeriodPayment(ctx, &dup))

	rows, err := st.ListPeriodPayments(ctx, "PTN-X")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "S200001", rows[0].TradeSeq, "duplicate insert must not overwrite")

	require.NoError(t, st.RecordPeriodPayment(ctx, &PeriodPayment{PeriodTradeNo: "PTN-X", SequenceNo: 0, Amount: 299}))
	rows, err = st.ListPeriodPayments(ctx, "PTN-X")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 0, rows[0].SequenceNo)
	require.Equal(t, 1, rows[1].SequenceNo)
}

func TestCompensationQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := &CompensationTask{TradeNo: "trade0000000000000001", Amount: 3500, Reason: "user lookup failed", Attempt: 3}
	require.NoError(t, st.RecordFailedEntitlement(ctx, task))
	require.NotEqual(t, uuid.Nil, task.ID)
	require.WithinDuration(t, fixedNow, task.EnqueuedAt, time.Second)

	second := &CompensationTask{TradeNo: "trade0000000000000002", Amount: 100, Reason: "product missing", Attempt: 3, EnqueuedAt: fixedNow.Add(time.Minute)}
	require.NoError(t, st.RecordFailedEntitlement(ctx, second))

	tasks, err := st.ListCompensationTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "trade0000000000000001", tasks[0].TradeNo)

	require.NoError(t, st.BumpCompensationAttempt(ctx, task.ID, "still failing"))
	tasks, err = st.ListCompensationTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 4, tasks[0].Attempt)
	require.Equal(t, "still failing", tasks[0].Reason)

	require.NoError(t, st.DeleteCompensationTask(ctx, task.ID))
	tasks, err = st.ListCompensationTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, second.ID, tasks[0].ID)
}
