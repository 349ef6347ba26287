package processor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"paybridge/catalog"
	"paybridge/faults"
	"paybridge/payuni"
	"paybridge/storage"
)

var fixedNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type stubStore struct {
	getOrderFn     func(ctx context.Context, tradeNo string) (*storage.Order, error)
	updateFn       func(ctx context.Context, patch storage.OrderPatch) error
	findUserFn     func(ctx context.Context, email string) (*storage.User, error)
	grantFn        func(ctx context.Context, userID string, product catalog.Product, sourceOrderID, periodTradeNo string) error
	recordPeriodFn func(ctx context.Context, row *storage.PeriodPayment) error
	recordTaskFn   func(ctx context.Context, task *storage.CompensationTask) error

	getOrderCalls int
	updateCalls   int
	grantCalls    int
	periodCalls   int
	taskCalls     int

	patches []storage.OrderPatch
	grants  []grantCall
	periods []*storage.PeriodPayment
	tasks   []*storage.CompensationTask
}

type grantCall struct {
	userID        string
	product       catalog.Product
	sourceOrderID string
	periodTradeNo string
}

func (s *stubStore) GetOrderByTradeNo(ctx context.Context, tradeNo string) (*storage.Order, error) {
	s.getOrderCalls++
	if s.getOrderFn != nil {
		return s.getOrderFn(ctx, tradeNo)
	}
	return nil, nil
}

func (s *stubStore) UpdateOrder(ctx context.Context, patch storage.OrderPatch) error {
	s.updateCalls++
	s.patches = append(s.patches, patch)
	if s.updateFn != nil {
		return s.updateFn(ctx, patch)
	}
	return nil
}

func (s *stubStore) FindUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	if s.findUserFn != nil {
		return s.findUserFn(ctx, email)
	}
	return nil, nil
}

func (s *stubStore) GrantEntitlement(ctx context.Context, userID string, product catalog.Product, sourceOrderID, periodTradeNo string) error {
	s.grantCalls++
	s.grants = append(s.grants, grantCall{userID, product, sourceOrderID, periodTradeNo})
	if s.grantFn != nil {
		return s.grantFn(ctx, userID, product, sourceOrderID, periodTradeNo)
	}
	return nil
}

func (s *stubStore) RecordPeriodPayment(ctx context.Context, row *storage.PeriodPayment) error {
	s.periodCalls++
	s.periods = append(s.periods, row)
	if s.recordPeriodFn != nil {
		return s.recordPeriodFn(ctx, row)
	}
	return nil
}

func (s *stubStore) RecordFailedEntitlement(ctx context.Context, task *storage.CompensationTask) error {
	s.taskCalls++
	s.tasks = append(s.tasks, task)
	if s.recordTaskFn != nil {
		return s.recordTaskFn(ctx, task)
	}
	return nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Product{
		{ID: "P001", Name: "單次購買", Price: 3500, Type: catalog.ProductOneTime},
		{
			ID: "plan_basic", Name: "基本方案", Price: 299, Type: catalog.ProductSubscription,
			PeriodType: catalog.PeriodMonth, PeriodDate: "01", PeriodTimes: 12, FirstType: catalog.FirstOnBuild,
		},
		{
			ID: "plan_annual", Name: "年度方案", Price: 1999, Type: catalog.ProductSubscription,
			PeriodType: catalog.PeriodYear, PeriodDate: "0101", PeriodTimes: 99,
			FirstType: catalog.FirstOnDate, FirstAmount: 99,
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

func newTestProcessor(t *testing.T, store *stubStore) (*Processor, *[]time.Duration) {
	t.Helper()
	proc := New(store, testCatalog(t), nil, nil)
	proc.nowFn = func() time.Time { return fixedNow }
	delays := &[]time.Duration{}
	proc.sleepFn = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return proc, delays
}

func pendingOrder(tradeNo, productID string, amount int64) *storage.Order {
	return &storage.Order{
		TradeNo:     tradeNo,
		MerchantID:  "MER123",
		Amount:      amount,
		Status:      storage.OrderPending,
		Email:       "buyer@example.com",
		ProductID:   productID,
		ProductName: "單次購買",
		ProductType: storage.TypeOneTime,
	}
}

func paidQuery(amount int64) *payuni.TradeInfo {
	return &payuni.TradeInfo{
		TradeNo:         "UNI888",
		TradeSeq:        "S100001",
		StatusCode:      payuni.StatusPaid,
		StatusText:      "已付款",
		Amount:          amount,
		PaymentType:     1,
		PaymentTypeText: "信用卡",
		PaidAt:          "2026-01-15 10:00:00",
		IsPaid:          true,
		Raw:             map[string]string{"TradeNo": "UNI888", "CardNo": "400022******1234"},
	}
}

func TestProcessSettlesOneTimeOrder(t *testing.T) {
	tradeNo := "aB3dE5fG7hJ9kL1mN3pQ"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			if tn != tradeNo {
				t.Fatalf("unexpected order lookup %q", tn)
			}
			return pendingOrder(tradeNo, "P001", 3500), nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			return &storage.User{ID: "user-1", Email: email}, nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{
			MerTradeNo: tradeNo,
			Status:     "SUCCESS",
			TradeAmt:   3500,
			Fields:     map[string]string{"MerTradeNo": tradeNo, "CardNo": "400022******1234"},
		},
		Query:          paidQuery(3500),
		EnvelopeDigest: "3f7a",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if store.updateCalls != 1 {
		t.Fatalf("update calls = %d, want 1", store.updateCalls)
	}
	patch := store.patches[0]
	if patch.Status != "已付款" || patch.TradeSeq != "S100001" || patch.PaymentMethod != "信用卡" {
		t.Fatalf("unexpected patch %+v", patch)
	}
	if patch.CompletedAt == nil || !patch.CompletedAt.Equal(fixedNow) {
		t.Fatalf("completedAt = %v", patch.CompletedAt)
	}
	if store.grantCalls != 1 {
		t.Fatalf("grant calls = %d, want 1", store.grantCalls)
	}
	g := store.grants[0]
	if g.userID != "user-1" || g.product.ID != "P001" || g.sourceOrderID != tradeNo || g.periodTradeNo != "" {
		t.Fatalf("unexpected grant %+v", g)
	}
	if store.periodCalls != 0 {
		t.Fatalf("period rows recorded for a one-time order")
	}
	if store.taskCalls != 0 {
		t.Fatalf("compensation queued on the happy path")
	}

	var remark remarkDoc
	if err := json.Unmarshal([]byte(patch.Remark), &remark); err != nil {
		t.Fatalf("remark is not JSON: %v", err)
	}
	if remark.EnvelopeDigest != "3f7a" {
		t.Fatalf("envelope digest = %q", remark.EnvelopeDigest)
	}
	if _, ok := remark.Notify["CardNo"]; ok {
		t.Fatal("card number leaked into notify remark")
	}
	if _, ok := remark.Query["CardNo"]; ok {
		t.Fatal("card number leaked into query remark")
	}
	if remark.Query["TradeNo"] != "UNI888" {
		t.Fatalf("query remark lost fields: %+v", remark.Query)
	}
}

func TestProcessRejectsAmountMismatch(t *testing.T) {
	tradeNo := "aB3dE5fG7hJ9kL1mN3pQ"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			return pendingOrder(tradeNo, "P001", 3500), nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{MerTradeNo: tradeNo, TradeAmt: 9999},
		Query:  paidQuery(9999),
	})
	if faults.KindOf(err) != faults.KindAmountMismatch {
		t.Fatalf("kind = %v, want amount mismatch", faults.KindOf(err))
	}
	if store.updateCalls != 0 {
		t.Fatal("order updated despite amount mismatch")
	}
	if store.grantCalls != 0 {
		t.Fatal("entitlement granted despite amount mismatch")
	}
}

func TestProcessUnknownOrder(t *testing.T) {
	store := &stubStore{}
	proc, _ := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{MerTradeNo: "nosuchorder12345678a", TradeAmt: 100},
		Query:  paidQuery(100),
	})
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("kind = %v, want not found", faults.KindOf(err))
	}
	if store.updateCalls != 0 {
		t.Fatal("order updated despite missing row")
	}
}

func TestProcessPeriodCycleRecordsPayment(t *testing.T) {
	base := "zY8xW6vU4tS2rQ0pN8mL"
	anchor := base + "_0"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			if tn != anchor {
				return nil, nil
			}
			order := pendingOrder(anchor, "plan_basic", 299)
			order.ProductType = storage.TypeSubscription
			return order, nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			return &storage.User{ID: "user-7", Email: email}, nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	query := paidQuery(299)
	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{
			MerTradeNo:    base + "_2",
			PeriodAmt:     299,
			PeriodTradeNo: "PT20260115001",
		},
		Query: query,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if store.periodCalls != 1 {
		t.Fatalf("period calls = %d, want 1", store.periodCalls)
	}
	row := store.periods[0]
	if row.PeriodTradeNo != "PT20260115001" || row.SequenceNo != 2 {
		t.Fatalf("period key = (%q,%d)", row.PeriodTradeNo, row.SequenceNo)
	}
	if row.BaseOrderNo != anchor || row.Amount != 299 || row.Status != "已付款" {
		t.Fatalf("unexpected period row %+v", row)
	}
	// The grant source is the delivered cycle number, not the anchor, so a
	// fresh cycle extends while a redelivery of the same cycle does not.
	g := store.grants[0]
	if g.sourceOrderID != base+"_2" || g.periodTradeNo != "PT20260115001" {
		t.Fatalf("unexpected grant %+v", g)
	}
}

func TestProcessFirstCyclePromotionalAmount(t *testing.T) {
	base := "zY8xW6vU4tS2rQ0pN8mL"
	anchor := base + "_0"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			order := pendingOrder(anchor, "plan_annual", 1999)
			order.ProductType = storage.TypeSubscription
			return order, nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			return &storage.User{ID: "user-7", Email: email}, nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{
			MerTradeNo:    anchor,
			PeriodAmt:     99,
			PeriodTradeNo: "PT20260115009",
		},
		Query: paidQuery(99),
	})
	if err != nil {
		t.Fatalf("first cycle with promo amount rejected: %v", err)
	}
	if store.grantCalls != 1 {
		t.Fatalf("grant calls = %d, want 1", store.grantCalls)
	}
}

func TestProcessGrantRetryExhaustionQueuesCompensation(t *testing.T) {
	tradeNo := "aB3dE5fG7hJ9kL1mN3pQ"
	lookupCalls := 0
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			return pendingOrder(tradeNo, "P001", 3500), nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			lookupCalls++
			return nil, faults.New(faults.KindStoreTransient, "connection reset")
		},
	}
	proc, delays := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{MerTradeNo: tradeNo, TradeAmt: 3500},
		Query:  paidQuery(3500),
	})
	if err != nil {
		t.Fatalf("retry exhaustion must still acknowledge the webhook, got %v", err)
	}
	if lookupCalls != 3 {
		t.Fatalf("user lookups = %d, want 3", lookupCalls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
	if store.taskCalls != 1 {
		t.Fatalf("task calls = %d, want 1", store.taskCalls)
	}
	task := store.tasks[0]
	if task.TradeNo != tradeNo || task.Amount != 3500 || task.Attempt != 3 {
		t.Fatalf("unexpected task %+v", task)
	}
	if !strings.Contains(task.Reason, "connection reset") {
		t.Fatalf("task reason = %q", task.Reason)
	}
}

func TestProcessGrantRecoversAfterTransient(t *testing.T) {
	tradeNo := "aB3dE5fG7hJ9kL1mN3pQ"
	lookupCalls := 0
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			return pendingOrder(tradeNo, "P001", 3500), nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			lookupCalls++
			if lookupCalls == 1 {
				return nil, faults.New(faults.KindStoreTransient, "connection reset")
			}
			return &storage.User{ID: "user-1", Email: email}, nil
		},
	}
	proc, delays := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{MerTradeNo: tradeNo, TradeAmt: 3500},
		Query:  paidQuery(3500),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.grantCalls != 1 || store.taskCalls != 0 {
		t.Fatalf("grants = %d, tasks = %d", store.grantCalls, store.taskCalls)
	}
	if len(*delays) != 1 || (*delays)[0] != time.Second {
		t.Fatalf("delays = %v, want [1s]", *delays)
	}
}

func TestProcessFatalGrantFailureIsNotCompensated(t *testing.T) {
	tradeNo := "aB3dE5fG7hJ9kL1mN3pQ"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			return pendingOrder(tradeNo, "P001", 3500), nil
		},
		// No account matches the buyer email.
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			return nil, nil
		},
	}
	proc, delays := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{MerTradeNo: tradeNo, TradeAmt: 3500},
		Query:  paidQuery(3500),
	})
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("kind = %v, want not found", faults.KindOf(err))
	}
	if len(*delays) != 0 {
		t.Fatalf("fatal failures must not retry, slept %v", *delays)
	}
	if store.taskCalls != 0 {
		t.Fatal("fatal failure queued compensation")
	}
}

func TestProcessUnpaidStatusOnlyUpdatesOrder(t *testing.T) {
	tradeNo := "aB3dE5fG7hJ9kL1mN3pQ"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			return pendingOrder(tradeNo, "P001", 3500), nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	query := paidQuery(3500)
	query.StatusCode = payuni.StatusFailed
	query.StatusText = "付款失敗"
	query.IsPaid = false

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{MerTradeNo: tradeNo, TradeAmt: 3500},
		Query:  query,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.updateCalls != 1 {
		t.Fatalf("update calls = %d, want 1", store.updateCalls)
	}
	if store.patches[0].Status != "付款失敗" {
		t.Fatalf("status = %q", store.patches[0].Status)
	}
	if store.grantCalls != 0 {
		t.Fatal("granted an entitlement for an unpaid status")
	}
}

func TestProcessPeriodRowFailurePropagates(t *testing.T) {
	base := "zY8xW6vU4tS2rQ0pN8mL"
	anchor := base + "_0"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			order := pendingOrder(anchor, "plan_basic", 299)
			order.ProductType = storage.TypeSubscription
			return order, nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			return &storage.User{ID: "user-7", Email: email}, nil
		},
		recordPeriodFn: func(ctx context.Context, row *storage.PeriodPayment) error {
			return faults.New(faults.KindStoreTransient, "disk full")
		},
	}
	proc, _ := newTestProcessor(t, store)

	err := proc.Process(context.Background(), Input{
		Parsed: &payuni.Notification{
			MerTradeNo:    base + "_1",
			PeriodAmt:     299,
			PeriodTradeNo: "PT20260115001",
		},
		Query: paidQuery(299),
	})
	if err == nil {
		t.Fatal("period row failure must surface so the gateway redelivers")
	}
	if faults.KindOf(err) != faults.KindStoreTransient {
		t.Fatalf("kind = %v", faults.KindOf(err))
	}
}

func TestGrantForOrderMapsCycleToAnchor(t *testing.T) {
	base := "zY8xW6vU4tS2rQ0pN8mL"
	anchor := base + "_0"
	var lookups []string
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			lookups = append(lookups, tn)
			if tn != anchor {
				return nil, nil
			}
			order := pendingOrder(anchor, "plan_basic", 299)
			order.ProductType = storage.TypeSubscription
			order.PeriodTradeNo = "PT20260115001"
			return order, nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			return &storage.User{ID: "user-7", Email: email}, nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	if err := proc.GrantForOrder(context.Background(), base+"_2"); err != nil {
		t.Fatalf("grant for cycle: %v", err)
	}
	if len(lookups) != 1 || lookups[0] != anchor {
		t.Fatalf("lookups = %v, want [%s]", lookups, anchor)
	}
	g := store.grants[0]
	if g.sourceOrderID != base+"_2" {
		t.Fatalf("source = %q, want the delivered cycle number", g.sourceOrderID)
	}
	if g.periodTradeNo != "PT20260115001" {
		t.Fatalf("period handle = %q, want the anchor's", g.periodTradeNo)
	}
}

type stubSweepStore struct {
	tasks   []storage.CompensationTask
	deleted []uuid.UUID
	bumped  map[uuid.UUID]string
}

func (s *stubSweepStore) ListCompensationTasks(ctx context.Context, limit int) ([]storage.CompensationTask, error) {
	return s.tasks, nil
}

func (s *stubSweepStore) DeleteCompensationTask(ctx context.Context, id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubSweepStore) BumpCompensationAttempt(ctx context.Context, id uuid.UUID, reason string) error {
	if s.bumped == nil {
		s.bumped = make(map[uuid.UUID]string)
	}
	s.bumped[id] = reason
	return nil
}

func TestSweeperRepairsAndBumps(t *testing.T) {
	goodTrade := "aB3dE5fG7hJ9kL1mN3pQ"
	badTrade := "zY8xW6vU4tS2rQ0pN8mL_0"
	store := &stubStore{
		getOrderFn: func(ctx context.Context, tn string) (*storage.Order, error) {
			switch tn {
			case goodTrade:
				return pendingOrder(goodTrade, "P001", 3500), nil
			case badTrade:
				order := pendingOrder(badTrade, "plan_basic", 299)
				order.Email = "ghost@example.com"
				return order, nil
			}
			return nil, nil
		},
		findUserFn: func(ctx context.Context, email string) (*storage.User, error) {
			if email == "ghost@example.com" {
				return nil, nil
			}
			return &storage.User{ID: "user-1", Email: email}, nil
		},
	}
	proc, _ := newTestProcessor(t, store)

	taskGood := storage.CompensationTask{ID: uuid.New(), TradeNo: goodTrade, Amount: 3500, Attempt: 3}
	taskBad := storage.CompensationTask{ID: uuid.New(), TradeNo: badTrade, Amount: 299, Attempt: 3}
	queue := &stubSweepStore{tasks: []storage.CompensationTask{taskGood, taskBad}}

	sweeper := NewSweeper(queue, proc, time.Minute, nil)
	repaired, failed := sweeper.Sweep(context.Background())
	if repaired != 1 || failed != 1 {
		t.Fatalf("repaired = %d, failed = %d", repaired, failed)
	}
	if len(queue.deleted) != 1 || queue.deleted[0] != taskGood.ID {
		t.Fatalf("deleted = %v", queue.deleted)
	}
	reason, ok := queue.bumped[taskBad.ID]
	if !ok {
		t.Fatal("failed task was not bumped")
	}
	if !strings.Contains(reason, "no user") {
		t.Fatalf("bump reason = %q", reason)
	}
	if store.grantCalls != 1 {
		t.Fatalf("grant calls = %d, want 1", store.grantCalls)
	}
}
