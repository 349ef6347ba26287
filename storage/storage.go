// Package storage persists orders, users, entitlements, period payments, and
// the compensation queue behind GORM. Production runs on Postgres; tests and
// small deployments use the embedded pure-Go SQLite driver. Single-row reads
// return (nil, nil) when no row matches; callers decide whether absence is an
// error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paybridge/catalog"
	"paybridge/faults"
)

// Config selects the database engine. DatabaseURL wins when both are set.
type Config struct {
	DatabaseURL string
	Path        string
}

// SQLStore is the GORM-backed implementation of the persistence port.
type SQLStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// Open connects to the configured engine and migrates the schema.
func Open(cfg Config) (*SQLStore, error) {
	var dial gorm.Dialector
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		dial = postgres.Open(cfg.DatabaseURL)
	case strings.TrimSpace(cfg.Path) != "":
		dial = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("storage: database url or sqlite path required")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLStore{db: db, nowFn: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storeErr(op string, err error) error {
	return faults.Wrap(faults.KindStoreTransient, op, err)
}

// FindPendingOrder returns the newest PENDING order for the email and product
// pair, or nil when none exists.
func (s *SQLStore) FindPendingOrder(ctx context.Context, email, productID string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).
		Where("email = ? AND product_id = ? AND status = ?", email, productID, OrderPending).
		Order("created_at DESC").
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find pending order", err)
	}
	return &order, nil
}

// CreateOrder inserts a new order row.
func (s *SQLStore) CreateOrder(ctx context.Context, order *Order) error {
	if order == nil {
		return faults.New(faults.KindBadRequest, "order is required")
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return storeErr("create order", err)
	}
	return nil
}

// OrderPatch is the partial update the processor applies after verification.
// Zero-valued fields are left untouched.
type OrderPatch struct {
	TradeNo       string
	Status        string
	TradeSeq      string
	PeriodTradeNo string
	PaymentMethod string
	Remark        string
	CompletedAt   *time.Time
}

// UpdateOrder applies a patch to the order row identified by trade number.
func (s *SQLStore) UpdateOrder(ctx context.Context, patch OrderPatch) error {
	tradeNo := strings.TrimSpace(patch.TradeNo)
	if tradeNo == "" {
		return faults.New(faults.KindBadRequest, "trade number is required")
	}
	updates := map[string]any{}
	if patch.Status != "" {
		updates["status"] = patch.Status
	}
	if patch.TradeSeq != "" {
		updates["trade_seq"] = patch.TradeSeq
	}
	if patch.PeriodTradeNo != "" {
		updates["period_trade_no"] = patch.PeriodTradeNo
	}
	if patch.PaymentMethod != "" {
		updates["payment_method"] = patch.PaymentMethod
	}
	if patch.Remark != "" {
		updates["remark"] = patch.Remark
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = patch.CompletedAt
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&Order{}).Where("trade_no = ?", tradeNo).Updates(updates)
	if res.Error != nil {
		return storeErr("update order", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "order %s not found", tradeNo)
	}
	return nil
}

// GetOrderByTradeNo fetches one order, or nil when absent.
func (s *SQLStore) GetOrderByTradeNo(ctx context.Context, tradeNo string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Where("trade_no = ?", strings.TrimSpace(tradeNo)).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get order", err)
	}
	return &order, nil
}

// ListUserOrders returns all orders for an email, newest first.
func (s *SQLStore) ListUserOrders(ctx context.Context, email string) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.TrimSpace(email)).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, storeErr("list user orders", err)
	}
	return orders, nil
}

// ListOrdersBetween returns orders created in [from, to), oldest first. The
// reconciliation job walks settlement windows through this.
func (s *SQLStore) ListOrdersBetween(ctx context.Context, from, to time.Time) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, storeErr("list orders between", err)
	}
	return orders, nil
}

// FindUser fetches a user by identity-provider subject, or nil when absent.
func (s *SQLStore) FindUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find user", err)
	}
	return &user, nil
}

// FindUserByEmail fetches a user by email, or nil when absent.
func (s *SQLStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", strings.TrimSpace(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find user by email", err)
	}
	return &user, nil
}

// CreateUser inserts a new user row with login timestamps set to now.
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return faults.New(faults.KindBadRequest, "user id is required")
	}
	now := s.nowFn()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.LastLoginAt.IsZero() {
		user.LastLoginAt = now
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return storeErr("create user", err)
	}
	return nil
}

// UpdateUserLogin bumps the last-login timestamp and refreshes profile fields
// that may have changed at the identity provider.
func (s *SQLStore) UpdateUserLogin(ctx context.Context, id, name, picture string) error {
	updates := map[string]any{"last_login_at": s.nowFn()}
	if strings.TrimSpace(name) != "" {
		updates["name"] = name
	}
	if strings.TrimSpace(picture) != "" {
		updates["picture"] = picture
	}
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", strings.TrimSpace(id)).Updates(updates)
	if res.Error != nil {
		return storeErr("update user login", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "user %s not found", id)
	}
	return nil
}

// GetUserEntitlements lists a user's entitlements with the presented status
// derived: an ACTIVE row past its expiry reads as EXPIRED.
func (s *SQLStore) GetUserEntitlements(ctx context.Context, userID string) ([]Entitlement, error) {
	var ents []Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Find(&ents).Error
	if err != nil {
		return nil, storeErr("get user entitlements", err)
	}
	now := s.nowFn()
	for i := range ents {
		ents[i].Status = ents[i].EffectiveStatus(now)
	}
	return ents, nil
}

// GetEntitlement fetches the single entitlement row for a user and product,
// or nil when absent.
func (s *SQLStore) GetEntitlement(ctx context.Context, userID, productID string) (*Entitlement, error) {
	var ent Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", strings.TrimSpace(userID), strings.TrimSpace(productID)).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get entitlement", err)
	}
	return &ent, nil
}

// GetEntitlementBySource fetches the entitlement last granted from the given
// order, or nil when absent.
func (s *SQLStore) GetEntitlementBySource(ctx context.Context, sourceOrderID string) (*Entitlement, error) {
	var ent Entitlement
	err := s.db.WithContext(ctx).
		Where("source_order_id = ?", strings.TrimSpace(sourceOrderID)).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get entitlement by source", err)
	}
	return &ent, nil
}

// GetEntitlementByPeriod fetches the entitlement bound to a recurring billing
// handle, or nil when absent. Subscription grants move their source order
// forward every cycle, so period-based joins go through this.
func (s *SQLStore) GetEntitlementByPeriod(ctx context.Context, periodTradeNo string) (*Entitlement, error) {
	var ent Entitlement
	err := s.db.WithContext(ctx).
		Where("period_trade_no = ?", strings.TrimSpace(periodTradeNo)).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get entitlement by period", err)
	}
	return &ent, nil
}

// GrantEntitlement applies a paid order to the user's entitlement for the
// product. Repeated grants from the same source order are no-ops, so webhook
// replays cannot stack extensions.
func (s *SQLStore) GrantEntitlement(ctx context.Context, userID string, product catalog.Product, sourceOrderID, periodTradeNo string) error {
	userID = strings.TrimSpace(userID)
	sourceOrderID = strings.TrimSpace(sourceOrderID)
	if userID == "" || sourceOrderID == "" {
		return faults.New(faults.KindBadRequest, "user id and source order are required")
	}
	now := s.nowFn()
	var existing Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, product.ID).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		ent := Entitlement{
			ID:            uuid.New(),
			UserID:        userID,
			ProductID:     product.ID,
			Type:          string(product.Type),
			Status:        EntitlementActive,
			StartDate:     now,
			SourceOrderID: sourceOrderID,
			PeriodTradeNo: periodTradeNo,
		}
		if product.IsSubscription() {
			expiry := now.AddDate(0, 0, product.ExtensionDays())
			ent.ExpiryDate = &expiry
		}
		if err := s.db.WithContext(ctx).Create(&ent).Error; err != nil {
			return storeErr("create entitlement", err)
		}
		return nil
	case err != nil:
		return storeErr("load entitlement", err)
	}

	if existing.SourceOrderID == sourceOrderID {
		// Replayed grant: the source order was already applied.
		return nil
	}

	updates := map[string]any{
		"status":          EntitlementActive,
		"source_order_id": sourceOrderID,
		"cancelled_at":    nil,
	}
	if product.IsSubscription() {
		base := now
		if existing.ExpiryDate != nil && existing.ExpiryDate.After(now) {
			base = *existing.ExpiryDate
		}
		updates["expiry_date"] = base.AddDate(0, 0, product.ExtensionDays())
		if strings.TrimSpace(periodTradeNo) != "" {
			updates["period_trade_no"] = periodTradeNo
		}
	} else {
		updates["start_date"] = now
		updates["expiry_date"] = nil
	}
	res := s.db.WithContext(ctx).Model(&Entitlement{}).Where("id = ?", existing.ID).Updates(updates)
	if res.Error != nil {
		return storeErr("extend entitlement", res.Error)
	}
	return nil
}

// CancelSubscription marks the user's entitlement for the period handle as
// cancelled and returns the updated row. Cancelling twice is a no-op.
func (s *SQLStore) CancelSubscription(ctx context.Context, userID, periodTradeNo string) (*Entitlement, error) {
	var ent Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND period_trade_no = ?", strings.TrimSpace(userID), strings.TrimSpace(periodTradeNo)).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "subscription %s not found", periodTradeNo)
	}
	if err != nil {
		return nil, storeErr("load subscription", err)
	}
	if ent.Status == EntitlementCancelled {
		return &ent, nil
	}
	now := s.nowFn()
	updates := map[string]any{"status": EntitlementCancelled, "cancelled_at": now}
	if err := s.db.WithContext(ctx).Model(&Entitlement{}).Where("id = ?", ent.ID).Updates(updates).Error; err != nil {
		return nil, storeErr("cancel subscription", err)
	}
	ent.Status = EntitlementCancelled
	ent.CancelledAt = &now
	return &ent, nil
}

// RecordPeriodPayment inserts one billing cycle row. Conflicts on the
// composite key are dropped silently.
func (s *SQLStore) RecordPeriodPayment(ctx context.Context, row *PeriodPayment) error {
	if row == nil || strings.TrimSpace(row.PeriodTradeNo) == "" {
		return faults.New(faults.KindBadRequest, "period trade number is required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
	if err != nil {
		return storeErr("record period payment", err)
	}
	return nil
}

// ListPeriodPayments returns the recorded cycles for a period handle in
// sequence order.
func (s *SQLStore) ListPeriodPayments(ctx context.Context, periodTradeNo string) ([]PeriodPayment, error) {
	var rows []PeriodPayment
	err := s.db.WithContext(ctx).
		Where("period_trade_no = ?", strings.TrimSpace(periodTradeNo)).
		Order("sequence_no ASC").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("list period payments", err)
	}
	return rows, nil
}

// RecordFailedEntitlement enqueues a compensation task after synchronous
// grant retries exhausted.
func (s *SQLStore) RecordFailedEntitlement(ctx context.Context, task *CompensationTask) error {
	if task == nil || strings.TrimSpace(task.TradeNo) == "" {
		return faults.New(faults.KindBadRequest, "trade number is required")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.nowFn()
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return storeErr("record compensation task", err)
	}
	return nil
}

// ListCompensationTasks returns queued repair work, oldest first.
func (s *SQLStore) ListCompensationTasks(ctx context.Context, limit int) ([]CompensationTask, error) {
	var tasks []CompensationTask
	q := s.db.WithContext(ctx).Order("enqueued_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, storeErr("list compensation tasks", err)
	}
	return tasks, nil
}

// DeleteCompensationTask removes a repaired task.
func (s *SQLStore) DeleteCompensationTask(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&CompensationTask{}, "id = ?", id).Error; err != nil {
		return storeErr("delete compensation task", err)
	}
	return nil
}

// BumpCompensationAttempt increments a task's attempt counter after another
// failed repair and records the latest error.
func (s *SQLStore) BumpCompensationAttempt(ctx context.Context, id uuid.UUID, reason string) error {
	res := s.db.WithContext(ctx).Model(&CompensationTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt": gorm.Expr("attempt + 1"),
			"reason":  reason,
		})
	if res.Error != nil {
		return storeErr("bump compensation attempt", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "compensation task %s not found", id)
	}
	return nil
}
