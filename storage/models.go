package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Logical order states. After a verified payment the processor records the
// gateway's own status text, so PENDING is the only state an order holds
// before verification.
const (
	OrderPending   = "PENDING"
	OrderPaid      = "PAID"
	OrderFailed    = "FAILED"
	OrderCancelled = "CANCELLED"
	OrderUnknown   = "UNKNOWN"
)

// Gateway settled-status text as persisted by the processor.
const PaidStatusText = "已付款"

// Entitlement states.
const (
	EntitlementActive    = "ACTIVE"
	EntitlementExpired   = "EXPIRED"
	EntitlementCancelled = "CANCELLED"
)

// Product type values mirrored onto orders and entitlements.
const (
	TypeOneTime      = "ONE_TIME"
	TypeSubscription = "SUBSCRIPTION"
)

// Order is one checkout attempt. A subscription's anchor order carries the
// "_0" suffix on its trade number; later cycles use "_1", "_2", and so on.
type Order struct {
	TradeNo       string `gorm:"primaryKey;size:64"`
	MerchantID    string `gorm:"size:32"`
	Amount        int64  `gorm:"not null"`
	Status        string `gorm:"size:32;index"`
	Email         string `gorm:"size:255;index"`
	ProductID     string `gorm:"size:64;index"`
	ProductName   string `gorm:"size:255"`
	ProductType   string `gorm:"size:16"`
	TradeSeq      string `gorm:"size:64"`
	PeriodTradeNo string `gorm:"size:64;index"`
	PaymentMethod string `gorm:"size:32"`
	Remark        string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// IsPending reports whether the order still awaits verification.
func (o *Order) IsPending() bool {
	return o != nil && o.Status == OrderPending
}

// Settled reports whether the order reached the gateway's paid state.
func (o *Order) Settled() bool {
	return o != nil && (o.Status == OrderPaid || o.Status == PaidStatusText)
}

// User mirrors the identity provider's subject. The core only reads users;
// login upserts happen at the auth edge.
type User struct {
	ID          string `gorm:"primaryKey;size:64"`
	Email       string `gorm:"uniqueIndex;size:255"`
	Name        string `gorm:"size:255"`
	Picture     string `gorm:"size:512"`
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Entitlement is the granted access derived from paid orders. One row exists
// per (user, product); grants flip status and advance expiry in place.
type Entitlement struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"size:64;uniqueIndex:idx_user_product"`
	ProductID     string    `gorm:"size:64;uniqueIndex:idx_user_product"`
	Type          string    `gorm:"size:16"`
	Status        string    `gorm:"size:16;index"`
	StartDate     time.Time
	ExpiryDate    *time.Time
	SourceOrderID string `gorm:"size:64;index"`
	PeriodTradeNo string `gorm:"size:64;index"`
	CancelledAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveStatus derives the presented status at a point in time: an ACTIVE
// subscription past its expiry reads as EXPIRED without a write.
func (e *Entitlement) EffectiveStatus(now time.Time) string {
	if e == nil {
		return ""
	}
	if e.Status == EntitlementActive && e.ExpiryDate != nil && e.ExpiryDate.Before(now) {
		return EntitlementExpired
	}
	return e.Status
}

// PeriodPayment is one recurring billing cycle, keyed by the gateway's period
// handle and the cycle sequence. The composite key makes duplicate webhook
// deliveries harmless.
type PeriodPayment struct {
	PeriodTradeNo string `gorm:"primaryKey;size:64"`
	SequenceNo    int    `gorm:"primaryKey"`
	BaseOrderNo   string `gorm:"size:64;index"`
	TradeSeq      string `gorm:"size:64"`
	Amount        int64
	Status        string `gorm:"size:32"`
	PaidAt        string `gorm:"size:32"`
	Remark        string `gorm:"type:text"`
	CreatedAt     time.Time
}

// CompensationTask records an entitlement grant whose synchronous retries
// exhausted. The sweeper re-drives these out of band.
type CompensationTask struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TradeNo    string    `gorm:"size:64;index"`
	Amount     int64
	Reason     string `gorm:"type:text"`
	Attempt    int
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&User{},
		&Entitlement{},
		&PeriodPayment{},
		&CompensationTask{},
	)
}
