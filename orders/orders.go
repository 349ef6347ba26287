// Package orders creates and deduplicates checkout orders. A user retrying a
// checkout for the same product reuses their open PENDING order, so abandoned
// payment pages do not pile up rows or trade numbers.
package orders

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"paybridge/catalog"
	"paybridge/faults"
	"paybridge/observability/logging"
	"paybridge/storage"
)

const (
	tradeNoAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tradeNoLength   = 20
)

// NewTradeNo returns a 20-character alphanumeric trade number drawn from a
// CSPRNG. Values match [A-Za-z0-9]{20}.
func NewTradeNo() (string, error) {
	buf := make([]byte, tradeNoLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("orders: read entropy: %w", err)
	}
	out := make([]byte, tradeNoLength)
	for i, b := range buf {
		out[i] = tradeNoAlphabet[int(b)%len(tradeNoAlphabet)]
	}
	return string(out), nil
}

// Store is the persistence surface the order service needs.
type Store interface {
	FindPendingOrder(ctx context.Context, email, productID string) (*storage.Order, error)
	CreateOrder(ctx context.Context, order *storage.Order) error
}

// Service deduplicates and creates orders for one merchant account.
type Service struct {
	store      Store
	merchantID string
	logger     *slog.Logger

	nowFn      func() time.Time
	newTradeNo func() (string, error)
}

// NewService wires the order service.
func NewService(store Store, merchantID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		merchantID: strings.TrimSpace(merchantID),
		logger:     logger,
		nowFn:      time.Now,
		newTradeNo: NewTradeNo,
	}
}

// Result carries the resolved order and whether an existing PENDING row was
// reused instead of created.
type Result struct {
	Order  *storage.Order
	Reused bool
}

// FindOrCreate returns the user's open PENDING order for the product, or
// creates a fresh one. Subscription anchors get the "_0" suffix on a newly
// generated base trade number.
func (s *Service) FindOrCreate(ctx context.Context, email string, product catalog.Product) (*Result, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, faults.New(faults.KindBadRequest, "email is required")
	}
	pending, err := s.store.FindPendingOrder(ctx, email, product.ID)
	if err != nil {
		return nil, fmt.Errorf("find pending order: %w", err)
	}
	if pending != nil && pending.IsPending() && pending.ProductID == product.ID {
		s.logger.Info("order reused",
			slog.String("trade_no", pending.TradeNo),
			slog.String("product_id", product.ID),
			logging.MaskField("email", email),
		)
		return &Result{Order: pending, Reused: true}, nil
	}

	base, err := s.newTradeNo()
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	tradeNo := base
	if product.IsSubscription() {
		tradeNo = base + "_0"
	}
	order := &storage.Order{
		TradeNo:     tradeNo,
		MerchantID:  s.merchantID,
		Amount:      product.Price,
		Status:      storage.OrderPending,
		Email:       email,
		ProductID:   product.ID,
		ProductName: product.Name,
		ProductType: string(product.Type),
		CreatedAt:   s.nowFn(),
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order created",
		slog.String("trade_no", order.TradeNo),
		slog.String("product_id", product.ID),
		slog.Int64("amount", order.Amount),
		logging.MaskField("email", email),
	)
	return &Result{Order: order, Reused: false}, nil
}

// BaseTradeNo strips a trailing "_N" cycle suffix, returning the anchor base.
func BaseTradeNo(tradeNo string) string {
	if i := strings.LastIndex(tradeNo, "_"); i > 0 {
		suffix := tradeNo[i+1:]
		if isDigits(suffix) {
			return tradeNo[:i]
		}
	}
	return tradeNo
}

// CycleSequence parses the trailing "_N" cycle suffix; orders without one are
// sequence 0.
func CycleSequence(tradeNo string) int {
	if i := strings.LastIndex(tradeNo, "_"); i > 0 {
		suffix := tradeNo[i+1:]
		if isDigits(suffix) {
			n := 0
			for _, c := range suffix {
				n = n*10 + int(c-'0')
			}
			return n
		}
	}
	return 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
