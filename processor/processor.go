// Package processor applies verified gateway callbacks to the system of
// record: it updates the order row, grants the entitlement with bounded
// retry, and records subscription cycle rows. The webhook handler delegates
// here after verification and re-query; a nil return is the only path to an
// OK response.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"paybridge/catalog"
	"paybridge/faults"
	"paybridge/observability/metrics"
	"paybridge/orders"
	"paybridge/payuni"
	"paybridge/storage"
)

const (
	defaultAttempts = 3
	defaultBackoff  = time.Second
)

// Store is the persistence surface the processor needs.
type Store interface {
	GetOrderByTradeNo(ctx context.Context, tradeNo string) (*storage.Order, error)
	UpdateOrder(ctx context.Context, patch storage.OrderPatch) error
	FindUserByEmail(ctx context.Context, email string) (*storage.User, error)
	GrantEntitlement(ctx context.Context, userID string, product catalog.Product, sourceOrderID, periodTradeNo string) error
	RecordPeriodPayment(ctx context.Context, row *storage.PeriodPayment) error
	RecordFailedEntitlement(ctx context.Context, task *storage.CompensationTask) error
}

// Processor coordinates the post-verification payment pipeline.
type Processor struct {
	store   Store
	catalog *catalog.Catalog
	logger  *slog.Logger
	metrics *metrics.Payments

	attempts int
	backoff  time.Duration
	nowFn    func() time.Time
	sleepFn  func(ctx context.Context, d time.Duration) error
}

// New wires a processor with the fixed retry contract: three grant attempts
// backed off 1s, 2s, 4s.
func New(store Store, cat *catalog.Catalog, logger *slog.Logger, m *metrics.Payments) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		catalog:  cat,
		logger:   logger,
		metrics:  m,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		nowFn:    time.Now,
		sleepFn:  sleepContext,
	}
}

// Input bundles a verified callback with the authoritative re-query result.
type Input struct {
	Parsed *payuni.Notification
	Query  *payuni.TradeInfo
	// EnvelopeDigest is a fingerprint of the raw callback envelope, kept in
	// the audit remark so an order can be correlated with the exact delivery
	// that settled it without storing ciphertext.
	EnvelopeDigest string
}

// Process runs the three-step pipeline. A nil return means the callback was
// fully applied (or applied with compensation queued); any error means the
// caller must answer FAIL so the gateway redelivers.
func (p *Processor) Process(ctx context.Context, in Input) error {
	if in.Parsed == nil || in.Query == nil {
		return faults.New(faults.KindBadRequest, "callback and query are required")
	}
	tradeNo := strings.TrimSpace(in.Parsed.MerTradeNo)
	if tradeNo == "" {
		return faults.New(faults.KindBadRequest, "callback lacks a merchant trade number")
	}
	isPeriod := in.Parsed.IsPeriod()
	storeTradeNo := tradeNo
	if isPeriod {
		storeTradeNo = orders.BaseTradeNo(tradeNo) + "_0"
	}
	sequence := orders.CycleSequence(tradeNo)

	order, err := p.store.GetOrderByTradeNo(ctx, storeTradeNo)
	if err != nil {
		return fmt.Errorf("load order %s: %w", storeTradeNo, err)
	}
	if order == nil {
		return faults.Newf(faults.KindNotFound, "order %s not found", storeTradeNo)
	}

	// The order row is the merchant-side truth for the expected charge. A
	// first subscription cycle may legitimately carry a promotional amount.
	expected := order.Amount
	if isPeriod && sequence == 0 {
		if product, ok := p.catalog.Find(order.ProductID); ok && product.FirstAmount > 0 {
			expected = product.FirstAmount
		}
	}
	if in.Query.Amount != expected {
		p.logger.WarnContext(ctx, "amount mismatch against order",
			slog.String("trade_no", storeTradeNo),
			slog.Int64("order_amount", expected),
			slog.Int64("query_amount", in.Query.Amount),
		)
		return faults.Newf(faults.KindAmountMismatch, "order %s expects %d, gateway reports %d", storeTradeNo, expected, in.Query.Amount)
	}

	remark := buildRemark(in)
	completed := p.nowFn()
	patch := storage.OrderPatch{
		TradeNo:       storeTradeNo,
		Status:        in.Query.StatusText,
		TradeSeq:      in.Query.TradeSeq,
		PeriodTradeNo: in.Parsed.PeriodTradeNo,
		PaymentMethod: in.Query.PaymentTypeText,
		Remark:        remark,
		CompletedAt:   &completed,
	}
	if err := p.store.UpdateOrder(ctx, patch); err != nil {
		return fmt.Errorf("update order %s: %w", storeTradeNo, err)
	}

	if !in.Query.IsPaid {
		p.logger.InfoContext(ctx, "order updated without settlement",
			slog.String("trade_no", storeTradeNo),
			slog.String("status", in.Query.StatusText),
		)
		return nil
	}

	if err := p.grantWithRetry(ctx, storeTradeNo, tradeNo, in.Parsed.PeriodTradeNo); err != nil {
		if !faults.Retryable(err) {
			return err
		}
		// The payment is real; entitlement repair moves offline. The task keeps
		// the delivered trade number so a cycle grant stays distinguishable
		// from the anchor's.
		task := &storage.CompensationTask{
			TradeNo: tradeNo,
			Amount:  in.Query.Amount,
			Reason:  err.Error(),
			Attempt: p.attempts,
		}
		if recErr := p.store.RecordFailedEntitlement(ctx, task); recErr != nil {
			p.logger.ErrorContext(ctx, "record compensation task",
				slog.String("trade_no", storeTradeNo),
				slog.String("error", recErr.Error()),
			)
		} else {
			p.metrics.CompensationQueued()
			p.logger.WarnContext(ctx, "entitlement grant deferred to compensation",
				slog.String("trade_no", storeTradeNo),
				slog.String("error", err.Error()),
			)
		}
	}

	if isPeriod {
		if strings.TrimSpace(in.Parsed.PeriodTradeNo) == "" {
			p.logger.WarnContext(ctx, "period callback without period trade number",
				slog.String("trade_no", tradeNo),
			)
			return nil
		}
		row := &storage.PeriodPayment{
			PeriodTradeNo: in.Parsed.PeriodTradeNo,
			SequenceNo:    sequence,
			BaseOrderNo:   storeTradeNo,
			TradeSeq:      in.Query.TradeSeq,
			Amount:        in.Query.Amount,
			Status:        in.Query.StatusText,
			PaidAt:        in.Query.PaidAt,
			Remark:        remark,
		}
		if err := p.store.RecordPeriodPayment(ctx, row); err != nil {
			return fmt.Errorf("record period payment %s/%d: %w", in.Parsed.PeriodTradeNo, sequence, err)
		}
	}
	return nil
}

// grantWithRetry drives grant attempts under the fixed 1s/2s/4s contract.
// Fatal classifications stop the loop immediately; only retryable exhaustion
// reaches the compensation path.
func (p *Processor) grantWithRetry(ctx context.Context, storeTradeNo, sourceTradeNo, periodTradeNo string) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := p.grantOnce(ctx, storeTradeNo, sourceTradeNo, periodTradeNo)
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) {
			return err
		}
		lastErr = err
		p.logger.WarnContext(ctx, "entitlement grant attempt failed",
			slog.String("trade_no", storeTradeNo),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if sleepErr := p.sleepFn(ctx, p.backoff<<(attempt-1)); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

// GrantForOrder performs a single grant attempt for an already-updated order,
// reconstructing the anchor row from a cycle-suffixed trade number. The
// compensation sweeper drives this on its own cadence.
func (p *Processor) GrantForOrder(ctx context.Context, tradeNo string) error {
	storeTradeNo := tradeNo
	if base := orders.BaseTradeNo(tradeNo); base != tradeNo {
		storeTradeNo = base + "_0"
	}
	return p.grantOnce(ctx, storeTradeNo, tradeNo, "")
}

// grantOnce grants from the order row keyed by storeTradeNo, using the
// delivered trade number as the idempotence source so each subscription cycle
// extends once and a replayed delivery never extends twice.
func (p *Processor) grantOnce(ctx context.Context, storeTradeNo, sourceTradeNo, periodTradeNo string) error {
	order, err := p.store.GetOrderByTradeNo(ctx, storeTradeNo)
	if err != nil {
		return fmt.Errorf("load order %s: %w", storeTradeNo, err)
	}
	if order == nil {
		return faults.Newf(faults.KindNotFound, "order %s not found", storeTradeNo)
	}
	product, ok := p.catalog.Find(order.ProductID)
	if !ok {
		return faults.Newf(faults.KindNotFound, "product %s not found", order.ProductID)
	}
	user, err := p.store.FindUserByEmail(ctx, order.Email)
	if err != nil {
		return fmt.Errorf("find user for %s: %w", storeTradeNo, err)
	}
	if user == nil {
		return faults.Newf(faults.KindNotFound, "no user for order %s", storeTradeNo)
	}
	if strings.TrimSpace(periodTradeNo) == "" {
		periodTradeNo = order.PeriodTradeNo
	}
	if err := p.store.GrantEntitlement(ctx, user.ID, product, sourceTradeNo, periodTradeNo); err != nil {
		return fmt.Errorf("grant entitlement for %s: %w", storeTradeNo, err)
	}
	p.metrics.EntitlementGranted(string(product.Type))
	p.logger.InfoContext(ctx, "entitlement granted",
		slog.String("trade_no", storeTradeNo),
		slog.String("product_id", product.ID),
		slog.String("user_id", user.ID),
	)
	return nil
}

type remarkDoc struct {
	Notify         map[string]string `json:"notify,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	EnvelopeDigest string            `json:"envelopeDigest,omitempty"`
}

// buildRemark merges the callback and query fields into the audit blob.
// Card and credential fields never reach storage.
func buildRemark(in Input) string {
	doc := remarkDoc{
		Notify:         scrubFields(in.Parsed.Fields),
		Query:          scrubFields(in.Query.Raw),
		EnvelopeDigest: in.EnvelopeDigest,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(raw)
}

func scrubFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		if isSensitiveField(key) {
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveField(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "k" || lower == "v" {
		return true
	}
	return strings.Contains(lower, "card")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
