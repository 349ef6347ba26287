// Package webhook terminates server-to-server callbacks from the payment
// gateway. Callback payloads are treated as hints only: after signature
// verification the handler re-queries the gateway and processes the
// authoritative result. The response body is always plain OK or FAIL so the
// gateway knows whether to redeliver.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"paybridge/faults"
	"paybridge/observability/logging"
	"paybridge/observability/metrics"
	"paybridge/payuni"
	"paybridge/processor"
)

// maxCallbackBytes caps the form body; gateway callbacks are small.
const maxCallbackBytes = 1 << 20

// Gateway is the slice of the payment client the handler needs.
type Gateway interface {
	VerifyInbound(envelope, hash string) bool
	ParseInbound(envelope string) (*payuni.Notification, error)
	QueryTrade(ctx context.Context, tradeNo string) (*payuni.TradeInfo, error)
}

// PaymentProcessor applies a verified callback to the system of record.
type PaymentProcessor interface {
	Process(ctx context.Context, in processor.Input) error
}

// Handler serves the gateway notify endpoint.
type Handler struct {
	gateway Gateway
	proc    PaymentProcessor
	logger  *slog.Logger
	metrics *metrics.Payments
}

func NewHandler(gateway Gateway, proc PaymentProcessor, logger *slog.Logger, m *metrics.Payments) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gateway: gateway, proc: proc, logger: logger, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.WarnContext(ctx, "callback body rejected", slog.String("error", err.Error()))
		h.respond(ctx, w, false)
		return
	}
	cb := payuni.CallbackFromValues(r.PostForm)
	digest := logging.Fingerprint(cb.EncryptInfo)
	if !h.gateway.VerifyInbound(cb.EncryptInfo, cb.HashInfo) {
		h.logger.WarnContext(ctx, "callback signature rejected",
			slog.String("digest", digest),
			slog.String("remote", r.RemoteAddr),
		)
		h.respond(ctx, w, false)
		return
	}
	parsed, err := h.gateway.ParseInbound(cb.EncryptInfo)
	if err != nil {
		h.logger.WarnContext(ctx, "callback envelope unreadable",
			slog.String("digest", digest),
			slog.String("error", err.Error()),
		)
		h.respond(ctx, w, false)
		return
	}
	h.logger.InfoContext(ctx, "callback received",
		slog.String("trade_no", parsed.MerTradeNo),
		slog.String("digest", digest),
		slog.Bool("period", parsed.IsPeriod()),
	)

	// The callback body names the trade; the query result decides it.
	start := time.Now()
	query, err := h.gateway.QueryTrade(ctx, parsed.MerTradeNo)
	h.metrics.ObserveGatewayQuery(time.Since(start).Seconds())
	if err != nil {
		h.logger.ErrorContext(ctx, "authoritative query failed",
			slog.String("trade_no", parsed.MerTradeNo),
			slog.String("error", err.Error()),
		)
		h.respond(ctx, w, false)
		return
	}
	if amt := parsed.Amount(); amt > 0 && amt != query.Amount {
		h.logger.WarnContext(ctx, "callback amount disagrees with query",
			slog.String("trade_no", parsed.MerTradeNo),
			slog.Int64("callback_amount", amt),
			slog.Int64("query_amount", query.Amount),
		)
		h.respond(ctx, w, false)
		return
	}

	err = h.proc.Process(ctx, processor.Input{
		Parsed:         parsed,
		Query:          query,
		EnvelopeDigest: digest,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "callback processing failed",
			slog.String("trade_no", parsed.MerTradeNo),
			slog.String("kind", string(faults.KindOf(err))),
			slog.String("error", err.Error()),
		)
		h.respond(ctx, w, false)
		return
	}
	h.respond(ctx, w, true)
}

// respond always answers 200 with a plain OK or FAIL body. The gateway keys
// redelivery off the body, not the HTTP status.
func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if ok {
		h.metrics.WebhookProcessed("ok")
		_, _ = w.Write([]byte("OK"))
		return
	}
	h.metrics.WebhookProcessed("fail")
	_, _ = w.Write([]byte("FAIL"))
}
