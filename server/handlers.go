package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"paybridge/auth"
	"paybridge/faults"
	"paybridge/observability/logging"
	"paybridge/payuni"
	"paybridge/resulttoken"
	"paybridge/storage"
)

// maxBodyBytes caps request bodies; every inbound payload here is small.
const maxBodyBytes = 1 << 20

type checkoutRequest struct {
	ProductID      string `json:"productId"`
	TurnstileToken string `json:"turnstileToken"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	s.handleCheckout(w, r, false)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	s.handleCheckout(w, r, true)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, subscription bool) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		s.renderError(w, r, faults.New(faults.KindUnauthorized, "session required"))
		return
	}
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.human.Check(ctx, req.TurnstileToken, remoteIP(r)); err != nil {
		s.renderError(w, r, err)
		return
	}
	product, ok := s.catalog.Find(req.ProductID)
	if !ok {
		s.renderError(w, r, faults.Newf(faults.KindBadProduct, "unknown product %q", req.ProductID))
		return
	}
	if product.IsSubscription() != subscription {
		if subscription {
			s.renderError(w, r, faults.Newf(faults.KindBadProduct, "product %s is not a subscription", product.ID))
		} else {
			s.renderError(w, r, faults.Newf(faults.KindBadProduct, "product %s requires the subscription checkout", product.ID))
		}
		return
	}
	res, err := s.orders.FindOrCreate(ctx, id.Email, product)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	var build *payuni.PaymentRequest
	if subscription {
		build, err = s.gateway.BuildSubscription(res.Order.TradeNo, product, id.Email, s.returnURL)
	} else {
		build, err = s.gateway.BuildOneShot(res.Order.TradeNo, product, id.Email, s.returnURL)
	}
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.metrics.CheckoutCreated(string(product.Type))
	s.logger.InfoContext(ctx, "checkout prepared",
		slog.String("trade_no", res.Order.TradeNo),
		slog.String("product_id", product.ID),
		slog.Bool("subscription", subscription),
		slog.Bool("reused", res.Reused),
	)
	writeJSON(w, http.StatusOK, build)
}

// handlePaymentReturn stages the browser-visible result and redirects. The
// order store is never touched here; the webhook channel owns state changes.
func (s *Server) handlePaymentReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.logger.WarnContext(ctx, "return body rejected", slog.String("error", err.Error()))
		s.redirectResult(w, r, url.Values{"status": {"fail"}, "reason": {"processing_error"}})
		return
	}
	cb := payuni.CallbackFromValues(r.PostForm)
	digest := logging.Fingerprint(cb.EncryptInfo)
	if !s.gateway.VerifyInbound(cb.EncryptInfo, cb.HashInfo) {
		s.logger.WarnContext(ctx, "return signature rejected",
			slog.String("digest", digest),
			slog.String("remote", r.RemoteAddr),
		)
		s.redirectResult(w, r, url.Values{"status": {"fail"}, "reason": {"invalid_hash"}})
		return
	}
	parsed, err := s.gateway.ParseInbound(cb.EncryptInfo)
	if err != nil {
		s.logger.WarnContext(ctx, "return envelope unreadable",
			slog.String("digest", digest),
			slog.String("error", err.Error()),
		)
		s.redirectResult(w, r, url.Values{"status": {"fail"}, "reason": {"processing_error"}})
		return
	}
	token, err := s.tokens.Put(resulttoken.Snapshot{
		Status:   statusWord(parsed.Status),
		TradeNo:  parsed.MerTradeNo,
		TradeSeq: parsed.TradeNo,
		Amount:   parsed.Amount(),
		PaidAt:   parsed.PaymentDay,
		Message:  parsed.Status,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "result snapshot dropped",
			slog.String("trade_no", parsed.MerTradeNo),
			slog.String("error", err.Error()),
		)
		s.redirectResult(w, r, url.Values{"status": {"fail"}, "reason": {"processing_error"}})
		return
	}
	s.metrics.SetResultTokens(s.tokens.Len())
	s.logger.InfoContext(ctx, "return result staged",
		slog.String("trade_no", parsed.MerTradeNo),
		slog.String("digest", digest),
	)
	s.redirectResult(w, r, url.Values{"token": {token}})
}

func (s *Server) redirectResult(w http.ResponseWriter, r *http.Request, q url.Values) {
	http.Redirect(w, r, "/result.html?"+q.Encode(), http.StatusFound)
}

func (s *Server) handleOrderResult(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	snap, ok := s.tokens.Take(token)
	s.metrics.SetResultTokens(s.tokens.Len())
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("NOT_FOUND", "result expired or already read"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type orderView struct {
	TradeNo       string     `json:"tradeNo"`
	ProductID     string     `json:"productId"`
	ProductName   string     `json:"productName"`
	ProductType   string     `json:"productType"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"paymentMethod,omitempty"`
	PeriodTradeNo string     `json:"periodTradeNo,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

func orderViewOf(o storage.Order) orderView {
	return orderView{
		TradeNo:       o.TradeNo,
		ProductID:     o.ProductID,
		ProductName:   o.ProductName,
		ProductType:   o.ProductType,
		Amount:        o.Amount,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		PeriodTradeNo: o.PeriodTradeNo,
		CreatedAt:     o.CreatedAt,
		CompletedAt:   o.CompletedAt,
	}
}

func (s *Server) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		s.renderError(w, r, faults.New(faults.KindUnauthorized, "session required"))
		return
	}
	rows, err := s.store.ListUserOrders(ctx, id.Email)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	views := make([]orderView, 0, len(rows))
	for i := range rows {
		views = append(views, orderViewOf(rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

type subscriptionView struct {
	ProductID     string     `json:"productId"`
	Status        string     `json:"status"`
	StartDate     time.Time  `json:"startDate"`
	ExpiryDate    *time.Time `json:"expiryDate,omitempty"`
	PeriodTradeNo string     `json:"periodTradeNo"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
}

func subscriptionViewOf(e storage.Entitlement) subscriptionView {
	return subscriptionView{
		ProductID:     e.ProductID,
		Status:        e.Status,
		StartDate:     e.StartDate,
		ExpiryDate:    e.ExpiryDate,
		PeriodTradeNo: e.PeriodTradeNo,
		CancelledAt:   e.CancelledAt,
	}
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		s.renderError(w, r, faults.New(faults.KindUnauthorized, "session required"))
		return
	}
	ents, err := s.store.GetUserEntitlements(ctx, id.Subject)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	views := make([]subscriptionView, 0, len(ents))
	for _, ent := range ents {
		if ent.Type != storage.TypeSubscription {
			continue
		}
		views = append(views, subscriptionViewOf(ent))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		s.renderError(w, r, faults.New(faults.KindUnauthorized, "session required"))
		return
	}
	periodTradeNo := strings.TrimSpace(chi.URLParam(r, "periodTradeNo"))
	if periodTradeNo == "" {
		s.renderError(w, r, faults.New(faults.KindBadRequest, "period trade number is required"))
		return
	}
	// Ownership is checked before the gateway call; ending another user's
	// billing agreement must be impossible.
	ents, err := s.store.GetUserEntitlements(ctx, id.Subject)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if !ownsPeriod(ents, periodTradeNo) {
		s.renderError(w, r, faults.Newf(faults.KindNotFound, "no subscription %s", periodTradeNo))
		return
	}
	if err := s.gateway.ModifyPeriodStatus(ctx, payuni.PeriodEnd, periodTradeNo); err != nil {
		s.renderError(w, r, err)
		return
	}
	ent, err := s.store.CancelSubscription(ctx, id.Subject, periodTradeNo)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.logger.InfoContext(ctx, "subscription cancelled",
		slog.String("subject", id.Subject),
		slog.String("period_trade_no", periodTradeNo),
	)
	writeJSON(w, http.StatusOK, map[string]any{"subscription": subscriptionViewOf(*ent)})
}

func ownsPeriod(ents []storage.Entitlement, periodTradeNo string) bool {
	for _, ent := range ents {
		if ent.Type == storage.TypeSubscription && ent.PeriodTradeNo == periodTradeNo {
			return true
		}
	}
	return false
}

type sessionRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	identity, err := s.verifier.Verify(ctx, req.Credential)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.upsertUser(ctx, identity); err != nil {
		s.renderError(w, r, err)
		return
	}
	token, expires, err := s.sessions.Issue(identity)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.sessions.SetCookie(w, token, expires)
	s.logger.InfoContext(ctx, "session issued",
		slog.String("subject", identity.Subject),
		logging.MaskField("email", identity.Email),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{
			"email":   identity.Email,
			"name":    identity.Name,
			"picture": identity.Picture,
		},
	})
}

func (s *Server) upsertUser(ctx context.Context, id auth.Identity) error {
	existing, err := s.store.FindUser(ctx, id.Subject)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.store.CreateUser(ctx, &storage.User{
			ID:      id.Subject,
			Email:   id.Email,
			Name:    id.Name,
			Picture: id.Picture,
		})
	}
	return s.store.UpdateUserLogin(ctx, id.Subject, id.Name, id.Picture)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderError translates a fault into the canonical error payload. Production
// responses carry a generic message; the cause stays in the log.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.StatusOf(err)
	attrs := []slog.Attr{
		slog.String("route", r.URL.Path),
		slog.String("kind", string(faults.KindOf(err))),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "request failed", attrs...)
	} else {
		s.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	}
	message := err.Error()
	if s.production {
		message = genericMessage(status)
	}
	writeJSON(w, status, errorBody(strings.ToUpper(string(faults.KindOf(err))), message))
}

func genericMessage(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "sign-in required"
	case status == http.StatusNotFound:
		return "resource not found"
	case status == http.StatusConflict:
		return "the order is already settled"
	case status == http.StatusTooManyRequests:
		return "too many requests, slow down"
	case status >= http.StatusInternalServerError:
		return "service temporarily unavailable"
	default:
		return "the request could not be processed"
	}
}

func errorBody(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return faults.Wrap(faults.KindBadRequest, "decode request body", err)
	}
	return nil
}

func statusWord(outcome string) string {
	if strings.EqualFold(strings.TrimSpace(outcome), "SUCCESS") {
		return "success"
	}
	return "fail"
}

// remoteIP returns the client address for abuse reporting. RealIP has already
// folded forwarded headers into RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
