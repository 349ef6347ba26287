// Package server assembles the HTTP surface: checkout, the gateway's two
// return channels, session minting, and the authenticated read APIs. Handlers
// stay thin; payment truth is decided by the webhook pipeline and the store.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"paybridge/auth"
	"paybridge/catalog"
	"paybridge/config"
	"paybridge/middleware"
	"paybridge/observability/metrics"
	"paybridge/orders"
	"paybridge/payuni"
	"paybridge/resulttoken"
	"paybridge/storage"
)

// Rate-limit scopes applied by the router.
const (
	ScopeGlobal   = "global"
	ScopeCheckout = "checkout"
	ScopeToken    = "token"
	ScopeSession  = "session"
)

// Store is the slice of the persistence layer the HTTP surface touches. The
// payment pipeline holds its own, write-heavy view.
type Store interface {
	ListUserOrders(ctx context.Context, email string) ([]storage.Order, error)
	GetUserEntitlements(ctx context.Context, userID string) ([]storage.Entitlement, error)
	FindUser(ctx context.Context, id string) (*storage.User, error)
	CreateUser(ctx context.Context, user *storage.User) error
	UpdateUserLogin(ctx context.Context, id, name, picture string) error
	CancelSubscription(ctx context.Context, userID, periodTradeNo string) (*storage.Entitlement, error)
}

// Gateway is the slice of the payment client the handlers call.
type Gateway interface {
	BuildOneShot(tradeNo string, product catalog.Product, email, returnURL string) (*payuni.PaymentRequest, error)
	BuildSubscription(tradeNo string, product catalog.Product, email, returnURL string) (*payuni.PaymentRequest, error)
	VerifyInbound(envelope, hash string) bool
	ParseInbound(envelope string) (*payuni.Notification, error)
	ModifyPeriodStatus(ctx context.Context, action payuni.PeriodAction, periodTradeNo string) error
}

// OrderCreator deduplicates and creates checkout orders.
type OrderCreator interface {
	FindOrCreate(ctx context.Context, email string, product catalog.Product) (*orders.Result, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Port            string
	Production      bool
	ReturnURL       string
	FrontendOrigins []string
	Tunables        config.Tunables

	Logger   *slog.Logger
	Store    Store
	Orders   OrderCreator
	Gateway  Gateway
	Catalog  *catalog.Catalog
	Tokens   *resulttoken.Cache
	Webhook  http.Handler
	Sessions *auth.Manager
	Verifier auth.IdentityVerifier
	Human    auth.TokenChecker
	Metrics  *metrics.Payments
	Obs      *middleware.Observability
}

// Server owns the router and the HTTP listener lifecycle.
type Server struct {
	port       string
	production bool
	returnURL  string
	origins    []string
	tunables   config.Tunables

	logger   *slog.Logger
	store    Store
	orders   OrderCreator
	gateway  Gateway
	catalog  *catalog.Catalog
	tokens   *resulttoken.Cache
	webhook  http.Handler
	sessions *auth.Manager
	verifier auth.IdentityVerifier
	human    auth.TokenChecker
	metrics  *metrics.Payments
	obs      *middleware.Observability
	limiter  *middleware.RateLimiter

	router http.Handler
}

// New validates the wiring and builds the router.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("server: store is required")
	case cfg.Orders == nil:
		return nil, errors.New("server: order service is required")
	case cfg.Gateway == nil:
		return nil, errors.New("server: gateway is required")
	case cfg.Catalog == nil:
		return nil, errors.New("server: catalog is required")
	case cfg.Tokens == nil:
		return nil, errors.New("server: result token cache is required")
	case cfg.Webhook == nil:
		return nil, errors.New("server: webhook handler is required")
	case cfg.Sessions == nil:
		return nil, errors.New("server: session manager is required")
	case cfg.Verifier == nil:
		return nil, errors.New("server: identity verifier is required")
	case cfg.Human == nil:
		return nil, errors.New("server: human verification checker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	port := cfg.Port
	if port == "" {
		port = "3000"
	}
	tunables := cfg.Tunables
	if tunables == (config.Tunables{}) {
		tunables = config.DefaultTunables()
	}
	obs := cfg.Obs
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, logger, nil)
	}
	s := &Server{
		port:       port,
		production: cfg.Production,
		returnURL:  cfg.ReturnURL,
		origins:    cfg.FrontendOrigins,
		tunables:   tunables,
		logger:     logger,
		store:      cfg.Store,
		orders:     cfg.Orders,
		gateway:    cfg.Gateway,
		catalog:    cfg.Catalog,
		tokens:     cfg.Tokens,
		webhook:    cfg.Webhook,
		sessions:   cfg.Sessions,
		verifier:   cfg.Verifier,
		human:      cfg.Human,
		metrics:    cfg.Metrics,
		obs:        obs,
		limiter:    middleware.NewRateLimiter(limitTable(tunables.Limits), logger),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured router wrapped in the server span layer.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "paybridge.http")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   s.origins,
		AllowCredentials: len(s.origins) > 0,
	}))

	// Liveness and scrape endpoints bypass the global budget.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	// The gateway signs its own payloads and sends no cookies; session
	// minting happens before any cookie exists.
	csrf := middleware.NewCSRF(s.production, "/payment-return", "/payuni-webhook", "/api/session")

	r.Group(func(g chi.Router) {
		g.Use(s.limiter.Middleware(ScopeGlobal))
		g.Use(csrf.Middleware)

		g.Group(func(p chi.Router) {
			p.Use(s.limiter.Middleware(ScopeCheckout))
			p.Use(s.sessions.Middleware)
			p.With(s.obs.Middleware("create_payment")).Post("/create-payment", s.handleCreatePayment)
			p.With(s.obs.Middleware("create_subscription")).Post("/create-subscription", s.handleCreateSubscription)
		})

		g.With(s.obs.Middleware("payment_return")).Post("/payment-return", s.handlePaymentReturn)
		g.With(s.obs.Middleware("payuni_webhook")).Method(http.MethodPost, "/payuni-webhook", s.webhook)
		g.With(s.limiter.Middleware(ScopeToken), s.obs.Middleware("order_result")).
			Get("/api/order-result/{token}", s.handleOrderResult)

		g.Group(func(p chi.Router) {
			p.Use(s.sessions.Middleware)
			p.With(s.obs.Middleware("my_orders")).Get("/api/my-orders", s.handleMyOrders)
			p.With(s.obs.Middleware("subscriptions")).Get("/api/subscriptions", s.handleSubscriptions)
			p.With(s.obs.Middleware("cancel_subscription")).
				Post("/api/subscriptions/{periodTradeNo}/cancel", s.handleCancelSubscription)
		})

		g.With(s.limiter.Middleware(ScopeSession), s.obs.Middleware("session")).
			Post("/api/session", s.handleSession)
	})

	return r
}

// Run serves until ctx is cancelled, then drains within the shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	knobs := s.tunables.Server
	srv := &http.Server{
		Addr:         ":" + s.port,
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(knobs.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(knobs.WriteTimeoutSeconds) * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", slog.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	grace := time.Duration(knobs.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func limitTable(l config.Limits) map[string]middleware.RateLimit {
	return map[string]middleware.RateLimit{
		ScopeGlobal:   {RequestsPerMinute: l.GlobalPerQuarterMin / 15, Burst: burstOf(l.GlobalPerQuarterMin)},
		ScopeCheckout: {RequestsPerMinute: l.CheckoutPerMinute, Burst: burstOf(l.CheckoutPerMinute)},
		ScopeToken:    {RequestsPerMinute: l.TokenReadPerMinute, Burst: burstOf(l.TokenReadPerMinute)},
		ScopeSession:  {RequestsPerMinute: l.SessionPerMinute, Burst: burstOf(l.SessionPerMinute)},
	}
}

// burstOf lets a client spend its whole per-window budget at once; refill
// pacing comes from the per-minute rate.
func burstOf(perMinute float64) int {
	b := int(perMinute)
	if b < 1 {
		b = 1
	}
	return b
}
