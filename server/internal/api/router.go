package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/auth"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
)

// RouterConfig holds every dependency the router needs. It is populated in
// main after all components are initialized and passed as a single struct to
// keep the constructor signature manageable.
type RouterConfig struct {
	Version     string
	CORSOrigins []string
	Development bool

	JWT            *auth.JWTManager
	Sessions       *auth.SessionTokenManager
	NodeAuthTokens []string

	Aggregator *aggregator.Aggregator
	Commands   Dispatcher
	Nodes      Connectivity

	NodeRepo     repositories.NodeRepository
	HostRepo     repositories.HostRepository
	CommandRepo  repositories.CommandRepository
	ScheduleRepo repositories.ScheduleRepository
	WebhookRepo  repositories.WebhookRepository

	NodeTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// NodeWS is the WebSocket upgrade handler, mounted at /ws.
	NodeWS http.HandlerFunc
}

// NewRouter builds the fully configured chi router: the public service
// endpoints, the operator API under /api, the admin group, the Prometheus
// endpoint and the node WebSocket upgrade path.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigins, cfg.Development))

	authHandler := NewAuthHandler(cfg.JWT, cfg.Sessions, cfg.NodeAuthTokens, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Version, cfg.Nodes)
	nodeHandler := NewNodeHandler(cfg.NodeRepo, cfg.Nodes, cfg.NodeTimeout, cfg.Logger)
	hostHandler := NewHostHandler(cfg.Aggregator, cfg.Commands, cfg.Nodes, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.ScheduleRepo, cfg.Aggregator, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.WebhookRepo, cfg.Logger)
	adminHandler := NewAdminHandler(cfg.NodeRepo, cfg.HostRepo, cfg.CommandRepo, cfg.Aggregator, cfg.Nodes, cfg.Logger)

	// Token exchange is the brute-force target, so its limit is far stricter
	// than the general API's. Scans fan out real network traffic on the node
	// side and get the tightest budget of all.
	tokenLimit := RateLimit(cfg.Metrics, rate.Every(3*time.Minute), 5, 3*time.Minute)
	generalLimit := RateLimit(cfg.Metrics, rate.Limit(20), 40, time.Second)
	scanLimit := RateLimit(cfg.Metrics, rate.Every(30*time.Second), 2, 30*time.Second)

	// Public service endpoints.
	r.Get("/", systemHandler.Root)
	r.Get("/health", systemHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	if cfg.NodeWS != nil {
		r.Get("/ws", cfg.NodeWS)
	}

	r.Route("/api", func(r chi.Router) {
		// Public: credential exchange for operators and nodes.
		r.Group(func(r chi.Router) {
			r.Use(tokenLimit)
			r.Post("/auth/token", authHandler.ExchangeToken)
			r.Post("/nodes/token", authHandler.MintSessionToken)
		})

		// Operator surface.
		r.Group(func(r chi.Router) {
			r.Use(generalLimit)
			r.Use(Authenticate(cfg.JWT))
			r.Use(RequireRole(auth.RoleOperator))

			r.Get("/capabilities", systemHandler.Capabilities)

			r.Get("/nodes", nodeHandler.List)
			r.Get("/nodes/{id}", nodeHandler.GetByID)
			r.Get("/nodes/{id}/health", nodeHandler.Health)

			r.Get("/hosts", hostHandler.List)
			r.With(scanLimit).Post("/hosts/scan", hostHandler.Scan)
			r.Post("/hosts/wakeup/{fqn}", hostHandler.Wake)
			r.Get("/hosts/ping/{fqn}", hostHandler.Ping)
			r.Get("/hosts/ports/{fqn}", hostHandler.Ports)
			r.With(scanLimit).Get("/hosts/scan-ports/{fqn}", hostHandler.ScanPorts)
			r.Post("/hosts/sleep/{fqn}", hostHandler.Sleep)
			r.Post("/hosts/shutdown/{fqn}", hostHandler.Shutdown)
			r.Get("/hosts/{fqn}", hostHandler.Get)
			r.Put("/hosts/{fqn}", hostHandler.Update)
			r.Delete("/hosts/{fqn}", hostHandler.Delete)
			r.Get("/hosts/{fqn}/history", hostHandler.History)
			r.Get("/hosts/{fqn}/uptime", hostHandler.Uptime)
			r.Get("/hosts/{fqn}/schedules", scheduleHandler.List)
			r.Post("/hosts/{fqn}/schedules", scheduleHandler.Create)

			r.Get("/schedules", scheduleHandler.List)
			r.Post("/schedules", scheduleHandler.Create)
			r.Get("/schedules/{id}", scheduleHandler.Get)
			r.Put("/schedules/{id}", scheduleHandler.Update)
			r.Delete("/schedules/{id}", scheduleHandler.Delete)

			r.Get("/webhooks", webhookHandler.List)
			r.Post("/webhooks", webhookHandler.Create)
			r.Delete("/webhooks/{id}", webhookHandler.Delete)
			r.Get("/webhooks/{id}/deliveries", webhookHandler.Deliveries)

			// Admin-only.
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(auth.RoleAdmin))
				r.Delete("/admin/nodes/{id}", adminHandler.DeleteNode)
				r.Get("/admin/stats", adminHandler.Stats)
				r.Get("/admin/commands", adminHandler.ListCommands)
			})
		})
	})

	return r
}
