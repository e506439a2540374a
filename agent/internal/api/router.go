// Package api is the node agent's local HTTP surface: a simplified host
// inventory mirror of the C&C API, for LAN dashboards and debugging.
// Authentication is optional via NODE_API_KEY.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/agent/internal/discovery"
	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/agent/internal/metrics"
	"github.com/kaonis/woly-server-sub003/agent/internal/wol"
)

// devOriginSuffixes are hosted-frontend patterns allowed in development mode
// on top of the configured origin list.
var devOriginSuffixes = []string{".ngrok-free.app", ".netlify.app", ".helios.kaonis.com"}

// Config holds the router dependencies and settings.
type Config struct {
	Store       *hostdb.Store
	Scanner     *discovery.Scanner
	APIKey      string // empty disables auth
	CORSOrigins []string
	Development bool
	Broadcast   string
	WolPort     int
	Version     string
	// ConnectionState reports the C&C link state for /health; nil when the
	// agent runs standalone.
	ConnectionState func() string
	// Events forwards local CRUD mutations upstream so the C&C aggregator
	// stays coherent with this node's inventory; nil when standalone.
	Events discovery.EventSink
	// VendorBaseURL overrides the MAC vendor service endpoint in tests.
	VendorBaseURL string
	// Metrics may be nil, which disables the /metrics endpoint.
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type handler struct {
	cfg     Config
	vendors *vendorCache
	logger  *zap.Logger
}

// NewRouter builds the agent's HTTP handler.
func NewRouter(cfg Config) http.Handler {
	h := &handler{
		cfg:     cfg,
		vendors: newVendorCache(cfg.VendorBaseURL),
		logger:  cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	r.Get("/health", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Route("/hosts", func(r chi.Router) {
			r.Get("/", h.listHosts)
			r.Post("/", h.createHost)
			r.Post("/scan", h.scan)
			r.Post("/wakeup/{name}", h.wake)
			r.Get("/mac-vendor/{mac}", h.macVendor)
			r.Get("/{name}", h.getHost)
			r.Put("/{name}", h.updateHost)
			r.Delete("/{name}", h.deleteHost)
		})
	})

	return r
}

// ─── Middleware ──────────────────────────────────────────────────────────────

// authenticate enforces the optional API key via constant-time comparison.
// The key may arrive as X-API-Key or as a bearer token.
func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.Header.Get("X-API-Key")
		if presented == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.cfg.APIKey)) != 1 {
			errJSON(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and sets the allow-origin header for permitted
// origins. Development mode additionally permits the hosted-frontend
// suffixes used during UI work.
func (h *handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) originAllowed(origin string) bool {
	for _, allowed := range h.cfg.CORSOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	if !h.cfg.Development {
		return false
	}
	host := origin
	if i := strings.Index(origin, "://"); i >= 0 {
		host = origin[i+3:]
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	for _, suffix := range devOriginSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.cfg.Version,
	}
	if h.cfg.ConnectionState != nil {
		resp["cnc"] = h.cfg.ConnectionState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.cfg.Store.List(r.Context())
	if err != nil {
		h.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts, "total": len(hosts)})
}

func (h *handler) getHost(w http.ResponseWriter, r *http.Request) {
	host, err := h.cfg.Store.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, hostdb.ErrNotFound) {
			errJSON(w, http.StatusNotFound, "host not found")
			return
		}
		h.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

type hostRequest struct {
	Name    string `json:"name"`
	MAC     string `json:"mac"`
	IP      string `json:"ip"`
	Notes   string `json:"notes"`
	WolPort int    `json:"wolPort"`
}

func (h *handler) createHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	host := hostdb.Host{
		Name:    req.Name,
		MAC:     req.MAC,
		IP:      req.IP,
		Notes:   req.Notes,
		WolPort: req.WolPort,
		Status:  "asleep",
	}
	if err := h.cfg.Store.Create(r.Context(), &host); err != nil {
		switch {
		case errors.Is(err, hostdb.ErrConflict):
			errJSON(w, http.StatusConflict, "a host with this name, mac or ip already exists")
		case errors.Is(err, hostdb.ErrInvalidMAC):
			errJSON(w, http.StatusBadRequest, "invalid MAC address")
		default:
			errJSON(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if h.cfg.Events != nil {
		h.cfg.Events.HostDiscovered(host)
	}
	writeJSON(w, http.StatusCreated, host)
}

func (h *handler) updateHost(w http.ResponseWriter, r *http.Request) {
	host, err := h.cfg.Store.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, hostdb.ErrNotFound) {
			errJSON(w, http.StatusNotFound, "host not found")
			return
		}
		h.internal(w, err)
		return
	}

	var req hostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name != "" {
		host.Name = req.Name
	}
	if req.MAC != "" {
		mac, err := hostdb.NormalizeMAC(req.MAC)
		if err != nil {
			errJSON(w, http.StatusBadRequest, "invalid MAC address")
			return
		}
		host.MAC = mac
	}
	if req.IP != "" {
		host.IP = req.IP
	}
	if req.Notes != "" {
		host.Notes = req.Notes
	}
	if req.WolPort != 0 {
		host.WolPort = req.WolPort
	}

	if err := h.cfg.Store.Save(r.Context(), host); err != nil {
		if errors.Is(err, hostdb.ErrConflict) {
			errJSON(w, http.StatusConflict, "a host with this name, mac or ip already exists")
			return
		}
		h.internal(w, err)
		return
	}
	if h.cfg.Events != nil {
		h.cfg.Events.HostUpdated(*host)
	}
	writeJSON(w, http.StatusOK, host)
}

func (h *handler) deleteHost(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.cfg.Store.Delete(r.Context(), name); err != nil {
		if errors.Is(err, hostdb.ErrNotFound) {
			errJSON(w, http.StatusNotFound, "host not found")
			return
		}
		h.internal(w, err)
		return
	}
	if h.cfg.Events != nil {
		h.cfg.Events.HostRemoved(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *handler) wake(w http.ResponseWriter, r *http.Request) {
	host, err := h.cfg.Store.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, hostdb.ErrNotFound) {
			errJSON(w, http.StatusNotFound, "host not found")
			return
		}
		h.internal(w, err)
		return
	}

	port := host.WolPort
	if port == 0 {
		port = h.cfg.WolPort
	}
	if err := wol.Send(host.MAC, h.cfg.Broadcast, port); err != nil {
		h.internal(w, err)
		return
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WakePackets.WithLabelValues("api").Inc()
	}
	h.logger.Info("magic packet sent", zap.String("host", host.Name), zap.String("mac", host.MAC))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "host": host.Name})
}

func (h *handler) scan(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := h.cfg.Scanner.Scan(ctx); err != nil && !errors.Is(err, discovery.ErrScanInProgress) {
			h.logger.Warn("scan failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "scan scheduled"})
}

func (h *handler) macVendor(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	vendor := h.vendors.Lookup(r.Context(), mac)
	writeJSON(w, http.StatusOK, map[string]string{"mac": mac, "vendor": vendor})
}

// ─── Responses ───────────────────────────────────────────────────────────────

func (h *handler) internal(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", zap.Error(err))
	errJSON(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": true, "message": message})
}
