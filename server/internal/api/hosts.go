package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/command"
	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// Dispatcher is the slice of the command router the HTTP layer uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.DispatchRequest) (*db.Command, error)
}

// HostHandler serves the aggregated host surface: the cached cross-node view
// plus command dispatch for wake, scan, ping and port operations.
type HostHandler struct {
	agg    *aggregator.Aggregator
	router Dispatcher
	conn   Connectivity
	logger *zap.Logger
}

func NewHostHandler(agg *aggregator.Aggregator, router Dispatcher, conn Connectivity, logger *zap.Logger) *HostHandler {
	return &HostHandler{
		agg:    agg,
		router: router,
		conn:   conn,
		logger: logger.Named("api.hosts"),
	}
}

// hostListPayload is the canonical GET /api/hosts body. Hosts are pre-sorted
// by FQN by the aggregator and the struct field order is fixed, so marshaling
// the same host set always yields the same bytes and therefore the same ETag.
type hostListPayload struct {
	Hosts []aggregator.Host `json:"hosts"`
	Stats aggregator.Stats  `json:"stats"`
}

// List handles GET /api/hosts?nodeId=… with ETag / If-None-Match support.
func (h *HostHandler) List(w http.ResponseWriter, r *http.Request) {
	hosts, stats := h.agg.Snapshot(r.URL.Query().Get("nodeId"))
	payload := hostListPayload{Hosts: hosts, Stats: stats}

	etag, err := aggregator.ETagFor(payload)
	if err != nil {
		h.logger.Error("computing etag", zap.Error(err))
		ErrInternal(w, r)
		return
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	if aggregator.ETagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	JSON(w, http.StatusOK, payload)
}

// Get handles GET /api/hosts/{fqn}.
func (h *HostHandler) Get(w http.ResponseWriter, r *http.Request) {
	host, ok := h.agg.Get(chi.URLParam(r, "fqn"))
	if !ok {
		ErrNotFound(w)
		return
	}
	JSON(w, http.StatusOK, host)
}

type updateHostRequest struct {
	Name    string   `json:"name,omitempty"`
	Notes   *string  `json:"notes,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	WolPort *int     `json:"wolPort,omitempty"`
}

// Update handles PUT /api/hosts/{fqn}. The projection is updated immediately
// and an update-host command is dispatched to the owning node so its local
// database converges; the Idempotency-Key header dedupes the dispatch.
func (h *HostHandler) Update(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	var req updateHostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	current, ok := h.agg.Get(fqn)
	if !ok {
		ErrNotFound(w)
		return
	}
	oldName := current.Name

	updated, err := h.agg.ApplyLocalUpdate(r.Context(), fqn, func(host *aggregator.Host) {
		if req.Name != "" {
			host.Name = req.Name
		}
		if req.Notes != nil {
			host.Notes = *req.Notes
		}
		if req.Tags != nil {
			host.Tags = req.Tags
		}
		if req.WolPort != nil {
			host.WolPort = *req.WolPort
		}
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("applying host update", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	payload := protocol.UpdateHostData{
		CurrentName: oldName,
		Name:        updated.Name,
		Notes:       req.Notes,
		WolPort:     req.WolPort,
	}
	cmd, err := h.dispatch(r, updated.NodeID, protocol.CommandUpdateHost, payload)
	if err != nil {
		h.logger.Error("dispatching update-host", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"host":          updated,
		"commandId":     cmd.ID,
		"correlationId": cmd.CorrelationID,
	})
}

// Delete handles DELETE /api/hosts/{fqn}: the host leaves the aggregated view
// immediately and a delete-host command is sent to the owning node.
func (h *HostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	host, ok := h.agg.Get(fqn)
	if !ok {
		ErrNotFound(w)
		return
	}

	if err := h.agg.RemoveLocal(r.Context(), fqn); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("removing host", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	cmd, err := h.dispatch(r, host.NodeID, protocol.CommandDeleteHost, protocol.DeleteHostData{Name: host.Name})
	if err != nil {
		h.logger.Error("dispatching delete-host", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"commandId":     cmd.ID,
		"correlationId": cmd.CorrelationID,
	})
}

type wakeRequest struct {
	Verify  bool `json:"verify,omitempty"`
	WolPort *int `json:"wolPort,omitempty"`
}

// Wake handles POST /api/hosts/wakeup/{fqn}. The command travels through the
// durable router: queued for offline nodes within the TTL, deduplicated by
// the Idempotency-Key header.
func (h *HostHandler) Wake(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	host, ok := h.agg.Get(fqn)
	if !ok {
		ErrNotFound(w)
		return
	}

	var req wakeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wolPort := host.WolPort
	if req.WolPort != nil {
		wolPort = *req.WolPort
	}

	cmd, err := h.dispatch(r, host.NodeID, protocol.CommandWake, protocol.WakeData{
		HostName: host.Name,
		MAC:      host.MAC,
		WolPort:  wolPort,
	})
	if err != nil {
		h.logger.Error("dispatching wake", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	if cmd.State == string(protocol.CommandFailed) && cmd.Error == "node_offline" {
		ErrNodeOffline(w)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"commandId":     cmd.ID,
		"correlationId": cmd.CorrelationID,
	})
}

type scanRequest struct {
	NodeID string `json:"nodeId"`
}

// Scan handles POST /api/hosts/scan. One scan per node at a time: a second
// request while the first is running returns 409.
func (h *HostHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		ErrBadRequest(w, "nodeId is required")
		return
	}
	if !h.conn.IsConnected(req.NodeID) {
		ErrNodeOffline(w)
		return
	}
	if !h.agg.BeginScan(req.NodeID) {
		ErrConflict(w, "a scan is already running on this node")
		return
	}

	cmd, err := h.dispatch(r, req.NodeID, protocol.CommandScan, protocol.ScanData{Immediate: false})
	if err != nil {
		h.logger.Error("dispatching scan", zap.String("node_id", req.NodeID), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"success":       true,
		"commandId":     cmd.ID,
		"correlationId": cmd.CorrelationID,
	})
}

// Ping handles GET /api/hosts/ping/{fqn}: asks the owning node to ICMP-probe
// the host. The probe result arrives asynchronously as a command-result.
func (h *HostHandler) Ping(w http.ResponseWriter, r *http.Request) {
	h.dispatchHostCommand(w, r, protocol.CommandPingHost)
}

// ScanPorts handles GET /api/hosts/scan-ports/{fqn}: asks the owning node to
// re-scan the host's common TCP ports.
func (h *HostHandler) ScanPorts(w http.ResponseWriter, r *http.Request) {
	h.dispatchHostCommand(w, r, protocol.CommandScanHostPorts)
}

// Sleep handles POST /api/hosts/sleep/{fqn}.
func (h *HostHandler) Sleep(w http.ResponseWriter, r *http.Request) {
	h.dispatchHostCommand(w, r, protocol.CommandSleepHost)
}

// Shutdown handles POST /api/hosts/shutdown/{fqn}.
func (h *HostHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	h.dispatchHostCommand(w, r, protocol.CommandShutdownHost)
}

// dispatchHostCommand is the shared path for per-host commands that carry
// only the host name. These need the node live right now, so a disconnected
// node is a 503 rather than an offline-queued command.
func (h *HostHandler) dispatchHostCommand(w http.ResponseWriter, r *http.Request, cmdType protocol.CommandType) {
	fqn := chi.URLParam(r, "fqn")
	host, ok := h.agg.Get(fqn)
	if !ok {
		ErrNotFound(w)
		return
	}
	if !h.conn.IsConnected(host.NodeID) {
		ErrNodeOffline(w)
		return
	}

	cmd, err := h.dispatch(r, host.NodeID, cmdType, protocol.HostNameData{Name: host.Name})
	if err != nil {
		h.logger.Error("dispatching host command",
			zap.String("fqn", fqn),
			zap.String("type", string(cmdType)),
			zap.Error(err),
		)
		ErrInternal(w, r)
		return
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"success":       true,
		"commandId":     cmd.ID,
		"correlationId": cmd.CorrelationID,
	})
}

// Ports handles GET /api/hosts/ports/{fqn}: the cached port scan result.
func (h *HostHandler) Ports(w http.ResponseWriter, r *http.Request) {
	host, ok := h.agg.Get(chi.URLParam(r, "fqn"))
	if !ok {
		ErrNotFound(w)
		return
	}

	expired := host.PortsExpireAt != nil && host.PortsExpireAt.Before(time.Now())
	JSON(w, http.StatusOK, map[string]any{
		"fqn":            host.FQN,
		"ports":          host.Ports,
		"portsScannedAt": host.PortsScannedAt,
		"portsExpireAt":  host.PortsExpireAt,
		"expired":        expired,
	})
}

// History handles GET /api/hosts/{fqn}/history?since=RFC3339&limit=n.
func (h *HostHandler) History(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	if _, ok := h.agg.Get(fqn); !ok {
		ErrNotFound(w)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ErrBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.agg.History(r.Context(), fqn, since, limit)
	if err != nil {
		h.logger.Error("loading host history", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"fqn": fqn, "history": entries})
}

// Uptime handles GET /api/hosts/{fqn}/uptime?hours=n (default 24).
func (h *HostHandler) Uptime(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ErrBadRequest(w, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	uptime, err := h.agg.Uptime(r.Context(), fqn, time.Duration(hours)*time.Hour)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("computing uptime", zap.String("fqn", fqn), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"fqn":         fqn,
		"windowHours": hours,
		"uptime":      uptime,
	})
}

// dispatch routes a command through the router, propagating the caller's
// Idempotency-Key header and stamping a fresh correlation ID for tracing.
func (h *HostHandler) dispatch(r *http.Request, nodeID string, cmdType protocol.CommandType, payload any) (*db.Command, error) {
	return h.router.Dispatch(r.Context(), command.DispatchRequest{
		NodeID:         nodeID,
		Type:           cmdType,
		Payload:        payload,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  uuid.NewString(),
	})
}
