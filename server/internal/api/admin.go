package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// AdminHandler serves the admin-only surface: node deregistration, fleet
// stats and the command audit log.
type AdminHandler struct {
	nodes    repositories.NodeRepository
	hosts    repositories.HostRepository
	commands repositories.CommandRepository
	agg      *aggregator.Aggregator
	conn     Connectivity
	logger   *zap.Logger
}

func NewAdminHandler(
	nodes repositories.NodeRepository,
	hosts repositories.HostRepository,
	commands repositories.CommandRepository,
	agg *aggregator.Aggregator,
	conn Connectivity,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		nodes:    nodes,
		hosts:    hosts,
		commands: commands,
		agg:      agg,
		conn:     conn,
		logger:   logger.Named("api.admin"),
	}
}

// DeleteNode handles DELETE /api/admin/nodes/{id}: closes the node's live
// session if any, then removes the node row and its aggregated hosts. The
// node can re-register later and will start from an empty host set.
func (h *AdminHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.nodes.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading node", zap.Error(err))
		ErrInternal(w, r)
		return
	}

	disconnected := h.conn.Disconnect(id)
	if err := h.hosts.DeleteByNode(r.Context(), id); err != nil {
		h.logger.Error("deleting node hosts", zap.String("node_id", id), zap.Error(err))
		ErrInternal(w, r)
		return
	}
	if err := h.nodes.Delete(r.Context(), id); err != nil {
		h.logger.Error("deleting node", zap.String("node_id", id), zap.Error(err))
		ErrInternal(w, r)
		return
	}
	dropped := h.agg.RemoveNode(id)

	h.logger.Info("node deregistered",
		zap.String("node_id", id),
		zap.Bool("was_connected", disconnected),
		zap.Int("hosts_dropped", dropped),
	)
	NoContent(w)
}

// Stats handles GET /api/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context())
	if err != nil {
		h.logger.Error("listing nodes", zap.Error(err))
		ErrInternal(w, r)
		return
	}

	online := 0
	for i := range nodes {
		if h.conn.IsConnected(nodes[i].ID) {
			online++
		}
	}

	_, hostStats := h.agg.Snapshot("")

	commandStates := map[string]int64{}
	for _, state := range []protocol.CommandState{
		protocol.CommandQueued,
		protocol.CommandSent,
		protocol.CommandAcknowledged,
		protocol.CommandFailed,
		protocol.CommandTimedOut,
	} {
		_, total, err := h.commands.List(r.Context(), string(state), repositories.ListOptions{Limit: 1})
		if err != nil {
			h.logger.Error("counting commands", zap.String("state", string(state)), zap.Error(err))
			ErrInternal(w, r)
			return
		}
		commandStates[string(state)] = total
	}

	JSON(w, http.StatusOK, map[string]any{
		"nodes": map[string]any{
			"total":  len(nodes),
			"online": online,
		},
		"hosts":    hostStats,
		"commands": commandStates,
	})
}

// ListCommands handles GET /api/admin/commands?state=&limit=&offset=.
func (h *AdminHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state != "" {
		switch protocol.CommandState(state) {
		case protocol.CommandQueued, protocol.CommandSent, protocol.CommandAcknowledged,
			protocol.CommandFailed, protocol.CommandTimedOut:
		default:
			ErrBadRequest(w, "unknown command state: "+state)
			return
		}
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			ErrBadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ErrBadRequest(w, "offset must not be negative")
			return
		}
		offset = parsed
	}

	commands, total, err := h.commands.List(r.Context(), state, repositories.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("listing commands", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"commands": commands,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}
