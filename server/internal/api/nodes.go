package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// Connectivity is the part of the node manager the HTTP layer needs.
type Connectivity interface {
	IsConnected(nodeID string) bool
	Disconnect(nodeID string) bool
	ConnectedCount() int
}

// NodeHandler serves the node inventory and health surface.
type NodeHandler struct {
	nodes       repositories.NodeRepository
	conn        Connectivity
	nodeTimeout time.Duration
	logger      *zap.Logger
}

func NewNodeHandler(nodes repositories.NodeRepository, conn Connectivity, nodeTimeout time.Duration, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		nodes:       nodes,
		conn:        conn,
		nodeTimeout: nodeTimeout,
		logger:      logger.Named("api.nodes"),
	}
}

// nodeView is the API shape of a node row, with connectivity resolved live
// and the capabilities column decoded back to an array.
type nodeView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Location        string     `json:"location"`
	Status          string     `json:"status"`
	Connected       bool       `json:"connected"`
	LastHeartbeat   *time.Time `json:"lastHeartbeat"`
	Capabilities    []string   `json:"capabilities"`
	Version         string     `json:"version,omitempty"`
	Platform        string     `json:"platform,omitempty"`
	ProtocolVersion string     `json:"protocolVersion,omitempty"`
	Subnet          string     `json:"subnet,omitempty"`
	Gateway         string     `json:"gateway,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (h *NodeHandler) view(n *db.Node) nodeView {
	caps := []string{}
	_ = json.Unmarshal([]byte(n.Capabilities), &caps)
	return nodeView{
		ID:              n.ID,
		Name:            n.Name,
		Location:        n.Location,
		Status:          n.Status,
		Connected:       h.conn.IsConnected(n.ID),
		LastHeartbeat:   n.LastHeartbeat,
		Capabilities:    caps,
		Version:         n.Version,
		Platform:        n.Platform,
		ProtocolVersion: n.ProtocolVersion,
		Subnet:          n.Subnet,
		Gateway:         n.Gateway,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
}

// List handles GET /api/nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context())
	if err != nil {
		h.logger.Error("listing nodes", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	out := make([]nodeView, 0, len(nodes))
	for i := range nodes {
		out = append(out, h.view(&nodes[i]))
	}
	JSON(w, http.StatusOK, map[string]any{"nodes": out, "total": len(out)})
}

// GetByID handles GET /api/nodes/{id}.
func (h *NodeHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	node, err := h.nodes.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading node", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, h.view(node))
}

// nodeHealth is the health detail for one node. A node is healthy only when
// it holds a live session and its last heartbeat is within the node timeout;
// the reported status is derived from the same check, so a stale database
// row cannot claim a dead node is online.
type nodeHealth struct {
	NodeID         string     `json:"nodeId"`
	Status         string     `json:"status"`
	Healthy        bool       `json:"healthy"`
	Connected      bool       `json:"connected"`
	LastHeartbeat  *time.Time `json:"lastHeartbeat"`
	HeartbeatAgeMs *int64     `json:"heartbeatAgeMs"`
}

// Health handles GET /api/nodes/{id}/health.
func (h *NodeHandler) Health(w http.ResponseWriter, r *http.Request) {
	node, err := h.nodes.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading node", zap.Error(err))
		ErrInternal(w, r)
		return
	}

	connected := h.conn.IsConnected(node.ID)
	var ageMs *int64
	fresh := false
	if node.LastHeartbeat != nil {
		age := time.Since(*node.LastHeartbeat).Milliseconds()
		ageMs = &age
		fresh = age <= h.nodeTimeout.Milliseconds()
	}

	healthy := connected && fresh
	status := string(protocol.NodeStatusOffline)
	if healthy {
		status = string(protocol.NodeStatusOnline)
	}

	JSON(w, http.StatusOK, nodeHealth{
		NodeID:         node.ID,
		Status:         status,
		Healthy:        healthy,
		Connected:      connected,
		LastHeartbeat:  node.LastHeartbeat,
		HeartbeatAgeMs: ageMs,
	})
}
