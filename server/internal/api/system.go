package api

import (
	"net/http"
	"time"

	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// SystemHandler serves the unauthenticated service endpoints and the
// capability advertisement.
type SystemHandler struct {
	version string
	conn    Connectivity
	started time.Time
}

func NewSystemHandler(version string, conn Connectivity) *SystemHandler {
	return &SystemHandler{
		version: version,
		conn:    conn,
		started: time.Now(),
	}
}

// Root handles GET /.
func (h *SystemHandler) Root(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"service": "woly-cnc",
		"version": h.version,
	})
}

// Health handles GET /health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptimeSeconds":  int64(time.Since(h.started).Seconds()),
		"nodesConnected": h.conn.ConnectedCount(),
	})
}

// Capabilities handles GET /api/capabilities.
func (h *SystemHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"version":          h.version,
		"protocolVersions": protocol.SupportedProtocolVersions,
		"features": map[string]bool{
			"schedules":   true,
			"webhooks":    true,
			"portScan":    true,
			"uptime":      true,
			"offlineWake": true,
		},
	})
}
