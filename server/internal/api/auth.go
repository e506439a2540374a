package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/auth"
)

// AuthHandler exchanges configured bearer tokens for signed credentials:
// operator/admin JWTs for the HTTP API, and short-lived session tokens for
// node WebSocket upgrades.
type AuthHandler struct {
	jwt            *auth.JWTManager
	sessions       *auth.SessionTokenManager
	nodeAuthTokens []string
	logger         *zap.Logger
}

// NewAuthHandler creates an AuthHandler. sessions may be nil when nodes only
// use static tokens; the minting endpoint then returns 401 for everything.
func NewAuthHandler(jwt *auth.JWTManager, sessions *auth.SessionTokenManager, nodeAuthTokens []string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		jwt:            jwt,
		sessions:       sessions,
		nodeAuthTokens: nodeAuthTokens,
		logger:         logger.Named("api.auth"),
	}
}

// bearerToken extracts the raw bearer credential from the request, or "".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type tokenRequest struct {
	Role string `json:"role,omitempty"`
}

type tokenResponse struct {
	Token            string `json:"token"`
	Role             string `json:"role"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

// ExchangeToken handles POST /api/auth/token. The caller presents one of the
// configured operator or admin bearer tokens and receives a signed JWT for
// the requested role. All rejections are a uniform 401 so probing cannot
// distinguish a wrong token from an unconfigured role.
func (h *AuthHandler) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		ErrUnauthorized(w)
		return
	}

	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, claims, err := h.jwt.Exchange(bearer, req.Role)
	if err != nil {
		h.logger.Warn("token exchange rejected",
			zap.String("requested_role", req.Role),
			zap.String("remote_addr", r.RemoteAddr),
		)
		ErrUnauthorized(w)
		return
	}

	JSON(w, http.StatusOK, tokenResponse{
		Token:            token,
		Role:             claims.Role,
		ExpiresInSeconds: int64(h.jwt.TTL().Seconds()),
	})
}

type sessionTokenRequest struct {
	NodeID string `json:"nodeId"`
}

type sessionTokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

// MintSessionToken handles POST /api/nodes/token. A node presents its static
// auth token and names itself; the response is a short-lived session token
// whose subject pins subsequent WebSocket registrations to that node ID.
func (h *AuthHandler) MintSessionToken(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" || !auth.MatchesAny(bearer, h.nodeAuthTokens) {
		ErrUnauthorized(w)
		return
	}

	var req sessionTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		ErrBadRequest(w, "nodeId is required")
		return
	}
	if h.sessions == nil {
		ErrUnauthorized(w)
		return
	}

	token, ttl, err := h.sessions.Mint(req.NodeID)
	if err != nil {
		h.logger.Error("minting session token", zap.String("node_id", req.NodeID), zap.Error(err))
		ErrInternal(w, r)
		return
	}

	JSON(w, http.StatusOK, sessionTokenResponse{
		Token:            token,
		ExpiresInSeconds: int64(ttl.Seconds()),
	})
}
