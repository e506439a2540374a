// Package auth implements the two credential systems of the C&C server:
// operator JWTs (HS256, minted by exchanging a static bearer from the
// OPERATOR_TOKENS / ADMIN_TOKENS allowlists) and short-lived ws-session
// tokens that node agents present on WebSocket upgrade.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role names carried in operator JWTs.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// OperatorClaims holds the claims embedded in every operator JWT.
// Role is duplicated into Roles for clients that expect an array claim.
type OperatorClaims struct {
	jwt.RegisteredClaims

	Role  string   `json:"role"`
	Roles []string `json:"roles"`
}

// JWTManager signs and verifies HS256 operator tokens and performs the
// bearer-to-JWT exchange against the configured allowlists.
type JWTManager struct {
	secret         []byte
	issuer         string
	audience       string
	ttl            time.Duration
	operatorTokens []string
	adminTokens    []string

	now func() time.Time
}

// JWTConfig configures a JWTManager.
type JWTConfig struct {
	Secret         string
	Issuer         string
	Audience       string
	TTL            time.Duration
	OperatorTokens []string
	AdminTokens    []string
}

// NewJWTManager returns a JWTManager. The secret must be non-empty; the
// allowlists may be empty, in which case every exchange for that role fails.
func NewJWTManager(cfg JWTConfig) (*JWTManager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: JWT secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: JWT TTL must be positive")
	}
	return &JWTManager{
		secret:         []byte(cfg.Secret),
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		ttl:            cfg.TTL,
		operatorTokens: cfg.OperatorTokens,
		adminTokens:    cfg.AdminTokens,
		now:            time.Now,
	}, nil
}

// Exchange validates a static bearer token against the allowlist for the
// requested role and mints a signed operator JWT. An empty role defaults to
// operator. Every failure path returns ErrInvalidCredentials so responses
// never reveal which allowlists are configured.
func (m *JWTManager) Exchange(bearer, role string) (string, *OperatorClaims, error) {
	if role == "" {
		role = RoleOperator
	}

	var allowlist []string
	switch role {
	case RoleOperator:
		allowlist = m.operatorTokens
	case RoleAdmin:
		allowlist = m.adminTokens
	default:
		return "", nil, ErrInvalidCredentials
	}

	if !MatchesAny(bearer, allowlist) {
		return "", nil, ErrInvalidCredentials
	}

	now := m.now()
	claims := &OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   role,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		Role:  role,
		Roles: []string{role},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: signing operator token: %w", err)
	}
	return signed, claims, nil
}

// TTL returns the configured operator token lifetime.
func (m *JWTManager) TTL() time.Duration { return m.ttl }

// Verify parses and verifies an operator JWT string.
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered or malformed ones.
func (m *JWTManager) Verify(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&OperatorClaims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything other than HMAC to prevent alg confusion.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// HasRole reports whether the claims grant the given role.
// Admin implies operator.
func (c *OperatorClaims) HasRole(role string) bool {
	if slices.Contains(c.Roles, role) || c.Role == role {
		return true
	}
	return role == RoleOperator && (c.Role == RoleAdmin || slices.Contains(c.Roles, RoleAdmin))
}

// MatchesAny reports whether candidate equals any allowlist entry, comparing
// each entry in constant time. The loop never exits early on a match so the
// comparison cost does not depend on which entry matched.
func MatchesAny(candidate string, allowlist []string) bool {
	matched := 0
	for _, entry := range allowlist {
		if entry == "" {
			continue
		}
		matched |= subtle.ConstantTimeCompare([]byte(candidate), []byte(entry))
	}
	return matched == 1
}
