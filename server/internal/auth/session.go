package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionTokenType is the typ claim that distinguishes ws-session tokens
// from operator JWTs signed with an overlapping secret.
const sessionTokenType = "ws-session"

// SessionClaims are the claims of a short-lived node session token.
type SessionClaims struct {
	jwt.RegisteredClaims

	TokenType string `json:"typ"`
}

// SessionTokenManager mints and verifies ws-session tokens. Secrets is an
// ordered rotation list: tokens are signed with the first secret and accepted
// against any, so a secret can be retired by moving a new one to the front
// and dropping the old one a TTL later.
type SessionTokenManager struct {
	secrets  [][]byte
	issuer   string
	audience string
	ttl      time.Duration

	now func() time.Time
}

// SessionTokenConfig configures a SessionTokenManager.
type SessionTokenConfig struct {
	Secrets  []string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// NewSessionTokenManager returns a SessionTokenManager. At least one secret
// is required and the TTL must be positive.
func NewSessionTokenManager(cfg SessionTokenConfig) (*SessionTokenManager, error) {
	if len(cfg.Secrets) == 0 {
		return nil, errors.New("auth: at least one session token secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: session token TTL must be positive")
	}
	secrets := make([][]byte, 0, len(cfg.Secrets))
	for _, s := range cfg.Secrets {
		if s == "" {
			return nil, errors.New("auth: session token secrets must be non-empty")
		}
		secrets = append(secrets, []byte(s))
	}
	return &SessionTokenManager{
		secrets:  secrets,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      time.Now,
	}, nil
}

// Mint issues a session token for the given node, signed with the newest
// secret. Returns the token and its lifetime.
func (m *SessionTokenManager) Mint(nodeID string) (string, time.Duration, error) {
	if nodeID == "" {
		return "", 0, errors.New("auth: node ID is required")
	}

	now := m.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		TokenType: sessionTokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secrets[0])
	if err != nil {
		return "", 0, fmt.Errorf("auth: signing session token: %w", err)
	}
	return signed, m.ttl, nil
}

// TTL returns the configured session token lifetime.
func (m *SessionTokenManager) TTL() time.Duration { return m.ttl }

// Verify checks a session token against every rotation secret and returns
// the node ID it was minted for. Beyond signature and standard claim checks
// it enforces the token's structural constraints: typ must be "ws-session",
// iat must be present and not in the future, and the issued lifetime
// (exp − iat) must be positive and no longer than the configured TTL. A token
// minted under a previous, longer TTL is therefore rejected after a
// configuration tightening.
func (m *SessionTokenManager) Verify(tokenString string) (string, error) {
	var lastErr error
	for _, secret := range m.secrets {
		nodeID, err := m.verifyWith(tokenString, secret)
		if err == nil {
			return nodeID, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (m *SessionTokenManager) verifyWith(tokenString string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&SessionClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.TokenType != sessionTokenType || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return "", ErrTokenInvalid
	}
	if claims.IssuedAt.After(m.now()) {
		return "", ErrTokenInvalid
	}
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if lifetime <= 0 || lifetime > m.ttl {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}
