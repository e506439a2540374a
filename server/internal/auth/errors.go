package auth

import "errors"

// Sentinel errors returned by the token services.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when a presented bearer token does not
	// match any configured allowlist entry. Deliberately generic so callers
	// cannot distinguish "wrong token" from "role not configured".
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned when a JWT or session token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
