package auth

import "errors"

// Sentinel errors returned by the token manager and the JWT verifier.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenUnknown is returned when the token was never issued here
	// or has already been swept after expiry.
	ErrTokenUnknown = errors.New("auth: token unknown")

	// ErrTokenExpired is returned when the token's expiry has passed.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenRevoked is returned when the token was explicitly revoked.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrTokenInvalid is returned when a bearer token cannot be parsed
	// or its signature does not verify.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
