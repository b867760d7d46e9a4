package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// operatorTokenDuration defines how long an operator token remains valid.
// Operators mint fresh ones from the secret; there is no refresh flow.
const operatorTokenDuration = 12 * time.Hour

// RoleAdmin is the role required by mutating admin endpoints.
const RoleAdmin = "admin"

// OperatorClaims holds the custom claims embedded in every operator token.
// Standard claims (exp, iat, iss) are included via jwt.RegisteredClaims.
type OperatorClaims struct {
	jwt.RegisteredClaims

	// Role gates admin endpoints. Tokens are short-lived so role
	// staleness is acceptable.
	Role string `json:"role"`
}

// JWTManager handles HS256 signing and verification of operator tokens
// presented to the admin HTTP surface. The shared secret comes from
// configuration; without one the daemon runs the admin surface in
// development mode and never accepts bearer tokens.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager returns a manager signing with the given shared secret.
func NewJWTManager(secret []byte, issuer string) (*JWTManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: operator secret must be at least 16 bytes")
	}
	return &JWTManager{secret: secret, issuer: issuer}, nil
}

// IssueOperatorToken creates a signed HS256 JWT for the given operator.
func (m *JWTManager) IssueOperatorToken(subject, role string) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(operatorTokenDuration)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing operator token: %w", err)
	}
	return signed, nil
}

// VerifyOperatorToken parses and verifies a bearer token string.
// Returns the embedded OperatorClaims on success, or a sentinel error.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *JWTManager) VerifyOperatorToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&OperatorClaims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC.
			// This prevents the "alg:none" and key confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
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
