package monitor

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
)

// contextKey is an unexported type for context keys defined in this
// package, preventing collisions with keys from other packages.
type contextKey int

const contextKeyOperator contextKey = iota

// authenticate validates the JWT bearer token in the Authorization
// header and stores the operator claims in the request context. With a
// nil manager (no operator secret configured) every request is refused;
// dev deployments administer tokens through the bootstrap gateway token
// instead.
func authenticate(jwtMgr *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if jwtMgr == nil {
				errUnauthorized(w)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				errUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				errUnauthorized(w)
				return
			}

			claims, err := jwtMgr.VerifyOperatorToken(parts[1])
			if err != nil {
				errUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyOperator, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole allows the request through only when the authenticated
// operator holds the given role. Must run after authenticate.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := operatorFromCtx(r.Context())
			if claims == nil {
				errUnauthorized(w)
				return
			}
			if claims.Role != role {
				errForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request with method, path, status, and size.
// middleware.RequestID must run earlier so the id is in the context.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// operatorFromCtx retrieves the claims stored by authenticate, or nil.
func operatorFromCtx(ctx context.Context) *auth.OperatorClaims {
	claims, _ := ctx.Value(contextKeyOperator).(*auth.OperatorClaims)
	return claims
}
