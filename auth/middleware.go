package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/seopilot/kit"
)

type claimsKey struct{}

// Middleware extracts a session JWT from the "token" cookie or the
// Authorization Bearer header. Valid claims are stored in the context along
// with kit.UserIDKey and kit.RoleKey. Missing or invalid tokens pass through
// unauthenticated; use RequireAuth to enforce.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenStr string
			if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
				tokenStr = c.Value
			}
			if tokenStr == "" {
				if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					tokenStr = h[7:]
				}
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				ClearTokenCookie(w)
				next.ServeHTTP(w, r)
				return
			}

			ctx := WithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithClaims stores claims and the operator identity in ctx.
func WithClaims(ctx context.Context, claims *OperatorClaims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	ctx = kit.WithUserID(ctx, claims.OperatorID)
	return kit.WithRole(ctx, claims.Role)
}

// GetClaims returns the session claims from ctx, or nil.
func GetClaims(ctx context.Context) *OperatorClaims {
	c, _ := ctx.Value(claimsKey{}).(*OperatorClaims)
	return c
}

// RequireAuth rejects requests without session claims with a JSON 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
