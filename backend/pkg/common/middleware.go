package common

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser     = "USER"
	RoleOperator = "OPERATOR"
)

// Claims identify the account a session token was issued to.
type Claims struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// IssueToken signs an HS256 session token for account.
func IssueToken(cfg JWTConfig, account, role string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(cfg.TokenTTL)
	claims := &Claims{
		AccountID: account,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    cfg.Issuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	return token, expiresAt, err
}

// ParseToken verifies a bearer token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// AuthMiddleware verifies the JWT token and injects its claims into the
// request context.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteError(w, http.StatusUnauthorized, "missing_token", "Authorization header required", "")
				return
			}

			claims, err := ParseToken(secret, BearerToken(authHeader))
			if err != nil {
				api.WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token", "")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// RequireRole enforces RBAC on top of AuthMiddleware.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, "missing_token", "Authorization required", "")
			return
		}
		if claims.Role != role {
			api.WriteError(w, http.StatusForbidden, "forbidden", "Insufficient role", "")
			return
		}
		next(w, r)
	}
}
