package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/flowpbx/takeback/internal/logctx"
)

type adminContextKey string

const adminSubjectKey adminContextKey = "admin_subject"

// tokenIssuer is the iss claim on admin tokens.
const tokenIssuer = "takeback"

// DefaultTokenTTL is the lifetime of an admin token when none is given.
const DefaultTokenTTL = 24 * time.Hour

// AdminClaims holds the JWT claims for admin API access.
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// adminScope is the only scope accepted by RequireAdmin.
const adminScope = "admin"

// GenerateAdminToken creates a signed admin JWT for subject. Each token
// carries a random jti so individual tokens can be told apart in logs.
func GenerateAdminToken(secret []byte, subject string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := AdminClaims{
		Scope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAdmin returns middleware that validates admin bearer tokens. On
// success it stores the token subject in the request context.
func RequireAdmin(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logctx.From(r.Context()).Debug("admin auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Scope != adminScope || claims.Issuer != tokenIssuer || claims.Subject == "" {
				writeError(w, http.StatusForbidden, "token not valid for admin access")
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
			ctx = logctx.With(ctx, logctx.From(ctx).With("admin", claims.Subject, "token_id", claims.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubjectFromContext returns the authenticated admin subject, or "" if
// the request was not authenticated.
func AdminSubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(adminSubjectKey).(string)
	return s
}
