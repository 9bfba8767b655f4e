package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/digkill/ImageForge/internal/telegram"
)

type ctxKey int

const accountKey ctxKey = iota

// bearerAuthMiddleware accepts HS256 tokens issued by the login service. The
// subject is the account's external id; the account is created on first use.
func (s *Server) bearerAuthMiddleware() func(http.Handler) http.Handler {
	secret := []byte(s.cfg.JWTSecret)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				s.unauthorized(w, "missing bearer token")
				return
			}
			var claims jwt.RegisteredClaims
			_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || strings.TrimSpace(claims.Subject) == "" || slices.Contains(claims.Audience, telegram.LinkAudience) {
				s.unauthorized(w, "invalid token")
				return
			}

			account, created, err := s.svc.Ledger.Ensure(r.Context(), claims.Subject)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if created {
				s.log.Info("account created", "account_id", account.ID, "external_id", account.ExternalID)
			}
			ctx := context.WithValue(r.Context(), accountKey, account.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUsername)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AdminPassword)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="imageforge"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accountID(r *http.Request) int64 {
	id, _ := r.Context().Value(accountKey).(int64)
	return id
}
