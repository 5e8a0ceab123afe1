package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/identity"
	"carebridge.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/register",
	"/v1/auth/verify-email",
	"/v1/auth/login",
	"/v1/auth/2fa/verify",
	"/v1/auth/password/forgot",
	"/v1/auth/password/reset",
}

type tokenContextKey struct{}

// TokenFromContext returns the raw bearer token of the request.
func TokenFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenContextKey{}).(string)
	return v, ok
}

// withAuth resolves the bearer token to an account and attaches both the
// account and the audit metadata to the request context. Public paths still
// get audit metadata, just without an actor.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := audit.Info{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			RequestID: RequestIDFromContext(r.Context()),
		}

		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(audit.WithInfo(r.Context(), info)))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		acct, err := a.svc.ValidateSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrInvalid) {
				writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		info.Actor = acct.ID
		ctx := audit.WithInfo(r.Context(), info)
		ctx = identity.ContextWithAccount(ctx, acct)
		ctx = context.WithValue(ctx, tokenContextKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
