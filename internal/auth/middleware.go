package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/platform/httpx"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// PrincipalResolver resolves a verified principal id.
type PrincipalResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (rbac.Principal, error)
}

// Middleware authenticates bearer tokens.
type Middleware struct {
	Verifier *Verifier
	Resolver PrincipalResolver
	Logger   *slog.Logger
}

// Authenticate verifies the bearer token, resolves the principal and stores it on the context.
// Unknown principals are rejected as unauthorized; inactive ones pass through and are denied
// by the evaluator.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		id, err := m.Verifier.Verify(token)
		if err != nil {
			m.log().Debug("token rejected", slog.Any("error", err))
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		p, err := m.Resolver.Resolve(r.Context(), id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			m.log().Error("resolve principal", slog.String("principal_id", id.String()), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), p)))
	})
}

func (m Middleware) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
