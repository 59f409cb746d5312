package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
)

type ctxKey string

const (
	actorKey ctxKey = "actor"
	tokenKey ctxKey = "token"
)

// Resolver maps a session token to the actor it belongs to.
type Resolver interface {
	Resolve(ctx context.Context, token string) (access.Actor, error)
}

func WithActor(ctx context.Context, a access.Actor, token string) context.Context {
	ctx = context.WithValue(ctx, actorKey, a)
	return context.WithValue(ctx, tokenKey, token)
}

func ActorFromContext(ctx context.Context) (access.Actor, bool) {
	a, ok := ctx.Value(actorKey).(access.Actor)
	return a, ok
}

func TokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey).(string)
	return t
}

// BearerToken reads the session token from Authorization or X-Session-Token.
func BearerToken(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.Header.Get("X-Session-Token")
	}
	return strings.TrimSpace(token)
}

// RequireSession rejects requests without a live session. onError writes
// the rejection so the caller keeps one error format.
func RequireSession(resolver Resolver, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			actor, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor, token)))
		})
	}
}
