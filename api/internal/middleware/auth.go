package middleware

import (
	"net/http"
	"strings"

	"crm-event-pipeline/shared/authx"
	"crm-event-pipeline/shared/httpx"
)

const WorkerSecretHeader = "X-Worker-Secret"

// AuthMiddleware guards privileged routes. A matching X-Worker-Secret header
// is accepted first; otherwise a bearer token is verified when a verifier is
// configured.
type AuthMiddleware struct {
	Secret   string
	Verifier *authx.JWTVerifier
	Role     string
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if presented := r.Header.Get(WorkerSecretHeader); presented != "" {
			if !authx.SecretEqual(m.Secret, presented) {
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid worker secret", nil)
				return
			}
			ctx := authx.WithAuth(r.Context(), authx.AuthContext{Subject: authx.SecretSubject})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if m.Verifier == nil || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing credentials", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		if m.Role != "" && !auth.HasRole(m.Role) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing role "+m.Role, nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
