package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gradelab/gpuqueue/internal/domain"
	"github.com/gradelab/gpuqueue/internal/usecase"
)

type identityKey struct{}

// RequireAuth resolves the bearer credential and stores the identity in the
// request context; requests without a valid credential are rejected.
func RequireAuth(auth usecase.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, err := bearerSecret(r)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			ident, err := auth.Authenticate(r.Context(), secret)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerSecret(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: missing Authorization header", domain.ErrUnauthenticated)
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("%w: Authorization must be a bearer credential", domain.ErrUnauthenticated)
	}
	return parts[1], nil
}

// IdentityFrom extracts the authenticated identity from the request context.
func IdentityFrom(r *http.Request) (domain.Identity, bool) {
	v := r.Context().Value(identityKey{})
	if v == nil {
		return domain.Identity{}, false
	}
	ident, ok := v.(domain.Identity)
	return ident, ok
}
