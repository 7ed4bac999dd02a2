package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-presence/internal/auth"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "token"
	adminKeyHeader = "X-Admin-Key"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, ident auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(auth.Identity)
	return ident, ok
}

// credentialFromRequest looks for a bearer token in the Authorization header,
// then the token query parameter, then the token cookie. Browsers cannot set
// headers on websocket handshakes, hence the fallbacks.
func credentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if q := r.URL.Query().Get(tokenQueryKey); q != "" {
		return q
	}
	if c, err := r.Cookie(tokenCookieKey); err == nil {
		return c.Value
	}
	return ""
}

func (s *PresenceApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", zap.Error(panicError), zap.String("path", r.URL.Path))
				w.Header().Set("Connection", "close")
				s.writeError(w, NewInternalServerError(panicError))
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *PresenceApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.verifier.Verify(r.Context(), credentialFromRequest(r))
		if err != nil {
			if auth.IsAuthError(err) {
				s.writeError(w, NewUnauthorizedError())
				return
			}
			s.log.Error("failed to verify credential", zap.Error(err))
			s.writeError(w, NewInternalServerError(err))
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithIdentity(r.Context(), ident)))
	}
}

// adminMiddleware guards operator endpoints with a shared key checked against
// a bcrypt hash. Without a configured hash the endpoints do not exist.
func (s *PresenceApp) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminKeyHash) == 0 {
			s.writeError(w, NewNotFoundError("admin api disabled"))
			return
		}

		key := r.Header.Get(adminKeyHeader)
		if key == "" || bcrypt.CompareHashAndPassword(s.adminKeyHash, []byte(key)) != nil {
			s.log.Warn("rejected admin request", zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
			s.writeError(w, NewUnauthorizedError())
			return
		}

		next(w, r)
	}
}
