// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"

	"github.com/gamelist1990/FileShare/internal/auth"
	"github.com/gamelist1990/FileShare/internal/proxybridge"
	"github.com/gamelist1990/FileShare/internal/ratelimit"
)

type contextKey string

const userContextKey contextKey = "api.user"

// corsMiddleware applies the permissive cross-origin policy every response
// carries.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Range,Authorization")
		h.Set("Access-Control-Expose-Headers", "Content-Range,Content-Length,Accept-Ranges")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statsMiddleware maintains the active-request and active-client tallies,
// including error paths.
func (s *Server) statsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.stats.RequestStarted(s.clientIP(r))
		defer s.stats.RequestFinished()
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller's address. With proxy-protocol enforcement on,
// an X-Proxy-Protocol-V2 header (base64 or hex v2 chain) wins; otherwise the
// usual forwarded-header fallbacks apply.
func (s *Server) clientIP(r *http.Request) string {
	var bridgeCfg proxybridge.Config
	if err := s.store.ModuleAs(proxybridge.ModuleName, &bridgeCfg); err == nil && bridgeCfg.ProxyProtocolV2 {
		if raw := r.Header.Get("X-Proxy-Protocol-V2"); raw != "" {
			if ip := decodeProxyHeader(raw); ip != "" {
				return ip
			}
		}
	}
	return ratelimit.GetClientIP(r)
}

func decodeProxyHeader(raw string) string {
	for _, decode := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		hex.DecodeString,
	} {
		data, err := decode(raw)
		if err != nil {
			continue
		}
		if ip, err := proxybridge.ParseChain(data); err == nil && ip != nil {
			return ip.String()
		}
	}
	return ""
}

// rateLimit gates a route on the named limiter target.
func (s *Server) rateLimit(target string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := s.limiter.Check(target, s.clientIP(r))
			if !decision.Allowed {
				writeRateLimited(w, decision.RetryAfterSec)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth resolves the bearer token and stores the user in the request
// context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.users.VerifyToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOpLevel rejects users below the given level. Must run inside
// requireAuth.
func (s *Server) requireOpLevel(level int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFrom(r.Context())
			if user == nil || user.OpLevel < level {
				writeError(w, http.StatusForbidden, "insufficient privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFrom(ctx context.Context) *auth.User {
	user, _ := ctx.Value(userContextKey).(*auth.User)
	return user
}
