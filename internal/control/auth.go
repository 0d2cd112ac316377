package control

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hearthwire/hearthwire-core/internal/store"
)

// ctxKeyAuth is the context key for the resolved authorisation context.
type contextKey string

const ctxKeyAuth contextKey = "auth"

// Scopes checked by the control endpoints. A key with no scopes at all
// is unrestricted.
const (
	ScopeCommand = "command"
	ScopeRead    = "read"
	ScopePair    = "pair"
)

// sessionClaims are the JWT claims minted from an API key, carrying the
// key's authorisation context so token validation needs no store hit.
type sessionClaims struct {
	jwt.RegisteredClaims
	Name    string   `json:"name,omitempty"`
	Serials []string `json:"serials,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// authMiddleware resolves the bearer credential: a short-lived session
// JWT (two dots) or a raw API key validated against the store.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		var kc *store.KeyContext
		var err error
		if strings.Count(token, ".") == 2 {
			kc, err = s.validateSessionToken(token)
		} else {
			kc, err = s.store.ValidateAPIKey(r.Context(), token)
		}
		if err != nil {
			s.logger.Warn("credential validation failed", "error", err)
			writeUnauthorized(w, "invalid credentials")
			return
		}
		if kc == nil {
			writeUnauthorized(w, "invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAuth, kc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authContext returns the authorisation context resolved by
// authMiddleware.
func authContext(r *http.Request) *store.KeyContext {
	kc, _ := r.Context().Value(ctxKeyAuth).(*store.KeyContext)
	return kc
}

// bearerToken extracts the Authorization bearer value.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// handleToken exchanges a valid API key for a short-lived session JWT,
// so dashboards stop re-sending the long-lived key on every request.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JWTSecret == "" {
		writeBadRequest(w, "session tokens not configured")
		return
	}

	kc := authContext(r)
	ttl := time.Duration(s.cfg.TokenTTLMinutes) * time.Minute
	now := time.Now()

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   kc.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "hearthwire",
		},
		Name:    kc.Name,
		Serials: kc.Serials,
		Scopes:  kc.Scopes,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		s.logger.Error("signing session token", "error", err)
		writeInternalError(w, "could not mint token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": now.Add(ttl).UnixMilli(),
	})
}

// validateSessionToken parses and verifies a session JWT, rebuilding
// the authorisation context from its claims.
func (s *Server) validateSessionToken(token string) (*store.KeyContext, error) {
	if s.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("session tokens not configured")
	}

	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing session token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	return &store.KeyContext{
		UserID:  claims.Subject,
		Name:    claims.Name,
		Serials: claims.Serials,
		Scopes:  claims.Scopes,
	}, nil
}
