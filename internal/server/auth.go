package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"sushibar/internal/studio"
)

type AuthConfig struct {
	JWTSecret      string
	SessionMinutes int
	StudioServer   string
	Logger         *log.Logger
}

// Principal is the authenticated caller. Token is the caller's content-server
// token and rides along so operations can act on the studio on their behalf.
type Principal struct {
	Email   string
	Token   string
	IsAdmin bool
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) sessionTTL() time.Duration {
	if c.SessionMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.SessionMinutes) * time.Minute
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requirePrincipal(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Email != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func requireAdmin(ctx context.Context) (Principal, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return p, authErr
	}
	if !p.IsAdmin {
		return p, newAPIError(http.StatusForbidden, "forbidden", "admin access required", nil)
	}
	return p, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	StudioToken string `json:"studio_token,omitempty"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
}

// mintSession issues a signed session token for a user the studio vouched for.
func mintSession(user studio.User, studioToken, secret string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		StudioToken: studioToken,
		IsAdmin:     user.IsAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		Email:   claims.Subject,
		Token:   claims.StudioToken,
		IsAdmin: claims.IsAdmin,
		Source:  "jwt",
	}, nil
}

// tokenAuthenticator resolves raw studio tokens to principals, caching the
// remote lookup so a chef hammering the stage endpoint does not turn every
// request into a studio round trip.
type tokenAuthenticator struct {
	studio studio.Authenticator
	server string
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedPrincipal
}

type cachedPrincipal struct {
	principal Principal
	expires   time.Time
}

func newTokenAuthenticator(auth studio.Authenticator, server string) *tokenAuthenticator {
	return &tokenAuthenticator{
		studio: auth,
		server: server,
		ttl:    5 * time.Minute,
		cache:  map[string]cachedPrincipal{},
	}
}

func (a *tokenAuthenticator) authenticate(ctx context.Context, token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, errors.New("token required")
	}
	now := time.Now()
	a.mu.Lock()
	if hit, ok := a.cache[token]; ok && now.Before(hit.expires) {
		a.mu.Unlock()
		return hit.principal, nil
	}
	a.mu.Unlock()

	user, err := a.studio.AuthenticateUser(ctx, a.server, token, "")
	if err != nil {
		return Principal{}, err
	}
	p := Principal{Email: user.Username, Token: token, IsAdmin: user.IsAdmin, Source: "studio_token"}
	a.mu.Lock()
	a.cache[token] = cachedPrincipal{principal: p, expires: now.Add(a.ttl)}
	a.mu.Unlock()
	return p, nil
}

func authorizationToken(authz, scheme string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], scheme) {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, tokens *tokenAuthenticator) func(http.Handler) http.Handler {
	open := map[string]struct{}{
		path.Join(basePath, "health"):     {},
		path.Join(basePath, "auth/login"): {},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if _, ok := open[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if token, ok := authorizationToken(authz, "bearer"); ok {
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}
			if token, ok := authorizationToken(authz, "token"); ok {
				principal, err := tokens.authenticate(req.Context(), token)
				if err != nil {
					cfg.logger().Printf("auth: studio token rejected: %v", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
