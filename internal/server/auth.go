package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"caseline/internal/logger"
	"caseline/internal/repo"
)

const tokenIssuer = "caseline"

type AuthConfig struct {
	JWTSecret string
	// AllowUserHeader trusts X-User-Id when no credentials are sent. Local use only.
	AllowUserHeader bool
	Log             *logger.Logger
}

// Principal is the authenticated caller. Source is jwt, api_key or header.
type Principal struct {
	UserID string
	Source string
}

type principalKey struct{}

var (
	errNoCredentials  = errors.New("authentication required")
	errBadCredentials = errors.New("invalid credentials")
)

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func userIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", errNoCredentials.Error(), nil)
}

// SignToken mints an HS256 token whose subject is userID. A zero ttl yields a
// token without expiry.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	switch {
	case strings.TrimSpace(secret) == "":
		return "", errors.New("jwt secret not configured")
	case strings.TrimSpace(userID) == "":
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{Subject: userID, Issuer: tokenIssuer, IssuedAt: jwt.NewNumericDate(now)}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type authenticator struct {
	secret      []byte
	keys        repo.Repo
	allowHeader bool
	log         *logger.Logger
	parser      *jwt.Parser
}

// resolve picks the first credential present: bearer token, then API key,
// then (when enabled) the plain user header. A present but invalid
// credential never falls through to the next one.
func (a authenticator) resolve(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, errBadCredentials
		}
		sub, err := a.verifyToken(token)
		if err != nil {
			a.log.Debug("bearer token rejected", "error", err)
			return Principal{}, errBadCredentials
		}
		return Principal{UserID: sub, Source: "jwt"}, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		rec, err := a.keys.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil || rec.UserID == "" {
			a.log.Debug("api key rejected", "error", err)
			return Principal{}, errBadCredentials
		}
		return Principal{UserID: rec.UserID, Source: "api_key"}, nil
	}
	if user := strings.TrimSpace(req.Header.Get("X-User-Id")); user != "" && a.allowHeader {
		a.log.Warn("trusting X-User-Id header without credentials", "user_id", user)
		return Principal{UserID: user, Source: "header"}, nil
	}
	return Principal{}, errNoCredentials
}

func (a authenticator) verifyToken(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	var claims jwt.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return a.secret, nil }); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// newAuthMiddleware guards everything under base except the health probe
// and the OpenAPI document.
func newAuthMiddleware(base string, cfg AuthConfig, keys repo.Repo) func(http.Handler) http.Handler {
	a := authenticator{
		secret:      []byte(strings.TrimSpace(cfg.JWTSecret)),
		keys:        keys,
		allowHeader: cfg.AllowUserHeader,
		log:         cfg.Log,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
	if a.log == nil {
		a.log = logger.Nop()
	}
	open := map[string]bool{base + "/health": true, base + "/openapi.json": true}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, base) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, err := a.resolve(req)
			if err != nil {
				code := "unauthorized"
				if errors.Is(err, errBadCredentials) {
					code = "invalid_credentials"
				}
				writeEnvelope(w, newAPIError(http.StatusUnauthorized, code, err.Error(), nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, p)))
		})
	}
}

// writeEnvelope renders an error outside huma, e.g. from middleware.
func writeEnvelope(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
