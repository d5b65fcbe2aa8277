package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"onboardgate/internal/domain"
	"onboardgate/internal/repo"
)

type AuthConfig struct {
	JWTSecret             string
	AllowLegacyUserHeader bool
	EnableDevLogin        bool
	Logger                *log.Logger
}

type Principal struct {
	UserID string
	OrgID  string
	Roles  []string
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	OrgID string   `json:"org_id,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
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
		UserID: claims.Subject,
		OrgID:  claims.OrgID,
		Roles:  claims.Roles,
		Source: "jwt",
	}, nil
}

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret, userID, orgID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "onboardgate-dev",
		},
		OrgID: orgID,
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.UserID == "" {
		return Principal{}, errors.New("api key missing user")
	}
	orgID := apiKey.OrgID
	if orgID == domain.NoOrg {
		orgID = ""
	}
	return Principal{
		UserID: apiKey.UserID,
		OrgID:  orgID,
		Source: "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authenticate resolves the caller. Authorization wins over X-Api-Key, which
// wins over the legacy X-User-Id header. X-Org-Id fills in the organization
// when the credential does not carry one.
func authenticate(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, huma.StatusError) {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
	legacyUser := strings.TrimSpace(req.Header.Get("X-User-Id"))
	orgHeader := strings.TrimSpace(req.Header.Get("X-Org-Id"))

	var (
		principal Principal
		err       error
	)
	switch {
	case authz != "":
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		principal, err = authenticateJWT(token, cfg.JWTSecret)
	case apiKeyHeader != "":
		principal, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
	case legacyUser != "" && cfg.AllowLegacyUserHeader:
		cfg.logger().Printf("WARNING: using legacy X-User-Id header without auth; this path is deprecated and ignored when Authorization or X-Api-Key is present (user_id=%s)", legacyUser)
		principal = Principal{UserID: legacyUser, Source: "legacy_header"}
	default:
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if err != nil {
		return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	if principal.OrgID == "" {
		principal.OrgID = orgHeader
	}
	if principal.OrgID == "" {
		principal.OrgID = domain.NoOrg
	}
	return principal, nil
}

// newAuthMiddleware enforces authentication for the API base path and the
// protected application prefix. Health and dev login stay open.
func newAuthMiddleware(basePath, protectedPrefix string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	openAPIPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !underPrefix(req.URL.Path, basePath) && !underPrefix(req.URL.Path, protectedPrefix) {
				next.ServeHTTP(w, req)
				return
			}
			switch req.URL.Path {
			case healthPath, devLoginPath, openAPIPath:
				next.ServeHTTP(w, req)
				return
			}
			principal, authErr := authenticate(req, cfg, r)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func underPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return false
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
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
