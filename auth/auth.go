package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loyaltyd/observability/logging"
)

// Context keys for storing authenticated caller information.
type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
)

// Role represents an authorized persona within the loyalty service.
type Role string

// Supported roles. Shops create and resolve redemption sessions and record
// earnings; admins additionally trigger reconciliation; auditors get
// read-only access to balances and reports.
const (
	RoleShop    Role = "shop"
	RoleAdmin   Role = "admin"
	RoleAuditor Role = "auditor"
)

var allowedRoles = map[Role]struct{}{
	RoleShop:    {},
	RoleAdmin:   {},
	RoleAuditor: {},
}

// Claims represents identity data extracted from the inbound request. For
// shop tokens, Subject is the shop identifier.
type Claims struct {
	Subject    string
	Role       Role
	Attributes jwt.MapClaims
}

// Options controls token verification.
type Options struct {
	Issuer         string
	Audience       string
	SecretEnv      string
	MaxSkewSeconds int
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	issuer   string
	audience string
	secret   []byte
	leeway   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewVerifier resolves the shared secret from the configured environment
// variable and builds a verifier.
func NewVerifier(opts Options) (*Verifier, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	envKey := strings.TrimSpace(opts.SecretEnv)
	if envKey == "" {
		return nil, errors.New("auth: secret env is required")
	}
	secret := strings.TrimSpace(os.Getenv(envKey))
	if secret == "" {
		return nil, fmt.Errorf("auth: environment variable %s is empty", envKey)
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		leeway:   leeway,
		now:      time.Now,
		logger:   slog.Default(),
	}, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("auth: verifier not configured")
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}

	roleStr, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleStr)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("auth: role %q is not permitted", roleStr)
	}

	return &Claims{Subject: subject, Role: role, Attributes: claims}, nil
}

// Middleware enforces bearer authentication before invoking the next handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			v.logger.Warn("bearer token rejected",
				logging.MaskField("token", token),
				slog.String("error", err.Error()),
			)
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims attaches claims to the context. Exposed for handler tests.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("auth: missing identity in context")
}

// RequireRole ensures the authenticated caller has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
