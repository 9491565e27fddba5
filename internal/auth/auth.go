// Package auth authenticates API callers with HS256 bearer tokens and gates routes by role.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/evolution/internal/config"
)

// Roles carried in the token's "roles" claim.
const (
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
	RoleTrainer  = "trainer"
	RoleFeed     = "feed"
)

// AllRoles is what the debug token is granted.
var AllRoles = []string{RoleOperator, RoleAuditor, RoleTrainer, RoleFeed}

const (
	issuer           = "evolution"
	DebugHeader = "X-Debug-Token"
)

var (
	ErrNoCredentials = errors.New("bearer token required")
	ErrInvalidToken  = errors.New("invalid token")
)

type ctxKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
	Debug   bool
}

func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Claims is the token body.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret     []byte
	allowDebug bool
	debugToken string
	now        func() time.Time
}

func NewVerifier(cfg config.Config) (*Verifier, error) {
	if cfg.JWTSecret == "" && !cfg.AllowDebugToken {
		return nil, fmt.Errorf("jwt secret required")
	}
	return &Verifier{
		secret:     []byte(cfg.JWTSecret),
		allowDebug: cfg.AllowDebugToken,
		debugToken: cfg.DebugToken,
		now:        time.Now,
	}, nil
}

// Authenticate resolves the caller of r. A debug token, when allowed, grants every role.
func (v *Verifier) Authenticate(r *http.Request) (*Principal, error) {
	if v.allowDebug && v.debugToken != "" {
		if tok := r.Header.Get(DebugHeader); tok != "" {
			if tok != v.debugToken {
				return nil, ErrInvalidToken
			}
			return &Principal{Subject: "debug", Roles: AllRoles, Debug: true}, nil
		}
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return nil, ErrNoCredentials
	}
	return v.Parse(strings.TrimSpace(authz[7:]))
}

// Parse validates a signed token and returns its principal.
func (v *Verifier) Parse(tokenStr string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Middleware authenticates every request and stores the principal in its context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.Authenticate(r)
		if err != nil {
			deny(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func HasRole(p *Principal, role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAnyRole lets the request through if the principal holds one of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(p, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, http.StatusForbidden, "forbidden")
		})
	}
}

// Issue mints a token for subject. evoctl and tests use it; production tokens come from the
// same secret.
func Issue(secret []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
