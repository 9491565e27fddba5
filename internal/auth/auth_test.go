package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/config"
)

var secret = []byte("test-secret")

func newVerifier(t *testing.T, debug bool) *Verifier {
	t.Helper()
	cfg := config.Config{JWTSecret: string(secret)}
	if debug {
		cfg.AllowDebugToken = true
		cfg.DebugToken = "dev-token"
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return v
}

func guarded(v *Verifier, roles ...string) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(FromContext(r.Context()).Subject))
	})
	return v.Middleware(RequireAnyRole(roles...)(ok))
}

func bearer(t *testing.T, roles []string, ttl time.Duration) string {
	t.Helper()
	tok, err := Issue(secret, "svc-trainer", roles, ttl)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestRoleGate(t *testing.T) {
	v := newVerifier(t, true)
	wrongKey, err := Issue([]byte("other"), "x", []string{RoleTrainer}, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Roles: []string{RoleTrainer}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header map[string]string
		status int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"trainer token", map[string]string{"Authorization": bearer(t, []string{RoleTrainer}, time.Minute)}, http.StatusOK},
		{"lowercase scheme", map[string]string{"Authorization": "bearer " + bearer(t, []string{RoleTrainer}, time.Minute)[7:]}, http.StatusOK},
		{"wrong role", map[string]string{"Authorization": bearer(t, []string{RoleFeed}, time.Minute)}, http.StatusForbidden},
		{"expired", map[string]string{"Authorization": bearer(t, []string{RoleTrainer}, -time.Minute)}, http.StatusUnauthorized},
		{"wrong key", map[string]string{"Authorization": "Bearer " + wrongKey}, http.StatusUnauthorized},
		{"alg none", map[string]string{"Authorization": "Bearer " + none}, http.StatusUnauthorized},
		{"debug token", map[string]string{"X-Debug-Token": "dev-token"}, http.StatusOK},
		{"bad debug token", map[string]string{"X-Debug-Token": "guess"}, http.StatusUnauthorized},
	}
	h := guarded(v, RoleTrainer)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/trainer/claim", nil)
			for k, val := range tc.header {
				req.Header.Set(k, val)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestDebugTokenIgnoredWhenDisabled(t *testing.T) {
	v := newVerifier(t, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Debug-Token", "dev-token")
	rec := httptest.NewRecorder()
	guarded(v, RoleOperator).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseCarriesSubject(t *testing.T) {
	v := newVerifier(t, false)
	tok, err := Issue(secret, "oncall@example.com", []string{RoleOperator, RoleAuditor}, time.Hour)
	require.NoError(t, err)
	p, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "oncall@example.com", p.Subject)
	assert.True(t, HasRole(p, RoleAuditor))
	assert.False(t, HasRole(p, RoleTrainer))
	assert.False(t, HasRole(nil, RoleTrainer))
}

func TestVerifierNeedsSecret(t *testing.T) {
	_, err := NewVerifier(config.Config{})
	assert.Error(t, err)
}
