package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/config"
)

func init() { gin.SetMode(gin.TestMode) }

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func serve(t *testing.T, a *Authenticator, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.Use(a.Middleware())
	r.GET("/ping", func(c *gin.Context) {
		p, _ := FromContext(c)
		c.JSON(http.StatusOK, p)
	})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if decorate != nil {
		decorate(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyMode(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthAPIKey
	cfg.APIKeys = []string{"sekrit", "backup-key"}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	w := serve(t, a, func(r *http.Request) { r.Header.Set("X-Api-Key", "sekrit") })
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, a, func(r *http.Request) { r.Header.Set("X-Api-Key", "backup-key") })
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, a, func(r *http.Request) { r.Header.Set("X-Api-Key", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")

	w = serve(t, a, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAlternateHeader(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthAPIKey
	cfg.APIKeys = []string{"k1"}
	cfg.APIKeyHeaders = []string{"X-Api-Key", "X-Tom-Key"}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	w := serve(t, a, func(r *http.Request) { r.Header.Set("X-Tom-Key", "k1") })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTModeHS256(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthJWT
	cfg.JWTProviders = []config.JWTProvider{{
		Name:   "shared",
		Type:   config.ProviderHS256,
		Issuer: "tom-test",
		Secret: "s3cret",
	}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	token := signHS256(t, "s3cret", jwt.MapClaims{"iss": "tom-test", "sub": "alice", "email": "alice@example.com"})
	w := serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"alice"`)
	assert.Contains(t, w.Body.String(), `"provider":"shared"`)

	// Wrong secret.
	bad := signHS256(t, "other", jwt.MapClaims{"iss": "tom-test", "sub": "alice"})
	w = serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+bad) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong issuer.
	wrongIss := signHS256(t, "s3cret", jwt.MapClaims{"iss": "someone-else", "sub": "alice"})
	w = serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongIss) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Expired beyond leeway.
	expired := signHS256(t, "s3cret", jwt.MapClaims{
		"iss": "tom-test", "sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	w = serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// No token at all.
	w = serve(t, a, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHS256LeewayAdmitsRecentlyExpired(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthJWT
	cfg.JWTLeewayS = 120
	cfg.JWTProviders = []config.JWTProvider{{
		Name: "shared", Type: config.ProviderHS256, Secret: "s3cret",
	}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	token := signHS256(t, "s3cret", jwt.MapClaims{
		"sub": "bob",
		"exp": time.Now().Add(-30 * time.Second).Unix(),
	})
	w := serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHybridModeFallsThrough(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthHybrid
	cfg.APIKeys = []string{"key1"}
	cfg.JWTProviders = []config.JWTProvider{{
		Name: "shared", Type: config.ProviderHS256, Secret: "s3cret",
	}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	// API key wins when present and valid.
	w := serve(t, a, func(r *http.Request) { r.Header.Set("X-Api-Key", "key1") })
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"method":"api_key"`)

	// No key: the bearer token is tried next.
	token := signHS256(t, "s3cret", jwt.MapClaims{"sub": "carol"})
	w = serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"method":"jwt"`)

	// Invalid key and no token is a 401.
	w = serve(t, a, func(r *http.Request) { r.Header.Set("X-Api-Key", "nope") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPolicyDeniedIsForbidden(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthJWT
	cfg.JWTProviders = []config.JWTProvider{{
		Name: "shared", Type: config.ProviderHS256, Secret: "s3cret",
	}}
	cfg.Policy = config.Policy{AllowedDomains: []string{"corp.example.com"}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	allowed := signHS256(t, "s3cret", jwt.MapClaims{"sub": "u1", "email": "dev@corp.example.com"})
	w := serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+allowed) })
	assert.Equal(t, http.StatusOK, w.Code)

	// Valid token, wrong domain: 403, not 401.
	denied := signHS256(t, "s3cret", jwt.MapClaims{"sub": "u2", "email": "dev@other.example.com"})
	w = serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+denied) })
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_DENIED")
}

func TestWellKnownClaimsLifted(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthJWT
	cfg.JWTProviders = []config.JWTProvider{{
		Name: "shared", Type: config.ProviderHS256, Secret: "s3cret",
	}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	token := signHS256(t, "s3cret", jwt.MapClaims{
		"sub":                "id-123",
		"email":              "dev@corp.example.com",
		"email_verified":     true,
		"preferred_username": "dev",
		"upn":                "dev@corp",
		"hd":                 "corp.example.com",
		"groups":             []string{"netops", "oncall"},
	})
	w := serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"email_verified":true`)
	assert.Contains(t, body, `"preferred_username":"dev"`)
	assert.Contains(t, body, `"upn":"dev@corp"`)
	assert.Contains(t, body, `"hosted_domain":"corp.example.com"`)
	assert.Contains(t, body, `"groups":["netops","oncall"]`)
}

func TestPolicyPreferredUsernameFallback(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthJWT
	cfg.JWTProviders = []config.JWTProvider{{
		Name: "shared", Type: config.ProviderHS256, Secret: "s3cret",
	}}
	cfg.Policy = config.Policy{AllowedUsers: []string{"netadmin"}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	// No email claim: preferred_username carries the identity.
	token := signHS256(t, "s3cret", jwt.MapClaims{"sub": "id-123", "preferred_username": "netadmin"})
	w := serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusOK, w.Code)

	denied := signHS256(t, "s3cret", jwt.MapClaims{"sub": "id-456", "preferred_username": "intruder"})
	w = serve(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+denied) })
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPolicyDoesNotApplyToAPIKeys(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthHybrid
	cfg.APIKeys = []string{"key1"}
	cfg.JWTProviders = []config.JWTProvider{{
		Name: "shared", Type: config.ProviderHS256, Secret: "s3cret",
	}}
	cfg.Policy = config.Policy{AllowedUsers: []string{"only@corp.example.com"}}
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	w := serve(t, a, func(r *http.Request) { r.Header.Set("X-Api-Key", "key1") })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPolicyMatchers(t *testing.T) {
	p, err := NewPolicy(config.Policy{
		AllowedUsers:     []string{"Exact@Example.com"},
		AllowedDomains:   []string{"@Ops.Example.com"},
		AllowedUserRegex: []string{`^svc-[a-z]+@example\.com$`},
	})
	require.NoError(t, err)

	assert.NoError(t, p.Check(&Principal{Email: "exact@example.com"}))
	assert.NoError(t, p.Check(&Principal{Email: "anyone@ops.example.com"}))
	assert.NoError(t, p.Check(&Principal{Email: "svc-backup@example.com"}))
	assert.Error(t, p.Check(&Principal{Email: "stranger@elsewhere.net"}))
	assert.NoError(t, p.Check(&Principal{PreferredUsername: "exact@example.com"}), "preferred_username is used when email is absent")
	assert.NoError(t, p.Check(&Principal{Subject: "exact@example.com"}), "subject is the last fallback")
	assert.Error(t, p.Check(&Principal{Email: "stranger@elsewhere.net", PreferredUsername: "exact@example.com"}),
		"email takes precedence over preferred_username when both are present")

	_, err = NewPolicy(config.Policy{AllowedUserRegex: []string{"("}})
	assert.Error(t, err)
}

func TestNoneModeAdmitsAnonymous(t *testing.T) {
	cfg := config.DefaultController()
	cfg.AuthMode = config.AuthNone
	a, err := New(t.Context(), cfg)
	require.NoError(t, err)

	w := serve(t, a, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"method":"anonymous"`)
}
