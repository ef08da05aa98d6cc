package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadControllerDefaults(t *testing.T) {
	t.Setenv("TOM_CONTROLLER_API_KEYS", "test-key")
	cfg, err := LoadController("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, AuthAPIKey, cfg.AuthMode)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, 300, cfg.Cache.DefaultTTL)
}

func TestLoadControllerDefaults_RequiresAPIKeys(t *testing.T) {
	// Default auth mode is api_key; an empty key list must be rejected once a
	// file confirms the mode without providing keys.
	path := writeConfig(t, "auth_mode: api_key\n")
	_, err := LoadController(path)
	require.Error(t, err)
}

func TestLoadControllerFile(t *testing.T) {
	path := writeConfig(t, `
host: 127.0.0.1
port: 8080
auth_mode: hybrid
api_keys: [abc, def]
jwt_providers:
  - name: corp
    type: oidc
    issuer: https://login.example.com
allowed_domains: [company.com]
redis_host: redis.internal
cache_max_ttl: 600
`)
	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, AuthHybrid, cfg.AuthMode)
	assert.Equal(t, []string{"company.com"}, cfg.Policy.AllowedDomains)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr())
	assert.Equal(t, 600, cfg.Cache.MaxTTL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 8080\nauth_mode: none\n")
	t.Setenv("TOM_CONTROLLER_PORT", "9999")
	t.Setenv("TOM_CONTROLLER_REDIS_HOST", "env-redis")
	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "env-redis", cfg.Redis.Host)
}

func TestPluginEnvNamespacing(t *testing.T) {
	t.Setenv("TOM_WORKER_PLUGIN_YAMLFILE_PATH", "/etc/tom/creds.yaml")
	cfg, err := LoadWorker("")
	require.NoError(t, err)
	assert.Equal(t, "/etc/tom/creds.yaml", cfg.PluginOptions("yamlfile")["path"])
	assert.Empty(t, cfg.PluginOptions("other"))
}

func TestControllerValidate(t *testing.T) {
	cfg := DefaultController()
	cfg.APIKeys = []string{"k"}
	require.NoError(t, cfg.Validate())

	cfg.AuthMode = "token"
	require.Error(t, cfg.Validate())

	cfg = DefaultController()
	cfg.APIKeys = []string{"k"}
	cfg.Policy.AllowedUserRegex = []string{"("}
	require.Error(t, cfg.Validate())

	cfg = DefaultController()
	cfg.AuthMode = AuthJWT
	cfg.JWTProviders = []JWTProvider{{Name: "x", Type: ProviderHS256}}
	require.Error(t, cfg.Validate(), "hs256 without secret")

	cfg.JWTProviders[0].Secret = "s3cret"
	require.NoError(t, cfg.Validate())
}

func TestJWTRequireHTTPS(t *testing.T) {
	cfg := DefaultController()
	cfg.AuthMode = AuthJWT
	cfg.JWTRequireHTTPS = true
	cfg.JWTProviders = []JWTProvider{{Name: "corp", Type: ProviderOIDC, Issuer: "http://login.example.com"}}
	require.Error(t, cfg.Validate())

	cfg.JWTProviders[0].Issuer = "https://login.example.com"
	require.NoError(t, cfg.Validate())
}

func TestWorkerValidate(t *testing.T) {
	cfg := DefaultWorker()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Heartbeat())
	cfg.Concurrency = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultWorker()
	cfg.HeartbeatS = 0
	require.Error(t, cfg.Validate(), "heartbeat must be positive")

	cfg = DefaultWorker()
	cfg.HeartbeatS = cfg.WorkerLivenessS
	require.Error(t, cfg.Validate(), "heartbeat must stay inside the liveness window")
}
