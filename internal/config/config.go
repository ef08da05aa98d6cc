// Package config loads the per-role configuration documents for the
// controller and worker processes. Configuration is resolved once at startup
// (defaults, then file, then environment) and passed explicitly to every
// component; nothing reads configuration after construction.
package config

import (
	"fmt"
	"regexp"
	"time"
)

// AuthMode selects how the controller authenticates requests.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthAPIKey AuthMode = "api_key"
	AuthJWT    AuthMode = "jwt"
	AuthHybrid AuthMode = "hybrid"
)

// ProviderType is the closed set of JWT provider implementations.
type ProviderType string

const (
	// ProviderOIDC discovers the issuer's JWKS via its well-known document.
	ProviderOIDC ProviderType = "oidc"
	// ProviderOIDCStatic verifies against a pinned JWKS URL without discovery.
	ProviderOIDCStatic ProviderType = "oidcstatic"
	// ProviderHS256 verifies tokens signed with a shared secret.
	ProviderHS256 ProviderType = "hs256"
)

type (
	// Redis holds the connection settings for the shared queue/cache store.
	Redis struct {
		Host      string `yaml:"redis_host"`
		Port      int    `yaml:"redis_port"`
		TLS       bool   `yaml:"redis_tls"`
		AuthToken string `yaml:"redis_auth_token"`
	}

	// Cache configures the response cache.
	Cache struct {
		Enabled    bool   `yaml:"cache_enabled"`
		DefaultTTL int    `yaml:"cache_default_ttl"`
		MaxTTL     int    `yaml:"cache_max_ttl"`
		KeyPrefix  string `yaml:"cache_key_prefix"`
	}

	// JWTProvider configures one token validation provider.
	JWTProvider struct {
		Name     string       `yaml:"name"`
		Type     ProviderType `yaml:"type"`
		Issuer   string       `yaml:"issuer"`
		Audience string       `yaml:"audience"`
		// JWKSURL is required for oidcstatic providers.
		JWKSURL string `yaml:"jwks_url,omitempty"`
		// Secret is required for hs256 providers.
		Secret string `yaml:"secret,omitempty"`
	}

	// Policy is the authorization policy applied after authentication.
	// All-empty admits any authenticated principal.
	Policy struct {
		AllowedUsers     []string `yaml:"allowed_users"`
		AllowedDomains   []string `yaml:"allowed_domains"`
		AllowedUserRegex []string `yaml:"allowed_user_regex"`
	}

	// Controller is the configuration document for the controller role.
	Controller struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`

		InventoryType string `yaml:"inventory_type"`

		// CredentialPlugin backs the credential listing endpoint. Empty
		// disables it; workers resolve credentials with their own plugin.
		CredentialPlugin string `yaml:"credential_plugin"`

		// JobRetentionS bounds how long terminal job envelopes stay pollable.
		JobRetentionS int `yaml:"job_retention_s"`

		AuthMode        AuthMode      `yaml:"auth_mode"`
		APIKeys         []string      `yaml:"api_keys"`
		APIKeyHeaders   []string      `yaml:"api_key_headers"`
		JWTProviders    []JWTProvider `yaml:"jwt_providers"`
		JWTRequireHTTPS bool          `yaml:"jwt_require_https"`
		JWTLeewayS      int           `yaml:"jwt_leeway_s"`
		Policy          Policy        `yaml:",inline"`

		// RateLimitRPS throttles authenticated clients; zero disables it.
		RateLimitRPS float64 `yaml:"rate_limit_rps"`

		// CustomTemplatesDir is the directory holding custom parser templates
		// and their index files.
		CustomTemplatesDir string `yaml:"custom_templates_dir"`

		Redis Redis `yaml:",inline"`
		Cache Cache `yaml:",inline"`

		// Plugins holds per-plugin options, keyed by plugin name.
		Plugins map[string]map[string]string `yaml:"plugins"`
	}

	// Worker is the configuration document for the worker role.
	Worker struct {
		LogLevel string `yaml:"log_level"`

		CredentialPlugin string `yaml:"credential_plugin"`

		Concurrency     int `yaml:"worker_concurrency"`
		WorkerLivenessS int `yaml:"worker_liveness_s"`
		// HeartbeatS is the interval between liveness ticks for in-flight
		// jobs and the worker registry entry. Must stay well inside the
		// liveness window or the sweeper requeues healthy jobs.
		HeartbeatS     int `yaml:"heartbeat_s"`
		LeaseTTLS      int `yaml:"lease_ttl_s"`
		ShutdownGraceS int `yaml:"shutdown_grace_s"`
		JobRetentionS  int `yaml:"job_retention_s"`

		Redis Redis `yaml:",inline"`
		Cache Cache `yaml:",inline"`

		Plugins map[string]map[string]string `yaml:"plugins"`
	}
)

// Addr returns the host:port of the Redis endpoint.
func (r Redis) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// DefaultController returns the controller document's built-in defaults.
func DefaultController() *Controller {
	return &Controller{
		Host:          "0.0.0.0",
		Port:          9000,
		LogLevel:      "info",
		InventoryType: "yamlfile",
		JobRetentionS: 86400,
		AuthMode:      AuthAPIKey,
		APIKeyHeaders: []string{"X-Api-Key"},
		JWTLeewayS:    30,
		Redis:         Redis{Host: "localhost", Port: 6379},
		Cache: Cache{
			Enabled:    true,
			DefaultTTL: 300,
			MaxTTL:     3600,
			KeyPrefix:  "tom",
		},
	}
}

// DefaultWorker returns the worker document's built-in defaults.
func DefaultWorker() *Worker {
	return &Worker{
		LogLevel:         "info",
		CredentialPlugin: "yamlfile",
		Concurrency:      4,
		WorkerLivenessS:  60,
		HeartbeatS:       10,
		LeaseTTLS:        300,
		ShutdownGraceS:   30,
		JobRetentionS:    86400,
		Redis:            Redis{Host: "localhost", Port: 6379},
		Cache: Cache{
			Enabled:    true,
			DefaultTTL: 300,
			MaxTTL:     3600,
			KeyPrefix:  "tom",
		},
	}
}

// Validate checks the controller document for inconsistencies that would
// surface as confusing runtime failures.
func (c *Controller) Validate() error {
	switch c.AuthMode {
	case AuthNone, AuthAPIKey, AuthJWT, AuthHybrid:
	default:
		return fmt.Errorf("auth_mode %q is not one of none, api_key, jwt, hybrid", c.AuthMode)
	}
	if (c.AuthMode == AuthAPIKey || c.AuthMode == AuthHybrid) && len(c.APIKeys) == 0 {
		return fmt.Errorf("auth_mode %s requires at least one api key", c.AuthMode)
	}
	if c.AuthMode == AuthJWT || c.AuthMode == AuthHybrid {
		if len(c.JWTProviders) == 0 {
			return fmt.Errorf("auth_mode %s requires at least one jwt provider", c.AuthMode)
		}
		for _, p := range c.JWTProviders {
			if err := p.validate(c.JWTRequireHTTPS); err != nil {
				return fmt.Errorf("jwt provider %q: %w", p.Name, err)
			}
		}
	}
	for _, expr := range c.Policy.AllowedUserRegex {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("allowed_user_regex %q: %w", expr, err)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Cache.MaxTTL > 0 && c.Cache.DefaultTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache_default_ttl %d exceeds cache_max_ttl %d", c.Cache.DefaultTTL, c.Cache.MaxTTL)
	}
	return nil
}

func (p JWTProvider) validate(requireHTTPS bool) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch p.Type {
	case ProviderOIDC:
		if p.Issuer == "" {
			return fmt.Errorf("issuer is required for oidc providers")
		}
	case ProviderOIDCStatic:
		if p.Issuer == "" || p.JWKSURL == "" {
			return fmt.Errorf("issuer and jwks_url are required for oidcstatic providers")
		}
	case ProviderHS256:
		if p.Secret == "" {
			return fmt.Errorf("secret is required for hs256 providers")
		}
	default:
		return fmt.Errorf("type %q is not one of oidc, oidcstatic, hs256", p.Type)
	}
	if requireHTTPS && p.Issuer != "" && !httpsRe.MatchString(p.Issuer) {
		return fmt.Errorf("issuer %q must use https", p.Issuer)
	}
	return nil
}

var httpsRe = regexp.MustCompile(`^https://`)

// Validate checks the worker document.
func (w *Worker) Validate() error {
	if w.Concurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive")
	}
	if w.WorkerLivenessS <= 0 {
		return fmt.Errorf("worker_liveness_s must be positive")
	}
	if w.HeartbeatS <= 0 {
		return fmt.Errorf("heartbeat_s must be positive")
	}
	if w.HeartbeatS >= w.WorkerLivenessS {
		return fmt.Errorf("heartbeat_s %d must be below worker_liveness_s %d", w.HeartbeatS, w.WorkerLivenessS)
	}
	if w.LeaseTTLS <= 0 {
		return fmt.Errorf("lease_ttl_s must be positive")
	}
	return nil
}

// PluginOptions returns the option map for the named plugin, never nil.
func pluginOptions(plugins map[string]map[string]string, name string) map[string]string {
	if opts, ok := plugins[name]; ok {
		return opts
	}
	return map[string]string{}
}

// PluginOptions returns the controller-side options for the named plugin.
func (c *Controller) PluginOptions(name string) map[string]string {
	return pluginOptions(c.Plugins, name)
}

// PluginOptions returns the worker-side options for the named plugin.
func (w *Worker) PluginOptions(name string) map[string]string {
	return pluginOptions(w.Plugins, name)
}

// JobRetention returns the terminal-job retention window as a duration.
func (c *Controller) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionS) * time.Second
}

// Liveness returns the worker liveness window as a duration.
func (w *Worker) Liveness() time.Duration {
	return time.Duration(w.WorkerLivenessS) * time.Second
}

// Heartbeat returns the liveness tick interval as a duration.
func (w *Worker) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatS) * time.Second
}

// LeaseTTL returns the device lease TTL as a duration.
func (w *Worker) LeaseTTL() time.Duration {
	return time.Duration(w.LeaseTTLS) * time.Second
}

// ShutdownGrace returns the graceful shutdown window as a duration.
func (w *Worker) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceS) * time.Second
}
