package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Precedence: built-in defaults lose to the file, the file loses to the
// environment. Environment keys use the role prefix, e.g. TOM_CONTROLLER_PORT
// or TOM_WORKER_REDIS_HOST. Plugin options use the namespaced form
// TOM_<ROLE>_PLUGIN_<NAME>_<OPTION>.

const (
	controllerEnvPrefix = "TOM_CONTROLLER_"
	workerEnvPrefix     = "TOM_WORKER_"
)

// LoadController resolves the controller configuration. path may be empty, in
// which case only defaults and environment apply.
func LoadController(path string) (*Controller, error) {
	cfg := DefaultController()
	if path != "" {
		if err := readYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	applyControllerEnv(cfg)
	applyPluginEnv(controllerEnvPrefix, &cfg.Plugins)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	return cfg, nil
}

// LoadWorker resolves the worker configuration.
func LoadWorker(path string) (*Worker, error) {
	cfg := DefaultWorker()
	if path != "" {
		if err := readYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	applyWorkerEnv(cfg)
	applyPluginEnv(workerEnvPrefix, &cfg.Plugins)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyControllerEnv(cfg *Controller) {
	p := controllerEnvPrefix
	envString(p+"HOST", &cfg.Host)
	envInt(p+"PORT", &cfg.Port)
	envString(p+"LOG_LEVEL", &cfg.LogLevel)
	envString(p+"INVENTORY_TYPE", &cfg.InventoryType)
	envString(p+"CREDENTIAL_PLUGIN", &cfg.CredentialPlugin)
	envInt(p+"JOB_RETENTION_S", &cfg.JobRetentionS)
	envAuthMode(p+"AUTH_MODE", &cfg.AuthMode)
	envList(p+"API_KEYS", &cfg.APIKeys)
	envList(p+"API_KEY_HEADERS", &cfg.APIKeyHeaders)
	envBool(p+"JWT_REQUIRE_HTTPS", &cfg.JWTRequireHTTPS)
	envInt(p+"JWT_LEEWAY_S", &cfg.JWTLeewayS)
	envList(p+"ALLOWED_USERS", &cfg.Policy.AllowedUsers)
	envList(p+"ALLOWED_DOMAINS", &cfg.Policy.AllowedDomains)
	envList(p+"ALLOWED_USER_REGEX", &cfg.Policy.AllowedUserRegex)
	envFloat(p+"RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	envString(p+"CUSTOM_TEMPLATES_DIR", &cfg.CustomTemplatesDir)
	applyRedisEnv(p, &cfg.Redis)
	applyCacheEnv(p, &cfg.Cache)
}

func applyWorkerEnv(cfg *Worker) {
	p := workerEnvPrefix
	envString(p+"LOG_LEVEL", &cfg.LogLevel)
	envString(p+"CREDENTIAL_PLUGIN", &cfg.CredentialPlugin)
	envInt(p+"WORKER_CONCURRENCY", &cfg.Concurrency)
	envInt(p+"WORKER_LIVENESS_S", &cfg.WorkerLivenessS)
	envInt(p+"HEARTBEAT_S", &cfg.HeartbeatS)
	envInt(p+"LEASE_TTL_S", &cfg.LeaseTTLS)
	envInt(p+"SHUTDOWN_GRACE_S", &cfg.ShutdownGraceS)
	envInt(p+"JOB_RETENTION_S", &cfg.JobRetentionS)
	applyRedisEnv(p, &cfg.Redis)
	applyCacheEnv(p, &cfg.Cache)
}

func applyRedisEnv(prefix string, r *Redis) {
	envString(prefix+"REDIS_HOST", &r.Host)
	envInt(prefix+"REDIS_PORT", &r.Port)
	envBool(prefix+"REDIS_TLS", &r.TLS)
	envString(prefix+"REDIS_AUTH_TOKEN", &r.AuthToken)
}

func applyCacheEnv(prefix string, c *Cache) {
	envBool(prefix+"CACHE_ENABLED", &c.Enabled)
	envInt(prefix+"CACHE_DEFAULT_TTL", &c.DefaultTTL)
	envInt(prefix+"CACHE_MAX_TTL", &c.MaxTTL)
	envString(prefix+"CACHE_KEY_PREFIX", &c.KeyPrefix)
}

// applyPluginEnv folds TOM_<ROLE>_PLUGIN_<NAME>_<OPTION> variables into the
// plugin option maps. Plugin names cannot contain underscores, so the first
// segment after PLUGIN_ is the name and the remainder is the option key.
func applyPluginEnv(prefix string, plugins *map[string]map[string]string) {
	pluginPrefix := prefix + "PLUGIN_"
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, pluginPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, pluginPrefix)
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		name := strings.ToLower(parts[0])
		option := strings.ToLower(parts[1])
		if *plugins == nil {
			*plugins = map[string]map[string]string{}
		}
		if (*plugins)[name] == nil {
			(*plugins)[name] = map[string]string{}
		}
		(*plugins)[name][option] = value
	}
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	}
}

func envAuthMode(key string, dst *AuthMode) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = AuthMode(strings.ToLower(v))
	}
}
