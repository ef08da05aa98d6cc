// Package auth implements request authentication and authorization for the
// controller. Four modes: none, api_key (constant-time compare against a
// configured key set), jwt (a closed set of token provider types), and
// hybrid (api_key first, jwt on miss). Authorization policy runs after
// authentication and failing it is a distinct 403 so clients can tell "bad
// credentials" from "not allowed".
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/tomerr"
)

type (
	// Principal is the authenticated caller attached to the request context.
	// The well-known identity claims are lifted into typed fields; everything
	// the token carried remains available through Claims.
	Principal struct {
		Method            string         `json:"method"`
		Provider          string         `json:"provider,omitempty"`
		Subject           string         `json:"subject,omitempty"`
		Email             string         `json:"email,omitempty"`
		EmailVerified     bool           `json:"email_verified,omitempty"`
		PreferredUsername string         `json:"preferred_username,omitempty"`
		UPN               string         `json:"upn,omitempty"`
		HostedDomain      string         `json:"hosted_domain,omitempty"`
		Groups            []string       `json:"groups,omitempty"`
		Claims            map[string]any `json:"claims,omitempty"`
	}

	// TokenVerifier validates one bearer token format.
	TokenVerifier interface {
		Name() string
		Verify(ctx context.Context, token string) (*Principal, error)
	}

	// Authenticator evaluates the configured auth mode for each request.
	Authenticator struct {
		mode       config.AuthMode
		keys       []string
		keyHeaders []string
		verifiers  []TokenVerifier
		policy     *Policy
	}
)

const principalKey = "tom.principal"

// New builds an Authenticator from the controller configuration. JWT
// provider construction reaches out for OIDC discovery, hence the context.
func New(ctx context.Context, cfg *config.Controller) (*Authenticator, error) {
	a := &Authenticator{
		mode:       cfg.AuthMode,
		keys:       cfg.APIKeys,
		keyHeaders: cfg.APIKeyHeaders,
	}
	if len(a.keyHeaders) == 0 {
		a.keyHeaders = []string{"X-Api-Key"}
	}
	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	a.policy = policy

	if cfg.AuthMode == config.AuthJWT || cfg.AuthMode == config.AuthHybrid {
		for _, pc := range cfg.JWTProviders {
			v, err := newVerifier(ctx, pc, cfg.JWTLeewayS)
			if err != nil {
				return nil, fmt.Errorf("jwt provider %q: %w", pc.Name, err)
			}
			a.verifiers = append(a.verifiers, v)
		}
	}
	return a, nil
}

// Middleware returns the gin handler enforcing the configured mode.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.authenticate(c)
		if err != nil {
			abortWithError(c, err)
			return
		}
		// Policy binds to user identity; API keys are deployment
		// credentials and bypass it.
		if p.Method == "jwt" {
			if err := a.policy.Check(p); err != nil {
				abortWithError(c, err)
				return
			}
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func (a *Authenticator) authenticate(c *gin.Context) (*Principal, error) {
	switch a.mode {
	case config.AuthNone:
		return &Principal{Method: "anonymous"}, nil
	case config.AuthAPIKey:
		if p := a.tryAPIKey(c); p != nil {
			return p, nil
		}
		return nil, tomerr.New(tomerr.KindAuthRequired, "missing or invalid api key")
	case config.AuthJWT:
		return a.tryJWT(c)
	case config.AuthHybrid:
		if p := a.tryAPIKey(c); p != nil {
			return p, nil
		}
		return a.tryJWT(c)
	default:
		return nil, tomerr.New(tomerr.KindInternal, "auth mode %q not configured", a.mode)
	}
}

// tryAPIKey checks the configured headers against the key set. Comparison is
// constant-time per key so the response latency does not narrow the search.
func (a *Authenticator) tryAPIKey(c *gin.Context) *Principal {
	for _, header := range a.keyHeaders {
		presented := c.GetHeader(header)
		if presented == "" {
			continue
		}
		for _, key := range a.keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				return &Principal{Method: "api_key"}
			}
		}
	}
	return nil
}

func (a *Authenticator) tryJWT(c *gin.Context) (*Principal, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, tomerr.New(tomerr.KindAuthRequired, "missing bearer token")
	}
	var lastErr error
	for _, v := range a.verifiers {
		p, err := v.Verify(c.Request.Context(), token)
		if err == nil {
			p.Method = "jwt"
			p.Provider = v.Name()
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no jwt providers configured")
	}
	// Token contents never reach the response; only the verifier's verdict.
	return nil, tomerr.New(tomerr.KindAuthRequired, "token rejected: %s", lastErr)
}

// FromContext returns the request principal, if any.
func FromContext(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

func abortWithError(c *gin.Context, err error) {
	kind := tomerr.KindOf(err)
	c.AbortWithStatusJSON(tomerr.HTTPStatus(kind), gin.H{
		"error":  kind,
		"detail": tomerr.DetailOf(err),
	})
}
