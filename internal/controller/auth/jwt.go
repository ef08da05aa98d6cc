package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomnet/tom/internal/config"
)

// newVerifier constructs a TokenVerifier for one configured provider. The
// provider type set is closed; config validation already rejected anything
// outside it, so the default arm is a construction-time guard only.
func newVerifier(ctx context.Context, pc config.JWTProvider, leewayS int) (TokenVerifier, error) {
	switch pc.Type {
	case config.ProviderOIDC:
		provider, err := oidc.NewProvider(ctx, pc.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery for %s: %w", pc.Issuer, err)
		}
		return &oidcVerifier{
			name:     pc.Name,
			verifier: provider.Verifier(oidcConfig(pc)),
		}, nil
	case config.ProviderOIDCStatic:
		keySet := oidc.NewRemoteKeySet(ctx, pc.JWKSURL)
		return &oidcVerifier{
			name:     pc.Name,
			verifier: oidc.NewVerifier(pc.Issuer, keySet, oidcConfig(pc)),
		}, nil
	case config.ProviderHS256:
		return &hs256Verifier{
			name:     pc.Name,
			secret:   []byte(pc.Secret),
			issuer:   pc.Issuer,
			audience: pc.Audience,
			leeway:   time.Duration(leewayS) * time.Second,
		}, nil
	default:
		return nil, fmt.Errorf("provider type %q is not supported", pc.Type)
	}
}

func oidcConfig(pc config.JWTProvider) *oidc.Config {
	return &oidc.Config{
		ClientID:          pc.Audience,
		SkipClientIDCheck: pc.Audience == "",
	}
}

// oidcVerifier validates RS256 tokens against a JWKS, either discovered
// from the issuer or pinned by URL.
type oidcVerifier struct {
	name     string
	verifier *oidc.IDTokenVerifier
}

func (v *oidcVerifier) Name() string { return v.name }

func (v *oidcVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	// The subject is always present; everything else is optional.
	var all map[string]any
	_ = idToken.Claims(&all)
	return newPrincipal(idToken.Subject, all), nil
}

// newPrincipal lifts the well-known identity claims into typed fields. The
// full claim set stays attached for policy debugging and future matchers.
func newPrincipal(subject string, claims map[string]any) *Principal {
	p := &Principal{Subject: subject, Claims: claims}
	p.Email, _ = claims["email"].(string)
	p.EmailVerified, _ = claims["email_verified"].(bool)
	p.PreferredUsername, _ = claims["preferred_username"].(string)
	p.UPN, _ = claims["upn"].(string)
	p.HostedDomain, _ = claims["hd"].(string)
	if groups, ok := claims["groups"].([]any); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				p.Groups = append(p.Groups, s)
			}
		}
	}
	return p
}

// hs256Verifier validates tokens signed with a shared secret.
type hs256Verifier struct {
	name     string
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func (v *hs256Verifier) Name() string { return v.name }

func (v *hs256Verifier) Verify(_ context.Context, token string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return nil, err
	}
	sub, _ := claims.GetSubject()
	return newPrincipal(sub, claims), nil
}
