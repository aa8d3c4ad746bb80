// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/muralsearch/mural/pkg/mural"
)

// JWTConfig configures bearer-token verification.
type JWTConfig struct {
	Algorithms   []string `help:"accepted token signing algorithms" default:"HS256,RS256"`
	HS256Secret  string   `help:"shared secret for HS256 tokens" default:""`
	PublicKeyPEM string   `help:"pem-encoded public key for asymmetric tokens" default:""`

	JWKSURL          string        `help:"jwks endpoint for key discovery" default:""`
	JWKSCertificates bool          `help:"jwks endpoint serves a kid-to-certificate map" default:"false"`
	JWKSCacheTTL     time.Duration `help:"how long fetched jwks keys are reused" default:"5m"`

	Issuer   string `help:"required token issuer, empty disables the check" default:""`
	Audience string `help:"required token audience, empty disables the check" default:""`

	RolesClaim  string `help:"claim carrying the caller's roles" default:"roles"`
	GroupsClaim string `help:"claim carrying the caller's groups" default:"groups"`

	AdminRoles  []string `help:"roles that grant admin, case-insensitive" default:"admin"`
	AdminGroups []string `help:"groups that grant admin, case-insensitive" default:""`
}

// JWTVerifier checks token signatures and maps claims onto an AuthContext.
type JWTVerifier struct {
	config    JWTConfig
	publicKey crypto.PublicKey
	jwks      *jwksCache
}

// NewJWTVerifier parses the configured key material.
func NewJWTVerifier(config JWTConfig) (*JWTVerifier, error) {
	verifier := &JWTVerifier{config: config}

	if config.PublicKeyPEM != "" {
		key, err := parsePublicKeyPEM([]byte(config.PublicKeyPEM))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		verifier.publicKey = key
	}
	if config.JWKSURL != "" {
		verifier.jwks = newJWKSCache(config.JWKSURL, config.JWKSCertificates, config.JWKSCacheTTL)
	}
	return verifier, nil
}

// Verify checks the raw token and returns the caller's context.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (_ *mural.AuthContext, err error) {
	defer mon.Task()(&ctx)(&err)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.config.Algorithms),
		jwt.WithExpirationRequired(),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, v.keyFunc(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized.New("token rejected: %v", err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrUnauthorized.New("token missing subject")
	}

	roles := stringsFromClaim(claims[v.config.RolesClaim])
	groups := stringsFromClaim(claims[v.config.GroupsClaim])

	return &mural.AuthContext{
		ActorType: mural.ActorJWT,
		ID:        subject,
		Scope: mural.Scope{
			OrgID:    stringClaim(claims, "org_id"),
			SiteID:   stringClaim(claims, "site_id"),
			StreamID: stringClaim(claims, "stream_id"),
		},
		IsAdmin: containsFold(v.config.AdminRoles, roles) || containsFold(v.config.AdminGroups, groups),
		Roles:   roles,
		Groups:  groups,
	}, nil
}

func (v *JWTVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if v.config.HS256Secret == "" {
				return nil, Error.New("no hmac secret configured")
			}
			return []byte(v.config.HS256Secret), nil
		}
		if v.jwks != nil {
			kid, _ := token.Header["kid"].(string)
			return v.jwks.Key(ctx, kid)
		}
		if v.publicKey != nil {
			return v.publicKey, nil
		}
		return nil, Error.New("no key material for algorithm %q", token.Method.Alg())
	}
}

func parsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	return nil, Error.New("unsupported public key pem")
}

// stringsFromClaim accepts a claim carrying either one string or a list.
func stringsFromClaim(value interface{}) []string {
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return nil
		}
		return []string{typed}
	case []interface{}:
		var out []string
		for _, entry := range typed {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return typed
	}
	return nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func containsFold(configured, held []string) bool {
	for _, want := range configured {
		for _, have := range held {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}
