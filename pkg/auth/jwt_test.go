// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/muralsearch/mural/pkg/auth"
	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/private/testcontext"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTHS256(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Algorithms:  []string{"HS256"},
		HS256Secret: "hush",
		RolesClaim:  "roles",
		GroupsClaim: "groups",
		AdminRoles:  []string{"admin"},
	})
	require.NoError(t, err)

	token := signHS256(t, "hush", jwt.MapClaims{
		"sub":     "user-7",
		"exp":     time.Now().Add(time.Hour).Unix(),
		"roles":   []string{"reader", "writer"},
		"groups":  "analysts",
		"org_id":  "org-1",
		"site_id": "site-2",
	})

	authCtx, err := verifier.Verify(ctx, token)
	require.NoError(t, err)
	require.Equal(t, mural.ActorJWT, authCtx.ActorType)
	require.Equal(t, "user-7", authCtx.ID)
	require.Equal(t, mural.Scope{OrgID: "org-1", SiteID: "site-2"}, authCtx.Scope)
	require.ElementsMatch(t, []string{"reader", "writer"}, authCtx.Roles)
	require.Equal(t, []string{"analysts"}, authCtx.Groups)
	require.False(t, authCtx.IsAdmin)
}

func TestJWTRejections(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Algorithms:  []string{"HS256"},
		HS256Secret: "hush",
	})
	require.NoError(t, err)

	// wrong secret
	bad := signHS256(t, "other", jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, bad)
	require.True(t, auth.ErrUnauthorized.Has(err))

	// expired
	expired := signHS256(t, "hush", jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, expired)
	require.True(t, auth.ErrUnauthorized.Has(err))

	// missing exp entirely
	noExp := signHS256(t, "hush", jwt.MapClaims{"sub": "u"})
	_, err = verifier.Verify(ctx, noExp)
	require.True(t, auth.ErrUnauthorized.Has(err))

	// missing subject
	noSub := signHS256(t, "hush", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err = verifier.Verify(ctx, noSub)
	require.True(t, auth.ErrUnauthorized.Has(err))

	// alg=none is never in the allowlist
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, unsigned)
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestJWTAdminByRole(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Algorithms:  []string{"HS256"},
		HS256Secret: "hush",
		RolesClaim:  "roles",
		AdminRoles:  []string{"Platform-Admin"},
	})
	require.NoError(t, err)

	token := signHS256(t, "hush", jwt.MapClaims{
		"sub":   "ops-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": []string{"platform-admin"},
	})
	authCtx, err := verifier.Verify(ctx, token)
	require.NoError(t, err)
	require.True(t, authCtx.IsAdmin)
}

func TestJWTAgainstJWKS(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer server.Close()

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Algorithms:   []string{"RS256"},
		JWKSURL:      server.URL,
		JWKSCacheTTL: time.Minute,
	})
	require.NoError(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "svc-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned.Header["kid"] = "kid-1"
	token, err := unsigned.SignedString(key)
	require.NoError(t, err)

	authCtx, err := verifier.Verify(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "svc-1", authCtx.ID)

	// unknown kid fails even after a refetch
	unsigned.Header["kid"] = "kid-9"
	token, err = unsigned.SignedString(key)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, token)
	require.True(t, auth.ErrUnauthorized.Has(err))
}
