// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/controlplane/jsonstore"
	"github.com/muralsearch/mural/pkg/auth"
	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/private/testcontext"
)

const testSalt = "pepper"

func newService(t *testing.T, ctx *testcontext.Context, config auth.Config) (*auth.Service, *controlplane.Stores) {
	backend, err := jsonstore.New(ctx.Dir("control"))
	require.NoError(t, err)
	stores := controlplane.NewStores(backend)

	config.APIKeySalt = testSalt
	service, err := auth.NewService(zaptest.NewLogger(t), config, stores)
	require.NoError(t, err)
	return service, stores
}

func seedAPIKey(t *testing.T, ctx *testcontext.Context, stores *controlplane.Stores, id, key string, record controlplane.APIKeyRecord) {
	record.ID = id
	record.KeyHash = auth.HashKey(testSalt, key)
	if record.Status == "" {
		record.Status = controlplane.APIKeyActive
	}
	require.NoError(t, stores.APIKeys.Upsert(ctx, &record))
}

func apiKeyRequest(key string) *http.Request {
	req, _ := http.NewRequest(http.MethodPost, "/query", nil)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	return req
}

func TestAPIKeyAuthentication(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, stores := newService(t, ctx, auth.Config{})
	seedAPIKey(t, ctx, stores, "key-1", "s3cr3t", controlplane.APIKeyRecord{
		Name:  "reader",
		Roles: []string{"reader"},
		Scope: mural.Scope{OrgID: "org-1"},
	})

	authCtx, err := service.Authenticate(ctx, apiKeyRequest("s3cr3t"))
	require.NoError(t, err)
	require.Equal(t, mural.ActorAPIKey, authCtx.ActorType)
	require.Equal(t, "key-1", authCtx.ID)
	require.Equal(t, "org-1", authCtx.Scope.OrgID)
	require.True(t, authCtx.HasRole("reader"))
	require.False(t, authCtx.IsAdmin)

	_, err = service.Authenticate(ctx, apiKeyRequest("wrong"))
	require.True(t, auth.ErrUnauthorized.Has(err))

	_, err = service.Authenticate(ctx, apiKeyRequest(""))
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestRevokedAPIKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, stores := newService(t, ctx, auth.Config{})
	seedAPIKey(t, ctx, stores, "key-1", "dead", controlplane.APIKeyRecord{
		Name:   "old",
		Status: controlplane.APIKeyRevoked,
	})

	_, err := service.Authenticate(ctx, apiKeyRequest("dead"))
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestRoleBindingsMergeIntoAPIKeyRoles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, stores := newService(t, ctx, auth.Config{})
	seedAPIKey(t, ctx, stores, "key-1", "k", controlplane.APIKeyRecord{
		Name:  "svc",
		Roles: []string{"reader"},
	})

	binding := &controlplane.RoleBinding{PrincipalID: "key-1", Roles: []string{"writer", "Reader"}}
	binding.ID = "bind-1"
	require.NoError(t, stores.RoleBindings.Upsert(ctx, binding))

	authCtx, err := service.Authenticate(ctx, apiKeyRequest("k"))
	require.NoError(t, err)
	// "Reader" dedupes case-insensitively against the key's own role
	require.ElementsMatch(t, []string{"reader", "writer"}, authCtx.Roles)
}

func TestRBACEnforcement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, stores := newService(t, ctx, auth.Config{
		RBAC: auth.RBACConfig{
			Enforce:         true,
			RolePermissions: `{"admin":["*"],"writer":["query","ingest"],"reader":["query"]}`,
		},
	})
	seedAPIKey(t, ctx, stores, "key-1", "r", controlplane.APIKeyRecord{Name: "r", Roles: []string{"reader"}})
	seedAPIKey(t, ctx, stores, "key-2", "a", controlplane.APIKeyRecord{Name: "a", IsAdmin: true})

	reader, err := service.Authenticate(ctx, apiKeyRequest("r"))
	require.NoError(t, err)

	// a reader may query but not ingest
	require.NoError(t, service.Authorize(ctx, reader, "query", nil))
	err = service.Authorize(ctx, reader, "ingest", nil)
	require.True(t, auth.ErrForbidden.Has(err))

	// admins bypass the table entirely
	admin, err := service.Authenticate(ctx, apiKeyRequest("a"))
	require.NoError(t, err)
	require.NoError(t, service.Authorize(ctx, admin, "ingest", nil))
}

func TestABACDenyOverridesAllow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, stores := newService(t, ctx, auth.Config{
		ABAC: auth.ABACConfig{Enforce: true, DefaultAllow: true},
	})
	seedAPIKey(t, ctx, stores, "key-1", "k", controlplane.APIKeyRecord{
		Name:  "svc",
		Scope: mural.Scope{SiteID: "site-9"},
	})

	allow := &controlplane.ABACPolicy{
		Effect:     controlplane.EffectAllow,
		Conditions: map[string]controlplane.ConditionValue{"site_id": {"site-9"}},
	}
	allow.ID = "p-allow"
	deny := &controlplane.ABACPolicy{
		Effect:     controlplane.EffectDeny,
		Conditions: map[string]controlplane.ConditionValue{"modality": {"audio", "image"}},
	}
	deny.ID = "p-deny"
	require.NoError(t, stores.ABACPolicies.Upsert(ctx, allow))
	require.NoError(t, stores.ABACPolicies.Upsert(ctx, deny))

	authCtx, err := service.Authenticate(ctx, apiKeyRequest("k"))
	require.NoError(t, err)

	// the allow policy matches via the caller's scope
	require.NoError(t, service.Authorize(ctx, authCtx, "query", map[string]string{"modality": "document"}))

	// the deny policy matches the modality attribute and wins
	err = service.Authorize(ctx, authCtx, "query", map[string]string{"modality": "audio"})
	require.True(t, auth.ErrForbidden.Has(err))
}

func TestABACDefaultDecision(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, stores := newService(t, ctx, auth.Config{
		ABAC: auth.ABACConfig{Enforce: true, DefaultAllow: false},
	})
	seedAPIKey(t, ctx, stores, "key-1", "k", controlplane.APIKeyRecord{Name: "svc"})

	authCtx, err := service.Authenticate(ctx, apiKeyRequest("k"))
	require.NoError(t, err)

	// no policies at all: the default decision applies
	err = service.Authorize(ctx, authCtx, "query", nil)
	require.True(t, auth.ErrForbidden.Has(err))
}
