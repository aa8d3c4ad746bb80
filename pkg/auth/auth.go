// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package auth resolves request credentials into an AuthContext and
// enforces role- and attribute-based access policies.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/pkg/mural"
)

var (
	mon = monkit.Package()

	// Error is the auth error class.
	Error = errs.Class("auth")
	// ErrUnauthorized marks missing or invalid credentials.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrForbidden marks policy denials for authenticated callers.
	ErrForbidden = errs.Class("forbidden")
)

// Config configures credential resolution and policy enforcement.
type Config struct {
	APIKeySalt string `help:"salt mixed into stored api key hashes" default:""`

	JWT  JWTConfig
	RBAC RBACConfig
	ABAC ABACConfig
}

// Service authenticates requests and evaluates access policies against the
// control-plane stores.
type Service struct {
	log    *zap.Logger
	config Config
	stores *controlplane.Stores

	jwt  *JWTVerifier
	rbac *RBACEnforcer
	abac *ABACEnforcer
}

// NewService wires the authenticators and enforcers.
func NewService(log *zap.Logger, config Config, stores *controlplane.Stores) (*Service, error) {
	verifier, err := NewJWTVerifier(config.JWT)
	if err != nil {
		return nil, err
	}
	rbac, err := NewRBACEnforcer(config.RBAC)
	if err != nil {
		return nil, err
	}
	return &Service{
		log:    log,
		config: config,
		stores: stores,
		jwt:    verifier,
		rbac:   rbac,
		abac:   NewABACEnforcer(config.ABAC),
	}, nil
}

// Authenticate resolves the request's credential into an AuthContext.
// Bearer tokens are verified as JWTs; the x-api-key header is checked
// against the API-key store. Requests carrying neither are unauthorized.
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (_ *mural.AuthContext, err error) {
	defer mon.Task()(&ctx)(&err)

	if header := r.Header.Get("Authorization"); header != "" {
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if raw == "" {
			return nil, ErrUnauthorized.New("empty bearer token")
		}
		return s.jwt.Verify(ctx, raw)
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return s.authenticateAPIKey(ctx, key)
	}
	return nil, ErrUnauthorized.New("no credential presented")
}

// Authorize applies RBAC and, when enabled, ABAC to one operation. The
// attribute map feeds ABAC condition matching.
func (s *Service) Authorize(ctx context.Context, authCtx *mural.AuthContext, operation string, attrs map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !s.rbac.Allowed(authCtx, operation) {
		mon.Counter("auth_rbac_denied").Inc(1)
		return ErrForbidden.New("operation %q not permitted for roles %v", operation, authCtx.Roles)
	}
	if !s.abac.Enforced() {
		return nil
	}

	policies, err := s.stores.ABACPolicies.List(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if !s.abac.Allowed(authCtx, policies, attrs) {
		mon.Counter("auth_abac_denied").Inc(1)
		return ErrForbidden.New("denied by attribute policy")
	}
	return nil
}

// resolveBoundRoles merges roles granted through role bindings into the
// roles carried by the credential itself.
func (s *Service) resolveBoundRoles(ctx context.Context, principalID string, base []string) []string {
	bindings, err := s.stores.RoleBindings.List(ctx)
	if err != nil {
		s.log.Warn("role binding lookup failed", zap.Error(err))
		return base
	}

	seen := make(map[string]bool, len(base))
	roles := make([]string, 0, len(base))
	for _, role := range base {
		key := strings.ToLower(role)
		if !seen[key] {
			seen[key] = true
			roles = append(roles, role)
		}
	}
	for _, binding := range bindings {
		if binding.PrincipalID != principalID {
			continue
		}
		for _, role := range binding.Roles {
			key := strings.ToLower(role)
			if !seen[key] {
				seen[key] = true
				roles = append(roles, role)
			}
		}
	}
	return roles
}
