// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth

import (
	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/pkg/mural"
)

// ABACConfig configures attribute-based enforcement.
type ABACConfig struct {
	Enforce      bool `help:"enforce attribute based access policies" default:"false"`
	DefaultAllow bool `help:"decision when no policy matches" default:"true"`
}

// ABACEnforcer evaluates attribute policies. A matching deny always wins
// over a matching allow; with no match the configured default applies.
type ABACEnforcer struct {
	config ABACConfig
}

// NewABACEnforcer returns an enforcer for the config.
func NewABACEnforcer(config ABACConfig) *ABACEnforcer {
	return &ABACEnforcer{config: config}
}

// Enforced reports whether attribute policies are evaluated at all.
func (e *ABACEnforcer) Enforced() bool { return e.config.Enforce }

// Allowed evaluates the policy list against the request attributes. The
// caller's scope is merged into the attributes under org_id/site_id/
// stream_id unless the request already set them.
func (e *ABACEnforcer) Allowed(authCtx *mural.AuthContext, policies []controlplane.ABACPolicy, attrs map[string]string) bool {
	if !e.config.Enforce {
		return true
	}

	merged := make(map[string]string, len(attrs)+3)
	for k, v := range attrs {
		merged[k] = v
	}
	if _, ok := merged["org_id"]; !ok && authCtx.Scope.OrgID != "" {
		merged["org_id"] = authCtx.Scope.OrgID
	}
	if _, ok := merged["site_id"]; !ok && authCtx.Scope.SiteID != "" {
		merged["site_id"] = authCtx.Scope.SiteID
	}
	if _, ok := merged["stream_id"]; !ok && authCtx.Scope.StreamID != "" {
		merged["stream_id"] = authCtx.Scope.StreamID
	}

	anyAllow := false
	for i := range policies {
		if !policyMatches(&policies[i], merged) {
			continue
		}
		if policies[i].Effect == controlplane.EffectDeny {
			return false
		}
		anyAllow = true
	}
	if anyAllow {
		return true
	}
	return e.config.DefaultAllow
}

// policyMatches requires every condition key to be present and satisfied.
func policyMatches(policy *controlplane.ABACPolicy, attrs map[string]string) bool {
	if len(policy.Conditions) == 0 {
		return false
	}
	for key, condition := range policy.Conditions {
		value, ok := attrs[key]
		if !ok || !condition.Matches(value) {
			return false
		}
	}
	return true
}
