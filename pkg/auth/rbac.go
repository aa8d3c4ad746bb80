// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth

import (
	"encoding/json"
	"strings"

	"github.com/muralsearch/mural/pkg/mural"
)

// RBACConfig configures role-based enforcement.
type RBACConfig struct {
	Enforce         bool   `help:"enforce role based access control" default:"false"`
	RolePermissions string `help:"json object mapping role names to permitted operations" default:"{\"admin\":[\"*\"],\"writer\":[\"query\",\"ingest\"],\"reader\":[\"query\"]}"`
}

// RBACEnforcer maps roles to permitted operations. The operation `*`
// grants everything.
type RBACEnforcer struct {
	enforce     bool
	permissions map[string][]string
}

// NewRBACEnforcer parses the role-to-permissions table.
func NewRBACEnforcer(config RBACConfig) (*RBACEnforcer, error) {
	permissions := map[string][]string{}
	if config.RolePermissions != "" {
		if err := json.Unmarshal([]byte(config.RolePermissions), &permissions); err != nil {
			return nil, Error.New("invalid role permissions table: %v", err)
		}
	}
	normalized := make(map[string][]string, len(permissions))
	for role, ops := range permissions {
		normalized[strings.ToLower(role)] = ops
	}
	return &RBACEnforcer{enforce: config.Enforce, permissions: normalized}, nil
}

// Allowed reports whether the caller may perform the operation. Admins
// bypass role checks; with enforcement off everything is allowed.
func (e *RBACEnforcer) Allowed(authCtx *mural.AuthContext, operation string) bool {
	if !e.enforce || authCtx.IsAdmin {
		return true
	}
	for _, role := range authCtx.Roles {
		for _, permitted := range e.permissions[strings.ToLower(role)] {
			if permitted == "*" || permitted == operation {
				return true
			}
		}
	}
	return false
}
