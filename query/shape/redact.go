// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package shape

import (
	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/pkg/mural"
)

const redactedPlaceholder = "[redacted]"

// Redact masks fields of results matched by an active privacy policy. The
// pass is pure: it returns a new list of the same length in the same
// order. Admins bypass redaction entirely.
func Redact(authCtx *mural.AuthContext, requestScope mural.Scope, policies []controlplane.PrivacyPolicy, results []mural.QueryResult) []mural.QueryResult {
	out := make([]mural.QueryResult, len(results))
	copy(out, results)

	if authCtx != nil && authCtx.IsAdmin {
		return out
	}

	active := make([]*controlplane.PrivacyPolicy, 0, len(policies))
	for i := range policies {
		if policies[i].AppliesTo.Contains(requestScope) {
			active = append(active, &policies[i])
		}
	}
	if len(active) == 0 {
		return out
	}

	redacted := 0
	for i := range out {
		for _, policy := range active {
			if !policyCoversModality(policy, out[i].Modality) {
				continue
			}
			if policy.RedactSnippets && out[i].Snippet != "" {
				out[i].Snippet = redactedPlaceholder
			}
			if policy.RedactURIs && out[i].URI != "" {
				out[i].URI = redactedPlaceholder
			}
			if policy.RedactThumbnails {
				out[i].ThumbnailURI = ""
			}
			redacted++
		}
	}
	mon.IntVal("redacted_results").Observe(int64(redacted))
	return out
}

// policyCoversModality treats an empty modality list as covering all.
func policyCoversModality(policy *controlplane.PrivacyPolicy, modality mural.Modality) bool {
	if len(policy.Modalities) == 0 {
		return true
	}
	for _, m := range policy.Modalities {
		if m == string(modality) {
			return true
		}
	}
	return false
}
