// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package controlplane defines the persisted policy and identity entities
// and the stores that hold them.
package controlplane

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/zeebo/errs"

	"github.com/muralsearch/mural/pkg/mural"
)

// Error is the controlplane error class.
var Error = errs.Class("controlplane")

// ErrValidation wraps entity invariant violations.
var ErrValidation = errs.Class("controlplane validation")

// Collection names, which double as file names for the JSON backend and
// bucket names for the document backend.
const (
	CollectionAPIKeys         = "api_keys"
	CollectionRoleBindings    = "rbac_bindings"
	CollectionABACPolicies    = "abac_policies"
	CollectionPrivacyPolicies = "privacy_policies"
	CollectionDevices         = "devices"
	CollectionWorkflows       = "workflows"
	CollectionWorkflowRuns    = "workflow_runs"
	CollectionModelRegistry   = "model_registry"
	CollectionOCRConnectors   = "ocr_connectors"
	CollectionChaosPolicies   = "chaos_policies"
	CollectionChaosRuns       = "chaos_runs"
)

// Entity is implemented by every persisted control-plane record.
type Entity interface {
	EntityID() string
	Updated() time.Time
	SetUpdated(now time.Time)
	Validate() error
}

// Meta carries the identity and timestamps every entity shares.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID returns the entity's opaque uuid.
func (m *Meta) EntityID() string { return m.ID }

// Updated returns the last mutation time.
func (m *Meta) Updated() time.Time { return m.UpdatedAt }

// SetUpdated records a mutation time.
func (m *Meta) SetUpdated(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

func (m *Meta) validateMeta() error {
	if m.ID == "" {
		return ErrValidation.New("missing entity id")
	}
	return nil
}

// RoleBinding maps a principal to a set of role names.
type RoleBinding struct {
	Meta
	PrincipalID string   `json:"principal_id"`
	Roles       []string `json:"roles"`
}

// Validate checks the binding's invariants.
func (b *RoleBinding) Validate() error {
	if err := b.validateMeta(); err != nil {
		return err
	}
	if b.PrincipalID == "" {
		return ErrValidation.New("role binding %s: missing principal id", b.ID)
	}
	return nil
}

// ConditionValue is a single value or a set of values for one ABAC
// condition key. It unmarshals from either a JSON string or an array.
type ConditionValue []string

// UnmarshalJSON accepts a bare string or a list of strings.
func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = ConditionValue{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*v = ConditionValue(many)
	return nil
}

// Matches reports whether the attribute value satisfies the condition.
func (v ConditionValue) Matches(attr string) bool {
	for _, candidate := range v {
		if candidate == attr {
			return true
		}
	}
	return false
}

// ABAC policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// ABACPolicy is an attribute-based access rule.
type ABACPolicy struct {
	Meta
	Effect     string                    `json:"effect"`
	Conditions map[string]ConditionValue `json:"conditions"`
}

// Validate checks the policy's invariants.
func (p *ABACPolicy) Validate() error {
	if err := p.validateMeta(); err != nil {
		return err
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return ErrValidation.New("abac policy %s: invalid effect %q", p.ID, p.Effect)
	}
	return nil
}

// PrivacyPolicy controls evidence redaction for matching results.
type PrivacyPolicy struct {
	Meta
	Name             string      `json:"name"`
	Modalities       []string    `json:"modalities,omitempty"`
	AppliesTo        mural.Scope `json:"applies_to,omitempty"`
	RedactSnippets   bool        `json:"redact_snippets"`
	RedactURIs       bool        `json:"redact_uris"`
	RedactThumbnails bool        `json:"redact_thumbnails"`
}

// Validate checks the policy's invariants.
func (p *PrivacyPolicy) Validate() error {
	if err := p.validateMeta(); err != nil {
		return err
	}
	if p.Name == "" {
		return ErrValidation.New("privacy policy %s: missing name", p.ID)
	}
	return nil
}

// Device is one registered fleet device.
type Device struct {
	Meta
	Name       string    `json:"name"`
	SiteID     string    `json:"site_id,omitempty"`
	StreamID   string    `json:"stream_id,omitempty"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// Validate checks the device's invariants.
func (d *Device) Validate() error {
	if err := d.validateMeta(); err != nil {
		return err
	}
	if d.Name == "" {
		return ErrValidation.New("device %s: missing name", d.ID)
	}
	return nil
}

// WorkflowStep is one step of a workflow spec.
type WorkflowStep struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Workflow is a stored workflow specification.
type Workflow struct {
	Meta
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Steps   []WorkflowStep `json:"steps"`
}

// Validate checks the workflow's invariants.
func (w *Workflow) Validate() error {
	if err := w.validateMeta(); err != nil {
		return err
	}
	if w.Name == "" {
		return ErrValidation.New("workflow %s: missing name", w.ID)
	}
	for _, step := range w.Steps {
		if step.Name == "" || step.Kind == "" {
			return ErrValidation.New("workflow %s: step missing name or kind", w.ID)
		}
	}
	return nil
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	Meta
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Validate checks the run's invariants.
func (r *WorkflowRun) Validate() error {
	if err := r.validateMeta(); err != nil {
		return err
	}
	if r.WorkflowID == "" {
		return ErrValidation.New("workflow run %s: missing workflow id", r.ID)
	}
	return nil
}

// TrainingJob is a model-registry entry for a training run.
type TrainingJob struct {
	Meta
	ModelName string            `json:"model_name"`
	Status    string            `json:"status"`
	Params    map[string]string `json:"params,omitempty"`
}

// Validate checks the job's invariants.
func (j *TrainingJob) Validate() error {
	if err := j.validateMeta(); err != nil {
		return err
	}
	if j.ModelName == "" {
		return ErrValidation.New("training job %s: missing model name", j.ID)
	}
	return nil
}

// OCR connector auth types.
const (
	OCRAuthNone   = "none"
	OCRAuthHeader = "header"
	OCRAuthBearer = "bearer"
)

// OCRConnector points at an external OCR service.
type OCRConnector struct {
	Meta
	Name       string `json:"name"`
	URL        string `json:"url"`
	AuthType   string `json:"auth_type"`
	AuthHeader string `json:"auth_header,omitempty"`
	AuthSecret string `json:"auth_secret,omitempty"`
}

// Validate checks the connector's invariants: the URL scheme must be http
// or https and the auth type determines which credential fields are
// required.
func (c *OCRConnector) Validate() error {
	if err := c.validateMeta(); err != nil {
		return err
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return ErrValidation.New("ocr connector %s: invalid url: %v", c.ID, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrValidation.New("ocr connector %s: unsupported url scheme %q", c.ID, parsed.Scheme)
	}
	switch c.AuthType {
	case OCRAuthNone:
	case OCRAuthHeader:
		if c.AuthHeader == "" || c.AuthSecret == "" {
			return ErrValidation.New("ocr connector %s: header auth requires auth_header and auth_secret", c.ID)
		}
	case OCRAuthBearer:
		if c.AuthSecret == "" {
			return ErrValidation.New("ocr connector %s: bearer auth requires auth_secret", c.ID)
		}
	default:
		return ErrValidation.New("ocr connector %s: invalid auth type %q", c.ID, c.AuthType)
	}
	return nil
}

// API key statuses.
const (
	APIKeyActive  = "active"
	APIKeyRevoked = "revoked"
)

// APIKeyRecord stores the salted hash and grants of one API key.
type APIKeyRecord struct {
	Meta
	Name    string      `json:"name"`
	KeyHash string      `json:"key_hash"`
	Status  string      `json:"status"`
	Scope   mural.Scope `json:"scope,omitempty"`
	Scopes  []string    `json:"scopes,omitempty"`
	Roles   []string    `json:"roles,omitempty"`
	IsAdmin bool        `json:"is_admin,omitempty"`
}

// Validate checks the record's invariants.
func (k *APIKeyRecord) Validate() error {
	if err := k.validateMeta(); err != nil {
		return err
	}
	if k.KeyHash == "" {
		return ErrValidation.New("api key %s: missing key hash", k.ID)
	}
	if k.Status != APIKeyActive && k.Status != APIKeyRevoked {
		return ErrValidation.New("api key %s: invalid status %q", k.ID, k.Status)
	}
	return nil
}

// Chaos step caps enforced at validation time.
const (
	maxChaosPercent  = 100.0
	maxChaosDuration = time.Hour
)

// ChaosStep is one injected-fault step of a chaos policy.
type ChaosStep struct {
	Action   string        `json:"action"`
	Percent  float64       `json:"percent"`
	Duration time.Duration `json:"duration"`
}

// ChaosPolicy is a stored fault-injection plan.
type ChaosPolicy struct {
	Meta
	Name  string      `json:"name"`
	Steps []ChaosStep `json:"steps"`
}

// Validate checks each step against the policy caps.
func (p *ChaosPolicy) Validate() error {
	if err := p.validateMeta(); err != nil {
		return err
	}
	for _, step := range p.Steps {
		if step.Percent < 0 || step.Percent > maxChaosPercent {
			return ErrValidation.New("chaos policy %s: step percent %.1f out of range", p.ID, step.Percent)
		}
		if step.Duration < 0 || step.Duration > maxChaosDuration {
			return ErrValidation.New("chaos policy %s: step duration %v out of range", p.ID, step.Duration)
		}
	}
	return nil
}

// ChaosRun is one execution of a chaos policy.
type ChaosRun struct {
	Meta
	PolicyID  string    `json:"policy_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Validate checks the run's invariants.
func (r *ChaosRun) Validate() error {
	if err := r.validateMeta(); err != nil {
		return err
	}
	if r.PolicyID == "" {
		return ErrValidation.New("chaos run %s: missing policy id", r.ID)
	}
	return nil
}
