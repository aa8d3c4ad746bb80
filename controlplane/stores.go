// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package controlplane

// Stores bundles typed access to every control-plane collection over one
// backend. The backend may be a single adaptor or the dual façade.
type Stores struct {
	backend Backend

	APIKeys         *Collection[APIKeyRecord, *APIKeyRecord]
	RoleBindings    *Collection[RoleBinding, *RoleBinding]
	ABACPolicies    *Collection[ABACPolicy, *ABACPolicy]
	PrivacyPolicies *Collection[PrivacyPolicy, *PrivacyPolicy]
	Devices         *Collection[Device, *Device]
	Workflows       *Collection[Workflow, *Workflow]
	WorkflowRuns    *Collection[WorkflowRun, *WorkflowRun]
	TrainingJobs    *Collection[TrainingJob, *TrainingJob]
	OCRConnectors   *Collection[OCRConnector, *OCRConnector]
	ChaosPolicies   *Collection[ChaosPolicy, *ChaosPolicy]
	ChaosRuns       *Collection[ChaosRun, *ChaosRun]
}

// NewStores wires typed collections over the backend.
func NewStores(backend Backend) *Stores {
	return &Stores{
		backend: backend,

		APIKeys:         NewCollection[APIKeyRecord, *APIKeyRecord](backend, CollectionAPIKeys),
		RoleBindings:    NewCollection[RoleBinding, *RoleBinding](backend, CollectionRoleBindings),
		ABACPolicies:    NewCollection[ABACPolicy, *ABACPolicy](backend, CollectionABACPolicies),
		PrivacyPolicies: NewCollection[PrivacyPolicy, *PrivacyPolicy](backend, CollectionPrivacyPolicies),
		Devices:         NewCollection[Device, *Device](backend, CollectionDevices),
		Workflows:       NewCollection[Workflow, *Workflow](backend, CollectionWorkflows),
		WorkflowRuns:    NewCollection[WorkflowRun, *WorkflowRun](backend, CollectionWorkflowRuns),
		TrainingJobs:    NewCollection[TrainingJob, *TrainingJob](backend, CollectionModelRegistry),
		OCRConnectors:   NewCollection[OCRConnector, *OCRConnector](backend, CollectionOCRConnectors),
		ChaosPolicies:   NewCollection[ChaosPolicy, *ChaosPolicy](backend, CollectionChaosPolicies),
		ChaosRuns:       NewCollection[ChaosRun, *ChaosRun](backend, CollectionChaosRuns),
	}
}

// Close closes the underlying backend.
func (s *Stores) Close() error { return s.backend.Close() }
