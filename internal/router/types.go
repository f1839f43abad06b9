// Package router implements the deployment selection engine: given a tenant,
// feature, and request requirements, it picks a backend deployment by walking
// the policy's selection chain through capability, health, performance, and
// budget checks.
package router

import (
	"github.com/modelmux/modelmux/internal/catalog"
)

// Decision reasons, stable strings surfaced in responses, logs, and metrics.
const (
	ReasonUserOverride    = "user_override"
	ReasonPrimary         = "primary"
	ReasonFallback        = "fallback"
	ReasonBudgetFallback  = "budget_fallback"
	ReasonNoPolicy        = "no_policy"
	ReasonNoSuitableModel = "no_suitable_model"
)

// Request carries everything the engine needs to make one routing decision.
// TenantID and Feature are mandatory; the rest narrow the candidate set.
type Request struct {
	TenantID               string               `json:"tenant_id"`
	Feature                string               `json:"feature"`
	RequiredCapabilities   []string             `json:"required_capabilities,omitempty"`
	LatencyRequirement     catalog.LatencyClass `json:"latency_requirement,omitempty"`
	EstimatedContextTokens int                  `json:"estimated_context_tokens,omitempty"`
	QualityPriority        *bool                `json:"quality_priority,omitempty"`
	BudgetOverride         *float64             `json:"budget_override,omitempty"`
	UserOverride           string               `json:"user_override,omitempty"`
}

// Decision is the outcome of a single Route call. SelectedDeployment is empty
// when Reason is no_policy or no_suitable_model.
type Decision struct {
	ID                 string  `json:"decision_id"`
	SelectedDeployment string  `json:"selected_deployment"`
	Reason             string  `json:"reason"`
	UsedFallback       bool    `json:"used_fallback"`
	EstimatedCost      float64 `json:"estimated_cost"`
	EstimatedLatency   string  `json:"estimated_latency"`
	Confidence         float64 `json:"confidence"`
}

// Routed reports whether the decision selected a deployment.
func (d Decision) Routed() bool { return d.SelectedDeployment != "" }
