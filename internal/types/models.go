package types

import (
	"time"
)

// ModelTier classifies catalog entries by cost/quality class.
type ModelTier string

const (
	TierPremium     ModelTier = "premium"
	TierStandard    ModelTier = "standard"
	TierBudget      ModelTier = "budget"
	TierUltraBudget ModelTier = "ultra_budget"
)

// Valid reports whether the tier is one of the known classes.
func (t ModelTier) Valid() bool {
	switch t {
	case TierPremium, TierStandard, TierBudget, TierUltraBudget:
		return true
	}
	return false
}

// ModelOption is an immutable catalog entry describing one routable model.
// Entries are built once at startup from configuration and never mutated;
// catalog reloads swap whole snapshots instead.
type ModelOption struct {
	Provider         string        `json:"provider" yaml:"provider"`
	ModelID          string        `json:"model_id" yaml:"model_id"`
	DisplayName      string        `json:"display_name" yaml:"display_name"`
	Tier             ModelTier     `json:"tier" yaml:"tier"`
	CostPerRequest   float64       `json:"cost_per_request" yaml:"cost_per_request"`
	EstimatedLatency time.Duration `json:"estimated_latency" yaml:"estimated_latency"`
	QualityScore     float64       `json:"quality_score" yaml:"quality_score"` // 0-100
	Tags             []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the option carries the given suitability tag.
func (m ModelOption) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
