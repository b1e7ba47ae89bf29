package types

import (
	"time"
)

// QualityLevel expresses how much output quality a request needs.
type QualityLevel string

const (
	QualityHigh   QualityLevel = "high"
	QualityMedium QualityLevel = "medium"
	QualityLow    QualityLevel = "low"
)

// SpeedLevel expresses how quickly a request needs to complete.
type SpeedLevel string

const (
	SpeedFast   SpeedLevel = "fast"
	SpeedNormal SpeedLevel = "normal"
	SpeedSlow   SpeedLevel = "slow"
)

// RoutingRequest describes one unit of work to be matched against the
// model catalog. Constructed per call; never persisted.
type RoutingRequest struct {
	Task              string       `json:"task"`
	MaxTokens         int          `json:"max_tokens,omitempty"`
	QualityRequired   QualityLevel `json:"quality_required"`
	SpeedRequired     SpeedLevel   `json:"speed_required"`
	Budget            *float64     `json:"budget,omitempty"`
	PreferredProvider string       `json:"preferred_provider,omitempty"`
}

// Validate rejects malformed requests before any scoring happens.
func (r *RoutingRequest) Validate() error {
	if r.Task == "" {
		return &ValidationError{Field: "task", Reason: "task description is required"}
	}
	switch r.QualityRequired {
	case "", QualityHigh, QualityMedium, QualityLow:
	default:
		return &ValidationError{Field: "quality_required", Reason: "must be high, medium or low"}
	}
	switch r.SpeedRequired {
	case "", SpeedFast, SpeedNormal, SpeedSlow:
	default:
		return &ValidationError{Field: "speed_required", Reason: "must be fast, normal or slow"}
	}
	if r.Budget != nil && *r.Budget < 0 {
		return &ValidationError{Field: "budget", Reason: "budget cannot be negative"}
	}
	return nil
}

// ScoredOption is one catalog entry with its routing score attached.
type ScoredOption struct {
	Option ModelOption `json:"option"`
	Score  float64     `json:"score"`
}

// CostSavings compares the selected option against more expensive choices.
type CostSavings struct {
	VsMostExpensive float64 `json:"vs_most_expensive"`
	VsPremium       float64 `json:"vs_premium_baseline"`
	PremiumModelID  string  `json:"premium_model_id"`
}

// RoutingDecision is the ranked output of one routing call. Immutable once
// produced; identical requests yield identical decisions.
type RoutingDecision struct {
	Selected         ModelOption    `json:"selected"`
	Reasoning        []string       `json:"reasoning"`
	EstimatedCost    float64        `json:"estimated_cost"`
	EstimatedLatency time.Duration  `json:"estimated_latency"`
	Complexity       int            `json:"complexity"`
	Alternatives     []ScoredOption `json:"alternatives,omitempty"`
	Savings          CostSavings    `json:"savings"`
}

// OrchestrationResult summarizes one crew orchestration: who activated,
// which tier each participant was assigned, and the cost story against an
// all-premium baseline.
type OrchestrationResult struct {
	ActivatedParticipants []string                    `json:"activated_participants"`
	TierAssignments       map[string]ModelTier        `json:"tier_assignments"`
	Decisions             map[string]*RoutingDecision `json:"decisions,omitempty"`
	Complexity            int                         `json:"complexity"`
	ComplexityLabel       string                      `json:"complexity_label"`
	EstimatedCost         float64                     `json:"estimated_cost"`
	LeadReasoning         string                      `json:"lead_reasoning"`
	ROI                   ROIAnalysis                 `json:"roi"`
}

// ROIAnalysis compares the optimized crew cost to running every
// participant on the premium tier.
type ROIAnalysis struct {
	PremiumCost       float64 `json:"premium_cost"`
	OptimizedCost     float64 `json:"optimized_cost"`
	Savings           float64 `json:"savings"`
	SavingsPercentage float64 `json:"savings_percentage"`
	Recommendation    string  `json:"recommendation"`
}
