// Package crew activates participants for a task and assigns each an LLM
// tier through the model router.
package crew

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/catalog"
	"github.com/tributary-ai/crew-core/internal/routing"
	"github.com/tributary-ai/crew-core/internal/types"
)

// OrchestrateRequest is one orchestration call.
type OrchestrateRequest struct {
	Task string `json:"task"`
	// Context carries optional caller metadata; it does not influence
	// activation or tier assignment.
	Context map[string]string `json:"context,omitempty"`
	// ForceParticipants, when non-empty, activates exactly this set
	// (plus the lead) instead of keyword matching.
	ForceParticipants []string `json:"force_participants,omitempty"`
	// TierOverride forces the tier for specific participants. Unknown
	// participant ids are rejected before any routing happens.
	TierOverride map[string]types.ModelTier `json:"tier_override,omitempty"`
}

// Orchestrator decides which participants activate for a task and what
// each one costs. Stateless; safe for concurrent callers.
type Orchestrator struct {
	participants []Participant
	byID         map[string]Participant
	router       *routing.Router
	catalog      *catalog.Catalog
	logger       *logrus.Logger
}

// NewOrchestrator creates an orchestrator over the given participant
// registry. The registry must contain exactly one lead.
func NewOrchestrator(participants []Participant, router *routing.Router, cat *catalog.Catalog, logger *logrus.Logger) (*Orchestrator, error) {
	if len(participants) == 0 {
		participants = DefaultParticipants()
	}

	byID := make(map[string]Participant, len(participants))
	leads := 0
	for _, p := range participants {
		if p.ID == "" {
			return nil, fmt.Errorf("participant with empty id")
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate participant id %q", p.ID)
		}
		byID[p.ID] = p
		if p.Lead {
			leads++
		}
	}
	if leads != 1 {
		return nil, fmt.Errorf("crew must have exactly one lead participant, got %d", leads)
	}

	return &Orchestrator{
		participants: participants,
		byID:         byID,
		router:       router,
		catalog:      cat,
		logger:       logger,
	}, nil
}

// Orchestrate estimates task complexity, activates participants, routes
// each one to a model tier and computes the ROI against an all-premium
// baseline. A routing failure for any participant aborts the whole
// orchestration; partial activation would produce an inconsistent cost
// story.
func (o *Orchestrator) Orchestrate(req *OrchestrateRequest) (*types.OrchestrationResult, error) {
	if req.Task == "" {
		return nil, &types.ValidationError{Field: "task", Reason: "task description is required"}
	}

	// Reject unknown ids before any model routing happens.
	for id := range req.TierOverride {
		if _, ok := o.byID[id]; !ok {
			return nil, &types.ValidationError{Field: "tier_override", Reason: fmt.Sprintf("unknown participant %q", id)}
		}
	}
	for _, id := range req.ForceParticipants {
		if _, ok := o.byID[id]; !ok {
			return nil, &types.ValidationError{Field: "force_participants", Reason: fmt.Sprintf("unknown participant %q", id)}
		}
	}
	for id, tier := range req.TierOverride {
		if !tier.Valid() {
			return nil, &types.ValidationError{Field: "tier_override", Reason: fmt.Sprintf("invalid tier %q for participant %q", tier, id)}
		}
	}

	complexity := routing.EstimateComplexity(req.Task)
	activated := o.activate(req)

	decisions := make(map[string]*types.RoutingDecision, len(activated))
	tiers := make(map[string]types.ModelTier, len(activated))
	totalCost := 0.0

	for _, p := range activated {
		decision, err := o.routeParticipant(p, req)
		if err != nil {
			return nil, fmt.Errorf("routing participant %q: %w", p.ID, err)
		}
		decisions[p.ID] = decision
		tiers[p.ID] = decision.Selected.Tier
		totalCost += decision.EstimatedCost
	}

	roi := o.computeROI(len(activated), totalCost)

	ids := make([]string, 0, len(activated))
	for _, p := range activated {
		ids = append(ids, p.ID)
	}

	result := &types.OrchestrationResult{
		ActivatedParticipants: ids,
		TierAssignments:       tiers,
		Decisions:             decisions,
		Complexity:            complexity,
		ComplexityLabel:       routing.ComplexityLabel(complexity),
		EstimatedCost:         totalCost,
		LeadReasoning:         o.leadReasoning(complexity, activated, roi),
		ROI:                   roi,
	}

	o.logger.WithFields(logrus.Fields{
		"participants":   ids,
		"complexity":     complexity,
		"estimated_cost": totalCost,
		"savings_pct":    roi.SavingsPercentage,
	}).Info("Crew orchestrated")

	return result, nil
}

// activate selects the participant set for a task. A forced set is used
// verbatim; otherwise role tags are matched against the task text. The
// lead always activates for coordination.
func (o *Orchestrator) activate(req *OrchestrateRequest) []Participant {
	var activated []Participant
	seen := make(map[string]bool)

	add := func(p Participant) {
		if !seen[p.ID] {
			seen[p.ID] = true
			activated = append(activated, p)
		}
	}

	if len(req.ForceParticipants) > 0 {
		for _, id := range req.ForceParticipants {
			add(o.byID[id])
		}
	} else {
		for _, p := range o.participants {
			if p.MatchesTask(req.Task) {
				add(p)
			}
		}
	}

	for _, p := range o.participants {
		if p.Lead {
			add(p)
		}
	}

	// Registry order keeps activation deterministic.
	sort.SliceStable(activated, func(i, j int) bool {
		return o.registryIndex(activated[i].ID) < o.registryIndex(activated[j].ID)
	})

	return activated
}

func (o *Orchestrator) registryIndex(id string) int {
	for i, p := range o.participants {
		if p.ID == id {
			return i
		}
	}
	return len(o.participants)
}

// routeParticipant assigns a model to one participant, honoring a tier
// override when supplied.
func (o *Orchestrator) routeParticipant(p Participant, req *OrchestrateRequest) (*types.RoutingDecision, error) {
	if tier, forced := req.TierOverride[p.ID]; forced {
		return o.decisionForTier(p, tier)
	}

	return o.router.Route(&types.RoutingRequest{
		Task:            req.Task,
		QualityRequired: p.QualitySensitivity,
		SpeedRequired:   p.SpeedSensitivity,
	})
}

// decisionForTier picks the first catalog option of the forced tier,
// keeping catalog order as the preference order.
func (o *Orchestrator) decisionForTier(p Participant, tier types.ModelTier) (*types.RoutingDecision, error) {
	for _, opt := range o.catalog.Options() {
		if opt.Tier == tier {
			return &types.RoutingDecision{
				Selected: opt,
				Reasoning: []string{
					fmt.Sprintf("Tier %s forced by override for participant %s", tier, p.ID),
				},
				EstimatedCost:    opt.CostPerRequest,
				EstimatedLatency: opt.EstimatedLatency,
			}, nil
		}
	}
	return nil, fmt.Errorf("no catalog option for forced tier %q: %w", tier, routing.ErrNoCandidates)
}

// computeROI compares the optimized cost to every participant running on
// the premium baseline.
func (o *Orchestrator) computeROI(participants int, optimizedCost float64) types.ROIAnalysis {
	roi := types.ROIAnalysis{OptimizedCost: optimizedCost}

	premium, ok := o.catalog.PremiumBaseline()
	if !ok {
		roi.Recommendation = "no premium baseline configured; savings not computed"
		return roi
	}

	roi.PremiumCost = float64(participants) * premium.CostPerRequest
	roi.Savings = roi.PremiumCost - optimizedCost
	if roi.PremiumCost > 0 {
		roi.SavingsPercentage = roi.Savings / roi.PremiumCost * 100
	}

	switch {
	case roi.SavingsPercentage >= 50:
		roi.Recommendation = "tiered assignment recommended: large savings over all-premium"
	case roi.SavingsPercentage > 0:
		roi.Recommendation = "tiered assignment recommended: moderate savings over all-premium"
	default:
		roi.Recommendation = "all-premium assignment; no cheaper tier fits the requirements"
	}
	return roi
}

// leadReasoning produces the deterministic coordination summary.
func (o *Orchestrator) leadReasoning(complexity int, activated []Participant, roi types.ROIAnalysis) string {
	names := make([]string, 0, len(activated))
	for _, p := range activated {
		names = append(names, p.Name)
	}
	return fmt.Sprintf("Task complexity %s (%d/10); activated %d participant(s): %s; estimated $%.6f vs $%.6f all-premium (%.1f%% savings)",
		routing.ComplexityLabel(complexity), complexity, len(activated), strings.Join(names, ", "),
		roi.OptimizedCost, roi.PremiumCost, roi.SavingsPercentage)
}
