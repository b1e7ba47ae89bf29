// Package routing selects model catalog entries for units of work based
// on quality, speed and budget requirements.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/catalog"
	"github.com/tributary-ai/crew-core/internal/types"
)

// Routing errors. Both are hard failures: the router never silently picks
// a model when the candidate set is empty or fully over budget.
var (
	ErrNoCandidates = errors.New("no candidate models match the request")
	ErrBudgetTooLow = errors.New("no candidate model fits within the budget")
)

// Scoring weights and baselines. Budget overruns take a flat -50 in the
// reported score; the penalty is deliberately flat rather than
// proportional. Ranking does not rely on the penalty alone: over-budget
// options are always ordered below every in-budget one.
const (
	qualityWeight        = 40.0
	speedWeight          = 30.0
	costWeight           = 30.0
	complexityBonus      = 5.0
	budgetPenalty        = -50.0
	complexityBonusFloor = 7
	qualityBonusFloor    = 85.0
)

// Config holds router scoring baselines.
type Config struct {
	// MaxLatencyBaseline is the latency treated as "worst acceptable"
	// when normalizing speed scores.
	MaxLatencyBaseline time.Duration `yaml:"max_latency_baseline"`
	// MaxCostBaseline is the per-request cost treated as "worst
	// acceptable" when normalizing cost scores.
	MaxCostBaseline float64 `yaml:"max_cost_baseline"`
}

// DefaultConfig returns the scoring baselines used when configuration
// supplies none.
func DefaultConfig() Config {
	return Config{
		MaxLatencyBaseline: 5 * time.Second,
		MaxCostBaseline:    0.02,
	}
}

// Router scores catalog entries against routing requests. It is
// stateless and pure apart from reading the immutable catalog snapshot,
// so it is safe for any number of concurrent callers.
type Router struct {
	catalog *catalog.Catalog
	config  Config
	logger  *logrus.Logger
}

// NewRouter creates a router over the given catalog.
func NewRouter(cat *catalog.Catalog, config Config, logger *logrus.Logger) *Router {
	if config.MaxLatencyBaseline <= 0 {
		config.MaxLatencyBaseline = DefaultConfig().MaxLatencyBaseline
	}
	if config.MaxCostBaseline <= 0 {
		config.MaxCostBaseline = DefaultConfig().MaxCostBaseline
	}
	return &Router{catalog: cat, config: config, logger: logger}
}

// Route scores every candidate and returns the ranked decision. Identical
// requests always produce identical decisions, including the reasoning
// text. Candidates tied on score keep their catalog order (stable sort).
func (r *Router) Route(req *types.RoutingRequest) (*types.RoutingDecision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	complexity := EstimateComplexity(req.Task)
	candidates := r.candidates(req)
	if len(candidates) == 0 {
		if req.PreferredProvider != "" {
			return nil, fmt.Errorf("provider %q: %w", req.PreferredProvider, ErrNoCandidates)
		}
		return nil, ErrNoCandidates
	}

	scored := make([]types.ScoredOption, 0, len(candidates))
	inBudget := false
	for _, opt := range candidates {
		scored = append(scored, types.ScoredOption{
			Option: opt,
			Score:  r.score(opt, req, complexity),
		})
		if withinBudget(opt, req.Budget) {
			inBudget = true
		}
	}

	if req.Budget != nil && !inBudget {
		return nil, fmt.Errorf("budget %.6f: %w", *req.Budget, ErrBudgetTooLow)
	}

	// In-budget candidates rank above over-budget ones regardless of
	// score; within each group the score decides. Stable sort keeps
	// catalog order for equal scores. Documented tie-break: earlier
	// catalog entries win.
	sort.SliceStable(scored, func(i, j int) bool {
		bi := withinBudget(scored[i].Option, req.Budget)
		bj := withinBudget(scored[j].Option, req.Budget)
		if bi != bj {
			return bi
		}
		return scored[i].Score > scored[j].Score
	})

	selected := scored[0]
	alternatives := scored[1:]
	if len(alternatives) > 3 {
		alternatives = alternatives[:3]
	}

	decision := &types.RoutingDecision{
		Selected:         selected.Option,
		Reasoning:        r.reasoning(selected.Option, req, complexity),
		EstimatedCost:    selected.Option.CostPerRequest,
		EstimatedLatency: selected.Option.EstimatedLatency,
		Complexity:       complexity,
		Alternatives:     alternatives,
		Savings:          r.savings(selected.Option, scored),
	}

	r.logger.WithFields(logrus.Fields{
		"model":      selected.Option.ModelID,
		"provider":   selected.Option.Provider,
		"tier":       selected.Option.Tier,
		"score":      selected.Score,
		"complexity": complexity,
		"candidates": len(candidates),
	}).Debug("Routing decision made")

	return decision, nil
}

// candidates filters the catalog by preferred provider, preserving
// catalog order. An unsupported provider simply empties the set.
func (r *Router) candidates(req *types.RoutingRequest) []types.ModelOption {
	if req.PreferredProvider == "" {
		return r.catalog.Options()
	}
	return r.catalog.ByProvider(req.PreferredProvider)
}

// score computes the weighted sum for one candidate.
func (r *Router) score(opt types.ModelOption, req *types.RoutingRequest, complexity int) float64 {
	quality := (opt.QualityScore / 100.0) * qualityWeight * qualityMultiplier(req.QualityRequired)

	latencyBaseline := r.config.MaxLatencyBaseline.Seconds()
	speed := ((latencyBaseline - opt.EstimatedLatency.Seconds()) / latencyBaseline) *
		speedWeight * speedMultiplier(req.SpeedRequired)

	cost := ((r.config.MaxCostBaseline - opt.CostPerRequest) / r.config.MaxCostBaseline) * costWeight

	total := quality + speed + cost

	if complexity >= complexityBonusFloor && opt.QualityScore >= qualityBonusFloor {
		total += complexityBonus
	}
	if !withinBudget(opt, req.Budget) {
		total += budgetPenalty
	}

	return total
}

func withinBudget(opt types.ModelOption, budget *float64) bool {
	return budget == nil || opt.CostPerRequest <= *budget
}

func qualityMultiplier(level types.QualityLevel) float64 {
	switch level {
	case types.QualityHigh:
		return 1.0
	case types.QualityLow:
		return 0.5
	default:
		return 0.75
	}
}

func speedMultiplier(level types.SpeedLevel) float64 {
	switch level {
	case types.SpeedFast:
		return 1.0
	case types.SpeedSlow:
		return 0.4
	default:
		return 0.7
	}
}

// reasoning assembles the decision explanation from the same inputs the
// scoring used. No randomness: identical requests yield identical text.
func (r *Router) reasoning(opt types.ModelOption, req *types.RoutingRequest, complexity int) []string {
	reasons := []string{
		fmt.Sprintf("Selected %s (%s tier) for a %s-complexity task", opt.DisplayName, opt.Tier, ComplexityLabel(complexity)),
		fmt.Sprintf("Quality score %.0f meets the %s quality requirement", opt.QualityScore, orDefault(string(req.QualityRequired), "medium")),
		fmt.Sprintf("Estimated latency %s against a %s speed requirement", opt.EstimatedLatency, orDefault(string(req.SpeedRequired), "normal")),
	}

	if req.Budget != nil {
		margin := *req.Budget - opt.CostPerRequest
		reasons = append(reasons, fmt.Sprintf("Cost $%.6f leaves $%.6f of the $%.6f budget", opt.CostPerRequest, margin, *req.Budget))
	}

	if tag, ok := matchedTag(opt, req.Task); ok {
		reasons = append(reasons, fmt.Sprintf("Suitability tag %q matches the task", tag))
	}

	return reasons
}

// matchedTag returns the first catalog tag mentioned in the task text.
func matchedTag(opt types.ModelOption, task string) (string, bool) {
	lower := strings.ToLower(task)
	for _, tag := range opt.Tags {
		if strings.Contains(lower, tag) {
			return tag, true
		}
	}
	return "", false
}

func (r *Router) savings(selected types.ModelOption, scored []types.ScoredOption) types.CostSavings {
	savings := types.CostSavings{}

	mostExpensive := selected
	for _, s := range scored {
		if s.Option.CostPerRequest > mostExpensive.CostPerRequest {
			mostExpensive = s.Option
		}
	}
	savings.VsMostExpensive = mostExpensive.CostPerRequest - selected.CostPerRequest

	if premium, ok := r.catalog.PremiumBaseline(); ok {
		savings.VsPremium = premium.CostPerRequest - selected.CostPerRequest
		savings.PremiumModelID = premium.ModelID
	}

	return savings
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
