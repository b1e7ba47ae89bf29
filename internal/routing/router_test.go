package routing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/catalog"
	"github.com/tributary-ai/crew-core/internal/types"
)

func createTestRouter(t *testing.T) *Router {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cat, err := catalog.New(catalog.DefaultOptions(), logger)
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	return NewRouter(cat, DefaultConfig(), logger)
}

func floatPtr(v float64) *float64 { return &v }

func TestRouter_Route_TightBudgetPicksCheapest(t *testing.T) {
	router := createTestRouter(t)

	req := &types.RoutingRequest{
		Task:            "classify incoming support tickets",
		QualityRequired: types.QualityLow,
		SpeedRequired:   types.SpeedFast,
		Budget:          floatPtr(0.0005),
	}

	decision, err := router.Route(req)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if decision.Selected.ModelID != "gpt-3.5-turbo" {
		t.Errorf("Expected gpt-3.5-turbo under a tight budget, got %s", decision.Selected.ModelID)
	}

	if decision.EstimatedCost > *req.Budget {
		t.Errorf("Selected cost %.6f exceeds budget %.6f", decision.EstimatedCost, *req.Budget)
	}

	if decision.Savings.PremiumModelID != "claude-3-5-sonnet" {
		t.Errorf("Expected premium baseline claude-3-5-sonnet, got %s", decision.Savings.PremiumModelID)
	}
	if decision.Savings.VsPremium <= 0 {
		t.Errorf("Expected positive savings versus premium, got %.6f", decision.Savings.VsPremium)
	}
}

func TestRouter_Route_BudgetNeverExceeded(t *testing.T) {
	router := createTestRouter(t)

	req := &types.RoutingRequest{
		Task:            "extract entities from text",
		QualityRequired: types.QualityLow,
		SpeedRequired:   types.SpeedFast,
		Budget:          floatPtr(0.001),
	}

	decision, err := router.Route(req)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	// An over-budget option can never outrank an in-budget one.
	if decision.Selected.CostPerRequest > *req.Budget {
		t.Errorf("Over-budget option selected: %.6f > %.6f", decision.Selected.CostPerRequest, *req.Budget)
	}
}

func TestRouter_Route_OverBudgetDemotedDespiteHigherScore(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// The flashy model outscores the modest one by more than the flat
	// budget penalty (roughly 19.4 vs 6.1 with these inputs), and sits
	// first in the catalog. Only the in-budget ranking rule can make the
	// modest model win.
	options := []types.ModelOption{
		{Provider: "p", ModelID: "flashy", DisplayName: "Flashy", Tier: types.TierPremium, CostPerRequest: 0.02, EstimatedLatency: 100 * time.Millisecond, QualityScore: 100},
		{Provider: "p", ModelID: "modest", DisplayName: "Modest", Tier: types.TierStandard, CostPerRequest: 0.019, EstimatedLatency: 4900 * time.Millisecond, QualityScore: 10},
	}
	cat, err := catalog.New(options, logger)
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	router := NewRouter(cat, DefaultConfig(), logger)

	decision, err := router.Route(&types.RoutingRequest{
		Task:            "anything",
		QualityRequired: types.QualityHigh,
		SpeedRequired:   types.SpeedFast,
		Budget:          floatPtr(0.019),
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if decision.Selected.ModelID != "modest" {
		t.Errorf("In-budget model must win, got %s", decision.Selected.ModelID)
	}
	if decision.EstimatedCost > 0.019 {
		t.Errorf("Selected cost %.6f exceeds budget", decision.EstimatedCost)
	}

	// The penalty still shows in the demoted option's reported score.
	if len(decision.Alternatives) != 1 || decision.Alternatives[0].Option.ModelID != "flashy" {
		t.Fatalf("Expected flashy as the sole alternative, got %+v", decision.Alternatives)
	}
	if decision.Alternatives[0].Score >= 20 {
		t.Errorf("Expected penalized score below 20, got %.2f", decision.Alternatives[0].Score)
	}
}

func TestRouter_Route_BudgetTooLow(t *testing.T) {
	router := createTestRouter(t)

	req := &types.RoutingRequest{
		Task:   "classify tickets",
		Budget: floatPtr(0.00005),
	}

	_, err := router.Route(req)
	if !errors.Is(err, ErrBudgetTooLow) {
		t.Fatalf("Expected ErrBudgetTooLow, got %v", err)
	}
}

func TestRouter_Route_UnknownProvider(t *testing.T) {
	router := createTestRouter(t)

	req := &types.RoutingRequest{
		Task:              "summarize notes",
		PreferredProvider: "nonexistent",
	}

	_, err := router.Route(req)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Expected ErrNoCandidates, got %v", err)
	}
}

func TestRouter_Route_PreferredProviderFilters(t *testing.T) {
	router := createTestRouter(t)

	req := &types.RoutingRequest{
		Task:              "draft a short summary",
		PreferredProvider: "anthropic",
	}

	decision, err := router.Route(req)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if decision.Selected.Provider != "anthropic" {
		t.Errorf("Expected anthropic selection, got %s", decision.Selected.Provider)
	}
	for _, alt := range decision.Alternatives {
		if alt.Option.Provider != "anthropic" {
			t.Errorf("Alternative from wrong provider: %s", alt.Option.Provider)
		}
	}
}

func TestRouter_Route_Validation(t *testing.T) {
	router := createTestRouter(t)

	tests := []struct {
		name string
		req  *types.RoutingRequest
	}{
		{"empty task", &types.RoutingRequest{}},
		{"bad quality", &types.RoutingRequest{Task: "x", QualityRequired: "extreme"}},
		{"bad speed", &types.RoutingRequest{Task: "x", SpeedRequired: "warp"}},
		{"negative budget", &types.RoutingRequest{Task: "x", Budget: floatPtr(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.Route(tt.req)
			var validationErr *types.ValidationError
			if !errors.As(err, &validationErr) {
				t.Errorf("Expected ValidationError, got %v", err)
			}
		})
	}
}

func TestRouter_Route_Deterministic(t *testing.T) {
	router := createTestRouter(t)

	req := &types.RoutingRequest{
		Task:            "analyze the strategic migration plan",
		QualityRequired: types.QualityHigh,
		SpeedRequired:   types.SpeedNormal,
	}

	first, err := router.Route(req)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		decision, err := router.Route(req)
		if err != nil {
			t.Fatalf("Route failed on iteration %d: %v", i, err)
		}
		if decision.Selected.ModelID != first.Selected.ModelID {
			t.Fatalf("Selection changed between identical requests: %s vs %s",
				first.Selected.ModelID, decision.Selected.ModelID)
		}
		if strings.Join(decision.Reasoning, "|") != strings.Join(first.Reasoning, "|") {
			t.Fatal("Reasoning changed between identical requests")
		}
		if decision.Complexity != first.Complexity {
			t.Fatalf("Complexity changed: %d vs %d", first.Complexity, decision.Complexity)
		}
	}
}

func TestRouter_Route_TieBreakKeepsCatalogOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Two entries with identical scoring inputs; the earlier catalog
	// entry must win the tie.
	twins := []types.ModelOption{
		{Provider: "p", ModelID: "first", DisplayName: "First", Tier: types.TierStandard, CostPerRequest: 0.001, EstimatedLatency: 1000000000, QualityScore: 80},
		{Provider: "p", ModelID: "second", DisplayName: "Second", Tier: types.TierStandard, CostPerRequest: 0.001, EstimatedLatency: 1000000000, QualityScore: 80},
	}
	cat, err := catalog.New(twins, logger)
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	router := NewRouter(cat, DefaultConfig(), logger)

	decision, err := router.Route(&types.RoutingRequest{Task: "anything"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if decision.Selected.ModelID != "first" {
		t.Errorf("Tie should keep catalog order, got %s", decision.Selected.ModelID)
	}
}

func TestRouter_Route_AlternativesCapped(t *testing.T) {
	router := createTestRouter(t)

	decision, err := router.Route(&types.RoutingRequest{Task: "summarize the meeting"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if len(decision.Alternatives) > 3 {
		t.Errorf("Expected at most 3 alternatives, got %d", len(decision.Alternatives))
	}
	for _, alt := range decision.Alternatives {
		if alt.Option.ModelID == decision.Selected.ModelID {
			t.Error("Selected option repeated in alternatives")
		}
	}
}

func TestRouter_Route_ComplexTaskCarriesComplexity(t *testing.T) {
	router := createTestRouter(t)

	decision, err := router.Route(&types.RoutingRequest{
		Task:            "strategic architecture analysis for the platform migration",
		QualityRequired: types.QualityHigh,
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if decision.Complexity < 7 {
		t.Errorf("Expected high complexity, got %d", decision.Complexity)
	}
	if len(decision.Reasoning) == 0 {
		t.Fatal("Expected non-empty reasoning")
	}
	if !strings.Contains(decision.Reasoning[0], "high-complexity") {
		t.Errorf("Expected complexity label in reasoning, got %q", decision.Reasoning[0])
	}
}
