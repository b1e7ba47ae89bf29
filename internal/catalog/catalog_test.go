package catalog

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNew_Defaults(t *testing.T) {
	cat, err := New(DefaultOptions(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	options := cat.Options()
	if len(options) != 5 {
		t.Fatalf("Expected 5 default options, got %d", len(options))
	}

	if options[0].ModelID != "claude-3-5-sonnet" {
		t.Errorf("Expected claude-3-5-sonnet first, got %s", options[0].ModelID)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		options []types.ModelOption
	}{
		{"empty catalog", nil},
		{"missing provider", []types.ModelOption{{ModelID: "m", Tier: types.TierBudget}}},
		{"invalid tier", []types.ModelOption{{Provider: "p", ModelID: "m", Tier: "gold"}}},
		{"negative cost", []types.ModelOption{{Provider: "p", ModelID: "m", Tier: types.TierBudget, CostPerRequest: -1}}},
		{"quality out of range", []types.ModelOption{{Provider: "p", ModelID: "m", Tier: types.TierBudget, QualityScore: 101}}},
		{"duplicate model", []types.ModelOption{
			{Provider: "p", ModelID: "m", Tier: types.TierBudget},
			{Provider: "p", ModelID: "m", Tier: types.TierPremium},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.options, testLogger()); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestCatalog_ByProvider(t *testing.T) {
	cat, err := New(DefaultOptions(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	anthropic := cat.ByProvider("anthropic")
	if len(anthropic) != 2 {
		t.Errorf("Expected 2 anthropic options, got %d", len(anthropic))
	}

	if len(cat.ByProvider("unknown")) != 0 {
		t.Error("Unknown provider should yield no options")
	}
}

func TestCatalog_MostExpensive(t *testing.T) {
	cat, err := New(DefaultOptions(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	max, ok := cat.MostExpensive()
	if !ok {
		t.Fatal("Expected a most expensive option")
	}
	if max.ModelID != "claude-3-5-sonnet" {
		t.Errorf("Expected claude-3-5-sonnet as most expensive, got %s", max.ModelID)
	}
}

func TestCatalog_PremiumBaseline(t *testing.T) {
	cat, err := New(DefaultOptions(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	baseline, ok := cat.PremiumBaseline()
	if !ok {
		t.Fatal("Expected a premium baseline")
	}
	if baseline.Tier != types.TierPremium {
		t.Errorf("Expected premium tier baseline, got %s", baseline.Tier)
	}

	// Without a premium tier the baseline falls back to the most
	// expensive option.
	noPremium := []types.ModelOption{
		{Provider: "p", ModelID: "cheap", Tier: types.TierBudget, CostPerRequest: 0.001, QualityScore: 60},
		{Provider: "p", ModelID: "pricey", Tier: types.TierStandard, CostPerRequest: 0.005, QualityScore: 80},
	}
	cat2, err := New(noPremium, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	baseline2, ok := cat2.PremiumBaseline()
	if !ok || baseline2.ModelID != "pricey" {
		t.Errorf("Expected fallback to most expensive, got %v %v", baseline2.ModelID, ok)
	}
}

func TestCatalog_Reload(t *testing.T) {
	cat, err := New(DefaultOptions(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	replacement := []types.ModelOption{
		{Provider: "p", ModelID: "only", Tier: types.TierBudget, CostPerRequest: 0.001, QualityScore: 50},
	}
	if err := cat.Reload(replacement); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(cat.Options()) != 1 {
		t.Errorf("Expected 1 option after reload, got %d", len(cat.Options()))
	}

	// An invalid reload leaves the previous snapshot in place.
	if err := cat.Reload(nil); err == nil {
		t.Error("Expected error reloading empty catalog")
	}
	if len(cat.Options()) != 1 {
		t.Errorf("Snapshot should survive failed reload, got %d options", len(cat.Options()))
	}
}
