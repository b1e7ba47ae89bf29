// Package catalog holds the static registry of routable model options.
package catalog

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/types"
)

// Catalog is a read-only registry of model options. The option slice is
// loaded once at startup; Reload swaps the whole snapshot atomically so
// concurrent routing calls never observe a half-updated catalog.
type Catalog struct {
	snapshot atomic.Pointer[[]types.ModelOption]
	logger   *logrus.Logger
}

// New creates a catalog from the given options. Options are validated and
// copied; catalog order is preserved and meaningful (it breaks scoring
// ties).
func New(options []types.ModelOption, logger *logrus.Logger) (*Catalog, error) {
	if err := validate(options); err != nil {
		return nil, err
	}

	c := &Catalog{logger: logger}
	snap := copyOptions(options)
	c.snapshot.Store(&snap)

	logger.WithField("models", len(options)).Info("Model catalog loaded")
	return c, nil
}

// Options returns the current catalog snapshot. The returned slice must
// be treated as read-only.
func (c *Catalog) Options() []types.ModelOption {
	return *c.snapshot.Load()
}

// ByProvider returns the options for one provider, preserving catalog
// order. An unknown provider yields an empty slice.
func (c *Catalog) ByProvider(provider string) []types.ModelOption {
	var filtered []types.ModelOption
	for _, opt := range c.Options() {
		if opt.Provider == provider {
			filtered = append(filtered, opt)
		}
	}
	return filtered
}

// MostExpensive returns the highest-cost option in the catalog.
func (c *Catalog) MostExpensive() (types.ModelOption, bool) {
	options := c.Options()
	if len(options) == 0 {
		return types.ModelOption{}, false
	}
	max := options[0]
	for _, opt := range options[1:] {
		if opt.CostPerRequest > max.CostPerRequest {
			max = opt
		}
	}
	return max, true
}

// PremiumBaseline returns the fixed expensive reference used for cost
// comparisons: the first premium-tier entry, falling back to the most
// expensive option when no premium tier is configured.
func (c *Catalog) PremiumBaseline() (types.ModelOption, bool) {
	for _, opt := range c.Options() {
		if opt.Tier == types.TierPremium {
			return opt, true
		}
	}
	return c.MostExpensive()
}

// Reload replaces the whole catalog snapshot. In-flight routing calls
// keep the snapshot they already loaded.
func (c *Catalog) Reload(options []types.ModelOption) error {
	if err := validate(options); err != nil {
		return err
	}
	snap := copyOptions(options)
	c.snapshot.Store(&snap)
	c.logger.WithField("models", len(options)).Info("Model catalog reloaded")
	return nil
}

func copyOptions(options []types.ModelOption) []types.ModelOption {
	snap := make([]types.ModelOption, len(options))
	copy(snap, options)
	return snap
}

func validate(options []types.ModelOption) error {
	if len(options) == 0 {
		return fmt.Errorf("catalog must contain at least one model option")
	}
	seen := make(map[string]bool, len(options))
	for i, opt := range options {
		if opt.Provider == "" || opt.ModelID == "" {
			return fmt.Errorf("catalog entry %d: provider and model_id are required", i)
		}
		if !opt.Tier.Valid() {
			return fmt.Errorf("catalog entry %s: invalid tier %q", opt.ModelID, opt.Tier)
		}
		if opt.CostPerRequest < 0 {
			return fmt.Errorf("catalog entry %s: cost cannot be negative", opt.ModelID)
		}
		if opt.QualityScore < 0 || opt.QualityScore > 100 {
			return fmt.Errorf("catalog entry %s: quality score must be 0-100", opt.ModelID)
		}
		key := opt.Provider + "/" + opt.ModelID
		if seen[key] {
			return fmt.Errorf("catalog entry %s: duplicate model", key)
		}
		seen[key] = true
	}
	return nil
}

// DefaultOptions is the catalog used when configuration supplies none.
// Costs and latencies are per-request estimates.
func DefaultOptions() []types.ModelOption {
	return []types.ModelOption{
		{
			Provider:         "anthropic",
			ModelID:          "claude-3-5-sonnet",
			DisplayName:      "Claude 3.5 Sonnet",
			Tier:             types.TierPremium,
			CostPerRequest:   0.015,
			EstimatedLatency: 2500 * time.Millisecond,
			QualityScore:     95,
			Tags:             []string{"strategy", "analysis", "creative"},
		},
		{
			Provider:         "openai",
			ModelID:          "gpt-4o",
			DisplayName:      "GPT-4o",
			Tier:             types.TierPremium,
			CostPerRequest:   0.0125,
			EstimatedLatency: 2000 * time.Millisecond,
			QualityScore:     93,
			Tags:             []string{"strategy", "analysis", "vision"},
		},
		{
			Provider:         "anthropic",
			ModelID:          "claude-3-haiku",
			DisplayName:      "Claude 3 Haiku",
			Tier:             types.TierStandard,
			CostPerRequest:   0.00125,
			EstimatedLatency: 900 * time.Millisecond,
			QualityScore:     82,
			Tags:             []string{"drafting", "summarization"},
		},
		{
			Provider:         "openai",
			ModelID:          "gpt-4o-mini",
			DisplayName:      "GPT-4o mini",
			Tier:             types.TierBudget,
			CostPerRequest:   0.0006,
			EstimatedLatency: 700 * time.Millisecond,
			QualityScore:     78,
			Tags:             []string{"drafting", "classification"},
		},
		{
			Provider:         "openai",
			ModelID:          "gpt-3.5-turbo",
			DisplayName:      "GPT-3.5 Turbo",
			Tier:             types.TierUltraBudget,
			CostPerRequest:   0.0001,
			EstimatedLatency: 500 * time.Millisecond,
			QualityScore:     68,
			Tags:             []string{"classification", "extraction"},
		},
	}
}
