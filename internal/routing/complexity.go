package routing

import (
	"strings"
)

// complexityKeywords maps task keywords to complexity weights. The table
// is a plain keyword-count heuristic: no stemming and no negation
// handling, so "not complex" still scores as complex. Known limitation,
// kept deliberately.
var complexityKeywords = map[string]int{
	"strategic":    3,
	"strategy":     3,
	"architecture": 3,
	"design":       2,
	"analyze":      2,
	"analysis":     2,
	"optimize":     2,
	"migration":    2,
	"integrate":    2,
	"plan":         2,
	"refactor":     2,
	"summarize":    1,
	"classify":     1,
	"extract":      1,
	"translate":    1,
	"list":         1,
	"format":       1,
}

const (
	minComplexity = 1
	maxComplexity = 10

	// Every 500 characters of task text add one complexity point.
	lengthComplexityStep = 500
)

// EstimateComplexity scores a task description from 1 (trivial) to 10
// (most complex). The estimate starts at 1, adds the weight of every
// matched keyword, adds one point per 500 characters of text, and clamps
// to 10. The same estimator feeds both routing and crew activation so the
// two never disagree about a task.
func EstimateComplexity(task string) int {
	score := minComplexity
	lower := strings.ToLower(task)

	for keyword, weight := range complexityKeywords {
		if strings.Contains(lower, keyword) {
			score += weight
		}
	}

	score += len(task) / lengthComplexityStep

	if score > maxComplexity {
		score = maxComplexity
	}
	return score
}

// ComplexityLabel buckets a numeric complexity for display and reasoning.
func ComplexityLabel(complexity int) string {
	switch {
	case complexity >= 7:
		return "high"
	case complexity >= 4:
		return "medium"
	default:
		return "low"
	}
}
