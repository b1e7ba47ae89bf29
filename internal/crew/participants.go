package crew

import (
	"strings"

	"github.com/tributary-ai/crew-core/internal/types"
)

// Participant is a named role-bearing unit of work assignment inside an
// orchestration. Participants come from configuration; the registry is
// read-only after construction.
type Participant struct {
	ID string `yaml:"id" json:"id"`
	// Name is the display name used in reasoning output.
	Name string `yaml:"name" json:"name"`
	// RoleTags are the task keywords that activate this participant.
	RoleTags []string `yaml:"role_tags" json:"role_tags"`
	// QualitySensitivity is the quality requirement this participant's
	// work demands (a strategy role requires high quality).
	QualitySensitivity types.QualityLevel `yaml:"quality_sensitivity" json:"quality_sensitivity"`
	// SpeedSensitivity is the speed requirement for this participant.
	SpeedSensitivity types.SpeedLevel `yaml:"speed_sensitivity" json:"speed_sensitivity"`
	// Lead marks the coordination participant that activates on every
	// orchestration.
	Lead bool `yaml:"lead" json:"lead"`
}

// MatchesTask reports whether any of the participant's role tags appear
// in the task text.
func (p Participant) MatchesTask(task string) bool {
	lower := strings.ToLower(task)
	for _, tag := range p.RoleTags {
		if strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

// DefaultParticipants returns the crew used when configuration supplies
// none: a lead coordinator plus specialist roles keyed by task keywords.
func DefaultParticipants() []Participant {
	return []Participant{
		{
			ID:                 "lead",
			Name:               "Crew Lead",
			RoleTags:           []string{"plan", "coordinate"},
			QualitySensitivity: types.QualityHigh,
			SpeedSensitivity:   types.SpeedNormal,
			Lead:               true,
		},
		{
			ID:                 "strategist",
			Name:               "Strategist",
			RoleTags:           []string{"strategic", "strategy", "roadmap", "vision"},
			QualitySensitivity: types.QualityHigh,
			SpeedSensitivity:   types.SpeedSlow,
		},
		{
			ID:                 "analyst",
			Name:               "Analyst",
			RoleTags:           []string{"analyze", "analysis", "research", "data", "report"},
			QualitySensitivity: types.QualityMedium,
			SpeedSensitivity:   types.SpeedNormal,
		},
		{
			ID:                 "writer",
			Name:               "Writer",
			RoleTags:           []string{"write", "draft", "summarize", "document", "content"},
			QualitySensitivity: types.QualityMedium,
			SpeedSensitivity:   types.SpeedNormal,
		},
		{
			ID:                 "classifier",
			Name:               "Classifier",
			RoleTags:           []string{"classify", "label", "tag", "extract", "sort"},
			QualitySensitivity: types.QualityLow,
			SpeedSensitivity:   types.SpeedFast,
		},
	}
}
