package rag

import "strings"

// ScenarioDetector derives a scenario id from a transcript source name.
type ScenarioDetector interface {
	Detect(source string) string
}

// ScenarioPattern maps a scenario id to the filename fragments that identify it.
type ScenarioPattern struct {
	ID        string
	Fragments []string
}

// PatternDetector is a ScenarioDetector over an ordered table. The first
// pattern with a fragment contained in the lower-cased source wins. Sources
// matching nothing are ScenarioUnscoped.
type PatternDetector struct {
	patterns []ScenarioPattern
}

var _ ScenarioDetector = (*PatternDetector)(nil)

// DefaultScenarioPatterns lists the meeting stages recognised in recording
// file names, in match priority order.
var DefaultScenarioPatterns = []ScenarioPattern{
	{ID: "meeting_1st", Fragments: []string{"meeting_1st", "1次面談", "1st_meeting", "first_meeting"}},
	{ID: "meeting_1_5th", Fragments: []string{"meeting_1_5th", "1.5次面談", "1_5th_meeting"}},
	{ID: "meeting_2nd", Fragments: []string{"meeting_2nd", "2次面談", "2nd_meeting", "second_meeting"}},
	{ID: "meeting_3rd", Fragments: []string{"meeting_3rd", "3次面談", "3rd_meeting", "third_meeting"}},
	{ID: "kickoff_meeting", Fragments: []string{"kickoff_meeting", "kickoff", "キックオフ", "kick_off"}},
	{ID: "upsell", Fragments: []string{"upsell", "追加営業", "additional_sales", "cross_sell"}},
}

// NewPatternDetector returns a detector over patterns.
func NewPatternDetector(patterns []ScenarioPattern) *PatternDetector {
	return &PatternDetector{patterns: patterns}
}

// DefaultScenarioDetector returns a detector over DefaultScenarioPatterns.
func DefaultScenarioDetector() *PatternDetector {
	return NewPatternDetector(DefaultScenarioPatterns)
}

// Detect implements ScenarioDetector.
func (d *PatternDetector) Detect(source string) string {
	lower := strings.ToLower(source)
	for _, p := range d.patterns {
		for _, f := range p.Fragments {
			if strings.Contains(lower, strings.ToLower(f)) {
				return p.ID
			}
		}
	}
	return ScenarioUnscoped
}
