package planner

import (
	"fmt"
	"math"

	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// baseEffort is the unscaled cost of each activity type.
var baseEffort = map[knowledge.ActivityType]knowledge.Resources{
	knowledge.ActivityResearch: {Time: 4, Computational: 2, Interactive: 1},
	knowledge.ActivityDeepen:   {Time: 3, Computational: 2, Interactive: 1},
	knowledge.ActivityRefresh:  {Time: 2, Computational: 1, Interactive: 0.5},
	knowledge.ActivityEnhance:  {Time: 2, Computational: 1, Interactive: 1},
	knowledge.ActivityLink:     {Time: 1, Computational: 1, Interactive: 0},
	knowledge.ActivityPromote:  {Time: 1, Computational: 0.5, Interactive: 0.5},
}

// followUpSeverity is the coverage severity at which a research activity
// gets a link follow-up.
const followUpSeverity = 0.75

// primaryActivity maps each gap type to the activity that closes it.
func primaryActivity(gt knowledge.GapType) knowledge.ActivityType {
	switch gt {
	case knowledge.GapCoverage:
		return knowledge.ActivityResearch
	case knowledge.GapDepth:
		return knowledge.ActivityDeepen
	case knowledge.GapFreshness:
		return knowledge.ActivityRefresh
	case knowledge.GapQuality:
		return knowledge.ActivityEnhance
	case knowledge.GapRelationship:
		return knowledge.ActivityLink
	default:
		return knowledge.ActivityPromote
	}
}

// activityTypes returns the activities planned for a gap, primary first.
func activityTypes(g knowledge.Gap) []knowledge.ActivityType {
	types := []knowledge.ActivityType{primaryActivity(g.Type)}
	if g.Type == knowledge.GapCoverage && g.Severity >= followUpSeverity {
		types = append(types, knowledge.ActivityLink)
	}
	return types
}

// Effort estimates one activity of type at for a gap of the given severity.
func Effort(at knowledge.ActivityType, severity float64) knowledge.Resources {
	base := baseEffort[at]
	scale := 1 + severity
	return knowledge.Resources{
		Time:          round2(base.Time * scale),
		Computational: round2(base.Computational * scale),
		Interactive:   round2(base.Interactive * scale),
	}
}

// GapEffort is the total estimated effort of every activity planned for g.
func GapEffort(g knowledge.Gap) knowledge.Resources {
	var total knowledge.Resources
	for _, at := range activityTypes(g) {
		total = addEffort(total, Effort(at, g.Severity))
	}
	return total
}

// addEffort sums two effort amounts and keeps the two-decimal precision of
// the estimates, so totals built in any grouping compare equal.
func addEffort(a, b knowledge.Resources) knowledge.Resources {
	sum := a.Add(b)
	return knowledge.Resources{
		Time:          round2(sum.Time),
		Computational: round2(sum.Computational),
		Interactive:   round2(sum.Interactive),
	}
}

func describe(at knowledge.ActivityType, g knowledge.Gap) (description, outcome string) {
	switch at {
	case knowledge.ActivityResearch:
		return fmt.Sprintf("Research new knowledge for domain %s", g.Domain),
			fmt.Sprintf("domain %s reaches its expected item count", g.Domain)
	case knowledge.ActivityDeepen:
		return fmt.Sprintf("Deepen shallow items in domain %s", g.Domain),
			fmt.Sprintf("low and unknown quality share in %s falls below %.2f", g.Domain, g.Threshold)
	case knowledge.ActivityRefresh:
		return fmt.Sprintf("Refresh stale knowledge in domain %s", g.Domain),
			fmt.Sprintf("domain %s has an item newer than %.0f days", g.Domain, g.Threshold)
	case knowledge.ActivityEnhance:
		return fmt.Sprintf("Enhance item content in domain %s", g.Domain),
			fmt.Sprintf("mean quality score in %s reaches %.2f", g.Domain, g.Threshold)
	case knowledge.ActivityLink:
		if g.Type == knowledge.GapCoverage {
			return fmt.Sprintf("Link newly researched items in domain %s", g.Domain),
				fmt.Sprintf("new items in %s are connected to the corpus", g.Domain)
		}
		return fmt.Sprintf("Link isolated items in domain %s", g.Domain),
			fmt.Sprintf("mean relationship degree in %s reaches %.2f", g.Domain, g.Threshold)
	default:
		return fmt.Sprintf("Promote unused items in domain %s", g.Domain),
			fmt.Sprintf("unused share in %s falls below %.2f", g.Domain, g.Threshold)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
