package analyzer

import (
	"strings"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// Content thresholds for the quality heuristic, in characters.
const (
	minSummaryLen        = 10
	minRationaleLen      = 50
	minImplementationLen = 50
	freshWindow          = 30 * 24 * time.Hour
)

// QualityScore rates an item from 0 to 5: one point each for a non-trivial
// summary, a substantial rationale, a substantial implementation, at least one
// tag, and being younger than 30 days at ref. It only looks at its arguments.
func QualityScore(it knowledge.Item, ref time.Time) int {
	score := 0
	if len(strings.TrimSpace(it.Summary)) > minSummaryLen {
		score++
	}
	if len(strings.TrimSpace(it.Rationale)) > minRationaleLen {
		score++
	}
	if len(strings.TrimSpace(it.Implementation)) > minImplementationLen {
		score++
	}
	if len(normalizeTags(it.Tags)) > 0 {
		score++
	}
	if !it.CreatedAt.IsZero() && ref.Sub(it.CreatedAt) < freshWindow {
		score++
	}
	return score
}

// TierForScore maps a quality score to its tier.
func TierForScore(score int) knowledge.QualityTier {
	switch {
	case score >= 4:
		return knowledge.TierHigh
	case score >= 2:
		return knowledge.TierMedium
	case score >= 1:
		return knowledge.TierLow
	default:
		return knowledge.TierUnknown
	}
}

// QualityTier derives an item's tier relative to ref.
func QualityTier(it knowledge.Item, ref time.Time) knowledge.QualityTier {
	return TierForScore(QualityScore(it, ref))
}

// normalizeTags lowercases, trims and de-duplicates tags, keeping first-seen order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
