package siblings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// SynthesisSource marks items produced by the local synthesizer.
const SynthesisSource = "synthesis"

// LocalApplier returns a fixed set of strategies per gap type.
type LocalApplier struct{}

func (LocalApplier) Apply(_ context.Context, gap knowledge.Gap) ([]Strategy, error) {
	switch gap.Type {
	case knowledge.GapCoverage:
		return []Strategy{
			{Name: "targeted_research", Description: fmt.Sprintf("Collect decisions and patterns for %s from recent work", gap.Domain)},
			{Name: "cross_domain_transfer", Description: fmt.Sprintf("Adapt patterns from neighbouring domains to %s", gap.Domain)},
		}, nil
	case knowledge.GapDepth, knowledge.GapQuality:
		return []Strategy{
			{Name: "rationale_backfill", Description: "Add rationale and implementation detail to shallow items"},
			{Name: "tagging_pass", Description: "Tag untagged items so they can be related"},
		}, nil
	case knowledge.GapFreshness:
		return []Strategy{{Name: "review_and_supersede", Description: fmt.Sprintf("Review the newest %s items and record superseding ones", gap.Domain)}}, nil
	case knowledge.GapRelationship:
		return []Strategy{{Name: "link_discovery", Description: "Link items that share tags or implement one another"}}, nil
	case knowledge.GapUsage:
		return []Strategy{{Name: "surface_in_context", Description: fmt.Sprintf("Surface unused %s items where they apply", gap.Domain)}}, nil
	}
	return nil, fmt.Errorf("no strategies for gap type %q", gap.Type)
}

var localPatterns = map[string][]Pattern{
	"required_fields": {
		{Name: "tier0_presence", Description: "Reject records missing id, domain or summary", Confidence: 0.9},
	},
	"ranges": {
		{Name: "unit_interval", Description: "Severity and confidence lie in [0,1]", Confidence: 0.9},
	},
	"content": {
		{Name: "substantial_rationale", Description: "Rationale longer than fifty characters", Confidence: 0.7},
		{Name: "tagged", Description: "At least one tag", Confidence: 0.6},
	},
}

// LocalSuggester returns built-in patterns by validation type.
type LocalSuggester struct{}

func (LocalSuggester) Suggest(_ context.Context, validationType string, _ map[string]string) ([]Pattern, error) {
	p, ok := localPatterns[validationType]
	if !ok {
		return nil, fmt.Errorf("unknown validation type %q", validationType)
	}
	return append([]Pattern(nil), p...), nil
}

// LocalSynthesizer builds a note for a gap from the evidence and the items
// already in the gap's domain.
type LocalSynthesizer struct {
	Now   func() time.Time
	NewID func() string
}

// NewLocalSynthesizer creates a LocalSynthesizer. A nil now uses time.Now.
func NewLocalSynthesizer(now func() time.Time) *LocalSynthesizer {
	if now == nil {
		now = time.Now
	}
	return &LocalSynthesizer{Now: now, NewID: uuid.NewString}
}

func (s *LocalSynthesizer) Synthesize(ctx context.Context, gap knowledge.Gap, related []knowledge.Item) (knowledge.Item, error) {
	if err := ctx.Err(); err != nil {
		return knowledge.Item{}, err
	}
	if gap.Domain == "" {
		return knowledge.Item{}, fmt.Errorf("synthesize for gap %s: gap has no domain", gap.ID)
	}

	var rationale strings.Builder
	fmt.Fprintf(&rationale, "Acquired to close %s gap %s.", gap.Type, gap.ID)
	for _, ev := range gap.Evidence {
		fmt.Fprintf(&rationale, " %s.", ev)
	}

	var impl strings.Builder
	if len(related) > 0 {
		impl.WriteString("Builds on:")
		for _, it := range related {
			fmt.Fprintf(&impl, " %s (%s);", it.ID, it.Summary)
		}
	}

	return knowledge.Item{
		ID:             s.NewID(),
		Type:           knowledge.ItemNote,
		Domain:         gap.Domain,
		Summary:        fmt.Sprintf("Synthesized %s knowledge for %s", gap.Type, gap.Domain),
		Rationale:      rationale.String(),
		Implementation: impl.String(),
		Tags:           relatedTags(gap, related),
		Source:         SynthesisSource,
		CreatedAt:      s.Now().UTC(),
	}, nil
}

// relatedTags returns the gap type plus the three most common tags of the
// related items.
func relatedTags(gap knowledge.Gap, related []knowledge.Item) []string {
	counts := make(map[string]int)
	for _, it := range related {
		for _, t := range it.Tags {
			counts[t]++
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 3 {
		tags = tags[:3]
	}
	out := []string{string(gap.Type)}
	for _, t := range tags {
		if t != string(gap.Type) {
			out = append(out, t)
		}
	}
	return out
}

// LocalRegistrar issues random tokens without recording them.
type LocalRegistrar struct{}

func (LocalRegistrar) Register(ctx context.Context, _ Session) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}
