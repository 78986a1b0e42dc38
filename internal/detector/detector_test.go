package detector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sbenjam1n/kgap/internal/analyzer"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ref = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func snapshot(t *testing.T, corpus *knowledge.Corpus, expected map[string]int) *knowledge.Snapshot {
	t.Helper()
	a := analyzer.New(analyzer.Options{
		Expected:       expected,
		DefaultMinimum: 1,
		MinSharedTags:  2,
		Now:            func() time.Time { return ref },
	}, nil)
	snap, err := a.Analyze(corpus)
	require.NoError(t, err)
	return &snap
}

// scenarioA has a single well-formed security decision against an
// expectation of five.
func scenarioA() *knowledge.Corpus {
	long := strings.Repeat("words ", 12)
	return &knowledge.Corpus{
		WorkspaceID: "ws-a",
		AsOf:        ref,
		Decisions: []knowledge.Item{{
			ID: "sec-1", Domain: "security", Summary: "Rotate signing keys monthly",
			Rationale: long, Implementation: long, Tags: []string{"keys"},
			CreatedAt: ref.AddDate(0, 0, -1), AccessCount: 4,
		}},
		Patterns: []knowledge.Item{},
		Links:    []knowledge.Relationship{},
	}
}

func TestDetectScenarioACoverageGap(t *testing.T) {
	snap := snapshot(t, scenarioA(), map[string]int{"security": 5})
	d := New(Options{Strategies: []knowledge.GapType{knowledge.GapCoverage}, Thresholds: DefaultThresholds()}, nil)

	report, err := d.Detect(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, report.Gaps, 1)

	g := report.Gaps[0]
	assert.Equal(t, "gap-coverage-security", g.ID)
	assert.Equal(t, knowledge.GapCoverage, g.Type)
	assert.InDelta(t, 0.8, g.Severity, 1e-9)
	assert.InDelta(t, 0.2, g.Measurement, 1e-9)
	assert.Equal(t, []string{"domain security has 1 items vs. expected minimum 5"}, g.Evidence)
	assert.Equal(t, MethodCoverageRatio, g.Method)
	assert.Equal(t, snap.TakenAt, g.DetectedAt)
}

func mixedCorpus() *knowledge.Corpus {
	old := ref.AddDate(0, -8, 0)
	return &knowledge.Corpus{
		WorkspaceID: "ws-mixed",
		AsOf:        ref,
		Decisions: []knowledge.Item{
			{ID: "b1", Domain: "billing", Summary: "tiny", CreatedAt: old},
			{ID: "b2", Domain: "billing", Summary: "also tiny", CreatedAt: old},
			{ID: "b3", Domain: "billing", Summary: "Invoices are immutable", CreatedAt: old},
		},
		Patterns: []knowledge.Item{
			{ID: "o1", Domain: "ops", Summary: "Blue green deploys", Tags: []string{"deploy", "k8s"}, CreatedAt: ref.AddDate(0, 0, -2), AccessCount: 5},
			{ID: "o2", Domain: "ops", Summary: "Canary analysis", Tags: []string{"deploy", "k8s"}, CreatedAt: ref.AddDate(0, 0, -3), AccessCount: 1},
		},
		Links: []knowledge.Relationship{{Source: "o1", Target: "o2", Kind: "related"}},
	}
}

func TestDetectAllStrategiesOrdering(t *testing.T) {
	snap := snapshot(t, mixedCorpus(), map[string]int{"billing": 3, "ops": 4})
	report, err := New(Options{Thresholds: DefaultThresholds()}, nil).Detect(context.Background(), snap)
	require.NoError(t, err)

	var ids []string
	for _, g := range report.Gaps {
		ids = append(ids, g.ID)
	}
	want := []string{
		"gap-coverage-ops",
		"gap-depth-billing",
		"gap-freshness-billing",
		"gap-quality-billing",
		"gap-relationship-billing",
		"gap-usage-billing",
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("gap ids mismatch (-want +got):\n%s", diff)
	}
	for _, g := range report.Gaps {
		assert.GreaterOrEqual(t, g.Severity, 0.0, g.ID)
		assert.LessOrEqual(t, g.Severity, 1.0, g.ID)
		assert.NotEmpty(t, g.Evidence, g.ID)
	}
}

func TestDetectDeterministic(t *testing.T) {
	snap := snapshot(t, mixedCorpus(), map[string]int{"billing": 3, "ops": 4, "security": 2})
	d := New(Options{Thresholds: DefaultThresholds()}, nil)

	first, err := d.Detect(context.Background(), snap)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := d.Detect(context.Background(), snap)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

type fixedScorer float64

func (s fixedScorer) Score(*knowledge.Snapshot, knowledge.Candidate) float64 { return float64(s) }

func TestDetectRejectsOutOfRangeConfidence(t *testing.T) {
	snap := snapshot(t, scenarioA(), map[string]int{"security": 5})
	d := New(Options{
		Strategies: []knowledge.GapType{knowledge.GapCoverage},
		Thresholds: DefaultThresholds(),
		Scorer:     fixedScorer(1.5),
	}, nil)

	report, err := d.Detect(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, report.Gaps)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "gap-coverage-security", report.Rejected[0].CandidateID)

	diags := report.Diagnostics()
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0], "confidence_range")
}

func TestDetectInjectedScorer(t *testing.T) {
	snap := snapshot(t, scenarioA(), map[string]int{"security": 5})
	d := New(Options{Strategies: []knowledge.GapType{knowledge.GapCoverage}, Scorer: fixedScorer(0.33)}, nil)
	report, err := d.Detect(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, 0.33, report.Gaps[0].Confidence)
}

func TestDetectErrors(t *testing.T) {
	d := New(Options{}, nil)
	_, err := d.Detect(context.Background(), nil)
	var se *knowledge.StructuralError
	assert.True(t, errors.As(err, &se))

	snap := snapshot(t, scenarioA(), nil)
	bad := New(Options{Strategies: []knowledge.GapType{"vibes"}}, nil)
	_, err = bad.Detect(context.Background(), snap)
	assert.True(t, errors.As(err, &se), "unknown strategy should be structural, got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Detect(ctx, snap)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMeasureUndefined(t *testing.T) {
	snap := snapshot(t, scenarioA(), nil)
	d := New(Options{Thresholds: DefaultThresholds()}, nil)
	_, ok := d.Measure(snap, knowledge.GapQuality, "nowhere")
	assert.False(t, ok)
	_, ok = d.Measure(snap, knowledge.GapCoverage, "nowhere")
	assert.False(t, ok)
}

func TestDirection(t *testing.T) {
	assert.Equal(t, Increase, Direction(knowledge.GapCoverage))
	assert.Equal(t, Increase, Direction(knowledge.GapQuality))
	assert.Equal(t, Decrease, Direction(knowledge.GapUsage))
	assert.Equal(t, Decrease, Direction(knowledge.GapFreshness))
}
