package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func conf(v float64) *float64 { return &v }

func batch() []knowledge.Item {
	return []knowledge.Item{
		{
			ID: "dec-1", Type: knowledge.ItemDecision, Domain: "security",
			Summary: "Rotate signing keys quarterly", Rationale: "Limits blast radius of a leaked key.",
			Implementation: "Cron job calls the KMS rotate endpoint.", Tags: []string{"crypto", "keys"},
			Source: "adr", CreatedAt: created, Confidence: conf(0.8), AccessCount: 4,
		},
		{ID: "pat-1", Type: knowledge.ItemPattern, Domain: "billing", Summary: "Idempotent webhooks", Tags: []string{"webhooks"}, CreatedAt: created},
		{ID: "note-1", Type: knowledge.ItemNote, Domain: "ops", Summary: "Pager rota lives in the wiki", CreatedAt: created},
		{ID: "bad-1", Type: knowledge.ItemNote, Domain: "ops"},
		{ID: "dec-1", Type: knowledge.ItemDecision, Domain: "security", Summary: "Same id again"},
	}
}

func samplePlan(id string) *knowledge.Plan {
	g := knowledge.Gap{
		ID: "gap-coverage-security", Domain: "security", Type: knowledge.GapCoverage,
		Severity: 0.8, Confidence: 0.75, Evidence: []string{"domain security has 1 items vs. expected minimum 5"},
		Method: "coverage_ratio", Measurement: 0.2, Threshold: 1, DetectedAt: created,
	}
	return &knowledge.Plan{
		ID:          id,
		WorkspaceID: "ws",
		Policy:      "impact",
		TargetGaps:  []knowledge.Gap{g},
		Activities: []knowledge.Activity{{
			ID: id + "-a1", Type: knowledge.ActivityResearch, TargetGapID: g.ID,
			Effort: knowledge.Resources{Time: 7.2}, Status: knowledge.ActivityPending,
		}},
		SuccessCriteria:    map[string]knowledge.SuccessCriterion{g.ID: {GapID: g.ID, Metric: "coverage_ratio", Direction: "increase", Target: 1, Threshold: 1}},
		ResourcesRequired:  knowledge.Resources{Time: 7.2},
		ResourcesAvailable: knowledge.Resources{Time: 10, Computational: 10, Interactive: 10},
		Timeline:           map[string]knowledge.Window{id + "-a1": {Start: 0, End: 7.2}},
		Status:             knowledge.PlanCreated,
		CreatedAt:          created,
	}
}

// testStore runs the behaviour every corpus backend shares.
func testStore(t *testing.T, s Store, ws string) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.Load(ctx, ws)
	require.NoError(t, err)
	require.NoError(t, empty.Validate(), "an empty workspace still has every required collection")
	assert.Empty(t, empty.Items())

	res, err := s.Store(ctx, ws, batch())
	require.NoError(t, err)
	assert.Equal(t, []string{"dec-1", "pat-1", "note-1"}, res.Stored)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "bad-1", res.Errors[0].ItemID)
	assert.Equal(t, "dec-1", res.Errors[1].ItemID)
	assert.Contains(t, res.Errors[1].Reason, "duplicate")

	again, err := s.Store(ctx, ws, batch()[:1])
	require.NoError(t, err)
	assert.Empty(t, again.Stored)
	require.Len(t, again.Errors, 1)
	assert.Contains(t, again.Errors[0].Reason, "already exists")

	c, err := s.Load(ctx, ws)
	require.NoError(t, err)
	require.Len(t, c.Decisions, 1)
	require.Len(t, c.Patterns, 1)
	require.Len(t, c.Custom, 1)
	if diff := cmp.Diff(batch()[0], c.Decisions[0]); diff != "" {
		t.Errorf("decision changed on round trip (-want +got):\n%s", diff)
	}
	assert.Equal(t, "pat-1", c.Patterns[0].ID)
	assert.Equal(t, knowledge.ItemNote, c.Custom[0].Type)

	if lw, ok := s.(LinkWriter); ok {
		links := []knowledge.Relationship{{Source: "dec-1", Target: "pat-1", Kind: "informs"}}
		require.NoError(t, lw.StoreLinks(ctx, ws, links))
		require.NoError(t, lw.StoreLinks(ctx, ws, links))
		c, err = s.Load(ctx, ws)
		require.NoError(t, err)
		require.Len(t, c.Links, 1)
		assert.Equal(t, 1.0, c.Links[0].Strength)
	}
}

// testPlanStore runs the behaviour every plan backend shares.
func testPlanStore(t *testing.T, s PlanStore, planID string) {
	t.Helper()
	ctx := context.Background()

	_, err := s.LoadPlan(ctx, planID)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	want := samplePlan(planID)
	require.NoError(t, s.SavePlan(ctx, want))
	got, err := s.LoadPlan(ctx, planID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan changed on round trip (-want +got):\n%s", diff)
	}

	require.NoError(t, s.UpdatePlanStatus(ctx, planID, knowledge.PlanCompleted))
	got, err = s.LoadPlan(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, knowledge.PlanCompleted, got.Status)

	err = s.UpdatePlanStatus(ctx, planID+"-missing", knowledge.PlanFailed)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	ev := &knowledge.ImpactEvaluation{
		PlanID:        planID,
		Metrics:       map[string]knowledge.MetricImpact{"coverage": {Before: 0.2, After: 0.6, Change: 0.4, Impact: 0.5}},
		GapClosure:    map[string]knowledge.GapClosure{"gap-coverage-security": {GapID: "gap-coverage-security", Closure: 0.5}},
		OverallImpact: 0.5,
		EvaluatedAt:   created,
	}
	require.NoError(t, s.SaveEvaluation(ctx, ev))
	require.NoError(t, s.SaveEvaluation(ctx, ev), "saving an evaluation twice replaces it")
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	testStore(t, m, "ws")
	testPlanStore(t, m, "plan-1")

	ev, ok := m.Evaluation("plan-1")
	require.True(t, ok)
	assert.Equal(t, 0.5, ev.OverallImpact)
}

func TestMemoryLoadReturnsCopies(t *testing.T) {
	m := NewMemory()
	m.Seed(&Corpus{
		WorkspaceID: "ws",
		AsOf:        created,
		Decisions:   []knowledge.Item{{ID: "d", Domain: "x", Summary: "s", Tags: []string{"a"}}},
		Patterns:    []knowledge.Item{},
		Links:       []knowledge.Relationship{},
	})

	first, err := m.Load(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, created, first.AsOf)
	assert.Equal(t, knowledge.ItemDecision, first.Decisions[0].Type)
	first.Decisions[0].Tags[0] = "mutated"

	second, err := m.Load(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, second.Decisions[0].Tags)
}

func TestMemoryLoadHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Load(ctx, "ws")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeLinks(t *testing.T) {
	existing := []knowledge.Relationship{{Source: "a", Target: "b", Kind: "k", Strength: 1}}
	got := mergeLinks(existing, []knowledge.Relationship{
		{Source: "a", Target: "b", Kind: "k"},
		{Source: "a", Target: "b", Kind: "other"},
		{Source: "b", Target: "a", Kind: "k", Strength: 0.5},
	})
	want := []knowledge.Relationship{
		{Source: "a", Target: "b", Kind: "k", Strength: 1},
		{Source: "a", Target: "b", Kind: "other", Strength: 1},
		{Source: "b", Target: "a", Kind: "k", Strength: 0.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mergeLinks (-want +got):\n%s", diff)
	}
}
