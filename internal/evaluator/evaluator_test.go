package evaluator

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sbenjam1n/kgap/internal/analyzer"
	"github.com/sbenjam1n/kgap/internal/detector"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ref = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func securityCorpus(n int) *knowledge.Corpus {
	long := strings.Repeat("words ", 12)
	c := &knowledge.Corpus{WorkspaceID: "ws", AsOf: ref, Decisions: []knowledge.Item{}, Patterns: []knowledge.Item{}, Links: []knowledge.Relationship{}}
	for i := 0; i < n; i++ {
		c.Decisions = append(c.Decisions, knowledge.Item{
			ID: fmt.Sprintf("sec-%d", i), Domain: "security", Summary: "A security decision of note",
			Rationale: long, Tags: []string{"sec"}, CreatedAt: ref, AccessCount: i,
		})
	}
	return c
}

func analyze(t *testing.T, c *knowledge.Corpus) *knowledge.Snapshot {
	t.Helper()
	snap, err := analyzer.New(analyzer.Options{
		Expected: map[string]int{"security": 5},
		Now:      func() time.Time { return ref },
	}, nil).Analyze(c)
	require.NoError(t, err)
	return &snap
}

func coveragePlan(t *testing.T, det *detector.Detector, before *knowledge.Snapshot) *knowledge.Plan {
	t.Helper()
	m, ok := det.Measure(before, knowledge.GapCoverage, "security")
	require.True(t, ok)
	g := knowledge.Gap{ID: "gap-coverage-security", Domain: "security", Type: knowledge.GapCoverage, Severity: 0.8, Measurement: m.Value, Threshold: m.Threshold}
	return &knowledge.Plan{
		ID:         "plan-1",
		TargetGaps: []knowledge.Gap{g},
		Activities: []knowledge.Activity{
			{ID: "a1", TargetGapID: g.ID},
			{ID: "a2", TargetGapID: g.ID},
		},
	}
}

func TestEvaluatePartialClosure(t *testing.T) {
	det := detector.New(detector.Options{Thresholds: detector.DefaultThresholds()}, nil)
	before := analyze(t, securityCorpus(1))
	after := analyze(t, securityCorpus(3))
	plan := coveragePlan(t, det, before)
	result := &knowledge.ExecutionResult{Completed: []string{"a1"}, Failed: []string{"a2"}}

	ev, err := New(det, nil).Evaluate(plan, before, after, result)
	require.NoError(t, err)

	cov := ev.Metrics[MetricCoverage]
	assert.InDelta(t, 0.2, cov.Before, 1e-9)
	assert.InDelta(t, 0.6, cov.After, 1e-9)
	assert.InDelta(t, 0.4, cov.Change, 1e-9)
	assert.InDelta(t, 0.5, cov.Impact, 1e-9)

	sat := ev.Metrics[MetricSatisfaction]
	assert.InDelta(t, 0.5, sat.After, 1e-9)

	gc := ev.GapClosure["gap-coverage-security"]
	assert.False(t, gc.Closed)
	assert.InDelta(t, 0.5, gc.Closure, 1e-9)
	assert.InDelta(t, 0.6, gc.After, 1e-9)
}

func TestEvaluateClosureStartsFromBeforeSnapshot(t *testing.T) {
	det := detector.New(detector.Options{Thresholds: detector.DefaultThresholds()}, nil)
	// The gap was detected at one item; the corpus had grown to two before
	// the plan ran.
	plan := coveragePlan(t, det, analyze(t, securityCorpus(1)))
	before := analyze(t, securityCorpus(2))
	after := analyze(t, securityCorpus(3))

	ev, err := New(det, nil).Evaluate(plan, before, after, nil)
	require.NoError(t, err)
	gc := ev.GapClosure["gap-coverage-security"]
	assert.InDelta(t, 0.4, gc.Before, 1e-9)
	assert.InDelta(t, 0.6, gc.After, 1e-9)
	assert.InDelta(t, 1.0/3, gc.Closure, 1e-9)

	// A domain the before snapshot cannot measure keeps the detection-time value.
	plan.TargetGaps = append(plan.TargetGaps, knowledge.Gap{ID: "gap-quality-billing", Domain: "billing", Type: knowledge.GapQuality, Measurement: 1.5, Threshold: 2})
	ev, err = New(det, nil).Evaluate(plan, before, after, nil)
	require.NoError(t, err)
	billing := ev.GapClosure["gap-quality-billing"]
	assert.Equal(t, 1.5, billing.Before)
	assert.Equal(t, 1.5, billing.After)
	assert.Zero(t, billing.Closure)
}

func TestEvaluateFullClosure(t *testing.T) {
	det := detector.New(detector.Options{Thresholds: detector.DefaultThresholds()}, nil)
	before := analyze(t, securityCorpus(1))
	after := analyze(t, securityCorpus(6))
	plan := coveragePlan(t, det, before)

	ev, err := New(det, nil).Evaluate(plan, before, after, nil)
	require.NoError(t, err)
	gc := ev.GapClosure["gap-coverage-security"]
	assert.True(t, gc.Closed)
	assert.Equal(t, 1.0, gc.Closure)
	_, ok := ev.Metrics[MetricSatisfaction]
	assert.False(t, ok, "satisfaction needs an execution result")
}

func TestEvaluateIdempotent(t *testing.T) {
	det := detector.New(detector.Options{Thresholds: detector.DefaultThresholds()}, nil)
	before := analyze(t, securityCorpus(2))
	after := analyze(t, securityCorpus(4))
	plan := coveragePlan(t, det, before)
	result := &knowledge.ExecutionResult{Completed: []string{"a1", "a2"}}
	e := New(det, nil)

	first, err := e.Evaluate(plan, before, after, result)
	require.NoError(t, err)
	second, err := e.Evaluate(plan, before, after, result)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("evaluations differ (-first +second):\n%s", diff)
	}
}

func TestEvaluateOmitsUncomputableMetrics(t *testing.T) {
	empty := &knowledge.Corpus{WorkspaceID: "ws", Decisions: []knowledge.Item{}, Patterns: []knowledge.Item{}, Links: []knowledge.Relationship{}}
	snap, err := analyzer.New(analyzer.Options{}, nil).Analyze(empty)
	require.NoError(t, err)

	plan := &knowledge.Plan{ID: "p"}
	ev, err := New(nil, nil).Evaluate(plan, &snap, &snap, nil)
	require.NoError(t, err)
	assert.Empty(t, ev.Metrics)
	assert.Equal(t, 0.0, ev.OverallImpact)
}

func TestEvaluateStructuralErrors(t *testing.T) {
	e := New(nil, nil)
	var se *knowledge.StructuralError
	_, err := e.Evaluate(nil, &knowledge.Snapshot{}, &knowledge.Snapshot{}, nil)
	assert.True(t, errors.As(err, &se))
	_, err = e.Evaluate(&knowledge.Plan{}, nil, &knowledge.Snapshot{}, nil)
	assert.True(t, errors.As(err, &se))
}

func TestCompare(t *testing.T) {
	tests := []struct {
		before, after, impact float64
	}{
		{0.5, 0.75, 0.5},
		{0.5, 0.25, -0.5},
		{1, 1, 0},
		{0, 0, 0},
		{1, 0.5, -0.5},
		{0, 1, 1},
	}
	for _, tt := range tests {
		got := compare(tt.before, tt.after)
		if diff := got.Impact - tt.impact; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("compare(%v, %v).Impact = %v, want %v", tt.before, tt.after, got.Impact, tt.impact)
		}
	}
}
