package planner

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/sbenjam1n/kgap/internal/detector"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gap(gt knowledge.GapType, domain string, severity float64) knowledge.Gap {
	return knowledge.Gap{
		ID:        detector.GapID(gt, domain),
		Domain:    domain,
		Type:      gt,
		Severity:  severity,
		Method:    "test",
		Threshold: 0.5,
	}
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%02d", n)
	}
}

func newBuilder(opts Options) *Builder {
	if opts.NewID == nil {
		opts.NewID = seqIDs()
	}
	opts.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return New(opts, nil)
}

var roomy = knowledge.Resources{Time: 100, Computational: 100, Interactive: 100}

func TestBuildScenarioBInfeasible(t *testing.T) {
	b := newBuilder(Options{Budget: knowledge.Resources{Time: 5, Computational: 40, Interactive: 20}})
	gaps := []knowledge.Gap{
		gap(knowledge.GapDepth, "billing", 1.0),
		gap(knowledge.GapQuality, "billing", 1.0),
	}

	plan, err := b.Build("ws", gaps, Constraints{})
	assert.Nil(t, plan, "no partial plan on infeasibility")

	var ri *knowledge.ResourceInfeasibility
	require.True(t, errors.As(err, &ri), "want ResourceInfeasibility, got %v", err)
	assert.Equal(t, []knowledge.Dimension{knowledge.DimTime}, ri.Dimensions)
	assert.Equal(t, 10.0, ri.Required.Time)
	assert.Contains(t, err.Error(), "time requires 10.00 but only 5.00 available")
}

func TestBuildKnapsackSkipsWhatDoesNotFit(t *testing.T) {
	b := newBuilder(Options{Selection: SelectKnapsack, Budget: knowledge.Resources{Time: 5, Computational: 40, Interactive: 20}})
	gaps := []knowledge.Gap{
		gap(knowledge.GapDepth, "billing", 1.0),   // time 6
		gap(knowledge.GapQuality, "billing", 1.0), // time 4
	}
	plan, err := b.Build("ws", gaps, Constraints{})
	require.NoError(t, err)
	require.Len(t, plan.TargetGaps, 1)
	assert.Equal(t, "gap-quality-billing", plan.TargetGaps[0].ID)
	assert.Equal(t, 4.0, plan.ResourcesRequired.Time)

	// Nothing fits at all.
	_, err = b.Build("ws", gaps, Constraints{Budget: &knowledge.Resources{Time: 1, Computational: 1, Interactive: 1}})
	var ri *knowledge.ResourceInfeasibility
	assert.True(t, errors.As(err, &ri))
}

func TestBuildActivities(t *testing.T) {
	b := newBuilder(Options{Budget: roomy})
	gaps := []knowledge.Gap{
		gap(knowledge.GapCoverage, "security", 0.8),
		gap(knowledge.GapCoverage, "ops", 0.5),
		gap(knowledge.GapFreshness, "ops", 0.2),
	}
	plan, err := b.Build("ws", gaps, Constraints{})
	require.NoError(t, err)

	var types []knowledge.ActivityType
	for i, a := range plan.Activities {
		types = append(types, a.Type)
		assert.Equal(t, i, a.Order)
		assert.Equal(t, knowledge.ActivityPending, a.Status)
		_, ok := plan.Gap(a.TargetGapID)
		assert.True(t, ok, "activity %s targets a gap outside the plan", a.ID)
	}
	assert.Equal(t, []knowledge.ActivityType{
		knowledge.ActivityResearch, knowledge.ActivityLink, // security, severity 0.8
		knowledge.ActivityResearch, // ops coverage, severity 0.5
		knowledge.ActivityRefresh,
	}, types)

	// research at severity 0.8: 4*1.8, 2*1.8, 1*1.8
	assert.Equal(t, knowledge.Resources{Time: 7.2, Computational: 3.6, Interactive: 1.8}, plan.Activities[0].Effort)
	assert.Equal(t, knowledge.PlanCreated, plan.Status)
	assert.Equal(t, PolicyImpact, plan.Policy)
	assert.Equal(t, roomy, plan.ResourcesAvailable)

	sc := plan.SuccessCriteria["gap-freshness-ops"]
	assert.Equal(t, detector.Decrease, sc.Direction)
	assert.Equal(t, detector.Increase, plan.SuccessCriteria["gap-coverage-ops"].Direction)
}

func TestPrioritize(t *testing.T) {
	gaps := []knowledge.Gap{
		gap(knowledge.GapUsage, "b", 0.3),
		gap(knowledge.GapCoverage, "a", 0.9),
		gap(knowledge.GapUsage, "a", 0.3),
		gap(knowledge.GapDepth, "a", 0.6),
	}
	ids := func(gs []knowledge.Gap) []string {
		out := make([]string, len(gs))
		for i, g := range gs {
			out[i] = g.ID
		}
		return out
	}

	byImpact, err := Prioritize(gaps, PolicyImpact)
	require.NoError(t, err)
	assert.Equal(t, []string{"gap-coverage-a", "gap-depth-a", "gap-usage-a", "gap-usage-b"}, ids(byImpact))

	byEffort, err := Prioritize(gaps, PolicyEffort)
	require.NoError(t, err)
	assert.Equal(t, []string{"gap-usage-a", "gap-usage-b", "gap-depth-a", "gap-coverage-a"}, ids(byEffort))

	_, err = Prioritize(gaps, "fastest")
	var se *knowledge.StructuralError
	assert.True(t, errors.As(err, &se))

	// Input order is left alone.
	assert.Equal(t, "gap-usage-b", gaps[0].ID)
}

func TestBuildPrefixRespectsMaxPlanSize(t *testing.T) {
	b := newBuilder(Options{Budget: roomy, MaxPlanSize: 2})
	gaps := []knowledge.Gap{
		gap(knowledge.GapUsage, "a", 0.1),
		gap(knowledge.GapUsage, "b", 0.9),
		gap(knowledge.GapUsage, "c", 0.5),
	}
	plan, err := b.Build("ws", gaps, Constraints{})
	require.NoError(t, err)
	require.Len(t, plan.TargetGaps, 2)
	assert.Equal(t, "gap-usage-b", plan.TargetGaps[0].ID)
	assert.Equal(t, "gap-usage-c", plan.TargetGaps[1].ID)

	plan, err = b.Build("ws", gaps, Constraints{MaxPlanSize: 1, Policy: PolicyEffort})
	require.NoError(t, err)
	require.Len(t, plan.TargetGaps, 1)
	assert.Equal(t, "gap-usage-a", plan.TargetGaps[0].ID)
}

func TestBuildStructuralErrors(t *testing.T) {
	b := newBuilder(Options{Budget: roomy})
	var se *knowledge.StructuralError

	_, err := b.Build("ws", nil, Constraints{})
	assert.True(t, errors.As(err, &se))

	dup := []knowledge.Gap{gap(knowledge.GapUsage, "a", 0.1), gap(knowledge.GapUsage, "a", 0.2)}
	_, err = b.Build("ws", dup, Constraints{})
	assert.True(t, errors.As(err, &se))
}

func TestTimeline(t *testing.T) {
	acts := []knowledge.Activity{
		{ID: "a", Effort: knowledge.Resources{Time: 4}},
		{ID: "b", Effort: knowledge.Resources{Time: 1}},
		{ID: "c", Effort: knowledge.Resources{Time: 2}},
	}

	seq := Timeline(acts, 1)
	assert.Equal(t, knowledge.Window{Start: 0, End: 4}, seq["a"])
	assert.Equal(t, knowledge.Window{Start: 4, End: 5}, seq["b"])
	assert.Equal(t, knowledge.Window{Start: 5, End: 7}, seq["c"])

	par := Timeline(acts, 2)
	assert.Equal(t, knowledge.Window{Start: 0, End: 4}, par["a"])
	assert.Equal(t, knowledge.Window{Start: 0, End: 1}, par["b"])
	assert.Equal(t, knowledge.Window{Start: 1, End: 3}, par["c"])
}

// Every plan the builder returns fits its budget, whatever the budget.
func TestBuildFeasibilityInvariant(t *testing.T) {
	gaps := []knowledge.Gap{
		gap(knowledge.GapCoverage, "a", 0.9),
		gap(knowledge.GapDepth, "a", 0.4),
		gap(knowledge.GapQuality, "b", 0.7),
		gap(knowledge.GapRelationship, "c", 0.2),
		gap(knowledge.GapUsage, "c", 0.6),
	}
	for _, selection := range []string{SelectPrefix, SelectKnapsack} {
		for budgetTime := 0.0; budgetTime <= 40; budgetTime += 2.5 {
			budget := knowledge.Resources{Time: budgetTime, Computational: budgetTime / 2, Interactive: budgetTime / 4}
			b := newBuilder(Options{Selection: selection, Budget: budget})
			plan, err := b.Build("ws", gaps, Constraints{})
			if err != nil {
				var ri *knowledge.ResourceInfeasibility
				require.True(t, errors.As(err, &ri), "%s/%v: unexpected error %v", selection, budgetTime, err)
				continue
			}
			assert.Empty(t, plan.ResourcesRequired.Exceeding(plan.ResourcesAvailable), "%s/%v", selection, budgetTime)
			require.NoError(t, plan.Validate())
		}
	}
}

// randomGaps returns n distinct gaps with two-decimal severities.
func randomGaps(rng *rand.Rand, n int) []knowledge.Gap {
	gaps := make([]knowledge.Gap, n)
	for i := range gaps {
		gt := knowledge.GapTypes[rng.Intn(len(knowledge.GapTypes))]
		gaps[i] = gap(gt, fmt.Sprintf("d%02d", i), float64(rng.Intn(101))/100)
	}
	return gaps
}

func TestBuildAcceptsBudgetEqualToRequirement(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 300; trial++ {
		gaps := randomGaps(rng, 1+rng.Intn(8))

		// Prefix: the budget is the plan's own two-decimal requirement.
		sized, err := newBuilder(Options{Budget: knowledge.Resources{Time: 1e6, Computational: 1e6, Interactive: 1e6}, MaxPlanSize: len(gaps)}).Build("ws", gaps, Constraints{})
		require.NoError(t, err)
		exact := sized.ResourcesRequired
		plan, err := newBuilder(Options{Budget: exact, MaxPlanSize: len(gaps)}).Build("ws", gaps, Constraints{})
		require.NoError(t, err, "trial %d prefix: budget %+v", trial, exact)
		assert.Equal(t, exact, plan.ResourcesRequired, "trial %d", trial)

		// Knapsack: the budget is the sum of per-gap estimates, so every gap fits.
		var sum knowledge.Resources
		for _, g := range gaps {
			sum = addEffort(sum, GapEffort(g))
		}
		plan, err = newBuilder(Options{Selection: SelectKnapsack, Budget: sum, MaxPlanSize: len(gaps)}).Build("ws", gaps, Constraints{})
		require.NoError(t, err, "trial %d knapsack: budget %+v", trial, sum)
		assert.Len(t, plan.TargetGaps, len(gaps), "trial %d", trial)
		assert.Equal(t, sum, plan.ResourcesRequired, "trial %d", trial)
	}
}

func TestBuildUsesUUIDsByDefault(t *testing.T) {
	b := New(Options{Budget: roomy}, nil)
	plan, err := b.Build("ws", []knowledge.Gap{gap(knowledge.GapCoverage, "a", 0.9)}, Constraints{})
	require.NoError(t, err)
	assert.Len(t, plan.ID, 36)
	assert.NotEqual(t, plan.Activities[0].ID, plan.Activities[1].ID)
}
