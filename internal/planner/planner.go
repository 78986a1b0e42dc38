package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sbenjam1n/kgap/internal/detector"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"go.uber.org/zap"
)

// Prioritization policies.
const (
	PolicyImpact = "impact"
	PolicyEffort = "effort"
	PolicyROI    = "roi"
)

// Selection modes.
const (
	SelectPrefix   = "prefix"
	SelectKnapsack = "knapsack"
)

// Options configures a Builder. Constraints passed to Build override Policy,
// MaxPlanSize and Budget per call.
type Options struct {
	Policy      string
	MaxPlanSize int
	Selection   string
	Budget      knowledge.Resources
	// Lanes > 1 packs the timeline into that many parallel lanes instead of
	// laying activities end to end.
	Lanes int
	Now   func() time.Time
	NewID func() string
}

// Constraints are per-request overrides. Zero values keep the builder's
// defaults.
type Constraints struct {
	Budget      *knowledge.Resources `json:"budget,omitempty"`
	Policy      string               `json:"policy,omitempty"`
	MaxPlanSize int                  `json:"max_plan_size,omitempty"`
}

// Builder turns validated gaps into an executable plan.
type Builder struct {
	opts   Options
	logger *zap.Logger
}

// New creates a new Builder.
func New(opts Options, logger *zap.Logger) *Builder {
	if opts.Policy == "" {
		opts.Policy = PolicyImpact
	}
	if opts.Selection == "" {
		opts.Selection = SelectPrefix
	}
	if opts.MaxPlanSize <= 0 {
		opts.MaxPlanSize = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Builder{opts: opts, logger: logging.OrNop(logger)}
}

// Build prioritizes gaps, selects a subset that fits the budget and lays the
// resulting activities out on a timeline. It never returns a partial plan:
// an empty gap list is a StructuralError and a selection over budget is a
// ResourceInfeasibility.
func (b *Builder) Build(workspaceID string, gaps []knowledge.Gap, c Constraints) (*knowledge.Plan, error) {
	if len(gaps) == 0 {
		return nil, knowledge.NewStructuralError("planner", "no gaps to plan for")
	}
	seen := make(map[string]bool, len(gaps))
	for _, g := range gaps {
		if g.ID == "" {
			return nil, knowledge.NewStructuralError("planner", "gap with empty id")
		}
		if seen[g.ID] {
			return nil, knowledge.NewStructuralError("planner", fmt.Sprintf("duplicate gap id %s", g.ID))
		}
		seen[g.ID] = true
	}

	policy, maxSize, budget := b.opts.Policy, b.opts.MaxPlanSize, b.opts.Budget
	if c.Policy != "" {
		policy = c.Policy
	}
	if c.MaxPlanSize > 0 {
		maxSize = c.MaxPlanSize
	}
	if c.Budget != nil {
		budget = *c.Budget
	}

	ordered, err := Prioritize(gaps, policy)
	if err != nil {
		return nil, err
	}

	var selected []knowledge.Gap
	switch b.opts.Selection {
	case SelectKnapsack:
		selected = selectKnapsack(ordered, maxSize, budget)
	default:
		selected = selectPrefix(ordered, maxSize)
	}
	if len(selected) == 0 {
		// Nothing fit; report the cheapest requirement the budget misses.
		required := GapEffort(ordered[0])
		return nil, &knowledge.ResourceInfeasibility{Required: required, Available: budget, Dimensions: required.Exceeding(budget)}
	}

	plan := &knowledge.Plan{
		ID:                 b.opts.NewID(),
		WorkspaceID:        workspaceID,
		Policy:             policy,
		TargetGaps:         selected,
		SuccessCriteria:    make(map[string]knowledge.SuccessCriterion, len(selected)),
		ResourcesAvailable: budget,
		Status:             knowledge.PlanCreated,
		CreatedAt:          b.opts.Now(),
	}
	for _, g := range selected {
		for _, at := range activityTypes(g) {
			desc, outcome := describe(at, g)
			a := knowledge.Activity{
				ID:              b.opts.NewID(),
				Type:            at,
				Description:     desc,
				TargetGapID:     g.ID,
				ExpectedOutcome: outcome,
				Effort:          Effort(at, g.Severity),
				Status:          knowledge.ActivityPending,
				Order:           len(plan.Activities),
			}
			plan.Activities = append(plan.Activities, a)
			plan.ResourcesRequired = addEffort(plan.ResourcesRequired, a.Effort)
		}
		plan.SuccessCriteria[g.ID] = knowledge.SuccessCriterion{
			GapID:     g.ID,
			Metric:    g.Method,
			Direction: detector.Direction(g.Type),
			Target:    g.Threshold,
			Threshold: 1.0,
		}
	}
	plan.Timeline = Timeline(plan.Activities, b.opts.Lanes)

	if err := plan.Validate(); err != nil {
		b.logger.Info("plan infeasible",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		return nil, err
	}

	b.logger.Info("plan generated",
		zap.String("plan_id", plan.ID),
		zap.String("policy", policy),
		zap.Int("gaps", len(plan.TargetGaps)),
		zap.Int("activities", len(plan.Activities)),
		zap.Float64("time_required", plan.ResourcesRequired.Time),
	)
	return plan, nil
}

// Prioritize orders gaps by policy. Ties break on gap id so the order is
// deterministic.
func Prioritize(gaps []knowledge.Gap, policy string) ([]knowledge.Gap, error) {
	var less func(a, b knowledge.Gap) (bool, bool)
	switch policy {
	case PolicyImpact:
		less = func(a, b knowledge.Gap) (bool, bool) {
			return a.Severity > b.Severity, a.Severity == b.Severity
		}
	case PolicyEffort:
		less = func(a, b knowledge.Gap) (bool, bool) {
			ea, eb := GapEffort(a).Total(), GapEffort(b).Total()
			return ea < eb, ea == eb
		}
	case PolicyROI:
		less = func(a, b knowledge.Gap) (bool, bool) {
			ra, rb := roi(a), roi(b)
			return ra > rb, ra == rb
		}
	default:
		return nil, knowledge.NewStructuralError("planner", fmt.Sprintf("unknown policy %q", policy))
	}

	out := append([]knowledge.Gap(nil), gaps...)
	sort.SliceStable(out, func(i, j int) bool {
		if before, tie := less(out[i], out[j]); !tie {
			return before
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func roi(g knowledge.Gap) float64 {
	effort := GapEffort(g).Total()
	if effort == 0 {
		return 0
	}
	return g.Severity / effort
}

func selectPrefix(ordered []knowledge.Gap, maxSize int) []knowledge.Gap {
	if len(ordered) > maxSize {
		return ordered[:maxSize]
	}
	return ordered
}

// selectKnapsack walks gaps in priority order and keeps each one that still
// fits the remaining budget.
func selectKnapsack(ordered []knowledge.Gap, maxSize int, budget knowledge.Resources) []knowledge.Gap {
	var (
		selected []knowledge.Gap
		used     knowledge.Resources
	)
	for _, g := range ordered {
		if len(selected) == maxSize {
			break
		}
		next := addEffort(used, GapEffort(g))
		if len(next.Exceeding(budget)) > 0 {
			continue
		}
		selected = append(selected, g)
		used = next
	}
	return selected
}

// Timeline places activities on the time dimension. With lanes <= 1 they run
// end to end in order; otherwise each goes to the lane that frees up first.
func Timeline(activities []knowledge.Activity, lanes int) map[string]knowledge.Window {
	if lanes < 1 {
		lanes = 1
	}
	ends := make([]float64, lanes)
	out := make(map[string]knowledge.Window, len(activities))
	for _, a := range activities {
		lane := 0
		for l := 1; l < lanes; l++ {
			if ends[l] < ends[lane] {
				lane = l
			}
		}
		start := ends[lane]
		end := round2(start + a.Effort.Time)
		out[a.ID] = knowledge.Window{Start: start, End: end}
		ends[lane] = end
	}
	return out
}
