package knowledge

import (
	"fmt"
	"sort"
	"time"
)

// ItemType classifies a knowledge record by the collection it came from.
type ItemType string

const (
	ItemDecision ItemType = "decision"
	ItemPattern  ItemType = "pattern"
	ItemNote     ItemType = "note"
	ItemCustom   ItemType = "custom"
)

// UncategorizedDomain is used for items that declare no domain.
const UncategorizedDomain = "uncategorized"

// Item is a single immutable knowledge record. Superseding an item means
// writing a new record, never editing this one.
type Item struct {
	ID             string    `json:"id" db:"id" yaml:"id"`
	Type           ItemType  `json:"item_type" db:"item_type" yaml:"type"`
	Domain         string    `json:"domain" db:"domain" yaml:"domain"`
	Summary        string    `json:"summary" db:"summary" yaml:"summary"`
	Rationale      string    `json:"rationale,omitempty" db:"rationale" yaml:"rationale,omitempty"`
	Implementation string    `json:"implementation,omitempty" db:"implementation" yaml:"implementation,omitempty"`
	Tags           []string  `json:"tags,omitempty" db:"tags" yaml:"tags,omitempty"`
	Source         string    `json:"source,omitempty" db:"source" yaml:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at" db:"created_at" yaml:"created_at"`
	Confidence     *float64  `json:"confidence,omitempty" db:"confidence" yaml:"confidence,omitempty"`
	AccessCount    int       `json:"access_count,omitempty" db:"access_count" yaml:"access_count,omitempty"`
	ReferenceCount int       `json:"reference_count,omitempty" db:"reference_count" yaml:"reference_count,omitempty"`
}

// DomainOrDefault returns the declared domain or UncategorizedDomain.
func (it Item) DomainOrDefault() string {
	if it.Domain == "" {
		return UncategorizedDomain
	}
	return it.Domain
}

// Relationship is a directed, typed link between two items.
type Relationship struct {
	Source   string  `json:"source_key" db:"source_key" yaml:"source"`
	Target   string  `json:"target_key" db:"target_key" yaml:"target"`
	Kind     string  `json:"kind" db:"kind" yaml:"kind"`
	Strength float64 `json:"strength" db:"strength" yaml:"strength,omitempty"`
}

// QualityTier is derived from an item's content by the analyzer.
type QualityTier string

const (
	TierHigh    QualityTier = "high"
	TierMedium  QualityTier = "medium"
	TierLow     QualityTier = "low"
	TierUnknown QualityTier = "unknown"
)

// Tiers lists quality tiers from best to worst.
var Tiers = []QualityTier{TierHigh, TierMedium, TierLow, TierUnknown}

// AssessedItem pairs an item with its derived quality.
type AssessedItem struct {
	Item  Item        `json:"item"`
	Score int         `json:"quality_score"`
	Tier  QualityTier `json:"quality_tier"`
}

// Inventory groups the snapshot's items. Items is the arena; the grouping
// maps hold indices into it.
type Inventory struct {
	Items    []AssessedItem        `json:"items"`
	ByDomain map[string][]int      `json:"by_domain"`
	BySource map[string][]int      `json:"by_source"`
	ByTier   map[QualityTier][]int `json:"by_tier"`
}

// Total returns the number of items in the inventory.
func (inv Inventory) Total() int { return len(inv.Items) }

// Domains returns the domain names in ascending order.
func (inv Inventory) Domains() []string {
	out := make([]string, 0, len(inv.ByDomain))
	for d := range inv.ByDomain {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DomainCounts returns the number of items per domain.
func (inv Inventory) DomainCounts() map[string]int {
	out := make(map[string]int, len(inv.ByDomain))
	for d, idx := range inv.ByDomain {
		out[d] = len(idx)
	}
	return out
}

// TierCounts returns the number of items per quality tier.
func (inv Inventory) TierCounts() map[QualityTier]int {
	out := make(map[QualityTier]int, len(Tiers))
	for _, t := range Tiers {
		out[t] = len(inv.ByTier[t])
	}
	return out
}

// Edge is one adjacency entry. Target is an index into Inventory.Items.
type Edge struct {
	Target   int     `json:"target"`
	Kind     string  `json:"kind"`
	Strength float64 `json:"strength"`
}

// RelationshipMap holds explicit and inferred adjacency separately so
// callers can tell provenance apart. Slices are indexed like Inventory.Items.
type RelationshipMap struct {
	Index    map[string]int `json:"index"`
	Direct   [][]Edge       `json:"direct"`
	Inferred [][]Edge       `json:"inferred"`
	Degree   []int          `json:"degree"`
	InDirect []int          `json:"in_direct"`
	Dangling []Relationship `json:"dangling,omitempty"`
}

// DirectCount returns the number of explicit edges.
func (m RelationshipMap) DirectCount() int {
	n := 0
	for _, edges := range m.Direct {
		n += len(edges)
	}
	return n
}

// InferredCount returns the number of inferred edges.
func (m RelationshipMap) InferredCount() int {
	n := 0
	for _, edges := range m.Inferred {
		n += len(edges)
	}
	return n
}

// UsageBucket groups items by how often they are accessed or referenced.
type UsageBucket string

const (
	UsageHigh   UsageBucket = "high"
	UsageMedium UsageBucket = "medium"
	UsageLow    UsageBucket = "low"
	UsageUnused UsageBucket = "unused"
)

// UsageSignal summarizes access and reference frequency.
type UsageSignal struct {
	Buckets      map[UsageBucket]int `json:"buckets"`
	ByItem       []UsageBucket       `json:"by_item"`
	DomainAccess map[string]int      `json:"domain_access"`
}

// DomainCoverage is the coverage of one domain against its expectation.
type DomainCoverage struct {
	Domain   string  `json:"domain"`
	Count    int     `json:"count"`
	Expected int     `json:"expected"`
	Ratio    float64 `json:"ratio"`
}

// CoverageAssessment lists per-domain coverage and the domains below expectation.
type CoverageAssessment struct {
	Domains      map[string]DomainCoverage `json:"domains"`
	UnderCovered []string                  `json:"under_covered"`
}

// Snapshot is the analyzer's model of a corpus at a point in time. It is a
// value object: nothing mutates it after the analyzer returns it.
type Snapshot struct {
	WorkspaceID   string             `json:"workspace_id"`
	TakenAt       time.Time          `json:"taken_at"`
	ReferenceTime time.Time          `json:"reference_time"`
	Inventory     Inventory          `json:"inventory"`
	Relationships RelationshipMap    `json:"relationship_map"`
	Usage         UsageSignal        `json:"usage_signal"`
	Coverage      CoverageAssessment `json:"coverage_assessment"`
}

// GapType names the dimension along which a gap was detected.
type GapType string

const (
	GapCoverage     GapType = "coverage"
	GapDepth        GapType = "depth"
	GapFreshness    GapType = "freshness"
	GapQuality      GapType = "quality"
	GapRelationship GapType = "relationship"
	GapUsage        GapType = "usage"
)

// GapTypes lists every gap type in detection order.
var GapTypes = []GapType{GapCoverage, GapDepth, GapFreshness, GapQuality, GapRelationship, GapUsage}

// ParseGapType validates a gap type name.
func ParseGapType(s string) (GapType, error) {
	for _, t := range GapTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown gap type %q", s)
}

// Candidate is a raw gap emitted by a detection strategy before validation.
// Pointer fields distinguish "absent" from zero.
type Candidate struct {
	ID          string   `json:"id"`
	Domain      string   `json:"domain"`
	Type        GapType  `json:"gap_type"`
	Severity    *float64 `json:"severity"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Evidence    []string `json:"evidence"`
	Method      string   `json:"identification_method"`
	Measurement float64  `json:"measurement"`
	Threshold   float64  `json:"threshold"`
}

// Gap is a validated deficiency in the corpus.
type Gap struct {
	ID          string    `json:"id" db:"id"`
	Domain      string    `json:"domain" db:"domain"`
	Type        GapType   `json:"gap_type" db:"gap_type"`
	Severity    float64   `json:"severity" db:"severity"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	Evidence    []string  `json:"evidence"`
	Method      string    `json:"identification_method" db:"identification_method"`
	Measurement float64   `json:"measurement" db:"measurement"`
	Threshold   float64   `json:"threshold" db:"threshold"`
	DetectedAt  time.Time `json:"detected_at" db:"detected_at"`
}

// ActivityType is the kind of work an activity performs.
type ActivityType string

const (
	ActivityResearch ActivityType = "research"
	ActivityEnhance  ActivityType = "enhance"
	ActivityLink     ActivityType = "link"
	ActivityRefresh  ActivityType = "refresh"
	ActivityPromote  ActivityType = "promote"
	ActivityDeepen   ActivityType = "deepen"
)

// ActivityStatus is the per-activity execution state.
type ActivityStatus string

const (
	ActivityPending    ActivityStatus = "pending"
	ActivityInProgress ActivityStatus = "in_progress"
	ActivityCompleted  ActivityStatus = "completed"
	ActivityFailed     ActivityStatus = "failed"
)

// Dimension is a resource dimension of a budget.
type Dimension string

const (
	DimTime          Dimension = "time"
	DimComputational Dimension = "computational"
	DimInteractive   Dimension = "interactive"
)

// Dimensions lists all resource dimensions.
var Dimensions = []Dimension{DimTime, DimComputational, DimInteractive}

// Resources is an amount of abstract effort per dimension.
type Resources struct {
	Time          float64 `json:"time" yaml:"time"`
	Computational float64 `json:"computational" yaml:"computational"`
	Interactive   float64 `json:"interactive" yaml:"interactive"`
}

// Get returns the amount for one dimension.
func (r Resources) Get(d Dimension) float64 {
	switch d {
	case DimTime:
		return r.Time
	case DimComputational:
		return r.Computational
	case DimInteractive:
		return r.Interactive
	}
	return 0
}

// Add returns the per-dimension sum.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		Time:          r.Time + o.Time,
		Computational: r.Computational + o.Computational,
		Interactive:   r.Interactive + o.Interactive,
	}
}

// Total sums every dimension.
func (r Resources) Total() float64 {
	return r.Time + r.Computational + r.Interactive
}

// resourceTolerance absorbs float error in summed effort amounts.
const resourceTolerance = 1e-9

// Exceeding returns the dimensions where r is greater than limit. An amount
// equal to the limit fits.
func (r Resources) Exceeding(limit Resources) []Dimension {
	var out []Dimension
	for _, d := range Dimensions {
		if r.Get(d) > limit.Get(d)+resourceTolerance {
			out = append(out, d)
		}
	}
	return out
}

// Activity is one unit of planned work targeting exactly one gap.
type Activity struct {
	ID              string         `json:"id" db:"id"`
	Type            ActivityType   `json:"activity_type" db:"activity_type"`
	Description     string         `json:"description" db:"description"`
	TargetGapID     string         `json:"target_gap_id" db:"target_gap_id"`
	ExpectedOutcome string         `json:"expected_outcome" db:"expected_outcome"`
	Effort          Resources      `json:"estimated_effort"`
	Status          ActivityStatus `json:"status" db:"status"`
	Order           int            `json:"order" db:"ordering"`
}

// PlanStatus is the per-plan execution state.
type PlanStatus string

const (
	PlanCreated   PlanStatus = "created"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// SuccessCriterion describes what closing one gap looks like.
type SuccessCriterion struct {
	GapID     string  `json:"gap_id"`
	Metric    string  `json:"metric"`
	Direction string  `json:"direction"` // increase, decrease
	Target    float64 `json:"target"`
	Threshold float64 `json:"threshold"`
}

// Window is an activity's slot on the plan timeline, in effort units.
type Window struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Plan is a resource-bounded set of activities built to close gaps. The
// builder creates it; only the executor changes its status afterwards.
type Plan struct {
	ID                 string                      `json:"id" db:"id"`
	WorkspaceID        string                      `json:"workspace_id" db:"workspace_id"`
	Policy             string                      `json:"policy" db:"policy"`
	TargetGaps         []Gap                       `json:"target_gaps"`
	Activities         []Activity                  `json:"activities"`
	SuccessCriteria    map[string]SuccessCriterion `json:"success_criteria"`
	ResourcesRequired  Resources                   `json:"resources_required"`
	ResourcesAvailable Resources                   `json:"resources_available"`
	Timeline           map[string]Window           `json:"timeline"`
	Status             PlanStatus                  `json:"status" db:"status"`
	CreatedAt          time.Time                   `json:"created_at" db:"created_at"`
}

// Gap returns the target gap with the given id.
func (p *Plan) Gap(id string) (Gap, bool) {
	for _, g := range p.TargetGaps {
		if g.ID == id {
			return g, true
		}
	}
	return Gap{}, false
}

// ActivityIDs returns activity ids in plan order.
func (p *Plan) ActivityIDs() []string {
	ids := make([]string, len(p.Activities))
	for i, a := range p.Activities {
		ids[i] = a.ID
	}
	return ids
}

// Validate checks the plan's structural invariants: every activity targets a
// gap in the plan, activity ids are unique, and the budget covers the
// required resources.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return NewStructuralError("plan", "plan id is empty")
	}
	gaps := make(map[string]bool, len(p.TargetGaps))
	for _, g := range p.TargetGaps {
		gaps[g.ID] = true
	}
	seen := make(map[string]bool, len(p.Activities))
	for _, a := range p.Activities {
		if seen[a.ID] {
			return NewStructuralError("plan", fmt.Sprintf("duplicate activity id %s", a.ID))
		}
		seen[a.ID] = true
		if !gaps[a.TargetGapID] {
			return NewStructuralError("plan", fmt.Sprintf("activity %s targets gap %s which is not in the plan", a.ID, a.TargetGapID))
		}
	}
	if over := p.ResourcesRequired.Exceeding(p.ResourcesAvailable); len(over) > 0 {
		return &ResourceInfeasibility{Required: p.ResourcesRequired, Available: p.ResourcesAvailable, Dimensions: over}
	}
	return nil
}

// FailureCause explains why an activity failed.
type FailureCause string

const (
	CauseError   FailureCause = "error"
	CauseTimeout FailureCause = "timeout"
	CauseAborted FailureCause = "aborted"
)

// Outcome is the recorded result of one activity.
type Outcome struct {
	ActivityID  string         `json:"activity_id"`
	Status      ActivityStatus `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	StoredItems []string       `json:"stored_items,omitempty"`
	Cause       FailureCause   `json:"cause,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// ExecutionState is the transient bookkeeping for one in-flight plan. The
// executor running the plan owns it exclusively.
type ExecutionState struct {
	PlanID     string             `json:"plan_id"`
	Pending    []string           `json:"pending"`
	InProgress []string           `json:"in_progress"`
	Completed  []string           `json:"completed"`
	Failed     []string           `json:"failed"`
	Results    map[string]Outcome `json:"results"`
	Errors     []string           `json:"errors"`
	Warnings   []string           `json:"warnings"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// ExecutionResult is what the executor hands back once a plan is terminal.
type ExecutionResult struct {
	PlanID     string             `json:"plan_id"`
	Status     PlanStatus         `json:"status"`
	Completed  []string           `json:"completed"`
	Failed     []string           `json:"failed"`
	Outcomes   map[string]Outcome `json:"outcomes"`
	Errors     []string           `json:"errors"`
	Warnings   []string           `json:"warnings"`
	Aborted    bool               `json:"aborted"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// MetricImpact is the before/after comparison of one metric.
type MetricImpact struct {
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Change float64 `json:"change"`
	Impact float64 `json:"impact"`
}

// GapClosure records how far one targeted gap closed.
type GapClosure struct {
	GapID   string  `json:"gap_id"`
	Closure float64 `json:"closure"`
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Closed  bool    `json:"closed"`
}

// ImpactEvaluation is the evaluator's verdict on one executed plan.
type ImpactEvaluation struct {
	PlanID        string                  `json:"plan_id" db:"plan_id"`
	Metrics       map[string]MetricImpact `json:"metrics"`
	GapClosure    map[string]GapClosure   `json:"gap_closure_assessment"`
	OverallImpact float64                 `json:"overall_impact" db:"overall_impact"`
	EvaluatedAt   time.Time               `json:"evaluated_at" db:"evaluated_at"`
}
