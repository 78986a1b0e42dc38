package evaluator

import (
	"sort"

	"github.com/sbenjam1n/kgap/internal/detector"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"go.uber.org/zap"
)

// Metric names.
const (
	MetricCoverage     = "coverage"
	MetricQuality      = "quality"
	MetricUsage        = "usage"
	MetricSatisfaction = "satisfaction"
)

const maxQualityScore = 5.0

var metricOrder = []string{MetricCoverage, MetricQuality, MetricUsage, MetricSatisfaction}

// Measurer re-evaluates a gap's detection condition on a snapshot.
// *detector.Detector implements it.
type Measurer interface {
	Measure(snap *knowledge.Snapshot, gt knowledge.GapType, domain string) (detector.Measurement, bool)
}

// Evaluator compares snapshots taken before and after a plan ran.
type Evaluator struct {
	measurer Measurer
	logger   *zap.Logger
}

// New creates a new Evaluator.
func New(m Measurer, logger *zap.Logger) *Evaluator {
	return &Evaluator{measurer: m, logger: logging.OrNop(logger)}
}

// Evaluate scores the change between before and after. It reads nothing but
// its arguments, so evaluating the same inputs twice gives the same result.
// result may be nil, in which case satisfaction is omitted.
func (e *Evaluator) Evaluate(plan *knowledge.Plan, before, after *knowledge.Snapshot, result *knowledge.ExecutionResult) (*knowledge.ImpactEvaluation, error) {
	if plan == nil {
		return nil, knowledge.NewStructuralError("evaluator", "plan is nil")
	}
	if before == nil || after == nil {
		return nil, knowledge.NewStructuralError("evaluator", "before and after snapshots are required")
	}

	ev := &knowledge.ImpactEvaluation{
		PlanID:      plan.ID,
		Metrics:     make(map[string]knowledge.MetricImpact),
		GapClosure:  make(map[string]knowledge.GapClosure, len(plan.TargetGaps)),
		EvaluatedAt: after.TakenAt,
	}

	metrics := map[string]func(*knowledge.Snapshot) (float64, bool){
		MetricCoverage: coverageMetric,
		MetricQuality:  qualityMetric,
		MetricUsage:    usageMetric,
	}
	for name, fn := range metrics {
		b, okB := fn(before)
		a, okA := fn(after)
		if okB && okA {
			ev.Metrics[name] = compare(b, a)
		}
	}
	if result != nil && len(plan.Activities) > 0 {
		done := float64(len(result.Completed)) / float64(len(plan.Activities))
		ev.Metrics[MetricSatisfaction] = compare(0, done)
	}

	if len(ev.Metrics) > 0 {
		total := 0.0
		for _, name := range metricOrder {
			if m, ok := ev.Metrics[name]; ok {
				total += m.Impact
			}
		}
		ev.OverallImpact = total / float64(len(ev.Metrics))
	}

	for _, g := range plan.TargetGaps {
		ev.GapClosure[g.ID] = e.closure(g, before, after)
	}

	e.logger.Info("impact evaluated",
		zap.String("plan_id", plan.ID),
		zap.Int("metrics", len(ev.Metrics)),
		zap.Float64("overall_impact", ev.OverallImpact),
	)
	return ev, nil
}

// closure measures how far g moved from its measurement on before toward
// its threshold. The detection-time measurement stands in when before has
// none. It is 1 only when the condition no longer holds.
func (e *Evaluator) closure(g knowledge.Gap, before, after *knowledge.Snapshot) knowledge.GapClosure {
	gc := knowledge.GapClosure{GapID: g.ID, Before: g.Measurement, After: g.Measurement}
	if e.measurer == nil {
		return gc
	}
	if mb, ok := e.measurer.Measure(before, g.Type, g.Domain); ok {
		gc.Before, gc.After = mb.Value, mb.Value
	}
	m, ok := e.measurer.Measure(after, g.Type, g.Domain)
	if !ok {
		return gc
	}
	gc.After = m.Value
	if !m.Holds {
		gc.Closure, gc.Closed = 1, true
		return gc
	}
	span := g.Threshold - gc.Before
	if span == 0 {
		return gc
	}
	progress := clamp((m.Value-gc.Before)/span, 0, 1)
	if progress >= 1 {
		progress = 0.99
	}
	gc.Closure = progress
	return gc
}

// compare computes change and headroom-normalized impact in [-1,1].
func compare(before, after float64) knowledge.MetricImpact {
	change := after - before
	impact := 0.0
	switch {
	case change > 0 && before < 1:
		impact = change / (1 - before)
	case change < 0 && before > 0:
		impact = change / before
	}
	return knowledge.MetricImpact{Before: before, After: after, Change: change, Impact: clamp(impact, -1, 1)}
}

func coverageMetric(s *knowledge.Snapshot) (float64, bool) {
	if len(s.Coverage.Domains) == 0 {
		return 0, false
	}
	domains := make([]string, 0, len(s.Coverage.Domains))
	for d := range s.Coverage.Domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	total := 0.0
	for _, d := range domains {
		total += s.Coverage.Domains[d].Ratio
	}
	return total / float64(len(s.Coverage.Domains)), true
}

func qualityMetric(s *knowledge.Snapshot) (float64, bool) {
	n := s.Inventory.Total()
	if n == 0 {
		return 0, false
	}
	total := 0
	for _, ai := range s.Inventory.Items {
		total += ai.Score
	}
	return float64(total) / float64(n) / maxQualityScore, true
}

func usageMetric(s *knowledge.Snapshot) (float64, bool) {
	n := len(s.Usage.ByItem)
	if n == 0 {
		return 0, false
	}
	used := 0
	for _, b := range s.Usage.ByItem {
		if b != knowledge.UsageUnused {
			used++
		}
	}
	return float64(used) / float64(n), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
