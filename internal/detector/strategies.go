package detector

import (
	"fmt"
	"math"

	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// Identification methods recorded on emitted gaps.
const (
	MethodCoverageRatio = "coverage_ratio"
	MethodShallowShare  = "shallow_tier_share"
	MethodNewestAge     = "newest_item_age_days"
	MethodMeanQuality   = "mean_quality_score"
	MethodMeanDegree    = "mean_relationship_degree"
	MethodUnusedShare   = "unused_share"
)

// Directions a measurement must move for a gap to close.
const (
	Increase = "increase"
	Decrease = "decrease"
)

// Direction reports which way the measurement of a gap type has to move to
// close the gap.
func Direction(gt knowledge.GapType) string {
	switch gt {
	case knowledge.GapDepth, knowledge.GapFreshness, knowledge.GapUsage:
		return Decrease
	default:
		return Increase
	}
}

// Measurement is a strategy's detection condition evaluated for one domain.
type Measurement struct {
	Value     float64
	Threshold float64
	Holds     bool
	Evidence  []string
}

// GapID returns the deterministic id of the gap of type gt in domain.
func GapID(gt knowledge.GapType, domain string) string {
	return fmt.Sprintf("gap-%s-%s", gt, domain)
}

// Measure evaluates the detection condition of gt for one domain of the
// snapshot. ok is false when the measurement is undefined, for example a
// domain with no items or no dated items.
func (d *Detector) Measure(snap *knowledge.Snapshot, gt knowledge.GapType, domain string) (Measurement, bool) {
	th := d.opts.Thresholds
	switch gt {
	case knowledge.GapCoverage:
		dc, ok := snap.Coverage.Domains[domain]
		if !ok {
			return Measurement{}, false
		}
		return Measurement{
			Value:     dc.Ratio,
			Threshold: 1,
			Holds:     dc.Ratio < 1,
			Evidence:  []string{fmt.Sprintf("domain %s has %d items vs. expected minimum %d", domain, dc.Count, dc.Expected)},
		}, true

	case knowledge.GapDepth:
		idx := snap.Inventory.ByDomain[domain]
		if len(idx) == 0 {
			return Measurement{}, false
		}
		shallow := 0
		for _, i := range idx {
			if t := snap.Inventory.Items[i].Tier; t == knowledge.TierLow || t == knowledge.TierUnknown {
				shallow++
			}
		}
		share := float64(shallow) / float64(len(idx))
		return Measurement{
			Value:     share,
			Threshold: th.ShallowRatio,
			Holds:     share >= th.ShallowRatio && len(idx) >= th.DepthMinItems,
			Evidence:  []string{fmt.Sprintf("%d of %d items in domain %s are low or unknown quality", shallow, len(idx), domain)},
		}, true

	case knowledge.GapFreshness:
		if snap.ReferenceTime.IsZero() {
			return Measurement{}, false
		}
		var newest knowledge.Item
		found := false
		for _, i := range snap.Inventory.ByDomain[domain] {
			it := snap.Inventory.Items[i].Item
			if it.CreatedAt.IsZero() {
				continue
			}
			if !found || it.CreatedAt.After(newest.CreatedAt) {
				newest, found = it, true
			}
		}
		if !found {
			return Measurement{}, false
		}
		age := math.Max(0, snap.ReferenceTime.Sub(newest.CreatedAt).Hours()/24)
		maxAge := float64(th.FreshnessMaxAgeDays)
		return Measurement{
			Value:     round2(age),
			Threshold: maxAge,
			Holds:     age > maxAge,
			Evidence:  []string{fmt.Sprintf("newest item %s in domain %s is %.0f days old (limit %d)", newest.ID, domain, age, th.FreshnessMaxAgeDays)},
		}, true

	case knowledge.GapQuality:
		idx := snap.Inventory.ByDomain[domain]
		if len(idx) == 0 {
			return Measurement{}, false
		}
		total := 0
		for _, i := range idx {
			total += snap.Inventory.Items[i].Score
		}
		mean := float64(total) / float64(len(idx))
		return Measurement{
			Value:     round2(mean),
			Threshold: th.QualityMinScore,
			Holds:     mean < th.QualityMinScore,
			Evidence:  []string{fmt.Sprintf("mean quality score in domain %s is %.2f (minimum %.2f)", domain, mean, th.QualityMinScore)},
		}, true

	case knowledge.GapRelationship:
		idx := snap.Inventory.ByDomain[domain]
		if len(idx) == 0 {
			return Measurement{}, false
		}
		total := 0
		for _, i := range idx {
			total += snap.Relationships.Degree[i]
		}
		mean := float64(total) / float64(len(idx))
		return Measurement{
			Value:     round2(mean),
			Threshold: th.RelationshipMinDegree,
			Holds:     mean < th.RelationshipMinDegree,
			Evidence:  []string{fmt.Sprintf("mean relationship degree in domain %s is %.2f (minimum %.2f)", domain, mean, th.RelationshipMinDegree)},
		}, true

	case knowledge.GapUsage:
		idx := snap.Inventory.ByDomain[domain]
		if len(idx) == 0 {
			return Measurement{}, false
		}
		unused := 0
		for _, i := range idx {
			if snap.Usage.ByItem[i] == knowledge.UsageUnused {
				unused++
			}
		}
		share := float64(unused) / float64(len(idx))
		return Measurement{
			Value:     share,
			Threshold: th.UsageMaxUnusedRatio,
			Holds:     share >= th.UsageMaxUnusedRatio,
			Evidence:  []string{fmt.Sprintf("%d of %d items in domain %s were never accessed or referenced", unused, len(idx), domain)},
		}, true
	}
	return Measurement{}, false
}

// runStrategy evaluates one strategy over every candidate domain.
func (d *Detector) runStrategy(snap *knowledge.Snapshot, gt knowledge.GapType) ([]knowledge.Candidate, error) {
	var domains []string
	switch gt {
	case knowledge.GapCoverage:
		domains = snap.Coverage.UnderCovered
	case knowledge.GapDepth, knowledge.GapFreshness, knowledge.GapQuality, knowledge.GapRelationship, knowledge.GapUsage:
		domains = snap.Inventory.Domains()
	default:
		return nil, knowledge.NewStructuralError("detector", fmt.Sprintf("unknown strategy %q", gt))
	}

	var out []knowledge.Candidate
	for _, domain := range domains {
		m, ok := d.Measure(snap, gt, domain)
		if !ok || !m.Holds {
			continue
		}
		severity := severityFor(gt, m)
		c := knowledge.Candidate{
			ID:          GapID(gt, domain),
			Domain:      domain,
			Type:        gt,
			Severity:    &severity,
			Evidence:    m.Evidence,
			Method:      methodFor(gt),
			Measurement: m.Value,
			Threshold:   m.Threshold,
		}
		conf := d.scorer.Score(snap, c)
		c.Confidence = &conf
		out = append(out, c)
	}
	return out, nil
}

// severityFor maps how far a measurement is past its threshold onto [0,1].
func severityFor(gt knowledge.GapType, m Measurement) float64 {
	var s float64
	switch gt {
	case knowledge.GapCoverage:
		s = 1 - m.Value
	case knowledge.GapDepth, knowledge.GapUsage:
		s = m.Value
	case knowledge.GapFreshness:
		if m.Threshold <= 0 {
			s = 1
		} else {
			s = (m.Value - m.Threshold) / m.Threshold
		}
	case knowledge.GapQuality, knowledge.GapRelationship:
		if m.Threshold <= 0 {
			s = 0
		} else {
			s = (m.Threshold - m.Value) / m.Threshold
		}
	}
	return round2(clamp01(s))
}

func methodFor(gt knowledge.GapType) string {
	switch gt {
	case knowledge.GapCoverage:
		return MethodCoverageRatio
	case knowledge.GapDepth:
		return MethodShallowShare
	case knowledge.GapFreshness:
		return MethodNewestAge
	case knowledge.GapQuality:
		return MethodMeanQuality
	case knowledge.GapRelationship:
		return MethodMeanDegree
	case knowledge.GapUsage:
		return MethodUnusedShare
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
