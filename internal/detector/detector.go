package detector

import (
	"context"
	"fmt"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"github.com/sbenjam1n/kgap/internal/validator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Thresholds parameterize the strategies.
type Thresholds struct {
	ShallowRatio          float64
	DepthMinItems         int
	FreshnessMaxAgeDays   int
	QualityMinScore       float64
	RelationshipMinDegree float64
	UsageMaxUnusedRatio   float64
}

// DefaultThresholds returns the stock strategy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ShallowRatio:          0.5,
		DepthMinItems:         2,
		FreshnessMaxAgeDays:   90,
		QualityMinScore:       2.0,
		RelationshipMinDegree: 1.0,
		UsageMaxUnusedRatio:   0.6,
	}
}

// Options configures a Detector.
type Options struct {
	// Strategies enabled, in any order. Empty enables all of them.
	Strategies []knowledge.GapType
	Thresholds Thresholds
	// Scorer assigns confidence to candidates. Defaults to EvidenceScorer.
	Scorer ConfidenceScorer
}

// ConfidenceScorer assigns a confidence in [0,1] to a gap candidate.
type ConfidenceScorer interface {
	Score(snap *knowledge.Snapshot, c knowledge.Candidate) float64
}

// EvidenceScorer grows confidence with the number of items observed in the
// gap's domain: 0.5 with no items, approaching 1 as the domain fills up.
type EvidenceScorer struct{}

func (EvidenceScorer) Score(snap *knowledge.Snapshot, c knowledge.Candidate) float64 {
	n := float64(len(snap.Inventory.ByDomain[c.Domain]))
	return round2(0.5 + 0.5*(n/(n+1)))
}

// Rejection is a candidate the validator refused.
type Rejection struct {
	CandidateID string                     `json:"candidate_id"`
	Result      knowledge.ValidationResult `json:"result"`
}

// Report is the outcome of one detection pass.
type Report struct {
	Gaps     []knowledge.Gap `json:"gaps"`
	Rejected []Rejection     `json:"rejected,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Diagnostics returns the rejection briefings followed by validation warnings.
func (r *Report) Diagnostics() []string {
	out := make([]string, 0, len(r.Rejected)+len(r.Warnings))
	for _, rej := range r.Rejected {
		out = append(out, validator.Briefing(rej.Result))
	}
	return append(out, r.Warnings...)
}

// Detector runs the enabled strategies over a snapshot.
type Detector struct {
	opts      Options
	validator *validator.Validator
	scorer    ConfidenceScorer
	logger    *zap.Logger
}

// New creates a new Detector.
func New(opts Options, logger *zap.Logger) *Detector {
	if len(opts.Strategies) == 0 {
		opts.Strategies = knowledge.GapTypes
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = EvidenceScorer{}
	}
	return &Detector{
		opts:      opts,
		validator: validator.New(),
		scorer:    scorer,
		logger:    logging.OrNop(logger),
	}
}

// Detect runs every enabled strategy in parallel and validates the
// candidates. Output is ordered by strategy, then domain, whatever order the
// strategies finish in.
func (d *Detector) Detect(ctx context.Context, snap *knowledge.Snapshot) (*Report, error) {
	if snap == nil {
		return nil, knowledge.NewStructuralError("detector", "snapshot is nil")
	}

	enabled := d.enabled()
	results := make([][]knowledge.Candidate, len(enabled))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, gt := range enabled {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			cands, err := d.runStrategy(snap, gt)
			if err != nil {
				return fmt.Errorf("run %s strategy: %w", gt, err)
			}
			results[i] = cands
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Gaps: []knowledge.Gap{}}
	for _, cands := range results {
		for _, c := range cands {
			gap, res := d.validator.ValidateCandidate(c)
			if !res.Passed {
				report.Rejected = append(report.Rejected, Rejection{CandidateID: c.ID, Result: res})
				d.logger.Warn("gap candidate rejected",
					zap.String("candidate_id", c.ID),
					zap.Int("code", res.Code),
					zap.String("reason", res.Message),
				)
				continue
			}
			report.Warnings = append(report.Warnings, res.Warnings...)
			gap.DetectedAt = snap.TakenAt
			report.Gaps = append(report.Gaps, gap)
		}
	}

	d.logger.Info("gaps identified",
		zap.String("workspace_id", snap.WorkspaceID),
		zap.Int("gaps", len(report.Gaps)),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}

// enabled returns the configured strategies in canonical detection order.
func (d *Detector) enabled() []knowledge.GapType {
	want := make(map[knowledge.GapType]bool, len(d.opts.Strategies))
	for _, gt := range d.opts.Strategies {
		want[gt] = true
	}
	out := make([]knowledge.GapType, 0, len(want))
	for _, gt := range knowledge.GapTypes {
		if want[gt] {
			out = append(out, gt)
			delete(want, gt)
		}
	}
	// Anything left is unknown; runStrategy rejects it.
	for _, gt := range d.opts.Strategies {
		if want[gt] {
			out = append(out, gt)
			delete(want, gt)
		}
	}
	return out
}
