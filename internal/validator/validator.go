package validator

import (
	"fmt"
	"math"
	"strings"

	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// Rejection codes. Zero means the record passed.
const (
	CodeMissingID       = 1
	CodeMissingDomain   = 2
	CodeMissingSeverity = 3
	CodeSeverityRange   = 4
	CodeConfidenceRange = 5
	CodeMissingSummary  = 6
	CodeUnknownType     = 7
)

// Validator runs Tier 0 (required fields) and Tier 1 (value ranges) checks on
// gap candidates and acquired knowledge records. Missing optional context is
// reported as a warning rather than a rejection.
type Validator struct{}

// New creates a new Validator.
func New() *Validator {
	return &Validator{}
}

// ValidateCandidate checks a raw gap candidate and, when it passes, converts
// it into a Gap.
func (v *Validator) ValidateCandidate(c knowledge.Candidate) (knowledge.Gap, knowledge.ValidationResult) {
	result := knowledge.ValidationResult{Passed: true}

	// Tier 0: required fields.
	if strings.TrimSpace(c.ID) == "" {
		reject(&result, CodeMissingID, "gap candidate has no id", knowledge.ValidationDetail{
			Check:    "id_present",
			Expected: "non-empty id",
			Got:      "empty",
			Fix:      "Emit a deterministic id of the form gap-<type>-<domain>.",
		})
	}
	if strings.TrimSpace(c.Domain) == "" {
		reject(&result, CodeMissingDomain, fmt.Sprintf("gap candidate %s has no domain", c.ID), knowledge.ValidationDetail{
			Check:    "domain_present",
			Expected: "non-empty domain",
			Got:      "empty",
			Fix:      fmt.Sprintf("Set domain on candidate %s; use %q for items without one.", c.ID, knowledge.UncategorizedDomain),
		})
	}
	if c.Severity == nil || math.IsNaN(*c.Severity) {
		reject(&result, CodeMissingSeverity, fmt.Sprintf("gap candidate %s has no numeric severity", c.ID), knowledge.ValidationDetail{
			Check:    "severity_present",
			Expected: "numeric severity",
			Got:      "missing",
			Fix:      "Compute severity in [0,1] from the detection condition.",
		})
	}
	if !result.Passed {
		return knowledge.Gap{}, result
	}

	// Tier 1: ranges.
	if s := *c.Severity; s < 0 || s > 1 {
		reject(&result, CodeSeverityRange, fmt.Sprintf("gap candidate %s severity out of range", c.ID), knowledge.ValidationDetail{
			Check:    "severity_range",
			Expected: "0 <= severity <= 1",
			Got:      fmt.Sprintf("%g", s),
			Fix:      "Clamp severity to [0,1].",
		})
	}
	if c.Confidence != nil {
		if cf := *c.Confidence; math.IsNaN(cf) || cf < 0 || cf > 1 {
			reject(&result, CodeConfidenceRange, fmt.Sprintf("gap candidate %s confidence out of range", c.ID), knowledge.ValidationDetail{
				Check:    "confidence_range",
				Expected: "0 <= confidence <= 1",
				Got:      fmt.Sprintf("%g", cf),
				Fix:      "Return a confidence in [0,1] from the scorer, or omit it.",
			})
		}
	}
	if _, err := knowledge.ParseGapType(string(c.Type)); err != nil {
		reject(&result, CodeUnknownType, fmt.Sprintf("gap candidate %s has unknown type %q", c.ID, c.Type), knowledge.ValidationDetail{
			Check:    "gap_type",
			Expected: "one of coverage, depth, freshness, quality, relationship, usage",
			Got:      string(c.Type),
			Fix:      "Emit candidates only from the built-in strategies.",
		})
	}
	if !result.Passed {
		return knowledge.Gap{}, result
	}

	if c.Method == "" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("gap %s has no identification method", c.ID))
	}
	if len(c.Evidence) == 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("gap %s has no evidence", c.ID))
	}

	gap := knowledge.Gap{
		ID:          c.ID,
		Domain:      c.Domain,
		Type:        c.Type,
		Severity:    *c.Severity,
		Evidence:    append([]string(nil), c.Evidence...),
		Method:      c.Method,
		Measurement: c.Measurement,
		Threshold:   c.Threshold,
	}
	if c.Confidence != nil {
		gap.Confidence = *c.Confidence
	}
	result.Message = "gap candidate passed"
	return gap, result
}

// ValidateItem checks a knowledge record before it is written to the corpus.
func (v *Validator) ValidateItem(it knowledge.Item) knowledge.ValidationResult {
	result := knowledge.ValidationResult{Passed: true}

	if strings.TrimSpace(it.ID) == "" {
		reject(&result, CodeMissingID, "knowledge item has no id", knowledge.ValidationDetail{
			Check:    "id_present",
			Expected: "non-empty id",
			Got:      "empty",
			Fix:      "Assign a uuid before storing the item.",
		})
	}
	if strings.TrimSpace(it.Domain) == "" {
		reject(&result, CodeMissingDomain, fmt.Sprintf("knowledge item %s has no domain", it.ID), knowledge.ValidationDetail{
			Check:    "domain_present",
			Expected: "non-empty domain",
			Got:      "empty",
			Fix:      "Set the domain of the gap the item was acquired for.",
		})
	}
	if strings.TrimSpace(it.Summary) == "" {
		reject(&result, CodeMissingSummary, fmt.Sprintf("knowledge item %s has no summary", it.ID), knowledge.ValidationDetail{
			Check:    "summary_present",
			Expected: "non-empty summary",
			Got:      "empty",
			Fix:      "Provide at least a one-line summary.",
		})
	}
	switch it.Type {
	case knowledge.ItemDecision, knowledge.ItemPattern, knowledge.ItemNote, knowledge.ItemCustom:
	default:
		reject(&result, CodeUnknownType, fmt.Sprintf("knowledge item %s has unknown type %q", it.ID, it.Type), knowledge.ValidationDetail{
			Check:    "item_type",
			Expected: "decision, pattern, note or custom",
			Got:      string(it.Type),
			Fix:      "Pick one of the known item types.",
		})
	}
	if it.Confidence != nil {
		if cf := *it.Confidence; math.IsNaN(cf) || cf < 0 || cf > 1 {
			reject(&result, CodeConfidenceRange, fmt.Sprintf("knowledge item %s confidence out of range", it.ID), knowledge.ValidationDetail{
				Check:    "confidence_range",
				Expected: "0 <= confidence <= 1",
				Got:      fmt.Sprintf("%g", cf),
				Fix:      "Clamp confidence to [0,1] or omit it.",
			})
		}
	}
	if !result.Passed {
		return result
	}

	if len(it.Tags) == 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("knowledge item %s has no tags", it.ID))
	}
	if it.CreatedAt.IsZero() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("knowledge item %s has no creation time", it.ID))
	}
	result.Message = "knowledge item passed"
	return result
}

// Briefing renders a failed result as a single agent-actionable string.
func Briefing(result knowledge.ValidationResult) string {
	briefing := fmt.Sprintf("REJECTION (Code %d)\n%s", result.Code, result.Message)
	for _, d := range result.Details {
		if !d.Passed {
			briefing += fmt.Sprintf("\n  Check: %s | Expected: %s | Got: %s", d.Check, d.Expected, d.Got)
			if d.Fix != "" {
				briefing += fmt.Sprintf("\n  Fix: %s", d.Fix)
			}
		}
	}
	return briefing
}

// reject records a failing check. The first failure sets the result's code
// and message; later ones only add details.
func reject(result *knowledge.ValidationResult, code int, message string, detail knowledge.ValidationDetail) {
	if result.Passed {
		result.Passed = false
		result.Code = code
		result.Message = message
	}
	detail.Passed = false
	result.Details = append(result.Details, detail)
}
