package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnrecoverable marks an error that must stop plan execution, such as a
// corpus write-back that cannot be retried.
var ErrUnrecoverable = errors.New("unrecoverable")

// StructuralError reports malformed input to a pipeline stage. It is fatal to
// the current operation and never retried.
type StructuralError struct {
	Stage  string
	Reason string
	Err    error
}

// NewStructuralError builds a StructuralError without a wrapped cause.
func NewStructuralError(stage, reason string) *StructuralError {
	return &StructuralError{Stage: stage, Reason: reason}
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: structural error: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: structural error: %s", e.Stage, e.Reason)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// ValidationRejection reports a record that failed validation. The batch it
// belonged to carries on without it.
type ValidationRejection struct {
	Subject string
	Result  ValidationResult
}

func (e *ValidationRejection) Error() string {
	return fmt.Sprintf("validation rejected %s: %s", e.Subject, e.Result.Message)
}

// ResourceInfeasibility reports that no plan fits the available budget.
type ResourceInfeasibility struct {
	Required   Resources
	Available  Resources
	Dimensions []Dimension
}

func (e *ResourceInfeasibility) Error() string {
	parts := make([]string, 0, len(e.Dimensions))
	for _, d := range e.Dimensions {
		parts = append(parts, fmt.Sprintf("%s requires %.2f but only %.2f available", d, e.Required.Get(d), e.Available.Get(d)))
	}
	return "resource infeasible: " + strings.Join(parts, "; ")
}

// ActivityFailure reports one activity that failed or timed out.
type ActivityFailure struct {
	ActivityID string
	Cause      FailureCause
	Err        error
}

func (e *ActivityFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("activity %s failed (%s)", e.ActivityID, e.Cause)
	}
	return fmt.Sprintf("activity %s failed (%s): %v", e.ActivityID, e.Cause, e.Err)
}

func (e *ActivityFailure) Unwrap() error { return e.Err }

// SiblingUnavailable reports a best-effort integration call that could not
// be served.
type SiblingUnavailable struct {
	Sibling string
	Err     error
}

func (e *SiblingUnavailable) Error() string {
	return fmt.Sprintf("sibling %s unavailable: %v", e.Sibling, e.Err)
}

func (e *SiblingUnavailable) Unwrap() error { return e.Err }

// ValidationResult is the outcome of validating one record.
type ValidationResult struct {
	Passed   bool               `json:"passed"`
	Code     int                `json:"code"`
	Message  string             `json:"message"`
	Details  []ValidationDetail `json:"details,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

// ValidationDetail describes a single validation check.
type ValidationDetail struct {
	Check    string `json:"check"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected,omitempty"`
	Got      string `json:"got,omitempty"`
	Fix      string `json:"fix,omitempty"` // set for every failing check
}
