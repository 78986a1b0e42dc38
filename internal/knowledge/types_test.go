package knowledge

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPlanValidate(t *testing.T) {
	base := func() *Plan {
		return &Plan{
			ID:         "plan-1",
			TargetGaps: []Gap{{ID: "gap-coverage-security", Domain: "security", Type: GapCoverage}},
			Activities: []Activity{
				{ID: "act-1", TargetGapID: "gap-coverage-security", Effort: Resources{Time: 2}},
			},
			ResourcesRequired:  Resources{Time: 2},
			ResourcesAvailable: Resources{Time: 5},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	orphan := base()
	orphan.Activities = append(orphan.Activities, Activity{ID: "act-2", TargetGapID: "gap-missing"})
	var se *StructuralError
	if err := orphan.Validate(); !errors.As(err, &se) {
		t.Errorf("orphan activity: want StructuralError, got %v", err)
	}

	dup := base()
	dup.Activities = append(dup.Activities, dup.Activities[0])
	if err := dup.Validate(); !errors.As(err, &se) {
		t.Errorf("duplicate activity: want StructuralError, got %v", err)
	}

	over := base()
	over.ResourcesRequired = Resources{Time: 10}
	var ri *ResourceInfeasibility
	err := over.Validate()
	if !errors.As(err, &ri) {
		t.Fatalf("over budget: want ResourceInfeasibility, got %v", err)
	}
	if len(ri.Dimensions) != 1 || ri.Dimensions[0] != DimTime {
		t.Errorf("over budget dimensions: got %v", ri.Dimensions)
	}
	if !strings.Contains(err.Error(), "time requires 10.00 but only 5.00 available") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestResourcesExceeding(t *testing.T) {
	tests := []struct {
		name  string
		r     Resources
		limit Resources
		want  int
	}{
		{"within", Resources{Time: 1, Computational: 1}, Resources{Time: 1, Computational: 2}, 0},
		{"time over", Resources{Time: 3}, Resources{Time: 2, Interactive: 9}, 1},
		{"all over", Resources{Time: 1, Computational: 1, Interactive: 1}, Resources{}, 3},
		{"equal after float sum", Resources{Time: 0.1 + 0.2, Interactive: 4.56 + 4.56}, Resources{Time: 0.3, Interactive: 9.12}, 0},
		{"just over", Resources{Time: 0.31}, Resources{Time: 0.3}, 1},
	}
	for _, tt := range tests {
		if got := tt.r.Exceeding(tt.limit); len(got) != tt.want {
			t.Errorf("%s: Exceeding = %v, want %d dimensions", tt.name, got, tt.want)
		}
	}
}

func TestCorpusValidate(t *testing.T) {
	var nilCorpus *Corpus
	if err := nilCorpus.Validate(); err == nil {
		t.Error("nil corpus should fail")
	}

	c := &Corpus{Decisions: []Item{}, Patterns: []Item{}}
	err := c.Validate()
	var se *StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("missing links: want StructuralError, got %v", err)
	}
	if !strings.Contains(se.Reason, "links") {
		t.Errorf("reason should name the missing collection: %s", se.Reason)
	}

	c.Links = []Relationship{}
	if err := c.Validate(); err != nil {
		t.Errorf("empty collections are valid: %v", err)
	}
}

func TestCorpusItemsAndReferenceTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Corpus{
		Decisions: []Item{{ID: "d1", CreatedAt: t0}},
		Patterns:  []Item{{ID: "p1", CreatedAt: t0.Add(48 * time.Hour)}},
		Custom:    []Item{{ID: "n1", Type: ItemNote, CreatedAt: t0.Add(time.Hour)}},
		Links:     []Relationship{},
	}

	items := c.Items()
	if len(items) != 3 {
		t.Fatalf("want 3 items, got %d", len(items))
	}
	if items[0].Type != ItemDecision || items[1].Type != ItemPattern || items[2].Type != ItemNote {
		t.Errorf("types not defaulted from collection: %v %v %v", items[0].Type, items[1].Type, items[2].Type)
	}

	if got := c.ReferenceTime(); !got.Equal(t0.Add(48 * time.Hour)) {
		t.Errorf("reference time should be newest item, got %v", got)
	}
	c.AsOf = t0
	if got := c.ReferenceTime(); !got.Equal(t0) {
		t.Errorf("reference time should honour AsOf, got %v", got)
	}
}

func TestParseGapType(t *testing.T) {
	for _, gt := range GapTypes {
		got, err := ParseGapType(string(gt))
		if err != nil || got != gt {
			t.Errorf("ParseGapType(%q) = %v, %v", gt, got, err)
		}
	}
	if _, err := ParseGapType("vibes"); err == nil {
		t.Error("unknown gap type should fail")
	}
}

func TestActivityFailureUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&ActivityFailure{ActivityID: "act-1", Cause: CauseError, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("ActivityFailure should unwrap to its cause")
	}
	wrapped := &StructuralError{Stage: "executor", Reason: "write-back", Err: ErrUnrecoverable}
	if !errors.Is(wrapped, ErrUnrecoverable) {
		t.Error("StructuralError should unwrap to ErrUnrecoverable")
	}
}
