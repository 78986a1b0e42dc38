package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sbenjam1n/kgap/internal/executor"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"github.com/sbenjam1n/kgap/internal/repository"
	"github.com/sbenjam1n/kgap/internal/siblings"
	"github.com/sbenjam1n/kgap/internal/validator"
	"go.uber.org/zap"
)

// LinkKind is the relationship kind the runner gives links from an acquired
// item to the items it builds on.
const LinkKind = "builds_on"

const maxRelated = 5

// Runner is the default activity runner. Each activity asks the synthesizer
// for a new item in the gap's domain, validates it and writes it back to the
// corpus. Link and promote activities also link the new item to the least
// used items of the domain.
type Runner struct {
	reader    repository.Reader
	writer    repository.Writer
	siblings  *siblings.Client
	validator *validator.Validator
	logger    *zap.Logger
}

// NewRunner creates a Runner. reader may be nil, in which case the
// synthesizer gets no related items. A nil client uses the local siblings.
func NewRunner(reader repository.Reader, writer repository.Writer, client *siblings.Client, logger *zap.Logger) *Runner {
	if client == nil {
		client = siblings.NewLocalClient(nil, logger)
	}
	return &Runner{
		reader:    reader,
		writer:    writer,
		siblings:  client,
		validator: validator.New(),
		logger:    logging.OrNop(logger),
	}
}

// RunActivity implements executor.ActivityRunner. A write-back failure of
// the backend wraps knowledge.ErrUnrecoverable.
func (r *Runner) RunActivity(ctx context.Context, plan *knowledge.Plan, a knowledge.Activity) (executor.RunResult, error) {
	gap, ok := plan.Gap(a.TargetGapID)
	if !ok {
		return executor.RunResult{}, fmt.Errorf("activity %s: gap %s is not in plan %s", a.ID, a.TargetGapID, plan.ID)
	}
	if r.writer == nil {
		return executor.RunResult{}, fmt.Errorf("activity %s: no corpus writer configured", a.ID)
	}

	related, err := r.related(ctx, plan.WorkspaceID, gap.Domain)
	if err != nil {
		return executor.RunResult{}, fmt.Errorf("load related items for %s: %w", gap.Domain, err)
	}

	var detail []string
	if applied := r.siblings.Apply(ctx, gap); applied.Success {
		names := make([]string, len(applied.Strategies))
		for i, s := range applied.Strategies {
			names[i] = s.Name
		}
		detail = append(detail, "strategies: "+strings.Join(names, ", "))
	}

	syn := r.siblings.Synthesize(ctx, gap, related)
	if !syn.Success {
		return executor.RunResult{}, fmt.Errorf("synthesize for gap %s: %s", gap.ID, syn.Error)
	}
	item := syn.Item
	if res := r.validator.ValidateItem(item); !res.Passed {
		return executor.RunResult{}, &knowledge.ValidationRejection{Subject: "item " + item.ID, Result: res}
	}

	written, err := r.writer.Store(ctx, plan.WorkspaceID, []knowledge.Item{item})
	if err != nil {
		return executor.RunResult{}, fmt.Errorf("store item %s: %w: %w", item.ID, knowledge.ErrUnrecoverable, err)
	}
	if len(written.Errors) > 0 {
		return executor.RunResult{}, fmt.Errorf("store item %s: %s", item.ID, written.Errors[0].Reason)
	}
	detail = append(detail, "stored "+item.ID)

	if a.Type == knowledge.ActivityLink || a.Type == knowledge.ActivityPromote {
		n, err := r.link(ctx, plan.WorkspaceID, item, related)
		if err != nil {
			return executor.RunResult{StoredItems: written.Stored}, fmt.Errorf("link item %s: %w", item.ID, err)
		}
		if n > 0 {
			detail = append(detail, fmt.Sprintf("linked to %d items", n))
		}
	}

	r.logger.Debug("activity ran",
		zap.String("plan_id", plan.ID),
		zap.String("activity_id", a.ID),
		zap.String("item_id", item.ID),
	)
	return executor.RunResult{Detail: strings.Join(detail, "; "), StoredItems: written.Stored}, nil
}

// related returns up to maxRelated items of the domain, least used first.
func (r *Runner) related(ctx context.Context, workspaceID, domain string) ([]knowledge.Item, error) {
	if r.reader == nil {
		return nil, nil
	}
	corpus, err := r.reader.Load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var out []knowledge.Item
	for _, it := range corpus.Items() {
		if it.DomainOrDefault() == domain {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ui := out[i].AccessCount + out[i].ReferenceCount
		uj := out[j].AccessCount + out[j].ReferenceCount
		if ui != uj {
			return ui < uj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > maxRelated {
		out = out[:maxRelated]
	}
	return out, nil
}

// link records explicit links from item to related when the writer supports
// it, and returns how many it asked for.
func (r *Runner) link(ctx context.Context, workspaceID string, item knowledge.Item, related []knowledge.Item) (int, error) {
	lw, ok := r.writer.(repository.LinkWriter)
	if !ok || len(related) == 0 {
		return 0, nil
	}
	links := make([]knowledge.Relationship, len(related))
	for i, rel := range related {
		links[i] = knowledge.Relationship{Source: item.ID, Target: rel.ID, Kind: LinkKind, Strength: 1.0}
	}
	if err := lw.StoreLinks(ctx, workspaceID, links); err != nil {
		return 0, err
	}
	return len(links), nil
}
