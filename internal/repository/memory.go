package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// Memory keeps everything in process. It is used by tests and demos.
type Memory struct {
	mu          sync.RWMutex
	workspaces  map[string]*memWorkspace
	plans       map[string][]byte
	evaluations map[string][]byte
}

type memWorkspace struct {
	asOf  time.Time
	items map[string]knowledge.Item
	links []knowledge.Relationship
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		workspaces:  make(map[string]*memWorkspace),
		plans:       make(map[string][]byte),
		evaluations: make(map[string][]byte),
	}
}

// Seed replaces the contents of a workspace with c. Items keep the type of
// the collection they appear in.
func (m *Memory) Seed(c *Corpus) {
	ws := &memWorkspace{
		asOf:  c.AsOf,
		items: make(map[string]knowledge.Item),
		links: append([]knowledge.Relationship(nil), c.Links...),
	}
	for _, it := range c.Items() {
		ws.items[it.ID] = copyItem(it)
	}
	m.mu.Lock()
	m.workspaces[c.WorkspaceID] = ws
	m.mu.Unlock()
}

// Load returns a copy of the workspace corpus. An unknown workspace is empty.
func (m *Memory) Load(ctx context.Context, workspaceID string) (*Corpus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := newCorpus(workspaceID)
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return c, nil
	}
	c.AsOf = ws.asOf
	for _, it := range ws.items {
		place(c, copyItem(it))
	}
	sortItems(c.Decisions)
	sortItems(c.Patterns)
	sortItems(c.Custom)
	c.Links = append(c.Links, ws.links...)
	sortLinks(c.Links)
	return c, nil
}

// Store appends items to the workspace.
func (m *Memory) Store(ctx context.Context, workspaceID string, items []knowledge.Item) (WriteResult, error) {
	var result WriteResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	valid := validateBatch(items, &result)

	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		ws = &memWorkspace{items: make(map[string]knowledge.Item)}
		m.workspaces[workspaceID] = ws
	}
	for _, it := range valid {
		if _, exists := ws.items[it.ID]; exists {
			result.fail(it.ID, alreadyExists(it.ID))
			continue
		}
		ws.items[it.ID] = copyItem(it)
		result.Stored = append(result.Stored, it.ID)
	}
	return result, nil
}

// StoreLinks adds links to the workspace.
func (m *Memory) StoreLinks(ctx context.Context, workspaceID string, links []knowledge.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		ws = &memWorkspace{items: make(map[string]knowledge.Item)}
		m.workspaces[workspaceID] = ws
	}
	ws.links = mergeLinks(ws.links, links)
	return nil
}

// SavePlan stores a copy of plan, replacing any earlier version.
func (m *Memory) SavePlan(_ context.Context, plan *knowledge.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", plan.ID, err)
	}
	m.mu.Lock()
	m.plans[plan.ID] = data
	m.mu.Unlock()
	return nil
}

// LoadPlan returns a copy of a saved plan.
func (m *Memory) LoadPlan(_ context.Context, id string) (*knowledge.Plan, error) {
	m.mu.RLock()
	data, ok := m.plans[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load plan %s: %w", id, ErrNotFound)
	}
	var p knowledge.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", id, err)
	}
	return &p, nil
}

// UpdatePlanStatus sets the status of a saved plan.
func (m *Memory) UpdatePlanStatus(ctx context.Context, id string, status knowledge.PlanStatus) error {
	p, err := m.LoadPlan(ctx, id)
	if err != nil {
		return err
	}
	p.Status = status
	return m.SavePlan(ctx, p)
}

// SaveEvaluation stores the evaluation of a plan.
func (m *Memory) SaveEvaluation(_ context.Context, ev *knowledge.ImpactEvaluation) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation for plan %s: %w", ev.PlanID, err)
	}
	m.mu.Lock()
	m.evaluations[ev.PlanID] = data
	m.mu.Unlock()
	return nil
}

// Evaluation returns the saved evaluation of a plan.
func (m *Memory) Evaluation(planID string) (*knowledge.ImpactEvaluation, bool) {
	m.mu.RLock()
	data, ok := m.evaluations[planID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var ev knowledge.ImpactEvaluation
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false
	}
	return &ev, true
}
