package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// Postgres keeps the corpus, plans and evaluations in PostgreSQL. The schema
// lives in migrations/001_initial.sql.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a Postgres store on an open pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Load reads every item and link of the workspace.
func (p *Postgres) Load(ctx context.Context, workspaceID string) (*Corpus, error) {
	c := newCorpus(workspaceID)

	rows, err := p.db.Query(ctx, `
		SELECT id, item_type, domain, summary, rationale, implementation,
		       tags, source, created_at, confidence, access_count, reference_count
		FROM knowledge_items
		WHERE workspace_id = $1
		ORDER BY id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query items for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var it knowledge.Item
		var createdAt *time.Time
		if err := rows.Scan(
			&it.ID, &it.Type, &it.Domain, &it.Summary, &it.Rationale, &it.Implementation,
			&it.Tags, &it.Source, &createdAt, &it.Confidence, &it.AccessCount, &it.ReferenceCount,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if createdAt != nil {
			it.CreatedAt = createdAt.UTC()
		}
		place(c, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read items for workspace %s: %w", workspaceID, err)
	}

	linkRows, err := p.db.Query(ctx, `
		SELECT source_key, target_key, kind, strength
		FROM knowledge_links
		WHERE workspace_id = $1
		ORDER BY source_key, target_key, kind
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query links for workspace %s: %w", workspaceID, err)
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var l knowledge.Relationship
		if err := linkRows.Scan(&l.Source, &l.Target, &l.Kind, &l.Strength); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		c.Links = append(c.Links, l)
	}
	if err := linkRows.Err(); err != nil {
		return nil, fmt.Errorf("read links for workspace %s: %w", workspaceID, err)
	}
	return c, nil
}

// Store inserts items. An id that is already present is reported per item.
func (p *Postgres) Store(ctx context.Context, workspaceID string, items []knowledge.Item) (WriteResult, error) {
	var result WriteResult
	for _, it := range validateBatch(items, &result) {
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		var createdAt *time.Time
		if !it.CreatedAt.IsZero() {
			createdAt = &it.CreatedAt
		}
		tag, err := p.db.Exec(ctx, `
			INSERT INTO knowledge_items
				(workspace_id, id, item_type, domain, summary, rationale, implementation,
				 tags, source, created_at, confidence, access_count, reference_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (workspace_id, id) DO NOTHING
		`, workspaceID, it.ID, string(it.Type), it.Domain, it.Summary, it.Rationale, it.Implementation,
			tags, it.Source, createdAt, it.Confidence, it.AccessCount, it.ReferenceCount)
		if err != nil {
			return result, fmt.Errorf("insert item %s: %w", it.ID, err)
		}
		if tag.RowsAffected() == 0 {
			result.fail(it.ID, alreadyExists(it.ID))
			continue
		}
		result.Stored = append(result.Stored, it.ID)
	}
	return result, nil
}

// StoreLinks inserts explicit relationships, ignoring ones already present.
func (p *Postgres) StoreLinks(ctx context.Context, workspaceID string, links []knowledge.Relationship) error {
	batch := &pgx.Batch{}
	for _, l := range links {
		strength := l.Strength
		if strength == 0 {
			strength = 1.0
		}
		batch.Queue(`
			INSERT INTO knowledge_links (workspace_id, source_key, target_key, kind, strength)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, workspaceID, l.Source, l.Target, l.Kind, strength)
	}
	if err := p.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert links: %w", err)
	}
	return nil
}

// SavePlan upserts a plan.
func (p *Postgres) SavePlan(ctx context.Context, plan *knowledge.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", plan.ID, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO plans (id, workspace_id, policy, status, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, body = EXCLUDED.body, updated_at = NOW()
	`, plan.ID, plan.WorkspaceID, plan.Policy, string(plan.Status), body, plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

// LoadPlan reads a saved plan.
func (p *Postgres) LoadPlan(ctx context.Context, id string) (*knowledge.Plan, error) {
	var body []byte
	err := p.db.QueryRow(ctx, `SELECT body FROM plans WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	var plan knowledge.Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", id, err)
	}
	return &plan, nil
}

// UpdatePlanStatus sets the status column and the status inside the body.
func (p *Postgres) UpdatePlanStatus(ctx context.Context, id string, status knowledge.PlanStatus) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE plans
		SET status = $2, body = jsonb_set(body, '{status}', to_jsonb($2::text)), updated_at = NOW()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("update plan %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveEvaluation upserts the evaluation of a plan.
func (p *Postgres) SaveEvaluation(ctx context.Context, ev *knowledge.ImpactEvaluation) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation for plan %s: %w", ev.PlanID, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO evaluations (plan_id, overall_impact, body, evaluated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_id) DO UPDATE
		SET overall_impact = EXCLUDED.overall_impact, body = EXCLUDED.body, evaluated_at = EXCLUDED.evaluated_at
	`, ev.PlanID, ev.OverallImpact, body, ev.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("save evaluation for plan %s: %w", ev.PlanID, err)
	}
	return nil
}
