package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS knowledge_items (
		workspace_id    TEXT NOT NULL,
		id              TEXT NOT NULL,
		item_type       TEXT NOT NULL,
		domain          TEXT NOT NULL DEFAULT '',
		summary         TEXT NOT NULL DEFAULT '',
		rationale       TEXT NOT NULL DEFAULT '',
		implementation  TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '[]',
		source          TEXT NOT NULL DEFAULT '',
		created_at      TEXT,
		confidence      REAL,
		access_count    INTEGER NOT NULL DEFAULT 0,
		reference_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace_id, id)
	);`,
	`CREATE TABLE IF NOT EXISTS knowledge_links (
		workspace_id TEXT NOT NULL,
		source_key   TEXT NOT NULL,
		target_key   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		strength     REAL NOT NULL DEFAULT 1.0,
		PRIMARY KEY (workspace_id, source_key, target_key, kind)
	);`,
	`CREATE TABLE IF NOT EXISTS plans (
		id           TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		body         TEXT NOT NULL,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		plan_id        TEXT PRIMARY KEY,
		overall_impact REAL NOT NULL,
		body           TEXT NOT NULL,
		evaluated_at   TEXT NOT NULL
	);`,
}

// SQLite keeps the corpus, plans and evaluations in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load reads every item and link of the workspace.
func (s *SQLite) Load(ctx context.Context, workspaceID string) (*Corpus, error) {
	c := newCorpus(workspaceID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_type, domain, summary, rationale, implementation,
		       tags, source, created_at, confidence, access_count, reference_count
		FROM knowledge_items
		WHERE workspace_id = ?
		ORDER BY id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query items for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var it knowledge.Item
		var itemType, tags string
		var createdAt sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(
			&it.ID, &itemType, &it.Domain, &it.Summary, &it.Rationale, &it.Implementation,
			&tags, &it.Source, &createdAt, &confidence, &it.AccessCount, &it.ReferenceCount,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Type = knowledge.ItemType(itemType)
		if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for item %s: %w", it.ID, err)
		}
		if len(it.Tags) == 0 {
			it.Tags = nil
		}
		if createdAt.Valid && createdAt.String != "" {
			t, err := time.Parse(time.RFC3339Nano, createdAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse created_at for item %s: %w", it.ID, err)
			}
			it.CreatedAt = t
		}
		if confidence.Valid {
			cf := confidence.Float64
			it.Confidence = &cf
		}
		place(c, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read items for workspace %s: %w", workspaceID, err)
	}

	linkRows, err := s.db.QueryContext(ctx, `
		SELECT source_key, target_key, kind, strength
		FROM knowledge_links
		WHERE workspace_id = ?
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
func (s *SQLite) Store(ctx context.Context, workspaceID string, items []knowledge.Item) (WriteResult, error) {
	var result WriteResult
	for _, it := range validateBatch(items, &result) {
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return result, fmt.Errorf("marshal tags for item %s: %w", it.ID, err)
		}
		var createdAt, confidence any
		if !it.CreatedAt.IsZero() {
			createdAt = it.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		if it.Confidence != nil {
			confidence = *it.Confidence
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO knowledge_items
				(workspace_id, id, item_type, domain, summary, rationale, implementation,
				 tags, source, created_at, confidence, access_count, reference_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, workspaceID, it.ID, string(it.Type), it.Domain, it.Summary, it.Rationale, it.Implementation,
			string(tagsJSON), it.Source, createdAt, confidence, it.AccessCount, it.ReferenceCount)
		if err != nil {
			return result, fmt.Errorf("insert item %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.fail(it.ID, alreadyExists(it.ID))
			continue
		}
		result.Stored = append(result.Stored, it.ID)
	}
	return result, nil
}

// StoreLinks inserts explicit relationships in one transaction, ignoring
// ones already present.
func (s *SQLite) StoreLinks(ctx context.Context, workspaceID string, links []knowledge.Relationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, l := range links {
		strength := l.Strength
		if strength == 0 {
			strength = 1.0
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO knowledge_links (workspace_id, source_key, target_key, kind, strength)
			VALUES (?, ?, ?, ?, ?)
		`, workspaceID, l.Source, l.Target, l.Kind, strength); err != nil {
			return fmt.Errorf("insert link %s->%s: %w", l.Source, l.Target, err)
		}
	}
	return tx.Commit()
}

// SavePlan upserts a plan.
func (s *SQLite) SavePlan(ctx context.Context, plan *knowledge.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", plan.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, workspace_id, status, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body, updated_at = CURRENT_TIMESTAMP
	`, plan.ID, plan.WorkspaceID, string(plan.Status), string(body))
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

// LoadPlan reads a saved plan.
func (s *SQLite) LoadPlan(ctx context.Context, id string) (*knowledge.Plan, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM plans WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	var plan knowledge.Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", id, err)
	}
	return &plan, nil
}

// UpdatePlanStatus sets the status column and the status inside the body.
func (s *SQLite) UpdatePlanStatus(ctx context.Context, id string, status knowledge.PlanStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans
		SET status = ?, body = json_set(body, '$.status', ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), string(status), id)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveEvaluation upserts the evaluation of a plan.
func (s *SQLite) SaveEvaluation(ctx context.Context, ev *knowledge.ImpactEvaluation) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation for plan %s: %w", ev.PlanID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (plan_id, overall_impact, body, evaluated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET overall_impact = excluded.overall_impact,
			body = excluded.body, evaluated_at = excluded.evaluated_at
	`, ev.PlanID, ev.OverallImpact, string(body), ev.EvaluatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save evaluation for plan %s: %w", ev.PlanID, err)
	}
	return nil
}

// LoadEvaluation reads the saved evaluation of a plan.
func (s *SQLite) LoadEvaluation(ctx context.Context, planID string) (*knowledge.ImpactEvaluation, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM evaluations WHERE plan_id = ?`, planID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load evaluation for plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load evaluation for plan %s: %w", planID, err)
	}
	var ev knowledge.ImpactEvaluation
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal evaluation for plan %s: %w", planID, err)
	}
	return &ev, nil
}
