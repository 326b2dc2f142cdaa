package memory

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cerise-ai/cerise/pkg/models"
)

// LayerStores bundles the three layered memory stores. Each owns its own
// sqlite file so writers never contend on a shared lock.
type LayerStores struct {
	Core       *CoreStore
	Semantic   *FactStore
	Procedural *HabitStore
}

// OpenLayerStores opens the layer databases under dir using the standard
// filenames (l1_core.db, l2_semantic.db, l4_procedural.db).
func OpenLayerStores(coreDB, semanticDB, proceduralDB string) (*LayerStores, error) {
	core, err := OpenCoreStore(coreDB)
	if err != nil {
		return nil, err
	}
	semantic, err := OpenFactStore(semanticDB)
	if err != nil {
		core.Close()
		return nil, err
	}
	procedural, err := OpenHabitStore(proceduralDB)
	if err != nil {
		core.Close()
		semantic.Close()
		return nil, err
	}
	return &LayerStores{Core: core, Semantic: semantic, Procedural: procedural}, nil
}

// Close closes all layer databases.
func (l *LayerStores) Close() {
	l.Core.Close()
	l.Semantic.Close()
	l.Procedural.Close()
}

func openLayerDB(path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open layer db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate layer db %s: %w", path, err)
	}
	return db, nil
}

// CoreStore holds L1 core-profile summaries.
type CoreStore struct{ db *sql.DB }

// OpenCoreStore opens the core-profile database at path.
func OpenCoreStore(path string) (*CoreStore, error) {
	db, err := openLayerDB(path, `
		CREATE TABLE IF NOT EXISTS core_profiles (
			profile_id TEXT PRIMARY KEY,
			summary    TEXT NOT NULL,
			session_id TEXT,
			updated_at TIMESTAMP NOT NULL
		);`)
	if err != nil {
		return nil, err
	}
	return &CoreStore{db: db}, nil
}

// Upsert writes a profile, replacing any existing row with the same id.
func (s *CoreStore) Upsert(ctx context.Context, p *models.CoreProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_profiles (profile_id, summary, session_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			summary = excluded.summary,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		p.ProfileID, p.Summary, p.SessionID, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert core profile: %w", err)
	}
	return nil
}

// Latest returns the most recently updated profiles, newest first.
func (s *CoreStore) Latest(ctx context.Context, sessionID string, limit int) ([]*models.CoreProfile, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, summary, session_id, updated_at FROM core_profiles
		WHERE session_id = ? OR session_id = '' OR session_id IS NULL
		ORDER BY updated_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list core profiles: %w", err)
	}
	defer rows.Close()

	var out []*models.CoreProfile
	for rows.Next() {
		var (
			p   models.CoreProfile
			sid sql.NullString
		)
		if err := rows.Scan(&p.ProfileID, &p.Summary, &sid, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.SessionID = sid.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *CoreStore) Close() error { return s.db.Close() }

// FactStore holds L2 semantic facts, unique per (session, subject, predicate).
type FactStore struct{ db *sql.DB }

// OpenFactStore opens the semantic-fact database at path.
func OpenFactStore(path string) (*FactStore, error) {
	db, err := openLayerDB(path, `
		CREATE TABLE IF NOT EXISTS semantic_facts (
			fact_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			subject    TEXT NOT NULL,
			predicate  TEXT NOT NULL,
			object     TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, subject, predicate)
		);`)
	if err != nil {
		return nil, err
	}
	return &FactStore{db: db}, nil
}

// Upsert writes a fact; a conflicting (session, subject, predicate) row has
// its object replaced and updated_at bumped.
func (s *FactStore) Upsert(ctx context.Context, f *models.SemanticFact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_facts (fact_id, session_id, subject, predicate, object, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, subject, predicate) DO UPDATE SET
			object = excluded.object,
			updated_at = excluded.updated_at`,
		f.FactID, f.SessionID, f.Subject, f.Predicate, f.Object, f.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

// List returns a session's facts, most recently updated first.
func (s *FactStore) List(ctx context.Context, sessionID string, limit int) ([]*models.SemanticFact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, session_id, subject, predicate, object, updated_at
		FROM semantic_facts WHERE session_id = ?
		ORDER BY updated_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []*models.SemanticFact
	for rows.Next() {
		var f models.SemanticFact
		if err := rows.Scan(&f.FactID, &f.SessionID, &f.Subject, &f.Predicate,
			&f.Object, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *FactStore) Close() error { return s.db.Close() }

// HabitStore holds L4 procedural habits, unique per (session, task_type,
// instruction).
type HabitStore struct{ db *sql.DB }

// OpenHabitStore opens the procedural-habit database at path.
func OpenHabitStore(path string) (*HabitStore, error) {
	db, err := openLayerDB(path, `
		CREATE TABLE IF NOT EXISTS procedural_habits (
			habit_id    TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			instruction TEXT NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, task_type, instruction)
		);`)
	if err != nil {
		return nil, err
	}
	return &HabitStore{db: db}, nil
}

// Record writes a habit; duplicates of (session, task_type, instruction)
// only bump updated_at.
func (s *HabitStore) Record(ctx context.Context, h *models.ProceduralHabit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedural_habits (habit_id, session_id, task_type, instruction, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_type, instruction) DO UPDATE SET
			updated_at = excluded.updated_at`,
		h.HabitID, h.SessionID, h.TaskType, h.Instruction, h.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record habit: %w", err)
	}
	return nil
}

// List returns a session's habits, most recently updated first.
func (s *HabitStore) List(ctx context.Context, sessionID string, limit int) ([]*models.ProceduralHabit, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT habit_id, session_id, task_type, instruction, updated_at
		FROM procedural_habits WHERE session_id = ?
		ORDER BY updated_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	defer rows.Close()

	var out []*models.ProceduralHabit
	for rows.Next() {
		var h models.ProceduralHabit
		if err := rows.Scan(&h.HabitID, &h.SessionID, &h.TaskType, &h.Instruction,
			&h.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *HabitStore) Close() error { return s.db.Close() }
