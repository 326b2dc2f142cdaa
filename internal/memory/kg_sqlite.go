package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cerise-ai/cerise/pkg/models"
)

// sqliteKG is the sqlite-backed knowledge-graph store. Triples are indexed
// by session; subject/predicate/object search uses LIKE.
type sqliteKG struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteKG opens (creating if needed) a knowledge-graph store at path.
// The episodic store's db file may be shared since both writers live in the
// memory engine.
func OpenSQLiteKG(path string, logger *slog.Logger) (KGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open kg db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS triples (
			triple_id  TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			subject    TEXT NOT NULL,
			predicate  TEXT NOT NULL,
			object     TEXT NOT NULL,
			memory_id  TEXT,
			created_at TIMESTAMP NOT NULL,
			score      REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_triples_session ON triples(session_id);
		CREATE INDEX IF NOT EXISTS idx_triples_memory ON triples(memory_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kg db: %w", err)
	}
	return &sqliteKG{db: db, logger: logger.With("component", "memory-kg")}, nil
}

func (g *sqliteKG) AddTriple(ctx context.Context, t *models.Triple) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO triples (triple_id, session_id, subject, predicate, object, memory_id, created_at, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TripleID, t.SessionID, t.Subject, t.Predicate, t.Object,
		t.MemoryID, t.CreatedAt.UTC(), t.Score)
	if err != nil {
		return fmt.Errorf("insert triple: %w", err)
	}
	return nil
}

func (g *sqliteKG) Search(ctx context.Context, sessionID, query string, limit int) ([]*models.Triple, error) {
	if limit <= 0 || query == "" {
		return nil, nil
	}
	like := "%" + query + "%"
	rows, err := g.db.QueryContext(ctx, `
		SELECT triple_id, session_id, subject, predicate, object, memory_id, created_at, score
		FROM triples
		WHERE session_id = ? AND (subject LIKE ? OR predicate LIKE ? OR object LIKE ?)
		ORDER BY score DESC, created_at DESC LIMIT ?`,
		sessionID, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search triples: %w", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

func (g *sqliteKG) Neighbors(ctx context.Context, sessionID, entity string, limit int) ([]*models.Triple, error) {
	if limit <= 0 || entity == "" {
		return nil, nil
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT triple_id, session_id, subject, predicate, object, memory_id, created_at, score
		FROM triples
		WHERE session_id = ? AND (subject = ? COLLATE NOCASE OR object = ? COLLATE NOCASE)
		ORDER BY score DESC, created_at DESC LIMIT ?`,
		sessionID, entity, entity, limit)
	if err != nil {
		return nil, fmt.Errorf("neighbor triples: %w", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

func (g *sqliteKG) DeleteByMemory(ctx context.Context, memoryID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM triples WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("delete triples: %w", err)
	}
	return nil
}

func (g *sqliteKG) Close() error { return g.db.Close() }

func scanTriples(rows *sql.Rows) ([]*models.Triple, error) {
	var out []*models.Triple
	for rows.Next() {
		var (
			t   models.Triple
			mem sql.NullString
		)
		if err := rows.Scan(&t.TripleID, &t.SessionID, &t.Subject, &t.Predicate,
			&t.Object, &mem, &t.CreatedAt, &t.Score); err != nil {
			return nil, err
		}
		t.MemoryID = mem.String
		out = append(out, &t)
	}
	return out, rows.Err()
}
