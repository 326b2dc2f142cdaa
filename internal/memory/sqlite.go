package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/pkg/models"
)

// sqliteStore is the sqlite-backed episodic store. Text search uses an FTS5
// shadow table when the sqlite build supports it, and degrades to a
// case-insensitive substring scan with the same interface contract when it
// does not.
type sqliteStore struct {
	db     *sql.DB
	fts    bool
	logger *slog.Logger
}

// OpenSQLiteStore opens (creating if needed) an episodic store at path.
func OpenSQLiteStore(path string, logger *slog.Logger) (EpisodicStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Single writer; layer stores get their own files to avoid lock contention.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, logger: logger.With("component", "memory-store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			metadata    TEXT,
			created_at  TIMESTAMP NOT NULL,
			expires_at  TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_memories_session
			ON memories(session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate memory db: %w", err)
	}

	_, err = s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts
		USING fts5(id UNINDEXED, content)`)
	if err != nil {
		s.logger.Warn("fts5 unavailable, falling back to substring search", "error", err)
		s.fts = false
		return nil
	}
	s.fts = true
	return nil
}

func (s *sqliteStore) Add(ctx context.Context, rec *models.MemoryRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (id, session_id, role, content, metadata, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(rec.Role), rec.Content, string(meta),
		rec.CreatedAt.UTC(), nullableTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if s.fts {
		s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, rec.ID)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO memories_fts (id, content) VALUES (?, ?)`, rec.ID, rec.Content); err != nil {
			s.logger.Warn("fts index update failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at, expires_at
		FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, cerr.NotFound("memory record %q", id)
	}
	return rec, err
}

func (s *sqliteStore) Update(ctx context.Context, rec *models.MemoryRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET session_id = ?, role = ?, content = ?, metadata = ?, expires_at = ?
		WHERE id = ?`,
		rec.SessionID, string(rec.Role), rec.Content, string(meta),
		nullableTime(rec.ExpiresAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cerr.NotFound("memory record %q", rec.ID)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if s.fts {
		s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id)
	}
	return nil
}

func (s *sqliteStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func (s *sqliteStore) Recent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error) {
	return s.list(ctx, sessionID, "DESC", limit)
}

func (s *sqliteStore) Oldest(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error) {
	return s.list(ctx, sessionID, "ASC", limit)
}

func (s *sqliteStore) list(ctx context.Context, sessionID, order string, limit int) ([]*models.MemoryRecord, error) {
	if limit == 0 {
		return nil, nil
	}
	if limit < 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at, expires_at
		FROM memories WHERE session_id = ?
		ORDER BY created_at `+order+`, rowid `+order+` LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteStore) Search(ctx context.Context, sessionID, query string, limit int) ([]*models.MemoryRecord, error) {
	if limit == 0 || query == "" {
		return nil, nil
	}
	if s.fts {
		recs, err := s.searchFTS(ctx, sessionID, query, limit)
		if err == nil {
			return recs, nil
		}
		// Query syntax the FTS parser rejects falls through to the scan.
		s.logger.Debug("fts query failed, using substring scan", "error", err)
	}
	all, err := s.list(ctx, sessionID, "ASC", -1)
	if err != nil {
		return nil, err
	}
	return substringSearch(all, query, limit), nil
}

func (s *sqliteStore) searchFTS(ctx context.Context, sessionID, query string, limit int) ([]*models.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.created_at, m.expires_at
		FROM memories_fts f JOIN memories m ON m.id = f.id
		WHERE f.content MATCH ? AND m.session_id = ?
		ORDER BY rank LIMIT ?`, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM memories ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s.fts {
		s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE id IN
			(SELECT id FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?)`, now.UTC())
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.MemoryRecord, error) {
	var (
		rec     models.MemoryRecord
		role    string
		meta    sql.NullString
		expires sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &role, &rec.Content, &meta, &rec.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	rec.Role = models.Role(role)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return nil, cerr.Wrap(cerr.ErrCorruption, "metadata of record %s: %v", rec.ID, err)
		}
	}
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*models.MemoryRecord, error) {
	var out []*models.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
