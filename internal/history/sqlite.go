package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversations in a local SQLite file. Timestamps are
// stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path must be set")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS live_conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS live_turns (
			conversation_id TEXT NOT NULL REFERENCES live_conversations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_live_conversations_ended ON live_conversations(ended_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, c Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c = normalize(c, time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO live_conversations (id, session_id, provider, language, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Provider, c.Language, c.StartedAt.UnixNano(), c.EndedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	for i, turn := range c.Turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO live_turns (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.ID, i, string(turn.Role), turn.Content, turn.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("save turn %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, provider, language, started_at, ended_at
		 FROM live_conversations ORDER BY ended_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	var items []Conversation
	for rows.Next() {
		var (
			c            Conversation
			started, end int64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Provider, &c.Language, &started, &end); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.StartedAt = time.Unix(0, started).UTC()
		c.EndedAt = time.Unix(0, end).UTC()
		items = append(items, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	for i := range items {
		turns, err := s.turns(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Turns = turns
	}
	return items, nil
}

func (s *SQLiteStore) turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM live_turns WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			role string
			at   int64
			t    Turn
		)
		if err := rows.Scan(&role, &t.Content, &at); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
