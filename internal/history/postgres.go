package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS live_conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS live_turns (
			conversation_id TEXT NOT NULL REFERENCES live_conversations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_live_conversations_ended ON live_conversations (ended_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveConversation(ctx context.Context, c Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c = normalize(c, time.Now().UTC())

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO live_conversations (id, session_id, provider, language, started_at, ended_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.SessionID, c.Provider, c.Language, c.StartedAt, c.EndedAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, turn := range c.Turns {
			batch.Queue(
				`INSERT INTO live_turns (conversation_id, seq, role, content, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				c.ID, i, string(turn.Role), turn.Content, turn.CreatedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, provider, language, started_at, ended_at
		 FROM live_conversations ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0, limit)
	index := make(map[string]int, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Provider, &c.Language, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		index[c.ID] = len(items)
		ids = append(ids, c.ID)
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	if len(ids) == 0 {
		return items, nil
	}

	turnRows, err := s.pool.Query(ctx,
		`SELECT conversation_id, role, content, created_at
		 FROM live_turns WHERE conversation_id = ANY($1) ORDER BY conversation_id, seq`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer turnRows.Close()

	for turnRows.Next() {
		var (
			id   string
			role string
			t    Turn
		)
		if err := turnRows.Scan(&id, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		if i, ok := index[id]; ok {
			items[i].Turns = append(items[i].Turns, t)
		}
	}
	if err := turnRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
