package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/tastescout/tastescout/config"
)

// embeddingDim matches the embedding model's output width.
const embeddingDim = 1536

// DurableTier is the authoritative session store: Postgres with a
// pgvector column for cross-session similarity recall.
type DurableTier struct {
	db      *sql.DB
	timeout time.Duration
}

func NewDurableTier(cfg config.PostgresConfig) (*DurableTier, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("postgres not configured")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	d := &DurableTier{db: db, timeout: cfg.Timeout}
	if err := d.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DurableTier) Close() error {
	return d.db.Close()
}

// ensureSchema bootstraps the table idempotently at startup.
func (d *DurableTier) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_turns (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns (session_id, created_at, id)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AppendTurn persists one turn. The embedding may be empty when the
// embedding collaborator was unavailable; the row is still written.
func (d *DurableTier) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var emb interface{}
	if len(turn.Embedding) == embeddingDim {
		emb = pgvector.NewVector(turn.Embedding)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO chat_turns (session_id, role, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, turn.Role, turn.Content, emb, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// GetTurns returns all turns of a session in append order. Ordering by
// the captured timestamp, not insertion id: a retried mirror can insert
// an older turn after a newer one landed.
func (d *DurableTier) GetTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM chat_turns WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// DeleteSession removes a session's turns. This is the only path that
// deletes from the durable tier; inactivity never does.
func (d *DurableTier) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `DELETE FROM chat_turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SimilarTurn is one nearest-neighbor recall hit.
type SimilarTurn struct {
	SessionID string  `json:"session_id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Distance  float64 `json:"distance"`
}

// SimilarTurns finds the closest stored turns to the given embedding
// across all sessions.
func (d *DurableTier) SimilarTurns(ctx context.Context, embedding []float32, limit int) ([]SimilarTurn, error) {
	if len(embedding) != embeddingDim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(embedding), embeddingDim)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT session_id, role, content, embedding <=> $1 AS distance
		 FROM chat_turns
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("similar turns: %w", err)
	}
	defer rows.Close()

	var out []SimilarTurn
	for rows.Next() {
		var s SimilarTurn
		if err := rows.Scan(&s.SessionID, &s.Role, &s.Content, &s.Distance); err != nil {
			return nil, fmt.Errorf("scan similar turn: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
