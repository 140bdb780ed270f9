package transcript

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/llm"
)

const transcriptSchema = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id       BIGSERIAL PRIMARY KEY,
    call_id  TEXT NOT NULL,
    ended_at TIMESTAMPTZ NOT NULL,
    turns    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS call_transcripts_call_id_idx ON call_transcripts (call_id);
`

// PostgresStore persists transcripts as JSONB rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, transcriptSchema); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	return nil
}

func (s *PostgresStore) Persist(ctx context.Context, callID string, turns []llm.Turn) error {
	rows := make([]jsonlTurn, 0, len(turns))
	for _, t := range turns {
		rows = append(rows, jsonlTurn{Role: t.Role, Text: t.Text, HasAudio: len(t.Audio) > 0})
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_transcripts (call_id, ended_at, turns) VALUES ($1, $2, $3)`,
		callID, time.Now().UTC(), payload)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
