// Package postgres provides a PostgreSQL-backed implementation of the
// chat log ([memory.Store]).
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.WriteEntry(ctx, entry)
//	history, _ := store.History(ctx, sessionID, memory.HistoryOpts{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChatLogs = `
CREATE TABLE IF NOT EXISTS chat_logs (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    message_id    TEXT         NOT NULL,
    service_type  TEXT         NOT NULL DEFAULT '',
    company_name  TEXT         NOT NULL DEFAULT '',
    phone         TEXT         NOT NULL DEFAULT '',
    role          TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    metadata      JSONB        NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_logs_message
    ON chat_logs (session_id, message_id);

CREATE INDEX IF NOT EXISTS idx_chat_logs_session_timestamp
    ON chat_logs (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_chat_logs_service_type
    ON chat_logs (service_type);

CREATE INDEX IF NOT EXISTS idx_chat_logs_fts
    ON chat_logs USING GIN (to_tsvector('simple', content));
`

// Migrate creates the chat_logs table and its indexes. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlChatLogs); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
