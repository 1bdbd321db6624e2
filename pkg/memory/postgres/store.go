package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/leadvoice/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL chat log. It holds a single [pgxpool.Pool].
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteEntry implements [memory.Store]. A repeated (session_id, message_id)
// pair is ignored.
func (s *Store) WriteEntry(ctx context.Context, e memory.Entry) error {
	const q = `
		INSERT INTO chat_logs
		    (session_id, message_id, service_type, company_name, phone, role, content, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, message_id) DO NOTHING`

	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("chat log: marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, q,
		e.SessionID,
		e.MessageID,
		e.ServiceType,
		e.CompanyName,
		e.Phone,
		e.Role,
		e.Content,
		e.Timestamp,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("chat log: write entry: %w", err)
	}
	return nil
}

// History implements [memory.Store].
func (s *Store) History(ctx context.Context, sessionID string, opts memory.HistoryOpts) ([]memory.Entry, error) {
	args := []any{sessionID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"session_id = $1"}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}

	q := selectColumns +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chat log: history: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.Store]. query is passed to plainto_tsquery so no
// operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', content) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.ServiceType != "" {
		conditions = append(conditions, "service_type = "+next(opts.ServiceType))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := selectColumns +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chat log: search: %w", err)
	}
	return collectEntries(rows)
}

const selectColumns = "SELECT session_id, message_id, service_type, company_name, phone, role, content, timestamp, metadata\n" +
	"FROM   chat_logs\n"

// collectEntries scans pgx rows into a slice of Entry values.
func collectEntries(rows pgx.Rows) ([]memory.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e    memory.Entry
			meta []byte
		)
		if err := row.Scan(
			&e.SessionID,
			&e.MessageID,
			&e.ServiceType,
			&e.CompanyName,
			&e.Phone,
			&e.Role,
			&e.Content,
			&e.Timestamp,
			&meta,
		); err != nil {
			return memory.Entry{}, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return memory.Entry{}, fmt.Errorf("decode metadata: %w", err)
			}
			if len(e.Metadata) == 0 {
				e.Metadata = nil
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat log: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}
