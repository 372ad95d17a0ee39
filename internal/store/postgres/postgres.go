// Package postgres implements the session store on PostgreSQL via pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/nostragent/internal/types"
)

var _ types.SessionStore = (*Store)(nil)

const (
	maxRetries     = 3
	retryBaseDelay = 20 * time.Millisecond
)

// Store keeps users and messages for one agent in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	agent  string
	logger *slog.Logger
}

// Open creates a connection pool for dsn, pings it and ensures the schema.
func Open(ctx context.Context, dsn, agent string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping pool: %w", err)
	}

	s := &Store{pool: pool, agent: agent, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS agent_user (
		agent_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		available_balance BIGINT NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
		current_thread_id TEXT,
		PRIMARY KEY (agent_name, user_id)
	);

	CREATE TABLE IF NOT EXISTS message (
		agent_name TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		idx BIGINT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		satoshis BIGINT,
		extra_inputs JSONB,
		extra_outputs JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (agent_name, thread_id, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_message_user ON message (agent_name, thread_id, user_id);

	CREATE TABLE IF NOT EXISTS thread_seq (
		agent_name TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		next_idx BIGINT NOT NULL,
		PRIMARY KEY (agent_name, thread_id)
	);`)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetUser(ctx context.Context, id types.UserID) (*types.User, error) {
	u := &types.User{AgentName: s.agent, UserID: id}
	var thread *string
	err := s.pool.QueryRow(ctx,
		`SELECT available_balance, current_thread_id FROM agent_user WHERE agent_name = $1 AND user_id = $2`,
		s.agent, string(id),
	).Scan(&u.AvailableBalance, &thread)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user %s: %w", id, err)
	}
	if thread != nil {
		u.CurrentThreadID = types.ThreadID(*thread)
	}
	return u, nil
}

func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	_, err := s.pool.Exec(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance, current_thread_id)
	VALUES ($1, $2, $3, NULLIF($4, ''))
	ON CONFLICT (agent_name, user_id) DO UPDATE SET
		available_balance = EXCLUDED.available_balance,
		current_thread_id = EXCLUDED.current_thread_id`,
		s.agent, string(user.UserID), user.AvailableBalance, string(user.CurrentThreadID),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert user %s: %w", user.UserID, err)
	}
	return nil
}

func (s *Store) Debit(ctx context.Context, id types.UserID, amount int64) (bool, error) {
	if amount < 0 {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
	UPDATE agent_user SET available_balance = available_balance - $3
	WHERE agent_name = $1 AND user_id = $2 AND available_balance >= $3`,
		s.agent, string(id), amount,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: debit user %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Credit(ctx context.Context, id types.UserID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("postgres: credit user %s: negative amount", id)
	}
	var balance int64
	err := s.pool.QueryRow(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance) VALUES ($1, $2, $3)
	ON CONFLICT (agent_name, user_id) DO UPDATE SET
		available_balance = agent_user.available_balance + EXCLUDED.available_balance
	RETURNING available_balance`,
		s.agent, string(id), amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("postgres: credit user %s: %w", id, err)
	}
	return balance, nil
}

func (s *Store) CurrentThread(ctx context.Context, id types.UserID) (types.ThreadID, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	return u.CurrentThreadID, nil
}

func (s *Store) SetCurrentThread(ctx context.Context, id types.UserID, thread types.ThreadID) error {
	_, err := s.pool.Exec(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance, current_thread_id)
	VALUES ($1, $2, 0, NULLIF($3, ''))
	ON CONFLICT (agent_name, user_id) DO UPDATE SET current_thread_id = EXCLUDED.current_thread_id`,
		s.agent, string(id), string(thread),
	)
	if err != nil {
		return fmt.Errorf("postgres: set current thread for %s: %w", id, err)
	}
	return nil
}

func (s *Store) ResolveThread(ctx context.Context, id types.UserID, candidate types.ThreadID) (types.ThreadID, error) {
	var thread string
	err := s.pool.QueryRow(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance, current_thread_id)
	VALUES ($1, $2, 0, $3)
	ON CONFLICT (agent_name, user_id) DO UPDATE SET
		current_thread_id = COALESCE(agent_user.current_thread_id, EXCLUDED.current_thread_id)
	RETURNING current_thread_id`,
		s.agent, string(id), string(candidate),
	).Scan(&thread)
	if err != nil {
		return "", fmt.Errorf("postgres: resolve thread for %s: %w", id, err)
	}
	return types.ThreadID(thread), nil
}

// AppendMessage bumps the thread's counter row and inserts the message in
// one transaction; the counter row lock orders concurrent appends.
func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) (*types.Message, error) {
	stored := *msg
	stored.AgentName = s.agent
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
		INSERT INTO thread_seq (agent_name, thread_id, next_idx) VALUES ($1, $2, 1)
		ON CONFLICT (agent_name, thread_id) DO UPDATE SET next_idx = thread_seq.next_idx + 1
		RETURNING next_idx - 1`,
			s.agent, string(stored.ThreadID),
		).Scan(&stored.Idx)
		if err != nil {
			return fmt.Errorf("allocate idx: %w", err)
		}

		_, err = tx.Exec(ctx, `
		INSERT INTO message (agent_name, thread_id, idx, user_id, role, kind, message, content, satoshis, extra_inputs, extra_outputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.agent, string(stored.ThreadID), stored.Idx, string(stored.UserID),
			string(stored.Role), string(stored.Kind), stored.Message, stored.Content,
			stored.Satoshis, nilIfEmpty(stored.ExtraInputs), nilIfEmpty(stored.ExtraOutputs), stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: append message to %s: %w", stored.ThreadID, err)
	}
	return &stored, nil
}

func (s *Store) ListMessages(ctx context.Context, thread types.ThreadID, user types.UserID, filter types.MessageFilter) ([]*types.Message, error) {
	var (
		where = []string{"agent_name = $1", "thread_id = $2"}
		args  = []any{s.agent, string(thread)}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if user != "" {
		where = append(where, "user_id = "+arg(string(user)))
	}
	if filter.BeforeIdx != nil {
		where = append(where, "idx < "+arg(*filter.BeforeIdx))
	}
	if filter.AfterIdx != nil {
		where = append(where, "idx > "+arg(*filter.AfterIdx))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+")")
	}

	query := `SELECT thread_id, idx, user_id, role, kind, message, content, satoshis, extra_inputs, extra_outputs, created_at
	FROM message WHERE ` + strings.Join(where, " AND ")
	if filter.Reverse {
		query += " ORDER BY idx DESC"
	} else {
		query += " ORDER BY idx ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages in %s: %w", thread, err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		m := &types.Message{AgentName: s.agent}
		var threadID, userID, role, kind string
		if err := rows.Scan(&threadID, &m.Idx, &userID, &role, &kind, &m.Message, &m.Content,
			&m.Satoshis, &m.ExtraInputs, &m.ExtraOutputs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message row: %w", err)
		}
		m.ThreadID = types.ThreadID(threadID)
		m.UserID = types.UserID(userID)
		m.Role = types.Role(role)
		m.Kind = types.Kind(kind)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate message rows: %w", err)
	}
	return msgs, nil
}

func nilIfEmpty(v map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
