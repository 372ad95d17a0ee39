// Package sqlite implements the session store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/nostragent/internal/types"
)

var _ types.SessionStore = (*Store)(nil)

// Store keeps users and messages for one agent in a SQLite database.
type Store struct {
	db    *sql.DB
	agent string
	// writeMu serializes writers to avoid SQLITE_BUSY under WAL.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path, agent string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, agent: agent}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_user (
		agent_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		available_balance INTEGER NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
		current_thread_id TEXT,
		PRIMARY KEY (agent_name, user_id)
	);

	CREATE TABLE IF NOT EXISTS message (
		agent_name TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		satoshis INTEGER,
		extra_inputs TEXT,
		extra_outputs TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (agent_name, thread_id, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_message_user ON message(agent_name, thread_id, user_id);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetUser(ctx context.Context, id types.UserID) (*types.User, error) {
	u := &types.User{AgentName: s.agent, UserID: id}
	var thread sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT available_balance, current_thread_id FROM agent_user WHERE agent_name = ? AND user_id = ?`,
		s.agent, id,
	).Scan(&u.AvailableBalance, &thread)
	if err == sql.ErrNoRows {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.CurrentThreadID = types.ThreadID(thread.String)
	return u, nil
}

func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance, current_thread_id)
	VALUES (?, ?, ?, NULLIF(?, ''))
	ON CONFLICT(agent_name, user_id) DO UPDATE SET
		available_balance = excluded.available_balance,
		current_thread_id = excluded.current_thread_id`,
		s.agent, user.UserID, user.AvailableBalance, string(user.CurrentThreadID),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.UserID, err)
	}
	return nil
}

func (s *Store) Debit(ctx context.Context, id types.UserID, amount int64) (bool, error) {
	if amount < 0 {
		return false, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
	UPDATE agent_user SET available_balance = available_balance - ?
	WHERE agent_name = ? AND user_id = ? AND available_balance >= ?`,
		amount, s.agent, id, amount,
	)
	if err != nil {
		return false, fmt.Errorf("debit user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit user %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) Credit(ctx context.Context, id types.UserID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit user %s: negative amount", id)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var balance int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance) VALUES (?, ?, ?)
	ON CONFLICT(agent_name, user_id) DO UPDATE SET
		available_balance = agent_user.available_balance + excluded.available_balance
	RETURNING available_balance`,
		s.agent, id, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit user %s: %w", id, err)
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
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance, current_thread_id)
	VALUES (?, ?, 0, NULLIF(?, ''))
	ON CONFLICT(agent_name, user_id) DO UPDATE SET current_thread_id = excluded.current_thread_id`,
		s.agent, id, string(thread),
	)
	if err != nil {
		return fmt.Errorf("set current thread for %s: %w", id, err)
	}
	return nil
}

func (s *Store) ResolveThread(ctx context.Context, id types.UserID, candidate types.ThreadID) (types.ThreadID, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var thread string
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO agent_user (agent_name, user_id, available_balance, current_thread_id)
	VALUES (?, ?, 0, ?)
	ON CONFLICT(agent_name, user_id) DO UPDATE SET
		current_thread_id = COALESCE(agent_user.current_thread_id, excluded.current_thread_id)
	RETURNING current_thread_id`,
		s.agent, id, string(candidate),
	).Scan(&thread)
	if err != nil {
		return "", fmt.Errorf("resolve thread for %s: %w", id, err)
	}
	return types.ThreadID(thread), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) (*types.Message, error) {
	stored := *msg
	stored.AgentName = s.agent
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	inputs, err := marshalExtra(stored.ExtraInputs)
	if err != nil {
		return nil, fmt.Errorf("marshal extra inputs: %w", err)
	}
	outputs, err := marshalExtra(stored.ExtraOutputs)
	if err != nil {
		return nil, fmt.Errorf("marshal extra outputs: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.QueryRowContext(ctx, `
	INSERT INTO message (agent_name, thread_id, idx, user_id, role, kind, message, content, satoshis, extra_inputs, extra_outputs, created_at)
	SELECT ?, ?, COALESCE(MAX(idx), -1) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?
	FROM message WHERE agent_name = ? AND thread_id = ?
	RETURNING idx`,
		s.agent, stored.ThreadID, stored.UserID, stored.Role, stored.Kind,
		stored.Message, stored.Content, stored.Satoshis, inputs, outputs, stored.CreatedAt.UnixMilli(),
		s.agent, stored.ThreadID,
	).Scan(&stored.Idx)
	if err != nil {
		return nil, fmt.Errorf("append message to %s: %w", stored.ThreadID, err)
	}
	return &stored, nil
}

func (s *Store) ListMessages(ctx context.Context, thread types.ThreadID, user types.UserID, filter types.MessageFilter) ([]*types.Message, error) {
	var (
		where = []string{"agent_name = ?", "thread_id = ?"}
		args  = []any{s.agent, thread}
	)
	if user != "" {
		where = append(where, "user_id = ?")
		args = append(args, user)
	}
	if filter.BeforeIdx != nil {
		where = append(where, "idx < ?")
		args = append(args, *filter.BeforeIdx)
	}
	if filter.AfterIdx != nil {
		where = append(where, "idx > ?")
		args = append(args, *filter.AfterIdx)
	}
	if len(filter.Kinds) > 0 {
		marks := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			marks[i] = "?"
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT thread_id, idx, user_id, role, kind, message, content, satoshis, extra_inputs, extra_outputs, created_at
	FROM message WHERE ` + strings.Join(where, " AND ")
	if filter.Reverse {
		query += " ORDER BY idx DESC"
	} else {
		query += " ORDER BY idx ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages in %s: %w", thread, err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		m := &types.Message{AgentName: s.agent}
		var (
			sats            sql.NullInt64
			inputs, outputs sql.NullString
			createdAtMillis int64
		)
		if err := rows.Scan(&m.ThreadID, &m.Idx, &m.UserID, &m.Role, &m.Kind, &m.Message, &m.Content,
			&sats, &inputs, &outputs, &createdAtMillis); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if sats.Valid {
			m.Satoshis = types.Satoshis(sats.Int64)
		}
		if m.ExtraInputs, err = unmarshalExtra(inputs); err != nil {
			return nil, err
		}
		if m.ExtraOutputs, err = unmarshalExtra(outputs); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAtMillis).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

func marshalExtra(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalExtra(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("unmarshal extra: %w", err)
	}
	return v, nil
}
