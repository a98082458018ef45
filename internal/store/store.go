// Package store is a local SQLite-backed persistence layer for
// conversation logs and selection miss counts.
//
// WAL is enabled so a reader (status commands, a second REPL) can list
// conversations while a submission is appending messages.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Conversation is the stored metadata row; the log itself lives in the
// messages table.
type Conversation struct {
	ID              string `json:"conversation_id"`
	ModelID         string `json:"model_id"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

func (s *Store) CreateConversation(ctx context.Context, id string, modelID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing conversation id")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(conversation_id, model_id, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
`, id, strings.TrimSpace(modelID), now, now)
	return err
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, m model.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation id")
	}

	callsJSON, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(conversation_id, role, content, tool_call_ref, tool_calls_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, conversationID, string(m.Role), m.Content, strings.TrimSpace(m.ToolCallRef), callsJSON, now); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE conversations SET updated_at_unix_ms = ? WHERE conversation_id = ?
`, now, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown conversation %s", conversationID)
	}
	return tx.Commit()
}

// ReplaceMessages rewrites the whole stored log in one transaction. The
// engine calls this after trimming the context window so the stored log
// matches what the model will see next.
func (s *Store) ReplaceMessages(ctx context.Context, conversationID string, msgs []model.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation id")
	}

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for _, m := range msgs {
		callsJSON, err := marshalToolCalls(m.ToolCalls)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(conversation_id, role, content, tool_call_ref, tool_calls_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, conversationID, string(m.Role), m.Content, strings.TrimSpace(m.ToolCallRef), callsJSON, now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET updated_at_unix_ms = ? WHERE conversation_id = ?
`, now, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, tool_call_ref, tool_calls_json
FROM messages
WHERE conversation_id = ?
ORDER BY id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Message, 0, 16)
	for rows.Next() {
		var role, content, ref, callsJSON string
		if err := rows.Scan(&role, &content, &ref, &callsJSON); err != nil {
			return nil, err
		}
		m := model.Message{Role: model.Role(role), Content: content, ToolCallRef: ref}
		if strings.TrimSpace(callsJSON) != "" {
			if err := json.Unmarshal([]byte(callsJSON), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("corrupt tool calls for conversation %s: %w", conversationID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, model_id, created_at_unix_ms, updated_at_unix_ms
FROM conversations
ORDER BY updated_at_unix_ms DESC, conversation_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ModelID, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing conversation id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// LoadMisses returns every persisted selection miss count.
func (s *Store) LoadMisses() (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}

	rows, err := s.db.Query(`SELECT capability, miss_count FROM selection_misses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name != "" && count > 0 {
			out[name] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordMiss bumps the persistent miss count for one capability.
func (s *Store) RecordMiss(name string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing capability name")
	}

	_, err := s.db.Exec(`
INSERT INTO selection_misses(capability, miss_count, updated_at_unix_ms)
VALUES(?, 1, ?)
ON CONFLICT(capability) DO UPDATE SET
  miss_count = miss_count + 1,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, name, time.Now().UnixMilli())
	return err
}

func marshalToolCalls(calls []model.Invocation) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(b), nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  model_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at_unix_ms DESC, conversation_id DESC);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_call_ref TEXT NOT NULL DEFAULT '',
  tool_calls_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id ASC);
CREATE TABLE IF NOT EXISTS selection_misses (
  capability TEXT PRIMARY KEY,
  miss_count INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
