package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forgecli/forge/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	parent_id  TEXT,
	agent_mode TEXT NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	sequence_num INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_num);
`

// SQLiteStore persists sessions and messages to a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveSession upserts a session row. The parent edge is immutable once set.
func (s *SQLiteStore) SaveSession(id, parentID, mode string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, parent_id, agent_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, nullable(parentID), mode, now, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// RecordMessage appends a message with the next sequence number. The first
// non-empty user content also becomes the session summary.
func (s *SQLiteStore) RecordMessage(sessionID string, msg protocol.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to serialize tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO messages (session_id, sequence_num, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, (SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?)`,
		sessionID, sessionID, string(msg.Role), msg.Content, toolCalls, nullable(msg.ToolCallID), now)
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}

	if msg.Role == protocol.RoleUser && msg.Content != "" {
		summary := msg.Content
		if len(summary) > 120 {
			summary = summary[:120]
		}
		_, _ = s.db.Exec(`
			UPDATE sessions SET summary = ?, updated_at = ?
			WHERE id = ? AND summary = ''`,
			strings.TrimSpace(summary), now, sessionID)
	}
	return nil
}

// Load returns a session's messages in commit order.
func (s *SQLiteStore) Load(sessionID string) ([]protocol.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id
		FROM messages WHERE session_id = ? ORDER BY sequence_num`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var role, content string
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&role, &content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg := protocol.Message{
			Role:       protocol.Role(role),
			Content:    content,
			ToolCallID: toolCallID.String,
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to parse tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListSessions returns recent sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, parent_id, summary, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var parentID sql.NullString
		if err := rows.Scan(&info.ID, &parentID, &info.Summary, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.ParentID = parentID.String
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
