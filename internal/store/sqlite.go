// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/agent persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			participants TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			project_id INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			sender_type TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			metadata TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			specialization TEXT NOT NULL DEFAULT '[]',
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			created_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a conversation and assigns its ID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := json.Marshal(conv.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = ConversationActive
	}

	query := `
		INSERT INTO conversations (title, participants, status, project_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		conv.Title,
		string(participants),
		conv.Status,
		conv.ProjectID,
		conv.CreatedAt.Format(time.RFC3339),
		conv.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	conv.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading conversation id: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "title", conv.Title)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	query := `
		SELECT id, title, participants, status, project_id, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetConversationsByParticipant returns every conversation whose participant
// list contains the given ID.
func (s *SQLiteStore) GetConversationsByParticipant(ctx context.Context, participantID int64) ([]*Conversation, error) {
	// Participant lists are small JSON arrays; scan and filter in Go rather
	// than depending on the json1 extension.
	query := `
		SELECT id, title, participants, status, project_id, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := s.scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		for _, pid := range conv.ParticipantIDs {
			if pid == participantID {
				out = append(out, conv)
				break
			}
		}
	}
	return out, rows.Err()
}

// UpdateConversationStatus transitions a conversation's lifecycle status.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage appends a message to a conversation's log and assigns its ID.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	var metadata any
	if msg.Metadata != nil {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(encoded)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = MessageKindText
	}

	query := `
		INSERT INTO messages (conversation_id, sender_id, sender_type, content, kind, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		msg.ConversationID,
		msg.SenderID,
		msg.SenderType,
		msg.Content,
		msg.Kind,
		metadata,
		msg.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}

	s.logger.Debug("created message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_type", msg.SenderType)
	return nil
}

// GetMessagesByConversation returns messages for a conversation in creation
// order. A limit of 0 returns all messages; otherwise the most recent limit
// messages are returned, still oldest-first.
func (s *SQLiteStore) GetMessagesByConversation(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, sender_type, content, kind, metadata, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderType,
			&msg.Content,
			&msg.Kind,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UpsertAgent inserts an agent profile, or updates it in place when an agent
// with the same ID already exists. New agents get their ID assigned.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *AgentProfile) error {
	specialization, err := json.Marshal(agent.Specialization)
	if err != nil {
		return fmt.Errorf("encoding specialization: %w", err)
	}

	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if agent.Status == "" {
		agent.Status = AgentIdle
	}

	if agent.ID != 0 {
		query := `
			INSERT INTO agents (id, name, role, specialization, provider, model, system_prompt, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				role = excluded.role,
				specialization = excluded.specialization,
				provider = excluded.provider,
				model = excluded.model,
				system_prompt = excluded.system_prompt,
				status = excluded.status
		`
		_, err = s.db.ExecContext(ctx, query,
			agent.ID, agent.Name, agent.Role, string(specialization),
			agent.Provider, agent.Model, agent.SystemPrompt, agent.Status,
			agent.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("upserting agent: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO agents (name, role, specialization, provider, model, system_prompt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		agent.Name, agent.Role, string(specialization),
		agent.Provider, agent.Model, agent.SystemPrompt, agent.Status,
		agent.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	agent.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading agent id: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent profile by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*AgentProfile, error) {
	query := `
		SELECT id, name, role, specialization, provider, model, system_prompt, status, created_at
		FROM agents
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	agent, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return agent, err
}

// GetAllAgents returns every registered agent profile.
func (s *SQLiteStore) GetAllAgents(ctx context.Context) ([]*AgentProfile, error) {
	query := `
		SELECT id, name, role, specialization, provider, model, system_prompt, status, created_at
		FROM agents
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentProfile
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// UpdateAgentStatus sets an agent's availability status.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAgent reads one agent row via the given scan function.
func scanAgent(scan func(...any) error) (*AgentProfile, error) {
	var agent AgentProfile
	var specialization, createdAt string
	err := scan(
		&agent.ID,
		&agent.Name,
		&agent.Role,
		&specialization,
		&agent.Provider,
		&agent.Model,
		&agent.SystemPrompt,
		&agent.Status,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specialization), &agent.Specialization); err != nil {
		return nil, fmt.Errorf("decoding specialization: %w", err)
	}
	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &agent, nil
}

// scanConversation reads a conversation from a single-row query.
func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	conv, err := scanConversationFields(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conv, err
}

// scanConversationRow reads a conversation from a multi-row cursor.
func (s *SQLiteStore) scanConversationRow(rows *sql.Rows) (*Conversation, error) {
	return scanConversationFields(rows.Scan)
}

func scanConversationFields(scan func(...any) error) (*Conversation, error) {
	var conv Conversation
	var participants, createdAt, updatedAt string
	var projectID sql.NullInt64

	err := scan(
		&conv.ID,
		&conv.Title,
		&participants,
		&conv.Status,
		&projectID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participants), &conv.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if projectID.Valid {
		conv.ProjectID = &projectID.Int64
	}
	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}
