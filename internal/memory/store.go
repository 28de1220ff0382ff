// Package memory provides conversation history storage for the expert
// chatbot. Each grow chamber keeps its own conversation so the model
// sees the chamber's recent back-and-forth on every question.
package memory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one turn in a conversation.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a chamber's chat history.
type Conversation struct {
	ID        string    `json:"id"`
	Chamber   string    `json:"chamber"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// Store is a SQLite-backed conversation store.
type Store struct {
	db          *sql.DB
	maxMessages int
}

// NewStore creates a conversation store on an open database handle and
// applies the schema. maxMessages caps how much history is replayed to
// the model per question.
func NewStore(db *sql.DB, maxMessages int) (*Store, error) {
	if maxMessages <= 0 {
		maxMessages = 40
	}
	s := &Store{db: db, maxMessages: maxMessages}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		chamber TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_chamber ON conversations(chamber);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreateConversation ensures a conversation exists and returns it.
func (s *Store) GetOrCreateConversation(id, chamber string) (*Conversation, error) {
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (id, chamber, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id, chamber, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &Conversation{ID: id, Chamber: chamber, CreatedAt: now, UpdatedAt: now}, nil
}

// AddMessage appends a message to a conversation, creating the
// conversation if needed.
func (s *Store) AddMessage(conversationID, chamber, role, content string) error {
	now := time.Now().UTC()
	msgID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message ID: %w", err)
	}

	if _, err := s.GetOrCreateConversation(conversationID, chamber); err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, msgID.String(), conversationID, role, content, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// GetMessages returns the most recent messages for a conversation in
// chronological order, capped at maxMessages.
func (s *Store) GetMessages(conversationID string) []Message {
	// The UUIDv7 id breaks timestamp ties, so a user/assistant pair
	// written in the same instant replays in insert order.
	rows, err := s.db.Query(`
		SELECT role, content, timestamp FROM (
			SELECT id, role, content, timestamp
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, conversationID, s.maxMessages)
	if err != nil {
		return []Message{}
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

// GetConversation retrieves a conversation with its messages, or nil
// when it does not exist.
func (s *Store) GetConversation(id string) *Conversation {
	row := s.db.QueryRow(`
		SELECT id, chamber, created_at, updated_at FROM conversations WHERE id = ?
	`, id)

	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.Chamber, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil
	}
	conv.Messages = s.GetMessages(id)
	return &conv
}

// ListConversations returns conversations most-recently-updated first,
// without their messages.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, chamber, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Chamber, &c.CreatedAt, &c.UpdatedAt); err != nil {
			continue
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Clear removes a conversation and its messages.
func (s *Store) Clear(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// Stats returns conversation store statistics.
func (s *Store) Stats() map[string]any {
	var convCount, msgCount int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"max_per_conv":  s.maxMessages,
	}
}
