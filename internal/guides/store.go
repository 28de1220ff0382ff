// Package guides stores cultivation knowledge imported from species
// guides. Entries feed the expert chatbot's system prompt so answers
// reflect the grower's own documentation, not just model priors.
package guides

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is one chunk of guide content, keyed by the section it came from.
type Entry struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"` // Usually a species name
	Key       string    `json:"key"`     // Section heading
	Content   string    `json:"content"`
	Source    string    `json:"source"` // Originating file or URL
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed guide store.
type Store struct {
	db *sql.DB
}

// NewStore creates a guide store on an open database handle and
// applies the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS guide_entries (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		key TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_guide_entries_subject ON guide_entries(subject);
	CREATE INDEX IF NOT EXISTS idx_guide_entries_source ON guide_entries(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Set stores a guide entry.
func (s *Store) Set(subject, key, content, source string) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate entry ID: %w", err)
	}

	e := &Entry{
		ID:        id.String(),
		Subject:   strings.TrimSpace(subject),
		Key:       strings.TrimSpace(key),
		Content:   strings.TrimSpace(content),
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if e.Subject == "" || e.Content == "" {
		return nil, fmt.Errorf("subject and content are required")
	}

	_, err = s.db.Exec(`
		INSERT INTO guide_entries (id, subject, key, content, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Subject, e.Key, e.Content, e.Source, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert guide entry: %w", err)
	}
	return e, nil
}

// DeleteBySource removes all entries from one source, enabling clean
// re-imports of an updated guide.
func (s *Store) DeleteBySource(source string) error {
	_, err := s.db.Exec(`DELETE FROM guide_entries WHERE source = ?`, source)
	return err
}

// ForSubject returns entries whose subject matches (case-insensitive),
// oldest first so document order is preserved in the prompt.
func (s *Store) ForSubject(subject string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, subject, key, content, source, created_at
		FROM guide_entries
		WHERE subject = ? COLLATE NOCASE
		ORDER BY created_at ASC
		LIMIT ?
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query guide entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Subject, &e.Key, &e.Content, &e.Source, &e.CreatedAt); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Subjects returns the distinct subjects with entry counts.
func (s *Store) Subjects() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT subject, COUNT(*) FROM guide_entries GROUP BY subject`)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var subject string
		var count int
		if err := rows.Scan(&subject, &count); err != nil {
			continue
		}
		out[subject] = count
	}
	return out, rows.Err()
}
