package alerts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alert is a raised condition on one chamber metric. An alert stays
// active until the metric returns to its optimal band.
type Alert struct {
	ID         string     `json:"id"`
	Chamber    string     `json:"chamber"`
	Metric     Metric     `json:"metric"`
	Severity   Severity   `json:"severity"`
	Value      float64    `json:"value"`
	Message    string     `json:"message"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the alert has not yet resolved.
func (a Alert) Active() bool {
	return a.ResolvedAt == nil
}

// Store is the SQLite-backed alert store.
type Store struct {
	db *sql.DB
}

// NewStore creates an alert store on an open database handle and
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
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		chamber TEXT NOT NULL,
		metric TEXT NOT NULL,
		severity TEXT NOT NULL,
		value REAL NOT NULL,
		message TEXT NOT NULL,
		raised_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_chamber ON alerts(chamber, raised_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(chamber, metric) WHERE resolved_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Raise inserts a new active alert.
func (s *Store) Raise(chamber string, f Finding) (*Alert, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate alert ID: %w", err)
	}

	a := &Alert{
		ID:       id.String(),
		Chamber:  chamber,
		Metric:   f.Metric,
		Severity: f.Severity,
		Value:    f.Value,
		Message:  f.Message,
		RaisedAt: time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO alerts (id, chamber, metric, severity, value, message, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Chamber, string(a.Metric), string(a.Severity), a.Value, a.Message, a.RaisedAt)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

// ActiveFor returns the active alert for a chamber metric, or nil when
// none is open.
func (s *Store) ActiveFor(chamber string, metric Metric) (*Alert, error) {
	row := s.db.QueryRow(`
		SELECT id, chamber, metric, severity, value, message, raised_at, resolved_at
		FROM alerts
		WHERE chamber = ? AND metric = ? AND resolved_at IS NULL
		ORDER BY raised_at DESC
		LIMIT 1
	`, chamber, string(metric))

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// Resolve closes an active alert.
func (s *Store) Resolve(id string) error {
	_, err := s.db.Exec(`
		UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL
	`, time.Now().UTC(), id)
	return err
}

// UpdateSeverity escalates or de-escalates an active alert in place.
func (s *Store) UpdateSeverity(id string, severity Severity, value float64, message string) error {
	_, err := s.db.Exec(`
		UPDATE alerts SET severity = ?, value = ?, message = ?
		WHERE id = ? AND resolved_at IS NULL
	`, string(severity), value, message, id)
	return err
}

// Active returns all open alerts, newest first. An empty chamber
// matches all chambers.
func (s *Store) Active(chamber string) ([]Alert, error) {
	query := `
		SELECT id, chamber, metric, severity, value, message, raised_at, resolved_at
		FROM alerts WHERE resolved_at IS NULL`
	args := []any{}
	if chamber != "" {
		query += ` AND chamber = ?`
		args = append(args, chamber)
	}
	query += ` ORDER BY raised_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// Recent returns the most recent alerts, active or resolved.
func (s *Store) Recent(limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, chamber, metric, severity, value, message, raised_at, resolved_at
		FROM alerts
		ORDER BY raised_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var metric, severity string
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.Chamber, &metric, &severity, &a.Value, &a.Message, &a.RaisedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	a.Metric = Metric(metric)
	a.Severity = Severity(severity)
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			continue
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}
