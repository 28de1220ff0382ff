package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is a SQLite-backed reading store.
type Store struct {
	db *sql.DB
}

// NewStore creates a reading store on an open database handle and
// applies the schema. The caller owns the handle; production code
// opens it with the go-sqlite3 driver in WAL mode, tests use the pure
// Go driver in memory.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		chamber TEXT NOT NULL,
		species TEXT NOT NULL,
		temp_c REAL NOT NULL,
		humidity_pct REAL NOT NULL,
		co2_ppm REAL NOT NULL,
		light_lux REAL NOT NULL,
		substrate_moisture_pct REAL NOT NULL,
		water_quality_index REAL NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_chamber ON readings(chamber, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_readings_recorded ON readings(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert validates and stores a reading, assigning an ID when absent.
func (s *Store) Insert(r *Reading) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate reading ID: %w", err)
		}
		r.ID = id.String()
	}

	_, err := s.db.Exec(`
		INSERT INTO readings (id, chamber, species, temp_c, humidity_pct, co2_ppm,
		                      light_lux, substrate_moisture_pct, water_quality_index, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Chamber, string(r.Species), r.TempC, r.HumidityPct, r.CO2PPM,
		r.LightLux, r.SubstrateMoisturePct, r.WaterQualityIndex, r.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Latest returns the most recent reading for a chamber, or nil when
// the chamber has never reported.
func (s *Store) Latest(chamber string) (*Reading, error) {
	row := s.db.QueryRow(`
		SELECT id, chamber, species, temp_c, humidity_pct, co2_ppm,
		       light_lux, substrate_moisture_pct, water_quality_index, recorded_at
		FROM readings
		WHERE chamber = ?
		ORDER BY recorded_at DESC
		LIMIT 1
	`, chamber)

	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest reading: %w", err)
	}
	return r, nil
}

// LatestAll returns the newest reading per chamber, ordered by chamber
// name. This backs the dashboard overview.
func (s *Store) LatestAll() ([]Reading, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.chamber, r.species, r.temp_c, r.humidity_pct, r.co2_ppm,
		       r.light_lux, r.substrate_moisture_pct, r.water_quality_index, r.recorded_at
		FROM readings r
		JOIN (
			SELECT chamber, MAX(recorded_at) AS recorded_at
			FROM readings GROUP BY chamber
		) m ON r.chamber = m.chamber AND r.recorded_at = m.recorded_at
		ORDER BY r.chamber
	`)
	if err != nil {
		return nil, fmt.Errorf("latest readings: %w", err)
	}
	defer rows.Close()

	return collectReadings(rows)
}

// maxWindowRows caps a window query so a runaway client cannot pull
// the whole table into memory.
const maxWindowRows = 5000

// Window returns readings for a chamber within [from, to], oldest
// first. A zero `to` means now.
func (s *Store) Window(chamber string, from, to time.Time) ([]Reading, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	rows, err := s.db.Query(`
		SELECT id, chamber, species, temp_c, humidity_pct, co2_ppm,
		       light_lux, substrate_moisture_pct, water_quality_index, recorded_at
		FROM readings
		WHERE chamber = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at ASC
		LIMIT ?
	`, chamber, from.UTC(), to.UTC(), maxWindowRows)
	if err != nil {
		return nil, fmt.Errorf("window query: %w", err)
	}
	defer rows.Close()

	return collectReadings(rows)
}

// Series returns an evenly thinned view of a chamber window for chart
// rendering: at most maxPoints readings, keeping first and last. The
// thinning is positional, not time-bucketed — chart axes interpolate
// fine and this keeps the query one pass.
func (s *Store) Series(chamber string, from, to time.Time, maxPoints int) ([]Reading, error) {
	readings, err := s.Window(chamber, from, to)
	if err != nil {
		return nil, err
	}
	if maxPoints <= 0 || len(readings) <= maxPoints {
		return readings, nil
	}

	out := make([]Reading, 0, maxPoints)
	step := float64(len(readings)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints; i++ {
		out = append(out, readings[int(float64(i)*step+0.5)])
	}
	out[maxPoints-1] = readings[len(readings)-1]
	return out, nil
}

// Chambers returns the distinct chamber names seen so far.
func (s *Store) Chambers() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT chamber FROM readings ORDER BY chamber`)
	if err != nil {
		return nil, fmt.Errorf("list chambers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Stats returns storage statistics for the health endpoint.
func (s *Store) Stats() map[string]any {
	var total, chambers int
	var oldest, newest sql.NullTime

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&total)
	_ = s.db.QueryRow(`SELECT COUNT(DISTINCT chamber) FROM readings`).Scan(&chambers)
	_ = s.db.QueryRow(`SELECT MIN(recorded_at), MAX(recorded_at) FROM readings`).Scan(&oldest, &newest)

	stats := map[string]any{
		"readings": total,
		"chambers": chambers,
	}
	if newest.Valid {
		stats["newest"] = newest.Time.UTC().Format(time.RFC3339)
	}
	if oldest.Valid {
		stats["oldest"] = oldest.Time.UTC().Format(time.RFC3339)
	}
	return stats
}

// Prune deletes readings older than the cutoff and reports how many
// rows were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM readings WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*Reading, error) {
	var r Reading
	var species string
	err := row.Scan(&r.ID, &r.Chamber, &species, &r.TempC, &r.HumidityPct, &r.CO2PPM,
		&r.LightLux, &r.SubstrateMoisturePct, &r.WaterQualityIndex, &r.RecordedAt)
	if err != nil {
		return nil, err
	}
	r.Species = Species(species)
	return &r, nil
}

func collectReadings(rows *sql.Rows) ([]Reading, error) {
	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
