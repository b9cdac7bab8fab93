package security

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditStore is the durable mirror of the incident log, so denials
// survive restarts even though the in-memory counters do not.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the audit database at path.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	s := &AuditStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			description TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_incidents_user
			ON incidents(user_id, created_at);
	`)
	return err
}

// Insert appends one incident record.
func (s *AuditStore) Insert(inc Incident) error {
	_, err := s.db.Exec(`
		INSERT INTO incidents (user_id, description, type, created_at)
		VALUES (?, ?, ?, ?)
	`, inc.UserID, inc.Description, inc.Type, time.Unix(inc.Timestamp, 0).UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// Recent returns up to limit incidents, newest first.
func (s *AuditStore) Recent(limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT user_id, description, type, created_at
		FROM incidents
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var createdStr string
		if err := rows.Scan(&inc.UserID, &inc.Description, &inc.Type, &createdStr); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339, createdStr); err == nil {
			inc.Timestamp = ts.Unix()
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
