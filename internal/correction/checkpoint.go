package correction

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/awalczyk/anima-agent/internal/config"
)

// Trigger classifies why a checkpoint was taken.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerStable     Trigger = "stable"
	TriggerQuarantine Trigger = "quarantine"
)

// ModelState is the snapshot a checkpoint carries: enough to restore
// the model's generation behavior after a rollback.
type ModelState struct {
	ModelName string         `json:"model_name"`
	Profile   config.Profile `json:"profile"`
	SavedAt   int64          `json:"saved_at"`
}

// Checkpoint is one stored snapshot. State is nil on listing calls.
type Checkpoint struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Trigger   Trigger
	Note      string
	State     *ModelState
	ByteSize  int64
}

// CheckpointStore persists model-state snapshots in SQLite, gzipped.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore opens (or creates) the checkpoint database.
func NewCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s := &CheckpointStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return s, nil
}

func (s *CheckpointStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			note TEXT,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_trigger
			ON checkpoints(trigger);
	`)
	return err
}

// Create saves a new checkpoint and returns it with ID populated.
func (s *CheckpointStore) Create(trigger Trigger, note string, state *ModelState) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()
	now := time.Now().UTC()

	cp := &Checkpoint{
		ID:        id,
		CreatedAt: now,
		Trigger:   trigger,
		Note:      note,
		State:     state,
		ByteSize:  int64(len(compressed)),
	}

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, created_at, trigger, note, state_gz, byte_size)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), now.Format(time.RFC3339), string(trigger), note, compressed, len(compressed))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return cp, nil
}

// Get retrieves a checkpoint by ID, including full state.
func (s *CheckpointStore) Get(id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, note, state_gz, byte_size
		FROM checkpoints WHERE id = ?
	`, id.String())
	return s.scanFull(row)
}

// Latest returns the most recent checkpoint, or nil if none exist.
func (s *CheckpointStore) Latest() (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, note, state_gz, byte_size
		FROM checkpoints
		ORDER BY created_at DESC
		LIMIT 1
	`)
	cp, err := s.scanFull(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// LatestStable returns the most recent checkpoint taken with the
// stable trigger, or nil if none exist. Quarantine rolls back to it.
func (s *CheckpointStore) LatestStable() (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, note, state_gz, byte_size
		FROM checkpoints
		WHERE trigger = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, string(TriggerStable))
	cp, err := s.scanFull(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// List returns checkpoint metadata ordered newest first, without the
// stored state.
func (s *CheckpointStore) List(limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, trigger, note, byte_size
		FROM checkpoints
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var idStr, createdStr, triggerStr string
		var note sql.NullString
		if err := rows.Scan(&idStr, &createdStr, &triggerStr, &note, &cp.ByteSize); err != nil {
			return nil, err
		}
		cp.ID, _ = uuid.Parse(idStr)
		cp.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		cp.Trigger = Trigger(triggerStr)
		if note.Valid {
			cp.Note = note.String
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}

// Prune removes checkpoints older than the given duration, keeping at
// least minKeep. Returns the number deleted.
func (s *CheckpointStore) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.Exec(`
		DELETE FROM checkpoints
		WHERE id IN (
			SELECT id FROM checkpoints
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff.Format(time.RFC3339), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Close releases the database handle.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func (s *CheckpointStore) scanFull(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	var note sql.NullString
	var stateGz []byte

	err := row.Scan(&idStr, &createdStr, &triggerStr, &note, &stateGz, &cp.ByteSize)
	if err != nil {
		return nil, err
	}

	cp.ID, _ = uuid.Parse(idStr)
	cp.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	cp.Trigger = Trigger(triggerStr)
	if note.Valid {
		cp.Note = note.String
	}

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &cp, nil
}
