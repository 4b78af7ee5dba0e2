package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists job state.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the job table in the SQLite database at
// dbPath. The file may be shared with other stores.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		kind TEXT PRIMARY KEY,
		trigger TEXT NOT NULL,
		last_fired TEXT
	);
	`)
	return err
}

// Register records a job's trigger, keeping any LastFired already
// stored.
func (s *Store) Register(kind Kind, trigger string) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (kind, trigger) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET trigger = excluded.trigger
	`, string(kind), trigger)
	if err != nil {
		return fmt.Errorf("register job %s: %w", kind, err)
	}
	return nil
}

// Get returns a job, or nil if it was never registered.
func (s *Store) Get(kind Kind) (*Job, error) {
	var (
		j         Job
		k         string
		lastFired sql.NullString
	)
	err := s.db.QueryRow(`SELECT kind, trigger, last_fired FROM jobs WHERE kind = ?`, string(kind)).
		Scan(&k, &j.Trigger, &lastFired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", kind, err)
	}
	j.Kind = Kind(k)
	if lastFired.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastFired.String); err == nil {
			j.LastFired = &t
		}
	}
	return &j, nil
}

// MarkFired records that a job ran at at.
func (s *Store) MarkFired(kind Kind, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (kind, trigger, last_fired) VALUES (?, '', ?)
		ON CONFLICT(kind) DO UPDATE SET last_fired = excluded.last_fired
	`, string(kind), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark job %s fired: %w", kind, err)
	}
	return nil
}
