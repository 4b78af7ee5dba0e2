package alerts

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a rule ID does not exist.
var ErrNotFound = errors.New("alert rule not found")

// Store persists alert rules in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the rule database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate alerts: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			message TEXT NOT NULL,
			cooldown_seconds INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_fired TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_alert_rules_enabled ON alert_rules(enabled);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Add validates and persists a new rule, filling ID and CreatedAt.
func (s *Store) Add(r *Rule) error {
	if strings.TrimSpace(r.EntityID) == "" {
		return errors.New("entity_id is required")
	}
	if _, err := ParseOperator(string(r.Operator)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message is required")
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO alert_rules (id, entity_id, operator, threshold, message, cooldown_seconds, created_by, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.EntityID, string(r.Operator), r.Threshold, r.Message,
		int64(r.Cooldown/time.Second), r.CreatedBy, boolInt(r.Enabled),
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// Get returns one rule.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, entity_id, operator, threshold, message, cooldown_seconds, created_by, enabled, created_at, last_fired
		FROM alert_rules WHERE id = ?
	`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, err
}

// List returns rules ordered by creation. With enabledOnly, disabled
// rules are skipped.
func (s *Store) List(enabledOnly bool) ([]*Rule, error) {
	q := `SELECT id, entity_id, operator, threshold, message, cooldown_seconds, created_by, enabled, created_at, last_fired
		FROM alert_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Remove deletes a rule.
func (s *Store) Remove(id string) error {
	res, err := s.db.Exec(`DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// SetEnabled toggles a rule.
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE alert_rules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFired records a delivered alert. Only the poll job calls this.
func (s *Store) MarkFired(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE alert_rules SET last_fired = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*Rule, error) {
	var (
		r         Rule
		op        string
		cooldown  int64
		enabled   int
		createdAt string
		lastFired sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.EntityID, &op, &r.Threshold, &r.Message, &cooldown,
		&r.CreatedBy, &enabled, &createdAt, &lastFired); err != nil {
		return nil, err
	}
	r.Operator = Operator(op)
	r.Cooldown = time.Duration(cooldown) * time.Second
	r.Enabled = enabled == 1
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastFired.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastFired.String); err == nil {
			r.LastFired = &t
		}
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DB exposes the underlying database so other small stores can share
// the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}
