// Package storage keeps a SQLite index of finished conversations and
// onboarding outcomes, so operators can query collection progress without
// walking the transcript folder.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the run index.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "annotalk.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies any embedded SQL migration files that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Runs ---

// SaveRun records one finished conversation.
func (s *Store) SaveRun(r Run) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (conversation_id, bot_name, worker_id, file_path, violations, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ConversationID, r.BotName, r.WorkerID, r.FilePath, r.Violations, r.NumTurns,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetRun returns one run by conversation id.
func (s *Store) GetRun(conversationID string) (Run, error) {
	var r Run
	var createdAt string
	err := s.db.QueryRow(`
		SELECT conversation_id, bot_name, worker_id, file_path, violations, num_turns, created_at
		FROM runs WHERE conversation_id = ?`, conversationID,
	).Scan(&r.ConversationID, &r.BotName, &r.WorkerID, &r.FilePath, &r.Violations, &r.NumTurns, &createdAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, bot_name, worker_id, file_path, violations, num_turns, created_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		var createdAt string
		if err := rows.Scan(&r.ConversationID, &r.BotName, &r.WorkerID, &r.FilePath, &r.Violations, &r.NumTurns, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// RunCountsByBot returns completed-conversation counts keyed by bot identity.
func (s *Store) RunCountsByBot() (map[string]int, error) {
	rows, err := s.db.Query("SELECT bot_name, COUNT(*) FROM runs GROUP BY bot_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var bot string
		var n int
		if err := rows.Scan(&bot, &n); err != nil {
			return nil, err
		}
		counts[bot] = n
	}
	return counts, rows.Err()
}

// --- Qualifications ---

// GrantQualification records a qualification for a worker, replacing any
// prior value. It satisfies qualify.Granter.
func (s *Store) GrantQualification(ctx context.Context, workerID, qualification string, value int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qualifications (worker_id, qualification, value, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker_id, qualification) DO UPDATE SET value = excluded.value, granted_at = excluded.granted_at`,
		workerID, qualification, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// HasQualification reports whether the worker holds the named qualification.
func (s *Store) HasQualification(workerID, qualification string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM qualifications WHERE worker_id = ? AND qualification = ?",
		workerID, qualification,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Onboarding ---

// SaveOnboarding records one terminal onboarding session.
func (s *Store) SaveOnboarding(res OnboardingResult) error {
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO onboarding_results (worker_id, status, created_at) VALUES (?, ?, ?)`,
		res.WorkerID, res.Status, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// OnboardingCounts returns session counts keyed by terminal status.
func (s *Store) OnboardingCounts() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM onboarding_results GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
