// Package ledger implements the durable reconciliation log.
//
// The ledger records one attempt row per (collection, identifier) in a
// local SQLite database. An attempt moves from pending to exactly one
// terminal state (committed, failed, skipped), and the pending row is
// written before any backend call so that a crash between the write and
// its acknowledgment is visible on restart. The ledger also owns the
// monotonic counters backing counter-based identifier assignment.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/ingestd/internal/ledger/migrations"
)

// State is the lifecycle state of an ingestion attempt.
type State string

const (
	// StatePending marks an attempt whose backend write is in flight.
	StatePending State = "pending"
	// StateCommitted marks an attempt acknowledged by the backend.
	StateCommitted State = "committed"
	// StateFailed marks an attempt whose backend write failed.
	StateFailed State = "failed"
	// StateSkipped marks an attempt resolved without a backend write.
	StateSkipped State = "skipped"
)

// terminal reports whether the state accepts no further transitions.
func (s State) terminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateSkipped
}

// Sentinel errors for ledger operations.
var (
	// ErrNotFound is returned when an attempt does not exist.
	ErrNotFound = errors.New("attempt not found")

	// ErrWriteConflict is returned when an identifier already has a live
	// pending or committed attempt.
	ErrWriteConflict = errors.New("write conflict: attempt already pending or committed")

	// ErrFingerprintMismatch is returned when an identifier is already
	// committed with a different fingerprint.
	ErrFingerprintMismatch = errors.New("identifier already bound to a different fingerprint")

	// ErrStateConflict is returned on an invalid state transition.
	ErrStateConflict = errors.New("invalid attempt state transition")
)

// Attempt is one ingestion attempt for a (collection, identifier) pair.
type Attempt struct {
	Collection   string    `json:"collection"`
	Identifier   string    `json:"identifier"`
	Fingerprint  string    `json:"fingerprint"`
	State        State     `json:"state"`
	BackendCount int       `json:"backend_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IntentOptions controls RecordIntent behavior.
type IntentOptions struct {
	// PendingMaxAge is the age after which an existing pending attempt
	// is treated as abandoned and taken over.
	PendingMaxAge time.Duration

	// AllowRebind permits re-taking an identifier that is committed with
	// a different fingerprint. Used by the upsert-on-conflict path.
	AllowRebind bool
}

// Store is the SQLite-backed reconciliation log.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// NewStore creates a ledger store at the specified data directory.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dataDir == "" {
		return nil, errors.New("data directory required")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ledger.db")

	// WAL mode for better concurrency between writers and the sweeper.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Debug("ledger opened", zap.String("path", dbPath))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// Extract version number (e.g., "001_initial.up.sql" -> 1).
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}

		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}

		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// RecordIntent writes a pending attempt for (collection, identifier),
// claiming the identifier before any backend call.
//
// A fresh pending attempt or a committed attempt blocks the claim with
// ErrWriteConflict. A pending attempt older than PendingMaxAge is treated
// as abandoned and taken over. Failed and skipped attempts are retried.
// A committed attempt with a different fingerprint returns
// ErrFingerprintMismatch unless AllowRebind is set.
func (s *Store) RecordIntent(ctx context.Context, collection, identifier, fingerprint string, opts IntentOptions) error {
	if collection == "" || identifier == "" || fingerprint == "" {
		return errors.New("collection, identifier, and fingerprint required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var existingFP string
	var existingState State
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT fingerprint, state, updated_at FROM attempts WHERE collection = ? AND identifier = ?`,
		collection, identifier,
	).Scan(&existingFP, &existingState, &updatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attempts (collection, identifier, fingerprint, state, backend_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?)`,
			collection, identifier, fingerprint, StatePending, now, now,
		)
		if err != nil {
			if isConstraintError(err) {
				// Another writer claimed the identifier first.
				return ErrWriteConflict
			}
			return fmt.Errorf("inserting attempt: %w", err)
		}

	case err != nil:
		return fmt.Errorf("querying attempt: %w", err)

	default:
		switch existingState {
		case StatePending:
			if opts.PendingMaxAge <= 0 || now.Sub(updatedAt) < opts.PendingMaxAge {
				return fmt.Errorf("%w: identifier %s is in flight", ErrWriteConflict, identifier)
			}
			// Abandoned by a crashed writer. Take it over.
			s.logger.Warn("taking over stale pending attempt",
				zap.String("collection", collection),
				zap.String("identifier", identifier),
				zap.Time("last_update", updatedAt),
			)
		case StateCommitted:
			if existingFP != fingerprint && !opts.AllowRebind {
				return fmt.Errorf("%w: identifier %s", ErrFingerprintMismatch, identifier)
			}
			if existingFP == fingerprint {
				return fmt.Errorf("%w: identifier %s already committed", ErrWriteConflict, identifier)
			}
		case StateFailed, StateSkipped:
			// Retry is always allowed from a terminal failure.
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE attempts SET fingerprint = ?, state = ?, backend_count = 0, updated_at = ?
			 WHERE collection = ? AND identifier = ?`,
			fingerprint, StatePending, now, collection, identifier,
		); err != nil {
			return fmt.Errorf("updating attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RecordOutcome moves a pending attempt to a terminal state.
//
// Repeating an outcome that is already recorded is a no-op, so retries
// of the acknowledgment path stay idempotent. Moving between two
// different terminal states returns ErrStateConflict.
func (s *Store) RecordOutcome(ctx context.Context, collection, identifier string, state State, backendCount int) error {
	if !state.terminal() {
		return fmt.Errorf("%w: outcome must be terminal, got %q", ErrStateConflict, state)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current State
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM attempts WHERE collection = ? AND identifier = ?`,
		collection, identifier,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, identifier)
	}
	if err != nil {
		return fmt.Errorf("querying attempt: %w", err)
	}

	if current.terminal() {
		if current == state {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrStateConflict, current, state)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET state = ?, backend_count = ?, updated_at = ?
		 WHERE collection = ? AND identifier = ?`,
		state, backendCount, time.Now().UTC(), collection, identifier,
	); err != nil {
		return fmt.Errorf("updating attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Adopt records a committed attempt for a row discovered in the backend
// without a ledger entry, reconciling state after restarts or ledger
// loss. Existing attempts are left untouched.
func (s *Store) Adopt(ctx context.Context, collection, identifier, fingerprint string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (collection, identifier, fingerprint, state, backend_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (collection, identifier) DO NOTHING`,
		collection, identifier, fingerprint, StateCommitted, now, now,
	)
	if err != nil {
		return fmt.Errorf("adopting attempt: %w", err)
	}
	return nil
}

// Get returns the attempt for (collection, identifier).
func (s *Store) Get(ctx context.Context, collection, identifier string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT collection, identifier, fingerprint, state, backend_count, created_at, updated_at
		 FROM attempts WHERE collection = ? AND identifier = ?`,
		collection, identifier,
	)

	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, identifier)
	}
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// GetBatch returns the attempts for the given identifiers, keyed by
// identifier. Missing identifiers are simply absent from the result.
func (s *Store) GetBatch(ctx context.Context, collection string, identifiers []string) (map[string]*Attempt, error) {
	if len(identifiers) == 0 {
		return map[string]*Attempt{}, nil
	}

	query := fmt.Sprintf(
		`SELECT collection, identifier, fingerprint, state, backend_count, created_at, updated_at
		 FROM attempts WHERE collection = ? AND identifier IN (%s)`,
		placeholders(len(identifiers)),
	)

	args := make([]interface{}, 0, len(identifiers)+1)
	args = append(args, collection)
	for _, id := range identifiers {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Attempt, len(identifiers))
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result[attempt.Identifier] = attempt
	}
	return result, rows.Err()
}

// CommittedByFingerprint returns a fingerprint -> identifier map for
// committed attempts carrying any of the given fingerprints.
func (s *Store) CommittedByFingerprint(ctx context.Context, collection string, fingerprints []string) (map[string]string, error) {
	if len(fingerprints) == 0 {
		return map[string]string{}, nil
	}

	query := fmt.Sprintf(
		`SELECT fingerprint, identifier FROM attempts
		 WHERE collection = ? AND state = ? AND fingerprint IN (%s)`,
		placeholders(len(fingerprints)),
	)

	args := make([]interface{}, 0, len(fingerprints)+2)
	args = append(args, collection, StateCommitted)
	for _, fp := range fingerprints {
		args = append(args, fp)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var fp, id string
		if err := rows.Scan(&fp, &id); err != nil {
			return nil, fmt.Errorf("scanning fingerprint row: %w", err)
		}
		result[fp] = id
	}
	return result, rows.Err()
}

// StalePending returns pending attempts older than maxAge. An empty
// collection matches all collections.
func (s *Store) StalePending(ctx context.Context, collection string, maxAge time.Duration) ([]Attempt, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	query := `SELECT collection, identifier, fingerprint, state, backend_count, created_at, updated_at
	          FROM attempts WHERE state = ? AND updated_at < ?`
	args := []interface{}{StatePending, cutoff}
	if collection != "" {
		query += " AND collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY collection, updated_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stale pending attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// CollectionsWithPending returns the collections that currently hold
// pending attempts.
func (s *Store) CollectionsWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM attempts WHERE state = ? ORDER BY collection`,
		StatePending,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending collections: %w", err)
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		collections = append(collections, name)
	}
	return collections, rows.Err()
}

// CountByState returns attempt counts per state for a collection.
func (s *Store) CountByState(ctx context.Context, collection string) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM attempts WHERE collection = ? GROUP BY state`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("counting attempts: %w", err)
	}
	defer rows.Close()

	result := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		result[state] = count
	}
	return result, rows.Err()
}

// ReserveIdentifiers atomically reserves n consecutive counter values for
// a collection and returns the first reserved value.
//
// A collection's counter is seeded from seed (at least 1) on first use.
// The reservation is a single upsert, so concurrent callers always
// receive disjoint ranges.
func (s *Store) ReserveIdentifiers(ctx context.Context, collection string, n int, seed int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reservation size must be positive: %d", n)
	}
	if seed < 1 {
		seed = 1
	}

	var next int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (collection, next_value) VALUES (?, ? + ?)
		 ON CONFLICT (collection) DO UPDATE SET next_value = next_value + ?
		 RETURNING next_value`,
		collection, seed, n, n,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("reserving identifiers: %w", err)
	}

	return next - int64(n), nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanAttempt.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var a Attempt
	if err := row.Scan(
		&a.Collection, &a.Identifier, &a.Fingerprint, &a.State,
		&a.BackendCount, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning attempt: %w", err)
	}
	return &a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isConstraintError reports whether err is a SQLite constraint violation.
func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
