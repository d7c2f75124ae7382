package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store records one row per file_unique_id. The insert-or-nothing claim is
// what makes processing idempotent: of two workers handling the same
// redelivered message, exactly one wins the claim, and a file whose terminal
// outcome is already recorded is never converted again.
type Store struct {
	db    DB
	cache *Cache

	// staleAfter is how long an in_flight row keeps its owner. An in_flight
	// row younger than this belongs to a live worker and cannot be reclaimed;
	// an older one is presumed orphaned by a crash.
	staleAfter time.Duration
}

const defaultStaleAfter = 10 * time.Minute

func New(ctx context.Context, databaseDSN string, cache *Cache) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{db: pool, cache: cache, staleAfter: defaultStaleAfter}, nil
}

// NewWithDB builds a store over an existing connection. Used by tests.
func NewWithDB(db DB, cache *Cache) *Store {
	return &Store{db: db, cache: cache, staleAfter: defaultStaleAfter}
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Claim tries to take ownership of a file for processing.
// Returns proceed=true when this worker should convert the file, and the
// previously recorded terminal status otherwise.
func (s *Store) Claim(ctx context.Context, fileUniqueID, jobID string) (proceed bool, prior entities.Status, err error) {
	// Fast path: terminal outcome cached in Redis.
	if s.cache != nil {
		if st, ok := s.cache.Get(ctx, fileUniqueID); ok {
			return false, st, nil
		}
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO converted_files (file_unique_id, job_id, status, attempts)
		VALUES ($1, $2, 'in_flight', 1)
		ON CONFLICT (file_unique_id) DO NOTHING`,
		fileUniqueID, jobID)
	if err != nil {
		return false, "", fmt.Errorf("dedup claim %s: %w", fileUniqueID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, "", nil
	}

	// Row exists. A pending row was released after a transient failure and
	// is free to take. An in_flight row still has an owner: reclaim it only
	// once it has gone stale, which means the owner died without releasing.
	// A fresh in_flight row means another delivery of the same file is being
	// converted right now, and this one must not start a second conversion.
	var status string
	err = s.db.QueryRow(ctx, `
		UPDATE converted_files
		SET status = 'in_flight', attempts = attempts + 1, updated_at = now()
		WHERE file_unique_id = $1
		  AND (status = 'pending'
		       OR (status = 'in_flight' AND updated_at < now() - make_interval(secs => $2)))
		RETURNING status`,
		fileUniqueID, s.staleAfter.Seconds()).Scan(&status)
	if err == nil {
		return true, entities.Status(status), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, "", fmt.Errorf("dedup reclaim %s: %w", fileUniqueID, err)
	}

	// Terminal, or owned by a live worker. Report the recorded status so the
	// caller can ack without converting.
	err = s.db.QueryRow(ctx,
		`SELECT status FROM converted_files WHERE file_unique_id = $1`,
		fileUniqueID).Scan(&status)
	if err != nil {
		return false, "", fmt.Errorf("dedup status %s: %w", fileUniqueID, err)
	}
	prior = entities.Status(status)
	if s.cache != nil && (prior == entities.StatusSucceeded || prior == entities.StatusFailed) {
		s.cache.Store(ctx, fileUniqueID, prior)
	}
	return false, prior, nil
}

// MarkSucceeded records the terminal success for a file.
func (s *Store) MarkSucceeded(ctx context.Context, fileUniqueID string) error {
	return s.mark(ctx, fileUniqueID, entities.StatusSucceeded, "")
}

// MarkFailed records the terminal failure and its short reason category.
func (s *Store) MarkFailed(ctx context.Context, fileUniqueID, reason string) error {
	return s.mark(ctx, fileUniqueID, entities.StatusFailed, reason)
}

func (s *Store) mark(ctx context.Context, fileUniqueID string, status entities.Status, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE converted_files
		SET status = $2, reason = NULLIF($3, ''), updated_at = now()
		WHERE file_unique_id = $1`,
		fileUniqueID, string(status), reason)
	if err != nil {
		return fmt.Errorf("dedup mark %s %s: %w", fileUniqueID, status, err)
	}
	if s.cache != nil {
		s.cache.Store(ctx, fileUniqueID, status)
	}
	return nil
}

// Release drops an in-flight claim after a transient failure so the queue's
// redelivery can claim it again.
func (s *Store) Release(ctx context.Context, fileUniqueID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE converted_files
		SET status = 'pending', updated_at = now()
		WHERE file_unique_id = $1 AND status = 'in_flight'`,
		fileUniqueID)
	if err != nil {
		return fmt.Errorf("dedup release %s: %w", fileUniqueID, err)
	}
	return nil
}
