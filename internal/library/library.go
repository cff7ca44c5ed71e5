// Package library persists learned transformation patterns in SQLite and
// matches new source tables against them by structural fingerprint. A hit
// lets the pipeline skip generation entirely on its first attempt.
package library

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"datanerd/internal/logging"
	"datanerd/internal/table"
)

// Pattern is one stored transformation: the program that worked, the
// fingerprint of the source it worked on, and how well it scored.
type Pattern struct {
	ID          string
	BucketKey   string
	Fingerprint table.Fingerprint
	Program     string
	Accuracy    float64
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Options configures lookup behavior.
type Options struct {
	// SimilarityFloor is the minimum fingerprint similarity for a hit.
	SimilarityFloor float64

	// Weights for fingerprint similarity scoring.
	Weights table.SimilarityWeights
}

// DefaultOptions returns the lookup defaults.
func DefaultOptions() Options {
	return Options{
		SimilarityFloor: 0.85,
		Weights:         table.DefaultSimilarityWeights(),
	}
}

// Stats summarizes the library contents.
type Stats struct {
	Patterns    int
	TotalUsage  int
	BestAccuracy float64
	MeanAccuracy float64
}

// Library is the SQLite-backed pattern store. Safe for concurrent use.
type Library struct {
	db   *sql.DB
	mu   sync.RWMutex
	opts Options
}

// Open initializes the pattern database at the given path, creating the
// file and schema as needed.
func Open(path string, opts Options) (*Library, error) {
	timer := logging.StartTimer(logging.CategoryLibrary, "Open")
	defer timer.Stop()

	if opts.SimilarityFloor <= 0 {
		opts.SimilarityFloor = DefaultOptions().SimilarityFloor
	}
	if opts.Weights == (table.SimilarityWeights{}) {
		opts.Weights = table.DefaultSimilarityWeights()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.LibraryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.LibraryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.LibraryDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	lib := &Library{db: db, opts: opts}
	if err := lib.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Library("pattern library ready at %s", path)
	return lib, nil
}

func (l *Library) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id          TEXT PRIMARY KEY,
		bucket_key  TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		program     TEXT NOT NULL,
		accuracy    REAL NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_bucket ON patterns(bucket_key);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Library) Close() error {
	return l.db.Close()
}

// Lookup finds the best stored pattern for the given fingerprint, or
// reports no hit. Every stored entry is scored with the soft similarity
// function, so a near-identical layout in a different bucket can still
// be found; candidates below the similarity floor are dropped, and ties
// break by accuracy then by recency. Rows whose stored fingerprint no
// longer parses are skipped with a warning rather than failing the
// lookup. Bucket keys partition the store for Record's replacement
// semantics only.
func (l *Library) Lookup(fp table.Fingerprint) (*Pattern, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, bucket_key, fingerprint, program, accuracy, usage_count, created_at, updated_at
		FROM patterns`)
	if err != nil {
		return nil, false, fmt.Errorf("lookup query failed: %w", err)
	}
	defer rows.Close()

	var best *Pattern
	var bestSim float64
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			logging.LibraryWarn("skipping corrupt pattern row: %v", err)
			continue
		}
		sim := fp.Similarity(p.Fingerprint, l.opts.Weights)
		if sim < l.opts.SimilarityFloor {
			continue
		}
		if best == nil || betterCandidate(p, sim, best, bestSim) {
			best, bestSim = p, sim
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("lookup scan failed: %w", err)
	}
	if best == nil {
		logging.LibraryDebug("no pattern above floor %.2f for %s", l.opts.SimilarityFloor, fp)
		return nil, false, nil
	}
	logging.Library("pattern hit %s (similarity=%.3f accuracy=%.3f uses=%d)",
		best.ID, bestSim, best.Accuracy, best.UsageCount)
	return best, true, nil
}

// betterCandidate ranks by similarity, then accuracy, then recency.
func betterCandidate(p *Pattern, sim float64, best *Pattern, bestSim float64) bool {
	if sim != bestSim {
		return sim > bestSim
	}
	if p.Accuracy != best.Accuracy {
		return p.Accuracy > best.Accuracy
	}
	return p.UpdatedAt.After(best.UpdatedAt)
}

// Record stores a successful program for the fingerprint's bucket. Each
// bucket keeps one pattern: an existing entry is replaced only when the
// new accuracy is strictly higher, and its usage count carries over so a
// better program does not reset the pattern's history.
func (l *Library) Record(fp table.Fingerprint, program string, accuracy float64) (*Pattern, error) {
	if program == "" {
		return nil, fmt.Errorf("program must not be empty")
	}
	if accuracy < 0 || accuracy > 1 {
		return nil, fmt.Errorf("accuracy must be in [0, 1], got %g", accuracy)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fpJSON, err := json.Marshal(fp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	bucket := fp.BucketKey()
	now := time.Now().UTC()

	row := l.db.QueryRow(`
		SELECT id, bucket_key, fingerprint, program, accuracy, usage_count, created_at, updated_at
		FROM patterns WHERE bucket_key = ?`, bucket)
	existing, err := scanPattern(row)
	switch {
	case err == sql.ErrNoRows:
		p := &Pattern{
			ID:          uuid.NewString(),
			BucketKey:   bucket,
			Fingerprint: fp,
			Program:     program,
			Accuracy:    accuracy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err := l.db.Exec(`
			INSERT INTO patterns (id, bucket_key, fingerprint, program, accuracy, usage_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			p.ID, p.BucketKey, string(fpJSON), p.Program, p.Accuracy, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert pattern: %w", err)
		}
		logging.Library("pattern stored %s (accuracy=%.3f)", p.ID, accuracy)
		logging.Audit(logging.AuditPatternStored, "", map[string]interface{}{
			"pattern_id": p.ID, "accuracy": accuracy,
		})
		return p, nil

	case err != nil:
		// A corrupt existing row should not block learning; replace it.
		logging.LibraryWarn("replacing unreadable pattern row in bucket %s: %v", bucket, err)
		if _, derr := l.db.Exec(`DELETE FROM patterns WHERE bucket_key = ?`, bucket); derr != nil {
			return nil, fmt.Errorf("failed to clear corrupt pattern: %w", derr)
		}
		p := &Pattern{
			ID:          uuid.NewString(),
			BucketKey:   bucket,
			Fingerprint: fp,
			Program:     program,
			Accuracy:    accuracy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, ierr := l.db.Exec(`
			INSERT INTO patterns (id, bucket_key, fingerprint, program, accuracy, usage_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			p.ID, p.BucketKey, string(fpJSON), p.Program, p.Accuracy, p.CreatedAt, p.UpdatedAt)
		if ierr != nil {
			return nil, fmt.Errorf("failed to insert pattern: %w", ierr)
		}
		return p, nil

	default:
		if accuracy <= existing.Accuracy {
			logging.LibraryDebug("keeping existing pattern %s (%.3f >= %.3f)",
				existing.ID, existing.Accuracy, accuracy)
			return existing, nil
		}
		_, uerr := l.db.Exec(`
			UPDATE patterns SET fingerprint = ?, program = ?, accuracy = ?, updated_at = ?
			WHERE id = ?`,
			string(fpJSON), program, accuracy, now, existing.ID)
		if uerr != nil {
			return nil, fmt.Errorf("failed to update pattern: %w", uerr)
		}
		existing.Fingerprint = fp
		existing.Program = program
		existing.Accuracy = accuracy
		existing.UpdatedAt = now
		logging.Library("pattern replaced %s (accuracy %.3f)", existing.ID, accuracy)
		logging.Audit(logging.AuditPatternReplace, "", map[string]interface{}{
			"pattern_id": existing.ID, "accuracy": accuracy,
		})
		return existing, nil
	}
}

// Touch increments a pattern's usage count after a successful reuse.
func (l *Library) Touch(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`
		UPDATE patterns SET usage_count = usage_count + 1, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("pattern %s not found", id)
	}
	return nil
}

// List returns all stored patterns, most recently updated first. Corrupt
// rows are skipped with a warning.
func (l *Library) List() ([]*Pattern, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, bucket_key, fingerprint, program, accuracy, usage_count, created_at, updated_at
		FROM patterns ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list query failed: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			logging.LibraryWarn("skipping corrupt pattern row: %v", err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stats returns aggregate library statistics.
func (l *Library) Stats() (Stats, error) {
	patterns, err := l.List()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Patterns: len(patterns)}
	for _, p := range patterns {
		s.TotalUsage += p.UsageCount
		s.MeanAccuracy += p.Accuracy
		if p.Accuracy > s.BestAccuracy {
			s.BestAccuracy = p.Accuracy
		}
	}
	if len(patterns) > 0 {
		s.MeanAccuracy /= float64(len(patterns))
	}
	return s, nil
}

// Delete removes a pattern by id.
func (l *Library) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("pattern %s not found", id)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(s scanner) (*Pattern, error) {
	var p Pattern
	var fpJSON string
	if err := s.Scan(&p.ID, &p.BucketKey, &fpJSON, &p.Program, &p.Accuracy,
		&p.UsageCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fpJSON), &p.Fingerprint); err != nil {
		return nil, fmt.Errorf("pattern %s has corrupt fingerprint: %w", p.ID, err)
	}
	return &p, nil
}
