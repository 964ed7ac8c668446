// Package store implements the output store: content-addressed output
// artifacts with a SQLite metadata index, offset-bounded reads, and
// eviction by count or age.
//
// Grounded on the teacher's sqlite-backed repositories (sqlx query style)
// and on internal/agentctl/server/process.ringBuffer's file-boundary
// accounting; this package is the persistence half that the ring and
// pipeline reader hand off to/from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// Kind enumerates the kinds of artifact the store can hold.
type Kind string

const (
	KindStdout   Kind = "stdout"
	KindStderr   Kind = "stderr"
	KindCombined Kind = "combined"
	KindLog      Kind = "log"
	KindTemp     Kind = "temp"
)

// Artifact mirrors the spec's OutputArtifact.
type Artifact struct {
	ID          ids.OutputID
	Kind        Kind
	Path        string
	Size        int64
	ExecutionID ids.ExecutionID
	CreatedAt   time.Time
	Subscribed  bool
}

// ReadResult is the result of a ReadByOffset call.
type ReadResult struct {
	Content     []byte
	TotalSize   int64
	IsTruncated bool
}

// ListFilter narrows ListWithFilter.
type ListFilter struct {
	ExecutionID ids.ExecutionID
	Kind        Kind
	Limit       int
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	execution_id TEXT,
	created_at TIMESTAMP NOT NULL,
	subscribed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);
`

// Store is the output store: artifact bytes on disk under root, indexed
// in a private SQLite database. It is owned by a single process.
type Store struct {
	root string
	db   *sqlx.DB
	log  *logger.Logger
}

// Open creates (if needed) the directory layout under root and opens (or
// creates) its SQLite index.
func Open(root string, log *logger.Logger) (*Store, error) {
	for _, sub := range []string{"output", "log", "temp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", sub, err)
		}
	}

	db, err := sqlx.Open("sqlite3", filepath.Join(root, "index.db")+"?_journal=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index: %w", err)
	}

	return &Store{root: root, db: db, log: log.WithFields(zap.String("component", "store"))}, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) pathFor(id ids.OutputID, kind Kind) string {
	sub := "output"
	if kind == KindTemp {
		sub = "temp"
	} else if kind == KindLog {
		sub = "log"
	}
	return filepath.Join(s.root, sub, string(id))
}

// Register indexes an already-written file at path under a fresh OutputID.
func (s *Store) Register(ctx context.Context, path string, kind Kind, execID ids.ExecutionID) (ids.OutputID, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	id := ids.NewOutputID()
	dest := s.pathFor(id, kind)
	if err := os.Rename(path, dest); err != nil {
		if copyErr := copyFile(path, dest); copyErr != nil {
			return "", fmt.Errorf("moving artifact into store: %w", copyErr)
		}
		os.Remove(path)
	}
	if err := s.insert(ctx, id, kind, dest, info.Size(), execID); err != nil {
		return "", err
	}
	return id, nil
}

// CreateFromString writes content directly into a new artifact.
func (s *Store) CreateFromString(ctx context.Context, kind Kind, content string, execID ids.ExecutionID) (ids.OutputID, error) {
	id := ids.NewOutputID()
	dest := s.pathFor(id, kind)
	if err := os.WriteFile(dest, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := s.insert(ctx, id, kind, dest, int64(len(content)), execID); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) insert(ctx context.Context, id ids.OutputID, kind Kind, path string, size int64, execID ids.ExecutionID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, kind, path, size, execution_id, created_at, subscribed)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		string(id), string(kind), path, size, string(execID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("indexing artifact: %w", err)
	}
	if err := s.evictIfOverflowing(ctx); err != nil {
		s.log.Warn("eviction sweep failed", zap.Error(err))
	}
	return nil
}

type artifactRow struct {
	ID          string    `db:"id"`
	Kind        string    `db:"kind"`
	Path        string    `db:"path"`
	Size        int64     `db:"size"`
	ExecutionID string    `db:"execution_id"`
	CreatedAt   time.Time `db:"created_at"`
	Subscribed  bool      `db:"subscribed"`
}

func (r artifactRow) toArtifact() Artifact {
	return Artifact{
		ID:          ids.OutputID(r.ID),
		Kind:        Kind(r.Kind),
		Path:        r.Path,
		Size:        r.Size,
		ExecutionID: ids.ExecutionID(r.ExecutionID),
		CreatedAt:   r.CreatedAt,
		Subscribed:  r.Subscribed,
	}
}

// GetByID returns the artifact metadata for id.
func (s *Store) GetByID(ctx context.Context, id ids.OutputID) (Artifact, error) {
	var row artifactRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM artifacts WHERE id = ?`, string(id))
	if err == sql.ErrNoRows {
		return Artifact{}, fmt.Errorf("output %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, err
	}
	return row.toArtifact(), nil
}

// ErrNotFound is returned when an OutputID has no artifact.
var ErrNotFound = fmt.Errorf("artifact not found")

// ReadByOffset reads up to size bytes starting at offset, never returning
// more than requested, and reports whether more bytes remain. The first
// successful read flips the artifact's subscribed flag.
func (s *Store) ReadByOffset(ctx context.Context, id ids.OutputID, offset, size int64) (ReadResult, error) {
	art, err := s.GetByID(ctx, id)
	if err != nil {
		return ReadResult{}, err
	}

	f, err := os.Open(art.Path)
	if err != nil {
		return ReadResult{}, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	if offset < 0 || offset > art.Size {
		return ReadResult{}, fmt.Errorf("offset %d out of range [0,%d]", offset, art.Size)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ReadResult{}, err
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return ReadResult{}, fmt.Errorf("reading artifact: %w", err)
	}

	remaining := art.Size - (offset + int64(n))
	if !art.Subscribed {
		_, _ = s.db.ExecContext(ctx, `UPDATE artifacts SET subscribed = 1 WHERE id = ?`, string(id))
	}

	return ReadResult{Content: buf[:n], TotalSize: art.Size, IsTruncated: remaining > 0}, nil
}

// ListWithFilter lists artifacts matching filter, newest first.
func (s *Store) ListWithFilter(ctx context.Context, filter ListFilter) ([]Artifact, error) {
	query := `SELECT * FROM artifacts WHERE 1=1`
	var args []interface{}
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, string(filter.ExecutionID))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var rows []artifactRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]Artifact, len(rows))
	for i, r := range rows {
		out[i] = r.toArtifact()
	}
	return out, nil
}

// DeleteMany deletes the named artifacts. confirm must be true or the call
// is a no-op returning the would-be-deleted count.
func (s *Store) DeleteMany(ctx context.Context, outIDs []ids.OutputID, confirm bool) (int, error) {
	if len(outIDs) == 0 {
		return 0, nil
	}
	if !confirm {
		return len(outIDs), nil
	}
	count := 0
	for _, id := range outIDs {
		art, err := s.GetByID(ctx, id)
		if err != nil {
			continue
		}
		_ = os.Remove(art.Path)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, string(id)); err == nil {
			count++
		}
	}
	return count, nil
}

// DeleteAllForExecution removes every artifact bound to execID.
func (s *Store) DeleteAllForExecution(ctx context.Context, execID ids.ExecutionID) (int, error) {
	arts, err := s.ListWithFilter(ctx, ListFilter{ExecutionID: execID})
	if err != nil {
		return 0, err
	}
	outIDs := make([]ids.OutputID, len(arts))
	for i, a := range arts {
		outIDs[i] = a.ID
	}
	return s.DeleteMany(ctx, outIDs, true)
}

// maxLiveArtifacts bounds the store before an overflow eviction kicks in.
const maxLiveArtifacts = 10000

// evictOldestBatch is how many artifacts an overflow eviction reclaims at once.
const evictOldestBatch = 100

func (s *Store) evictIfOverflowing(ctx context.Context) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM artifacts`); err != nil {
		return err
	}
	if count < maxLiveArtifacts {
		return nil
	}
	var stale []artifactRow
	if err := s.db.SelectContext(ctx, &stale,
		`SELECT * FROM artifacts ORDER BY created_at ASC LIMIT ?`, evictOldestBatch); err != nil {
		return err
	}
	outIDs := make([]ids.OutputID, len(stale))
	for i, r := range stale {
		outIDs[i] = ids.OutputID(r.ID)
	}
	_, err := s.DeleteMany(ctx, outIDs, true)
	return err
}

// CleanupSuggestion names an artifact a cleanup pass would remove, and why.
type CleanupSuggestion struct {
	Artifact Artifact
	Reason   string
}

// CleanupSuggestions reports, without deleting, every artifact older than
// maxAge beyond the newest keepNewest artifacts.
func (s *Store) CleanupSuggestions(ctx context.Context, keepNewest int, maxAge time.Duration) ([]CleanupSuggestion, error) {
	all, err := s.ListWithFilter(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	if keepNewest >= len(all) {
		return nil, nil
	}
	cutoff := time.Now().Add(-maxAge)
	var out []CleanupSuggestion
	for _, a := range all[keepNewest:] {
		if a.CreatedAt.Before(cutoff) {
			out = append(out, CleanupSuggestion{Artifact: a, Reason: "older than retention threshold"})
		}
	}
	return out, nil
}

// AutoCleanup deletes what CleanupSuggestions reports unless dryRun is
// true, in which case it only reports.
func (s *Store) AutoCleanup(ctx context.Context, keepNewest int, maxAge time.Duration, dryRun bool) ([]CleanupSuggestion, error) {
	suggestions, err := s.CleanupSuggestions(ctx, keepNewest, maxAge)
	if err != nil || dryRun || len(suggestions) == 0 {
		return suggestions, err
	}
	outIDs := make([]ids.OutputID, len(suggestions))
	for i, sug := range suggestions {
		outIDs[i] = sug.Artifact.ID
	}
	_, err = s.DeleteMany(ctx, outIDs, true)
	return suggestions, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
