package engine

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/bamsammich/volcopy/internal/copymeta"
)

// RestoreCheckpoint provides SQLite-backed resume state for an interrupted
// restore. Backups keep their progress in the copy's own index instead.
type RestoreCheckpoint struct {
	db   *sql.DB
	path string
}

// OpenRestoreCheckpoint opens (or creates) the checkpoint database for
// restoring the copy in metaDir onto target. The DB is stored at
// $XDG_RUNTIME_DIR/volcopy/<job-id>.db or /tmp/volcopy-<job-id>.db unless dir
// is set. Progress recorded for a different copy at the same paths is reset.
func OpenRestoreCheckpoint(dir, metaDir, target, copyID string) (*RestoreCheckpoint, error) {
	dbPath := checkpointPath(dir, checkpointJobID(metaDir, target))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &RestoreCheckpoint{db: db, path: dbPath}
	if err := c.init(metaDir, target, copyID); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *RestoreCheckpoint) init(metaDir, target, copyID string) error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			idx       INTEGER PRIMARY KEY,
			committed INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var storedCopy string
	err = c.db.QueryRow("SELECT value FROM meta WHERE key = 'copy_id'").Scan(&storedCopy)
	switch {
	case err == nil && storedCopy == copyID:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read checkpoint meta: %w", err)
	}

	// New DB, or progress of another copy: start over.
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('meta_dir', ?), ('target', ?), ('copy_id', ?)",
		metaDir, target, copyID,
	); err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return tx.Commit()
}

// Cursor returns the highest session index such that it and every session
// before it are committed, or -1.
func (c *RestoreCheckpoint) Cursor() (int, error) {
	rows, err := c.db.Query("SELECT idx FROM sessions ORDER BY idx")
	if err != nil {
		return 0, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	cursor := -1
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return 0, fmt.Errorf("scan session: %w", err)
		}
		if idx != cursor+1 {
			break
		}
		cursor = idx
	}
	return cursor, rows.Err()
}

// MarkCommitted records a session as applied and synced.
func (c *RestoreCheckpoint) MarkCommitted(idx int) error {
	if _, err := c.db.Exec(
		"INSERT OR REPLACE INTO sessions (idx, committed) VALUES (?, ?)", idx, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("mark session %d: %w", idx, err)
	}
	return nil
}

// Close closes the database.
func (c *RestoreCheckpoint) Close() error {
	return c.db.Close()
}

// Remove deletes the checkpoint database and its WAL files.
func (c *RestoreCheckpoint) Remove() error {
	return removeCheckpointFiles(c.path)
}

// Path returns the path to the checkpoint database file.
func (c *RestoreCheckpoint) Path() string {
	return c.path
}

func removeCheckpointFiles(path string) error {
	var first error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}

// checkpointJobID computes a deterministic job ID from the copy's metadata
// directory and the target volume.
func checkpointJobID(metaDir, target string) string {
	h := blake3.New()
	h.Write([]byte(metaDir))
	h.Write([]byte{0})
	h.Write([]byte(target))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// checkpointPath returns the filesystem path for a restore checkpoint DB.
func checkpointPath(dir, jobID string) string {
	if dir != "" {
		return filepath.Join(dir, jobID+".db")
	}
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, "volcopy", jobID+".db")
	}
	return filepath.Join(os.TempDir(), "volcopy-"+jobID+".db")
}

// checkpointer persists per-session progress. A session is recorded only
// after its data is durable.
type checkpointer interface {
	cursor() (int, error)
	commit(s copymeta.SessionInfo, w *sessionWriter) error
}

// indexCheckpoint commits backup sessions into the copy's index.
type indexCheckpoint struct {
	idx *copymeta.Index
}

func (c indexCheckpoint) cursor() (int, error) { return c.idx.Cursor() }

func (c indexCheckpoint) commit(s copymeta.SessionInfo, w *sessionWriter) error {
	state := copymeta.SessionState{
		Index:      s.Index,
		Offset:     s.Offset,
		Length:     s.Length,
		DataLength: w.off,
		Written:    w.written,
		Inherited:  w.inherited,
		Committed:  time.Now(),
	}
	if err := c.idx.CommitSession(state, w.records); err != nil {
		return fmt.Errorf("%w: commit session %d: %w", ErrIO, s.Index, err)
	}
	return nil
}

// restoreCheckpoint adapts RestoreCheckpoint; a nil db disables persistence.
type restoreCheckpoint struct {
	db *RestoreCheckpoint
}

func (c restoreCheckpoint) cursor() (int, error) {
	if c.db == nil {
		return -1, nil
	}
	return c.db.Cursor()
}

func (c restoreCheckpoint) commit(s copymeta.SessionInfo, _ *sessionWriter) error {
	if c.db == nil {
		return nil
	}
	if err := c.db.MarkCommitted(s.Index); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}
