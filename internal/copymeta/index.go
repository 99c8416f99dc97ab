package copymeta

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// ErrOutOfOrder is returned when a session commit would not advance the
// cursor by exactly one.
var ErrOutOfOrder = errors.New("session committed out of order")

// Codec identifies how a block payload is stored in a data file.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Block is the persisted record of one block of a copy.
type Block struct {
	Index        int64 // volume-wide block index
	Session      int
	Offset       int64
	Length       int64
	Digest       []byte
	Inherited    bool   // unchanged since the previous copy
	Holder       string // copy id whose data file holds the payload
	DataOffset   int64
	StoredLength int64
	Codec        Codec
	Checksum     uint64 // xxhash64 of the stored payload
	Zero         bool   // all-zero block, no payload stored
}

// SessionState is the committed state of one session.
type SessionState struct {
	Index      int
	Offset     int64
	Length     int64
	DataLength int64 // bytes appended to this session's data file
	Written    int64 // logical bytes of blocks this copy wrote
	Inherited  int64 // blocks referenced from an earlier copy
	Committed  time.Time
}

// Index is the SQLite-backed record of sessions, blocks and the checkpoint
// cursor of one copy.
type Index struct {
	db   *sql.DB
	path string
}

// OpenIndex opens (or creates) the index in dir.
func OpenIndex(dir string) (*Index, error) {
	path := filepath.Join(dir, IndexName)
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// A single connection keeps transactions and reads strictly ordered.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, path: path}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) init() error {
	_, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			idx          INTEGER PRIMARY KEY,
			offset       INTEGER NOT NULL,
			length       INTEGER NOT NULL,
			data_length  INTEGER NOT NULL,
			written      INTEGER NOT NULL,
			inherited    INTEGER NOT NULL,
			committed    INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS blocks (
			idx           INTEGER PRIMARY KEY,
			session       INTEGER NOT NULL,
			offset        INTEGER NOT NULL,
			length        INTEGER NOT NULL,
			digest        BLOB,
			inherited     INTEGER NOT NULL,
			holder        TEXT NOT NULL,
			data_offset   INTEGER NOT NULL,
			stored_length INTEGER NOT NULL,
			codec         INTEGER NOT NULL,
			checksum      INTEGER NOT NULL,
			zero          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS blocks_session ON blocks (session);
		INSERT OR IGNORE INTO meta (key, value) VALUES ('cursor', '-1');
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Cursor returns the index of the last committed session, or -1.
func (x *Index) Cursor() (int, error) {
	var v string
	if err := x.db.QueryRow("SELECT value FROM meta WHERE key = 'cursor'").Scan(&v); err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return n, nil
}

// CommitSession persists a session's block records and advances the cursor
// to it in one transaction. The session must directly follow the cursor.
func (x *Index) CommitSession(s SessionState, blocks []Block) error {
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var v string
	if err := tx.QueryRow("SELECT value FROM meta WHERE key = 'cursor'").Scan(&v); err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	cursor, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse cursor %q: %w", v, err)
	}
	if s.Index != cursor+1 {
		return fmt.Errorf("session %d after cursor %d: %w", s.Index, cursor, ErrOutOfOrder)
	}

	if _, err := tx.Exec("DELETE FROM blocks WHERE session = ?", s.Index); err != nil {
		return fmt.Errorf("clear session %d: %w", s.Index, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO blocks
		(idx, session, offset, length, digest, inherited, holder, data_offset, stored_length, codec, checksum, zero)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.Exec(
			b.Index, s.Index, b.Offset, b.Length, b.Digest, b.Inherited, b.Holder,
			b.DataOffset, b.StoredLength, int(b.Codec), int64(b.Checksum), b.Zero, //nolint:gosec // G115: checksum bits round-trip through int64
		); err != nil {
			return fmt.Errorf("insert block %d: %w", b.Index, err)
		}
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO sessions
		(idx, offset, length, data_length, written, inherited, committed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Index, s.Offset, s.Length, s.DataLength, s.Written, s.Inherited, s.Committed.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert session %d: %w", s.Index, err)
	}
	if _, err := tx.Exec("UPDATE meta SET value = ? WHERE key = 'cursor'", strconv.Itoa(s.Index)); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Sessions returns the committed sessions in index order.
func (x *Index) Sessions() ([]SessionState, error) {
	rows, err := x.db.Query(
		"SELECT idx, offset, length, data_length, written, inherited, committed FROM sessions ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionState
	for rows.Next() {
		var s SessionState
		var committed int64
		if err := rows.Scan(&s.Index, &s.Offset, &s.Length, &s.DataLength, &s.Written, &s.Inherited, &committed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Committed = time.Unix(0, committed)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Session returns the committed state of session idx.
func (x *Index) Session(idx int) (SessionState, bool, error) {
	var s SessionState
	var committed int64
	err := x.db.QueryRow(
		"SELECT idx, offset, length, data_length, written, inherited, committed FROM sessions WHERE idx = ?", idx,
	).Scan(&s.Index, &s.Offset, &s.Length, &s.DataLength, &s.Written, &s.Inherited, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionState{}, false, nil
	}
	if err != nil {
		return SessionState{}, false, fmt.Errorf("query session %d: %w", idx, err)
	}
	s.Committed = time.Unix(0, committed)
	return s, true, nil
}

// SessionBlocks returns the block records of a session ordered by offset.
func (x *Index) SessionBlocks(session int) ([]Block, error) {
	rows, err := x.db.Query(`SELECT idx, session, offset, length, digest, inherited, holder,
		data_offset, stored_length, codec, checksum, zero
		FROM blocks WHERE session = ? ORDER BY offset`, session)
	if err != nil {
		return nil, fmt.Errorf("query blocks of session %d: %w", session, err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		var codec int
		var checksum int64
		if err := rows.Scan(&b.Index, &b.Session, &b.Offset, &b.Length, &b.Digest, &b.Inherited,
			&b.Holder, &b.DataOffset, &b.StoredLength, &codec, &checksum, &b.Zero); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Codec = Codec(codec)        //nolint:gosec // G115: codec is a small enum
		b.Checksum = uint64(checksum) //nolint:gosec // G115: checksum bits round-trip through int64
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetMeta stores a free-form key in the index.
func (x *Index) SetMeta(key, value string) error {
	if _, err := x.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("store meta %s: %w", key, err)
	}
	return nil
}

// Meta reads a key stored with SetMeta.
func (x *Index) Meta(key string) (string, bool, error) {
	var v string
	err := x.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, true, nil
}

// Path returns the path to the index database file.
func (x *Index) Path() string {
	return x.path
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}
