// Package copymeta reads and writes the on-disk description of a volume
// copy: a TOML manifest, a SQLite index of sessions and block records, and
// an advisory lock guarding the metadata directory.
package copymeta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	ManifestName  = "volcopy.meta.toml"
	IndexName     = "volcopy.meta.db"
	LockName      = ".volcopy.lock"
	DataSuffix    = ".copydata.bin"
	FormatVersion = 1
)

// ErrNoManifest is returned by ReadManifest when the directory holds no copy.
var ErrNoManifest = errors.New("no copy manifest")

// CopyType distinguishes full from incremental copies.
type CopyType string

const (
	Full        CopyType = "full"
	Incremental CopyType = "incremental"
)

// Ancestor names a copy whose data files an incremental copy references.
type Ancestor struct {
	ID      string `toml:"id"`
	DataDir string `toml:"data_dir"`
	MetaDir string `toml:"meta_dir"`
}

// SessionInfo is the planned layout of one session.
type SessionInfo struct {
	Index    int    `toml:"index"`
	Offset   int64  `toml:"offset"`
	Length   int64  `toml:"length"`
	DataFile string `toml:"data_file"`
}

// Manifest is the self-describing header of a copy.
type Manifest struct {
	Version       int           `toml:"version"`
	CopyID        string        `toml:"copy_id"`
	CopyType      CopyType      `toml:"copy_type"`
	VolumePath    string        `toml:"volume_path"`
	VolumeSize    int64         `toml:"volume_size"`
	BlockSize     int64         `toml:"block_size"`
	SessionSize   int64         `toml:"session_size"`
	Hash          string        `toml:"hash"`
	Compression   string        `toml:"compression"`
	DataDir       string        `toml:"data_dir"`
	ParentMetaDir string        `toml:"parent_meta_dir,omitempty"`
	Created       time.Time     `toml:"created"`
	Completed     time.Time     `toml:"completed,omitempty"`
	Ancestors     []Ancestor    `toml:"ancestors,omitempty"`
	Sessions      []SessionInfo `toml:"sessions"`
}

// DataFileName returns the name of the data file copy copyID writes for a
// session range. Copies sharing a data directory never share a file.
func DataFileName(copyID string, offset, length int64) string {
	return copyID + "." + strconv.FormatInt(offset, 10) + "." + strconv.FormatInt(length, 10) + DataSuffix
}

// PlanSessions splits a volume into sessions of sessionSize bytes, named for
// copy copyID. The last session may be shorter.
func PlanSessions(copyID string, volumeSize, sessionSize int64) []SessionInfo {
	if volumeSize <= 0 || sessionSize <= 0 {
		return nil
	}
	n := (volumeSize + sessionSize - 1) / sessionSize
	sessions := make([]SessionInfo, 0, n)
	for i := range n {
		off := i * sessionSize
		length := min(sessionSize, volumeSize-off)
		sessions = append(sessions, SessionInfo{
			Index:    int(i),
			Offset:   off,
			Length:   length,
			DataFile: DataFileName(copyID, off, length),
		})
	}
	return sessions
}

// DataDirFor returns the data directory that holds payloads written by copy
// id: the copy itself or one of its ancestors.
func (m *Manifest) DataDirFor(id string) (string, bool) {
	if id == m.CopyID {
		return m.DataDir, true
	}
	for _, a := range m.Ancestors {
		if a.ID == id {
			return a.DataDir, true
		}
	}
	return "", false
}

// Compatible reports why a resumed run cannot reuse m, or nil when other
// describes the same copy job.
func (m *Manifest) Compatible(other *Manifest) error {
	switch {
	case m.Version != other.Version:
		return fmt.Errorf("format version %d, want %d", m.Version, other.Version)
	case m.CopyType != other.CopyType:
		return fmt.Errorf("copy type %s, want %s", m.CopyType, other.CopyType)
	case m.VolumePath != other.VolumePath:
		return fmt.Errorf("volume %s, want %s", m.VolumePath, other.VolumePath)
	case m.VolumeSize != other.VolumeSize:
		return fmt.Errorf("volume size %d, want %d", m.VolumeSize, other.VolumeSize)
	case m.BlockSize != other.BlockSize || m.SessionSize != other.SessionSize:
		return fmt.Errorf("block/session size %d/%d, want %d/%d",
			m.BlockSize, m.SessionSize, other.BlockSize, other.SessionSize)
	case m.Hash != other.Hash:
		return fmt.Errorf("hash %s, want %s", m.Hash, other.Hash)
	case m.Compression != other.Compression:
		return fmt.Errorf("compression %s, want %s", m.Compression, other.Compression)
	case m.DataDir != other.DataDir:
		return fmt.Errorf("data dir %s, want %s", m.DataDir, other.DataDir)
	case m.ParentMetaDir != other.ParentMetaDir:
		return fmt.Errorf("parent %s, want %s", m.ParentMetaDir, other.ParentMetaDir)
	}
	return nil
}

// Validate checks the internal consistency of a manifest read from disk.
func (m *Manifest) Validate() error {
	if m.Version != FormatVersion {
		return fmt.Errorf("unsupported format version %d", m.Version)
	}
	if m.CopyID == "" {
		return errors.New("missing copy id")
	}
	if m.CopyType != Full && m.CopyType != Incremental {
		return fmt.Errorf("unknown copy type %q", m.CopyType)
	}
	if m.BlockSize <= 0 || m.SessionSize <= 0 || m.SessionSize%m.BlockSize != 0 {
		return fmt.Errorf("invalid block/session size %d/%d", m.BlockSize, m.SessionSize)
	}
	var next int64
	for i, s := range m.Sessions {
		if s.Index != i || s.Offset != next || s.Length <= 0 || s.Length > m.SessionSize {
			return fmt.Errorf("session %d: inconsistent range %d+%d", i, s.Offset, s.Length)
		}
		if s.DataFile != DataFileName(m.CopyID, s.Offset, s.Length) {
			return fmt.Errorf("session %d: data file %q is not named for copy %s", i, s.DataFile, m.CopyID)
		}
		next += s.Length
	}
	if next != m.VolumeSize {
		return fmt.Errorf("sessions cover %d bytes, volume is %d", next, m.VolumeSize)
	}
	return nil
}

// ReadManifest loads and validates the manifest in dir.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoManifest)
		}
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// WriteManifest atomically replaces the manifest in dir.
func WriteManifest(dir string, m *Manifest) error {
	path := filepath.Join(dir, ManifestName)
	f, err := tmpFiles.create(dir, ManifestName)
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	defer tmpFiles.release(tmpPath) // no-op removal once renamed

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// Discard removes the manifest and index from dir. Data files are left for
// the next run to overwrite.
func Discard(dir string) error {
	for _, name := range []string{ManifestName, IndexName, IndexName + "-wal", IndexName + "-shm"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("discard %s: %w", name, err)
		}
	}
	return nil
}
