package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultBlockSize   int64 = 4 << 20 // 4 MiB
	DefaultSessionSize int64 = 1 << 40 // 1 TiB
	DefaultHashers           = 8
	MaxHashers               = 32

	// MaxBlocksPerSession bounds the per-session block record set held in
	// memory while a session is in flight.
	MaxBlocksPerSession = 1 << 22
)

// CopyType selects a full or an incremental backup.
type CopyType int

const (
	CopyFull CopyType = iota
	CopyIncremental
)

func (c CopyType) String() string {
	switch c {
	case CopyFull:
		return "full"
	case CopyIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// HashAlgorithm names a block digest.
type HashAlgorithm string

const (
	HashBlake3 HashAlgorithm = "blake3"
	HashSHA256 HashAlgorithm = "sha256"

	// hashNone is recorded in the manifest of a copy made without hashing.
	hashNone HashAlgorithm = "none"
)

// Compression names a per-block payload codec.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// TaskConfig is the immutable input of a task: a *BackupConfig or a
// *RestoreConfig.
type TaskConfig interface {
	// Validate checks the config. It may stat paths but never creates or
	// modifies anything.
	Validate() error
	taskConfig()
}

// BackupConfig describes a backup of a volume into a copy.
type BackupConfig struct {
	VolumePath string
	CopyType   CopyType
	// PrevMetaDir is the metadata directory of the copy an incremental
	// backup diffs against.
	PrevMetaDir string
	DataDir     string
	MetaDir     string
	BlockSize   int64
	SessionSize int64
	Hashers     int
	Hashing     bool
	Hash        HashAlgorithm
	Compression Compression
	Checkpoint  bool
	// BWLimit caps volume reads in bytes/sec. Zero means unlimited.
	BWLimit int64
}

// RestoreConfig describes a restore of a copy onto a target volume.
type RestoreConfig struct {
	VolumePath string
	DataDir    string
	MetaDir    string
	Checkpoint bool
	// CheckpointDir overrides where restore progress is kept.
	CheckpointDir string
	// VerifyDigests re-hashes every restored block against its recorded
	// digest.
	VerifyDigests bool
	Hashers       int
	BWLimit       int64
}

func (*BackupConfig) taskConfig()  {}
func (*RestoreConfig) taskConfig() {}

// NewBackupConfig returns a full backup config with default sizing.
func NewBackupConfig(volumePath, dataDir, metaDir string) *BackupConfig {
	return &BackupConfig{
		VolumePath:  volumePath,
		CopyType:    CopyFull,
		DataDir:     dataDir,
		MetaDir:     metaDir,
		BlockSize:   DefaultBlockSize,
		SessionSize: DefaultSessionSize,
		Hashers:     DefaultHashers,
		Hashing:     true,
		Hash:        HashBlake3,
		Compression: CompressionNone,
		Checkpoint:  true,
	}
}

// NewRestoreConfig returns a restore config with checkpointing enabled.
func NewRestoreConfig(volumePath, dataDir, metaDir string) *RestoreConfig {
	return &RestoreConfig{
		VolumePath: volumePath,
		DataDir:    dataDir,
		MetaDir:    metaDir,
		Checkpoint: true,
		Hashers:    DefaultHashers,
	}
}

// Validate checks paths, sizing and worker counts.
func (c *BackupConfig) Validate() error {
	if err := checkPaths(map[string]string{
		"volume path": c.VolumePath,
		"data dir":    c.DataDir,
		"meta dir":    c.MetaDir,
	}); err != nil {
		return err
	}
	if err := mustExist("volume path", c.VolumePath, false); err != nil {
		return err
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d must be positive", ErrConfiguration, c.BlockSize)
	}
	if c.SessionSize <= 0 || c.SessionSize%c.BlockSize != 0 {
		return fmt.Errorf("%w: session size %d must be a positive multiple of block size %d",
			ErrConfiguration, c.SessionSize, c.BlockSize)
	}
	if c.BlockSize > 1<<31-1 {
		return fmt.Errorf("%w: block size %d too large", ErrConfiguration, c.BlockSize)
	}
	if c.SessionSize/c.BlockSize > MaxBlocksPerSession {
		return fmt.Errorf("%w: %d blocks per session exceeds %d",
			ErrConfiguration, c.SessionSize/c.BlockSize, MaxBlocksPerSession)
	}
	if c.Hashing && (c.Hashers < 1 || c.Hashers > MaxHashers) {
		return fmt.Errorf("%w: hasher count %d outside 1..%d", ErrConfiguration, c.Hashers, MaxHashers)
	}
	switch c.Hash {
	case HashBlake3, HashSHA256, "":
	default:
		return fmt.Errorf("%w: unknown hash %q", ErrConfiguration, c.Hash)
	}
	switch c.Compression {
	case CompressionNone, CompressionZstd, "":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrConfiguration, c.Compression)
	}
	if c.BWLimit < 0 {
		return fmt.Errorf("%w: negative bandwidth limit", ErrConfiguration)
	}
	switch c.CopyType {
	case CopyFull:
		if c.PrevMetaDir != "" {
			return fmt.Errorf("%w: previous copy given for a full backup", ErrConfiguration)
		}
	case CopyIncremental:
		if c.PrevMetaDir == "" {
			return fmt.Errorf("%w: incremental backup needs a previous copy", ErrConfiguration)
		}
		if err := checkPaths(map[string]string{"previous meta dir": c.PrevMetaDir}); err != nil {
			return err
		}
		if err := mustExist("previous meta dir", c.PrevMetaDir, true); err != nil {
			return err
		}
		if samePath(c.PrevMetaDir, c.MetaDir) {
			return fmt.Errorf("%w: previous copy and output copy share %s", ErrConfiguration, c.MetaDir)
		}
	default:
		return fmt.Errorf("%w: unknown copy type %d", ErrConfiguration, c.CopyType)
	}
	return nil
}

// Validate checks paths and worker counts.
func (c *RestoreConfig) Validate() error {
	if err := checkPaths(map[string]string{
		"volume path": c.VolumePath,
		"data dir":    c.DataDir,
		"meta dir":    c.MetaDir,
	}); err != nil {
		return err
	}
	if err := mustExist("meta dir", c.MetaDir, true); err != nil {
		return err
	}
	if err := mustExist("data dir", c.DataDir, true); err != nil {
		return err
	}
	if c.VerifyDigests && (c.Hashers < 1 || c.Hashers > MaxHashers) {
		return fmt.Errorf("%w: hasher count %d outside 1..%d", ErrConfiguration, c.Hashers, MaxHashers)
	}
	if c.BWLimit < 0 {
		return fmt.Errorf("%w: negative bandwidth limit", ErrConfiguration)
	}
	return nil
}

// hashers returns the worker count of the hash stage, which also runs as a
// pass-through when nothing is hashed.
func (c *BackupConfig) hashers() int {
	if c.Hashers < 1 {
		return 1
	}
	return min(c.Hashers, MaxHashers)
}

func (c *BackupConfig) hashAlgorithm() HashAlgorithm {
	if c.Hash == "" {
		return HashBlake3
	}
	return c.Hash
}

func (c *BackupConfig) compression() Compression {
	if c.Compression == "" {
		return CompressionNone
	}
	return c.Compression
}

func (c *RestoreConfig) hashers() int {
	if c.Hashers < 1 {
		return 1
	}
	return min(c.Hashers, MaxHashers)
}

func checkPaths(paths map[string]string) error {
	for name, p := range paths {
		if p == "" {
			return fmt.Errorf("%w: %s is empty", ErrConfiguration, name)
		}
		if _, err := filepath.Abs(p); err != nil {
			return fmt.Errorf("%w: %s %q: %w", ErrConfiguration, name, p, err)
		}
	}
	return nil
}

func mustExist(name, p string, dir bool) error {
	fi, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, name, err)
	}
	if dir && !fi.IsDir() {
		return fmt.Errorf("%w: %s %s is not a directory", ErrConfiguration, name, p)
	}
	if !dir && fi.IsDir() {
		return fmt.Errorf("%w: %s %s is a directory", ErrConfiguration, name, p)
	}
	return nil
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

// absPath resolves p, falling back to the cleaned input.
func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}
