package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/volcopy/internal/config"
	"github.com/bamsammich/volcopy/internal/engine"
)

type backupFlags struct {
	incremental  string
	blockSize    string
	sessionSize  string
	hashers      int
	noHash       bool
	hash         string
	compression  string
	noCheckpoint bool
	bwLimit      string
}

func newBackupCmd(g *globalFlags) *cobra.Command {
	var f backupFlags
	cmd := &cobra.Command{
		Use:   "backup [flags] <volume> <data-dir> <meta-dir>",
		Short: "Copy a volume into a full or incremental copy",
		Long: `Copy a volume into a copy made of a data directory and a metadata directory.

With --incremental, only blocks whose digest differs from the previous copy
are written; unchanged blocks reference the previous copy's data files.
An interrupted backup resumes after its last committed session when run
again with the same arguments.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger, closeLog := setupLogging(g, cfg.Log)
			defer closeLog()

			applyBackupDefaults(cmd.Flags(), cfg.Defaults, &f)
			bc, err := f.config(args)
			if err != nil {
				return err
			}
			return runTask(g, logger, g.logFile != "" || cfg.Log.File != nil, bc)
		},
	}

	f.register(cmd.Flags())
	return cmd
}

func (f *backupFlags) register(fl *pflag.FlagSet) {
	fl.StringVar(&f.incremental, "incremental", "", "make an incremental copy against the copy in `PREV_META_DIR`")
	fl.StringVar(&f.blockSize, "block-size", "4MiB", "block size")
	fl.StringVar(&f.sessionSize, "session-size", "1TiB", "session size, a multiple of the block size")
	fl.IntVar(&f.hashers, "hashers", engine.DefaultHashers, "number of hashing workers")
	fl.BoolVar(&f.noHash, "no-hash", false, "skip block digests (later incrementals copy everything)")
	fl.StringVar(&f.hash, "hash", string(engine.HashBlake3), "block digest (blake3 or sha256)")
	fl.StringVar(&f.compression, "compression", string(engine.CompressionNone), "payload compression (none or zstd)")
	fl.BoolVar(&f.noCheckpoint, "no-checkpoint", false, "start over instead of resuming an interrupted copy")
	fl.StringVar(&f.bwLimit, "bwlimit", "", "cap volume reads, e.g. 100MiB (per second)")
}

// applyBackupDefaults fills flags the user did not set from the config
// file's [defaults] table.
func applyBackupDefaults(fs *pflag.FlagSet, d config.DefaultsConfig, f *backupFlags) {
	if d.BlockSize != nil && !fs.Changed("block-size") {
		f.blockSize = *d.BlockSize
	}
	if d.SessionSize != nil && !fs.Changed("session-size") {
		f.sessionSize = *d.SessionSize
	}
	if d.Hashers != nil && !fs.Changed("hashers") {
		f.hashers = *d.Hashers
	}
	if d.Hash != nil && !fs.Changed("hash") {
		f.hash = *d.Hash
	}
	if d.Compression != nil && !fs.Changed("compression") {
		f.compression = *d.Compression
	}
	if d.Checkpoint != nil && !fs.Changed("no-checkpoint") {
		f.noCheckpoint = !*d.Checkpoint
	}
	if d.BWLimit != nil && !fs.Changed("bwlimit") {
		f.bwLimit = *d.BWLimit
	}
}

func (f *backupFlags) config(args []string) (*engine.BackupConfig, error) {
	bc := engine.NewBackupConfig(args[0], args[1], args[2])
	if f.incremental != "" {
		bc.CopyType = engine.CopyIncremental
		bc.PrevMetaDir = f.incremental
	}

	var err error
	if bc.BlockSize, err = parseSizeFlag("block-size", f.blockSize); err != nil {
		return nil, err
	}
	if bc.SessionSize, err = parseSizeFlag("session-size", f.sessionSize); err != nil {
		return nil, err
	}
	if bc.BWLimit, err = parseSizeFlag("bwlimit", f.bwLimit); err != nil {
		return nil, err
	}
	bc.Hashers = f.hashers
	bc.Hashing = !f.noHash
	bc.Hash = engine.HashAlgorithm(f.hash)
	bc.Compression = engine.Compression(f.compression)
	bc.Checkpoint = !f.noCheckpoint
	return bc, nil
}

// parseSizeFlag parses a human size. An empty value is zero.
func parseSizeFlag(name, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := config.ParseSize(v)
	if err != nil {
		return 0, fmt.Errorf("--%s %s: %w", name, strconv.Quote(v), err)
	}
	return n, nil
}
