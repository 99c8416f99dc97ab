package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/volcopy/internal/config"
	"github.com/bamsammich/volcopy/internal/engine"
)

type restoreFlags struct {
	verify        bool
	noCheckpoint  bool
	checkpointDir string
	hashers       int
	bwLimit       string
}

func newRestoreCmd(g *globalFlags) *cobra.Command {
	var f restoreFlags
	cmd := &cobra.Command{
		Use:   "restore [flags] <data-dir> <meta-dir> <target>",
		Short: "Write a copy back onto a target volume",
		Long: `Write a full or incremental copy back onto a target volume or image file.

Every data file the copy references is checked before the target is opened.
An interrupted restore resumes after its last completed session unless
--no-checkpoint is given.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger, closeLog := setupLogging(g, cfg.Log)
			defer closeLog()

			applyRestoreDefaults(cmd.Flags(), cfg.Defaults, &f)
			rc, err := f.config(args)
			if err != nil {
				return err
			}
			return runTask(g, logger, g.logFile != "" || cfg.Log.File != nil, rc)
		},
	}

	f.register(cmd.Flags())
	return cmd
}

func (f *restoreFlags) register(fl *pflag.FlagSet) {
	fl.BoolVar(&f.verify, "verify", false, "re-hash restored blocks against their recorded digests")
	fl.BoolVar(&f.noCheckpoint, "no-checkpoint", false, "restore everything instead of resuming")
	fl.StringVar(&f.checkpointDir, "checkpoint-dir", "", "keep restore progress in `DIR`")
	fl.IntVar(&f.hashers, "hashers", engine.DefaultHashers, "number of verification workers")
	fl.StringVar(&f.bwLimit, "bwlimit", "", "cap target writes, e.g. 100MiB (per second)")
}

func applyRestoreDefaults(fs *pflag.FlagSet, d config.DefaultsConfig, f *restoreFlags) {
	if d.Hashers != nil && !fs.Changed("hashers") {
		f.hashers = *d.Hashers
	}
	if d.Checkpoint != nil && !fs.Changed("no-checkpoint") {
		f.noCheckpoint = !*d.Checkpoint
	}
	if d.BWLimit != nil && !fs.Changed("bwlimit") {
		f.bwLimit = *d.BWLimit
	}
}

func (f *restoreFlags) config(args []string) (*engine.RestoreConfig, error) {
	// Arguments are <data-dir> <meta-dir> <target>.
	rc := engine.NewRestoreConfig(args[2], args[0], args[1])
	rc.VerifyDigests = f.verify
	rc.Checkpoint = !f.noCheckpoint
	rc.CheckpointDir = f.checkpointDir
	rc.Hashers = f.hashers

	var err error
	if rc.BWLimit, err = parseSizeFlag("bwlimit", f.bwLimit); err != nil {
		return nil, err
	}
	return rc, nil
}
