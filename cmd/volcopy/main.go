package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bamsammich/volcopy/internal/config"
	"github.com/bamsammich/volcopy/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	verbose     bool
	quiet       bool
	noProgress  bool
	logFile     string
	metricsAddr string
}

func run() int {
	var (
		g           globalFlags
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "volcopy",
		Short:         "Block-level volume backup and restore with incremental copies",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "volcopy %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.BoolVar(&g.noProgress, "no-progress", false, "disable progress display")
	pf.StringVar(&g.logFile, "log", "", "write structured JSON log to FILE (rotated)")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on ADDR while a task runs")

	rootCmd.AddCommand(newBackupCmd(&g))
	rootCmd.AddCommand(newRestoreCmd(&g))
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}
	return exitSucceed
}

// loadConfig reads the optional config file. A broken file is reported and
// ignored.
func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "path", config.Path(), "error", err)
		return config.Config{}
	}
	return cfg
}

// setupLogging installs the default logger: text on stderr, plus a rotating
// JSON file when --log or the config's [log] table names one. The returned
// func closes the file.
func setupLogging(g *globalFlags, lc config.LogConfig) (*slog.Logger, func()) {
	logLevel := slog.LevelWarn
	if g.verbose {
		logLevel = slog.LevelDebug
	} else if !g.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	logFile := g.logFile
	if logFile == "" && lc.File != nil {
		logFile = *lc.File
	}
	if logFile == "" {
		logger := slog.New(textHandler)
		slog.SetDefault(logger)
		return logger, func() {}
	}

	lj := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    intOr(lc.MaxSizeMB, 100),
		MaxBackups: intOr(lc.MaxBackups, 5),
		MaxAge:     intOr(lc.MaxAgeDays, 30),
	}
	jsonHandler := slog.NewJSONHandler(lj, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(ui.NewMultiHandler(textHandler, jsonHandler))
	slog.SetDefault(logger)
	return logger, func() { _ = lj.Close() }
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

const (
	exitSucceed = 0
	exitAborted = 1
	exitFailed  = 2
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
