package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config represents the optional volcopy configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Log      LogConfig      `toml:"log"`
}

// DefaultsConfig holds persistent flag defaults. Sizes are human strings
// such as "4MiB" or "1TB".
type DefaultsConfig struct {
	BlockSize   *string `toml:"block_size"`
	SessionSize *string `toml:"session_size"`
	Hashers     *int    `toml:"hashers"`
	Hash        *string `toml:"hash"`
	Compression *string `toml:"compression"`
	Checkpoint  *bool   `toml:"checkpoint"`
	BWLimit     *string `toml:"bwlimit"`
}

// LogConfig configures the rotating JSON log file.
type LogConfig struct {
	File       *string `toml:"file"`
	MaxSizeMB  *int    `toml:"max_size_mb"`
	MaxBackups *int    `toml:"max_backups"`
	MaxAgeDays *int    `toml:"max_age_days"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "volcopy", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file yields a zero
// Config. Size values are checked so a bad file fails early.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	for name, v := range map[string]*string{
		"block_size":   cfg.Defaults.BlockSize,
		"session_size": cfg.Defaults.SessionSize,
		"bwlimit":      cfg.Defaults.BWLimit,
	} {
		if v == nil {
			continue
		}
		if _, err := ParseSize(*v); err != nil {
			return Config{}, fmt.Errorf("%s: defaults.%s: %w", path, name, err)
		}
	}
	return cfg, nil
}

// ParseSize parses a human byte size such as "4MiB", "100MB" or "4096".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil //nolint:gosec // G115: bounded above
}
