// Package config loads conductor settings from a TOML file, applying defaults
// for anything unset. Settings are plain values; live reload is handled by
// Watch, which re-reads the file and hands the result to the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"conductor/internal/errs"
)

// Duration wraps time.Duration so TOML files can say "500ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the full configuration surface.
type Settings struct {
	LogLevel   string `toml:"log_level"`
	ListenAddr string `toml:"listen_addr"`

	DefaultProgram string `toml:"default_program"`
	BranchPrefix   string `toml:"branch_prefix"`
	WorktreesDir   string `toml:"worktrees_dir"`
	StatePath      string `toml:"state_path"`

	MaxConcurrentCommands int      `toml:"max_concurrent_commands"`
	CommandTimeout        Duration `toml:"command_timeout"`
	ContentCacheTTL       Duration `toml:"content_cache_ttl"`
	DiffCacheTTL          Duration `toml:"diff_cache_ttl"`
	PollInterval          Duration `toml:"poll_interval"`
	PRPollInterval        Duration `toml:"pr_poll_interval"`
}

// Home returns conductor's data directory, ~/.conductor.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Defaults returns the settings used when no file is present.
func Defaults() Settings {
	return Settings{
		LogLevel:              "info",
		ListenAddr:            "127.0.0.1:7433",
		DefaultProgram:        "claude",
		BranchPrefix:          "conductor",
		WorktreesDir:          filepath.Join(Home(), "worktrees"),
		StatePath:             filepath.Join(Home(), "state.yaml"),
		MaxConcurrentCommands: 16,
		CommandTimeout:        Duration(5 * time.Second),
		ContentCacheTTL:       Duration(50 * time.Millisecond),
		DiffCacheTTL:          Duration(500 * time.Millisecond),
		PollInterval:          Duration(time.Second),
		PRPollInterval:        Duration(time.Minute),
	}
}

// Load reads settings from path. A missing file yields the defaults; a
// present-but-invalid file is an error.
func Load(path string) (Settings, error) {
	const op = errs.Op("config.Load")

	s := Defaults()
	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, errs.E(op, errs.KindPermanent, fmt.Errorf("parse %s: %w", path, err))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return s, errs.E(op, errs.KindPermanent,
			fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path))
	}
	if err := s.Validate(); err != nil {
		return s, errs.E(op, errs.KindPermanent, err)
	}
	return s, nil
}

// Validate rejects values that would wedge the engine.
func (s Settings) Validate() error {
	if s.MaxConcurrentCommands <= 0 {
		return fmt.Errorf("max_concurrent_commands must be positive")
	}
	if s.CommandTimeout.Std() <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if s.ContentCacheTTL.Std() <= 0 {
		return fmt.Errorf("content_cache_ttl must be positive")
	}
	if s.DiffCacheTTL.Std() <= 0 {
		return fmt.Errorf("diff_cache_ttl must be positive")
	}
	if s.PollInterval.Std() <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if s.PRPollInterval.Std() <= 0 {
		return fmt.Errorf("pr_poll_interval must be positive")
	}
	if s.DefaultProgram == "" {
		return fmt.Errorf("default_program must not be empty")
	}
	return nil
}
