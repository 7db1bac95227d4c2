package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), s)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"
default_program = "aider"
branch_prefix = "wip"
max_concurrent_commands = 4
command_timeout = "10s"
content_cache_ttl = "100ms"
poll_interval = "2s"
pr_poll_interval = "30s"
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", s.LogLevel)
	require.Equal(t, "aider", s.DefaultProgram)
	require.Equal(t, "wip", s.BranchPrefix)
	require.Equal(t, 4, s.MaxConcurrentCommands)
	require.Equal(t, 10*time.Second, s.CommandTimeout.Std())
	require.Equal(t, 100*time.Millisecond, s.ContentCacheTTL.Std())
	require.Equal(t, 2*time.Second, s.PollInterval.Std())
	require.Equal(t, 30*time.Second, s.PRPollInterval.Std())

	// Untouched keys keep their defaults.
	require.Equal(t, Defaults().DiffCacheTTL, s.DiffCacheTTL)
	require.Equal(t, Defaults().ListenAddr, s.ListenAddr)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_knob = true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no_such_knob")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_commands = -1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("command_timeout = \"0s\"\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("pr_poll_interval = \"0s\"\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o644))

	reloaded := make(chan Settings, 4)
	w, err := Watch(path, nil, func(s Settings) { reloaded <- s })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("log_level = \"debug\"\n"), 0o644))

	select {
	case s := <-reloaded:
		require.Equal(t, "debug", s.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchSkipsInvalidSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o644))

	reloaded := make(chan Settings, 4)
	w, err := Watch(path, nil, func(s Settings) { reloaded <- s })
	require.NoError(t, err)
	defer w.Close()

	// A broken intermediate save is skipped entirely.
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("branch_prefix = \"ok\"\n"), 0o644))

	for {
		select {
		case s := <-reloaded:
			if s.BranchPrefix == "ok" {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("valid save never observed")
		}
	}
}
