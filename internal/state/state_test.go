package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/internal/session"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.yaml"), nil)

	f, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, Version, f.Version)
	require.Empty(t, f.Projects)
	require.Empty(t, f.Sessions)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	store := NewStore(path, nil)

	project := session.Project{
		ID:         session.NewProjectID(),
		Name:       "demo",
		RootPath:   "/home/u/demo",
		MainBranch: "main",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	sess := session.New(project.ID, "fix-auth", "conductor/fix-auth", "/tmp/wt", "claude")
	project.AddSession(sess.ID)

	require.NoError(t, store.Save(&File{
		Projects: []session.Project{project},
		Sessions: []session.Session{*sess},
	}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Projects, 1)
	require.Len(t, loaded.Sessions, 1)

	require.Equal(t, project.ID, loaded.Projects[0].ID)
	require.Equal(t, []session.ID{sess.ID}, loaded.Projects[0].SessionIDs)

	got := loaded.Sessions[0]
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, sess.MuxName, got.MuxName)
	require.Equal(t, session.StatusActive, got.Status)
	// Generation counters are runtime-only and never persisted.
	require.Zero(t, got.ContentGeneration)
	require.Zero(t, got.DiffGeneration)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	store := NewStore(path, nil)

	require.NoError(t, store.Save(Empty()))

	project := session.Project{ID: session.NewProjectID(), Name: "p"}
	require.NoError(t, store.Save(&File{Projects: []session.Project{project}}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Projects, 1)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0o644))

	_, err := NewStore(path, nil).Load()
	require.Error(t, err)
}

func TestLoadNewerVersionFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 99\n"), 0o644))

	_, err := NewStore(path, nil).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema version")
}
