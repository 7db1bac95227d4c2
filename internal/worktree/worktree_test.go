package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"conductor/internal/errs"
	"conductor/internal/session"
)

// recordingRunner records every git invocation and replies from a script.
type recordingRunner struct {
	calls [][]string
	dirs  []string
	reply func(args []string) (string, error)
}

func (r *recordingRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	r.calls = append(r.calls, args)
	r.dirs = append(r.dirs, dir)
	if r.reply != nil {
		return r.reply(args)
	}
	return "", nil
}

func testProject(t *testing.T) *session.Project {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	// A branch to collide with in conflict tests.
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("taken"), hash)
	require.NoError(t, repo.Storer.SetReference(ref))

	return &session.Project{
		ID:         session.NewProjectID(),
		Name:       "demo",
		RootPath:   dir,
		MainBranch: "master",
		CreatedAt:  time.Now(),
	}
}

func TestCreateIssuesWorktreeAdd(t *testing.T) {
	runner := &recordingRunner{}
	base := t.TempDir()
	m := NewManager(base, nil, WithRunner(runner.run))
	project := testProject(t)

	path, err := m.Create(context.Background(), project, "fix-auth", "conductor/fix-auth")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, project.ID.Short(), "fix-auth"), path)

	require.Len(t, runner.calls, 1)
	require.Equal(t, []string{"worktree", "add", "-b", "conductor/fix-auth", path, "master"},
		runner.calls[0])
	require.Equal(t, project.RootPath, runner.dirs[0])
}

func TestCreateRejectsExistingPath(t *testing.T) {
	runner := &recordingRunner{}
	base := t.TempDir()
	m := NewManager(base, nil, WithRunner(runner.run))
	project := testProject(t)

	taken := m.PathFor(project.ID, "fix-auth")
	require.NoError(t, os.MkdirAll(taken, 0o755))

	_, err := m.Create(context.Background(), project, "fix-auth", "conductor/fix-auth")
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindConflict))
	// The conflict is caught before any git mutation runs.
	require.Empty(t, runner.calls)
}

func TestCreateRejectsExistingBranch(t *testing.T) {
	runner := &recordingRunner{}
	m := NewManager(t.TempDir(), nil, WithRunner(runner.run))
	project := testProject(t)

	_, err := m.Create(context.Background(), project, "other", "taken")
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindConflict))
	require.Empty(t, runner.calls)
}

func TestRemoveDeletesBranchByDefault(t *testing.T) {
	runner := &recordingRunner{}
	m := NewManager(t.TempDir(), nil, WithRunner(runner.run))

	dir := t.TempDir()
	wtPath := filepath.Join(dir, "wt")
	require.NoError(t, os.MkdirAll(wtPath, 0o755))

	err := m.Remove(context.Background(), dir, wtPath, "conductor/fix-auth", false)
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	require.Equal(t, []string{"worktree", "remove", "--force", wtPath}, runner.calls[0])
	require.Equal(t, []string{"branch", "-D", "conductor/fix-auth"}, runner.calls[1])
}

func TestRemoveKeepBranch(t *testing.T) {
	runner := &recordingRunner{}
	m := NewManager(t.TempDir(), nil, WithRunner(runner.run))

	dir := t.TempDir()
	wtPath := filepath.Join(dir, "wt")
	require.NoError(t, os.MkdirAll(wtPath, 0o755))

	err := m.Remove(context.Background(), dir, wtPath, "conductor/fix-auth", true)
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	require.Equal(t, []string{"worktree", "remove", "--force", wtPath}, runner.calls[0])
}

func TestRemoveMissingPathPrunes(t *testing.T) {
	runner := &recordingRunner{
		reply: func(args []string) (string, error) {
			if args[0] == "worktree" && args[1] == "remove" {
				return "", errors.New("git worktree remove: no such file or directory")
			}
			return "", nil
		},
	}
	m := NewManager(t.TempDir(), nil, WithRunner(runner.run))

	// Path never created: removal of the record degrades to a prune.
	gone := filepath.Join(t.TempDir(), "vanished")
	err := m.Remove(context.Background(), t.TempDir(), gone, "b", true)
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	require.Equal(t, []string{"worktree", "prune"}, runner.calls[1])
}

func TestListParsesPorcelain(t *testing.T) {
	out := strings.Join([]string{
		"worktree /home/u/repo",
		"HEAD 0123456789abcdef0123456789abcdef01234567",
		"branch refs/heads/master",
		"",
		"worktree /home/u/worktrees/p1/fix-auth",
		"HEAD fedcba9876543210fedcba9876543210fedcba98",
		"branch refs/heads/conductor/fix-auth",
		"",
		"worktree /home/u/worktrees/p1/probe",
		"HEAD 1111111111111111111111111111111111111111",
		"detached",
		"",
	}, "\n")

	runner := &recordingRunner{reply: func([]string) (string, error) { return out, nil }}
	m := NewManager(t.TempDir(), nil, WithRunner(runner.run))

	infos, err := m.List(context.Background(), "/home/u/repo")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	require.Equal(t, "/home/u/repo", infos[0].Path)
	require.Equal(t, "master", infos[0].Branch)

	require.Equal(t, "conductor/fix-auth", infos[1].Branch)
	require.Equal(t, "fedcba9876543210fedcba9876543210fedcba98", infos[1].Head)

	require.True(t, infos[2].Detached)
	require.Empty(t, infos[2].Branch)
}

func TestClassifyConflict(t *testing.T) {
	err := classify(errs.Op("worktree.Create"),
		errors.New("fatal: a branch named 'x' already exists"))
	require.True(t, errs.IsKind(err, errs.KindConflict))

	err = classify(errs.Op("worktree.Remove"),
		errors.New("fatal: 'y' is not a working tree"))
	require.True(t, errs.IsKind(err, errs.KindNotFound))

	err = classify(errs.Op("worktree.Create"),
		errors.New("fatal: something unexpected"))
	require.True(t, errs.IsKind(err, errs.KindPermanent))
}
