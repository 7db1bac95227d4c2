// Package worktree manages git worktree lifecycle for sessions. Mutations
// (add, remove, branch deletion) shell out to the git CLI because worktree
// manipulation touches locking and administrative files that embedded
// implementations handle poorly; all read-side queries live in internal/gitx.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"conductor/internal/errs"
	"conductor/internal/gitx"
	"conductor/internal/logging"
	"conductor/internal/session"
)

// runFunc executes one git command in dir and returns combined stdout.
type runFunc func(ctx context.Context, dir string, args ...string) (string, error)

// Manager creates and removes session worktrees under a common base
// directory, one subdirectory per project.
type Manager struct {
	baseDir string
	logger  *logging.Logger
	run     runFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner substitutes the git subprocess runner. Tests only.
func WithRunner(run runFunc) Option {
	return func(m *Manager) { m.run = run }
}

func NewManager(baseDir string, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		baseDir: baseDir,
		logger:  logger,
		run:     runGit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PathFor returns the worktree directory for a session, namespaced by
// project so identically named sessions in different projects never collide.
func (m *Manager) PathFor(projectID session.ProjectID, sessionName string) string {
	return filepath.Join(m.baseDir, projectID.Short(), sessionName)
}

// Create adds a worktree for the session on a fresh branch forked from
// baseBranch, after verifying neither the branch nor the target path is
// already taken. Returns the worktree path.
func (m *Manager) Create(ctx context.Context, project *session.Project, sessionName, branch string) (string, error) {
	const op = errs.Op("worktree.Create")

	path := m.PathFor(project.ID, sessionName)

	// Conflict checks up front so a failed add never leaves half a worktree.
	if _, err := os.Stat(path); err == nil {
		return "", errs.E(op, errs.KindConflict,
			fmt.Errorf("worktree path already exists: %s", path))
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", errs.E(op, err)
	}

	repo, err := gitx.Open(project.RootPath)
	if err != nil {
		return "", err
	}
	exists, err := repo.BranchExists(branch)
	if err != nil {
		return "", err
	}
	if exists {
		return "", errs.E(op, errs.KindConflict,
			fmt.Errorf("branch already exists: %s", branch))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.E(op, err)
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if project.MainBranch != "" {
		args = append(args, project.MainBranch)
	}
	if _, err := m.run(ctx, project.RootPath, args...); err != nil {
		return "", classify(op, err)
	}

	if m.logger != nil {
		m.logger.Info("worktree created", map[string]string{
			"path":   path,
			"branch": branch,
		})
	}
	return path, nil
}

// Remove deletes the session worktree and, unless keepBranch is set, its
// branch. Removal is forced: uncommitted work in the worktree is discarded,
// which is the documented contract of session deletion.
func (m *Manager) Remove(ctx context.Context, repoRoot, path, branch string, keepBranch bool) error {
	const op = errs.Op("worktree.Remove")

	if _, err := m.run(ctx, repoRoot, "worktree", "remove", "--force", path); err != nil {
		// A path already gone is not a failure; prune the stale record.
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			_, _ = m.run(ctx, repoRoot, "worktree", "prune")
		} else {
			return classify(op, err)
		}
	}

	if !keepBranch && branch != "" {
		if _, err := m.run(ctx, repoRoot, "branch", "-D", branch); err != nil {
			return classify(op, err)
		}
	}

	if m.logger != nil {
		m.logger.Info("worktree removed", map[string]string{
			"path":        path,
			"keep_branch": fmt.Sprintf("%t", keepBranch),
		})
	}
	return nil
}

// Prune drops stale administrative entries for worktrees whose directories
// disappeared out from under git.
func (m *Manager) Prune(ctx context.Context, repoRoot string) error {
	if _, err := m.run(ctx, repoRoot, "worktree", "prune"); err != nil {
		return classify(errs.Op("worktree.Prune"), err)
	}
	return nil
}

// Info describes one entry of `git worktree list`.
type Info struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Detached bool
}

// List returns the repository's worktrees, the primary checkout first.
func (m *Manager) List(ctx context.Context, repoRoot string) ([]Info, error) {
	out, err := m.run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, classify(errs.Op("worktree.List"), err)
	}
	return parsePorcelain(out), nil
}

// parsePorcelain parses `git worktree list --porcelain` output: entries are
// separated by blank lines, each a series of "key value" lines.
func parsePorcelain(out string) []Info {
	var infos []Info
	var current *Info

	flush := func() {
		if current != nil {
			infos = append(infos, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Info{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			// Stray line before any worktree header.
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Detached = true
		}
	}
	flush()
	return infos
}

// conflictMarkers are git messages that mean the target already exists.
var conflictMarkers = []string{
	"already exists",
	"already checked out",
	"already used by worktree",
}

func classify(op errs.Op, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range conflictMarkers {
		if strings.Contains(msg, marker) {
			return errs.E(op, errs.KindConflict, err)
		}
	}
	if strings.Contains(msg, "not a working tree") || strings.Contains(msg, "no such file") {
		return errs.E(op, errs.KindNotFound, err)
	}
	return errs.E(op, errs.KindPermanent, err)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}
