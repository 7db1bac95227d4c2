// Package gitx is the embedded version-control read layer. All read-side
// operations (repository discovery, refs, status, diffs) go through go-git to
// avoid per-call subprocess overhead; worktree mutation deliberately does not
// live here — see internal/worktree for the split.
package gitx

import (
	"fmt"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"conductor/internal/errs"
)

// Repo is a read-only handle on a repository.
type Repo struct {
	repo *git.Repository
	path string
}

// Open opens the repository rooted exactly at path.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, errs.E(errs.Op("gitx.Open"), errs.KindPermanent,
				fmt.Errorf("not a git repository: %s", path))
		}
		return nil, errs.E(errs.Op("gitx.Open"), err)
	}
	return &Repo{repo: repo, path: path}, nil
}

// Discover opens the repository containing path, searching parents.
func Discover(path string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, errs.E(errs.Op("gitx.Discover"), errs.KindPermanent,
			fmt.Errorf("no git repository at or above %s", path))
	}

	root := path
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}
	return &Repo{repo: repo, path: root}, nil
}

// Path returns the repository root.
func (r *Repo) Path() string {
	return r.path
}

// Name returns the repository directory name.
func (r *Repo) Name() string {
	return filepath.Base(r.path)
}

// CurrentBranch returns the short name of the checked-out branch, or a
// detached-HEAD description.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			// Unborn branch in a fresh repository.
			return r.unbornBranch()
		}
		return "", errs.E(errs.Op("gitx.CurrentBranch"), err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	hash := head.Hash().String()
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return "detached@" + hash, nil
}

func (r *Repo) unbornBranch() (string, error) {
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", errs.E(errs.Op("gitx.CurrentBranch"), err)
	}
	target := ref.Target()
	if target.IsBranch() {
		return target.Short(), nil
	}
	return strings.TrimPrefix(string(target), "refs/heads/"), nil
}

// BranchExists reports whether a local branch with the given name exists.
func (r *Repo) BranchExists(name string) (bool, error) {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err == nil {
		return true, nil
	}
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	return false, errs.E(errs.Op("gitx.BranchExists"), err)
}

// HeadCommit returns the full hash of the current HEAD commit.
func (r *Repo) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", errs.E(errs.Op("gitx.HeadCommit"), errs.KindNotFound, err)
	}
	return head.Hash().String(), nil
}

// MainBranch returns "main" or "master" when present, else the current
// branch.
func (r *Repo) MainBranch() (string, error) {
	for _, candidate := range []string{"main", "master"} {
		exists, err := r.BranchExists(candidate)
		if err != nil {
			return "", err
		}
		if exists {
			return candidate, nil
		}
	}
	return r.CurrentBranch()
}

// ResolveRef resolves a revision (branch name, "HEAD", abbreviated hash) to a
// commit hash.
func (r *Repo) ResolveRef(ref string) (string, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", errs.E(errs.Op("gitx.ResolveRef"), errs.KindNotFound,
			fmt.Errorf("cannot resolve %q: %w", ref, err))
	}
	return hash.String(), nil
}
