package gitx

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitdiff "github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"

	"conductor/internal/errs"
)

// hunkContext is how many unchanged lines surround each change run.
const hunkContext = 3

// FileState describes how a file differs from the base ref.
type FileState string

const (
	FileAdded    FileState = "added"
	FileModified FileState = "modified"
	FileDeleted  FileState = "deleted"
)

// LineKind tags one line within a hunk.
type LineKind string

const (
	LineContext LineKind = "context"
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
)

// DiffLine is a single line of a hunk.
type DiffLine struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

// Hunk is a contiguous run of changes with surrounding context.
type Hunk struct {
	OldStart int        `json:"old_start"`
	OldCount int        `json:"old_count"`
	NewStart int        `json:"new_start"`
	NewCount int        `json:"new_count"`
	Lines    []DiffLine `json:"lines"`
}

// FileDiff is the structured diff of one file against the base ref.
type FileDiff struct {
	Path    string    `json:"path"`
	State   FileState `json:"state"`
	Binary  bool      `json:"binary,omitempty"`
	Added   int       `json:"added"`
	Removed int       `json:"removed"`
	Hunks   []Hunk    `json:"hunks,omitempty"`
}

// Diff is the full working-tree diff of a repository against a base ref,
// files ordered by path. Hash fingerprints the content so callers can tell a
// recomputed-but-identical diff from a changed one.
type Diff struct {
	BaseRef    string     `json:"base_ref"`
	Files      []FileDiff `json:"files"`
	Added      int        `json:"added"`
	Removed    int        `json:"removed"`
	Hash       uint64     `json:"-"`
	Generation uint64     `json:"generation"`
	ComputedAt time.Time  `json:"computed_at"`
}

// Diff computes the structured diff of the working tree against baseRef.
// Committed changes since the base are included, so a session's branch always
// diffs against the branch it forked from. An empty baseRef means HEAD.
func (r *Repo) Diff(baseRef string) (*Diff, error) {
	const op = errs.Op("gitx.Diff")

	if baseRef == "" {
		baseRef = "HEAD"
	}
	baseTree, err := r.treeAt(baseRef)
	if err != nil {
		return nil, err
	}

	paths, err := r.changedPaths(baseTree)
	if err != nil {
		return nil, errs.E(op, err)
	}

	model := &Diff{BaseRef: baseRef, ComputedAt: time.Now()}
	digest := xxhash.New()
	for _, path := range paths {
		fd, err := r.fileDiff(baseTree, path)
		if err != nil {
			return nil, errs.E(op, fmt.Errorf("diff %s: %w", path, err))
		}
		if fd == nil {
			continue
		}
		model.Files = append(model.Files, *fd)
		model.Added += fd.Added
		model.Removed += fd.Removed

		digest.WriteString(fd.Path)
		digest.WriteString(string(fd.State))
		for _, h := range fd.Hunks {
			digest.WriteString(strconv.Itoa(h.OldStart))
			digest.WriteString(strconv.Itoa(h.NewStart))
			for _, ln := range h.Lines {
				digest.WriteString(string(ln.Kind))
				digest.WriteString(ln.Text)
			}
		}
	}
	model.Hash = digest.Sum64()
	return model, nil
}

func (r *Repo) treeAt(ref string) (*object.Tree, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, errs.E(errs.Op("gitx.Diff"), errs.KindNotFound,
			fmt.Errorf("cannot resolve base ref %q: %w", ref, err))
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, errs.E(errs.Op("gitx.Diff"), err)
	}
	return commit.Tree()
}

// changedPaths unions uncommitted changes (worktree status) with committed
// differences between the base tree and HEAD.
func (r *Repo) changedPaths(baseTree *object.Tree) ([]string, error) {
	set := map[string]struct{}{}

	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}
	for path, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		set[path] = struct{}{}
	}

	if head, err := r.repo.Head(); err == nil {
		commit, err := r.repo.CommitObject(head.Hash())
		if err != nil {
			return nil, err
		}
		headTree, err := commit.Tree()
		if err != nil {
			return nil, err
		}
		if headTree.Hash != baseTree.Hash {
			changes, err := baseTree.Diff(headTree)
			if err != nil {
				return nil, err
			}
			for _, ch := range changes {
				if name := ch.From.Name; name != "" {
					set[name] = struct{}{}
				}
				if name := ch.To.Name; name != "" {
					set[name] = struct{}{}
				}
			}
		}
	}

	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// fileDiff builds the hunks for one path, or nil when base and working
// content turn out identical.
func (r *Repo) fileDiff(baseTree *object.Tree, path string) (*FileDiff, error) {
	var oldText string
	oldExists := true
	f, err := baseTree.File(path)
	switch err {
	case nil:
		oldText, err = f.Contents()
		if err != nil {
			return nil, err
		}
	case object.ErrFileNotFound:
		oldExists = false
	default:
		return nil, err
	}

	newBytes, err := os.ReadFile(filepath.Join(r.path, path))
	newExists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	newText := string(newBytes)

	if !oldExists && !newExists {
		return nil, nil
	}
	if oldExists && newExists && oldText == newText {
		return nil, nil
	}

	fd := &FileDiff{Path: path}
	switch {
	case !oldExists:
		fd.State = FileAdded
	case !newExists:
		fd.State = FileDeleted
	default:
		fd.State = FileModified
	}

	if bytes.IndexByte([]byte(oldText), 0) >= 0 || bytes.IndexByte(newBytes, 0) >= 0 {
		fd.Binary = true
		return fd, nil
	}

	edits := lineEdits(gitdiff.Do(oldText, newText))
	for _, e := range edits {
		switch e.kind {
		case LineAdded:
			fd.Added++
		case LineRemoved:
			fd.Removed++
		}
	}
	fd.Hunks = buildHunks(edits)
	return fd, nil
}

type lineEdit struct {
	kind LineKind
	text string
}

func lineEdits(diffs []diffmatchpatch.Diff) []lineEdit {
	var edits []lineEdit
	for _, d := range diffs {
		var kind LineKind
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = LineAdded
		case diffmatchpatch.DiffDelete:
			kind = LineRemoved
		default:
			kind = LineContext
		}
		for _, text := range splitLines(d.Text) {
			edits = append(edits, lineEdit{kind: kind, text: text})
		}
	}
	return edits
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// buildHunks groups change runs into hunks with hunkContext lines of context,
// merging runs whose gap is small enough that their context would overlap.
func buildHunks(edits []lineEdit) []Hunk {
	// Line numbers (1-based) in the old and new file before each edit index.
	oldAt := make([]int, len(edits)+1)
	newAt := make([]int, len(edits)+1)
	oldAt[0], newAt[0] = 1, 1
	for i, e := range edits {
		oldAt[i+1], newAt[i+1] = oldAt[i], newAt[i]
		if e.kind != LineAdded {
			oldAt[i+1]++
		}
		if e.kind != LineRemoved {
			newAt[i+1]++
		}
	}

	var hunks []Hunk
	i := 0
	for i < len(edits) {
		if edits[i].kind == LineContext {
			i++
			continue
		}

		// Extend the run across context gaps of at most 2*hunkContext.
		end := i
		j := i
		for j < len(edits) {
			if edits[j].kind != LineContext {
				end = j
				j++
				continue
			}
			k := j
			for k < len(edits) && edits[k].kind == LineContext && k-j < 2*hunkContext {
				k++
			}
			if k < len(edits) && edits[k].kind != LineContext && k-j < 2*hunkContext {
				j = k
				continue
			}
			break
		}

		start := i - hunkContext
		if start < 0 {
			start = 0
		}
		stop := end + hunkContext + 1
		if stop > len(edits) {
			stop = len(edits)
		}

		h := Hunk{OldStart: oldAt[start], NewStart: newAt[start]}
		for _, e := range edits[start:stop] {
			h.Lines = append(h.Lines, DiffLine{Kind: e.kind, Text: e.text})
			if e.kind != LineAdded {
				h.OldCount++
			}
			if e.kind != LineRemoved {
				h.NewCount++
			}
		}
		hunks = append(hunks, h)
		i = stop
	}
	return hunks
}
