package gitx

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
)

// PRInfo is the open pull request for a branch, as reported by the gh CLI.
type PRInfo struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// ghRunner runs one gh invocation in dir and returns its stdout.
type ghRunner func(ctx context.Context, dir string, args ...string) (string, error)

// PRProber answers whether a branch has an open pull request, through the gh
// CLI. Every failure degrades to "no PR": a missing gh binary, auth problems,
// network errors, or a repo without a GitHub remote must never disturb the
// engine.
type PRProber struct {
	run ghRunner

	// Availability of gh is probed once, not on every check.
	once      sync.Once
	available bool
}

// PRProberOption configures a PRProber.
type PRProberOption func(*PRProber)

// WithGHRunner substitutes the gh invocation. Tests only.
func WithGHRunner(run ghRunner) PRProberOption {
	return func(p *PRProber) { p.run = run }
}

func NewPRProber(opts ...PRProberOption) *PRProber {
	p := &PRProber{run: runGH}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Available reports whether the gh CLI can be run at all. The first call
// probes `gh --version`; the answer is cached for the process lifetime.
func (p *PRProber) Available(ctx context.Context) bool {
	p.once.Do(func() {
		_, err := p.run(ctx, "", "--version")
		p.available = err == nil
	})
	return p.available
}

// Check reports the open PR for branch in the repo at repoPath, if any.
func (p *PRProber) Check(ctx context.Context, repoPath, branch string) (PRInfo, bool) {
	if !p.Available(ctx) {
		return PRInfo{}, false
	}
	out, err := p.run(ctx, repoPath,
		"pr", "list", "--head", branch, "--json", "number,url", "--limit", "1")
	if err != nil {
		return PRInfo{}, false
	}
	return parsePRList(out)
}

// parsePRList decodes `gh pr list --json number,url --limit 1` output, a
// JSON array with zero or one element.
func parsePRList(out string) (PRInfo, bool) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return PRInfo{}, false
	}
	var prs []PRInfo
	if err := json.Unmarshal([]byte(trimmed), &prs); err != nil || len(prs) == 0 {
		return PRInfo{}, false
	}
	return prs[0], true
}

func runGH(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}
