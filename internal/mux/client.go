package mux

import (
	"context"
	"fmt"
	"strings"

	"conductor/internal/errs"
)

// Session geometry for detached sessions. Fixed so captures are stable
// regardless of the operator's terminal size.
const (
	sessionCols = 200
	sessionRows = 50
)

// Client issues the multiplexer commands conductor needs, through an
// Executor.
type Client struct {
	exec Executor
}

func NewClient(exec Executor) *Client {
	return &Client{exec: exec}
}

// Executor exposes the underlying executor, for components that need raw
// command access with the same admission gate.
func (c *Client) Executor() Executor {
	return c.exec
}

// CreateSession starts a detached session running program in workDir.
// remain-on-exit keeps the pane visible after the program exits so the
// operator can read the exit status instead of losing the session.
func (c *Client) CreateSession(ctx context.Context, name, workDir, program string) error {
	args := []string{
		"new-session", "-d", "-s", name, "-c", workDir,
		"-x", fmt.Sprint(sessionCols), "-y", fmt.Sprint(sessionRows),
	}
	if program != "" {
		args = append(args, program)
	}
	if _, err := c.exec.Execute(ctx, args...); err != nil {
		return err
	}
	_, err := c.exec.Execute(ctx, "set-option", "-t", name, "remain-on-exit", "on")
	return err
}

// KillSession terminates the session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.exec.Execute(ctx, "kill-session", "-t", name)
	return err
}

// HasSession reports whether the session exists. Only a recognized
// missing-target failure counts as absence; anything else (a bad flag, a
// permission problem) surfaces as an error rather than a confident false.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.exec.Execute(ctx, "has-session", "-t", name)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns the names of all live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.exec.Execute(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			// No server means no sessions.
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendKeys injects literal keys into the session.
func (c *Client) SendKeys(ctx context.Context, name, keys string) error {
	_, err := c.exec.Execute(ctx, "send-keys", "-t", name, "-l", keys)
	return err
}

// SendEnter injects a carriage return, submitting whatever the pane's
// program has buffered.
func (c *Client) SendEnter(ctx context.Context, name string) error {
	_, err := c.exec.Execute(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// specialKeys maps the key names SendKey accepts to the multiplexer's key
// vocabulary.
var specialKeys = map[string]string{
	"enter":     "Enter",
	"tab":       "Tab",
	"escape":    "Escape",
	"backspace": "BSpace",
	"delete":    "DC",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"page-up":   "PPage",
	"page-down": "NPage",
}

// SendKey injects a named special key ("escape", "up") or a control chord
// ("ctrl-c") into the session. Key names are case-insensitive.
func (c *Client) SendKey(ctx context.Context, name, key string) error {
	const op = errs.Op("mux.SendKey")
	arg, err := TranslateKey(key)
	if err != nil {
		return errs.E(op, errs.KindPermanent, err)
	}
	_, err = c.exec.Execute(ctx, "send-keys", "-t", name, arg)
	return err
}

// TranslateKey resolves a key name to the send-keys argument for it.
func TranslateKey(key string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	if arg, ok := specialKeys[k]; ok {
		return arg, nil
	}
	if rest, ok := strings.CutPrefix(k, "ctrl-"); ok && len(rest) == 1 && rest[0] >= 'a' && rest[0] <= 'z' {
		return "C-" + rest, nil
	}
	return "", fmt.Errorf("unknown key %q", key)
}

// CapturePane captures pane text including scrollback lines of history.
func (c *Client) CapturePane(ctx context.Context, name string, scrollback int) (string, error) {
	args := []string{"capture-pane", "-t", name, "-p", "-J"}
	if scrollback > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", scrollback))
	}
	return c.exec.Execute(ctx, args...)
}

// IsPaneDead reports whether the program inside the session has exited.
func (c *Client) IsPaneDead(ctx context.Context, name string) (bool, error) {
	out, err := c.exec.Execute(ctx, "list-panes", "-t", name, "-F", "#{pane_dead}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}
