// Package session defines the data model shared by the orchestrator and its
// collaborators: projects, worktree sessions, and their lifecycle enums.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectID identifies a registered repository.
type ProjectID string

// NewProjectID returns a fresh random project id.
func NewProjectID() ProjectID {
	return ProjectID(uuid.NewString())
}

// Short returns the display form, the first eight characters of the id.
func (id ProjectID) Short() string {
	return shortID(string(id))
}

func (id ProjectID) String() string { return string(id) }

// ID identifies a worktree session.
type ID string

// NewID returns a fresh random session id.
func NewID() ID {
	return ID(uuid.NewString())
}

// Short returns the display form, the first eight characters of the id.
func (id ID) Short() string {
	return shortID(string(id))
}

func (id ID) String() string { return string(id) }

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Status is the lifecycle state of a session. It is tracked independently of
// the detected activity.
type Status string

const (
	// StatusActive means the session is live and polled in the background.
	StatusActive Status = "active"
	// StatusPaused means the multiplexer session and worktree are kept but
	// background polling skips the session.
	StatusPaused Status = "paused"
	// StatusErrored means capture or classification failed repeatedly. The
	// session is kept so an operator can inspect or delete it.
	StatusErrored Status = "errored"
)

func (s Status) Live() bool {
	return s == StatusActive || s == StatusPaused || s == StatusErrored
}

func (s Status) CanPause() bool  { return s == StatusActive }
func (s Status) CanResume() bool { return s == StatusPaused || s == StatusErrored }

// Activity is the classified liveness of the agent process inside a session,
// derived from surface patterns in the captured terminal output.
type Activity string

const (
	// ActivityUnknown is reported before any content has been captured, or
	// after capture has failed repeatedly.
	ActivityUnknown Activity = "unknown"
	// ActivityIdle means the pane shows a quiet shell with no agent markers.
	ActivityIdle Activity = "idle"
	// ActivityWaiting means a prompt marker is visible; the agent wants input.
	ActivityWaiting Activity = "waiting_for_input"
	// ActivityProcessing means progress or spinner markers are visible.
	ActivityProcessing Activity = "processing"
	// ActivityErrored means an error marker is visible in the trailing output.
	ActivityErrored Activity = "errored"
)

// Project is a registered repository. It holds session ids, never session
// handles, so ownership stays with the orchestrator's registry.
type Project struct {
	ID         ProjectID `yaml:"id" json:"id"`
	Name       string    `yaml:"name" json:"name"`
	RootPath   string    `yaml:"rootPath" json:"root_path"`
	MainBranch string    `yaml:"mainBranch" json:"main_branch"`
	CreatedAt  time.Time `yaml:"createdAt" json:"created_at"`
	SessionIDs []ID      `yaml:"sessionIds" json:"session_ids"`
}

// AddSession appends the id if not already present.
func (p *Project) AddSession(id ID) {
	for _, existing := range p.SessionIDs {
		if existing == id {
			return
		}
	}
	p.SessionIDs = append(p.SessionIDs, id)
}

// RemoveSession drops the id, preserving order of the rest.
func (p *Project) RemoveSession(id ID) {
	kept := p.SessionIDs[:0]
	for _, existing := range p.SessionIDs {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	p.SessionIDs = kept
}

// Session is one isolated coding-agent session: a branch, a worktree checked
// out on it, and a multiplexer session running the agent program inside.
type Session struct {
	ID           ID        `yaml:"id" json:"id"`
	ProjectID    ProjectID `yaml:"projectId" json:"project_id"`
	Name         string    `yaml:"name" json:"name"`
	Branch       string    `yaml:"branch" json:"branch"`
	WorktreePath string    `yaml:"worktreePath" json:"worktree_path"`
	MuxName      string    `yaml:"muxName" json:"mux_name"`
	Program      string    `yaml:"program" json:"program"`
	Status       Status    `yaml:"status" json:"status"`
	Activity     Activity  `yaml:"activityState" json:"activity"`
	CreatedAt    time.Time `yaml:"createdAt" json:"created_at"`
	LastActivity time.Time `yaml:"lastActivityAt" json:"last_activity_at"`

	// Generation counters let downstream consumers skip recomputation when
	// cached content is unchanged. In-memory only.
	ContentGeneration uint64 `yaml:"-" json:"content_generation"`
	DiffGeneration    uint64 `yaml:"-" json:"diff_generation"`

	// Open pull request for the session's branch, when the gh CLI is
	// available. In-memory only; zero when there is none.
	PRNumber int    `yaml:"-" json:"pr_number,omitempty"`
	PRURL    string `yaml:"-" json:"pr_url,omitempty"`
}

// New builds a session in the Active state with a derived multiplexer name.
func New(projectID ProjectID, name, branch, worktreePath, program string) *Session {
	id := NewID()
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		ProjectID:    projectID,
		Name:         name,
		Branch:       branch,
		WorktreePath: worktreePath,
		MuxName:      MuxSessionName(id),
		Program:      program,
		Status:       StatusActive,
		Activity:     ActivityUnknown,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// MuxSessionName derives the terminal-multiplexer session name for an id.
// Short and collision-free in practice; the prefix keeps conductor sessions
// distinguishable from user sessions in `tmux ls`.
func MuxSessionName(id ID) string {
	return "cdr-" + id.Short()
}

// Touch records activity now.
func (s *Session) Touch() {
	s.LastActivity = time.Now().UTC()
}

// SetActivity updates the detected activity and the last-activity timestamp.
func (s *Session) SetActivity(a Activity) {
	s.Activity = a
	s.Touch()
}

// Clone returns a copy safe to hand outside the registry owner.
func (s *Session) Clone() Session {
	return *s
}

// MaxNameLength bounds user-provided session names; derived branch names must
// stay within git's practical ref length limits.
const MaxNameLength = 100

var validBranchRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// ValidateName checks that a session name yields a legal git branch name.
// Git refuses names with spaces, "..", a leading '-', or a ".lock" suffix.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name too long (max %d characters)", MaxNameLength)
	}
	sanitized := Sanitize(name)
	if sanitized == "" {
		return fmt.Errorf("name %q contains no usable characters", name)
	}
	if strings.HasPrefix(sanitized, "-") {
		return fmt.Errorf("name must not start with '-'")
	}
	if strings.HasSuffix(sanitized, ".lock") {
		return fmt.Errorf("name must not end with '.lock'")
	}
	if strings.Contains(sanitized, "..") {
		return fmt.Errorf("name must not contain '..'")
	}
	if !validBranchRegexp.MatchString(sanitized) {
		return fmt.Errorf("name contains invalid characters (use letters, numbers, /, _, ., -)")
	}
	return nil
}

// Sanitize lowers the name and collapses anything outside [a-z0-9-_] to '-',
// producing a string usable as both a branch and a directory name.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// BranchName derives the branch for a session name, applying the configured
// prefix when present.
func BranchName(prefix, name string) string {
	sanitized := Sanitize(name)
	if prefix == "" {
		return sanitized
	}
	return prefix + "/" + sanitized
}
