package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/attach"
	"conductor/internal/errs"
	"conductor/internal/gitx"
	"conductor/internal/mux"
	"conductor/internal/session"
)

const (
	// mailboxSize bounds queued operations per session. A full mailbox makes
	// the poller skip a tick; explicit operations block until space frees.
	mailboxSize = 16
	// maxCaptureFailures is how many consecutive capture failures flip a
	// session to Errored.
	maxCaptureFailures = 3
)

// actor serializes all work on one session. Operations run one at a time in
// submission order on the actor's goroutine; the registry hands out snapshots
// only.
type actor struct {
	mailbox chan func()
	quit    chan struct{}

	// stopping is guarded by the orchestrator's mu: once set, no new
	// operations are accepted. The delete itself is already queued.
	stopping bool

	mu              sync.Mutex // guards the fields below
	sess            *session.Session
	captureFailures int
	attached        bool
	// classifiedGen is the content generation the detector last saw. Kept
	// apart from sess.ContentGeneration, which reads also advance.
	classifiedGen uint64
	// prCheckedAt is when the branch was last checked for an open PR; the
	// check runs on a much slower cadence than content polling.
	prCheckedAt time.Time
}

// spawnActorLocked registers an actor for s and starts its mailbox loop.
// Caller holds o.mu.
func (o *Orchestrator) spawnActorLocked(s *session.Session) *actor {
	a := &actor{
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		sess:    s,
	}
	o.actors[s.ID] = a
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case fn := <-a.mailbox:
				fn()
			case <-a.quit:
				return
			}
		}
	}()
	return a
}

func (a *actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

func (a *actor) snapshot() session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.Clone()
}

// submit queues fn on the session's mailbox and waits for it to run.
func (o *Orchestrator) submit(ctx context.Context, id session.ID, fn func(a *actor) error) error {
	const op = errs.Op("orchestrator.submit")

	o.mu.Lock()
	a, ok := o.actors[id]
	if !ok || a.stopping {
		o.mu.Unlock()
		return errs.E(op, errs.KindNotFound, fmt.Errorf("no session %s", id.Short()))
	}
	o.mu.Unlock()

	return o.submitTo(ctx, a, fn)
}

func (o *Orchestrator) submitTo(ctx context.Context, a *actor, fn func(a *actor) error) error {
	const op = errs.Op("orchestrator.submit")

	done := make(chan error, 1)
	select {
	case a.mailbox <- func() { done <- fn(a) }:
	case <-a.quit:
		return errs.E(op, errs.KindNotFound, fmt.Errorf("session is gone"))
	case <-ctx.Done():
		return errs.E(op, errs.KindTimeout, ctx.Err())
	}

	select {
	case err := <-done:
		return err
	case <-a.quit:
		// The mailbox loop exited with fn still queued.
		select {
		case err := <-done:
			return err
		default:
			return errs.E(op, errs.KindNotFound, fmt.Errorf("session is gone"))
		}
	case <-ctx.Done():
		return errs.E(op, errs.KindTimeout, ctx.Err())
	}
}

// CreateSession creates a branch, a worktree on it, and a multiplexer session
// running the agent program inside, then registers the session. Either every
// step lands or every step is rolled back.
func (o *Orchestrator) CreateSession(ctx context.Context, projectID session.ProjectID, name, program string) (session.Session, error) {
	const op = errs.Op("orchestrator.CreateSession")

	if err := session.ValidateName(name); err != nil {
		return session.Session{}, errs.E(op, errs.KindPermanent, err)
	}

	o.mu.Lock()
	project, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return session.Session{}, errs.E(op, errs.KindNotFound,
			fmt.Errorf("no project %s", projectID.Short()))
	}
	projectCopy := cloneProject(project)
	cfg := o.settings
	sanitized := session.Sanitize(name)
	for _, a := range o.actors {
		snap := a.snapshot()
		if snap.ProjectID == projectID && session.Sanitize(snap.Name) == sanitized {
			o.mu.Unlock()
			return session.Session{}, errs.E(op, errs.KindConflict,
				fmt.Errorf("session %q already exists in project", name))
		}
	}
	o.mu.Unlock()

	if program == "" {
		program = cfg.DefaultProgram
	}
	branch := session.BranchName(cfg.BranchPrefix, name)

	wtPath, err := o.trees.Create(ctx, &projectCopy, sanitized, branch)
	if err != nil {
		return session.Session{}, err
	}

	sess := session.New(projectID, name, branch, wtPath, program)
	if err := o.client.CreateSession(ctx, sess.MuxName, wtPath, program); err != nil {
		// Roll back the worktree and branch so a retry starts clean.
		if rbErr := o.trees.Remove(ctx, projectCopy.RootPath, wtPath, branch, false); rbErr != nil {
			o.logger.Error("rollback failed, worktree left behind", map[string]string{
				"path":  wtPath,
				"error": rbErr.Error(),
			})
		}
		return session.Session{}, err
	}

	o.mu.Lock()
	if p, ok := o.projects[projectID]; ok {
		p.AddSession(sess.ID)
	}
	o.spawnActorLocked(sess)
	snap := sess.Clone()
	o.persistLocked()
	o.mu.Unlock()

	o.hub.publish(Event{Type: EventSessionCreated, Session: &snap})
	o.logger.Info("session created", map[string]string{
		"session": sess.ID.Short(),
		"branch":  branch,
		"mux":     sess.MuxName,
	})
	return snap, nil
}

// PauseSession stops background polling for the session. The multiplexer
// session and worktree stay untouched.
func (o *Orchestrator) PauseSession(ctx context.Context, id session.ID) error {
	const op = errs.Op("orchestrator.PauseSession")

	err := o.submit(ctx, id, func(a *actor) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.sess.Status.CanPause() {
			return errs.E(op, errs.KindConflict,
				fmt.Errorf("cannot pause a %s session", a.sess.Status))
		}
		a.sess.Status = session.StatusPaused
		a.sess.Touch()
		return nil
	})
	if err != nil {
		return err
	}
	o.afterStatusChange(id)
	return nil
}

// ResumeSession returns a paused or errored session to active polling.
// Resuming an errored session resets its failure count and gives capture a
// fresh chance.
func (o *Orchestrator) ResumeSession(ctx context.Context, id session.ID) error {
	const op = errs.Op("orchestrator.ResumeSession")

	err := o.submit(ctx, id, func(a *actor) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.sess.Status.CanResume() {
			return errs.E(op, errs.KindConflict,
				fmt.Errorf("cannot resume a %s session", a.sess.Status))
		}
		a.sess.Status = session.StatusActive
		a.sess.Activity = session.ActivityUnknown
		a.captureFailures = 0
		a.classifiedGen = 0
		a.sess.Touch()
		return nil
	})
	if err != nil {
		return err
	}
	o.afterStatusChange(id)
	return nil
}

func (o *Orchestrator) afterStatusChange(id session.ID) {
	o.persist()
	o.mu.Lock()
	a, ok := o.actors[id]
	o.mu.Unlock()
	if ok {
		snap := a.snapshot()
		o.hub.publish(Event{Type: EventSessionUpdated, Session: &snap})
	}
}

// DeleteSession tears a session down: multiplexer session, worktree, and
// (unless keepBranch) the branch. Operations already queued finish first;
// operations submitted afterwards fail with NotFound. Once the teardown is
// queued the delete is committed: it completes on the actor goroutine even if
// this caller's context expires, so the registry can never claim a session
// whose resources are gone. The registry record is removed even if part of
// the teardown fails; any leftovers are logged for manual cleanup.
func (o *Orchestrator) DeleteSession(ctx context.Context, id session.ID, keepBranch bool) error {
	const op = errs.Op("orchestrator.DeleteSession")

	o.mu.Lock()
	a, ok := o.actors[id]
	if !ok || a.stopping {
		o.mu.Unlock()
		return errs.E(op, errs.KindNotFound, fmt.Errorf("no session %s", id.Short()))
	}
	a.stopping = true
	snap := a.snapshot()
	project, hasProject := o.projects[snap.ProjectID]
	var rootPath string
	if hasProject {
		rootPath = project.RootPath
	}
	o.mu.Unlock()

	done := make(chan error, 1)
	select {
	case a.mailbox <- func() {
		done <- o.teardownSession(a, snap, rootPath, keepBranch)
		a.stop()
	}:
	case <-a.quit:
		o.mu.Lock()
		a.stopping = false
		o.mu.Unlock()
		return errs.E(op, errs.KindNotFound, fmt.Errorf("session is gone"))
	case <-ctx.Done():
		// The teardown never ran; allow a retry.
		o.mu.Lock()
		a.stopping = false
		o.mu.Unlock()
		return errs.E(op, errs.KindTimeout, ctx.Err())
	}

	select {
	case err := <-done:
		return err
	case <-a.quit:
		// done is sent before the actor stops, so an empty channel here means
		// the engine shut down with the teardown still queued.
		select {
		case err := <-done:
			return err
		default:
			return errs.E(op, errs.KindNotFound, fmt.Errorf("session is gone"))
		}
	case <-ctx.Done():
		return errs.E(op, errs.KindTimeout,
			fmt.Errorf("teardown continues in the background: %w", ctx.Err()))
	}
}

// teardownSession runs on the actor goroutine. It uses its own deadline, not
// the deleting caller's, so a caller that stops waiting cannot leave the
// session half-dismantled.
func (o *Orchestrator) teardownSession(a *actor, snap session.Session, rootPath string, keepBranch bool) error {
	cfg := o.currentSettings()
	ctx, cancel := context.WithTimeout(context.Background(), 4*cfg.CommandTimeout.Std())
	defer cancel()
	id := snap.ID

	var teardownErr error
	if err := o.client.KillSession(ctx, snap.MuxName); err != nil && !errs.IsKind(err, errs.KindNotFound) {
		o.logger.Warn("kill session failed", map[string]string{
			"session": id.Short(),
			"error":   err.Error(),
		})
		teardownErr = err
	}
	if rootPath != "" {
		if err := o.trees.Remove(ctx, rootPath, snap.WorktreePath, snap.Branch, keepBranch); err != nil {
			o.logger.Error("worktree removal failed", map[string]string{
				"session": id.Short(),
				"path":    snap.WorktreePath,
				"error":   err.Error(),
			})
			teardownErr = err
		}
	}
	o.content.Invalidate(id)
	o.diffs.Invalidate(id)

	o.mu.Lock()
	delete(o.actors, id)
	if p, ok := o.projects[snap.ProjectID]; ok {
		p.RemoveSession(id)
	}
	o.persistLocked()
	o.mu.Unlock()

	o.hub.publish(Event{Type: EventSessionDeleted, Session: &snap})
	o.logger.Info("session deleted", map[string]string{
		"session":     id.Short(),
		"keep_branch": fmt.Sprintf("%t", keepBranch),
	})
	return teardownErr
}

// GetSession returns a snapshot of one session.
func (o *Orchestrator) GetSession(id session.ID) (session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.actors[id]
	if !ok || a.stopping {
		return session.Session{}, errs.E(errs.Op("orchestrator.GetSession"),
			errs.KindNotFound, fmt.Errorf("no session %s", id.Short()))
	}
	return a.snapshot(), nil
}

// ListSessions returns snapshots of all sessions, oldest first.
func (o *Orchestrator) ListSessions() []session.Session {
	o.mu.Lock()
	actors := make([]*actor, 0, len(o.actors))
	for _, a := range o.actors {
		if !a.stopping {
			actors = append(actors, a)
		}
	}
	o.mu.Unlock()

	out := make([]session.Session, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetContent returns the session's current pane content through the TTL
// cache, updating the session's content generation.
func (o *Orchestrator) GetContent(ctx context.Context, id session.ID) (mux.Capture, error) {
	var capture mux.Capture
	err := o.submit(ctx, id, func(a *actor) error {
		snap := a.snapshot()
		got, err := o.content.Get(ctx, id, snap.MuxName)
		if err != nil {
			return err
		}
		capture = got
		a.mu.Lock()
		a.sess.ContentGeneration = got.Generation
		a.mu.Unlock()
		return nil
	})
	return capture, err
}

// GetDiff returns the session worktree's diff against the project's main
// branch, through the TTL cache.
func (o *Orchestrator) GetDiff(ctx context.Context, id session.ID) (*gitx.Diff, error) {
	var model *gitx.Diff
	err := o.submit(ctx, id, func(a *actor) error {
		snap := a.snapshot()
		project, err := o.GetProject(snap.ProjectID)
		if err != nil {
			return err
		}
		got, err := o.diffs.Get(id, snap.WorktreePath, project.MainBranch)
		if err != nil {
			return err
		}
		model = got
		a.mu.Lock()
		a.sess.DiffGeneration = got.Generation
		a.mu.Unlock()
		return nil
	})
	return model, err
}

// SendInput types text into the session and submits it with Enter. Refused
// for paused and errored sessions.
func (o *Orchestrator) SendInput(ctx context.Context, id session.ID, text string) error {
	const op = errs.Op("orchestrator.SendInput")

	return o.submit(ctx, id, func(a *actor) error {
		snap := a.snapshot()
		if snap.Status != session.StatusActive {
			return errs.E(op, errs.KindConflict,
				fmt.Errorf("cannot send input to a %s session", snap.Status))
		}
		if text != "" {
			if err := o.client.SendKeys(ctx, snap.MuxName, text); err != nil {
				return err
			}
		}
		if err := o.client.SendEnter(ctx, snap.MuxName); err != nil {
			return err
		}
		a.mu.Lock()
		a.sess.Touch()
		a.mu.Unlock()
		return nil
	})
}

// SendKey injects a single named key or control chord ("escape", "ctrl-c",
// "up") without submitting. Refused for paused and errored sessions.
func (o *Orchestrator) SendKey(ctx context.Context, id session.ID, key string) error {
	const op = errs.Op("orchestrator.SendKey")

	return o.submit(ctx, id, func(a *actor) error {
		snap := a.snapshot()
		if snap.Status != session.StatusActive {
			return errs.E(op, errs.KindConflict,
				fmt.Errorf("cannot send input to a %s session", snap.Status))
		}
		if err := o.client.SendKey(ctx, snap.MuxName, key); err != nil {
			return err
		}
		a.mu.Lock()
		a.sess.Touch()
		a.mu.Unlock()
		return nil
	})
}

// Attach connects the calling terminal to the session until detach or
// session end. While attached, background polling skips the session; captures
// would race the user's own view.
func (o *Orchestrator) Attach(ctx context.Context, id session.ID) (attach.Result, error) {
	const op = errs.Op("orchestrator.Attach")

	var muxName string
	err := o.submit(ctx, id, func(a *actor) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.sess.Status != session.StatusActive {
			return errs.E(op, errs.KindConflict,
				fmt.Errorf("cannot attach to a %s session", a.sess.Status))
		}
		if a.attached {
			return errs.E(op, errs.KindConflict, fmt.Errorf("already attached"))
		}
		a.attached = true
		muxName = a.sess.MuxName
		return nil
	})
	if err != nil {
		return 0, err
	}

	result, attachErr := o.bridge.Attach(ctx, muxName)

	// Always clear the flag, even if the session vanished mid-attach.
	o.mu.Lock()
	if a, ok := o.actors[id]; ok {
		a.mu.Lock()
		a.attached = false
		a.sess.Touch()
		a.mu.Unlock()
	}
	o.mu.Unlock()

	return result, attachErr
}
