// Package orchestrator owns the registry of projects and sessions and
// serializes all work on a session through its mailbox. Callers get copies,
// never live registry records, so nothing outside this package can race the
// owner.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/attach"
	"conductor/internal/config"
	"conductor/internal/detect"
	"conductor/internal/errs"
	"conductor/internal/gitx"
	"conductor/internal/logging"
	"conductor/internal/mux"
	"conductor/internal/session"
	"conductor/internal/state"
	"conductor/internal/worktree"
)

// activityDetector classifies captured pane content. Satisfied by
// detect.Detector; substitutable in tests.
type activityDetector interface {
	Detect(previous session.Activity, content string) session.Activity
}

// Orchestrator is the engine. One instance runs per process.
type Orchestrator struct {
	logger   *logging.Logger
	client   *mux.Client
	content  *mux.ContentCache
	diffs    *gitx.DiffCache
	trees    *worktree.Manager
	detector activityDetector
	store    *state.Store
	bridge   *attach.Bridge
	prober   *gitx.PRProber
	hub      *eventHub

	mu       sync.Mutex
	settings config.Settings
	projects map[session.ProjectID]*session.Project
	actors   map[session.ID]*actor

	quit    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
	started bool
	loaded  bool
}

// Option overrides a collaborator, mostly for tests.
type Option func(*Orchestrator)

func WithClient(client *mux.Client) Option {
	return func(o *Orchestrator) { o.client = client }
}

func WithWorktrees(trees *worktree.Manager) Option {
	return func(o *Orchestrator) { o.trees = trees }
}

func WithStore(store *state.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

func WithBridge(bridge *attach.Bridge) Option {
	return func(o *Orchestrator) { o.bridge = bridge }
}

func WithDetector(detector activityDetector) Option {
	return func(o *Orchestrator) { o.detector = detector }
}

func WithPRProber(prober *gitx.PRProber) Option {
	return func(o *Orchestrator) { o.prober = prober }
}

// New assembles an orchestrator from settings. Collaborators not overridden
// by options are built on the real multiplexer, git CLI, and state file.
func New(cfg config.Settings, logger *logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger,
		detector: detect.New(),
		hub:      newEventHub(),
		settings: cfg,
		projects: make(map[session.ProjectID]*session.Project),
		actors:   make(map[session.ID]*actor),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		runner := mux.NewRunner(cfg.MaxConcurrentCommands, logger,
			mux.WithTimeout(cfg.CommandTimeout.Std()))
		o.client = mux.NewClient(runner)
	}
	o.content = mux.NewContentCache(o.client, cfg.ContentCacheTTL.Std())
	o.diffs = gitx.NewDiffCache(cfg.DiffCacheTTL.Std())
	if o.trees == nil {
		o.trees = worktree.NewManager(cfg.WorktreesDir, logger)
	}
	if o.store == nil {
		o.store = state.NewStore(cfg.StatePath, logger)
	}
	if o.bridge == nil {
		o.bridge = attach.NewBridge(logger)
	}
	if o.prober == nil {
		o.prober = gitx.NewPRProber()
	}
	return o
}

// Subscribe returns a channel of registry events plus a cancel func. Slow
// consumers lose events instead of blocking the engine.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.hub.subscribe()
}

// Start loads persisted state, reconciles it against the live multiplexer,
// and begins background polling. Load failure is fatal: starting with an
// empty registry would orphan every existing worktree on the next save.
func (o *Orchestrator) Start(ctx context.Context) error {
	const op = errs.Op("orchestrator.Start")

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errs.E(op, fmt.Errorf("already started"))
	}
	o.started = true
	o.mu.Unlock()

	loaded, err := o.store.Load()
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.loaded = true
	for i := range loaded.Projects {
		p := loaded.Projects[i]
		o.projects[p.ID] = &p
	}
	for i := range loaded.Sessions {
		s := loaded.Sessions[i]
		o.spawnActorLocked(&s)
	}
	o.mu.Unlock()

	o.reconcile(ctx)

	o.wg.Add(1)
	go o.pollLoop()

	o.logger.Info("orchestrator started", map[string]string{
		"projects": fmt.Sprintf("%d", len(loaded.Projects)),
		"sessions": fmt.Sprintf("%d", len(loaded.Sessions)),
	})
	return nil
}

// reconcile flags sessions whose multiplexer session vanished while the
// engine was down. The records are kept so the operator can inspect and
// delete them; their worktrees are still on disk.
func (o *Orchestrator) reconcile(ctx context.Context) {
	for _, snap := range o.ListSessions() {
		alive, err := o.client.HasSession(ctx, snap.MuxName)
		if err != nil {
			o.logger.Warn("reconcile check failed", map[string]string{
				"session": snap.ID.Short(),
				"error":   err.Error(),
			})
			continue
		}
		if alive || snap.Status == session.StatusErrored {
			continue
		}
		id := snap.ID
		_ = o.submit(ctx, id, func(a *actor) error {
			a.mu.Lock()
			a.sess.Status = session.StatusErrored
			a.sess.Activity = session.ActivityUnknown
			a.mu.Unlock()
			o.logger.Warn("session lost its multiplexer session", map[string]string{
				"session": id.Short(),
			})
			return nil
		})
	}
	o.persist()
}

// Close stops polling and all session mailboxes, then saves state one last
// time. Queued operations finish first. The final save is skipped unless a
// load succeeded: an engine that never read the state file must not replace
// the operator's records with an empty registry.
func (o *Orchestrator) Close() {
	select {
	case <-o.stopped:
		return
	default:
	}
	close(o.quit)

	o.mu.Lock()
	loaded := o.loaded
	actors := make([]*actor, 0, len(o.actors))
	for _, a := range o.actors {
		actors = append(actors, a)
	}
	o.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
	o.wg.Wait()
	if loaded {
		o.persist()
	}
	close(o.stopped)
}

// UpdateSettings applies hot-reloadable settings. Structural knobs (admission
// limit, state path) need a restart and keep their original values.
func (o *Orchestrator) UpdateSettings(cfg config.Settings) {
	o.mu.Lock()
	o.settings.LogLevel = cfg.LogLevel
	o.settings.DefaultProgram = cfg.DefaultProgram
	o.settings.BranchPrefix = cfg.BranchPrefix
	o.settings.PollInterval = cfg.PollInterval
	o.settings.PRPollInterval = cfg.PRPollInterval
	o.mu.Unlock()

	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		o.logger.SetMinLevel(level)
	}
	o.logger.Info("settings updated", map[string]string{
		"poll_interval": cfg.PollInterval.Std().String(),
	})
}

func (o *Orchestrator) currentSettings() config.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// AddProject registers the repository containing rootPath. The project name
// defaults to the repository directory name.
func (o *Orchestrator) AddProject(ctx context.Context, rootPath, name string) (session.Project, error) {
	const op = errs.Op("orchestrator.AddProject")

	repo, err := gitx.Discover(rootPath)
	if err != nil {
		return session.Project{}, err
	}
	mainBranch, err := repo.MainBranch()
	if err != nil {
		return session.Project{}, err
	}
	if name == "" {
		name = repo.Name()
	}

	o.mu.Lock()
	for _, existing := range o.projects {
		if existing.RootPath == repo.Path() {
			o.mu.Unlock()
			return session.Project{}, errs.E(op, errs.KindConflict,
				fmt.Errorf("project already registered for %s", repo.Path()))
		}
	}
	project := &session.Project{
		ID:         session.NewProjectID(),
		Name:       name,
		RootPath:   repo.Path(),
		MainBranch: mainBranch,
		CreatedAt:  time.Now().UTC(),
	}
	o.projects[project.ID] = project
	snap := cloneProject(project)
	o.persistLocked()
	o.mu.Unlock()

	o.hub.publish(Event{Type: EventProjectAdded, Project: &snap})
	o.logger.Info("project added", map[string]string{
		"project": project.ID.Short(),
		"root":    project.RootPath,
		"branch":  mainBranch,
	})
	return snap, nil
}

// RemoveProject unregisters a project. Refused while the project still has
// sessions; delete those first.
func (o *Orchestrator) RemoveProject(ctx context.Context, id session.ProjectID) error {
	const op = errs.Op("orchestrator.RemoveProject")

	o.mu.Lock()
	project, ok := o.projects[id]
	if !ok {
		o.mu.Unlock()
		return errs.E(op, errs.KindNotFound, fmt.Errorf("no project %s", id.Short()))
	}
	for _, a := range o.actors {
		if a.snapshot().ProjectID == id {
			o.mu.Unlock()
			return errs.E(op, errs.KindConflict,
				fmt.Errorf("project %s still has sessions", id.Short()))
		}
	}
	snap := cloneProject(project)
	delete(o.projects, id)
	o.persistLocked()
	o.mu.Unlock()

	o.hub.publish(Event{Type: EventProjectRemoved, Project: &snap})
	o.logger.Info("project removed", map[string]string{"project": id.Short()})
	return nil
}

// GetProject returns a snapshot of one project.
func (o *Orchestrator) GetProject(id session.ProjectID) (session.Project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	project, ok := o.projects[id]
	if !ok {
		return session.Project{}, errs.E(errs.Op("orchestrator.GetProject"),
			errs.KindNotFound, fmt.Errorf("no project %s", id.Short()))
	}
	return cloneProject(project), nil
}

// ListProjects returns snapshots of all projects, oldest first.
func (o *Orchestrator) ListProjects() []session.Project {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]session.Project, 0, len(o.projects))
	for _, p := range o.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneProject(p *session.Project) session.Project {
	snap := *p
	snap.SessionIDs = append([]session.ID(nil), p.SessionIDs...)
	return snap
}

// persist saves the registry, best effort. A failed save is logged and the
// engine keeps running on its in-memory state; the next mutation retries.
func (o *Orchestrator) persist() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistLocked()
}

func (o *Orchestrator) persistLocked() {
	f := state.Empty()
	for _, p := range o.projects {
		f.Projects = append(f.Projects, cloneProject(p))
	}
	sort.Slice(f.Projects, func(i, j int) bool { return f.Projects[i].ID < f.Projects[j].ID })

	for _, a := range o.actors {
		f.Sessions = append(f.Sessions, a.snapshot())
	}
	sort.Slice(f.Sessions, func(i, j int) bool { return f.Sessions[i].ID < f.Sessions[j].ID })

	if err := o.store.Save(f); err != nil {
		o.logger.Error("state save failed", map[string]string{"error": err.Error()})
	}
}
