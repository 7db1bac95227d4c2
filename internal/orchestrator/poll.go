package orchestrator

import (
	"context"
	"strconv"
	"time"

	"conductor/internal/logging"
	"conductor/internal/session"
)

// pollLoop drives the background tick. A timer rather than a ticker, so a
// hot-reloaded poll interval takes effect on the next round.
func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()
	for {
		interval := o.currentSettings().PollInterval.Std()
		select {
		case <-time.After(interval):
			o.tick()
		case <-o.quit:
			return
		}
	}
}

// tick enqueues one poll per eligible session. Paused, errored, and attached
// sessions are skipped, as is any session with work already queued: a slow
// session falls behind on freshness instead of accumulating a backlog.
func (o *Orchestrator) tick() {
	o.mu.Lock()
	actors := make([]*actor, 0, len(o.actors))
	for _, a := range o.actors {
		if !a.stopping {
			actors = append(actors, a)
		}
	}
	o.mu.Unlock()

	for _, a := range actors {
		a.mu.Lock()
		eligible := a.sess.Status == session.StatusActive && !a.attached
		a.mu.Unlock()
		if !eligible || len(a.mailbox) > 0 {
			continue
		}
		select {
		case a.mailbox <- func() { o.pollOne(a) }:
		default:
			// Mailbox filled since the check; catch up next tick.
		}
	}
}

// pollOne captures the session's pane, classifies activity, and records the
// result. Three consecutive capture failures flip the session to Errored and
// take it out of the rotation until the operator resumes or deletes it.
func (o *Orchestrator) pollOne(a *actor) {
	cfg := o.currentSettings()
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.CommandTimeout.Std())
	defer cancel()

	a.mu.Lock()
	id := a.sess.ID
	muxName := a.sess.MuxName
	a.mu.Unlock()

	capture, err := o.content.Get(ctx, id, muxName)
	if err != nil {
		a.mu.Lock()
		a.captureFailures++
		failures := a.captureFailures
		flip := failures >= maxCaptureFailures && a.sess.Status == session.StatusActive
		if flip {
			a.sess.Status = session.StatusErrored
			a.sess.Activity = session.ActivityUnknown
		}
		a.mu.Unlock()

		if flip {
			o.logger.Error("session errored after repeated capture failures", map[string]string{
				"session": id.Short(),
				"error":   err.Error(),
			})
			snap := a.snapshot()
			o.hub.publish(Event{Type: EventSessionUpdated, Session: &snap})
			o.persist()
		} else if o.logger.Enabled(logging.LevelDebug) {
			o.logger.Debug("capture failed", map[string]string{
				"session":  id.Short(),
				"failures": strconv.Itoa(failures),
			})
		}
		return
	}

	o.maybeCheckPR(ctx, a)

	a.mu.Lock()
	a.captureFailures = 0
	previous := a.sess.Activity
	unchanged := a.classifiedGen == capture.Generation
	a.mu.Unlock()

	// Same generation means identical content; the classification cannot
	// change either.
	if unchanged {
		return
	}

	next := o.detector.Detect(previous, capture.Text)

	a.mu.Lock()
	a.sess.ContentGeneration = capture.Generation
	a.classifiedGen = capture.Generation
	changed := next != previous
	if changed {
		a.sess.SetActivity(next)
	}
	a.mu.Unlock()

	if changed {
		snap := a.snapshot()
		o.hub.publish(Event{Type: EventSessionUpdated, Session: &snap})
	}
}

// maybeCheckPR refreshes the session's open-PR status on its own slow
// cadence. A branch gains or loses a PR without the pane changing, so this
// runs independently of content generations.
func (o *Orchestrator) maybeCheckPR(ctx context.Context, a *actor) {
	interval := o.currentSettings().PRPollInterval.Std()

	a.mu.Lock()
	due := time.Since(a.prCheckedAt) >= interval
	projectID := a.sess.ProjectID
	branch := a.sess.Branch
	a.mu.Unlock()
	if !due {
		return
	}

	project, err := o.GetProject(projectID)
	if err != nil {
		return
	}
	// No PR leaves info at its zero value, which also clears a PR that was
	// merged or closed since the last check.
	info, _ := o.prober.Check(ctx, project.RootPath, branch)

	a.mu.Lock()
	a.prCheckedAt = time.Now()
	changed := a.sess.PRNumber != info.Number || a.sess.PRURL != info.URL
	a.sess.PRNumber = info.Number
	a.sess.PRURL = info.URL
	a.mu.Unlock()

	if changed {
		snap := a.snapshot()
		o.hub.publish(Event{Type: EventSessionUpdated, Session: &snap})
	}
}
