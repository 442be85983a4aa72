// Package engine wires the capture pipeline together: it implements the
// state machine's side effects on top of the session store, the OS redirect,
// the staging watcher, and the capture router. One engine instance is the
// single writer for a SNAG_HOME; CLI commands reach it over the control
// socket rather than touching the files themselves.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/snagtools/snag/internal/capture"
	"github.com/snagtools/snag/internal/catalog"
	"github.com/snagtools/snag/internal/redirect"
	"github.com/snagtools/snag/internal/router"
	"github.com/snagtools/snag/internal/session"
	"github.com/snagtools/snag/internal/state"
	"github.com/snagtools/snag/internal/store"
	"github.com/snagtools/snag/internal/watcher"
)

// Engine runs one capture pipeline.
type Engine struct {
	store    *store.Store
	catalog  *catalog.Catalog
	redirect *redirect.Manager
	trigger  capture.Trigger
	log      *log.Logger

	machine *state.Machine
	watch   *watcher.Watcher
	route   *router.Router

	titleFn  func() string
	onCap    func(router.Routed)
	subs     []func(state.Transition)
	degraded bool
}

// Option adjusts engine construction. Tests swap the OS-facing pieces.
type Option func(*Engine)

// WithRedirectBackend replaces the OS screenshot-location backend.
func WithRedirectBackend(b redirect.Backend) Option {
	return func(e *Engine) {
		e.redirect = redirect.NewManager(b, e.store.RedirectTokenPath())
	}
}

// WithCaptureTrigger replaces the OS capture tool invocation.
func WithCaptureTrigger(t capture.Trigger) Option {
	return func(e *Engine) { e.trigger = t }
}

// WithTitleFunc replaces the default title for hotkey-started sessions.
func WithTitleFunc(fn func() string) Option {
	return func(e *Engine) { e.titleFn = fn }
}

func New(s *store.Store, logger *log.Logger, opts ...Option) (*Engine, error) {
	cat, err := catalog.Open(s.CatalogPath())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    s,
		catalog:  cat,
		redirect: redirect.NewManager(redirect.NewOSBackend(), s.RedirectTokenPath()),
		trigger: &capture.ToolTrigger{
			Tool:        s.Config.Capture.Tool,
			Interactive: s.Config.Capture.Interactive,
			Log:         logger,
		},
		log: logger,
		titleFn: func() string {
			return "QA " + time.Now().Format("2006-01-02 15:04")
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// OnCapture registers a hook called after each routed capture. Call before
// Start.
func (e *Engine) OnCapture(fn func(router.Routed)) {
	e.onCap = fn
}

// Subscribe registers a state transition listener. Call before Start.
func (e *Engine) Subscribe(fn func(state.Transition)) {
	e.subs = append(e.subs, fn)
}

// Start recovers from any unclean shutdown and begins accepting triggers.
func (e *Engine) Start() error {
	snap, err := e.Recover()
	if err != nil {
		return err
	}
	e.machine = state.New(e, e.store.StatePath(), snap, e.log)
	for _, fn := range e.subs {
		e.machine.Subscribe(fn)
	}
	e.machine.Start()
	return nil
}

// Stop shuts the pipeline down cleanly. A still-running session is ended
// first so the redirect is always restored on a clean exit.
func (e *Engine) Stop() {
	if e.machine != nil {
		switch e.machine.Snapshot().Mode {
		case state.ModeActive, state.ModeCapturing:
			if err := e.machine.Request(state.TriggerEndSession); err != nil && e.log != nil {
				e.log.Error("failed to end session on shutdown", "error", err)
			}
		}
		e.machine.Stop()
	}
	e.stopPipeline()
	e.catalog.Close()
}

// Recover handles the two things a crash can leave behind: a still-engaged
// OS redirect and a state snapshot claiming a session is live. The redirect
// is restored first; the session is then marked ended and handed to review,
// since captures taken while no engine was running never got routed.
func (e *Engine) Recover() (state.Snapshot, error) {
	if tok, err := e.redirect.RecoverStale(); err != nil {
		return state.Snapshot{}, fmt.Errorf("cannot restore screenshot location: %w", err)
	} else if tok != nil && e.log != nil {
		e.log.Warn("restored screenshot location left redirected by a previous run",
			"override", tok.Override)
	}

	snap, err := state.LoadSnapshot(e.store.StatePath())
	if err != nil {
		return state.Snapshot{}, err
	}

	switch snap.Mode {
	case state.ModeActive, state.ModeCapturing:
		if e.log != nil {
			e.log.Warn("previous run died mid-session; moving it to review",
				"session", snap.SessionID)
		}
		if sess, err := session.Get(e.store, snap.SessionID); err == nil {
			if sess.Status == session.StatusActive {
				if err := session.Transition(sess, session.StatusEnded); err != nil {
					return state.Snapshot{}, err
				}
			}
			e.syncSession(sess)
		}
		snap.Mode = state.ModeReview
		snap.BugID = ""

	case state.ModeIdle:
		// A crash between session creation and the first snapshot write
		// leaves an active record with no state file.
		if sess, err := session.Active(e.store); err == nil && sess != nil {
			if err := session.Transition(sess, session.StatusEnded); err != nil {
				return state.Snapshot{}, err
			}
			e.syncSession(sess)
			snap.Mode = state.ModeReview
			snap.SessionID = sess.ID
		}
	}
	return snap, nil
}

// Degraded reports whether the current session runs without the OS
// redirect, meaning captures land wherever the OS saves them by default.
func (e *Engine) Degraded() bool { return e.degraded }

// Snapshot exposes the machine state for the control API and tray.
func (e *Engine) Snapshot() state.Snapshot {
	if e.machine == nil {
		return state.Snapshot{Mode: state.ModeIdle}
	}
	return e.machine.Snapshot()
}

// Request forwards a trigger to the machine.
func (e *Engine) Request(t state.Trigger) error {
	return e.machine.Request(t)
}

// SessionFolder returns the current session's folder, if any.
func (e *Engine) SessionFolder() (string, bool) {
	snap := e.Snapshot()
	if snap.SessionID == "" {
		return "", false
	}
	sess, err := session.Get(e.store, snap.SessionID)
	if err != nil {
		return "", false
	}
	return sess.FolderPath, true
}

// ListCaptures serves the control API. The bug may be referenced by record
// id, display id, or bare number.
func (e *Engine) ListCaptures(sessionID, bugID string) ([]catalog.Capture, error) {
	if bugID != "" {
		resolved, err := e.resolveBugID(sessionID, bugID)
		if err != nil {
			return nil, err
		}
		bugID = resolved
	}
	return e.catalog.ListCaptures(sessionID, bugID)
}

func (e *Engine) resolveBugID(sessionID, ref string) (string, error) {
	bugs, err := e.catalog.ListBugs(sessionID)
	if err != nil {
		return "", err
	}
	num, numErr := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(ref), "BUG-"))
	for _, b := range bugs {
		if b.ID == ref || strings.EqualFold(b.DisplayID, ref) || (numErr == nil && b.Number == num) {
			return b.ID, nil
		}
	}
	return ref, nil // let the query return empty rather than guessing
}

// --- state.Effects ---

// BeginSession creates the session, engages the redirect, and starts the
// staging watcher. A refused redirect degrades the session instead of
// blocking it; a watcher that cannot start aborts the whole transition.
func (e *Engine) BeginSession() (string, error) {
	sess, err := session.Create(e.store, e.titleFn())
	if err != nil {
		return "", err
	}

	if err := e.openPipeline(sess); err != nil {
		// Without a watcher nothing would ever be routed; undo the session.
		sess.Status = session.StatusEnded
		now := time.Now().UTC()
		sess.EndedAt = &now
		_ = session.Save(sess)
		_ = e.redirect.Release()
		return "", err
	}

	e.syncSession(sess)
	return sess.ID, nil
}

// openPipeline engages the redirect and starts watcher and router for a
// session. Sets the degraded flag when the redirect is unavailable.
func (e *Engine) openPipeline(sess *session.Session) error {
	e.degraded = false
	if _, err := e.redirect.Acquire(session.StagingDir(sess)); err != nil {
		e.degraded = true
		if e.log != nil {
			e.log.Warn("continuing without screenshot redirect", "error", err)
		}
	}

	if err := e.startWatch(sess); err != nil {
		_ = e.redirect.Release()
		e.degraded = false
		return err
	}
	return nil
}

// startWatch starts the watcher and router on a session's staging folder
// without touching the redirect.
func (e *Engine) startWatch(sess *session.Session) error {
	settle := time.Duration(e.store.Config.Watcher.SettleMs) * time.Millisecond
	w := watcher.New(session.StagingDir(sess), settle, e.log)
	if err := w.Start(); err != nil {
		return err
	}

	r := router.New(e, e.catalog, e.log)
	r.OnRouted(e.routed)
	r.Start(w.Events())

	e.watch = w
	e.route = r
	return nil
}

func (e *Engine) stopPipeline() {
	if e.watch == nil {
		return
	}
	e.watch.Stop()
	e.route.Wait()
	e.watch = nil
	e.route = nil
	e.degraded = false
}

// BeginBug allocates the next bug and fires an OS capture into staging.
func (e *Engine) BeginBug(sessionID string) (string, error) {
	sess, err := session.Get(e.store, sessionID)
	if err != nil {
		return "", err
	}
	bug, err := session.CreateBug(sess)
	if err != nil {
		return "", err
	}
	e.syncBug(bug)

	// A failed tool launch is not fatal: the user can still capture with the
	// OS shortcut, and those files route into the same bug.
	if err := e.trigger.Fire(session.StagingDir(sess)); err != nil && e.log != nil {
		e.log.Warn("capture tool launch failed", "error", err)
	}
	return bug.ID, nil
}

// RepeatCapture fires another OS capture for the bug already capturing.
func (e *Engine) RepeatCapture(sessionID, bugID string) error {
	sess, err := session.Get(e.store, sessionID)
	if err != nil {
		return err
	}
	return e.trigger.Fire(session.StagingDir(sess))
}

// FinishBug marks the capturing bug as captured.
func (e *Engine) FinishBug(sessionID, bugID string) error {
	sess, err := session.Get(e.store, sessionID)
	if err != nil {
		return err
	}
	if err := session.TransitionBug(sess, bugID, session.BugCaptured); err != nil {
		return err
	}
	if bug, err := session.GetBug(sess, bugID); err == nil {
		e.syncBug(bug)
	}
	return nil
}

// FinishSession drains the pipeline, restores the OS redirect, and marks
// the session ended. The watcher stops first so every capture already in
// staging is routed before the session record flips.
func (e *Engine) FinishSession(sessionID string) error {
	e.stopPipeline()

	if err := e.redirect.Release(); err != nil {
		// The session stays active when the restore fails, and the redirect
		// is still pointed at staging, so captures keep arriving there.
		// Bring the watcher back so they keep getting routed.
		if sess, gerr := session.Get(e.store, sessionID); gerr == nil {
			if werr := e.startWatch(sess); werr != nil && e.log != nil {
				e.log.Error("watcher restart failed after redirect restore failure", "error", werr)
			}
		}
		return err
	}

	sess, err := session.Get(e.store, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusActive {
		if err := session.Transition(sess, session.StatusEnded); err != nil {
			return err
		}
	}
	e.syncSession(sess)
	return nil
}

// ResumeSession reactivates an ended session with a fresh pipeline.
func (e *Engine) ResumeSession(sessionID string) error {
	sess, err := session.Get(e.store, sessionID)
	if err != nil {
		return err
	}
	if err := session.Transition(sess, session.StatusActive); err != nil {
		return err
	}
	if err := e.openPipeline(sess); err != nil {
		_ = session.Transition(sess, session.StatusEnded)
		return err
	}
	e.syncSession(sess)
	return nil
}

// CloseSession marks a reviewed session and returns the engine to idle.
func (e *Engine) CloseSession(sessionID string) error {
	sess, err := session.Get(e.store, sessionID)
	if err != nil {
		return err
	}
	if err := session.Transition(sess, session.StatusReviewed); err != nil {
		return err
	}
	e.syncSession(sess)
	return nil
}

// --- router.Resolver ---

// Resolve reads the committed state at placement time, so a capture that
// settles after end-bug-capture lands unsorted instead of in the closed bug.
func (e *Engine) Resolve() (router.Target, error) {
	snap := e.Snapshot()
	if snap.SessionID == "" {
		return router.Target{}, fmt.Errorf("no session to route into")
	}
	sess, err := session.Get(e.store, snap.SessionID)
	if err != nil {
		return router.Target{}, err
	}

	if snap.BugID != "" {
		bug, err := session.GetBug(sess, snap.BugID)
		if err != nil {
			return router.Target{}, err
		}
		return router.Target{
			SessionID: sess.ID,
			BugID:     bug.ID,
			Dir:       bug.FolderPath,
			Label:     bug.DisplayID,
		}, nil
	}
	return router.Target{
		SessionID: sess.ID,
		Dir:       session.UnsortedDir(sess),
		Label:     "unsorted",
	}, nil
}

func (e *Engine) routed(r router.Routed) {
	if e.onCap != nil {
		e.onCap(r)
	}
}

func (e *Engine) syncSession(sess *session.Session) {
	row := catalog.SessionRow{
		ID:         sess.ID,
		Title:      sess.Title,
		Status:     string(sess.Status),
		FolderPath: sess.FolderPath,
		StartedAt:  sess.StartedAt,
		EndedAt:    sess.EndedAt,
	}
	if err := e.catalog.UpsertSession(row); err != nil && e.log != nil {
		e.log.Warn("failed to index session", "session", sess.ID, "error", err)
	}
}

func (e *Engine) syncBug(bug *session.Bug) {
	row := catalog.BugRow{
		ID:         bug.ID,
		SessionID:  bug.SessionID,
		Number:     bug.Number,
		DisplayID:  bug.DisplayID,
		Status:     string(bug.Status),
		FolderPath: bug.FolderPath,
		CreatedAt:  bug.CreatedAt,
	}
	if err := e.catalog.UpsertBug(row); err != nil && e.log != nil {
		e.log.Warn("failed to index bug", "bug", bug.DisplayID, "error", err)
	}
}
