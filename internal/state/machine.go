// Package state holds the session/bug mode machine. It is the single source
// of truth for the current mode and the active session/bug identifiers;
// every other component reads this state and nothing else mutates it.
package state

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	snagerrors "github.com/snagtools/snag/internal/errors"
)

// Mode is the engine's current mode.
type Mode string

const (
	ModeIdle      Mode = "idle"      // no session
	ModeActive    Mode = "active"    // session running, no bug capturing
	ModeCapturing Mode = "capturing" // session running, one bug capturing
	ModeReview    Mode = "review"    // session ended, bugs being finalized
)

// Trigger is a transition request type. Hotkeys, tray items, and control
// requests all reduce to one of these.
type Trigger string

const (
	TriggerStartSession    Trigger = "start-session"
	TriggerStartBugCapture Trigger = "start-bug-capture"
	TriggerEndBugCapture   Trigger = "end-bug-capture"
	TriggerEndSession      Trigger = "end-session"
	TriggerResumeSession   Trigger = "resume-session"
	TriggerCloseSession    Trigger = "close-session"
)

// ParseTrigger validates a trigger string from the control API.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case TriggerStartSession, TriggerStartBugCapture, TriggerEndBugCapture,
		TriggerEndSession, TriggerResumeSession, TriggerCloseSession:
		return t, nil
	}
	return "", snagerrors.NewInvalidRequest(fmt.Sprintf("unknown trigger %q", s))
}

// Snapshot is the durable view of the machine: mode plus the identifiers of
// the active session and bug. It is persisted after every committed
// transition so an unclean shutdown can be detected at the next startup.
type Snapshot struct {
	Mode      Mode      `yaml:"mode"`
	SessionID string    `yaml:"session_id,omitempty"`
	BugID     string    `yaml:"bug_id,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// LoadSnapshot reads the persisted snapshot, defaulting to idle when none
// exists.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{Mode: ModeIdle}, nil
		}
		return Snapshot{}, fmt.Errorf("cannot read state snapshot: %w", err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("invalid state snapshot: %w", err)
	}
	if snap.Mode == "" {
		snap.Mode = ModeIdle
	}
	return snap, nil
}

func saveSnapshot(path string, snap Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Transition describes one committed mode change, pushed to subscribers.
type Transition struct {
	Trigger   Trigger
	From      Mode
	To        Mode
	SessionID string
	BugID     string
}

// Effects performs the side effects of transitions. Each method either
// completes the whole transition's work or returns an error, in which case
// the machine stays in its prior state.
type Effects interface {
	// BeginSession creates the session, engages the redirect, and starts
	// the watcher. Returns the new session id.
	BeginSession() (string, error)
	// BeginBug creates the next bug and triggers an OS capture. Returns the
	// new bug id.
	BeginBug(sessionID string) (string, error)
	// RepeatCapture triggers another OS capture for the bug already
	// capturing.
	RepeatCapture(sessionID, bugID string) error
	// FinishBug marks the bug captured.
	FinishBug(sessionID, bugID string) error
	// FinishSession marks the session ended, stops the watcher, and
	// releases the redirect.
	FinishSession(sessionID string) error
	// ResumeSession reactivates an ended session with redirect and watcher.
	ResumeSession(sessionID string) error
	// CloseSession finalizes a reviewed session.
	CloseSession(sessionID string) error
}

type request struct {
	trigger Trigger
	reply   chan error
}

// Machine serializes transition requests onto a single goroutine so
// concurrent triggers (hotkey fire plus control request) are linearized
// rather than racing. Requests that do not match a valid edge are rejected
// as logged no-ops.
type Machine struct {
	effects   Effects
	statePath string
	log       *log.Logger
	subs      []func(Transition)

	mu   sync.Mutex
	snap Snapshot

	requests chan request
	quit     chan struct{}
	done     chan struct{}
}

// New builds a machine starting from the given snapshot (usually the
// recovered one). Call Subscribe before Start.
func New(effects Effects, statePath string, initial Snapshot, logger *log.Logger) *Machine {
	if initial.Mode == "" {
		initial.Mode = ModeIdle
	}
	return &Machine{
		effects:   effects,
		statePath: statePath,
		log:       logger,
		snap:      initial,
		requests:  make(chan request),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Subscribe registers a transition listener. Listeners run on the machine
// goroutine and must be quick.
func (m *Machine) Subscribe(fn func(Transition)) {
	m.subs = append(m.subs, fn)
}

// Start launches the request loop.
func (m *Machine) Start() {
	go m.loop()
}

// Stop shuts the request loop down. Pending Request calls fail.
func (m *Machine) Stop() {
	close(m.quit)
	<-m.done
}

// Request submits a transition request and waits for its outcome. Invalid
// transitions return an INVALID_TRANSITION error the caller may treat as a
// no-op.
func (m *Machine) Request(t Trigger) error {
	req := request{trigger: t, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
		return <-req.reply
	case <-m.quit:
		return fmt.Errorf("state machine is stopped")
	}
}

// Snapshot returns the current committed state. The router re-reads this
// immediately before committing a move so captures are attributed to the
// bug active at move time.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case req := <-m.requests:
			req.reply <- m.apply(req.trigger)
		}
	}
}

// apply runs one transition. State is only committed after every side
// effect succeeded; on failure the machine stays where it was.
func (m *Machine) apply(t Trigger) error {
	cur := m.Snapshot()
	next := cur

	switch cur.Mode {
	case ModeIdle:
		if t != TriggerStartSession {
			return m.reject(cur, t)
		}
		sessionID, err := m.effects.BeginSession()
		if err != nil {
			return m.fail(cur, t, err)
		}
		next.Mode = ModeActive
		next.SessionID = sessionID

	case ModeActive:
		switch t {
		case TriggerStartBugCapture:
			bugID, err := m.effects.BeginBug(cur.SessionID)
			if err != nil {
				return m.fail(cur, t, err)
			}
			next.Mode = ModeCapturing
			next.BugID = bugID
		case TriggerEndSession:
			if err := m.effects.FinishSession(cur.SessionID); err != nil {
				return m.fail(cur, t, err)
			}
			next.Mode = ModeReview
		default:
			return m.reject(cur, t)
		}

	case ModeCapturing:
		switch t {
		case TriggerStartBugCapture:
			// Repeat: another capture for the same bug, no mode change.
			if err := m.effects.RepeatCapture(cur.SessionID, cur.BugID); err != nil {
				return m.fail(cur, t, err)
			}
		case TriggerEndBugCapture:
			if err := m.effects.FinishBug(cur.SessionID, cur.BugID); err != nil {
				return m.fail(cur, t, err)
			}
			next.Mode = ModeActive
			next.BugID = ""
		case TriggerEndSession:
			// Implicitly end the open bug first.
			if err := m.effects.FinishBug(cur.SessionID, cur.BugID); err != nil {
				return m.fail(cur, t, err)
			}
			if err := m.effects.FinishSession(cur.SessionID); err != nil {
				// The bug is already captured; commit that much and stay in
				// the session.
				partial := cur
				partial.Mode = ModeActive
				partial.BugID = ""
				m.commit(cur, partial, TriggerEndBugCapture)
				return m.fail(partial, t, err)
			}
			next.Mode = ModeReview
			next.BugID = ""
		default:
			return m.reject(cur, t)
		}

	case ModeReview:
		switch t {
		case TriggerResumeSession:
			if err := m.effects.ResumeSession(cur.SessionID); err != nil {
				return m.fail(cur, t, err)
			}
			next.Mode = ModeActive
		case TriggerCloseSession:
			if err := m.effects.CloseSession(cur.SessionID); err != nil {
				return m.fail(cur, t, err)
			}
			next.Mode = ModeIdle
			next.SessionID = ""
			next.BugID = ""
		default:
			return m.reject(cur, t)
		}

	default:
		return m.reject(cur, t)
	}

	m.commit(cur, next, t)
	return nil
}

func (m *Machine) reject(cur Snapshot, t Trigger) error {
	err := snagerrors.NewInvalidTransition(string(cur.Mode), string(t))
	if m.log != nil {
		m.log.Debug("transition rejected", "mode", cur.Mode, "trigger", t)
	}
	return err
}

func (m *Machine) fail(cur Snapshot, t Trigger, err error) error {
	if m.log != nil {
		m.log.Error("transition failed", "mode", cur.Mode, "trigger", t, "error", err)
	}
	return err
}

func (m *Machine) commit(from, to Snapshot, t Trigger) {
	to.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.snap = to
	m.mu.Unlock()

	if err := saveSnapshot(m.statePath, to); err != nil && m.log != nil {
		m.log.Warn("failed to persist state snapshot", "error", err)
	}

	tr := Transition{
		Trigger:   t,
		From:      from.Mode,
		To:        to.Mode,
		SessionID: to.SessionID,
		BugID:     to.BugID,
	}
	if m.log != nil {
		m.log.Info("transition", "trigger", t, "from", from.Mode, "to", to.Mode,
			"session", to.SessionID, "bug", to.BugID)
	}
	for _, fn := range m.subs {
		fn(tr)
	}
}
