// Package tray puts the engine in the menu bar. It is a thin adapter: every
// click reduces to a state trigger, and menu items follow the committed mode
// so impossible actions are greyed out rather than silently rejected.
package tray

import (
	"sync"

	"fyne.io/systray"

	"github.com/snagtools/snag/internal/state"
)

// Hooks connect menu clicks back to the engine.
type Hooks struct {
	Trigger    func(state.Trigger)
	OpenFolder func()
	OnQuit     func()
}

type Tray struct {
	hooks Hooks

	mu     sync.Mutex
	ready  bool
	last   state.Snapshot
	status *systray.MenuItem
	items  map[state.Trigger]*systray.MenuItem
	open   *systray.MenuItem
}

func New(hooks Hooks) *Tray {
	return &Tray{hooks: hooks, items: make(map[state.Trigger]*systray.MenuItem)}
}

// Run blocks inside the OS event loop. Call from the main goroutine.
func (t *Tray) Run(initial state.Snapshot) {
	t.mu.Lock()
	t.last = initial
	t.mu.Unlock()
	systray.Run(t.onReady, t.onExit)
}

// Quit tears the tray down, unblocking Run.
func (t *Tray) Quit() {
	systray.Quit()
}

// Update reflects a committed transition in the menu. The signature matches
// the engine's subscriber callback, so it can be passed to Subscribe
// directly. Safe to call from the state machine's goroutine.
func (t *Tray) Update(tr state.Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = state.Snapshot{Mode: tr.To, SessionID: tr.SessionID, BugID: tr.BugID}
	if t.ready {
		t.applyLocked(t.last)
	}
}

func (t *Tray) onReady() {
	systray.SetTitle("snag")
	systray.SetTooltip("snag evidence capture")

	t.status = systray.AddMenuItem("Idle", "Current mode")
	t.status.Disable()
	systray.AddSeparator()

	add := func(trigger state.Trigger, title string) {
		item := systray.AddMenuItem(title, "")
		t.items[trigger] = item
		go func() {
			for range item.ClickedCh {
				if t.hooks.Trigger != nil {
					t.hooks.Trigger(trigger)
				}
			}
		}()
	}
	add(state.TriggerStartSession, "Start Session")
	add(state.TriggerStartBugCapture, "Capture Bug")
	add(state.TriggerEndBugCapture, "End Bug Capture")
	add(state.TriggerEndSession, "End Session")
	add(state.TriggerResumeSession, "Resume Session")
	add(state.TriggerCloseSession, "Close Session")

	systray.AddSeparator()
	t.open = systray.AddMenuItem("Open Session Folder", "")
	go func() {
		for range t.open.ClickedCh {
			if t.hooks.OpenFolder != nil {
				t.hooks.OpenFolder()
			}
		}
	}()

	quit := systray.AddMenuItem("Quit snag", "")
	go func() {
		<-quit.ClickedCh
		systray.Quit()
	}()

	t.mu.Lock()
	t.ready = true
	t.applyLocked(t.last)
	t.mu.Unlock()
}

func (t *Tray) onExit() {
	if t.hooks.OnQuit != nil {
		t.hooks.OnQuit()
	}
}

var modeTitles = map[state.Mode]string{
	state.ModeIdle:      "Idle",
	state.ModeActive:    "Session Active",
	state.ModeCapturing: "Capturing Bug",
	state.ModeReview:    "Reviewing Session",
}

// enabledTriggers mirrors the machine's valid edges per mode.
var enabledTriggers = map[state.Mode][]state.Trigger{
	state.ModeIdle:      {state.TriggerStartSession},
	state.ModeActive:    {state.TriggerStartBugCapture, state.TriggerEndSession},
	state.ModeCapturing: {state.TriggerStartBugCapture, state.TriggerEndBugCapture, state.TriggerEndSession},
	state.ModeReview:    {state.TriggerResumeSession, state.TriggerCloseSession},
}

func (t *Tray) applyLocked(snap state.Snapshot) {
	t.status.SetTitle(modeTitles[snap.Mode])

	enabled := make(map[state.Trigger]bool)
	for _, tr := range enabledTriggers[snap.Mode] {
		enabled[tr] = true
	}
	for trigger, item := range t.items {
		if enabled[trigger] {
			item.Enable()
		} else {
			item.Disable()
		}
	}

	if snap.SessionID != "" {
		t.open.Enable()
	} else {
		t.open.Disable()
	}
}
