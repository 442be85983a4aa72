package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	snagerrors "github.com/snagtools/snag/internal/errors"
)

// fakeEffects records side-effect calls and can be told to fail.
type fakeEffects struct {
	mu       sync.Mutex
	calls    []string
	sessions int
	bugs     int
	failNext map[string]error
}

func newFakeEffects() *fakeEffects {
	return &fakeEffects{failNext: make(map[string]error)}
}

func (f *fakeEffects) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext[name]; err != nil {
		delete(f.failNext, name)
		return err
	}
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeEffects) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEffects) BeginSession() (string, error) {
	if err := f.record("begin-session"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return fmt.Sprintf("sess-%d", f.sessions), nil
}

func (f *fakeEffects) BeginBug(sessionID string) (string, error) {
	if err := f.record("begin-bug"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bugs++
	return fmt.Sprintf("bug-%d", f.bugs), nil
}

func (f *fakeEffects) RepeatCapture(sessionID, bugID string) error {
	return f.record("repeat-capture")
}
func (f *fakeEffects) FinishBug(sessionID, bugID string) error {
	return f.record("finish-bug")
}
func (f *fakeEffects) FinishSession(sessionID string) error {
	return f.record("finish-session")
}
func (f *fakeEffects) ResumeSession(sessionID string) error {
	return f.record("resume-session")
}
func (f *fakeEffects) CloseSession(sessionID string) error {
	return f.record("close-session")
}

func newTestMachine(t *testing.T, fx Effects) *Machine {
	t.Helper()
	m := New(fx, filepath.Join(t.TempDir(), "state.yaml"), Snapshot{Mode: ModeIdle}, nil)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestFullLifecycle_FollowsTable(t *testing.T) {
	fx := newFakeEffects()
	m := New(fx, filepath.Join(t.TempDir(), "state.yaml"), Snapshot{Mode: ModeIdle}, nil)

	var entered []Mode
	m.Subscribe(func(tr Transition) { entered = append(entered, tr.To) })
	m.Start()
	defer m.Stop()

	steps := []struct {
		trigger Trigger
		mode    Mode
	}{
		{TriggerStartSession, ModeActive},
		{TriggerStartBugCapture, ModeCapturing},
		{TriggerStartBugCapture, ModeCapturing}, // repeat capture
		{TriggerEndBugCapture, ModeActive},
		{TriggerStartBugCapture, ModeCapturing},
		{TriggerEndSession, ModeReview}, // implicit end-bug first
		{TriggerResumeSession, ModeActive},
		{TriggerEndSession, ModeReview},
		{TriggerCloseSession, ModeIdle},
	}
	for i, step := range steps {
		if err := m.Request(step.trigger); err != nil {
			t.Fatalf("step %d (%s): %v", i, step.trigger, err)
		}
		if got := m.Snapshot().Mode; got != step.mode {
			t.Fatalf("step %d (%s): mode = %s, want %s", i, step.trigger, got, step.mode)
		}
	}

	want := []Mode{ModeActive, ModeCapturing, ModeCapturing, ModeActive,
		ModeCapturing, ModeReview, ModeActive, ModeReview, ModeIdle}
	if len(entered) != len(want) {
		t.Fatalf("entered %d states, want %d: %v", len(entered), len(want), entered)
	}
	for i := range want {
		if entered[i] != want[i] {
			t.Errorf("entered[%d] = %s, want %s", i, entered[i], want[i])
		}
	}

	// Implicit bug end: finish-bug ran before finish-session.
	calls := fx.callLog()
	sawPair := false
	for i := 0; i+1 < len(calls); i++ {
		if calls[i] == "finish-bug" && calls[i+1] == "finish-session" {
			sawPair = true
		}
	}
	if !sawPair {
		t.Errorf("expected finish-bug immediately before finish-session, calls: %v", calls)
	}
}

func TestInvalidTransitions_AreNoOps(t *testing.T) {
	fx := newFakeEffects()
	m := newTestMachine(t, fx)

	invalid := []Trigger{
		TriggerEndBugCapture, // idle
		TriggerEndSession,
		TriggerResumeSession,
		TriggerCloseSession,
	}
	for _, tr := range invalid {
		err := m.Request(tr)
		if err == nil {
			t.Fatalf("trigger %s in idle should be rejected", tr)
		}
		if !snagerrors.Is(err, snagerrors.CodeInvalidTransition) {
			t.Errorf("trigger %s: code = %s, want INVALID_TRANSITION", tr, snagerrors.CodeOf(err))
		}
	}

	if got := m.Snapshot().Mode; got != ModeIdle {
		t.Errorf("mode = %s after invalid triggers, want idle", got)
	}
	if calls := fx.callLog(); len(calls) != 0 {
		t.Errorf("side effects fired on invalid transitions: %v", calls)
	}

	// end-bug-capture while Active (no bug) is likewise a no-op.
	if err := m.Request(TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	if err := m.Request(TriggerEndBugCapture); err == nil {
		t.Fatal("end-bug-capture in active should be rejected")
	}
	if got := m.Snapshot().Mode; got != ModeActive {
		t.Errorf("mode = %s, want active", got)
	}
}

func TestEffectFailure_RollsBack(t *testing.T) {
	fx := newFakeEffects()
	m := newTestMachine(t, fx)

	boom := errors.New("watcher start failed")
	fx.failNext["begin-session"] = boom

	err := m.Request(TriggerStartSession)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the effect failure", err)
	}
	if got := m.Snapshot(); got.Mode != ModeIdle || got.SessionID != "" {
		t.Errorf("state not rolled back: %+v", got)
	}

	// The next attempt succeeds cleanly.
	if err := m.Request(TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	if got := m.Snapshot().Mode; got != ModeActive {
		t.Errorf("mode = %s, want active", got)
	}
}

func TestEndSessionWhileCapturing_PartialCommit(t *testing.T) {
	fx := newFakeEffects()
	m := newTestMachine(t, fx)

	if err := m.Request(TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	if err := m.Request(TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}

	// The bug finishes but the session teardown fails. The captured bug must
	// stay committed and the machine falls back to active, not capturing.
	boom := errors.New("redirect restore failed")
	fx.failNext["finish-session"] = boom

	err := m.Request(TriggerEndSession)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the teardown failure", err)
	}
	snap := m.Snapshot()
	if snap.Mode != ModeActive || snap.BugID != "" {
		t.Errorf("snapshot = %+v, want active with no bug", snap)
	}

	// Retry succeeds and lands in review.
	if err := m.Request(TriggerEndSession); err != nil {
		t.Fatal(err)
	}
	if got := m.Snapshot().Mode; got != ModeReview {
		t.Errorf("mode = %s, want review", got)
	}
}

func TestDoublePress_OneSessionCreated(t *testing.T) {
	fx := newFakeEffects()
	m := newTestMachine(t, fx)

	// Two key-repeat fires racing into the queue.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Request(TriggerStartSession)
		}()
	}
	wg.Wait()

	fx.mu.Lock()
	sessions := fx.sessions
	fx.mu.Unlock()
	if sessions != 1 {
		t.Errorf("sessions created = %d, want exactly 1", sessions)
	}
	if got := m.Snapshot().Mode; got != ModeActive {
		t.Errorf("mode = %s, want active", got)
	}
}

func TestSnapshot_PersistsAcrossRestart(t *testing.T) {
	fx := newFakeEffects()
	path := filepath.Join(t.TempDir(), "state.yaml")

	m := New(fx, path, Snapshot{Mode: ModeIdle}, nil)
	m.Start()
	if err := m.Request(TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	if err := m.Request(TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Mode != ModeCapturing {
		t.Errorf("persisted mode = %s, want capturing", snap.Mode)
	}
	if snap.SessionID == "" || snap.BugID == "" {
		t.Errorf("persisted ids missing: %+v", snap)
	}
}

func TestLoadSnapshot_MissingFile(t *testing.T) {
	snap, err := LoadSnapshot(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Mode != ModeIdle {
		t.Errorf("mode = %s, want idle", snap.Mode)
	}
}

func TestParseTrigger(t *testing.T) {
	if _, err := ParseTrigger("start-session"); err != nil {
		t.Errorf("start-session should parse: %v", err)
	}
	if _, err := ParseTrigger("make-coffee"); err == nil {
		t.Error("unknown trigger should fail")
	}
}
