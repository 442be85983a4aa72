package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/snagtools/snag/internal/router"
	"github.com/snagtools/snag/internal/session"
	"github.com/snagtools/snag/internal/state"
	"github.com/snagtools/snag/internal/store"
)

type fakeRedirect struct {
	mu        sync.Mutex
	value     string
	fail      bool
	failWrite bool
}

func (f *fakeRedirect) Read() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("screencapture domain unreadable")
	}
	return f.value, nil
}

func (f *fakeRedirect) Write(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.failWrite {
		return fmt.Errorf("screencapture domain unwritable")
	}
	f.value = dir
	return nil
}

func (f *fakeRedirect) setWriteFail(v bool) {
	f.mu.Lock()
	f.failWrite = v
	f.mu.Unlock()
}

func (f *fakeRedirect) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

type fakeTrigger struct {
	mu    sync.Mutex
	fires []string
}

func (f *fakeTrigger) Fire(stagingDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, stagingDir)
	return nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

type fixture struct {
	store   *store.Store
	backend *fakeRedirect
	trigger *fakeTrigger
	eng     *Engine
	mu      sync.Mutex
	routed  []router.Routed
}

func (fx *fixture) routedCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.routed)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := store.Init(home, false); err != nil {
		t.Fatal(err)
	}
	s, err := store.Load(home)
	if err != nil {
		t.Fatal(err)
	}
	s.Config.SessionsRoot = filepath.Join(home, "sessions")
	s.Config.Watcher.SettleMs = 60

	fx := &fixture{
		store:   s,
		backend: &fakeRedirect{value: "/Users/qa/Desktop"},
		trigger: &fakeTrigger{},
	}
	eng, err := New(s, nil,
		WithRedirectBackend(fx.backend),
		WithCaptureTrigger(fx.trigger),
		WithTitleFunc(func() string { return "login flow" }),
	)
	if err != nil {
		t.Fatal(err)
	}
	eng.OnCapture(func(r router.Routed) {
		fx.mu.Lock()
		fx.routed = append(fx.routed, r)
		fx.mu.Unlock()
	})
	fx.eng = eng
	return fx
}

func start(t *testing.T, fx *fixture) {
	t.Helper()
	if err := fx.eng.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fx.eng.Stop)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// dropCapture simulates the OS capture tool writing a finished file into
// staging with a fixed timestamp.
func dropCapture(t *testing.T, fx *fixture, name string, mtime time.Time) {
	t.Helper()
	sess := activeSession(t, fx)
	path := filepath.Join(session.StagingDir(sess), name)
	if err := os.WriteFile(path, []byte("pixels"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func activeSession(t *testing.T, fx *fixture) *session.Session {
	t.Helper()
	snap := fx.eng.Snapshot()
	if snap.SessionID == "" {
		t.Fatal("no session in snapshot")
	}
	sess, err := session.Get(fx.store, snap.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSessionLifecycle_RoutesCapturesPerBug(t *testing.T) {
	fx := newFixture(t)
	start(t, fx)

	if err := fx.eng.Request(state.TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	sess := activeSession(t, fx)
	if fx.backend.current() != session.StagingDir(sess) {
		t.Fatalf("redirect points at %q, want staging", fx.backend.current())
	}

	// First bug: two captures, ten milliseconds apart.
	if err := fx.eng.Request(state.TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}
	if fx.trigger.count() != 1 {
		t.Errorf("trigger fired %d times, want 1", fx.trigger.count())
	}
	base := time.Now().Add(-time.Minute)
	dropCapture(t, fx, "snag-100.png", base)
	dropCapture(t, fx, "snag-101.png", base.Add(10*time.Millisecond))
	waitFor(t, "first bug's captures", func() bool { return fx.routedCount() == 2 })

	if err := fx.eng.Request(state.TriggerEndBugCapture); err != nil {
		t.Fatal(err)
	}

	// Second bug: one capture.
	if err := fx.eng.Request(state.TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}
	dropCapture(t, fx, "snag-102.png", base.Add(time.Second))
	waitFor(t, "second bug's capture", func() bool { return fx.routedCount() == 3 })

	if err := fx.eng.Request(state.TriggerEndSession); err != nil {
		t.Fatal(err)
	}

	// Files landed per bug with restarting sequence numbers.
	for _, want := range []string{
		"bug-01/capture-001.png",
		"bug-01/capture-002.png",
		"bug-02/capture-001.png",
	} {
		if _, err := os.Stat(filepath.Join(sess.FolderPath, want)); err != nil {
			t.Errorf("missing %s: %v", want, err)
		}
	}
	if _, err := os.Stat(session.UnsortedDir(sess)); err == nil {
		t.Error("unsorted folder should not exist")
	}

	// Both captures indexed against the first bug, in sequence order.
	bugs, err := session.LoadBugs(sess)
	if err != nil {
		t.Fatal(err)
	}
	caps, err := fx.eng.ListCaptures(sess.ID, bugs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 2 || caps[0].Seq != 1 || caps[1].Seq != 2 {
		t.Errorf("bug-01 captures = %+v", caps)
	}

	// Redirect restored, session ended, mode review.
	if fx.backend.current() != "/Users/qa/Desktop" {
		t.Errorf("redirect not restored: %q", fx.backend.current())
	}
	sess = activeSession(t, fx)
	if sess.Status != session.StatusEnded {
		t.Errorf("session status = %s, want ended", sess.Status)
	}
	if got := fx.eng.Snapshot().Mode; got != state.ModeReview {
		t.Errorf("mode = %s, want review", got)
	}
}

func TestCaptureWithoutBug_LandsUnsorted(t *testing.T) {
	fx := newFixture(t)
	start(t, fx)

	if err := fx.eng.Request(state.TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	dropCapture(t, fx, "snag-1.png", time.Now().Add(-time.Minute))
	waitFor(t, "unsorted capture", func() bool { return fx.routedCount() == 1 })

	sess := activeSession(t, fx)
	if _, err := os.Stat(filepath.Join(session.UnsortedDir(sess), "capture-001.png")); err != nil {
		t.Fatal(err)
	}
	caps, err := fx.eng.ListCaptures(sess.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 1 || caps[0].BugID != "" {
		t.Errorf("unsorted captures = %+v", caps)
	}
}

func TestRedirectUnavailable_SessionDegrades(t *testing.T) {
	fx := newFixture(t)
	fx.backend.fail = true
	start(t, fx)

	if err := fx.eng.Request(state.TriggerStartSession); err != nil {
		t.Fatalf("session should start degraded, got %v", err)
	}
	if !fx.eng.Degraded() {
		t.Error("engine should report degraded mode")
	}

	// Routing still works for files that do reach staging.
	if err := fx.eng.Request(state.TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}
	dropCapture(t, fx, "snag-1.png", time.Now().Add(-time.Minute))
	waitFor(t, "degraded capture", func() bool { return fx.routedCount() == 1 })

	if err := fx.eng.Request(state.TriggerEndSession); err != nil {
		t.Fatal(err)
	}
	if fx.eng.Degraded() {
		t.Error("degraded flag should clear when the session ends")
	}
}

func TestEndSession_RestoreFailureKeepsRouting(t *testing.T) {
	fx := newFixture(t)
	start(t, fx)

	if err := fx.eng.Request(state.TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	sess := activeSession(t, fx)

	fx.backend.setWriteFail(true)
	if err := fx.eng.Request(state.TriggerEndSession); err == nil {
		t.Fatal("end-session should fail while the redirect cannot be restored")
	}
	if got := fx.eng.Snapshot().Mode; got != state.ModeActive {
		t.Fatalf("mode = %s, want active after the failed end", got)
	}
	if fx.backend.current() != session.StagingDir(sess) {
		t.Errorf("redirect moved off staging: %q", fx.backend.current())
	}

	// The OS is still dropping captures into staging, so the watcher must
	// come back and keep routing them.
	dropCapture(t, fx, "snag-1.png", time.Now().Add(-time.Minute))
	waitFor(t, "capture routed after failed end", func() bool { return fx.routedCount() == 1 })

	sess = activeSession(t, fx)
	if sess.Status != session.StatusActive {
		t.Errorf("session status = %s, want active", sess.Status)
	}

	// Once the restore works again the session ends normally.
	fx.backend.setWriteFail(false)
	if err := fx.eng.Request(state.TriggerEndSession); err != nil {
		t.Fatal(err)
	}
	if fx.backend.current() != "/Users/qa/Desktop" {
		t.Errorf("redirect not restored: %q", fx.backend.current())
	}
	if got := fx.eng.Snapshot().Mode; got != state.ModeReview {
		t.Errorf("mode = %s, want review", got)
	}
}

func TestListCaptures_ResolvesDisplayID(t *testing.T) {
	fx := newFixture(t)
	start(t, fx)

	if err := fx.eng.Request(state.TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	if err := fx.eng.Request(state.TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}
	dropCapture(t, fx, "snag-1.png", time.Now().Add(-time.Minute))
	waitFor(t, "capture", func() bool { return fx.routedCount() == 1 })

	sessID := fx.eng.Snapshot().SessionID
	for _, ref := range []string{"BUG-01", "bug-01", "1"} {
		caps, err := fx.eng.ListCaptures(sessID, ref)
		if err != nil {
			t.Fatal(err)
		}
		if len(caps) != 1 {
			t.Errorf("ListCaptures(%q) returned %d rows", ref, len(caps))
		}
	}
}

func TestRecover_AfterCrashMidSession(t *testing.T) {
	fx := newFixture(t)
	start(t, fx)

	if err := fx.eng.Request(state.TriggerStartSession); err != nil {
		t.Fatal(err)
	}
	if err := fx.eng.Request(state.TriggerStartBugCapture); err != nil {
		t.Fatal(err)
	}
	sessID := fx.eng.Snapshot().SessionID

	// The process dies here: nothing is stopped, the redirect stays engaged
	// and state.yaml still says capturing. A fresh engine on the same home
	// must clean all of it up.
	eng2, err := New(fx.store, nil,
		WithRedirectBackend(fx.backend),
		WithCaptureTrigger(fx.trigger),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng2.Start(); err != nil {
		t.Fatal(err)
	}

	if fx.backend.current() != "/Users/qa/Desktop" {
		t.Errorf("redirect not restored after crash: %q", fx.backend.current())
	}
	snap := eng2.Snapshot()
	if snap.Mode != state.ModeReview || snap.SessionID != sessID || snap.BugID != "" {
		t.Errorf("recovered snapshot = %+v", snap)
	}
	sess, err := session.Get(fx.store, sessID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusEnded {
		t.Errorf("session status = %s, want ended", sess.Status)
	}

	// The recovered session can be resumed and closed normally.
	if err := eng2.Request(state.TriggerResumeSession); err != nil {
		t.Fatal(err)
	}
	if err := eng2.Request(state.TriggerEndSession); err != nil {
		t.Fatal(err)
	}
	if err := eng2.Request(state.TriggerCloseSession); err != nil {
		t.Fatal(err)
	}
	if got := eng2.Snapshot().Mode; got != state.ModeIdle {
		t.Errorf("mode = %s, want idle", got)
	}
	eng2.Stop()
}
