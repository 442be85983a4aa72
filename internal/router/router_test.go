package router

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snagtools/snag/internal/catalog"
	snagerrors "github.com/snagtools/snag/internal/errors"
	"github.com/snagtools/snag/internal/watcher"
)

type fakeResolver struct {
	mu      sync.Mutex
	targets []Target
	errs    []error
	calls   int
}

// Resolve pops the next queued answer, repeating the last one forever.
func (f *fakeResolver) Resolve() (Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.targets) {
		i = len(f.targets) - 1
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return Target{}, f.errs[i]
	}
	return f.targets[i], nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	captures []catalog.Capture
}

func (f *fakeRecorder) InsertCapture(c catalog.Capture) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, c)
	return nil
}

func (f *fakeRecorder) all() []catalog.Capture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.Capture(nil), f.captures...)
}

func stageFile(t *testing.T, dir, name string, mtime time.Time) watcher.Event {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return watcher.Event{Path: path, Size: 6, ModTime: mtime}
}

func TestRoute_SequentialNamingInTimestampOrder(t *testing.T) {
	staging := t.TempDir()
	bugDir := filepath.Join(t.TempDir(), "bug-01")
	res := &fakeResolver{targets: []Target{{SessionID: "s1", BugID: "b1", Dir: bugDir}}}
	rec := &fakeRecorder{}
	r := New(res, rec, nil)

	base := time.Now().Add(-time.Minute)
	events := make(chan watcher.Event, 2)
	events <- stageFile(t, staging, "snag-2.png", base.Add(10*time.Millisecond))
	events <- stageFile(t, staging, "snag-1.png", base)
	close(events)

	// The watcher already emits in timestamp order; here the first queued
	// event is the later capture, so the earlier name gets the higher seq.
	r.Start(events)
	r.Wait()

	caps := rec.all()
	require.Len(t, caps, 2)
	require.Equal(t, 1, caps[0].Seq)
	require.Equal(t, 2, caps[1].Seq)
	require.Equal(t, "b1", caps[0].BugID)
	require.Equal(t, "screenshot", caps[0].Kind)

	require.FileExists(t, filepath.Join(bugDir, "capture-001.png"))
	require.FileExists(t, filepath.Join(bugDir, "capture-002.png"))
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	require.Empty(t, entries, "staging should be drained")
}

func TestRoute_UnsortedCreatedLazily(t *testing.T) {
	staging := t.TempDir()
	unsorted := filepath.Join(t.TempDir(), "session", "unsorted")
	res := &fakeResolver{targets: []Target{{SessionID: "s1", Dir: unsorted}}}
	rec := &fakeRecorder{}
	r := New(res, rec, nil)

	ev := stageFile(t, staging, "snag-1.mov", time.Now())
	require.NoError(t, r.route(ev))

	require.FileExists(t, filepath.Join(unsorted, "capture-001.mov"))
	caps := rec.all()
	require.Len(t, caps, 1)
	require.Empty(t, caps[0].BugID)
	require.Equal(t, "video", caps[0].Kind)
}

func TestRoute_SeqContinuesFromExistingFiles(t *testing.T) {
	staging := t.TempDir()
	bugDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bugDir, "capture-002.png"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(bugDir, "notes.md"), []byte("x"), 0644))

	res := &fakeResolver{targets: []Target{{SessionID: "s1", BugID: "b1", Dir: bugDir}}}
	r := New(res, &fakeRecorder{}, nil)

	require.NoError(t, r.route(stageFile(t, staging, "snag-1.png", time.Now())))
	require.FileExists(t, filepath.Join(bugDir, "capture-003.png"))
}

func TestRoute_ResolvesFreshOnEachAttempt(t *testing.T) {
	staging := t.TempDir()
	good := filepath.Join(t.TempDir(), "bug-02")

	// First attempt points at an unusable destination; the retry must pick up
	// the new target rather than reusing the stale one.
	blocked := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0644))

	res := &fakeResolver{targets: []Target{
		{SessionID: "s1", BugID: "b1", Dir: filepath.Join(blocked, "sub")},
		{SessionID: "s1", BugID: "b2", Dir: good},
	}}
	rec := &fakeRecorder{}
	r := New(res, rec, nil)
	r.delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	require.NoError(t, r.route(stageFile(t, staging, "snag-1.png", time.Now())))

	caps := rec.all()
	require.Len(t, caps, 1)
	require.Equal(t, "b2", caps[0].BugID)
	require.FileExists(t, filepath.Join(good, "capture-001.png"))
}

func TestRoute_ExhaustedRetriesLeaveFileInStaging(t *testing.T) {
	staging := t.TempDir()
	blocked := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0644))

	res := &fakeResolver{targets: []Target{
		{SessionID: "s1", BugID: "b1", Dir: filepath.Join(blocked, "sub")},
	}}
	rec := &fakeRecorder{}
	r := New(res, rec, nil)
	r.delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	ev := stageFile(t, staging, "snag-1.png", time.Now())
	err := r.route(ev)
	require.Error(t, err)
	require.True(t, snagerrors.Is(err, snagerrors.CodeCaptureAssignmentFailed),
		"code = %s", snagerrors.CodeOf(err))

	require.FileExists(t, ev.Path, "failed capture must stay in staging")
	require.Empty(t, rec.all())
}

func TestRoute_NotifyHook(t *testing.T) {
	staging := t.TempDir()
	res := &fakeResolver{targets: []Target{{SessionID: "s1", BugID: "b1", Dir: t.TempDir()}}}
	r := New(res, &fakeRecorder{}, nil)

	var got []Routed
	r.OnRouted(func(rt Routed) { got = append(got, rt) })

	require.NoError(t, r.route(stageFile(t, staging, "snag-1.png", time.Now())))
	require.Len(t, got, 1)
	require.Equal(t, "b1", got[0].Target.BugID)
	require.Equal(t, 1, got[0].Capture.Seq)
}

func TestSeqFromName(t *testing.T) {
	cases := map[string]int{
		"capture-001.png":  1,
		"capture-042.mov":  42,
		"capture-1000.png": 1000,
		"snag-123.png":     0,
		"capture-.png":     0,
	}
	for name, want := range cases {
		require.Equal(t, want, seqFromName(name), name)
	}
}
