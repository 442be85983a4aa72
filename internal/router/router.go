// Package router moves settled capture files out of staging and into the
// folder of whichever bug is capturing at move time. Files that settle while
// no bug is capturing go to the session's unsorted folder.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"

	"github.com/snagtools/snag/internal/capture"
	"github.com/snagtools/snag/internal/catalog"
	snagerrors "github.com/snagtools/snag/internal/errors"
	"github.com/snagtools/snag/internal/watcher"
)

// Target is where one capture should land. An empty BugID means the
// session's unsorted folder. Label is the user-facing destination name,
// used for notifications.
type Target struct {
	SessionID string
	BugID     string
	Dir       string
	Label     string
}

// Resolver maps "now" to a destination. The router calls it fresh on every
// placement attempt so a capture settling just after end-bug-capture lands
// unsorted, not in the closed bug.
type Resolver interface {
	Resolve() (Target, error)
}

// Recorder persists routed captures. Satisfied by *catalog.Catalog.
type Recorder interface {
	InsertCapture(catalog.Capture) error
}

// Routed describes one completed placement, pushed to the notify hook.
type Routed struct {
	Capture catalog.Capture
	Target  Target
}

var seqPattern = regexp.MustCompile(`^capture-(\d+)\.`)

// Router consumes watcher events on a single goroutine, preserving the
// watcher's timestamp order so sequence numbers match capture order.
type Router struct {
	resolver Resolver
	recorder Recorder
	log      *log.Logger
	notify   func(Routed)

	// Backoff between placement attempts. Overridable in tests.
	delays []time.Duration

	done chan struct{}
}

func New(resolver Resolver, recorder Recorder, logger *log.Logger) *Router {
	return &Router{
		resolver: resolver,
		recorder: recorder,
		log:      logger,
		delays:   []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond},
	}
}

// OnRouted registers a hook invoked after each successful placement. Call
// before Start.
func (r *Router) OnRouted(fn func(Routed)) {
	r.notify = fn
}

// Start consumes events until the channel closes. Stopping the watcher
// therefore drains the router: every already-emitted event is placed before
// Wait returns.
func (r *Router) Start(events <-chan watcher.Event) {
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for ev := range events {
			if err := r.route(ev); err != nil && r.log != nil {
				r.log.Error("capture left in staging", "file", ev.Path, "error", err)
			}
		}
	}()
}

// Wait blocks until the event channel has closed and every event is routed.
func (r *Router) Wait() {
	if r.done != nil {
		<-r.done
	}
}

// route places one file. On persistent failure the file stays in staging so
// nothing is ever lost; it will be picked up by a manual sweep.
func (r *Router) route(ev watcher.Event) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		target, dest, err := r.place(ev)
		if err == nil {
			r.record(ev, target, dest)
			return nil
		}
		lastErr = err
		if attempt >= len(r.delays) {
			return snagerrors.NewCaptureAssignmentFailed(ev.Path, attempt+1, lastErr)
		}
		if r.log != nil {
			r.log.Warn("capture placement failed, retrying",
				"file", ev.Path, "attempt", attempt+1, "error", err)
		}
		time.Sleep(r.delays[attempt])
	}
}

// place resolves the destination and renames the file into it. The resolver
// runs inside each attempt: the destination is decided at commit time.
func (r *Router) place(ev watcher.Event) (Target, string, error) {
	target, err := r.resolver.Resolve()
	if err != nil {
		return Target{}, "", err
	}
	if err := os.MkdirAll(target.Dir, 0755); err != nil {
		return Target{}, "", fmt.Errorf("cannot create destination: %w", err)
	}

	seq, err := nextSeq(target.Dir)
	if err != nil {
		return Target{}, "", err
	}
	name := fmt.Sprintf("capture-%03d%s", seq, filepath.Ext(ev.Path))
	dest := filepath.Join(target.Dir, name)

	if err := os.Rename(ev.Path, dest); err != nil {
		return Target{}, "", err
	}
	return target, dest, nil
}

func (r *Router) record(ev watcher.Event, target Target, dest string) {
	kind, _ := capture.KindForPath(dest)
	seq := seqFromName(filepath.Base(dest))
	cap := catalog.Capture{
		ID:        ulid.Make().String(),
		SessionID: target.SessionID,
		BugID:     target.BugID,
		FilePath:  dest,
		Seq:       seq,
		Kind:      string(kind),
		CreatedAt: ev.ModTime.UTC(),
	}
	if r.recorder != nil {
		if err := r.recorder.InsertCapture(cap); err != nil && r.log != nil {
			r.log.Warn("failed to index capture", "file", dest, "error", err)
		}
	}
	if r.log != nil {
		r.log.Info("capture routed", "file", filepath.Base(dest),
			"session", target.SessionID, "bug", target.BugID)
	}
	if r.notify != nil {
		r.notify(Routed{Capture: cap, Target: target})
	}
}

// nextSeq scans the destination for existing capture files and returns the
// next sequence number. Scanning the directory instead of counting in memory
// keeps numbering correct across restarts and manual file moves.
func nextSeq(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("cannot scan destination: %w", err)
	}
	max := 0
	for _, e := range entries {
		if n := seqFromName(e.Name()); n > max {
			max = n
		}
	}
	return max + 1, nil
}

func seqFromName(name string) int {
	m := seqPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
