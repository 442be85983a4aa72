// Package watcher detects completed capture files in the staging folder.
// It polls rather than relying on OS file events: the external capture tool
// may write incrementally or write to a temp name and rename, so a file only
// counts once its size and mtime have been stable for a settle window.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/snagtools/snag/internal/capture"
	snagerrors "github.com/snagtools/snag/internal/errors"
)

// Event is one completed file, emitted exactly once.
type Event struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// eventBuffer bounds the channel between watcher and router. A slow router
// backpressures the watcher; events buffer, they are never dropped.
const eventBuffer = 64

type fileState struct {
	size       int64
	mtime      time.Time
	lastChange time.Time
}

// Watcher watches one staging directory, non-recursively.
type Watcher struct {
	dir    string
	settle time.Duration
	poll   time.Duration
	log    *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	events  chan Event

	// Owned by the run goroutine (and Start before it launches).
	seen    map[string]bool
	pending map[string]*fileState
}

// New returns a watcher for dir. Poll cadence is derived from the settle
// window so a file needs a few unchanged polls before it is emitted.
func New(dir string, settle time.Duration, logger *log.Logger) *Watcher {
	if settle <= 0 {
		settle = 300 * time.Millisecond
	}
	poll := settle / 3
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	if poll > 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	return &Watcher{
		dir:    dir,
		settle: settle,
		poll:   poll,
		log:    logger,
		seen:   make(map[string]bool),
	}
}

// Start begins watching. Starting an already-started watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	info, err := os.Stat(w.dir)
	if err != nil {
		return snagerrors.NewWatcherStartFailed(w.dir, err)
	}
	if !info.IsDir() {
		return snagerrors.NewWatcherStartFailed(w.dir, fmt.Errorf("not a directory"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.events = make(chan Event, eventBuffer)
	w.pending = make(map[string]*fileState)
	w.running = true

	go w.run(ctx)
	return nil
}

// Events returns the event channel of the current run. The channel closes
// when the watcher stops; no events are emitted after Stop returns.
func (w *Watcher) Events() <-chan Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Stop cancels the poll loop, including in-flight settle tracking, and waits
// for it to finish. Stopping twice is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.scan(ctx) {
				return
			}
		}
	}
}

// scan walks the staging dir once. Returns false when the context died while
// emitting.
func (w *Watcher) scan(ctx context.Context) bool {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if w.log != nil {
			w.log.Warn("staging scan failed", "dir", w.dir, "error", err)
		}
		return true
	}

	now := time.Now()
	present := make(map[string]bool, len(entries))
	var ready []Event

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !capture.IsMedia(name) {
			continue
		}
		present[name] = true
		if w.seen[name] {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue // renamed away mid-scan
		}

		st, ok := w.pending[name]
		if !ok || st.size != info.Size() || !st.mtime.Equal(info.ModTime()) {
			w.pending[name] = &fileState{
				size:       info.Size(),
				mtime:      info.ModTime(),
				lastChange: now,
			}
			continue
		}

		if now.Sub(st.lastChange) >= w.settle {
			w.seen[name] = true
			delete(w.pending, name)
			ready = append(ready, Event{
				Path:    filepath.Join(w.dir, name),
				Size:    st.size,
				ModTime: st.mtime,
			})
		}
	}

	// Temp files that were renamed away never settle.
	for name := range w.pending {
		if !present[name] {
			delete(w.pending, name)
		}
	}

	// Emit in filesystem-timestamp order, ties broken by filename, so the
	// router's sequence numbers match capture order.
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].ModTime.Equal(ready[j].ModTime) {
			return ready[i].ModTime.Before(ready[j].ModTime)
		}
		return ready[i].Path < ready[j].Path
	})

	for _, ev := range ready {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
