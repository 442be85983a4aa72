package capture

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Kind classifies a capture file.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindVideo      Kind = "video"
	KindConsole    Kind = "console"
)

// extKinds maps media extensions to capture kinds. Anything else in the
// staging folder is ignored by the watcher.
var extKinds = map[string]Kind{
	".png":  KindScreenshot,
	".jpg":  KindScreenshot,
	".jpeg": KindScreenshot,
	".gif":  KindScreenshot,
	".tiff": KindScreenshot,
	".heic": KindScreenshot,
	".mov":  KindVideo,
	".mp4":  KindVideo,
	".webm": KindVideo,
	".log":  KindConsole,
	".txt":  KindConsole,
}

// KindForPath returns the capture kind for a filename, and whether the
// extension is a recognized media type.
func KindForPath(path string) (Kind, bool) {
	k, ok := extKinds[strings.ToLower(filepath.Ext(path))]
	return k, ok
}

// IsMedia reports whether the filename has a recognized media extension.
func IsMedia(path string) bool {
	_, ok := KindForPath(path)
	return ok
}

// Trigger invokes the OS screenshot tool so its output lands in the
// (redirected) staging folder.
type Trigger interface {
	Fire(stagingDir string) error
}

// ToolTrigger shells out to the configured capture tool (screencapture on
// darwin). Interactive mode lets the user pick a region; the tool then
// writes the file on its own schedule, which is why the watcher settles
// files instead of trusting the exec to finish.
type ToolTrigger struct {
	Tool        string
	Interactive bool
	Log         *log.Logger
}

// Fire launches the capture tool without waiting for it: an interactive
// grab blocks until the user selects a region, and transitions must not.
func (t *ToolTrigger) Fire(stagingDir string) error {
	name := fmt.Sprintf("snag-%d.png", time.Now().UnixMilli())
	target := filepath.Join(stagingDir, name)

	var args []string
	if t.Interactive {
		args = append(args, "-i")
	}
	args = append(args, target)

	cmd := exec.Command(t.Tool, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch capture tool %s: %w", t.Tool, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil && t.Log != nil {
			// Cancelled interactive grabs exit nonzero; not worth surfacing.
			t.Log.Debug("capture tool exited", "tool", t.Tool, "error", err)
		}
	}()
	return nil
}
