package redirect

import (
	"fmt"
	"os/exec"
	"strings"
)

// NewOSBackend returns the platform backend for the screenshot location.
func NewOSBackend() Backend {
	return DefaultsBackend{}
}

// DefaultsBackend drives the macOS screenshot save location through the
// com.apple.screencapture defaults domain.
type DefaultsBackend struct{}

const screencaptureDomain = "com.apple.screencapture"

// Read returns the current location, or "" when the key is unset (macOS
// falls back to the Desktop).
func (DefaultsBackend) Read() (string, error) {
	out, err := exec.Command("defaults", "read", screencaptureDomain, "location").Output()
	if err != nil {
		// `defaults read` exits nonzero when the key does not exist.
		if ee, ok := err.(*exec.ExitError); ok && strings.Contains(string(ee.Stderr), "does not exist") {
			return "", nil
		}
		return "", fmt.Errorf("defaults read failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Write sets the location, or deletes the key when dir is empty, then pokes
// SystemUIServer so the running capture tool picks the change up.
func (DefaultsBackend) Write(dir string) error {
	var cmd *exec.Cmd
	if dir == "" {
		cmd = exec.Command("defaults", "delete", screencaptureDomain, "location")
	} else {
		cmd = exec.Command("defaults", "write", screencaptureDomain, "location", dir)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("defaults write failed: %w", err)
	}
	// Best effort; the setting still applies to the next capture without it.
	_ = exec.Command("killall", "SystemUIServer").Run()
	return nil
}
