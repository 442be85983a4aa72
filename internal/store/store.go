package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// CaptureConfig holds OS capture tool settings.
type CaptureConfig struct {
	Tool        string `yaml:"tool"`
	Interactive bool   `yaml:"interactive"`
}

// WatcherConfig holds staging watcher settings.
type WatcherConfig struct {
	SettleMs int `yaml:"settle_ms"`
}

// HotkeyConfig maps the four capture actions to key combinations.
// Empty string disables the hotkey for that action.
type HotkeyConfig struct {
	StartSession    string `yaml:"start_session"`
	StartBugCapture string `yaml:"start_bug_capture"`
	EndBugCapture   string `yaml:"end_bug_capture"`
	EndSession      string `yaml:"end_session"`
}

// Config holds snag configuration.
type Config struct {
	Version       string        `yaml:"version"`
	SessionsRoot  string        `yaml:"sessions_root"`
	Notifications bool          `yaml:"notifications"`
	Capture       CaptureConfig `yaml:"capture,omitempty"`
	Watcher       WatcherConfig `yaml:"watcher,omitempty"`
	Hotkeys       HotkeyConfig  `yaml:"hotkeys,omitempty"`
}

// envOverrides are applied on top of config.yaml at load time.
type envOverrides struct {
	SessionsRoot string `envconfig:"SESSIONS_ROOT"`
	CaptureTool  string `envconfig:"CAPTURE_TOOL"`
	SettleMs     int    `envconfig:"SETTLE_MS"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	sessionsRoot := "SnagSessions"
	if home, err := os.UserHomeDir(); err == nil {
		sessionsRoot = filepath.Join(home, "SnagSessions")
	}
	return Config{
		Version:       "1",
		SessionsRoot:  sessionsRoot,
		Notifications: true,
		Capture: CaptureConfig{
			Tool:        "screencapture",
			Interactive: true,
		},
		Watcher: WatcherConfig{
			SettleMs: 300,
		},
		Hotkeys: HotkeyConfig{
			StartSession:    "ctrl+shift+s",
			StartBugCapture: "ctrl+shift+b",
			EndBugCapture:   "ctrl+shift+d",
			EndSession:      "ctrl+shift+e",
		},
	}
}

// Store represents a loaded SNAG_HOME.
type Store struct {
	Home   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the SNAG_HOME path, respecting the SNAG_HOME env var.
func Home() string {
	if h := os.Getenv("SNAG_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".snag")
	}
	return filepath.Join(home, ".snag")
}

// Init creates the SNAG_HOME directory structure.
func Init(home string, force bool) error {
	if _, err := os.Stat(home); err == nil && !force {
		return fmt.Errorf("SNAG_HOME already exists at %s (use --force to reinitialize)", home)
	}

	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", home, err)
	}

	// The sessions root is created lazily on the first session start.
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Load reads and validates an existing SNAG_HOME.
// Missing config fields are filled from defaults; SNAG_* environment
// variables override file values.
func Load(home string) (*Store, error) {
	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read SNAG_HOME config at %s: %w", cfgPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("SNAG", &env); err == nil {
		if env.SessionsRoot != "" {
			cfg.SessionsRoot = env.SessionsRoot
		}
		if env.CaptureTool != "" {
			cfg.Capture.Tool = env.CaptureTool
		}
		if env.SettleMs > 0 {
			cfg.Watcher.SettleMs = env.SettleMs
		}
	}

	if cfg.Watcher.SettleMs <= 0 {
		cfg.Watcher.SettleMs = 300
	}

	return &Store{Home: home, Config: cfg}, nil
}

// SaveConfig writes the current config to config.yaml.
func (s *Store) SaveConfig() error {
	data, err := yaml.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	cfgPath := filepath.Join(s.Home, "config.yaml")
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetConfigValue sets a config value by dot-path key (e.g. "capture.tool").
func (s *Store) SetConfigValue(key, value string) error {
	switch key {
	case "sessions_root":
		if value == "" {
			return fmt.Errorf("sessions_root cannot be empty")
		}
		s.Config.SessionsRoot = value
	case "notifications":
		s.Config.Notifications = value == "true"
	case "capture.tool":
		s.Config.Capture.Tool = value
	case "capture.interactive":
		s.Config.Capture.Interactive = value == "true"
	case "watcher.settle_ms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 50 {
			return fmt.Errorf("watcher.settle_ms must be an integer >= 50")
		}
		s.Config.Watcher.SettleMs = n
	case "hotkeys.start_session":
		s.Config.Hotkeys.StartSession = value
	case "hotkeys.start_bug_capture":
		s.Config.Hotkeys.StartBugCapture = value
	case "hotkeys.end_bug_capture":
		s.Config.Hotkeys.EndBugCapture = value
	case "hotkeys.end_session":
		s.Config.Hotkeys.EndSession = value
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: sessions_root, notifications, capture.tool, capture.interactive, watcher.settle_ms, hotkeys.start_session, hotkeys.start_bug_capture, hotkeys.end_bug_capture, hotkeys.end_session", key)
	}
	return s.SaveConfig()
}

// Path resolves a path within SNAG_HOME.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// StatePath is the durable runtime-state snapshot file.
func (s *Store) StatePath() string { return s.Path("state.yaml") }

// RedirectTokenPath is the write-ahead record for the OS redirect.
func (s *Store) RedirectTokenPath() string { return s.Path("redirect.yaml") }

// CatalogPath is the sqlite capture catalog.
func (s *Store) CatalogPath() string { return s.Path("catalog.db") }

// SocketPath is the control socket for the running watch engine.
func (s *Store) SocketPath() string { return s.Path("control.sock") }

// CheckHealth verifies SNAG_HOME structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
		return issues
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
		return issues
	}

	if cfg.SessionsRoot == "" {
		issues = append(issues, Issue{"error", "sessions_root is not set"})
	} else if info, err := os.Stat(cfg.SessionsRoot); err != nil {
		issues = append(issues, Issue{"warning", fmt.Sprintf("sessions root does not exist yet: %s", cfg.SessionsRoot)})
	} else if !info.IsDir() {
		issues = append(issues, Issue{"error", fmt.Sprintf("sessions root is not a directory: %s", cfg.SessionsRoot)})
	}

	if _, err := os.Stat(filepath.Join(home, "redirect.yaml")); err == nil {
		issues = append(issues, Issue{"warning", "a redirect token is persisted; the OS screenshot location may still be redirected (run 'snag doctor --fix' or start snag watch to restore it)"})
	}

	return issues
}
