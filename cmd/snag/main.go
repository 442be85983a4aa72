package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snagtools/snag/internal/catalog"
	"github.com/snagtools/snag/internal/control"
	"github.com/snagtools/snag/internal/engine"
	"github.com/snagtools/snag/internal/hotkeys"
	"github.com/snagtools/snag/internal/redirect"
	"github.com/snagtools/snag/internal/router"
	"github.com/snagtools/snag/internal/session"
	"github.com/snagtools/snag/internal/state"
	"github.com/snagtools/snag/internal/store"
	"github.com/snagtools/snag/internal/tray"
	"github.com/snagtools/snag/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "snag",
		Short: "snag — QA evidence capture",
		Long:  "Capture, sort, and catalog bug evidence during exploratory QA sessions. Screenshots taken while a bug is being captured land in that bug's folder automatically.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "session", Title: "Session Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{initCmd(), watchCmd(), statusCmd(), openCmd(), doctorCmd()} {
		c.GroupID = "core"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{sessionCmd(), bugCmd()} {
		c.GroupID = "session"
		rootCmd.AddCommand(c)
	}
	configC := configCmd()
	configC.GroupID = "config"
	rootCmd.AddCommand(configC)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadStore() (*store.Store, error) {
	s, err := store.Load(store.Home())
	if err != nil {
		return nil, fmt.Errorf("snag not initialized — run 'snag init' first: %w", err)
	}
	return s, nil
}

func controlClient(s *store.Store) *control.Client {
	return control.NewClient(s.SocketPath())
}

// requestTransition sends one trigger to the running watch process.
func requestTransition(trigger string) (control.StateResponse, error) {
	s, err := loadStore()
	if err != nil {
		return control.StateResponse{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return controlClient(s).Transition(ctx, trigger)
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize the SNAG_HOME directory",
		Long:    "Create the SNAG_HOME directory (~/.snag by default) with its config.yaml. Run this once before using any other snag commands.",
		Example: "  snag init\n  snag init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			if force {
				ok, err := ui.Confirm(fmt.Sprintf("Reinitialize %s? Existing config will be overwritten.", home))
				if err != nil {
					return err
				}
				if !ok {
					ui.Info("Aborted")
					return nil
				}
			}
			if err := store.Init(home, force); err != nil {
				return err
			}
			ui.Success("snag initialized")
			ui.Detail("Home:", home)
			ui.Detail("Next:", "run 'snag watch' to start capturing")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize even if SNAG_HOME already exists")
	return cmd
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check SNAG_HOME health",
		Long:  "Verify the SNAG_HOME structure and report problems, including a screenshot redirect left engaged by a crashed watch process. --fix restores the redirect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			issues := store.CheckHealth(home)
			if len(issues) == 0 {
				ui.Success("Everything looks healthy")
				return nil
			}
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(issue.Message)
				} else {
					ui.Warning(issue.Message)
				}
			}
			if !fix {
				return nil
			}

			mgr := redirect.NewManager(redirect.NewOSBackend(), filepath.Join(home, "redirect.yaml"))
			tok, err := mgr.RecoverStale()
			if err != nil {
				return err
			}
			if tok != nil {
				ui.Success("Restored the OS screenshot location")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Repair what can be repaired automatically")
	return cmd
}

func watchCmd() *cobra.Command {
	var noTray bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the capture engine",
		Long:  "Run the capture engine: global hotkeys, the staging watcher, capture routing, and the menu bar item. All other snag commands talk to this process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			return runWatch(s, noTray)
		},
	}
	cmd.Flags().BoolVar(&noTray, "no-tray", false, "Run without the menu bar item")
	return cmd
}

func runWatch(s *store.Store, noTray bool) error {
	eng, err := engine.New(s, ui.Logger)
	if err != nil {
		return err
	}

	if s.Config.Notifications {
		eng.OnCapture(func(r router.Routed) {
			ui.NotifyCapture(r.Target.Label, filepath.Base(r.Capture.FilePath))
		})
	}

	var tr *tray.Tray
	if !noTray {
		tr = tray.New(tray.Hooks{
			Trigger: func(t state.Trigger) {
				if err := eng.Request(t); err != nil {
					ui.Logger.Debug("tray trigger ignored", "trigger", t, "error", err)
				}
			},
			OpenFolder: func() {
				if dir, ok := eng.SessionFolder(); ok {
					_ = openPath(dir)
				}
			},
		})
		eng.Subscribe(tr.Update)
	}

	// A session that starts without the OS redirect still works, but the
	// user has to drag captures into staging by hand. Tell them.
	eng.Subscribe(func(t state.Transition) {
		if t.Trigger != state.TriggerStartSession && t.Trigger != state.TriggerResumeSession {
			return
		}
		if eng.Degraded() {
			ui.Warning("Screenshot redirect unavailable; move captures into the session's staging folder by hand")
			if s.Config.Notifications {
				ui.Notify("snag", "Session started without the screenshot redirect")
			}
		}
	})

	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	hk := hotkeys.NewCoordinator(hotkeys.SystemRegistrar{}, ui.Logger)
	defer hk.Close()
	bindHotkeys(hk, s, eng)

	srv := control.NewServer(eng, s.SocketPath(), ui.Logger)
	srv.SetRebinder(hk)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()

	ui.LogoWithTagline("watching for captures")
	ui.ModeLine(string(eng.Snapshot().Mode), eng.Snapshot().SessionID, "")
	for _, action := range hotkeyActions {
		if combo, ok := hk.Combo(action); ok {
			ui.Detail(action+":", combo.String())
		}
	}
	for action, combo := range hk.Disabled() {
		ui.Warning(fmt.Sprintf("Hotkey %s for %s is unavailable; use the tray or remap it with 'snag config set hotkeys.%s ...'",
			combo, action, configKeyFor(action)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if tr == nil {
		<-ctx.Done()
		ui.Info("Shutting down")
		return nil
	}

	go func() {
		<-ctx.Done()
		tr.Quit()
	}()
	tr.Run(eng.Snapshot())
	ui.Info("Shutting down")
	return nil
}

var hotkeyActions = []string{"start-session", "start-bug-capture", "end-bug-capture", "end-session"}

func configKeyFor(action string) string {
	switch action {
	case "start-session":
		return "start_session"
	case "start-bug-capture":
		return "start_bug_capture"
	case "end-bug-capture":
		return "end_bug_capture"
	default:
		return "end_session"
	}
}

func actionForConfigKey(key string) string {
	switch strings.TrimPrefix(key, "hotkeys.") {
	case "start_session":
		return "start-session"
	case "start_bug_capture":
		return "start-bug-capture"
	case "end_bug_capture":
		return "end-bug-capture"
	case "end_session":
		return "end-session"
	}
	return ""
}

func bindHotkeys(hk *hotkeys.Coordinator, s *store.Store, eng *engine.Engine) {
	bindings := []struct {
		action  string
		combo   string
		trigger state.Trigger
	}{
		{"start-session", s.Config.Hotkeys.StartSession, state.TriggerStartSession},
		{"start-bug-capture", s.Config.Hotkeys.StartBugCapture, state.TriggerStartBugCapture},
		{"end-bug-capture", s.Config.Hotkeys.EndBugCapture, state.TriggerEndBugCapture},
		{"end-session", s.Config.Hotkeys.EndSession, state.TriggerEndSession},
	}
	for _, b := range bindings {
		if b.combo == "" {
			continue
		}
		trigger := b.trigger
		// Errors are already surfaced through Disabled.
		_ = hk.Bind(b.action, b.combo, func() {
			if err := eng.Request(trigger); err != nil {
				ui.Logger.Debug("hotkey trigger ignored", "trigger", trigger, "error", err)
			}
		})
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current capture state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if st, err := controlClient(s).State(ctx); err == nil {
				ui.ModeLine(st.Mode, st.SessionID, st.BugID)
				showSessionSummary(s, st.SessionID)
				return nil
			}

			// No watch process; fall back to what the files say.
			ui.Warning("snag watch is not running")
			snap, err := state.LoadSnapshot(s.StatePath())
			if err != nil {
				return err
			}
			ui.ModeLine(string(snap.Mode), snap.SessionID, snap.BugID)
			showSessionSummary(s, snap.SessionID)
			return nil
		},
	}
}

func showSessionSummary(s *store.Store, sessionID string) {
	if sessionID == "" {
		return
	}
	sess, err := session.Get(s, sessionID)
	if err != nil {
		return
	}
	ui.SessionBanner(sess.ID, sess.Title)
	bugs, _ := session.LoadBugs(sess)
	ui.Detail("Bugs:", strconv.Itoa(len(bugs)))
	ui.Detail("Folder:", sess.FolderPath)
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "open [bug]",
		Short:   "Open the current session folder",
		Long:    "Open the active session's folder in the file manager, or a specific bug's folder.",
		Example: "  snag open\n  snag open BUG-03",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			sess, err := currentSession(s)
			if err != nil {
				return err
			}
			dir := sess.FolderPath
			if len(args) == 1 {
				bug, err := findBug(sess, args[0])
				if err != nil {
					return err
				}
				dir = bug.FolderPath
			}
			return openPath(dir)
		},
	}
}

func openPath(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

// currentSession prefers the running engine's session, then the newest one.
func currentSession(s *store.Store) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if st, err := controlClient(s).State(ctx); err == nil && st.SessionID != "" {
		return session.Get(s, st.SessionID)
	}
	sessions, err := session.List(s)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no sessions yet — start one with 'snag session start'")
	}
	return sessions[0], nil
}

func findBug(sess *session.Session, ref string) (*session.Bug, error) {
	bugs, err := session.LoadBugs(sess)
	if err != nil {
		return nil, err
	}
	for _, b := range bugs {
		if b.ID == ref || b.DisplayID == ref || session.BugDirName(b.Number) == ref {
			return b, nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil {
		for _, b := range bugs {
			if b.Number == n {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("bug not found in session %s: %s", sess.ID, ref)
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage capture sessions",
		Long:  "Start, end, resume, and close capture sessions. A session owns the folder all bug evidence for one QA pass lands in.",
	}
	cmd.AddCommand(transitionCmd("start", "Start a new capture session", "start-session"))
	cmd.AddCommand(transitionCmd("end", "End the active session", "end-session"))
	cmd.AddCommand(transitionCmd("resume", "Resume the ended session for more capturing", "resume-session"))
	cmd.AddCommand(sessionCloseCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionNoteCmd())
	return cmd
}

// transitionCmd builds one thin command that forwards a trigger to the
// running watch process.
func transitionCmd(use, short, trigger string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := requestTransition(trigger)
			if err != nil {
				return err
			}
			ui.Success(short)
			ui.ModeLine(st.Mode, st.SessionID, st.BugID)
			return nil
		},
	}
}

// sessionCloseCmd closes the reviewed session, warning first when captures
// were never sorted into a bug.
func sessionCloseCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the reviewed session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if !yes {
				if n := unsortedCount(s); n > 0 {
					ok, err := ui.Confirm(fmt.Sprintf("%d unsorted capture(s) are still in this session. Close it anyway?", n))
					if err != nil {
						return err
					}
					if !ok {
						ui.Info("Aborted")
						return nil
					}
				}
			}
			st, err := requestTransition("close-session")
			if err != nil {
				return err
			}
			ui.Success("Session closed")
			ui.ModeLine(st.Mode, st.SessionID, st.BugID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Close without confirming")
	return cmd
}

// unsortedCount reports how many of the engine's session captures never got
// sorted into a bug. Best effort; no running watch process means zero.
func unsortedCount(s *store.Store) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := controlClient(s).State(ctx)
	if err != nil || st.SessionID == "" {
		return 0
	}
	cat, err := catalog.Open(s.CatalogPath())
	if err != nil {
		return 0
	}
	defer cat.Close()
	counts, err := cat.CaptureCounts(st.SessionID)
	if err != nil {
		return 0
	}
	return counts[""]
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			sessions, err := session.List(s)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				ui.EmptyState("No sessions yet")
				return nil
			}

			var rows [][]string
			for _, sess := range sessions {
				bugs, _ := session.LoadBugs(sess)
				rows = append(rows, []string{
					sess.ID,
					sess.Title,
					string(sess.Status),
					strconv.Itoa(len(bugs)),
					sess.StartedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			ui.Table([]string{"ID", "TITLE", "STATUS", "BUGS", "STARTED"}, rows)
			return nil
		},
	}
}

func sessionShowCmd() *cobra.Command {
	var notes bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one session in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			var sess *session.Session
			if len(args) == 1 {
				sess, err = session.Get(s, args[0])
			} else {
				sess, err = currentSession(s)
			}
			if err != nil {
				return err
			}

			ui.SessionBanner(sess.ID, sess.Title)
			ui.Detail("Status: ", string(sess.Status))
			ui.Detail("Folder: ", sess.FolderPath)
			ui.Detail("Started:", sess.StartedAt.Local().Format("2006-01-02 15:04"))
			if sess.EndedAt != nil {
				ui.Detail("Ended:  ", sess.EndedAt.Local().Format("2006-01-02 15:04"))
			}

			showBugTable(s, sess)

			if notes && sess.Notes != "" {
				ui.SectionHeader("Notes")
				ui.RenderMarkdown(sess.Notes)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&notes, "notes", false, "Render the session notes")
	return cmd
}

func sessionNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "note <text>",
		Short:   "Append a timestamped note to the active session",
		Example: `  snag session note "checkout breaks when the cart is empty"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			sess, err := currentSession(s)
			if err != nil {
				return err
			}
			if err := session.AppendNote(sess, args[0]); err != nil {
				return err
			}
			ui.Success("Note added to " + sess.ID)
			return nil
		},
	}
}

func bugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bug",
		Short: "Manage bugs within the active session",
	}
	cmd.AddCommand(transitionCmd("start", "Start capturing a new bug", "start-bug-capture"))
	cmd.AddCommand(transitionCmd("done", "Finish capturing the current bug", "end-bug-capture"))
	cmd.AddCommand(bugListCmd())
	return cmd
}

func bugListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [session]",
		Short: "List the bugs of a session with capture counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			var sess *session.Session
			if len(args) == 1 {
				sess, err = session.Get(s, args[0])
			} else {
				sess, err = currentSession(s)
			}
			if err != nil {
				return err
			}
			showBugTable(s, sess)
			return nil
		},
	}
}

func showBugTable(s *store.Store, sess *session.Session) {
	bugs, err := session.LoadBugs(sess)
	if err != nil || len(bugs) == 0 {
		ui.EmptyState("No bugs captured")
		return
	}

	counts := map[string]int{}
	if cat, err := catalog.Open(s.CatalogPath()); err == nil {
		counts, _ = cat.CaptureCounts(sess.ID)
		cat.Close()
	}

	var rows [][]string
	for _, b := range bugs {
		rows = append(rows, []string{
			b.DisplayID,
			string(b.Status),
			strconv.Itoa(counts[b.ID]),
			b.CreatedAt.Local().Format("15:04"),
		})
	}
	if n := counts[""]; n > 0 {
		rows = append(rows, []string{"unsorted", "-", strconv.Itoa(n), "-"})
	}
	ui.Table([]string{"BUG", "STATUS", "CAPTURES", "AT"}, rows)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit snag configuration",
	}
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Display the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a snag configuration value. Valid keys: sessions_root, notifications, capture.tool, capture.interactive, watcher.settle_ms, hotkeys.start_session, hotkeys.start_bug_capture, hotkeys.end_bug_capture, hotkeys.end_session.",
		Example: `  snag config set watcher.settle_ms 500
  snag config set hotkeys.start_bug_capture ctrl+alt+b`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if strings.HasPrefix(args[0], "hotkeys.") && args[1] != "" {
				if _, err := hotkeys.ParseCombo(args[1]); err != nil {
					return err
				}
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))

			// Hotkey changes can be pushed into a running watch process.
			if action := actionForConfigKey(args[0]); action != "" && args[1] != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := controlClient(s).RebindHotkey(ctx, action, args[1]); err == nil {
					ui.Success("Rebound in the running watch process")
					return nil
				}
			}
			ui.Info("Restart 'snag watch' for hotkey or watcher changes to take effect")
			return nil
		},
	}
}
