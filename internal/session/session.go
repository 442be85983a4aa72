package session

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snagtools/snag/internal/store"
)

// Status is the lifecycle state of a session record. Transitions move
// forward (active → ended → reviewed → synced) except for resume, which
// moves ended back to active.
type Status string

const (
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusReviewed Status = "reviewed"
	StatusSynced   Status = "synced"
)

// Session is one QA testing pass. It owns the folder all bug captures for
// the pass land in. FolderPath is immutable once set.
type Session struct {
	ID            string     `yaml:"id"`
	Title         string     `yaml:"title"`
	Status        Status     `yaml:"status"`
	FolderPath    string     `yaml:"folder_path"`
	StartedAt     time.Time  `yaml:"started_at"`
	EndedAt       *time.Time `yaml:"ended_at,omitempty"`
	Notes         string     `yaml:"notes,omitempty"`
	LastBugNumber int        `yaml:"last_bug_number"`
	UpdatedAt     time.Time  `yaml:"updated_at"`
}

var validTransitions = map[Status][]Status{
	StatusActive:   {StatusEnded},
	StatusEnded:    {StatusReviewed, StatusActive}, // resume moves ended back to active
	StatusReviewed: {StatusSynced},
}

// GenerateID builds a session id from the date, a slug of the title, and a
// random suffix.
func GenerateID(title string) string {
	date := time.Now().Format("20060102")
	slug := slugify(title)
	suffix := randomHex(8)
	return fmt.Sprintf("%s-%s-%s", date, slug, suffix)
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = regexp.MustCompile(`[^a-z0-9\s-]`).ReplaceAllString(s, "")
	s = regexp.MustCompile(`[\s]+`).ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = s[:48]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		s = "session"
	}
	return s
}

func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)[:n]
}

// Create starts a new session: allocates an id, creates the session folder
// with its staging subfolder, and writes the record. At most one session may
// be active; Create refuses to make a second one.
func Create(s *store.Store, title string) (*Session, error) {
	if active, err := Active(s); err != nil {
		return nil, err
	} else if active != nil {
		return nil, fmt.Errorf("session %s is already active", active.ID)
	}

	if err := os.MkdirAll(s.Config.SessionsRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions root: %w", err)
	}

	id := GenerateID(title)
	dir := filepath.Join(s.Config.SessionsRoot, id)
	for {
		if _, err := os.Stat(dir); err != nil {
			break // doesn't exist, good
		}
		id = GenerateID(title)
		dir = filepath.Join(s.Config.SessionsRoot, id)
	}

	if err := os.MkdirAll(filepath.Join(dir, "staging"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:         id,
		Title:      title,
		Status:     StatusActive,
		FolderPath: dir,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Save writes the session record into its folder.
func Save(sess *Session) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	path := filepath.Join(sess.FolderPath, "session.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	return nil
}

// Get loads a session by id.
func Get(s *store.Store, id string) (*Session, error) {
	path := filepath.Join(s.Config.SessionsRoot, id, "session.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("invalid session record for %s: %w", id, err)
	}
	return &sess, nil
}

// List returns all sessions under the sessions root, newest first.
func List(s *store.Store) ([]*Session, error) {
	entries, err := os.ReadDir(s.Config.SessionsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read sessions root: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := Get(s, e.Name())
		if err != nil {
			continue // not a session folder
		}
		sessions = append(sessions, sess)
	}
	// Newest first; ids start with the date so the id is a usable sort key
	// only within a day. Use StartedAt.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Active returns the active session, or nil if there is none.
func Active(s *store.Store) (*Session, error) {
	sessions, err := List(s)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Status == StatusActive {
			return sess, nil
		}
	}
	return nil, nil
}

// Transition moves a session to a new status if the edge is valid, and
// persists the record.
func Transition(sess *Session, newStatus Status) error {
	allowed := false
	for _, next := range validTransitions[sess.Status] {
		if next == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid session transition %s → %s", sess.Status, newStatus)
	}

	sess.Status = newStatus
	now := time.Now().UTC()
	sess.UpdatedAt = now
	switch newStatus {
	case StatusEnded:
		sess.EndedAt = &now
	case StatusActive:
		sess.EndedAt = nil
	}
	return Save(sess)
}

// AppendNote appends a timestamped note line to the session record.
func AppendNote(sess *Session, text string) error {
	line := fmt.Sprintf("- %s %s", time.Now().UTC().Format("15:04"), text)
	if sess.Notes == "" {
		sess.Notes = line
	} else {
		sess.Notes += "\n" + line
	}
	sess.UpdatedAt = time.Now().UTC()
	return Save(sess)
}

// StagingDir is the redirected screenshot save location for the session.
func StagingDir(sess *Session) string {
	return filepath.Join(sess.FolderPath, "staging")
}

// UnsortedDir is where captures land when no bug is being captured.
func UnsortedDir(sess *Session) string {
	return filepath.Join(sess.FolderPath, "unsorted")
}
