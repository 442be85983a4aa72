package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// BugStatus is the lifecycle state of a bug record.
type BugStatus string

const (
	BugCapturing BugStatus = "capturing"
	BugCaptured  BugStatus = "captured"
	BugReviewed  BugStatus = "reviewed"
	BugReady     BugStatus = "ready"
)

// Bug is one reported issue within a session. Number is unique within the
// session, assigned at creation, and never reused even if the bug is later
// deleted.
type Bug struct {
	ID         string    `yaml:"id"`
	SessionID  string    `yaml:"session_id"`
	Number     int       `yaml:"number"`
	DisplayID  string    `yaml:"display_id"`
	Status     BugStatus `yaml:"status"`
	FolderPath string    `yaml:"folder_path"`
	CreatedAt  time.Time `yaml:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

var validBugTransitions = map[BugStatus][]BugStatus{
	BugCapturing: {BugCaptured},
	BugCaptured:  {BugReviewed, BugCapturing}, // a captured bug can reopen for more evidence
	BugReviewed:  {BugReady},
}

type bugFile struct {
	Bugs []*Bug `yaml:"bugs"`
}

// BugDirName formats the on-disk folder name for a bug number: two digits
// minimum, widening past 99.
func BugDirName(number int) string {
	return fmt.Sprintf("bug-%02d", number)
}

// BugDisplayID formats the user-facing id for a bug number.
func BugDisplayID(number int) string {
	return fmt.Sprintf("BUG-%02d", number)
}

func bugsPath(sess *Session) string {
	return filepath.Join(sess.FolderPath, "bugs.yaml")
}

// LoadBugs reads all bug records of a session.
func LoadBugs(sess *Session) ([]*Bug, error) {
	data, err := os.ReadFile(bugsPath(sess))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read bug records: %w", err)
	}
	var f bugFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid bug records: %w", err)
	}
	return f.Bugs, nil
}

func saveBugs(sess *Session, bugs []*Bug) error {
	data, err := yaml.Marshal(bugFile{Bugs: bugs})
	if err != nil {
		return fmt.Errorf("failed to marshal bug records: %w", err)
	}
	if err := os.WriteFile(bugsPath(sess), data, 0644); err != nil {
		return fmt.Errorf("failed to write bug records: %w", err)
	}
	return nil
}

// CreateBug allocates the next bug number for the session, creates the bug
// folder, and marks the bug capturing. At most one bug per session may be
// capturing at a time.
func CreateBug(sess *Session) (*Bug, error) {
	bugs, err := LoadBugs(sess)
	if err != nil {
		return nil, err
	}
	if b := CapturingBug(bugs); b != nil {
		return nil, fmt.Errorf("bug %s is already capturing", b.DisplayID)
	}

	number := sess.LastBugNumber + 1
	dir := filepath.Join(sess.FolderPath, BugDirName(number))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bug directory: %w", err)
	}

	now := time.Now().UTC()
	bug := &Bug{
		ID:         ulid.Make().String(),
		SessionID:  sess.ID,
		Number:     number,
		DisplayID:  BugDisplayID(number),
		Status:     BugCapturing,
		FolderPath: dir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	bugs = append(bugs, bug)
	if err := saveBugs(sess, bugs); err != nil {
		return nil, err
	}

	sess.LastBugNumber = number
	sess.UpdatedAt = now
	if err := Save(sess); err != nil {
		return nil, err
	}
	return bug, nil
}

// GetBug loads one bug record by id.
func GetBug(sess *Session, bugID string) (*Bug, error) {
	bugs, err := LoadBugs(sess)
	if err != nil {
		return nil, err
	}
	for _, b := range bugs {
		if b.ID == bugID {
			return b, nil
		}
	}
	return nil, fmt.Errorf("bug not found: %s", bugID)
}

// CapturingBug returns the bug currently capturing, or nil.
func CapturingBug(bugs []*Bug) *Bug {
	for _, b := range bugs {
		if b.Status == BugCapturing {
			return b
		}
	}
	return nil
}

// TransitionBug moves a bug to a new status if the edge is valid, and
// persists the session's bug records.
func TransitionBug(sess *Session, bugID string, newStatus BugStatus) error {
	bugs, err := LoadBugs(sess)
	if err != nil {
		return err
	}
	for _, b := range bugs {
		if b.ID != bugID {
			continue
		}
		allowed := false
		for _, next := range validBugTransitions[b.Status] {
			if next == newStatus {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("invalid bug transition %s → %s", b.Status, newStatus)
		}
		if newStatus == BugCapturing {
			if open := CapturingBug(bugs); open != nil && open.ID != bugID {
				return fmt.Errorf("bug %s is already capturing", open.DisplayID)
			}
		}
		b.Status = newStatus
		b.UpdatedAt = time.Now().UTC()
		return saveBugs(sess, bugs)
	}
	return fmt.Errorf("bug not found: %s", bugID)
}
