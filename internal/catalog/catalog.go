package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Catalog is the durable index of sessions, bugs, and captures. Capture
// rows are immutable once inserted; session and bug rows mirror the YAML
// records for querying.
type Catalog struct {
	db *sql.DB
}

// SessionRow mirrors a session record.
type SessionRow struct {
	ID         string
	Title      string
	Status     string
	FolderPath string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// BugRow mirrors a bug record.
type BugRow struct {
	ID         string
	SessionID  string
	Number     int
	DisplayID  string
	Status     string
	FolderPath string
	CreatedAt  time.Time
}

// Capture is one routed file. BugID is empty for unsorted captures.
type Capture struct {
	ID        string
	SessionID string
	BugID     string
	FilePath  string
	Seq       int
	Kind      string
	CreatedAt time.Time
}

// Open opens (and migrates) the catalog at the given path.
func Open(path string) (*Catalog, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return v, nil
}

func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
		  id          TEXT PRIMARY KEY,
		  title       TEXT NOT NULL,
		  status      TEXT NOT NULL,
		  folder_path TEXT NOT NULL,
		  started_at  INTEGER NOT NULL,
		  ended_at    INTEGER
		);

		CREATE TABLE IF NOT EXISTS bugs (
		  id          TEXT PRIMARY KEY,
		  session_id  TEXT NOT NULL REFERENCES sessions(id),
		  number      INTEGER NOT NULL,
		  display_id  TEXT NOT NULL,
		  status      TEXT NOT NULL,
		  folder_path TEXT NOT NULL,
		  created_at  INTEGER NOT NULL,
		  UNIQUE(session_id, number)
		);

		CREATE TABLE IF NOT EXISTS captures (
		  id         TEXT PRIMARY KEY,
		  session_id TEXT NOT NULL REFERENCES sessions(id),
		  bug_id     TEXT REFERENCES bugs(id),
		  file_path  TEXT NOT NULL,
		  seq        INTEGER NOT NULL,
		  kind       TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_captures_bug ON captures(bug_id, seq);
		CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to apply schema v1: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}

	return nil
}

// UpsertSession inserts or refreshes a session row.
func (c *Catalog) UpsertSession(row SessionRow) error {
	var endedAt any
	if row.EndedAt != nil {
		endedAt = row.EndedAt.Unix()
	}
	_, err := c.db.Exec(`
		INSERT INTO sessions (id, title, status, folder_path, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  title = excluded.title,
		  status = excluded.status,
		  ended_at = excluded.ended_at`,
		row.ID, row.Title, row.Status, row.FolderPath, row.StartedAt.Unix(), endedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// UpsertBug inserts or refreshes a bug row.
func (c *Catalog) UpsertBug(row BugRow) error {
	_, err := c.db.Exec(`
		INSERT INTO bugs (id, session_id, number, display_id, status, folder_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  status = excluded.status`,
		row.ID, row.SessionID, row.Number, row.DisplayID, row.Status, row.FolderPath, row.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert bug: %w", err)
	}
	return nil
}

// InsertCapture records a routed capture. Rows are never updated.
func (c *Catalog) InsertCapture(cap Capture) error {
	var bugID any
	if cap.BugID != "" {
		bugID = cap.BugID
	}
	_, err := c.db.Exec(`
		INSERT INTO captures (id, session_id, bug_id, file_path, seq, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cap.ID, cap.SessionID, bugID, cap.FilePath, cap.Seq, cap.Kind, cap.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert capture: %w", err)
	}
	return nil
}

// ListSessions returns all session rows, newest first.
func (c *Catalog) ListSessions() ([]SessionRow, error) {
	rows, err := c.db.Query(`
		SELECT id, title, status, folder_path, started_at, ended_at
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Title, &r.Status, &r.FolderPath, &started, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListBugs returns a session's bug rows in number order.
func (c *Catalog) ListBugs(sessionID string) ([]BugRow, error) {
	rows, err := c.db.Query(`
		SELECT id, session_id, number, display_id, status, folder_path, created_at
		FROM bugs WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bugs: %w", err)
	}
	defer rows.Close()

	var out []BugRow
	for rows.Next() {
		var r BugRow
		var created int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Number, &r.DisplayID, &r.Status, &r.FolderPath, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListCaptures returns captures for a bug in sequence order. An empty bugID
// selects the session's unsorted captures.
func (c *Catalog) ListCaptures(sessionID, bugID string) ([]Capture, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if bugID == "" {
		rows, err = c.db.Query(`
			SELECT id, session_id, bug_id, file_path, seq, kind, created_at
			FROM captures WHERE session_id = ? AND bug_id IS NULL ORDER BY seq`, sessionID)
	} else {
		rows, err = c.db.Query(`
			SELECT id, session_id, bug_id, file_path, seq, kind, created_at
			FROM captures WHERE bug_id = ? ORDER BY seq`, bugID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		var cap Capture
		var bug sql.NullString
		var created int64
		if err := rows.Scan(&cap.ID, &cap.SessionID, &bug, &cap.FilePath, &cap.Seq, &cap.Kind, &created); err != nil {
			return nil, err
		}
		cap.BugID = bug.String
		cap.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, cap)
	}
	return out, rows.Err()
}

// CaptureCounts returns capture counts per bug id for a session. The empty
// key holds the unsorted count.
func (c *Catalog) CaptureCounts(sessionID string) (map[string]int, error) {
	rows, err := c.db.Query(`
		SELECT COALESCE(bug_id, ''), COUNT(*)
		FROM captures WHERE session_id = ? GROUP BY bug_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count captures: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var bugID string
		var n int
		if err := rows.Scan(&bugID, &n); err != nil {
			return nil, err
		}
		counts[bugID] = n
	}
	return counts, rows.Err()
}
