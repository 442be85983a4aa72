package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestSessionAndBugRoundTrip(t *testing.T) {
	c := openTest(t)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, c.UpsertSession(SessionRow{
		ID: "s1", Title: "morning pass", Status: "active",
		FolderPath: "/tmp/s1", StartedAt: started,
	}))

	require.NoError(t, c.UpsertBug(BugRow{
		ID: "b1", SessionID: "s1", Number: 1, DisplayID: "BUG-01",
		Status: "capturing", FolderPath: "/tmp/s1/bug-01", CreatedAt: started,
	}))

	// Status refresh via upsert.
	ended := started.Add(time.Hour)
	require.NoError(t, c.UpsertSession(SessionRow{
		ID: "s1", Title: "morning pass", Status: "ended",
		FolderPath: "/tmp/s1", StartedAt: started, EndedAt: &ended,
	}))

	sessions, err := c.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "ended", sessions[0].Status)
	require.NotNil(t, sessions[0].EndedAt)
	require.Equal(t, ended.Unix(), sessions[0].EndedAt.Unix())

	bugs, err := c.ListBugs("s1")
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	require.Equal(t, "BUG-01", bugs[0].DisplayID)
}

func TestCaptures_BugAndUnsorted(t *testing.T) {
	c := openTest(t)
	now := time.Now().UTC()

	require.NoError(t, c.UpsertSession(SessionRow{
		ID: "s1", Title: "t", Status: "active", FolderPath: "/tmp/s1", StartedAt: now,
	}))
	require.NoError(t, c.UpsertBug(BugRow{
		ID: "b1", SessionID: "s1", Number: 1, DisplayID: "BUG-01",
		Status: "capturing", FolderPath: "/tmp/s1/bug-01", CreatedAt: now,
	}))

	for seq := 1; seq <= 2; seq++ {
		require.NoError(t, c.InsertCapture(Capture{
			ID: ulid.Make().String(), SessionID: "s1", BugID: "b1",
			FilePath: "/tmp/s1/bug-01/capture-00" + string(rune('0'+seq)) + ".png",
			Seq:      seq, Kind: "screenshot", CreatedAt: now,
		}))
	}
	require.NoError(t, c.InsertCapture(Capture{
		ID: ulid.Make().String(), SessionID: "s1", BugID: "",
		FilePath: "/tmp/s1/unsorted/capture-001.png",
		Seq:      1, Kind: "screenshot", CreatedAt: now,
	}))

	bugCaps, err := c.ListCaptures("s1", "b1")
	require.NoError(t, err)
	require.Len(t, bugCaps, 2)
	require.Equal(t, 1, bugCaps[0].Seq)
	require.Equal(t, 2, bugCaps[1].Seq)

	unsorted, err := c.ListCaptures("s1", "")
	require.NoError(t, err)
	require.Len(t, unsorted, 1)
	require.Empty(t, unsorted[0].BugID)

	counts, err := c.CaptureCounts("s1")
	require.NoError(t, err)
	require.Equal(t, 2, counts["b1"])
	require.Equal(t, 1, counts[""])
}
