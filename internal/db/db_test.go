package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	// Verify tables exist by counting rows in each one.
	tables := []string{
		"users", "club_members", "notification_preferences", "delivery_logs",
		"push_tokens", "conversations", "messages", "message_reads",
	}

	for _, table := range tables {
		var count int
		err := d.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	// Running migrate again should not fail.
	require.NoError(t, d.migrate())
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "donorlink.db")

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, path, d.Path())
}

func TestConversationPairConstraint(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exec(`INSERT INTO conversations (id, participant_lo, participant_hi) VALUES ('c1', 'a', 'b')`)
	require.NoError(t, err)

	// Same unordered pair must be rejected.
	_, err = d.Exec(`INSERT INTO conversations (id, participant_lo, participant_hi) VALUES ('c2', 'a', 'b')`)
	assert.Error(t, err)

	// Unsorted pair violates the check constraint.
	_, err = d.Exec(`INSERT INTO conversations (id, participant_lo, participant_hi) VALUES ('c3', 'z', 'a')`)
	assert.Error(t, err)
}
