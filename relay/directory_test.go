package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visage-chat/visage/signaling"
)

func TestDirectoryRegisterAndAuthenticate(t *testing.T) {
	dir, err := NewDirectory(filepath.Join(t.TempDir(), "users.txt"))
	require.NoError(t, err)

	alice, err := dir.Register("alice", "hash-a")
	require.NoError(t, err)
	assert.NotEmpty(t, alice.ID)
	assert.Equal(t, signaling.StateDisconnected, alice.State)

	_, err = dir.Register("alice", "other")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	got, err := dir.Authenticate("alice", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = dir.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = dir.Authenticate("nobody", "hash")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestDirectoryPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")

	first, err := NewDirectory(path)
	require.NoError(t, err)
	alice, err := first.Register("alice", "hash-a")
	require.NoError(t, err)
	require.True(t, first.SetState(alice.ID, signaling.StateAvailable))

	second, err := NewDirectory(path)
	require.NoError(t, err)

	got, err := second.Authenticate("alice", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	// Runtime state is not persisted; everyone loads as disconnected.
	assert.Equal(t, signaling.StateDisconnected, got.State)
}

func TestDirectoryFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	dir, err := NewDirectory(path)
	require.NoError(t, err)
	u, err := dir.Register("bob", "hash-b")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Equal(t, "bob\t"+u.ID+"\thash-b", line)
}

func TestDirectorySkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	content := "# comment\n\nalice\tid-1\thash-a\nbroken line without tabs\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	dir, err := NewDirectory(path)
	require.NoError(t, err)

	_, err = dir.Authenticate("alice", "hash-a")
	require.NoError(t, err)
	assert.Len(t, dir.Snapshot(), 1)
}

func TestDirectorySetState(t *testing.T) {
	dir, err := NewDirectory(filepath.Join(t.TempDir(), "users.txt"))
	require.NoError(t, err)
	u, err := dir.Register("carol", "hash-c")
	require.NoError(t, err)

	assert.True(t, dir.SetState(u.ID, signaling.StateAvailable))
	assert.False(t, dir.SetState(u.ID, signaling.StateAvailable), "no-op transition")
	assert.False(t, dir.SetState("missing", signaling.StateBusy))
}
