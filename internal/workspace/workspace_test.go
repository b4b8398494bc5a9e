package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperbot/vesper/internal/channel"
)

func TestKey(t *testing.T) {
	t.Parallel()

	got := Key("discord", "123", "456")
	assert.Equal(t, "discord/123/456", got)
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, t.TempDir(), "workspaces")
	event := channel.NormalizedEvent{
		Platform:  "discord",
		UserID:    "123",
		ChannelID: "456",
		IsDM:      true,
	}

	ws, err := m.GetOrCreate(event)
	require.NoError(t, err)
	assert.Equal(t, "discord/123/456", ws.Key)
	assert.True(t, ws.IsDM)
	assert.DirExists(t, ws.Path)

	again, err := m.GetOrCreate(event)
	require.NoError(t, err)
	assert.Equal(t, ws.Path, again.Path)
}

func TestGetOrCreate_RejectsBadComponents(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, t.TempDir(), "workspaces")
	cases := []channel.NormalizedEvent{
		{Platform: "discord", UserID: "..", ChannelID: "456"},
		{Platform: "discord", UserID: "a/b", ChannelID: "456"},
		{Platform: "discord", UserID: `a\b`, ChannelID: "456"},
		{Platform: "", UserID: "123", ChannelID: "456"},
	}
	for _, event := range cases {
		_, err := m.GetOrCreate(event)
		assert.Error(t, err, "event %+v must be rejected", event)
	}
}

func TestGetPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := NewManager(nil, root, "workspaces")

	path, err := m.GetPath("discord/123/456")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "workspaces", "discord", "123", "456"), path)

	_, err = m.GetPath("discord/123")
	assert.Error(t, err)
	_, err = m.GetPath("discord/../456")
	assert.Error(t, err)
}

func TestValidateInside(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ws := &Workspace{Key: "discord/1/2", Path: dir}

	assert.NoError(t, ValidateInside(ws, "memory.public.jsonl"))
	assert.NoError(t, ValidateInside(ws, filepath.Join(dir, "sub", "file.txt")))
	assert.NoError(t, ValidateInside(ws, dir))

	err := ValidateInside(ws, "../outside.txt")
	assert.ErrorIs(t, err, ErrBoundaryViolation)

	err = ValidateInside(ws, "/etc/passwd")
	assert.ErrorIs(t, err, ErrBoundaryViolation)
}

func TestValidateInside_SymlinkEscape(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	wsDir := filepath.Join(base, "ws")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(wsDir, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	link := filepath.Join(wsDir, "escape")
	require.NoError(t, os.Symlink(outside, link))

	ws := &Workspace{Key: "discord/1/2", Path: wsDir}
	err := ValidateInside(ws, filepath.Join(link, "file.txt"))
	assert.ErrorIs(t, err, ErrBoundaryViolation)
}

func TestValidateInside_SiblingPrefix(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	wsDir := filepath.Join(base, "ws")
	sibling := filepath.Join(base, "ws-evil")
	require.NoError(t, os.MkdirAll(wsDir, 0o755))
	require.NoError(t, os.MkdirAll(sibling, 0o755))

	ws := &Workspace{Key: "discord/1/2", Path: wsDir}
	err := ValidateInside(ws, filepath.Join(sibling, "file.txt"))
	assert.ErrorIs(t, err, ErrBoundaryViolation)
}
