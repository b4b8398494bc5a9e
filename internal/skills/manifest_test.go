package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Frontmatter(t *testing.T) {
	t.Parallel()

	raw := `---
name: send-reply
description: Send the final reply to the user
metadata:
  category: core
---

Call this skill with the reply text.`

	m := ParseManifest(raw, "fallback")
	assert.Equal(t, "send-reply", m.Name)
	assert.Equal(t, "Send the final reply to the user", m.Description)
	assert.Equal(t, "Call this skill with the reply text.", m.Content)
	assert.Equal(t, "core", m.Metadata["category"])
}

func TestParseManifest_NoFrontmatter(t *testing.T) {
	t.Parallel()

	m := ParseManifest("Just a body.", "memory-save")
	assert.Equal(t, "memory-save", m.Name)
	assert.Equal(t, "memory-save", m.Description)
	assert.Equal(t, "Just a body.", m.Content)
}

func TestParseManifest_BrokenFrontmatter(t *testing.T) {
	t.Parallel()

	// Unclosed frontmatter falls back to the raw body.
	m := ParseManifest("---\nname: x\nno closing fence", "fallback")
	assert.Equal(t, "fallback", m.Name)
	assert.Contains(t, m.Content, "name: x")

	// Invalid YAML inside a closed fence keeps the body and the fallback name.
	m = ParseManifest("---\n: : :\n---\nbody text", "fallback")
	assert.Equal(t, "fallback", m.Name)
	assert.Equal(t, "body text", m.Content)
}

func TestParseManifest_Fallbacks(t *testing.T) {
	t.Parallel()

	m := ParseManifest("", "")
	assert.Equal(t, "default", m.Name)
	assert.Equal(t, "default", m.Description)
	assert.Equal(t, "default", m.Content)
}

func TestLoadManifests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSkill := func(name, body string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, "SKILL.md"), []byte(body), 0o644))
	}
	writeSkill("send-reply", "---\nname: send-reply\ndescription: reply\n---\nbody")
	writeSkill("no-frontmatter", "plain body")
	// A directory without SKILL.md is skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	// A stray file at the top level is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	manifests, err := LoadManifests(nil, dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	names := []string{manifests[0].Name, manifests[1].Name}
	assert.Contains(t, names, "send-reply")
	assert.Contains(t, names, "no-frontmatter")
}

func TestLoadManifests_MissingDir(t *testing.T) {
	t.Parallel()

	manifests, err := LoadManifests(nil, filepath.Join(t.TempDir(), "absent"))
	assert.NoError(t, err)
	assert.Empty(t, manifests)
}
