package extbridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "claude.yaml", `
agent: claude
command: claude-code-acp
args: ["--acp"]
eagerSessionInit: true
`)
	writeManifest(t, dir, "gemini.yml", `
agent: gemini
command: gemini
`)
	writeManifest(t, dir, "notes.txt", "ignored")

	manifests, err := LoadManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	claude := manifests["claude"]
	assert.Equal(t, "claude-code-acp", claude.Command)
	assert.Equal(t, []string{"--acp"}, claude.Args)
	assert.True(t, claude.EagerSessionInit)

	gemini := manifests["gemini"]
	assert.Equal(t, "gemini", gemini.Command)
	assert.False(t, gemini.EagerSessionInit)
}

func TestLoadManifestsMissingDir(t *testing.T) {
	manifests, err := LoadManifests(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, manifests)

	manifests, err = LoadManifests("")
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestLoadManifestsRequiredFields(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", "agent: incomplete\n")

	_, err := LoadManifests(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent and command are required")
}

func TestLoadManifestsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.yaml", "agent: [unclosed\n")

	_, err := LoadManifests(dir)
	assert.Error(t, err)
}
