package shellrt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	dir := t.TempDir()
	fp := Fingerprint(dir)
	assert.Len(t, fp, 12)
	assert.Equal(t, fp, Fingerprint(dir))
	assert.NotEqual(t, fp, Fingerprint(t.TempDir()))
}

func TestFingerprintResolvesSymlinks(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))
	assert.Equal(t, Fingerprint(real), Fingerprint(link))
}

func TestEnsureSecretGeneratedOnce(t *testing.T) {
	t.Setenv(SecretEnvVar, "")
	dir := t.TempDir()

	first, err := EnsureSecret(dir)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	// Second load reads the persisted value back.
	second, err := EnsureSecret(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(filepath.Join(dir, "secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureSecretEnvOverride(t *testing.T) {
	t.Setenv(SecretEnvVar, "from-env")
	dir := t.TempDir()

	secret, err := EnsureSecret(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", secret)

	// The override is persisted for child processes that read the file.
	raw, err := os.ReadFile(filepath.Join(dir, "secret"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", string(raw))
}
