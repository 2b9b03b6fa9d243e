package shellrt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretEnvVar overrides the derived per-installation secret.
const SecretEnvVar = "FRAMEWORK_SHELLS_SECRET"

const fingerprintLen = 12

// Fingerprint returns the stable runtime namespace for an installation
// root. Symlinks are resolved so the same tree always hashes identically.
func Fingerprint(installRoot string) string {
	resolved, err := filepath.EvalSymlinks(installRoot)
	if err != nil {
		resolved = installRoot
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func ensureRuntimeDir(cacheRoot, fingerprint string) (string, error) {
	dir := filepath.Join(cacheRoot, "framework_shells", "runtimes", fingerprint)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create runtime dir: %w", err)
	}
	return dir, nil
}

// EnsureSecret loads the runtime secret, creating it on first use. The
// environment variable wins; otherwise a random secret is generated and
// persisted 0600 under the runtime dir.
func EnsureSecret(runtimeDir string) (string, error) {
	path := filepath.Join(runtimeDir, "secret")

	if env := os.Getenv(SecretEnvVar); env != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(env), 0o600); err != nil {
				return "", fmt.Errorf("failed to persist secret: %w", err)
			}
		}
		return env, nil
	}

	if raw, err := os.ReadFile(path); err == nil {
		secret := strings.TrimSpace(string(raw))
		if secret != "" {
			return secret, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist secret: %w", err)
	}
	return secret, nil
}
