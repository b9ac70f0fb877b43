// Package secrets resolves credential settings that reference the
// environment or a mounted secret file instead of holding the value inline.
//
// A setting value is resolved as follows:
//   - "file:/run/secrets/firebase" reads the file, trailing newlines trimmed
//   - "${TOKEN}" or "${TOKEN:-fallback}" expands environment variables
//   - anything else is returned unchanged
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FilePrefix marks a value that names a secret file.
	FilePrefix = "file:"

	maxSecretFileSize = 64 * 1024
)

// Resolve returns the credential a setting value refers to. Empty values
// stay empty.
func Resolve(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if path, ok := strings.CutPrefix(value, FilePrefix); ok {
		return ReadFile(path)
	}
	return ExpandString(value)
}

// ExpandString expands ${VAR} and ${VAR:-fallback} references. A variable
// without a fallback that is unset or empty is an error.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variable(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// ReadFile reads a secret file such as a Docker or systemd credential.
// Files readable by group or other are accepted with a warning.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret file path is empty")
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file not found: %s", clean)
		}
		return "", fmt.Errorf("failed to stat secret file %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", clean)
	}
	if info.Size() > maxSecretFileSize {
		return "", fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "WARNING: secret file has group/other permissions (perms: %04o): %s\n", perm, clean)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", clean, err)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file is empty: %s", clean)
	}
	return secret, nil
}
