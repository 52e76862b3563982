package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexFile is the SQLite session index inside the data directory
const IndexFile = "index.db"

// GetRequiredDirectories returns the directories that must exist in a data directory
func GetRequiredDirectories() []string {
	return []string{
		"sessions", // /sessions/<id>.json (session records)
		"logs",     // /logs/<id>.ndjson (append-only session logs)
	}
}

// Initialize creates all required directories with 0700 permissions.
// It is safe to call multiple times.
func Initialize(dataDir string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(dataDir, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks if a data directory has all required directories
func IsInitialized(dataDir string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(dataDir, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// IndexPath returns the session index location
func IndexPath(dataDir string) string {
	return filepath.Join(dataDir, IndexFile)
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
