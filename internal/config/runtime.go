package config

import (
	"os"
	"path/filepath"
)

const runtimeDirName = "tuskmem"

// RuntimeDir returns the directory holding the database, the prompt files
// and the optional .env. TUSK_RUNTIME_PATH wins, then $XDG_DATA_HOME/tuskmem,
// then ~/.tuskmem. Relative paths resolve against the home directory.
func RuntimeDir() string {
	if path := os.Getenv("TUSK_RUNTIME_PATH"); path != "" {
		return fromHome(path)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(fromHome(xdg), runtimeDirName)
	}
	return fromHome("." + runtimeDirName)
}

// EnsureRuntimeDir creates dir with owner-only permissions.
func EnsureRuntimeDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

func fromHome(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path)
}
