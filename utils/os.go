package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/n0rdy/rmqtools/common"
)

const (
	appDir = "rmqtools"
	dbFile = "rmqtools.db"
)

// GetOrCreateDefaultDBPath returns the location of the relocation store, creating its directory if needed.
// An existing store found in any of the known data directories wins over the preferred one.
func GetOrCreateDefaultDBPath() (string, error) {
	home, _ := os.UserHomeDir()
	return resolveDBPath(candidateDataDirs(runtime.GOOS, os.Getenv, home))
}

func resolveDBPath(dataDirs []string) (string, error) {
	if len(dataDirs) == 0 {
		return "", fmt.Errorf("no data directory available on %s, pass --db-path explicitly", runtime.GOOS)
	}

	var existing []string
	for _, dir := range dataDirs {
		path := toDbFilePath(dir)
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}

	switch len(existing) {
	case 0:
		path := toDbFilePath(dataDirs[0])
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		return path, nil
	case 1:
		return existing[0], nil
	default:
		return "", fmt.Errorf("multiple database files found at: %v. Please remove duplicates manually", existing)
	}
}

// candidateDataDirs lists the data directories to look in, the preferred one first.
func candidateDataDirs(goos string, getenv func(string) string, home string) []string {
	var dirs []string
	add := func(dir string) {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}

	switch goos {
	case common.WindowsOS:
		add(getenv("APPDATA"))
		add(getenv("LOCALAPPDATA"))
		add(home)
	case common.MacOS:
		if home != "" {
			add(filepath.Join(home, "Library", "Application Support"))
		}
		add(home)
	default:
		add(getenv("XDG_DATA_HOME"))
		if home != "" {
			add(filepath.Join(home, ".local", "share"))
		}
		add(home)
	}
	return dirs
}

func toDbFilePath(dataDir string) string {
	return filepath.Join(dataDir, appDir, dbFile)
}
