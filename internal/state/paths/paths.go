package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultRoot = "/var/lib/kegleveld"
	envStateDir = "KEGLEVEL_STATE_DIR"
)

var (
	root string
	once sync.Once
)

func resolveRoot() {
	candidate := os.Getenv(envStateDir)
	if candidate == "" {
		candidate = defaultRoot
	}
	root = filepath.Clean(candidate)
}

// Root returns the directory holding the settings database and config.
func Root() string {
	once.Do(resolveRoot)
	return root
}

// Join resolves a path relative to the state root.
func Join(elements ...string) string {
	all := append([]string{Root()}, elements...)
	return filepath.Join(all...)
}

func DatabasePath() string { return Join("kegleveld.db") }
func ConfigPath() string   { return Join("kegleveld.yaml") }

// SetRoot overrides the state root, e.g. from a --state-dir flag. It must run
// before any other package resolves a path.
func SetRoot(dir string) {
	if dir == "" {
		return
	}
	once.Do(func() {})
	root = filepath.Clean(dir)
}

// SetRootForTest resets the cached root so tests can override KEGLEVEL_STATE_DIR.
func SetRootForTest(dir string) {
	if dir != "" {
		os.Setenv(envStateDir, dir)
	}
	root = ""
	once = sync.Once{}
}
