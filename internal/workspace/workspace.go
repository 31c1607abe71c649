// Package workspace manages the codegate data directory.
// Runtime state (the audit database, the JSONL audit log, and worker
// scratch directories) lives under a single root.
//
// Default root: ~/.codegate (configurable via data_dir or CODEGATE_HOME).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default root relative to the user home directory.
const defaultRelativePath = ".codegate"

// Workspace resolves and creates codegate's runtime paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // directories already ensured
}

// New creates a Workspace rooted at root, expanding ~ and creating the
// directory if needed.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at $CODEGATE_HOME or ~/.codegate.
func Default() (*Workspace, error) {
	if env := os.Getenv("CODEGATE_HOME"); env != "" {
		return New(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// DatabasePath returns <root>/codegate.db, the default SQLite audit store.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "codegate.db")
}

// AuditLogPath returns <root>/logs/audit.jsonl.
func (w *Workspace) AuditLogPath() string {
	return filepath.Join(w.dir("logs", 0750), "audit.jsonl")
}

// WorkersDir returns <root>/workers/ with 0700 permissions. Isolated workers
// get their temp directories here.
func (w *Workspace) WorkersDir() string {
	return w.dir("workers", 0700)
}

// CleanWorkers removes scratch directories left behind by workers of a
// previous process that did not exit cleanly. It returns how many it removed.
func (w *Workspace) CleanWorkers() (int, error) {
	dir := w.WorkersDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading workers dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "codegate-worker-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing worker dir %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// dir returns an absolute path under the root and ensures it exists.
func (w *Workspace) dir(name string, perm os.FileMode) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, perm)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
