package workspace

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// DefaultIgnores are the path patterns never copied into a working copy.
// Patterns match individual path segments, so ".git" prunes the whole tree.
var DefaultIgnores = []string{
	".git",
	"__pycache__",
	"*.pyc",
	".pytest_cache",
	".mypy_cache",
	".venv",
	"node_modules",
	"dist",
	".DS_Store",
}

// Manager materialises isolated working copies of workspace templates and
// keeps one snapshot per run for rollback.
type Manager struct {
	WorkspacesDir string // named templates live here
	RunsDir       string // per-run working copies
	SnapshotsDir  string // per-run snapshots
	Ignores       []string
}

// NewManager creates a Manager with the standard layout under dataDir.
func NewManager(dataDir string) *Manager {
	return &Manager{
		WorkspacesDir: filepath.Join(dataDir, "workspaces"),
		RunsDir:       filepath.Join(dataDir, "run_workspaces"),
		SnapshotsDir:  filepath.Join(dataDir, "snapshots"),
		Ignores:       DefaultIgnores,
	}
}

// Path returns where a run's working copy lives (whether or not it exists).
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.RunsDir, runID)
}

func (m *Manager) snapshotPath(runID string) string {
	return filepath.Join(m.SnapshotsDir, runID)
}

// resolveTemplate maps a workspace reference to a directory: an existing
// path is used as-is, otherwise it names a template under WorkspacesDir.
func (m *Manager) resolveTemplate(ref string) (string, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return ref, nil
	}
	dir := filepath.Join(m.WorkspacesDir, ref)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("workspace %q not found: %w", ref, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %q is not a directory", ref)
	}
	return dir, nil
}

// Prepare materialises the run's working copy from the referenced template.
// Idempotent: an existing copy is returned untouched.
func (m *Manager) Prepare(runID, ref string) (string, error) {
	dst := m.Path(runID)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	src, err := m.resolveTemplate(ref)
	if err != nil {
		return "", err
	}
	if err := m.copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return "", fmt.Errorf("prepare working copy: %w", err)
	}
	return dst, nil
}

// Snapshot captures the run's working copy for later rollback. Idempotent:
// once a snapshot exists it is never overwritten, so each run has exactly
// one, taken before the first patch application.
func (m *Manager) Snapshot(runID string) error {
	snap := m.snapshotPath(runID)
	if _, err := os.Stat(snap); err == nil {
		return nil
	}
	src := m.Path(runID)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("no working copy for run %s: %w", runID, err)
	}
	if err := m.copyTree(src, snap); err != nil {
		os.RemoveAll(snap)
		return fmt.Errorf("snapshot run %s: %w", runID, err)
	}
	return nil
}

// HasSnapshot reports whether a snapshot exists for the run.
func (m *Manager) HasSnapshot(runID string) bool {
	_, err := os.Stat(m.snapshotPath(runID))
	return err == nil
}

// Restore replaces the working copy with the snapshot's content.
func (m *Manager) Restore(runID string) error {
	snap := m.snapshotPath(runID)
	if _, err := os.Stat(snap); err != nil {
		return fmt.Errorf("no snapshot for run %s: %w", runID, err)
	}
	dst := m.Path(runID)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear working copy: %w", err)
	}
	if err := m.copyTree(snap, dst); err != nil {
		return fmt.Errorf("restore run %s: %w", runID, err)
	}
	return nil
}

// Dispose removes the working copy. The snapshot is kept for audit.
func (m *Manager) Dispose(runID string) error {
	return os.RemoveAll(m.Path(runID))
}

// Purge removes both working copy and snapshot.
func (m *Manager) Purge(runID string) error {
	if err := os.RemoveAll(m.Path(runID)); err != nil {
		return err
	}
	return os.RemoveAll(m.snapshotPath(runID))
}

func (m *Manager) ignored(name string) bool {
	for _, pat := range m.Ignores {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Manager) copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != src && m.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// TreeHash returns a deterministic blake3 hash over a directory: sorted
// relative paths and file contents. Two byte-identical trees hash equal.
func TreeHash(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)

	h := blake3.New()
	for _, rel := range files {
		h.Write([]byte(rel))
		h.Write([]byte{0})
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
