// Package workspace stores project files on disk under a single root, one
// directory per project, and fingerprints their content so the change
// reconciler can detect stale writes.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/teamrun/internal/domain"
)

// AbsentFingerprint is the fingerprint of a file that does not exist.
const AbsentFingerprint = "absent"

// tempPrefix marks in-progress atomic writes. The watcher ignores it.
const tempPrefix = ".teamrun-"

// Fingerprint returns the hex sha256 of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// File describes one file in a project.
type File struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	ModTime     time.Time `json:"modTime"`
}

// Workspace reads and writes project files. Writes are atomic (temp file
// plus rename) and the workspace remembers the fingerprint it last wrote
// so the watcher can tell its own writes from external edits.
type Workspace struct {
	root string

	mu    sync.Mutex
	known map[string]string // absolute path -> last fingerprint seen or written
}

// New creates a Workspace rooted at root, creating the directory if needed.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Workspace{root: abs, known: make(map[string]string)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// ProjectDir returns the directory for projectID.
func (w *Workspace) ProjectDir(projectID string) (string, error) {
	if projectID == "" || projectID == "." || projectID == ".." ||
		strings.ContainsAny(projectID, `/\`) || strings.HasPrefix(projectID, tempPrefix) {
		return "", fmt.Errorf("workspace: project %q: %w", projectID, domain.ErrInvalidPath)
	}
	return filepath.Join(w.root, projectID), nil
}

// CleanPath normalizes a project-relative path to slash form. It rejects
// empty paths, absolute paths and paths that escape the project.
func CleanPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("workspace: empty path: %w", domain.ErrInvalidPath)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("workspace: absolute path %q: %w", rel, domain.ErrInvalidPath)
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("workspace: path %q escapes the project: %w", rel, domain.ErrInvalidPath)
	}
	return clean, nil
}

// Resolve returns the absolute path and cleaned relative path of rel inside
// projectID.
func (w *Workspace) Resolve(projectID, rel string) (abs, clean string, err error) {
	dir, err := w.ProjectDir(projectID)
	if err != nil {
		return "", "", err
	}
	clean, err = CleanPath(rel)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), clean, nil
}

// Read returns the file content and its fingerprint. A missing file yields
// a *domain.NotFoundError.
func (w *Workspace) Read(projectID, rel string) ([]byte, string, error) {
	abs, clean, err := w.Resolve(projectID, rel)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", &domain.NotFoundError{Kind: "file", ID: projectID + "/" + clean}
	}
	if err != nil {
		return nil, "", fmt.Errorf("workspace: read %s: %w", clean, err)
	}
	return data, Fingerprint(data), nil
}

// Fingerprint returns the fingerprint of the live file, or
// AbsentFingerprint when it does not exist.
func (w *Workspace) Fingerprint(projectID, rel string) (string, error) {
	abs, clean, err := w.Resolve(projectID, rel)
	if err != nil {
		return "", err
	}
	fp, err := fingerprintFile(abs)
	if err != nil {
		return "", fmt.Errorf("workspace: fingerprint %s: %w", clean, err)
	}
	return fp, nil
}

func fingerprintFile(abs string) (string, error) {
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return AbsentFingerprint, nil
	}
	if err != nil {
		return "", err
	}
	return Fingerprint(data), nil
}

// Write atomically replaces the file with content, creating parent
// directories. It returns the new fingerprint and whether the file was
// created.
func (w *Workspace) Write(projectID, rel string, content []byte) (fingerprint string, created bool, err error) {
	abs, clean, err := w.Resolve(projectID, rel)
	if err != nil {
		return "", false, err
	}
	if _, statErr := os.Stat(abs); errors.Is(statErr, fs.ErrNotExist) {
		created = true
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("workspace: create directory for %s: %w", clean, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", false, fmt.Errorf("workspace: write %s: %w", clean, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("workspace: write %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("workspace: write %s: %w", clean, err)
	}

	fingerprint = Fingerprint(content)
	w.remember(abs, fingerprint)
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		w.forget(abs)
		return "", false, fmt.Errorf("workspace: replace %s: %w", clean, err)
	}
	return fingerprint, created, nil
}

// Delete removes the file. It reports whether the file existed.
func (w *Workspace) Delete(projectID, rel string) (bool, error) {
	abs, clean, err := w.Resolve(projectID, rel)
	if err != nil {
		return false, err
	}
	w.remember(abs, AbsentFingerprint)
	err = os.Remove(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("workspace: delete %s: %w", clean, err)
	}
	return true, nil
}

// List returns every file in the project sorted by path. A project that
// has no directory yet has no files.
func (w *Workspace) List(projectID string) ([]File, error) {
	dir, err := w.ProjectDir(projectID)
	if err != nil {
		return nil, err
	}
	var files []File
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != dir && ignoredName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignoredName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fp, err := fingerprintFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		files = append(files, File{
			Path:        filepath.ToSlash(rel),
			Size:        info.Size(),
			Fingerprint: fp,
			ModTime:     info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: list %s: %w", projectID, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Snapshot is the set of a project's file fingerprints at one moment.
type Snapshot map[string]string

// Base returns the fingerprint path had when the snapshot was taken:
// AbsentFingerprint when it did not exist, or "" when path is invalid or
// lies in a directory the workspace does not track.
func (s Snapshot) Base(path string) string {
	clean, err := CleanPath(path)
	if err != nil || ignoredPath(clean) {
		return ""
	}
	if fp, ok := s[clean]; ok {
		return fp
	}
	return AbsentFingerprint
}

// Snapshot records the fingerprint of every tracked file in projectID. A
// project with no directory yet yields an empty snapshot.
func (w *Workspace) Snapshot(projectID string) (Snapshot, error) {
	files, err := w.List(projectID)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(files))
	for _, f := range files {
		snap[f.Path] = f.Fingerprint
	}
	return snap, nil
}

// split maps an absolute path under the root to its project and relative
// path. ok is false for paths outside any project.
func (w *Workspace) split(abs string) (projectID, rel string, ok bool) {
	r, err := filepath.Rel(w.root, abs)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", "", false
	}
	parts := strings.SplitN(filepath.ToSlash(r), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (w *Workspace) remember(abs, fingerprint string) {
	w.mu.Lock()
	w.known[abs] = fingerprint
	w.mu.Unlock()
}

func (w *Workspace) forget(abs string) {
	w.mu.Lock()
	delete(w.known, abs)
	w.mu.Unlock()
}

// observe records fingerprint for abs and returns the previous value. seen
// is false when the workspace had no record of abs.
func (w *Workspace) observe(abs, fingerprint string) (previous string, seen bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	previous, seen = w.known[abs]
	w.known[abs] = fingerprint
	return previous, seen
}
