package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

// DefaultDebounce collapses the burst of events editors emit for one save.
const DefaultDebounce = 50 * time.Millisecond

var ignoredNames = []string{".git", "node_modules", ".DS_Store"}

func ignoredName(name string) bool {
	if strings.HasPrefix(name, tempPrefix) {
		return true
	}
	for _, n := range ignoredNames {
		if name == n {
			return true
		}
	}
	return false
}

func ignoredPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if ignoredName(part) {
			return true
		}
	}
	return false
}

// Watcher publishes file events for edits made to project directories by
// anything other than the Workspace itself.
type Watcher struct {
	ws       *Workspace
	fsw      *fsnotify.Watcher
	pub      event.Publisher
	logger   *logging.Logger
	debounce time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher over every project directory under ws.
// Directories created later are added as they appear.
func NewWatcher(ws *Workspace, pub event.Publisher, logger *logging.Logger, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		ws:       ws,
		fsw:      fsw,
		pub:      pub,
		logger:   logger.With("component", "workspace_watcher"),
		debounce: debounce,
		done:     make(chan struct{}),
	}
	if err := w.addRecursive(ws.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.prime()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredName(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err.Error())
		}
		return nil
	})
}

// prime records the fingerprints of existing files so the first external
// edit of each is reported as an update, not a create.
func (w *Watcher) prime() {
	_ = filepath.WalkDir(w.ws.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.ws.root && ignoredName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, rel, ok := w.ws.split(path); !ok || ignoredPath(rel) {
			return nil
		}
		if fp, err := fingerprintFile(path); err == nil {
			w.ws.observe(path, fp)
		}
		return nil
	})
}

// Run processes filesystem events until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ignoredName(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(ev.Name)
					w.scanNewDir(ev.Name, pending)
				}
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			for path := range pending {
				w.handle(path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err.Error())
		}
	}
}

// scanNewDir queues files that landed in a directory before it was watched.
func (w *Watcher) scanNewDir(dir string, pending map[string]struct{}) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			pending[path] = struct{}{}
		}
		return nil
	})
}

func (w *Watcher) handle(abs string) {
	projectID, rel, ok := w.ws.split(abs)
	if !ok || ignoredPath(rel) {
		return
	}
	info, err := os.Stat(abs)
	if err == nil && info.IsDir() {
		return
	}
	fp, err := fingerprintFile(abs)
	if err != nil {
		w.logger.Debug("fingerprint failed", "path", abs, "error", err.Error())
		return
	}

	prev, seen := w.ws.observe(abs, fp)
	if seen && prev == fp {
		return
	}

	var typ event.Type
	switch {
	case fp == AbsentFingerprint:
		if !seen {
			return
		}
		typ = event.FileDeleted
	case !seen || prev == AbsentFingerprint:
		typ = event.FileCreated
	default:
		typ = event.FileUpdated
	}

	w.logger.Debug("external edit", "project_id", projectID, "path", rel, "type", string(typ))
	w.pub.Publish(event.NewFileEvent(typ, projectID, "", event.FilePayload{
		Path:        rel,
		Fingerprint: fp,
		External:    true,
	}))
}

// Stop ends Run and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}
