// Package watch notifies a session's event sink when files change under its
// working directory, grounded on the teacher's internal/vcs.Watcher (which
// watched only .git/HEAD for branch changes via fsnotify). This package
// generalizes that same fsnotify.Watcher/event-loop shape to the directory
// tree a session actually operates on, filtering out paths matched by
// WatcherConfig.Ignore so the turn engine's own file writes don't create
// feedback noise.
package watch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

// Watcher watches a working directory tree for file changes and emits a
// WorkspaceFileChangedData event per change that isn't ignored.
type Watcher struct {
	fsw     *fsnotify.Watcher
	sink    *eventbus.Sink
	session domain.PublicID
	root    string
	ignore  []string
	log     zerolog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	started bool
}

// New creates a Watcher rooted at root, recursively adding every
// subdirectory not matched by ignore. Returns (nil, nil) if root does not
// exist, mirroring the teacher's "not a git repository, disable" shape for
// an optional collaborator rather than treating a missing directory as
// fatal.
func New(root string, ignore []string, session domain.PublicID, sink *eventbus.Sink, log zerolog.Logger) (*Watcher, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		sink:    sink,
		session: session,
		root:    root,
		ignore:  ignore,
		log:     log,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.isIgnored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) isIgnored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, pattern := range w.ignore {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, filepath.Base(path)); matched {
			return true
		}
	}
	return false
}

// Start begins the watch loop in a goroutine. Calling Start twice is a
// no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch: fsnotify error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.isIgnored(ev.Name) {
		return
	}

	// A newly created directory isn't being watched yet; add it so its
	// own future contents are observed.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Warn().Err(err).Str("path", ev.Name).Msg("watch: failed to add new directory")
			}
		}
	}

	op := fsnotifyOp(ev.Op)
	if op == "" {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		rel = ev.Name
	}

	if err := w.sink.EmitEphemeral(domain.AgentEvent{
		SessionID: w.session,
		Origin:    domain.EventOriginLocal,
		Kind:      domain.EventWorkspaceFileChanged,
		Payload: domain.WorkspaceFileChangedData{
			Path: rel,
			Op:   op,
		},
	}); err != nil {
		w.log.Warn().Err(err).Msg("watch: failed to emit workspace file change")
	}
}

func fsnotifyOp(op fsnotify.Op) domain.WorkspaceFileChangeOp {
	switch {
	case op&fsnotify.Write != 0:
		return domain.FileChangeWrite
	case op&fsnotify.Create != 0:
		return domain.FileChangeCreate
	case op&fsnotify.Remove != 0:
		return domain.FileChangeRemove
	case op&fsnotify.Rename != 0:
		return domain.FileChangeRename
	default:
		return ""
	}
}

// Stop halts the watch loop and releases the underlying fsnotify watches.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.fsw.Close()
}
