package docsync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/metrics"
)

type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// ChangeEvent is a single filesystem change below a watched root. Path is
// absolute.
type ChangeEvent struct {
	Path string
	Kind ChangeKind
}

// Notifier delivers recursive change events for a directory tree. The channel
// is closed after Stop.
type Notifier interface {
	Watch(root string) (<-chan ChangeEvent, error)
	Stop() error
}

// ChangeWatcher turns notifier events under a mirror into write-back jobs.
type ChangeWatcher struct {
	root     string
	treeID   string
	notifier Notifier
	queue    *JobQueue
	skip     SkipList
	logger   *zap.Logger
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func NewChangeWatcher(root, treeID string, notifier Notifier, queue *JobQueue, skip SkipList, logger *zap.Logger) *ChangeWatcher {
	if skip == nil {
		skip = defaultSkipList
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeWatcher{
		root:     filepath.Clean(root),
		treeID:   treeID,
		notifier: notifier,
		queue:    queue,
		skip:     skip,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (w *ChangeWatcher) Start() error {
	events, err := w.notifier.Watch(w.root)
	if err != nil {
		return err
	}
	go func() {
		defer close(w.done)
		for ev := range events {
			w.handle(ev)
		}
	}()
	return nil
}

// Stop stops the notifier and waits until no further jobs can be enqueued.
func (w *ChangeWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.notifier.Stop()
		<-w.done
	})
	return err
}

func (w *ChangeWatcher) handle(ev ChangeEvent) {
	rel, ok := w.relative(ev.Path)
	if !ok || w.ignored(rel) {
		return
	}
	if ev.Kind != ChangeDelete {
		if info, err := os.Lstat(ev.Path); err == nil && info.IsDir() && w.skip.ShouldSkip(baseRel(rel), true) {
			return
		}
	}
	job := SyncJob{
		Type:         jobTypeFor(ev.Kind),
		LocalPath:    ev.Path,
		RelativePath: rel,
		TreeID:       w.treeID,
		Timestamp:    w.now(),
	}
	if err := w.queue.TryEnqueue(job); err != nil {
		metrics.RecordWatcherRejected()
		if errors.Is(err, ErrQueueFull) {
			w.logger.Warn("write-back queue full, change dropped",
				zap.String("path", rel),
				zap.Stringer("kind", ev.Kind))
			return
		}
		w.logger.Debug("change after session stop ignored", zap.String("path", rel))
	}
}

func (w *ChangeWatcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *ChangeWatcher) ignored(rel string) bool {
	return w.skip.ContainsSkipped(rel) || isIgnoredName(baseRel(rel))
}

func jobTypeFor(kind ChangeKind) JobType {
	switch kind {
	case ChangeCreate:
		return JobCreate
	case ChangeDelete:
		return JobDelete
	}
	return JobModify
}

var ignoredNames = map[string]struct{}{
	".DS_Store":   {},
	".nomedia":    {},
	".directory":  {},
	".localized":  {},
	"Thumbs.db":   {},
	"desktop.ini": {},
}

// isIgnoredName matches editor temp files, backup files and platform markers.
func isIgnoredName(name string) bool {
	if name == "" {
		return true
	}
	if _, ok := ignoredNames[name]; ok {
		return true
	}
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".tmp") {
		return true
	}
	for _, prefix := range []string{"._", ".#", ".~lock.", ".treemirror"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	if strings.HasPrefix(name, ".") {
		for _, suffix := range []string{".swp", ".swo", ".swx"} {
			if strings.HasSuffix(name, suffix) {
				return true
			}
		}
	}
	return false
}
