package docsync

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const notifierBuffer = 256

// Notifier backends accepted by NewNotifier.
const (
	BackendFSNotify = "fsnotify"
	BackendNotify   = "notify"
)

// NewNotifier builds a notifier for the named backend. An empty name selects
// fsnotify.
func NewNotifier(backend string, skip SkipList, logger *zap.Logger) (Notifier, error) {
	switch backend {
	case "", BackendFSNotify:
		return NewFSNotifier(skip, logger), nil
	case BackendNotify:
		return NewRecursiveNotifier(skip, logger), nil
	}
	return nil, ErrInvalidInput
}

// FSNotifier watches a tree with fsnotify, registering every directory and
// each directory created later.
type FSNotifier struct {
	skip   SkipList
	logger *zap.Logger

	watcher *fsnotify.Watcher
	out     chan ChangeEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewFSNotifier(skip SkipList, logger *zap.Logger) *FSNotifier {
	if skip == nil {
		skip = defaultSkipList
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSNotifier{skip: skip, logger: logger}
}

func (n *FSNotifier) Watch(root string) (<-chan ChangeEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	n.watcher = watcher
	n.out = make(chan ChangeEvent, notifierBuffer)
	n.done = make(chan struct{})
	if err := n.addTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	n.wg.Add(1)
	go n.loop()
	return n.out, nil
}

func (n *FSNotifier) Stop() error {
	if n.watcher == nil {
		return nil
	}
	var err error
	n.once.Do(func() {
		close(n.done)
		err = n.watcher.Close()
		n.wg.Wait()
	})
	return err
}

func (n *FSNotifier) loop() {
	defer n.wg.Done()
	defer close(n.out)
	for {
		select {
		case <-n.done:
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if !n.dispatch(ev) {
				return
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (n *FSNotifier) dispatch(ev fsnotify.Event) bool {
	switch {
	case ev.Has(fsnotify.Create):
		if !n.emit(ChangeEvent{Path: ev.Name, Kind: ChangeCreate}) {
			return false
		}
		info, err := os.Lstat(ev.Name)
		if err != nil || !info.IsDir() || n.skip.ShouldSkip(info.Name(), true) {
			return true
		}
		if err := n.addTree(ev.Name); err != nil {
			n.logger.Warn("failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
		}
		return emitContents(ev.Name, n.skip, n.emit)
	case ev.Has(fsnotify.Write):
		return n.emit(ChangeEvent{Path: ev.Name, Kind: ChangeModify})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		n.unwatchTree(ev.Name)
		return n.emit(ChangeEvent{Path: ev.Name, Kind: ChangeDelete})
	}
	return true
}

// unwatchTree drops the watches registered at or below path. A renamed
// directory keeps its inotify descriptor, so the stale watch has to go before
// the new name is added or the old name's self-move event tears it down.
func (n *FSNotifier) unwatchTree(path string) {
	prefix := path + string(filepath.Separator)
	for _, watched := range n.watcher.WatchList() {
		if watched != path && !strings.HasPrefix(watched, prefix) {
			continue
		}
		if err := n.watcher.Remove(watched); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			n.logger.Debug("failed to drop stale watch", zap.String("path", watched), zap.Error(err))
		}
	}
}

func (n *FSNotifier) emit(ev ChangeEvent) bool {
	select {
	case n.out <- ev:
		return true
	case <-n.done:
		return false
	}
}

func (n *FSNotifier) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && n.skip.ShouldSkip(d.Name(), true) {
			return filepath.SkipDir
		}
		return n.watcher.Add(path)
	})
}

// emitContents reports everything below dir as created, for directories that
// arrive with contents already in place.
func emitContents(dir string, skip SkipList, emit func(ChangeEvent) bool) bool {
	ok := true
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || path == dir {
			return nil
		}
		if d.IsDir() && skip.ShouldSkip(d.Name(), true) {
			return filepath.SkipDir
		}
		if !emit(ChangeEvent{Path: path, Kind: ChangeCreate}) {
			ok = false
			return filepath.SkipAll
		}
		return nil
	})
	return ok
}
