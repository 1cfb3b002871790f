package docsync

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rjeczalik/notify"
	"go.uber.org/zap"
)

// RecursiveNotifier uses the platform's recursive watch support through
// rjeczalik/notify.
type RecursiveNotifier struct {
	skip   SkipList
	logger *zap.Logger

	events chan notify.EventInfo
	out    chan ChangeEvent
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRecursiveNotifier(skip SkipList, logger *zap.Logger) *RecursiveNotifier {
	if skip == nil {
		skip = defaultSkipList
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecursiveNotifier{skip: skip, logger: logger}
}

func (n *RecursiveNotifier) Watch(root string) (<-chan ChangeEvent, error) {
	n.events = make(chan notify.EventInfo, notifierBuffer)
	if err := notify.Watch(filepath.Join(root, "..."), n.events, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return nil, err
	}
	n.out = make(chan ChangeEvent, notifierBuffer)
	n.done = make(chan struct{})
	n.wg.Add(1)
	go n.loop()
	return n.out, nil
}

func (n *RecursiveNotifier) Stop() error {
	if n.events == nil {
		return nil
	}
	n.once.Do(func() {
		notify.Stop(n.events)
		close(n.done)
		n.wg.Wait()
	})
	return nil
}

func (n *RecursiveNotifier) loop() {
	defer n.wg.Done()
	defer close(n.out)
	for {
		select {
		case <-n.done:
			return
		case ei := <-n.events:
			if !n.dispatch(ei) {
				return
			}
		}
	}
}

func (n *RecursiveNotifier) dispatch(ei notify.EventInfo) bool {
	path := ei.Path()
	switch ei.Event() {
	case notify.Create:
		return n.created(path)
	case notify.Write:
		return n.emit(ChangeEvent{Path: path, Kind: ChangeModify})
	case notify.Remove:
		return n.emit(ChangeEvent{Path: path, Kind: ChangeDelete})
	case notify.Rename:
		// Renames arrive for both ends; the path's presence tells them apart.
		if _, err := os.Lstat(path); err == nil {
			return n.created(path)
		}
		return n.emit(ChangeEvent{Path: path, Kind: ChangeDelete})
	}
	return true
}

func (n *RecursiveNotifier) created(path string) bool {
	if !n.emit(ChangeEvent{Path: path, Kind: ChangeCreate}) {
		return false
	}
	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		return emitContents(path, n.skip, n.emit)
	}
	return true
}

func (n *RecursiveNotifier) emit(ev ChangeEvent) bool {
	select {
	case n.out <- ev:
		return true
	case <-n.done:
		return false
	}
}
