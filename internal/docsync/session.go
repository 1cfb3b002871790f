package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultDrainTimeout = 2 * time.Second

// workerExitTimeout bounds the wait for the worker to return once a timed-out
// drain has canceled its origin call.
const workerExitTimeout = time.Second

type SessionOptions struct {
	TreeID        string
	MirrorDir     string
	Provider      DocumentProvider
	Notifier      Notifier
	Cache         *PathNodeCache
	Fingerprints  *Fingerprints
	Skip          SkipList
	QueueCapacity int
	Logger        *zap.Logger
	OnJob         JobObserver
}

// Session owns the watcher and the write-back worker of one open folder.
type Session struct {
	treeID    string
	mirrorDir string
	cache     *PathNodeCache
	queue     *JobQueue
	watcher   *ChangeWatcher
	logger    *zap.Logger

	cancel     context.CancelFunc
	abort      chan struct{}
	workerDone chan struct{}
	stopOnce   sync.Once
}

// StartSession starts the write-back worker and then the watcher.
func StartSession(opts SessionOptions) (*Session, error) {
	if opts.Provider == nil || opts.Notifier == nil || opts.TreeID == "" || opts.MirrorDir == "" {
		return nil, fmt.Errorf("%w: session requires provider, notifier, tree and mirror", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("tree_id", opts.TreeID))
	skip := opts.Skip
	if skip == nil {
		skip = defaultSkipList
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewPathNodeCache()
	}
	fingerprints := opts.Fingerprints
	if fingerprints == nil {
		fingerprints = NewFingerprints()
	}

	queue := NewJobQueue(opts.QueueCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		treeID:     opts.TreeID,
		mirrorDir:  opts.MirrorDir,
		cache:      cache,
		queue:      queue,
		logger:     logger,
		cancel:     cancel,
		abort:      make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	worker := &writeBack{
		provider:     opts.Provider,
		treeID:       opts.TreeID,
		cache:        cache,
		fingerprints: fingerprints,
		skip:         skip,
		logger:       logger,
		observe:      opts.OnJob,
	}
	go func() {
		defer close(s.workerDone)
		worker.run(ctx, queue, s.abort)
	}()

	s.watcher = NewChangeWatcher(opts.MirrorDir, opts.TreeID, opts.Notifier, queue, skip, logger)
	if err := s.watcher.Start(); err != nil {
		queue.Close()
		close(s.abort)
		cancel()
		<-s.workerDone
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	logger.Info("sync session started", zap.String("mirror", opts.MirrorDir))
	return s, nil
}

func (s *Session) TreeID() string    { return s.treeID }
func (s *Session) MirrorDir() string { return s.mirrorDir }

// Pending returns the number of queued write-back jobs.
func (s *Session) Pending() int { return s.queue.Len() }

// Stop stops the watcher, then waits up to timeout for queued jobs to drain.
// Jobs still queued at the deadline are discarded and the in-flight origin call
// is canceled; Stop then waits briefly for the worker to return.
func (s *Session) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	s.stopOnce.Do(func() {
		if stopErr := s.watcher.Stop(); stopErr != nil {
			s.logger.Warn("failed to stop change notifier", zap.Error(stopErr))
		}
		s.queue.Close()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.workerDone:
		case <-timer.C:
			discarded := s.queue.Discard()
			close(s.abort)
			s.cancel()
			s.logger.Warn("write-back drain timed out, pending changes discarded",
				zap.Int("discarded", discarded),
				zap.Duration("timeout", timeout))
			exit := time.NewTimer(workerExitTimeout)
			defer exit.Stop()
			select {
			case <-s.workerDone:
			case <-exit.C:
				s.logger.Warn("write-back worker still running after cancel, an origin call ignored cancellation",
					zap.Duration("waited", workerExitTimeout))
			}
		}
		s.cancel()
		s.cache.Clear()
		s.logger.Info("sync session stopped")
	})
	return nil
}
