// Package folders exposes the folder lifecycle: open, close, refresh, list
// and forget.
package folders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/diskusage"
	"github.com/agentworkforce/treemirror/internal/docsync"
	"github.com/agentworkforce/treemirror/internal/events"
	"github.com/agentworkforce/treemirror/internal/registry"
)

var (
	ErrNoActiveFolder = errors.New("no active folder")
	ErrFolderActive   = errors.New("a folder is open")
)

// NotifierFactory builds a fresh notifier for each session.
type NotifierFactory func() (docsync.Notifier, error)

type Options struct {
	Provider         docsync.DocumentProvider
	Authority        docsync.PermissionAuthority
	Registry         *registry.Registry
	Resolver         *docsync.Resolver
	Notifiers        NotifierFactory
	Skip             docsync.SkipList
	MaxFileSizeBytes int64
	QueueCapacity    int
	DrainTimeout     time.Duration
	Events           *events.Hub
	Logger           *zap.Logger
}

// ActiveFolder describes the folder currently mirrored and watched.
type ActiveFolder struct {
	TreeID      string             `json:"treeId"`
	DisplayName string             `json:"displayName"`
	MirrorPath  string             `json:"mirrorPath"`
	OpenedAt    time.Time          `json:"openedAt"`
	Report      docsync.SyncReport `json:"report"`
	Pending     int                `json:"pendingWritebacks"`
}

type activeSession struct {
	info    ActiveFolder
	session *docsync.Session
}

type Manager struct {
	opts   Options
	syncer *docsync.Syncer
	logger *zap.Logger

	mu         sync.Mutex
	active     *activeSession
	generation uint64
	cancelSync context.CancelCauseFunc
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil || opts.Authority == nil || opts.Registry == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("%w: manager requires provider, authority, registry and resolver", docsync.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifiers == nil {
		skip, logger := opts.Skip, opts.Logger
		opts.Notifiers = func() (docsync.Notifier, error) {
			return docsync.NewFSNotifier(skip, logger), nil
		}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = docsync.DefaultDrainTimeout
	}
	return &Manager{
		opts: opts,
		syncer: docsync.NewSyncer(opts.Provider, docsync.SyncerOptions{
			MaxFileSizeBytes: opts.MaxFileSizeBytes,
			Skip:             opts.Skip,
			Logger:           opts.Logger,
		}),
		logger: opts.Logger,
	}, nil
}

// OpenFolder grants access to treeID, mirrors it and starts watching the
// mirror. It blocks until the initial sync finishes and returns the mirror
// directory. A newer OpenFolder supersedes one still syncing.
func (m *Manager) OpenFolder(ctx context.Context, treeID string, onProgress docsync.ProgressFunc) (string, error) {
	treeID = strings.TrimSpace(treeID)
	if treeID == "" {
		return "", fmt.Errorf("%w: tree id is required", docsync.ErrInvalidInput)
	}
	logger := m.logger.With(zap.String("tree_id", treeID))
	if err := m.opts.Authority.Grant(treeID); err != nil {
		if docsync.IsPermissionRevoked(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", docsync.ErrPermissionRevoked, err)
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	if m.cancelSync != nil {
		m.cancelSync(docsync.ErrSyncSuperseded)
	}
	syncCtx, cancel := context.WithCancelCause(ctx)
	m.cancelSync = cancel
	previous := m.active
	m.active = nil
	m.mu.Unlock()
	defer cancel(nil)

	if previous != nil {
		m.stopSession(previous)
	}

	mirror := m.opts.Resolver.Resolve(treeID)
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		m.clearSync(gen)
		return "", fmt.Errorf("%w: %v", docsync.ErrMirrorUnavailable, err)
	}
	displayName := m.displayName(ctx, treeID)

	progress := func(done, total int) {
		m.opts.Events.Publish(events.TopicSyncProgress, ProgressEvent{TreeID: treeID, Done: done, Total: total})
		if onProgress != nil {
			onProgress(done, total)
		}
	}
	result, err := m.syncer.Run(syncCtx, treeID, mirror, progress)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		logger.Info("initial sync superseded by a newer open")
		return "", docsync.ErrSyncSuperseded
	}
	m.cancelSync = nil
	if err != nil {
		m.mu.Unlock()
		logger.Warn("initial sync failed", zap.Error(err))
		return "", err
	}
	notifier, err := m.opts.Notifiers()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	session, err := docsync.StartSession(docsync.SessionOptions{
		TreeID:        treeID,
		MirrorDir:     mirror,
		Provider:      m.opts.Provider,
		Notifier:      notifier,
		Cache:         result.Cache,
		Fingerprints:  result.Fingerprints,
		Skip:          m.opts.Skip,
		QueueCapacity: m.opts.QueueCapacity,
		Logger:        m.logger,
		OnJob:         m.publishJob,
	})
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	info := ActiveFolder{
		TreeID:      treeID,
		DisplayName: displayName,
		MirrorPath:  mirror,
		OpenedAt:    time.Now(),
		Report:      result.Report,
	}
	m.active = &activeSession{info: info, session: session}
	m.mu.Unlock()

	if _, err := m.opts.Registry.RecordOpened(ctx, treeID, displayName); err != nil {
		logger.Warn("failed to record opened folder", zap.Error(err))
	}
	m.opts.Events.Publish(events.TopicSyncCompleted, SyncCompletedEvent{TreeID: treeID, Report: result.Report})
	m.opts.Events.Publish(events.TopicFolderOpened, FolderEvent{TreeID: treeID, DisplayName: displayName, MirrorPath: mirror})
	return mirror, nil
}

// CloseActiveFolder stops watching the active folder after draining pending
// write-backs. It also cancels a sync still in progress.
func (m *Manager) CloseActiveFolder() error {
	m.mu.Lock()
	if m.cancelSync != nil {
		m.generation++
		m.cancelSync(context.Canceled)
		m.cancelSync = nil
	}
	active := m.active
	m.active = nil
	m.mu.Unlock()
	if active != nil {
		m.stopSession(active)
	}
	return nil
}

// RefreshActiveFolder re-runs the initial sync for the active folder.
func (m *Manager) RefreshActiveFolder(ctx context.Context, onProgress docsync.ProgressFunc) (string, error) {
	active, ok := m.ActiveFolder()
	if !ok {
		return "", ErrNoActiveFolder
	}
	return m.OpenFolder(ctx, active.TreeID, onProgress)
}

func (m *Manager) ListRecentFolders(ctx context.Context) ([]registry.FolderRecord, error) {
	return m.opts.Registry.List(ctx)
}

// ForgetFolder closes treeID if it is active, then drops its grant, record
// and mirror.
func (m *Manager) ForgetFolder(ctx context.Context, treeID string) error {
	treeID = strings.TrimSpace(treeID)
	if treeID == "" {
		return fmt.Errorf("%w: tree id is required", docsync.ErrInvalidInput)
	}
	if active, ok := m.ActiveFolder(); ok && active.TreeID == treeID {
		if err := m.CloseActiveFolder(); err != nil {
			return err
		}
	}
	return m.opts.Registry.Forget(ctx, treeID)
}

func (m *Manager) ActiveFolder() (ActiveFolder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ActiveFolder{}, false
	}
	info := m.active.info
	info.Pending = m.active.session.Pending()
	return info, true
}

func (m *Manager) StorageUsage() (diskusage.Report, error) {
	return diskusage.Measure(m.opts.Resolver.Root())
}

// ClearMirrors deletes every mirror directory. It refuses while a folder is
// open.
func (m *Manager) ClearMirrors() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil || m.cancelSync != nil {
		return 0, ErrFolderActive
	}
	root := m.opts.Resolver.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	m.logger.Info("cleared mirrors", zap.Int("count", removed))
	return removed, nil
}

func (m *Manager) stopSession(active *activeSession) {
	if err := active.session.Stop(m.opts.DrainTimeout); err != nil {
		m.logger.Warn("failed to stop session", zap.String("tree_id", active.info.TreeID), zap.Error(err))
	}
	m.opts.Events.Publish(events.TopicFolderClosed, FolderEvent{
		TreeID:      active.info.TreeID,
		DisplayName: active.info.DisplayName,
		MirrorPath:  active.info.MirrorPath,
	})
}

func (m *Manager) clearSync(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.generation {
		m.cancelSync = nil
	}
}

func (m *Manager) displayName(ctx context.Context, treeID string) string {
	name, err := m.opts.Provider.DisplayName(ctx, treeID)
	if err == nil && strings.TrimSpace(name) != "" {
		return name
	}
	return lastSegment(treeID)
}

// lastSegment returns the final path segment of a tree id, decoding a
// document-tree style "volume:path" suffix.
func lastSegment(treeID string) string {
	trimmed := strings.TrimRight(treeID, "/")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 && idx < len(trimmed)-1 {
		return trimmed[idx+1:]
	}
	if trimmed == "" {
		return treeID
	}
	return trimmed
}

func (m *Manager) publishJob(report docsync.JobReport) {
	ev := WritebackEvent{
		TreeID:  report.Job.TreeID,
		Path:    report.Job.RelativePath,
		Type:    string(report.Job.Type),
		Outcome: report.Outcome,
		Bytes:   report.Bytes,
	}
	if report.Err != nil {
		ev.Error = report.Err.Error()
		m.opts.Events.Publish(events.TopicWritebackFailed, ev)
		return
	}
	m.opts.Events.Publish(events.TopicWritebackApplied, ev)
}
