// Package registry remembers the origin trees the user opened recently.
package registry

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/metrics"
)

const DefaultMaxRecent = 10

// Grants is the part of the permission authority the registry needs.
type Grants interface {
	IsGranted(treeID string) bool
	Release(treeID string) error
}

// MirrorResolver maps a tree id onto its mirror directory.
type MirrorResolver interface {
	Resolve(treeID string) string
}

type Options struct {
	MaxRecent int
	Logger    *zap.Logger
	Now       func() time.Time
}

type Registry struct {
	mu        sync.Mutex
	store     Store
	grants    Grants
	resolver  MirrorResolver
	maxRecent int
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, grants Grants, resolver MirrorResolver, opts Options) *Registry {
	if opts.MaxRecent <= 0 {
		opts.MaxRecent = DefaultMaxRecent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:     store,
		grants:    grants,
		resolver:  resolver,
		maxRecent: opts.MaxRecent,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// List returns the recent folders, most recent first. Records whose grant is
// no longer valid are removed along with their mirror directory.
func (r *Registry) List(ctx context.Context) ([]FolderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	kept := records[:0]
	var pruned []FolderRecord
	for _, rec := range records {
		if r.grants.IsGranted(rec.TreeID) {
			kept = append(kept, rec)
			continue
		}
		pruned = append(pruned, rec)
	}
	kept = r.normalize(kept)
	if len(pruned) > 0 {
		for _, rec := range pruned {
			r.removeMirror(rec.TreeID)
			r.logger.Info("pruned folder with revoked grant", zap.String("tree_id", rec.TreeID))
		}
		metrics.RecordRegistryPruned(len(pruned))
		if err := r.store.Save(ctx, kept); err != nil {
			return nil, err
		}
	}
	return cloneRecords(kept), nil
}

// RecordOpened moves treeID to the front of the list.
func (r *Registry) RecordOpened(ctx context.Context, treeID, displayName string) (FolderRecord, error) {
	treeID = strings.TrimSpace(treeID)
	if treeID == "" {
		return FolderRecord{}, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load(ctx)
	if err != nil {
		return FolderRecord{}, err
	}
	rec := FolderRecord{
		TreeID:       treeID,
		DisplayName:  displayName,
		LastOpenedAt: r.now(),
		MirrorPath:   r.resolver.Resolve(treeID),
	}
	next := make([]FolderRecord, 0, len(records)+1)
	next = append(next, rec)
	for _, existing := range records {
		if existing.TreeID != treeID {
			next = append(next, existing)
		}
	}
	next = r.normalize(next)
	if err := r.store.Save(ctx, next); err != nil {
		return FolderRecord{}, err
	}
	return rec, nil
}

// Forget releases the grant, drops the record and deletes the mirror.
func (r *Registry) Forget(ctx context.Context, treeID string) error {
	treeID = strings.TrimSpace(treeID)
	if treeID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grants.IsGranted(treeID) {
		if err := r.grants.Release(treeID); err != nil {
			r.logger.Warn("failed to release grant", zap.String("tree_id", treeID), zap.Error(err))
		}
	}
	records, err := r.load(ctx)
	if err != nil {
		return err
	}
	next := records[:0]
	for _, rec := range records {
		if rec.TreeID != treeID {
			next = append(next, rec)
		}
	}
	if err := r.store.Save(ctx, next); err != nil {
		return err
	}
	r.removeMirror(treeID)
	return nil
}

func (r *Registry) load(ctx context.Context) ([]FolderRecord, error) {
	records, err := r.store.Load(ctx)
	if errors.Is(err, ErrCorruptDocument) {
		r.logger.Warn("registry document unreadable, starting empty", zap.Error(err))
		return nil, nil
	}
	return records, err
}

// normalize sorts by LastOpenedAt descending and truncates to maxRecent.
func (r *Registry) normalize(records []FolderRecord) []FolderRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastOpenedAt.After(records[j].LastOpenedAt)
	})
	if len(records) > r.maxRecent {
		records = records[:r.maxRecent]
	}
	return records
}

func (r *Registry) removeMirror(treeID string) {
	path := r.resolver.Resolve(treeID)
	if err := os.RemoveAll(path); err != nil {
		r.logger.Warn("failed to delete mirror", zap.String("tree_id", treeID), zap.String("path", path), zap.Error(err))
	}
}
