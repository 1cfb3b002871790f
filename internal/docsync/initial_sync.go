package docsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/metrics"
)

// DefaultMaxFileSizeBytes is the size ceiling above which files are not
// mirrored.
const DefaultMaxFileSizeBytes int64 = 50 * 1024 * 1024

// ProgressFunc receives (filesDone, totalFiles) after every file decision.
type ProgressFunc func(done, total int)

type SyncReport struct {
	Directories  int           `json:"directories"`
	FilesCopied  int           `json:"filesCopied"`
	SkippedLarge int           `json:"skippedLarge"`
	Failed       int           `json:"failed"`
	BytesCopied  int64         `json:"bytesCopied"`
	Duration     time.Duration `json:"durationNanos"`
}

type SyncResult struct {
	Nodes        []DocumentNode
	Cache        *PathNodeCache
	Fingerprints *Fingerprints
	Report       SyncReport
}

type SyncerOptions struct {
	MaxFileSizeBytes int64
	Skip             SkipList
	Logger           *zap.Logger
}

// Syncer copies an origin tree into its mirror directory.
type Syncer struct {
	provider    DocumentProvider
	walker      *Walker
	maxFileSize int64
	logger      *zap.Logger
}

func NewSyncer(provider DocumentProvider, opts SyncerOptions) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSize := opts.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSizeBytes
	}
	return &Syncer{
		provider:    provider,
		walker:      NewWalker(provider, opts.Skip, logger),
		maxFileSize: maxSize,
		logger:      logger,
	}
}

// Run walks treeID and materializes it under mirrorDir. Existing local files
// that are absent from the origin are left alone.
func (s *Syncer) Run(ctx context.Context, treeID, mirrorDir string, onProgress ProgressFunc) (*SyncResult, error) {
	started := time.Now()
	result, err := s.run(ctx, treeID, mirrorDir, onProgress)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordInitialSync(outcome, time.Since(started))
	return result, err
}

func (s *Syncer) run(ctx context.Context, treeID, mirrorDir string, onProgress ProgressFunc) (*SyncResult, error) {
	started := time.Now()
	nodes, cache, err := s.walker.Walk(ctx, treeID)
	if err != nil {
		return nil, canceledErr(ctx, err)
	}
	if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMirrorUnavailable, err)
	}

	total := 0
	for _, node := range nodes {
		if !node.IsDirectory() {
			total++
		}
	}

	result := &SyncResult{
		Nodes:        nodes,
		Cache:        cache,
		Fingerprints: NewFingerprints(),
	}
	report := &result.Report
	done := 0
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, canceledErr(ctx, err)
		}
		if !filepath.IsLocal(filepath.FromSlash(node.RelativePath)) {
			s.logger.Warn("skipping node outside mirror", zap.String("path", node.RelativePath))
			continue
		}
		localPath := filepath.Join(mirrorDir, filepath.FromSlash(node.RelativePath))
		if node.IsDirectory() {
			if err := os.MkdirAll(localPath, 0o755); err != nil {
				s.logger.Warn("failed to create mirror directory",
					zap.String("path", node.RelativePath),
					zap.Error(err))
				continue
			}
			report.Directories++
			continue
		}

		switch {
		case node.SizeBytes > s.maxFileSize:
			report.SkippedLarge++
			metrics.RecordInitialSyncFile("skipped_large", 0)
			s.logger.Debug("skipping file above size ceiling",
				zap.String("path", node.RelativePath),
				zap.Int64("size_bytes", node.SizeBytes))
		default:
			written, sum, err := s.copyNode(ctx, treeID, node, localPath)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, canceledErr(ctx, ctxErr)
				}
				report.Failed++
				metrics.RecordInitialSyncFile("failed", 0)
				s.logger.Warn("failed to copy document",
					zap.String("path", node.RelativePath),
					zap.String("node_id", node.NodeID),
					zap.Error(err))
				break
			}
			report.FilesCopied++
			report.BytesCopied += written
			result.Fingerprints.Set(node.RelativePath, sum)
			metrics.RecordInitialSyncFile("copied", written)
		}
		done++
		if onProgress != nil {
			onProgress(done, total)
		}
	}
	report.Duration = time.Since(started)
	s.logger.Info("initial sync completed",
		zap.String("tree_id", treeID),
		zap.Int("directories", report.Directories),
		zap.Int("files_copied", report.FilesCopied),
		zap.Int("skipped_large", report.SkippedLarge),
		zap.Int("failed", report.Failed),
		zap.Int64("bytes", report.BytesCopied),
		zap.Duration("duration", report.Duration))
	return result, nil
}

func (s *Syncer) copyNode(ctx context.Context, treeID string, node DocumentNode, localPath string) (int64, uint64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, 0, err
	}
	rc, err := s.provider.OpenRead(ctx, treeID, node.NodeID)
	if err != nil {
		return 0, 0, originErr("read", node.NodeID, err)
	}
	defer rc.Close()
	return writeFileAtomic(localPath, rc, 0o644)
}

// writeFileAtomic streams src into a temp file next to path and renames it
// into place. The temp name ends in ".tmp" so the watcher ignores it.
func writeFileAtomic(path string, src io.Reader, mode os.FileMode) (int64, uint64, error) {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, 0, err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	h := xxhash.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, h), src)
	if err != nil {
		_ = tmpFile.Close()
		return 0, 0, err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return 0, 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, 0, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, 0, err
	}
	committed = true
	return written, h.Sum64(), nil
}

// canceledErr prefers the cancellation cause, so a sync canceled by a newer
// one reports ErrSyncSuperseded.
func canceledErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}
