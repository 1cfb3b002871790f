package docsync

import (
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/metrics"
)

// Write-back outcomes reported per job.
const (
	OutcomeApplied    = "applied"
	OutcomeUnchanged  = "unchanged"
	OutcomeDropped    = "dropped"
	OutcomeSuperseded = "superseded"
	OutcomeRefused    = "refused"
	OutcomeFailed     = "failed"
)

type JobReport struct {
	Job     SyncJob
	Outcome string
	Bytes   int64
	Err     error
}

// JobObserver is called after every dequeued job.
type JobObserver func(JobReport)

type writeBack struct {
	provider     DocumentProvider
	treeID       string
	cache        *PathNodeCache
	fingerprints *Fingerprints
	skip         SkipList
	logger       *zap.Logger
	observe      JobObserver
}

func (w *writeBack) run(ctx context.Context, queue *JobQueue, abort <-chan struct{}) {
	for {
		job, superseded, ok := queue.Next(abort)
		if !ok {
			return
		}
		if superseded {
			w.finish(JobReport{Job: job, Outcome: OutcomeSuperseded})
			continue
		}
		w.finish(w.process(ctx, job))
	}
}

func (w *writeBack) finish(report JobReport) {
	metrics.RecordWriteback(string(report.Job.Type), report.Outcome, report.Bytes)
	fields := []zap.Field{
		zap.String("job_id", report.Job.ID),
		zap.String("type", string(report.Job.Type)),
		zap.String("path", report.Job.RelativePath),
		zap.String("outcome", report.Outcome),
	}
	if report.Err != nil {
		fields = append(fields, zap.Error(report.Err))
		if IsPermissionRevoked(report.Err) {
			w.logger.Warn("write-back abandoned, permission revoked", fields...)
		} else {
			w.logger.Warn("write-back failed", fields...)
		}
	} else {
		w.logger.Debug("write-back processed", fields...)
	}
	if w.observe != nil {
		w.observe(report)
	}
}

func (w *writeBack) process(ctx context.Context, job SyncJob) JobReport {
	var (
		outcome string
		n       int64
		err     error
	)
	switch job.Type {
	case JobModify:
		outcome, n, err = w.applyModify(ctx, job)
	case JobCreate:
		outcome, n, err = w.applyCreate(ctx, job)
	case JobDelete:
		outcome, err = w.applyDelete(ctx, job)
	default:
		outcome, err = OutcomeFailed, ErrInvalidInput
	}
	if err != nil {
		outcome = OutcomeFailed
	}
	return JobReport{Job: job, Outcome: outcome, Bytes: n, Err: err}
}

func (w *writeBack) applyModify(ctx context.Context, job SyncJob) (string, int64, error) {
	info, err := os.Stat(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeDropped, 0, nil
		}
		return "", 0, err
	}
	if info.IsDir() {
		return OutcomeUnchanged, 0, nil
	}
	nodeID, found, err := w.resolve(ctx, job.RelativePath)
	if err != nil {
		return "", 0, err
	}
	if !found {
		return w.createNode(ctx, job, false)
	}
	return w.writeContent(ctx, nodeID, job)
}

func (w *writeBack) applyCreate(ctx context.Context, job SyncJob) (string, int64, error) {
	info, err := os.Stat(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeDropped, 0, nil
		}
		return "", 0, err
	}
	nodeID, found, err := w.resolve(ctx, job.RelativePath)
	if err != nil {
		return "", 0, err
	}
	if found {
		if info.IsDir() {
			return OutcomeUnchanged, 0, nil
		}
		return w.writeContent(ctx, nodeID, job)
	}
	return w.createNode(ctx, job, info.IsDir())
}

func (w *writeBack) createNode(ctx context.Context, job SyncJob, isDir bool) (string, int64, error) {
	parentID, err := w.ensureDirectory(ctx, parentRel(job.RelativePath))
	if err != nil {
		return "", 0, err
	}
	name := baseRel(job.RelativePath)
	if isDir {
		nodeID, err := w.provider.Create(ctx, w.treeID, parentID, KindDirectory, name, "")
		if err != nil {
			return "", 0, originErr("create", parentID, err)
		}
		w.cache.Put(job.RelativePath, nodeID)
		return OutcomeApplied, 0, nil
	}
	nodeID, err := w.provider.Create(ctx, w.treeID, parentID, KindFile, name, GuessContentType(name))
	if err != nil {
		return "", 0, originErr("create", parentID, err)
	}
	w.cache.Put(job.RelativePath, nodeID)
	outcome, n, err := w.writeContent(ctx, nodeID, job)
	if err == nil {
		outcome = OutcomeApplied
	}
	return outcome, n, err
}

func (w *writeBack) applyDelete(ctx context.Context, job SyncJob) (string, error) {
	if job.RelativePath == "" {
		return OutcomeDropped, nil
	}
	nodeID, found, err := w.resolve(ctx, job.RelativePath)
	if err != nil {
		return "", err
	}
	if !found {
		return OutcomeDropped, nil
	}
	name := baseRel(job.RelativePath)
	if w.skip.ShouldSkip(name, true) {
		entry, ok, err := w.childEntry(ctx, parentRel(job.RelativePath), name)
		if err != nil {
			return "", err
		}
		if ok && entry.Kind == KindDirectory {
			return OutcomeRefused, nil
		}
	}
	if err := w.provider.Delete(ctx, w.treeID, nodeID); err != nil {
		return "", originErr("delete", nodeID, err)
	}
	w.cache.Remove(job.RelativePath)
	w.fingerprints.Remove(job.RelativePath)
	return OutcomeApplied, nil
}

// writeContent streams the local file into nodeID unless its content matches
// the last content exchanged for that path.
func (w *writeBack) writeContent(ctx context.Context, nodeID string, job SyncJob) (string, int64, error) {
	sum, err := hashFile(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeDropped, 0, nil
		}
		return "", 0, err
	}
	if w.fingerprints.Matches(job.RelativePath, sum) {
		return OutcomeUnchanged, 0, nil
	}
	src, err := os.Open(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeDropped, 0, nil
		}
		return "", 0, err
	}
	defer src.Close()
	dst, err := w.provider.OpenWrite(ctx, w.treeID, nodeID)
	if err != nil {
		return "", 0, originErr("open_write", nodeID, err)
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return "", n, originErr("write", nodeID, copyErr)
	}
	if closeErr != nil {
		return "", n, originErr("write", nodeID, closeErr)
	}
	w.fingerprints.Set(job.RelativePath, sum)
	return OutcomeApplied, n, nil
}

// resolve returns the node id for relPath, looking it up segment by segment
// from the root on a cache miss. Every node found on the way is cached.
func (w *writeBack) resolve(ctx context.Context, relPath string) (string, bool, error) {
	if nodeID, ok := w.cache.Get(relPath); ok {
		return nodeID, true, nil
	}
	parentID, err := w.rootID(ctx)
	if err != nil {
		return "", false, err
	}
	if relPath == "" {
		return parentID, true, nil
	}
	prefix := ""
	for _, segment := range splitRel(relPath) {
		prefix = joinRel(prefix, segment)
		if nodeID, ok := w.cache.Get(prefix); ok {
			parentID = nodeID
			continue
		}
		entry, found, err := w.lookupChild(ctx, parentID, segment)
		if err != nil {
			return "", false, err
		}
		if !found {
			return "", false, nil
		}
		w.cache.Put(prefix, entry.NodeID)
		parentID = entry.NodeID
	}
	return parentID, true, nil
}

func (w *writeBack) rootID(ctx context.Context) (string, error) {
	if nodeID, ok := w.cache.Get(""); ok {
		return nodeID, nil
	}
	nodeID, err := w.provider.RootNode(ctx, w.treeID)
	if err != nil {
		return "", originErr("root", "", err)
	}
	w.cache.Put("", nodeID)
	return nodeID, nil
}

func (w *writeBack) lookupChild(ctx context.Context, parentID, name string) (ChildEntry, bool, error) {
	children, err := w.provider.ListChildren(ctx, w.treeID, parentID)
	if err != nil {
		return ChildEntry{}, false, originErr("list", parentID, err)
	}
	for _, child := range children {
		if child.Name == name {
			return child, true, nil
		}
	}
	return ChildEntry{}, false, nil
}

func (w *writeBack) childEntry(ctx context.Context, parentPath, name string) (ChildEntry, bool, error) {
	parentID, found, err := w.resolve(ctx, parentPath)
	if err != nil || !found {
		return ChildEntry{}, false, err
	}
	return w.lookupChild(ctx, parentID, name)
}

// ensureDirectory resolves relPath, creating it and any missing ancestors as
// directories on the origin.
func (w *writeBack) ensureDirectory(ctx context.Context, relPath string) (string, error) {
	nodeID, found, err := w.resolve(ctx, relPath)
	if err != nil {
		return "", err
	}
	if found {
		return nodeID, nil
	}
	parentID, err := w.ensureDirectory(ctx, parentRel(relPath))
	if err != nil {
		return "", err
	}
	nodeID, err = w.provider.Create(ctx, w.treeID, parentID, KindDirectory, baseRel(relPath), "")
	if err != nil {
		return "", originErr("create", parentID, err)
	}
	w.cache.Put(relPath, nodeID)
	return nodeID, nil
}
