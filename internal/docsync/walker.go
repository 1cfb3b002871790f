package docsync

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// DefaultSkipDirectories are regenerable or provider-internal directory names
// that are never mirrored.
var DefaultSkipDirectories = []string{
	"node_modules",
	".git",
	"__pycache__",
	".gradle",
	".idea",
	"venv",
	".env",
}

// DocumentNode is one entry of a walked origin tree.
type DocumentNode struct {
	NodeID       string
	RelativePath string
	Kind         NodeKind
	SizeBytes    int64
}

func (n DocumentNode) IsDirectory() bool {
	return n.Kind == KindDirectory
}

// SkipList is an exact, case-sensitive set of directory names.
type SkipList map[string]struct{}

func NewSkipList(names []string) SkipList {
	out := SkipList{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = struct{}{}
	}
	return out
}

// ShouldSkip reports whether an entry is excluded. Files are never skipped.
func (s SkipList) ShouldSkip(name string, isDirectory bool) bool {
	if !isDirectory {
		return false
	}
	_, ok := s[name]
	return ok
}

// ContainsSkipped reports whether any directory component of relPath is
// skip-listed.
func (s SkipList) ContainsSkipped(relPath string) bool {
	segments := strings.Split(relPath, "/")
	for _, segment := range segments[:len(segments)-1] {
		if _, ok := s[segment]; ok {
			return true
		}
	}
	return false
}

var defaultSkipList = NewSkipList(DefaultSkipDirectories)

// ShouldSkip applies the default skip-list.
func ShouldSkip(name string, isDirectory bool) bool {
	return defaultSkipList.ShouldSkip(name, isDirectory)
}

type Walker struct {
	provider DocumentProvider
	skip     SkipList
	logger   *zap.Logger
}

func NewWalker(provider DocumentProvider, skip SkipList, logger *zap.Logger) *Walker {
	if skip == nil {
		skip = defaultSkipList
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{provider: provider, skip: skip, logger: logger}
}

// Walk enumerates treeID depth-first. Directories always precede their
// contents in the returned slice. A subtree whose listing fails is logged and
// left out; only a failure to resolve the root is returned.
func (w *Walker) Walk(ctx context.Context, treeID string) ([]DocumentNode, *PathNodeCache, error) {
	rootID, err := w.provider.RootNode(ctx, treeID)
	if err != nil {
		return nil, nil, originErr("root", "", err)
	}
	cache := NewPathNodeCache()
	cache.Put("", rootID)
	var nodes []DocumentNode
	if err := w.walkDir(ctx, treeID, rootID, "", cache, &nodes); err != nil {
		return nil, nil, err
	}
	return nodes, cache, nil
}

func (w *Walker) walkDir(ctx context.Context, treeID, nodeID, relPath string, cache *PathNodeCache, out *[]DocumentNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := w.provider.ListChildren(ctx, treeID, nodeID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		w.logger.Warn("failed to enumerate children",
			zap.String("node_id", nodeID),
			zap.String("path", relPath),
			zap.Error(err))
		return nil
	}
	for _, child := range children {
		if !validChildName(child.Name) {
			w.logger.Warn("skipping child with unsafe name",
				zap.String("node_id", child.NodeID),
				zap.String("parent", relPath),
				zap.String("name", child.Name))
			continue
		}
		isDir := child.Kind == KindDirectory
		if w.skip.ShouldSkip(child.Name, isDir) {
			continue
		}
		childPath := joinRel(relPath, child.Name)
		cache.Put(childPath, child.NodeID)
		*out = append(*out, DocumentNode{
			NodeID:       child.NodeID,
			RelativePath: childPath,
			Kind:         child.Kind,
			SizeBytes:    child.SizeBytes,
		})
		if isDir {
			if err := w.walkDir(ctx, treeID, child.NodeID, childPath, cache, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// validChildName rejects names that would escape or alias their parent once
// joined into a mirror path.
func validChildName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func parentRel(relPath string) string {
	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return ""
	}
	return relPath[:idx]
}

func baseRel(relPath string) string {
	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return relPath
	}
	return relPath[idx+1:]
}

func splitRel(relPath string) []string {
	if relPath == "" {
		return nil
	}
	return strings.Split(relPath, "/")
}
