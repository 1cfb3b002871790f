// Package localtree exposes host directories as origin trees.
package localtree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/treemirror/internal/docsync"
)

// TreeRoot normalizes a tree id (an absolute path, optionally file://) to a
// clean directory path.
func TreeRoot(treeID string) (string, error) {
	root := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(treeID), "file://"))
	if root == "" || !filepath.IsAbs(root) {
		return "", fmt.Errorf("%w: tree id must be an absolute path: %q", docsync.ErrInvalidInput, treeID)
	}
	return filepath.Clean(root), nil
}

// Provider serves node ids that are slash paths relative to the tree root;
// the root itself is "".
type Provider struct {
	grants docsync.PermissionAuthority
}

func NewProvider(grants docsync.PermissionAuthority) *Provider {
	return &Provider{grants: grants}
}

func (p *Provider) root(treeID, op string) (string, error) {
	root, err := TreeRoot(treeID)
	if err != nil {
		return "", err
	}
	if !p.grants.IsGranted(treeID) {
		return "", &docsync.PermissionError{TreeID: treeID, Op: op}
	}
	return root, nil
}

func (p *Provider) resolve(treeID, nodeID, op string) (string, error) {
	root, err := p.root(treeID, op)
	if err != nil {
		return "", err
	}
	rel := filepath.FromSlash(strings.Trim(nodeID, "/"))
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: node %q escapes tree", docsync.ErrInvalidInput, nodeID)
	}
	return full, nil
}

func (p *Provider) RootNode(_ context.Context, treeID string) (string, error) {
	if _, err := p.root(treeID, "root"); err != nil {
		return "", err
	}
	return "", nil
}

func (p *Provider) ListChildren(_ context.Context, treeID, nodeID string) ([]docsync.ChildEntry, error) {
	dir, err := p.resolve(treeID, nodeID, "list")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]docsync.ChildEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		kind := docsync.KindFile
		switch {
		case info.IsDir():
			kind = docsync.KindDirectory
		case !info.Mode().IsRegular():
			continue
		}
		out = append(out, docsync.ChildEntry{
			NodeID:    childID(nodeID, entry.Name()),
			Name:      entry.Name(),
			Kind:      kind,
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) OpenRead(_ context.Context, treeID, nodeID string) (io.ReadCloser, error) {
	path, err := p.resolve(treeID, nodeID, "read")
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (p *Provider) OpenWrite(_ context.Context, treeID, nodeID string) (io.WriteCloser, error) {
	path, err := p.resolve(treeID, nodeID, "write")
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
}

func (p *Provider) Create(_ context.Context, treeID, parentID string, kind docsync.NodeKind, name, _ string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: document name %q", docsync.ErrInvalidInput, name)
	}
	parent, err := p.resolve(treeID, parentID, "create")
	if err != nil {
		return "", err
	}
	path := filepath.Join(parent, name)
	if kind == docsync.KindDirectory {
		if err := os.Mkdir(path, 0o755); err != nil {
			return "", err
		}
		return childID(parentID, name), nil
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return childID(parentID, name), nil
}

func (p *Provider) Delete(_ context.Context, treeID, nodeID string) error {
	if strings.Trim(nodeID, "/") == "" {
		return fmt.Errorf("%w: refusing to delete tree root", docsync.ErrInvalidInput)
	}
	path, err := p.resolve(treeID, nodeID, "delete")
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (p *Provider) DisplayName(_ context.Context, treeID string) (string, error) {
	root, err := TreeRoot(treeID)
	if err != nil {
		return "", err
	}
	return filepath.Base(root), nil
}

func childID(parentID, name string) string {
	parentID = strings.Trim(parentID, "/")
	if parentID == "" {
		return name
	}
	return parentID + "/" + name
}
