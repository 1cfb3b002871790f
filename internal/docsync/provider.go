package docsync

import (
	"context"
	"io"
)

// NodeKind discriminates origin entries.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

func (k NodeKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// ChildEntry is one row returned when listing an origin directory.
type ChildEntry struct {
	NodeID    string
	Name      string
	Kind      NodeKind
	SizeBytes int64
}

// DocumentProvider is the host's document tree API. Node ids are opaque and
// only stable for the lifetime of a session.
type DocumentProvider interface {
	RootNode(ctx context.Context, treeID string) (string, error)
	ListChildren(ctx context.Context, treeID, nodeID string) ([]ChildEntry, error)
	OpenRead(ctx context.Context, treeID, nodeID string) (io.ReadCloser, error)
	// OpenWrite truncates the document.
	OpenWrite(ctx context.Context, treeID, nodeID string) (io.WriteCloser, error)
	Create(ctx context.Context, treeID, parentID string, kind NodeKind, name, mimeType string) (string, error)
	Delete(ctx context.Context, treeID, nodeID string) error
	DisplayName(ctx context.Context, treeID string) (string, error)
}

// PermissionAuthority owns the access grants for origin trees.
type PermissionAuthority interface {
	Grant(treeID string) error
	IsGranted(treeID string) bool
	Release(treeID string) error
}
