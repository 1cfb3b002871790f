package docsync

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	DefaultMirrorHashBytes = 6
	minMirrorHashBytes     = 6
)

// Resolver maps tree ids onto mirror directories under a fixed root.
type Resolver struct {
	root      string
	hashBytes int
}

func NewResolver(mirrorsRoot string) *Resolver {
	return NewResolverWithHashBytes(mirrorsRoot, DefaultMirrorHashBytes)
}

func NewResolverWithHashBytes(mirrorsRoot string, hashBytes int) *Resolver {
	if hashBytes < minMirrorHashBytes {
		hashBytes = minMirrorHashBytes
	}
	if hashBytes > sha256.Size {
		hashBytes = sha256.Size
	}
	return &Resolver{
		root:      filepath.Clean(strings.TrimSpace(mirrorsRoot)),
		hashBytes: hashBytes,
	}
}

// Root returns the directory holding every mirror.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns <root>/<hash> for treeID. It performs no I/O.
func (r *Resolver) Resolve(treeID string) string {
	return filepath.Join(r.root, r.MirrorHash(treeID))
}

// MirrorHash is the lowercase hex prefix of SHA-256(treeID).
func (r *Resolver) MirrorHash(treeID string) string {
	sum := sha256.Sum256([]byte(treeID))
	return hex.EncodeToString(sum[:r.hashBytes])
}
