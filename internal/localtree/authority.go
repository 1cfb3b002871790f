package localtree

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/treemirror/internal/docsync"
)

type grantFile struct {
	Grants map[string]int64 `json:"grants"`
}

// Authority records which host directories the user granted access to. A
// grant stays valid while it is recorded and its directory exists.
type Authority struct {
	mu     sync.Mutex
	path   string
	grants map[string]int64
	now    func() time.Time
}

// NewAuthority loads grants from path. An empty path keeps grants in memory.
func NewAuthority(path string) (*Authority, error) {
	a := &Authority{
		path:   strings.TrimSpace(path),
		grants: map[string]int64{},
		now:    time.Now,
	}
	if a.path == "" {
		return a, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a, nil
		}
		return nil, err
	}
	var stored grantFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode grants %s: %w", a.path, err)
	}
	for id, at := range stored.Grants {
		a.grants[id] = at
	}
	return a, nil
}

func (a *Authority) Grant(treeID string) error {
	root, err := TreeRoot(treeID)
	if err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", docsync.ErrInvalidInput, root)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[root] = a.now().UnixMilli()
	return a.saveLocked()
}

func (a *Authority) IsGranted(treeID string) bool {
	root, err := TreeRoot(treeID)
	if err != nil {
		return false
	}
	a.mu.Lock()
	_, ok := a.grants[root]
	a.mu.Unlock()
	if !ok {
		return false
	}
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

func (a *Authority) Release(treeID string) error {
	root, err := TreeRoot(treeID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.grants[root]; !ok {
		return nil
	}
	delete(a.grants, root)
	return a.saveLocked()
}

// Granted lists every recorded grant, valid or not.
func (a *Authority) Granted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.grants))
	for id := range a.grants {
		out = append(out, id)
	}
	return out
}

func (a *Authority) saveLocked() error {
	if a.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(grantFile{Grants: a.grants}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
