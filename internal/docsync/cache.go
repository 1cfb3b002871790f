package docsync

import (
	"strings"
	"sync"
)

// PathNodeCache maps slash-separated relative paths to origin node ids for one
// session. The root is stored under "".
type PathNodeCache struct {
	mu    sync.RWMutex
	nodes map[string]string
}

func NewPathNodeCache() *PathNodeCache {
	return &PathNodeCache{nodes: map[string]string{}}
}

func (c *PathNodeCache) Get(relPath string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodeID, ok := c.nodes[relPath]
	return nodeID, ok
}

func (c *PathNodeCache) Put(relPath, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[relPath] = nodeID
}

// Remove drops relPath and every cached descendant.
func (c *PathNodeCache) Remove(relPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, relPath)
	if relPath == "" {
		return
	}
	prefix := relPath + "/"
	for key := range c.nodes {
		if strings.HasPrefix(key, prefix) {
			delete(c.nodes, key)
		}
	}
}

func (c *PathNodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

func (c *PathNodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = map[string]string{}
}

// Snapshot returns a copy of the cache contents.
func (c *PathNodeCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.nodes))
	for k, v := range c.nodes {
		out[k] = v
	}
	return out
}
