package docsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type fakeNode struct {
	id       string
	parent   string
	name     string
	kind     NodeKind
	data     []byte
	mimeType string
	children []string
}

type fakeProvider struct {
	mu       sync.Mutex
	nodes    map[string]*fakeNode
	nextID   int
	revoked  bool
	listErr  map[string]error
	readErr  map[string]error
	creates  []string
	deletes  []string
	writes   []string
	listings int
}

func newFakeProvider() *fakeProvider {
	p := &fakeProvider{
		nodes:   map[string]*fakeNode{},
		listErr: map[string]error{},
		readErr: map[string]error{},
	}
	p.nodes["root"] = &fakeNode{id: "root", kind: KindDirectory}
	return p
}

// add creates every missing ancestor of relPath and returns the node id.
func (p *fakeProvider) add(relPath string, kind NodeKind, content string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parent := "root"
	segments := strings.Split(relPath, "/")
	for i, segment := range segments {
		last := i == len(segments)-1
		childID := p.childLocked(parent, segment)
		if childID == "" {
			k := KindDirectory
			if last {
				k = kind
			}
			childID = p.newNodeLocked(parent, segment, k)
		}
		if last && kind == KindFile {
			p.nodes[childID].data = []byte(content)
		}
		parent = childID
	}
	return parent
}

func (p *fakeProvider) newNodeLocked(parent, name string, kind NodeKind) string {
	p.nextID++
	id := fmt.Sprintf("n%d", p.nextID)
	p.nodes[id] = &fakeNode{id: id, parent: parent, name: name, kind: kind}
	p.nodes[parent].children = append(p.nodes[parent].children, id)
	return id
}

func (p *fakeProvider) childLocked(parent, name string) string {
	for _, id := range p.nodes[parent].children {
		if p.nodes[id].name == name {
			return id
		}
	}
	return ""
}

// addRaw attaches a child with name taken verbatim, bypassing path splitting.
func (p *fakeProvider) addRaw(name string, kind NodeKind, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.newNodeLocked("root", name, kind)
	p.nodes[id].data = []byte(content)
}

// lookup walks relPath and returns the node, or nil.
func (p *fakeProvider) lookup(relPath string) *fakeNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := "root"
	if relPath == "" {
		return p.nodes[current]
	}
	for _, segment := range strings.Split(relPath, "/") {
		current = p.childLocked(current, segment)
		if current == "" {
			return nil
		}
	}
	return p.nodes[current]
}

func (p *fakeProvider) content(relPath string) (string, bool) {
	node := p.lookup(relPath)
	if node == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(node.data), true
}

func (p *fakeProvider) revoke() {
	p.mu.Lock()
	p.revoked = true
	p.mu.Unlock()
}

func (p *fakeProvider) checkLocked(treeID string) error {
	if p.revoked {
		return &PermissionError{TreeID: treeID}
	}
	return nil
}

func (p *fakeProvider) RootNode(_ context.Context, treeID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(treeID); err != nil {
		return "", err
	}
	return "root", nil
}

func (p *fakeProvider) ListChildren(_ context.Context, treeID, nodeID string) ([]ChildEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listings++
	if err := p.checkLocked(treeID); err != nil {
		return nil, err
	}
	if err := p.listErr[nodeID]; err != nil {
		return nil, err
	}
	node, ok := p.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]ChildEntry, 0, len(node.children))
	for _, id := range node.children {
		child := p.nodes[id]
		out = append(out, ChildEntry{
			NodeID:    child.id,
			Name:      child.name,
			Kind:      child.kind,
			SizeBytes: int64(len(child.data)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *fakeProvider) OpenRead(_ context.Context, treeID, nodeID string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(treeID); err != nil {
		return nil, err
	}
	if err := p.readErr[nodeID]; err != nil {
		return nil, err
	}
	node, ok := p.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), node.data...))), nil
}

type fakeWriter struct {
	p    *fakeProvider
	id   string
	buf  bytes.Buffer
	done bool
}

func (w *fakeWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *fakeWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	node, ok := w.p.nodes[w.id]
	if !ok {
		return ErrNotFound
	}
	node.data = append([]byte(nil), w.buf.Bytes()...)
	w.p.writes = append(w.p.writes, w.id)
	return nil
}

func (p *fakeProvider) OpenWrite(_ context.Context, treeID, nodeID string) (io.WriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(treeID); err != nil {
		return nil, err
	}
	if _, ok := p.nodes[nodeID]; !ok {
		return nil, ErrNotFound
	}
	return &fakeWriter{p: p, id: nodeID}, nil
}

func (p *fakeProvider) Create(_ context.Context, treeID, parentID string, kind NodeKind, name, mimeType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(treeID); err != nil {
		return "", err
	}
	parent, ok := p.nodes[parentID]
	if !ok || parent.kind != KindDirectory {
		return "", ErrNotFound
	}
	if p.childLocked(parentID, name) != "" {
		return "", errors.New("already exists")
	}
	id := p.newNodeLocked(parentID, name, kind)
	p.nodes[id].mimeType = mimeType
	p.creates = append(p.creates, name)
	return id, nil
}

func (p *fakeProvider) Delete(_ context.Context, treeID, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(treeID); err != nil {
		return err
	}
	node, ok := p.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	parent := p.nodes[node.parent]
	for i, id := range parent.children {
		if id == nodeID {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	p.deleteLocked(nodeID)
	p.deletes = append(p.deletes, node.name)
	return nil
}

func (p *fakeProvider) deleteLocked(nodeID string) {
	for _, child := range p.nodes[nodeID].children {
		p.deleteLocked(child)
	}
	delete(p.nodes, nodeID)
}

func (p *fakeProvider) DisplayName(_ context.Context, treeID string) (string, error) {
	return "Fake " + treeID, nil
}

// fakeNotifier hands out a channel the test feeds directly.
type fakeNotifier struct {
	mu      sync.Mutex
	events  chan ChangeEvent
	root    string
	stopped bool
	err     error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan ChangeEvent, 64)}
}

func (n *fakeNotifier) Watch(root string) (<-chan ChangeEvent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.root = root
	return n.events, nil
}

func (n *fakeNotifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.stopped {
		n.stopped = true
		close(n.events)
	}
	return nil
}
