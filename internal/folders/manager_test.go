package folders

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/treemirror/internal/docsync"
	"github.com/agentworkforce/treemirror/internal/events"
	"github.com/agentworkforce/treemirror/internal/localtree"
	"github.com/agentworkforce/treemirror/internal/registry"
)

type stubNotifier struct {
	events chan docsync.ChangeEvent
	once   sync.Once
}

func (n *stubNotifier) Watch(string) (<-chan docsync.ChangeEvent, error) {
	return n.events, nil
}

func (n *stubNotifier) Stop() error {
	n.once.Do(func() { close(n.events) })
	return nil
}

type fixture struct {
	manager   *Manager
	authority *localtree.Authority
	registry  *registry.Registry
	resolver  *docsync.Resolver
	hub       *events.Hub

	mu        sync.Mutex
	notifiers []*stubNotifier
}

func newFixture(t *testing.T, wrap func(*localtree.Provider) docsync.DocumentProvider) *fixture {
	t.Helper()
	authority, err := localtree.NewAuthority("")
	if err != nil {
		t.Fatalf("authority failed: %v", err)
	}
	var provider docsync.DocumentProvider = localtree.NewProvider(authority)
	if wrap != nil {
		provider = wrap(localtree.NewProvider(authority))
	}
	f := &fixture{
		authority: authority,
		resolver:  docsync.NewResolver(filepath.Join(t.TempDir(), "mirrors")),
		hub:       events.NewHub(),
	}
	f.registry = registry.New(registry.NewInMemoryStore(), authority, f.resolver, registry.Options{})
	manager, err := NewManager(Options{
		Provider:  provider,
		Authority: authority,
		Registry:  f.registry,
		Resolver:  f.resolver,
		Notifiers: func() (docsync.Notifier, error) {
			n := &stubNotifier{events: make(chan docsync.ChangeEvent, 16)}
			f.mu.Lock()
			f.notifiers = append(f.notifiers, n)
			f.mu.Unlock()
			return n, nil
		},
		DrainTimeout: time.Second,
		Events:       f.hub,
	})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	f.manager = manager
	t.Cleanup(func() { _ = manager.CloseActiveFolder() })
	return f
}

func (f *fixture) lastNotifier() *stubNotifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifiers[len(f.notifiers)-1]
}

func originTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	return root
}

func TestOpenFolderMirrorsAndRecords(t *testing.T) {
	f := newFixture(t, nil)
	tree := originTree(t, map[string]string{"README.md": "# hi", "src/main.go": "package main"})
	sub, cancel := f.hub.Subscribe(64)
	defer cancel()

	var calls int
	mirror, err := f.manager.OpenFolder(context.Background(), tree, func(done, total int) { calls++ })
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if mirror != f.resolver.Resolve(tree) {
		t.Fatalf("expected mirror %q, got %q", f.resolver.Resolve(tree), mirror)
	}
	got, err := os.ReadFile(filepath.Join(mirror, "src", "main.go"))
	if err != nil || string(got) != "package main" {
		t.Fatalf("expected mirrored file, got %q err=%v", got, err)
	}
	if calls == 0 {
		t.Fatalf("expected progress callbacks")
	}

	active, ok := f.manager.ActiveFolder()
	if !ok || active.TreeID != tree || active.DisplayName != filepath.Base(tree) || active.Report.FilesCopied != 2 {
		t.Fatalf("unexpected active folder %+v ok=%v", active, ok)
	}
	records, err := f.manager.ListRecentFolders(context.Background())
	if err != nil || len(records) != 1 || records[0].TreeID != tree {
		t.Fatalf("expected recorded folder, got %+v err=%v", records, err)
	}

	seen := map[string]bool{}
	for len(sub) > 0 {
		ev := <-sub
		seen[ev.Topic] = true
	}
	for _, topic := range []string{events.TopicSyncProgress, events.TopicSyncCompleted, events.TopicFolderOpened} {
		if !seen[topic] {
			t.Fatalf("expected %s event, got %v", topic, seen)
		}
	}
}

func TestOpeningAnotherFolderClosesTheFirst(t *testing.T) {
	f := newFixture(t, nil)
	first := originTree(t, map[string]string{"a.txt": "a"})
	second := originTree(t, map[string]string{"b.txt": "b"})
	if _, err := f.manager.OpenFolder(context.Background(), first, nil); err != nil {
		t.Fatalf("open first failed: %v", err)
	}
	if _, err := f.manager.OpenFolder(context.Background(), second, nil); err != nil {
		t.Fatalf("open second failed: %v", err)
	}
	active, _ := f.manager.ActiveFolder()
	if active.TreeID != second {
		t.Fatalf("expected second folder active, got %q", active.TreeID)
	}
	records, _ := f.manager.ListRecentFolders(context.Background())
	if len(records) != 2 || records[0].TreeID != second {
		t.Fatalf("expected most recent first, got %+v", records)
	}
}

func TestLocalEditsReachOriginBeforeClose(t *testing.T) {
	f := newFixture(t, nil)
	tree := originTree(t, map[string]string{"notes.md": "v1"})
	mirror, err := f.manager.OpenFolder(context.Background(), tree, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	sub, cancel := f.hub.Subscribe(16)
	defer cancel()

	local := filepath.Join(mirror, "notes.md")
	if err := os.WriteFile(local, []byte("v2"), 0o644); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	f.lastNotifier().events <- docsync.ChangeEvent{Path: local, Kind: docsync.ChangeModify}
	if err := f.manager.CloseActiveFolder(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(tree, "notes.md"))
	if err != nil || string(got) != "v2" {
		t.Fatalf("expected origin updated, got %q err=%v", got, err)
	}
	if _, ok := f.manager.ActiveFolder(); ok {
		t.Fatalf("expected no active folder after close")
	}
	var applied, closed bool
	for len(sub) > 0 {
		ev := <-sub
		switch ev.Topic {
		case events.TopicWritebackApplied:
			applied = ev.Data.(WritebackEvent).Path == "notes.md"
		case events.TopicFolderClosed:
			closed = true
		}
	}
	if !applied || !closed {
		t.Fatalf("expected applied and closed events, got applied=%v closed=%v", applied, closed)
	}
}

func TestRefreshWithoutActiveFolder(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.manager.RefreshActiveFolder(context.Background(), nil); !errors.Is(err, ErrNoActiveFolder) {
		t.Fatalf("expected no active folder, got %v", err)
	}
}

func TestRefreshKeepsLocalOnlyFiles(t *testing.T) {
	f := newFixture(t, nil)
	tree := originTree(t, map[string]string{"a.txt": "a"})
	mirror, err := f.manager.OpenFolder(context.Background(), tree, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	localOnly := filepath.Join(mirror, "scratch.txt")
	if err := os.WriteFile(localOnly, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tree, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := f.manager.RefreshActiveFolder(context.Background(), nil); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := os.Stat(localOnly); err != nil {
		t.Fatalf("expected local-only file kept, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(mirror, "b.txt")); err != nil {
		t.Fatalf("expected new origin file mirrored, got %v", err)
	}
}

func TestForgetActiveFolderClosesAndRemoves(t *testing.T) {
	f := newFixture(t, nil)
	tree := originTree(t, map[string]string{"a.txt": "a"})
	mirror, err := f.manager.OpenFolder(context.Background(), tree, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.manager.ForgetFolder(context.Background(), tree); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if _, ok := f.manager.ActiveFolder(); ok {
		t.Fatalf("expected folder closed")
	}
	if _, err := os.Stat(mirror); !os.IsNotExist(err) {
		t.Fatalf("expected mirror removed, got %v", err)
	}
	if f.authority.IsGranted(tree) {
		t.Fatalf("expected grant released")
	}
	records, _ := f.manager.ListRecentFolders(context.Background())
	if len(records) != 0 {
		t.Fatalf("expected no records, got %+v", records)
	}
}

func TestOpenFolderRefusedForMissingTree(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.OpenFolder(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	if !docsync.IsPermissionRevoked(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if _, ok := f.manager.ActiveFolder(); ok {
		t.Fatalf("expected no active folder")
	}
}

func TestClearMirrorsRefusedWhileOpen(t *testing.T) {
	f := newFixture(t, nil)
	tree := originTree(t, map[string]string{"a.txt": "a"})
	if _, err := f.manager.OpenFolder(context.Background(), tree, nil); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.manager.ClearMirrors(); !errors.Is(err, ErrFolderActive) {
		t.Fatalf("expected refusal, got %v", err)
	}
	usage, err := f.manager.StorageUsage()
	if err != nil || len(usage.Mirrors) != 1 || usage.TotalBytes == 0 {
		t.Fatalf("expected one mirror in usage, got %+v err=%v", usage, err)
	}
	_ = f.manager.CloseActiveFolder()
	removed, err := f.manager.ClearMirrors()
	if err != nil || removed != 1 {
		t.Fatalf("expected one mirror removed, got %d err=%v", removed, err)
	}
}

// slowRootProvider blocks RootNode for one tree until the context ends.
type slowRootProvider struct {
	*localtree.Provider
	slow    string
	entered chan struct{}
}

func (p *slowRootProvider) RootNode(ctx context.Context, treeID string) (string, error) {
	if treeID == p.slow {
		close(p.entered)
		<-ctx.Done()
		return "", context.Cause(ctx)
	}
	return p.Provider.RootNode(ctx, treeID)
}

func TestNewerOpenSupersedesRunningSync(t *testing.T) {
	slowTree := originTree(t, map[string]string{"a.txt": "a"})
	fastTree := originTree(t, map[string]string{"b.txt": "b"})
	entered := make(chan struct{})
	f := newFixture(t, func(p *localtree.Provider) docsync.DocumentProvider {
		return &slowRootProvider{Provider: p, slow: slowTree, entered: entered}
	})

	errs := make(chan error, 1)
	go func() {
		_, err := f.manager.OpenFolder(context.Background(), slowTree, nil)
		errs <- err
	}()
	<-entered

	if _, err := f.manager.OpenFolder(context.Background(), fastTree, nil); err != nil {
		t.Fatalf("open fast tree failed: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, docsync.ErrSyncSuperseded) {
			t.Fatalf("expected superseded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected slow sync to be canceled")
	}
	active, _ := f.manager.ActiveFolder()
	if active.TreeID != fastTree {
		t.Fatalf("expected fast tree active, got %q", active.TreeID)
	}
}

func TestLastSegment(t *testing.T) {
	cases := map[string]string{
		"/home/me/project":  "project",
		"/home/me/project/": "project",
		"primary:Documents": "Documents",
		"plain":             "plain",
	}
	for in, want := range cases {
		if got := lastSegment(in); got != want {
			t.Fatalf("expected %q for %q, got %q", want, in, got)
		}
	}
}

// countingProvider records every origin write and delete.
type countingProvider struct {
	*localtree.Provider
	writes  atomic.Int32
	deletes atomic.Int32
}

func (p *countingProvider) OpenWrite(ctx context.Context, treeID, nodeID string) (io.WriteCloser, error) {
	p.writes.Add(1)
	return p.Provider.OpenWrite(ctx, treeID, nodeID)
}

func (p *countingProvider) Delete(ctx context.Context, treeID, nodeID string) error {
	p.deletes.Add(1)
	return p.Provider.Delete(ctx, treeID, nodeID)
}

// waitForWriteback returns the first write-back event for path, failing after
// five seconds.
func waitForWriteback(t *testing.T, sub <-chan events.Event, path string) (string, WritebackEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Topic != events.TopicWritebackApplied && ev.Topic != events.TopicWritebackFailed {
				continue
			}
			if wb := ev.Data.(WritebackEvent); wb.Path == path {
				return ev.Topic, wb
			}
		case <-deadline:
			t.Fatalf("expected write-back event for %s", path)
		}
	}
}

func TestMirrorEditDeleteRefreshRoundTrip(t *testing.T) {
	var counter *countingProvider
	f := newFixture(t, func(p *localtree.Provider) docsync.DocumentProvider {
		counter = &countingProvider{Provider: p}
		return counter
	})
	tree := originTree(t, map[string]string{
		"README.md":                 "# v1",
		"node_modules/pkg/index.js": "module.exports = 1",
	})
	mirror, err := f.manager.OpenFolder(context.Background(), tree, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	local := filepath.Join(mirror, "README.md")
	if got, err := os.ReadFile(local); err != nil || string(got) != "# v1" {
		t.Fatalf("expected README.md mirrored, got %q err=%v", got, err)
	}
	if _, err := os.Stat(filepath.Join(mirror, "node_modules")); !os.IsNotExist(err) {
		t.Fatalf("expected node_modules left out of mirror, got %v", err)
	}
	sub, cancel := f.hub.Subscribe(64)
	defer cancel()

	if err := os.WriteFile(local, []byte("# v2"), 0o644); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	f.lastNotifier().events <- docsync.ChangeEvent{Path: local, Kind: docsync.ChangeModify}
	topic, wb := waitForWriteback(t, sub, "README.md")
	if topic != events.TopicWritebackApplied || wb.Outcome != docsync.OutcomeApplied || wb.Type != string(docsync.JobModify) {
		t.Fatalf("expected applied modify, got %s %+v", topic, wb)
	}
	if got, err := os.ReadFile(filepath.Join(tree, "README.md")); err != nil || string(got) != "# v2" {
		t.Fatalf("expected origin updated, got %q err=%v", got, err)
	}
	if n := counter.writes.Load(); n != 1 {
		t.Fatalf("expected 1 origin write, got %d", n)
	}

	if err := os.Remove(local); err != nil {
		t.Fatalf("local delete failed: %v", err)
	}
	f.lastNotifier().events <- docsync.ChangeEvent{Path: local, Kind: docsync.ChangeDelete}
	topic, wb = waitForWriteback(t, sub, "README.md")
	if topic != events.TopicWritebackApplied || wb.Outcome != docsync.OutcomeApplied || wb.Type != string(docsync.JobDelete) {
		t.Fatalf("expected applied delete, got %s %+v", topic, wb)
	}
	if n := counter.deletes.Load(); n != 1 {
		t.Fatalf("expected 1 origin delete, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(tree, "README.md")); !os.IsNotExist(err) {
		t.Fatalf("expected README.md gone from origin, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tree, "node_modules", "pkg", "index.js")); err != nil {
		t.Fatalf("expected skipped origin directory untouched: %v", err)
	}

	if _, err := f.manager.RefreshActiveFolder(context.Background(), nil); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("expected README.md absent after refresh, got %v", err)
	}
	if w, d := counter.writes.Load(), counter.deletes.Load(); w != 1 || d != 1 {
		t.Fatalf("expected refresh to leave origin alone, got writes=%d deletes=%d", w, d)
	}
}
