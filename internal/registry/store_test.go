package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEncodeUsesPersistedFieldNames(t *testing.T) {
	data, err := encodeRecords([]FolderRecord{{
		TreeID:       "content://tree/1",
		DisplayName:  "Docs",
		LastOpenedAt: time.UnixMilli(1700000000123),
		MirrorPath:   "/data/mirrors/abc",
	}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for _, want := range []string{`"treeId":"content://tree/1"`, `"displayName":"Docs"`, `"lastOpenedAt":1700000000123`, `"mirrorDirectoryPath":"/data/mirrors/abc"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %s in %s", want, data)
		}
	}
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	cases := []string{
		`{"treeId":"a"}`,
		`[{"treeId":"","displayName":"","lastOpenedAt":1,"mirrorDirectoryPath":""}]`,
		`[{"treeId":"a","displayName":"","lastOpenedAt":"yesterday","mirrorDirectoryPath":""}]`,
		`[{"treeId":"a"}]`,
		`not json`,
	}
	for _, doc := range cases {
		if _, err := decodeRecords([]byte(doc)); !errors.Is(err, ErrCorruptDocument) {
			t.Fatalf("expected corrupt document for %s, got %v", doc, err)
		}
	}
}

func TestJSONFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileStore(filepath.Join(dir, "nested", "registry.json"))
	if err := store.Save(context.Background(), []FolderRecord{{TreeID: "a", LastOpenedAt: time.UnixMilli(1)}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "registry.json" {
		t.Fatalf("expected only registry.json, got %v", entries)
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	cases := map[string]any{
		path:                   &JSONFileStore{},
		"file://" + path:       &JSONFileStore{},
		"memory://":            &InMemoryStore{},
		"postgres://localhost/treemirror?sslmode=disable": &PostgresStore{},
		"sqlite://" + filepath.Join(t.TempDir(), "r.db"):  &SQLiteStore{},
	}
	for dsn, want := range cases {
		store, err := BuildStoreFromDSN(dsn)
		if err != nil {
			t.Fatalf("build %q failed: %v", dsn, err)
		}
		switch want.(type) {
		case *JSONFileStore:
			if _, ok := store.(*JSONFileStore); !ok {
				t.Fatalf("expected file store for %q, got %T", dsn, store)
			}
		case *InMemoryStore:
			if _, ok := store.(*InMemoryStore); !ok {
				t.Fatalf("expected memory store for %q, got %T", dsn, store)
			}
		case *PostgresStore:
			if _, ok := store.(*PostgresStore); !ok {
				t.Fatalf("expected postgres store for %q, got %T", dsn, store)
			}
		case *SQLiteStore:
			if _, ok := store.(*SQLiteStore); !ok {
				t.Fatalf("expected sqlite store for %q, got %T", dsn, store)
			}
		}
	}
	if _, err := BuildStoreFromDSN("mysql://localhost/x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildStoreFromDSN(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterStoreFactoryOverridesScheme(t *testing.T) {
	shared := NewInMemoryStore()
	RegisterStoreFactory("shared", func(string) (Store, error) { return shared, nil })
	store, err := BuildStoreFromDSN("shared://anything")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if store != Store(shared) {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	defer store.Close()

	records, err := store.Load(ctx)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty initial load, got %+v err=%v", records, err)
	}
	saved := []FolderRecord{
		{TreeID: "b", DisplayName: "B", LastOpenedAt: time.UnixMilli(2000), MirrorPath: "/m/b"},
		{TreeID: "a", DisplayName: "A", LastOpenedAt: time.UnixMilli(1000), MirrorPath: "/m/a"},
	}
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(ctx, saved[:1]); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	records, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 1 || records[0].TreeID != "b" || records[0].MirrorPath != "/m/b" {
		t.Fatalf("expected latest document, got %+v", records)
	}
}
