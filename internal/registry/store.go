package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrInvalidInput = errors.New("invalid input")

// Store persists the registry document. Save replaces the whole list
// atomically.
type Store interface {
	Load(ctx context.Context) ([]FolderRecord, error)
	Save(ctx context.Context, records []FolderRecord) error
	Close() error
}

type InMemoryStore struct {
	mu       sync.Mutex
	document []byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Load(context.Context) ([]FolderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.document == nil {
		return nil, nil
	}
	return decodeRecords(s.document)
}

func (s *InMemoryStore) Save(_ context.Context, records []FolderRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.document = data
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// JSONFileStore keeps the registry in a single JSON file.
type JSONFileStore struct {
	Path string
}

func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileStore) Load(context.Context) ([]FolderRecord, error) {
	if s == nil || s.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecords(data)
}

func (s *JSONFileStore) Save(_ context.Context, records []FolderRecord) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *JSONFileStore) Close() error { return nil }
