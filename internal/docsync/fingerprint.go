package docsync

import (
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Fingerprints remembers the xxhash of the content last exchanged with the
// origin for each relative path.
type Fingerprints struct {
	mu     sync.Mutex
	hashes map[string]uint64
}

func NewFingerprints() *Fingerprints {
	return &Fingerprints{hashes: map[string]uint64{}}
}

func (f *Fingerprints) Set(relPath string, sum uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[relPath] = sum
}

func (f *Fingerprints) Matches(relPath string, sum uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	known, ok := f.hashes[relPath]
	return ok && known == sum
}

func (f *Fingerprints) Remove(relPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, relPath)
	prefix := relPath + "/"
	for key := range f.hashes {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(f.hashes, key)
		}
	}
}

func hashFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, file); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
