// Package diskusage measures mirror storage and the free space left for it.
package diskusage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LowSpaceThreshold is the free space below which storage is reported low.
const LowSpaceThreshold int64 = 100 * 1024 * 1024

var ErrUnsupported = errors.New("free space query unsupported on this platform")

type MirrorUsage struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

type Report struct {
	Root       string        `json:"root"`
	Mirrors    []MirrorUsage `json:"mirrors"`
	TotalBytes int64         `json:"totalBytes"`
	FreeBytes  int64         `json:"freeBytes"`
	Low        bool          `json:"low"`
}

// DirSize sums the sizes of regular files below path. A missing path is
// empty.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Measure reports the size of every mirror directory directly below root and
// the free space on root's filesystem.
func Measure(root string) (Report, error) {
	report := Report{Root: root, FreeBytes: -1}
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return report, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		size, err := DirSize(path)
		if err != nil {
			return report, err
		}
		report.Mirrors = append(report.Mirrors, MirrorUsage{Name: entry.Name(), Path: path, Bytes: size})
		report.TotalBytes += size
	}
	sort.Slice(report.Mirrors, func(i, j int) bool { return report.Mirrors[i].Bytes > report.Mirrors[j].Bytes })

	target := root
	if _, err := os.Stat(target); err != nil {
		target = filepath.Dir(root)
	}
	free, err := FreeBytes(target)
	switch {
	case err == nil:
		report.FreeBytes = free
		report.Low = free < LowSpaceThreshold
	case errors.Is(err, ErrUnsupported):
	default:
		return report, err
	}
	return report, nil
}
