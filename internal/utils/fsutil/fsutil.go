// Package fsutil answers the filesystem questions the health and ops
// surfaces ask: does the data dir exist, can we write to it, and how
// full is the volume underneath it.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsWritable reports whether new files can be created in dir.
func IsWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}

	// No owner write bit means read-only, even for callers the kernel
	// would let through
	if info.Mode().Perm()&0o200 == 0 {
		return false
	}

	// Probe with a real file: mount options and container overlays can
	// refuse writes the mode bits allow
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// DiskUsage describes capacity of one filesystem.
type DiskUsage struct {
	TotalBytes  uint64
	FreeBytes   uint64
	UsedBytes   uint64
	UsedPercent float64
}

// newDiskUsage derives the used figures from what the platform call
// reports. A zero-sized filesystem reports 0% rather than NaN, which
// would poison every JSON payload the figure lands in.
func newDiskUsage(totalBytes, freeBytes uint64) *DiskUsage {
	usedBytes := totalBytes - freeBytes
	usedPercent := 0.0
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	return &DiskUsage{
		TotalBytes:  totalBytes,
		FreeBytes:   freeBytes,
		UsedBytes:   usedBytes,
		UsedPercent: usedPercent,
	}
}

// statTarget resolves the path a disk query runs against. A data dir
// that has not been created yet falls back to its direct parent so the
// volume it will land on can still be inspected, but no further.
func statTarget(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}

	if _, err := os.Stat(resolved); err == nil {
		return resolved, nil
	}
	if parent := filepath.Dir(resolved); parent != resolved {
		if _, err := os.Stat(parent); err == nil {
			return parent, nil
		}
	}
	return "", fmt.Errorf("path and parent directory do not exist: %s", path)
}

// GetDiskUsageMap returns disk usage keyed for the JSON health and ops
// payloads.
func GetDiskUsageMap(path string) (map[string]interface{}, error) {
	usage, err := GetDiskUsage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage: %w", err)
	}

	return map[string]interface{}{
		"total_bytes":  usage.TotalBytes,
		"free_bytes":   usage.FreeBytes,
		"used_bytes":   usage.UsedBytes,
		"used_percent": usage.UsedPercent,
	}, nil
}
