//go:build !windows
// +build !windows

package fsutil

import (
	"fmt"
	"syscall"
)

// GetDiskUsage reports capacity of the filesystem holding path.
func GetDiskUsage(path string) (*DiskUsage, error) {
	target, err := statTarget(path)
	if err != nil {
		return nil, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(target, &stat); err != nil {
		return nil, fmt.Errorf("failed to get filesystem stats: %w", err)
	}

	// Bavail counts blocks available to unprivileged callers, which is
	// the headroom the store actually has
	total := stat.Blocks * uint64(stat.Bsize) // #nosec G115 - block size is positive
	free := stat.Bavail * uint64(stat.Bsize)  // #nosec G115 - block size is positive
	return newDiskUsage(total, free), nil
}
