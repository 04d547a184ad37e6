//go:build windows
// +build windows

package fsutil

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Resolved once so repeated health probes do not re-walk the DLL.
var (
	kernel32           = syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpaceEx = kernel32.NewProc("GetDiskFreeSpaceExW")
)

// GetDiskUsage reports capacity of the volume holding path.
func GetDiskUsage(path string) (*DiskUsage, error) {
	target, err := statTarget(path)
	if err != nil {
		return nil, err
	}

	pathPtr, err := syscall.UTF16PtrFromString(target)
	if err != nil {
		return nil, fmt.Errorf("failed to convert path to UTF16: %w", err)
	}

	// freeToCaller honors per-user quotas, so it is the figure that
	// matches what writes will actually see
	var freeToCaller, total, totalFree uint64
	ret, _, callErr := getDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&freeToCaller)),
		uintptr(unsafe.Pointer(&total)),
		uintptr(unsafe.Pointer(&totalFree)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("GetDiskFreeSpaceEx failed: %w", callErr)
	}

	return newDiskUsage(total, freeToCaller), nil
}
