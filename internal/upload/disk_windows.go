// SPDX-License-Identifier: MIT

//go:build windows

package upload

import (
	"syscall"
	"unsafe"
)

// physicalFree probes the volume backing path.
func physicalFree(path string) (physSpace, error) {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	proc := kernel32.NewProc("GetDiskFreeSpaceExW")
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return physSpace{}, err
	}
	var freeAvail, total, totalFree uint64
	r1, _, callErr := proc.Call(
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&freeAvail)),
		uintptr(unsafe.Pointer(&total)),
		uintptr(unsafe.Pointer(&totalFree)),
	)
	if r1 == 0 {
		return physSpace{}, callErr
	}
	// #nosec G115 -- volume sizes fit int64
	return physSpace{total: int64(total), free: int64(freeAvail)}, nil
}
