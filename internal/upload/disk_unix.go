// SPDX-License-Identifier: MIT

//go:build !windows

package upload

import "syscall"

// physicalFree probes the filesystem backing path.
func physicalFree(path string) (physSpace, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return physSpace{}, err
	}
	// #nosec G115 -- block counts and sizes are within int64 range
	return physSpace{
		total: int64(stat.Blocks) * int64(stat.Bsize),
		free:  int64(stat.Bavail) * int64(stat.Bsize),
	}, nil
}
