//go:build unix

package storage

import "golang.org/x/sys/unix"

// diskFree returns the bytes available to unprivileged users on dir's volume.
func diskFree(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
