//go:build unix

package downloader

import (
	"os"

	"golang.org/x/sys/unix"
)

// freeDiskSpace returns the bytes available in dir, or 0 when unknown.
func freeDiskSpace(dir string) int64 {
	stat, err := os.Stat(dir)
	if err != nil || !stat.IsDir() {
		return 0
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return 0
	}

	return int64(fs.Bavail) * int64(fs.Bsize)
}
