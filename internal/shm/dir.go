package shm

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShm = "/dev/shm"

// DefaultDir returns /dev/shm when it is available, os.TempDir() otherwise.
func DefaultDir() string {
	if runtime.GOOS == "linux" {
		if info, err := os.Stat(devShm); err == nil && info.IsDir() {
			return devShm
		}
	}
	return os.TempDir()
}

// PathExists reports whether path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CanCreate reports whether size more bytes fit on the filesystem holding dir. It only
// checks tmpfs under /dev/shm, where running out of space turns into SIGBUS on first touch.
func CanCreate(dir string, size uint64) bool {
	if filepath.Clean(dir) != devShm {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
