//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory file.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT
	}
	if opts.Exclusive {
		flags |= unix.O_EXCL
	}
	fd, err := unix.Open(opts.Path, flags, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	size, err := fileSize(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if size < opts.Size {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate %s: %w", opts.Path, err)
		}
		size = opts.Size
	}
	if size == 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: empty file", opts.Path)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", opts.Path, err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Path: opts.Path}, nil
}

// GrowRegion extends the backing file to at least size bytes and remaps the view.
// Bytes past the old end of file read as zero.
func GrowRegion(region *MappedRegion, size int) error {
	cur, err := fileSize(region.Fd)
	if err != nil {
		return err
	}
	if cur < size {
		if err := unix.Ftruncate(region.Fd, int64(size)); err != nil {
			return fmt.Errorf("ftruncate %s: %w", region.Path, err)
		}
	}
	return RemapRegion(region)
}

// RemapRegion refreshes the view so that it covers the whole backing file.
func RemapRegion(region *MappedRegion) error {
	size, err := fileSize(region.Fd)
	if err != nil {
		return err
	}
	if size == len(region.Addr) {
		return nil
	}
	addr, err := unix.Mmap(region.Fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", region.Path, err)
	}
	old := region.Addr
	region.Addr = addr
	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// UnmapRegion unmaps the view and closes the descriptor.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if err := unix.Close(region.Fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	region.Fd = -1
	return errors.Join(errs...)
}

// RemoveRegion unlinks the backing file. A missing file is not an error.
func RemoveRegion(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// LinkRegion publishes a fully initialized file under a new name. It fails with os.ErrExist
// (unix.EEXIST) if the name is taken.
func LinkRegion(oldPath, newPath string) error {
	return unix.Link(oldPath, newPath)
}

// SameFile reports whether path still names the file open as region.
func SameFile(region *MappedRegion) bool {
	var open, named unix.Stat_t
	if err := unix.Fstat(region.Fd, &open); err != nil {
		return false
	}
	if err := unix.Stat(region.Path, &named); err != nil {
		return false
	}
	return open.Dev == named.Dev && open.Ino == named.Ino
}

func fileSize(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return int(st.Size), nil
}
