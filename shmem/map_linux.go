//go:build linux

package shmem

import (
	"fmt"
	"os"

	"github.com/c35s/scmi/platform"
	"golang.org/x/sys/unix"
)

// MapFile maps a region backed by a regular file, growing the file to
// size if needed. A file-backed region lets a firmware emulator in
// another process map the same area.
func MapFile(path string, size int) (*Region, error) {
	if size < MinSize {
		return nil, fmt.Errorf("shmem: region is too small: %d < %d", size, MinSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, err
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	r, err := New(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	r.munmap = func() error {
		return unix.Munmap(mem)
	}

	return r, nil
}

// MapDevMem maps the physical address range of res through /dev/mem. The
// mapping is page aligned; the region views only the resource itself.
func MapDevMem(res platform.Resource) (*Region, error) {
	if res.Size < MinSize {
		return nil, fmt.Errorf("shmem: region is too small: %d < %d", res.Size, MinSize)
	}

	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	pgsz := uint64(os.Getpagesize())
	base := res.Start &^ (pgsz - 1)
	span := int(res.Start - base + res.Size)

	mem, err := unix.Mmap(int(f.Fd()), int64(base), span,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %#x: %w", res.Start, err)
	}

	r, err := New(mem[res.Start-base:])
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	r.munmap = func() error {
		return unix.Munmap(mem)
	}

	return r, nil
}
