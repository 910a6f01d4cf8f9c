// Package mmap memory-maps files for the partition and node-state
// stores, backed by real mmap syscalls through golang.org/x/sys/unix so
// the mapped pages stay shared with the kernel page cache for crash
// consistency.
package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// Map memory-maps the first size bytes of fd for shared reading and
// writing. The file must already be at least size bytes long.
func Map(fd *os.File, size int64) ([]byte, error) {
	buf, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Flush asks the kernel to write back any dirty pages in buf and blocks
// until it has done so.
func Flush(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Msync(buf, unix.MS_SYNC)
}

// Unmap releases buf's mapping. buf must not be used after this returns.
func Unmap(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Munmap(buf)
}

// OpenSized opens (creating if absent) the file at path and ensures it is
// at least size bytes, growing it with zero-fill if it is smaller.
// Growing never truncates: an existing, larger file is left untouched so
// a partition file is never corrupted by a later OpenSized call with a
// stale size.
func OpenSized(path string, size int64) (fd *os.File, created bool, err error) {
	_, statErr := os.Stat(path)
	created = os.IsNotExist(statErr)

	fd, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, err
	}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, false, err
	}
	if info.Size() < size {
		if err := fd.Truncate(size); err != nil {
			fd.Close()
			return nil, false, err
		}
	}
	return fd, created, nil
}
