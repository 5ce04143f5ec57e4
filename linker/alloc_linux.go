//go:build linux

package linker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newProtectedBuffer backs the metadata arena with an anonymous mapping so
// protection toggling is real mprotect, not bookkeeping.
func newProtectedBuffer(size int) ([]byte, func(bool) error, func() error, error) {
	pageSize := unix.Getpagesize()
	size = (size + pageSize - 1) &^ (pageSize - 1)
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("map metadata arena: %w", err)
	}
	protect := func(writable bool) error {
		prot := unix.PROT_READ
		if writable {
			prot |= unix.PROT_WRITE
		}
		return unix.Mprotect(buf, prot)
	}
	release := func() error {
		return unix.Munmap(buf)
	}
	return buf, protect, release, nil
}
