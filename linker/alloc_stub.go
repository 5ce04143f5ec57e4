//go:build !linux

package linker

// Without mprotect the arena protection is purely logical: the mutation
// counter in BlockAllocator still rejects out-of-window access.
func newProtectedBuffer(size int) ([]byte, func(bool) error, func() error, error) {
	buf := make([]byte, size)
	protect := func(bool) error { return nil }
	release := func() error { return nil }
	return buf, protect, release, nil
}
