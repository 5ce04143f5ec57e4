package linker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockAllocatorGeometry(t *testing.T) {
	_, err := NewBlockAllocator(0, 4)
	require.Error(t, err)
	_, err = NewBlockAllocator(32, 0)
	require.Error(t, err)
}

func TestBlockAllocatorAllocFree(t *testing.T) {
	a, err := NewBlockAllocator(32, 2)
	require.NoError(t, err)
	defer a.Close()

	guard := a.BeginMutation()
	defer guard.End()

	i, err := a.Alloc()
	require.NoError(t, err)
	j, err := a.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, i, j)

	_, err = a.Alloc()
	require.Error(t, err, "arena exhausted")

	blk := a.Block(i)
	require.Len(t, blk, 32)
	blk[0] = 0xAA

	a.Free(i)
	k, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, i, k)
	require.Equal(t, byte(0), a.Block(k)[0], "reused block must come back zeroed")
}

func TestBlockAllocatorRequiresMutationWindow(t *testing.T) {
	a, err := NewBlockAllocator(32, 2)
	require.NoError(t, err)
	defer a.Close()

	require.Panics(t, func() { a.Alloc() })
	require.Panics(t, func() { a.Free(0) })

	guard := a.BeginMutation()
	i, err := a.Alloc()
	require.NoError(t, err)
	guard.End()

	require.Panics(t, func() { a.Free(i) })
}

func TestBlockAllocatorNestedWindows(t *testing.T) {
	a, err := NewBlockAllocator(32, 4)
	require.NoError(t, err)
	defer a.Close()

	outer := a.BeginMutation()
	inner := a.BeginMutation()
	_, err = a.Alloc()
	require.NoError(t, err)
	inner.End()

	// Outer window still open.
	_, err = a.Alloc()
	require.NoError(t, err)
	outer.End()

	require.Panics(t, func() { a.Alloc() })
}

func TestBlockAllocatorGuardEndIdempotent(t *testing.T) {
	a, err := NewBlockAllocator(32, 2)
	require.NoError(t, err)
	defer a.Close()

	guard := a.BeginMutation()
	guard.End()
	guard.End()
	require.Panics(t, func() { a.Alloc() })
}

func TestBlockAllocatorBlockBounds(t *testing.T) {
	a, err := NewBlockAllocator(32, 2)
	require.NoError(t, err)
	defer a.Close()

	require.Panics(t, func() { a.Block(0) }, "unallocated block")
	require.Panics(t, func() { a.Block(-1) })
	require.Panics(t, func() { a.Block(2) })
}

func TestBlockAllocatorClose(t *testing.T) {
	a, err := NewBlockAllocator(32, 2)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "double close is a no-op")
}
