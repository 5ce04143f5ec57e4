package linker

import (
	"fmt"
	"sync"
)

// BlockAllocator hands out fixed-size blocks from a page-backed buffer that
// stays read-only except inside an explicit mutation window. The loader's
// bookkeeping records live here so application code running between linker
// operations cannot scribble over them.
//
// On linux the buffer is an anonymous mapping and protection is real
// mprotect; elsewhere protection is enforced logically by the mutation
// counter alone. Either way, touching the allocator outside a mutation
// window is an invariant violation.
type BlockAllocator struct {
	mu        sync.Mutex
	buf       []byte
	blockSize int
	used      []bool
	depth     int
	protect   func(writable bool) error
	release   func() error
}

// MutationGuard marks an open mutation window. End restores read-only
// protection; windows nest because constructors called under one may
// re-enter the linker.
type MutationGuard struct {
	a    *BlockAllocator
	done bool
}

func NewBlockAllocator(blockSize, nblocks int) (*BlockAllocator, error) {
	if blockSize <= 0 || nblocks <= 0 {
		return nil, fmt.Errorf("bad allocator geometry %dx%d", blockSize, nblocks)
	}
	buf, protect, release, err := newProtectedBuffer(blockSize * nblocks)
	if err != nil {
		return nil, err
	}
	a := &BlockAllocator{
		buf:       buf,
		blockSize: blockSize,
		used:      make([]bool, nblocks),
		protect:   protect,
		release:   release,
	}
	if err := a.protect(false); err != nil {
		_ = a.release()
		return nil, err
	}
	return a, nil
}

func (a *BlockAllocator) BeginMutation() *MutationGuard {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.depth == 0 {
		if err := a.protect(true); err != nil {
			panic(fmt.Sprintf("linker: cannot unprotect metadata: %v", err))
		}
	}
	a.depth++
	return &MutationGuard{a: a}
}

func (g *MutationGuard) End() {
	if g.done {
		return
	}
	g.done = true
	a := g.a
	a.mu.Lock()
	defer a.mu.Unlock()
	invariant(a.depth > 0, "mutation guard ended twice")
	a.depth--
	if a.depth == 0 {
		if err := a.protect(false); err != nil {
			panic(fmt.Sprintf("linker: cannot reprotect metadata: %v", err))
		}
	}
}

// Alloc returns the index of a free block. Requires an open mutation window.
func (a *BlockAllocator) Alloc() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	invariant(a.depth > 0, "allocation outside mutation window")
	for i, inUse := range a.used {
		if !inUse {
			a.used[i] = true
			blk := a.block(i)
			for j := range blk {
				blk[j] = 0
			}
			return i, nil
		}
	}
	return 0, fmt.Errorf("metadata arena exhausted (%d blocks)", len(a.used))
}

func (a *BlockAllocator) Free(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	invariant(a.depth > 0, "free outside mutation window")
	invariant(idx >= 0 && idx < len(a.used) && a.used[idx], "free of unallocated block %d", idx)
	a.used[idx] = false
}

// Block returns the raw bytes of an allocated block. Writes to it are only
// legal inside a mutation window; on linux the page protection enforces
// this in hardware.
func (a *BlockAllocator) Block(idx int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	invariant(idx >= 0 && idx < len(a.used) && a.used[idx], "access to unallocated block %d", idx)
	return a.block(idx)
}

func (a *BlockAllocator) block(idx int) []byte {
	return a.buf[idx*a.blockSize : (idx+1)*a.blockSize : (idx+1)*a.blockSize]
}

func (a *BlockAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.buf = nil
	return err
}
