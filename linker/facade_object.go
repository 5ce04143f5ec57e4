package linker

import (
	"debug/elf"
	"encoding/binary"
)

const syntheticSlotSize = 16

// NewSyntheticObject builds the "linker-provided" shared object: a record
// whose symbol table is hand-built rather than read from a mapped file, and
// contains exactly the facade's own entry points. It is reachable through
// RTLD_DEFAULT/RTLD_NEXT traversal like any other object.
//
// The bucket array is sized so that every symbol lands in its own bucket,
// keeping each lookup a single probe over an all-zero chain. Two entry
// points sharing a full hash value would make that impossible and is a
// fatal configuration error, caught here at construction.
func NewSyntheticObject(name string, base uint64, symbolNames []string) *SharedObject {
	syms := make([]elf.Symbol, 1, len(symbolNames)+1)
	for i, n := range symbolNames {
		syms = append(syms, elf.Symbol{
			Name:    n,
			Info:    byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
			Section: elf.SectionIndex(1),
			Value:   base + uint64(i+1)*syntheticSlotSize,
			Size:    syntheticSlotSize,
		})
	}
	hashes := make(map[uint32]string, len(syms))
	for i := 1; i < len(syms); i++ {
		h := ElfHash(syms[i].Name)
		prev, dup := hashes[h]
		invariant(!dup, "synthetic object %q: symbols %q and %q share hash %#x", name, prev, syms[i].Name, h)
		hashes[h] = syms[i].Name
	}
	nbucket := uint32(2*len(symbolNames) + 1)
	var bucket []uint32
	for {
		bucket = make([]uint32, nbucket)
		collided := false
		for i := 1; i < len(syms); i++ {
			h := ElfHash(syms[i].Name) % nbucket
			if bucket[h] != 0 {
				collided = true
				break
			}
			bucket[h] = uint32(i)
		}
		if !collided {
			break
		}
		nbucket++
	}
	return &SharedObject{
		name:               name,
		kind:               KindSyntheticFacade,
		base:               base,
		size:               uint64(len(syms)+1) * syntheticSlotSize,
		class:              elf.ELFCLASS64,
		order:              binary.LittleEndian,
		synthetic:          true,
		syntheticSyms:      syms,
		nbucket:            nbucket,
		nchain:             uint32(len(syms)),
		bucket:             bucket,
		chain:              make([]uint32, len(syms)),
		refCount:           1,
		constructorsCalled: true,
	}
}

// NearestSymbol finds the defined symbol whose [value, value+size) range
// contains addr. Used by the dladdr path after the containing object is
// known.
func (so *SharedObject) NearestSymbol(addr uint64) (*elf.Symbol, bool) {
	var best *elf.Symbol
	for i := uint32(1); i < so.symbolCount(); i++ {
		sym, err := so.symbol(i)
		if err != nil {
			continue
		}
		if sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		start := so.symbolAddress(sym)
		if addr < start || addr >= start+sym.Size {
			continue
		}
		if best == nil || so.symbolAddress(best) < start {
			best = sym
		}
	}
	return best, best != nil
}
