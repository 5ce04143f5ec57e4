package linker

import "debug/elf"

// STB_GNU_UNIQUE; treated identically to STB_GLOBAL.
const stbGnuUnique = elf.SymBind(10)

// ElfHash is the classic PJW/ELF symbol hash. ElfHash("") == 0.
func ElfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		h ^= g
		h ^= g >> 24
	}
	return h
}

// elfLookup walks this object's hash chain for a defined global or weak
// symbol named name. Undefined entries stay in the chain and are stepped
// over; locals are skipped. Any other binding is an internal-consistency
// failure.
func (so *SharedObject) elfLookup(hash uint32, name string) (*elf.Symbol, bool) {
	if so.nbucket == 0 {
		return nil, false
	}
	steps := so.nchain
	for n := so.bucket[hash%so.nbucket]; n != 0; n = so.chain[n] {
		invariant(steps > 0, "hash chain cycle in %q", so.name)
		steps--
		if n >= so.symbolCount() {
			return nil, false
		}
		sym, err := so.symbol(n)
		if err != nil {
			return nil, false
		}
		if sym.Name != name {
			continue
		}
		switch bind := elf.ST_BIND(sym.Info); bind {
		case elf.STB_GLOBAL, elf.STB_WEAK, stbGnuUnique:
			if sym.Section == elf.SHN_UNDEF {
				continue
			}
			return sym, true
		case elf.STB_LOCAL:
			continue
		default:
			invariant(false, "unexpected binding %d for symbol %q in %q", bind, name, so.name)
		}
	}
	return nil, false
}
