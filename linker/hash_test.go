package linker

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestElfHash(t *testing.T) {
	cases := []struct {
		name string
		want uint32
	}{
		{"", 0},
		{"a", 0x61},
		{"ab", 0x672},
		{"abc", 0x6783},
		{"main", 0x737fe},
		{"dlopen", 0x6b366be},
		// Long enough to exercise the high-nibble fold.
		{"abcdefgh", 0x089abaa8},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ElfHash(c.name), "ElfHash(%q)", c.name)
	}
}

// hashObject builds a synthetic object with a hand-wired bucket/chain layout
// so chain traversal can be tested case by case.
func hashObject(nbucket uint32, bucket, chain []uint32, syms []elf.Symbol) *SharedObject {
	all := append([]elf.Symbol{{}}, syms...)
	return &SharedObject{
		name:          "libhash.so",
		synthetic:     true,
		syntheticSyms: all,
		nbucket:       nbucket,
		nchain:        uint32(len(all)),
		bucket:        bucket,
		chain:         chain,
	}
}

func defined(name string, bind elf.SymBind, value uint64) elf.Symbol {
	return elf.Symbol{
		Name:    name,
		Info:    byte(bind)<<4 | byte(elf.STT_FUNC),
		Section: elf.SectionIndex(1),
		Value:   value,
	}
}

func undefined(name string, bind elf.SymBind) elf.Symbol {
	return elf.Symbol{Name: name, Info: byte(bind)<<4 | byte(elf.STT_FUNC)}
}

func TestElfLookupFindsGlobal(t *testing.T) {
	so := hashObject(1, []uint32{1}, []uint32{0, 0},
		[]elf.Symbol{defined("answer", elf.STB_GLOBAL, 0x40)})
	sym, ok := so.elfLookup(ElfHash("answer"), "answer")
	require.True(t, ok)
	require.Equal(t, uint64(0x40), sym.Value)
}

func TestElfLookupEmptyTable(t *testing.T) {
	so := &SharedObject{name: "libempty.so", synthetic: true}
	_, ok := so.elfLookup(ElfHash("anything"), "anything")
	require.False(t, ok)
}

func TestElfLookupStepsOverUndefined(t *testing.T) {
	// Chain: bucket -> undefined "dup" -> defined "dup".
	so := hashObject(1, []uint32{1}, []uint32{0, 2, 0},
		[]elf.Symbol{
			undefined("dup", elf.STB_GLOBAL),
			defined("dup", elf.STB_GLOBAL, 0x80),
		})
	sym, ok := so.elfLookup(ElfHash("dup"), "dup")
	require.True(t, ok)
	require.Equal(t, uint64(0x80), sym.Value)
}

func TestElfLookupSkipsLocals(t *testing.T) {
	so := hashObject(1, []uint32{1}, []uint32{0, 2, 0},
		[]elf.Symbol{
			defined("loc", elf.STB_LOCAL, 0x10),
			defined("loc", elf.STB_GLOBAL, 0x20),
		})
	sym, ok := so.elfLookup(ElfHash("loc"), "loc")
	require.True(t, ok)
	require.Equal(t, uint64(0x20), sym.Value)

	onlyLocal := hashObject(1, []uint32{1}, []uint32{0, 0},
		[]elf.Symbol{defined("loc", elf.STB_LOCAL, 0x10)})
	_, ok = onlyLocal.elfLookup(ElfHash("loc"), "loc")
	require.False(t, ok)
}

func TestElfLookupAcceptsWeakAndGnuUnique(t *testing.T) {
	so := hashObject(3, []uint32{0, 0, 0}, []uint32{0, 0, 0},
		[]elf.Symbol{
			defined("w", elf.STB_WEAK, 0x30),
			defined("u", stbGnuUnique, 0x50),
		})
	so.bucket[ElfHash("w")%3] = 1
	so.bucket[ElfHash("u")%3] = 2

	sym, ok := so.elfLookup(ElfHash("w"), "w")
	require.True(t, ok)
	require.Equal(t, uint64(0x30), sym.Value)
	sym, ok = so.elfLookup(ElfHash("u"), "u")
	require.True(t, ok)
	require.Equal(t, uint64(0x50), sym.Value)
}

func TestElfLookupChainCyclePanics(t *testing.T) {
	so := hashObject(1, []uint32{1}, []uint32{0, 1},
		[]elf.Symbol{defined("x", elf.STB_GLOBAL, 0x10)})
	require.Panics(t, func() {
		so.elfLookup(ElfHash("y"), "y")
	})
}

func TestElfLookupUnexpectedBindingPanics(t *testing.T) {
	so := hashObject(1, []uint32{1}, []uint32{0, 0},
		[]elf.Symbol{defined("odd", elf.SymBind(5), 0x10)})
	require.Panics(t, func() {
		so.elfLookup(ElfHash("odd"), "odd")
	})
}
