package linker

import (
	"debug/elf"
	"fmt"
	"math"
)

type relocKind int

const (
	relocAbsolute relocKind = iota
	relocPCRel
	relocRelative
	relocCopy
	relocMipsRel32
)

type relocInfo struct {
	width      int
	kind       relocKind
	usesAddend bool // implicit addend read from the target for REL-format tables
	checked    bool // narrow result must fit the target width
	signed     bool
}

// Per-architecture relocation semantics. Any type absent here (other than
// R_*_NONE) is a fatal, named error; application never silently skips
// unknown types.
var relocTable = map[elf.Machine]map[uint32]relocInfo{
	elf.EM_X86_64: {
		uint32(elf.R_X86_64_64):       {width: 8, kind: relocAbsolute, usesAddend: true},
		uint32(elf.R_X86_64_GLOB_DAT): {width: 8, kind: relocAbsolute},
		uint32(elf.R_X86_64_JMP_SLOT): {width: 8, kind: relocAbsolute},
		uint32(elf.R_X86_64_RELATIVE): {width: 8, kind: relocRelative, usesAddend: true},
		uint32(elf.R_X86_64_32):       {width: 4, kind: relocAbsolute, usesAddend: true, checked: true},
		uint32(elf.R_X86_64_PC32):     {width: 4, kind: relocPCRel, usesAddend: true, checked: true, signed: true},
		uint32(elf.R_X86_64_COPY):     {kind: relocCopy},
	},
	elf.EM_AARCH64: {
		uint32(elf.R_AARCH64_ABS64):     {width: 8, kind: relocAbsolute, usesAddend: true},
		uint32(elf.R_AARCH64_ABS32):     {width: 4, kind: relocAbsolute, usesAddend: true, checked: true},
		uint32(elf.R_AARCH64_GLOB_DAT):  {width: 8, kind: relocAbsolute},
		uint32(elf.R_AARCH64_JUMP_SLOT): {width: 8, kind: relocAbsolute},
		uint32(elf.R_AARCH64_RELATIVE):  {width: 8, kind: relocRelative, usesAddend: true},
		uint32(elf.R_AARCH64_PREL32):    {width: 4, kind: relocPCRel, usesAddend: true, checked: true, signed: true},
		uint32(elf.R_AARCH64_COPY):      {kind: relocCopy},
	},
	elf.EM_ARM: {
		uint32(elf.R_ARM_ABS32):     {width: 4, kind: relocAbsolute, usesAddend: true},
		uint32(elf.R_ARM_REL32):     {width: 4, kind: relocPCRel, usesAddend: true},
		uint32(elf.R_ARM_GLOB_DAT):  {width: 4, kind: relocAbsolute},
		uint32(elf.R_ARM_JUMP_SLOT): {width: 4, kind: relocAbsolute},
		uint32(elf.R_ARM_RELATIVE):  {width: 4, kind: relocRelative, usesAddend: true},
		uint32(elf.R_ARM_COPY):      {kind: relocCopy},
	},
	elf.EM_386: {
		uint32(elf.R_386_32):       {width: 4, kind: relocAbsolute, usesAddend: true},
		uint32(elf.R_386_PC32):     {width: 4, kind: relocPCRel, usesAddend: true},
		uint32(elf.R_386_GLOB_DAT): {width: 4, kind: relocAbsolute},
		uint32(elf.R_386_JMP_SLOT): {width: 4, kind: relocAbsolute},
		uint32(elf.R_386_RELATIVE): {width: 4, kind: relocRelative, usesAddend: true},
		uint32(elf.R_386_COPY):     {kind: relocCopy},
	},
	elf.EM_MIPS: {
		uint32(elf.R_MIPS_REL32): {width: 4, kind: relocMipsRel32, usesAddend: true},
	},
}

// Relocator applies relocation tables against resolved symbols.
type Relocator struct {
	space AddressSpace
	res   *Resolver
}

func NewRelocator(space AddressSpace, res *Resolver) *Relocator {
	return &Relocator{space: space, res: res}
}

// Relocate applies the data table then the PLT table of obj, plus the
// global GOT fix-up pass on MIPS. Null tables are skipped entirely.
func (rl *Relocator) Relocate(obj *SharedObject) error {
	if obj.relAddr != 0 {
		if err := rl.ApplyTable(obj, obj.relAddr, obj.relCount, obj.relaFormat); err != nil {
			return err
		}
	}
	if obj.pltRelAddr != 0 {
		if err := rl.ApplyTable(obj, obj.pltRelAddr, obj.pltRelCount, obj.pltRela); err != nil {
			return err
		}
	}
	if obj.machine == elf.EM_MIPS {
		return rl.fixupGlobalGot(obj)
	}
	return nil
}

// ApplyTable applies one relocation table. rela selects the
// explicit-addend encoding.
func (rl *Relocator) ApplyTable(obj *SharedObject, table uint64, count int, rela bool) error {
	ent := obj.relEntSize(rela)
	for i := 0; i < count; i++ {
		off, symIdx, typ, addend, err := rl.readEntry(obj, table+uint64(i)*ent, rela)
		if err != nil {
			return fmt.Errorf("%s: relocation %d: %w", obj.name, i, err)
		}
		if typ == 0 || (obj.machine == elf.EM_AARCH64 && typ == uint32(elf.R_AARCH64_NONE)) {
			continue // R_*_NONE
		}
		info, ok := relocTable[obj.machine][typ]
		if !ok {
			return &UnsupportedRelocationError{Object: obj.name, Type: typ, Index: i, Reason: "unknown relocation type"}
		}
		target := obj.loadBias + off

		var symAddr uint64
		if symIdx != 0 {
			symAddr, err = rl.resolveSymbol(obj, symIdx)
			if err != nil {
				return err
			}
		}

		// REL-format entries keep their addend in the target word itself;
		// jump-slot and GOT-entry forms overwrite without one.
		if !rela && info.usesAddend && info.kind != relocCopy {
			word, err := readWord(rl.space, target, info.width, obj.order)
			if err != nil {
				return fmt.Errorf("%s: relocation %d: %w", obj.name, i, err)
			}
			addend = signExtend(word, info.width)
		}

		var value uint64
		switch info.kind {
		case relocRelative:
			if symIdx != 0 {
				return &UnsupportedRelocationError{Object: obj.name, Type: typ, Index: i, Reason: "odd RELATIVE form (non-zero symbol index)"}
			}
			value = obj.loadBias + uint64(addend)
		case relocAbsolute:
			value = symAddr + uint64(addend)
		case relocPCRel:
			value = symAddr + uint64(addend) - target
		case relocMipsRel32:
			if symAddr != 0 {
				value = uint64(addend) + symAddr
			} else {
				value = uint64(addend) + obj.loadBias
			}
		case relocCopy:
			if obj.kind != KindMainExecutable {
				return &UnsupportedRelocationError{Object: obj.name, Type: typ, Index: i, Reason: "copy relocation in a shared object"}
			}
			if err := rl.copySymbol(obj, symIdx, symAddr, target); err != nil {
				return fmt.Errorf("%s: relocation %d: %w", obj.name, i, err)
			}
			continue
		}

		if info.checked && info.width == 4 {
			if info.signed {
				if v := int64(value); v > math.MaxInt32 || v < math.MinInt32 {
					return &UnsupportedRelocationError{Object: obj.name, Type: typ, Index: i, Reason: fmt.Sprintf("result %#x out of signed 32-bit range", value)}
				}
			} else if value > math.MaxUint32 {
				return &UnsupportedRelocationError{Object: obj.name, Type: typ, Index: i, Reason: fmt.Sprintf("result %#x out of 32-bit range", value)}
			}
		}

		if err := writeWord(rl.space, target, info.width, obj.order, value); err != nil {
			return fmt.Errorf("%s: relocation %d: %w", obj.name, i, err)
		}
	}
	return nil
}

// resolveSymbol finds the runtime address for a relocation's symbol.
// Locals and the bootstrapping linker object resolve to themselves; weak
// unresolved symbols resolve to zero; anything else unresolved fails the
// load.
func (rl *Relocator) resolveSymbol(obj *SharedObject, symIdx uint32) (uint64, error) {
	sym, err := obj.symbol(symIdx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", obj.name, err)
	}
	if obj.kind == KindLinkerBootstrap || elf.ST_BIND(sym.Info) == elf.STB_LOCAL {
		return obj.symbolAddress(sym), nil
	}
	if res, found := rl.res.DoLookup(obj, sym.Name); found {
		return res.Address(), nil
	}
	if elf.ST_BIND(sym.Info) == elf.STB_WEAK {
		return 0, nil
	}
	return 0, &MissingSymbolError{Symbol: sym.Name, Object: obj.name}
}

func (rl *Relocator) copySymbol(obj *SharedObject, symIdx uint32, symAddr, target uint64) error {
	sym, err := obj.symbol(symIdx)
	if err != nil {
		return err
	}
	if symAddr == 0 || sym.Size == 0 {
		return nil
	}
	buf := make([]byte, sym.Size)
	if err := rl.space.ReadAt(buf, symAddr); err != nil {
		return err
	}
	return rl.space.WriteAt(buf, target)
}

// fixupGlobalGot walks the global part of a MIPS-style GOT, writing the
// resolved address of every symbol from DT_MIPS_GOTSYM up to the
// symbol-table count, or zero for unresolved weak symbols.
func (rl *Relocator) fixupGlobalGot(obj *SharedObject) error {
	if obj.gotAddr == 0 || obj.mipsSymtabNo == 0 {
		return nil
	}
	ws := uint64(obj.wordSize())
	for i := obj.mipsGotSym; i < obj.mipsSymtabNo; i++ {
		sym, err := obj.symbol(i)
		if err != nil {
			return fmt.Errorf("%s: GOT symbol %d: %w", obj.name, i, err)
		}
		var addr uint64
		if elf.ST_BIND(sym.Info) == elf.STB_LOCAL {
			addr = obj.symbolAddress(sym)
		} else if res, found := rl.res.DoLookup(obj, sym.Name); found {
			addr = res.Address()
		} else if elf.ST_BIND(sym.Info) == elf.STB_WEAK {
			addr = 0
		} else {
			return &MissingSymbolError{Symbol: sym.Name, Object: obj.name}
		}
		slot := obj.gotAddr + uint64(obj.mipsLocalGot+(i-obj.mipsGotSym))*ws
		if err := writeWord(rl.space, slot, obj.wordSize(), obj.order, addr); err != nil {
			return fmt.Errorf("%s: GOT entry %d: %w", obj.name, i, err)
		}
	}
	return nil
}

func (rl *Relocator) readEntry(obj *SharedObject, addr uint64, rela bool) (off uint64, symIdx uint32, typ uint32, addend int64, err error) {
	if obj.class == elf.ELFCLASS64 {
		off, err = readWord(rl.space, addr, 8, obj.order)
		if err != nil {
			return
		}
		var inf uint64
		inf, err = readWord(rl.space, addr+8, 8, obj.order)
		if err != nil {
			return
		}
		symIdx = uint32(inf >> 32)
		typ = uint32(inf)
		if rela {
			var a uint64
			a, err = readWord(rl.space, addr+16, 8, obj.order)
			if err != nil {
				return
			}
			addend = int64(a)
		}
		return
	}
	off, err = readWord(rl.space, addr, 4, obj.order)
	if err != nil {
		return
	}
	var inf uint64
	inf, err = readWord(rl.space, addr+4, 4, obj.order)
	if err != nil {
		return
	}
	symIdx = uint32(inf >> 8)
	typ = uint32(inf & 0xff)
	if rela {
		var a uint64
		a, err = readWord(rl.space, addr+8, 4, obj.order)
		if err != nil {
			return
		}
		addend = signExtend(a, 4)
	}
	return
}

func signExtend(v uint64, width int) int64 {
	switch width {
	case 4:
		return int64(int32(uint32(v)))
	case 2:
		return int64(int16(uint16(v)))
	case 1:
		return int64(int8(uint8(v)))
	}
	return int64(v)
}
