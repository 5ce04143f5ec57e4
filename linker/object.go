package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ObjectKind replaces the C-style flag bits distinguishing how an object
// entered the process.
type ObjectKind int

const (
	KindLibrary ObjectKind = iota
	KindMainExecutable
	KindLinkerBootstrap
	KindSyntheticFacade
)

func (k ObjectKind) String() string {
	switch k {
	case KindLibrary:
		return "library"
	case KindMainExecutable:
		return "executable"
	case KindLinkerBootstrap:
		return "linker"
	case KindSyntheticFacade:
		return "facade"
	}
	return fmt.Sprintf("ObjectKind(%d)", int(k))
}

// ObjectID is a generation-checked handle into the registry arena. A stale
// ID (the slot was reused after unload) resolves to nothing instead of a
// dangling record.
type ObjectID struct {
	index uint32
	gen   uint32
}

// NoObject is the zero ObjectID; it never resolves.
var NoObject ObjectID

func (id ObjectID) valid() bool { return id.gen != 0 }

// Dynamic tags not covered by debug/elf's portable set.
const (
	dtMipsLocalGotNo elf.DynTag = 0x7000000a
	dtMipsSymtabNo   elf.DynTag = 0x70000011
	dtMipsGotSym     elf.DynTag = 0x70000013
)

// SharedObject is the per-image record: memory layout, symbol machinery,
// relocation tables, lifecycle state and graph edges. One exists per
// distinct (device, inode) at any time.
type SharedObject struct {
	id   ObjectID
	name string
	kind ObjectKind
	dev  uint64
	ino  uint64

	base     uint64
	size     uint64
	loadBias uint64
	entry    uint64
	phdrs    []elf.ProgHeader

	class   elf.Class
	machine elf.Machine
	order   binary.ByteOrder
	space   AddressSpace
	release func() error

	// Dynamic-section derived.
	symtab     uint64
	strtab     uint64
	strtabSize uint64
	nbucket    uint32
	nchain     uint32
	bucket     []uint32
	chain      []uint32
	needed     []string

	pltRelAddr  uint64
	pltRelCount int
	pltRela     bool
	relAddr     uint64
	relCount    int
	relaFormat  bool

	initFunc          uint64
	finiFunc          uint64
	initArray         uint64
	initArrayCount    int
	finiArray         uint64
	finiArrayCount    int
	preinitArray      uint64
	preinitArrayCount int

	symbolic bool
	textRels bool

	gotAddr      uint64
	mipsSymtabNo uint32
	mipsLocalGot uint32
	mipsGotSym   uint32

	// Lifecycle.
	refCount           int
	constructorsCalled bool
	children           []ObjectID
	parents            []ObjectID

	// Synthetic objects carry a hand-built symbol table instead of one
	// read out of a mapped image.
	synthetic     bool
	syntheticSyms []elf.Symbol

	symCache map[uint32]*elf.Symbol
	recIdx   int
}

func (so *SharedObject) ID() ObjectID            { return so.id }
func (so *SharedObject) Name() string            { return so.name }
func (so *SharedObject) Kind() ObjectKind        { return so.kind }
func (so *SharedObject) Base() uint64            { return so.base }
func (so *SharedObject) Size() uint64            { return so.size }
func (so *SharedObject) LoadBias() uint64        { return so.loadBias }
func (so *SharedObject) Entry() uint64           { return so.entry }
func (so *SharedObject) Phdrs() []elf.ProgHeader { return so.phdrs }
func (so *SharedObject) Needed() []string        { return so.needed }
func (so *SharedObject) RefCount() int           { return so.refCount }

func (so *SharedObject) wordSize() int {
	if so.class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func (so *SharedObject) contains(addr uint64) bool {
	return addr >= so.base && addr < so.base+so.size
}

// parseDynamic walks PT_DYNAMIC once, populating every derived field.
// Unknown tags are ignored for forward compatibility.
func (so *SharedObject) parseDynamic() error {
	var dyn *elf.ProgHeader
	for i := range so.phdrs {
		if so.phdrs[i].Type == elf.PT_DYNAMIC {
			dyn = &so.phdrs[i]
			break
		}
	}
	if dyn == nil {
		return fmt.Errorf("%s: no PT_DYNAMIC segment", so.name)
	}

	var (
		strsz, syment           uint64
		hashAddr                uint64
		relSz, relaSz, pltRelSz uint64
		relEnt, relaEnt         uint64
		pltRelTag               uint64
		relA, relaA, pltA       uint64
		initArrSz, finiArrSz    uint64
		preinitArrSz            uint64
		neededOffs              []uint64
		sonameOff               = uint64(0)
		haveSoname              bool
	)

	entSize := uint64(8)
	if so.class == elf.ELFCLASS64 {
		entSize = 16
	}
	for off := uint64(0); off+entSize <= dyn.Memsz; off += entSize {
		addr := so.loadBias + dyn.Vaddr + off
		var tag, val uint64
		var err error
		if so.class == elf.ELFCLASS64 {
			tag, err = readWord(so.space, addr, 8, so.order)
			if err == nil {
				val, err = readWord(so.space, addr+8, 8, so.order)
			}
		} else {
			tag, err = readWord(so.space, addr, 4, so.order)
			if err == nil {
				val, err = readWord(so.space, addr+4, 4, so.order)
			}
		}
		if err != nil {
			return fmt.Errorf("%s: dynamic section: %w", so.name, err)
		}
		dt := elf.DynTag(tag)
		if dt == elf.DT_NULL {
			break
		}
		switch dt {
		case elf.DT_STRTAB:
			so.strtab = so.loadBias + val
		case elf.DT_STRSZ:
			strsz = val
		case elf.DT_SYMTAB:
			so.symtab = so.loadBias + val
		case elf.DT_SYMENT:
			syment = val
		case elf.DT_HASH:
			hashAddr = so.loadBias + val
		case elf.DT_NEEDED:
			neededOffs = append(neededOffs, val)
		case elf.DT_SONAME:
			sonameOff, haveSoname = val, true
		case elf.DT_REL:
			relA = so.loadBias + val
		case elf.DT_RELSZ:
			relSz = val
		case elf.DT_RELENT:
			relEnt = val
		case elf.DT_RELA:
			relaA = so.loadBias + val
		case elf.DT_RELASZ:
			relaSz = val
		case elf.DT_RELAENT:
			relaEnt = val
		case elf.DT_JMPREL:
			pltA = so.loadBias + val
		case elf.DT_PLTRELSZ:
			pltRelSz = val
		case elf.DT_PLTREL:
			pltRelTag = val
		case elf.DT_PLTGOT:
			so.gotAddr = so.loadBias + val
		case elf.DT_INIT:
			so.initFunc = so.loadBias + val
		case elf.DT_FINI:
			so.finiFunc = so.loadBias + val
		case elf.DT_INIT_ARRAY:
			so.initArray = so.loadBias + val
		case elf.DT_INIT_ARRAYSZ:
			initArrSz = val
		case elf.DT_FINI_ARRAY:
			so.finiArray = so.loadBias + val
		case elf.DT_FINI_ARRAYSZ:
			finiArrSz = val
		case elf.DT_PREINIT_ARRAY:
			so.preinitArray = so.loadBias + val
		case elf.DT_PREINIT_ARRAYSZ:
			preinitArrSz = val
		case elf.DT_SYMBOLIC:
			so.symbolic = true
		case elf.DT_TEXTREL:
			so.textRels = true
		case elf.DT_FLAGS:
			if val&uint64(elf.DF_SYMBOLIC) != 0 {
				so.symbolic = true
			}
			if val&uint64(elf.DF_TEXTREL) != 0 {
				so.textRels = true
			}
		case dtMipsSymtabNo:
			so.mipsSymtabNo = uint32(val)
		case dtMipsLocalGotNo:
			so.mipsLocalGot = uint32(val)
		case dtMipsGotSym:
			so.mipsGotSym = uint32(val)
		}
	}

	so.strtabSize = strsz
	if syment == 0 {
		syment = uint64(so.symEntSize())
	}
	if syment != uint64(so.symEntSize()) {
		return fmt.Errorf("%s: unexpected DT_SYMENT %d", so.name, syment)
	}

	ws := uint64(so.wordSize())
	so.initArrayCount = int(initArrSz / ws)
	so.finiArrayCount = int(finiArrSz / ws)
	so.preinitArrayCount = int(preinitArrSz / ws)

	// Exactly one of the explicit-addend and implicit-addend data tables
	// may be populated per object.
	switch {
	case relaA != 0 && relA != 0:
		return fmt.Errorf("%s: both DT_REL and DT_RELA present", so.name)
	case relaA != 0:
		if relaEnt == 0 {
			relaEnt = so.relEntSize(true)
		}
		so.relAddr, so.relaFormat = relaA, true
		so.relCount = int(relaSz / relaEnt)
	case relA != 0:
		if relEnt == 0 {
			relEnt = so.relEntSize(false)
		}
		so.relAddr, so.relaFormat = relA, false
		so.relCount = int(relSz / relEnt)
	}
	if pltA != 0 {
		so.pltRelAddr = pltA
		so.pltRela = elf.DynTag(pltRelTag) == elf.DT_RELA
		so.pltRelCount = int(pltRelSz / so.relEntSize(so.pltRela))
	}

	if hashAddr != 0 {
		if err := so.parseHash(hashAddr); err != nil {
			return fmt.Errorf("%s: hash table: %w", so.name, err)
		}
	}
	for _, off := range neededOffs {
		name, err := so.str(uint64(off))
		if err != nil {
			return fmt.Errorf("%s: DT_NEEDED name: %w", so.name, err)
		}
		so.needed = append(so.needed, name)
	}
	if haveSoname {
		if name, err := so.str(sonameOff); err == nil && name != "" {
			so.name = name
		}
	}
	return nil
}

func (so *SharedObject) parseHash(addr uint64) error {
	n, err := readWord(so.space, addr, 4, so.order)
	if err != nil {
		return err
	}
	so.nbucket = uint32(n)
	n, err = readWord(so.space, addr+4, 4, so.order)
	if err != nil {
		return err
	}
	so.nchain = uint32(n)
	so.bucket = make([]uint32, so.nbucket)
	so.chain = make([]uint32, so.nchain)
	p := addr + 8
	for i := range so.bucket {
		v, err := readWord(so.space, p, 4, so.order)
		if err != nil {
			return err
		}
		so.bucket[i] = uint32(v)
		p += 4
	}
	for i := range so.chain {
		v, err := readWord(so.space, p, 4, so.order)
		if err != nil {
			return err
		}
		so.chain[i] = uint32(v)
		p += 4
	}
	return nil
}

func (so *SharedObject) symEntSize() int {
	if so.class == elf.ELFCLASS32 {
		return 16
	}
	return 24
}

func (so *SharedObject) relEntSize(rela bool) uint64 {
	if so.class == elf.ELFCLASS32 {
		if rela {
			return 12
		}
		return 8
	}
	if rela {
		return 24
	}
	return 16
}

// str reads a string out of the dynamic string table.
func (so *SharedObject) str(off uint64) (string, error) {
	if so.strtab == 0 {
		return "", fmt.Errorf("no string table")
	}
	limit := int(so.strtabSize - off)
	if so.strtabSize == 0 || limit <= 0 {
		limit = 4096
	}
	return readCString(so.space, so.strtab+off, limit)
}

// symbol reads (and caches) symbol table entry index.
func (so *SharedObject) symbol(index uint32) (*elf.Symbol, error) {
	if so.synthetic {
		if int(index) >= len(so.syntheticSyms) {
			return nil, fmt.Errorf("%s: symbol index %d out of range", so.name, index)
		}
		return &so.syntheticSyms[index], nil
	}
	if s, ok := so.symCache[index]; ok {
		return s, nil
	}
	if so.symtab == 0 {
		return nil, fmt.Errorf("%s: no symbol table", so.name)
	}
	addr := so.symtab + uint64(index)*uint64(so.symEntSize())
	var sym elf.Symbol
	if so.class == elf.ELFCLASS64 {
		nameOff, err := readWord(so.space, addr, 4, so.order)
		if err != nil {
			return nil, err
		}
		info, err := readWord(so.space, addr+4, 1, so.order)
		if err != nil {
			return nil, err
		}
		other, err := readWord(so.space, addr+5, 1, so.order)
		if err != nil {
			return nil, err
		}
		shndx, err := readWord(so.space, addr+6, 2, so.order)
		if err != nil {
			return nil, err
		}
		value, err := readWord(so.space, addr+8, 8, so.order)
		if err != nil {
			return nil, err
		}
		size, err := readWord(so.space, addr+16, 8, so.order)
		if err != nil {
			return nil, err
		}
		sym = elf.Symbol{Info: byte(info), Other: byte(other), Section: elf.SectionIndex(shndx), Value: value, Size: size}
		if nameOff != 0 {
			name, err := so.str(nameOff)
			if err != nil {
				return nil, err
			}
			sym.Name = name
		}
	} else {
		nameOff, err := readWord(so.space, addr, 4, so.order)
		if err != nil {
			return nil, err
		}
		value, err := readWord(so.space, addr+4, 4, so.order)
		if err != nil {
			return nil, err
		}
		size, err := readWord(so.space, addr+8, 4, so.order)
		if err != nil {
			return nil, err
		}
		info, err := readWord(so.space, addr+12, 1, so.order)
		if err != nil {
			return nil, err
		}
		other, err := readWord(so.space, addr+13, 1, so.order)
		if err != nil {
			return nil, err
		}
		shndx, err := readWord(so.space, addr+14, 2, so.order)
		if err != nil {
			return nil, err
		}
		sym = elf.Symbol{Info: byte(info), Other: byte(other), Section: elf.SectionIndex(shndx), Value: value, Size: size}
		if nameOff != 0 {
			name, err := so.str(nameOff)
			if err != nil {
				return nil, err
			}
			sym.Name = name
		}
	}
	if so.symCache == nil {
		so.symCache = make(map[uint32]*elf.Symbol)
	}
	s := &sym
	so.symCache[index] = s
	return s, nil
}

// symbolAddress is the runtime address of a defined symbol.
func (so *SharedObject) symbolAddress(sym *elf.Symbol) uint64 {
	if so.synthetic {
		return sym.Value
	}
	return so.loadBias + sym.Value
}

// symbolCount is the number of dynamic symbols; the classic hash table's
// nchain equals it by construction.
func (so *SharedObject) symbolCount() uint32 {
	if so.synthetic {
		return uint32(len(so.syntheticSyms))
	}
	return so.nchain
}

// Symbols iterates every defined dynamic symbol with its runtime address.
func (so *SharedObject) Symbols(yield func(sym elf.Symbol, addr uint64) bool) {
	for i := uint32(1); i < so.symbolCount(); i++ {
		sym, err := so.symbol(i)
		if err != nil {
			return
		}
		if sym.Section == elf.SHN_UNDEF {
			continue
		}
		if !yield(*sym, so.symbolAddress(sym)) {
			return
		}
	}
}
