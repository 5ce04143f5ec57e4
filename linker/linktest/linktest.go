// Package linktest builds in-memory shared objects and fake collaborators
// for exercising the linker without real files: a Spec describes symbols,
// relocations and dependencies, Build lays them out as a mappable image with
// a dynamic section, and Env/ImageLoader serve those images through the
// linker's collaborator interfaces.
package linktest

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"

	"github.com/halfsync/dynld/linker"
)

// Sym describes one dynamic symbol. The zero Bind means STB_GLOBAL and the
// zero Type means STT_FUNC; set Undefined for an import.
type Sym struct {
	Name      string
	Value     uint64
	Size      uint64
	Bind      elf.SymBind
	Type      elf.SymType
	Undefined bool
}

// Rela describes one explicit-addend relocation. An empty Sym emits symbol
// index zero.
type Rela struct {
	Off    uint64
	Sym    string
	Type   uint32
	Addend int64
}

// DynEntry injects an arbitrary dynamic-section entry ahead of DT_NULL.
type DynEntry struct {
	Tag elf.DynTag
	Val uint64
}

// Spec describes a buildable 64-bit little-endian x86-64 shared object.
// Init/fini array entries are link-time addresses; Build emits a RELATIVE
// relocation per entry so they hold runtime addresses after relocation.
type Spec struct {
	Soname    string
	Needed    []string
	Symbolic  bool
	Syms      []Sym
	Relas     []Rela
	Entry     uint64
	InitFunc  uint64
	FiniFunc  uint64
	InitArray []uint64
	FiniArray []uint64
	ExtraDyn  []DynEntry
}

// Image is a built object: raw bytes laid out from link-time address zero,
// plus the location of the dynamic section within them.
type Image struct {
	Bytes   []byte
	DynOff  uint64
	DynSize uint64
	Entry   uint64
}

// dataSize reserves a scratch area at the front of every image for
// relocation targets and fake code addresses.
const dataSize = 0x400

func Build(spec Spec) *Image {
	le := binary.LittleEndian
	buf := make([]byte, dataSize)
	align := func(n int) {
		for len(buf)%n != 0 {
			buf = append(buf, 0)
		}
	}

	strtab := []byte{0}
	strOff := map[string]uint64{}
	intern := func(s string) uint64 {
		if s == "" {
			return 0
		}
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint64(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		strOff[s] = off
		return off
	}
	for _, n := range spec.Needed {
		intern(n)
	}
	intern(spec.Soname)
	symIdx := map[string]uint32{}
	for i, s := range spec.Syms {
		intern(s.Name)
		symIdx[s.Name] = uint32(i + 1)
	}

	align(8)
	symtabOff := uint64(len(buf))
	nsyms := len(spec.Syms) + 1
	symbytes := make([]byte, 24*nsyms)
	for i, s := range spec.Syms {
		b := symbytes[24*(i+1):]
		le.PutUint32(b[0:], uint32(strOff[s.Name]))
		bind := s.Bind
		if bind == elf.STB_LOCAL {
			bind = elf.STB_GLOBAL
		}
		typ := s.Type
		if typ == elf.STT_NOTYPE {
			typ = elf.STT_FUNC
		}
		b[4] = byte(bind)<<4 | byte(typ)
		shndx := uint16(1)
		if s.Undefined {
			shndx = 0
		}
		le.PutUint16(b[6:], shndx)
		le.PutUint64(b[8:], s.Value)
		le.PutUint64(b[16:], s.Size)
	}
	buf = append(buf, symbytes...)

	align(4)
	hashOff := uint64(len(buf))
	nbucket := uint32(2*len(spec.Syms) + 1)
	bucket := make([]uint32, nbucket)
	chain := make([]uint32, nsyms)
	for i := 1; i < nsyms; i++ {
		h := linker.ElfHash(spec.Syms[i-1].Name) % nbucket
		chain[i] = bucket[h]
		bucket[h] = uint32(i)
	}
	hash := make([]byte, 4*(2+int(nbucket)+nsyms))
	le.PutUint32(hash[0:], nbucket)
	le.PutUint32(hash[4:], uint32(nsyms))
	for i, v := range bucket {
		le.PutUint32(hash[8+4*i:], v)
	}
	for i, v := range chain {
		le.PutUint32(hash[8+4*int(nbucket)+4*i:], v)
	}
	buf = append(buf, hash...)

	relas := append([]Rela(nil), spec.Relas...)
	writeArray := func(entries []uint64) uint64 {
		if len(entries) == 0 {
			return 0
		}
		align(8)
		off := uint64(len(buf))
		for i, v := range entries {
			buf = append(buf, make([]byte, 8)...)
			relas = append(relas, Rela{
				Off:    off + uint64(8*i),
				Type:   uint32(elf.R_X86_64_RELATIVE),
				Addend: int64(v),
			})
		}
		return off
	}
	initArrOff := writeArray(spec.InitArray)
	finiArrOff := writeArray(spec.FiniArray)

	align(8)
	relaOff := uint64(len(buf))
	for _, r := range relas {
		e := make([]byte, 24)
		le.PutUint64(e[0:], r.Off)
		var si uint64
		if r.Sym != "" {
			si = uint64(symIdx[r.Sym])
		}
		le.PutUint64(e[8:], si<<32|uint64(r.Type))
		le.PutUint64(e[16:], uint64(r.Addend))
		buf = append(buf, e...)
	}

	strtabOff := uint64(len(buf))
	buf = append(buf, strtab...)

	align(8)
	dynOff := uint64(len(buf))
	var dyn []byte
	add := func(tag elf.DynTag, val uint64) {
		e := make([]byte, 16)
		le.PutUint64(e[0:], uint64(tag))
		le.PutUint64(e[8:], val)
		dyn = append(dyn, e...)
	}
	for _, n := range spec.Needed {
		add(elf.DT_NEEDED, strOff[n])
	}
	add(elf.DT_STRTAB, strtabOff)
	add(elf.DT_STRSZ, uint64(len(strtab)))
	add(elf.DT_SYMTAB, symtabOff)
	add(elf.DT_SYMENT, 24)
	add(elf.DT_HASH, hashOff)
	if len(relas) > 0 {
		add(elf.DT_RELA, relaOff)
		add(elf.DT_RELASZ, uint64(len(relas))*24)
		add(elf.DT_RELAENT, 24)
	}
	if spec.InitFunc != 0 {
		add(elf.DT_INIT, spec.InitFunc)
	}
	if spec.FiniFunc != 0 {
		add(elf.DT_FINI, spec.FiniFunc)
	}
	if initArrOff != 0 {
		add(elf.DT_INIT_ARRAY, initArrOff)
		add(elf.DT_INIT_ARRAYSZ, uint64(8*len(spec.InitArray)))
	}
	if finiArrOff != 0 {
		add(elf.DT_FINI_ARRAY, finiArrOff)
		add(elf.DT_FINI_ARRAYSZ, uint64(8*len(spec.FiniArray)))
	}
	if spec.Soname != "" {
		add(elf.DT_SONAME, strOff[spec.Soname])
	}
	if spec.Symbolic {
		add(elf.DT_SYMBOLIC, 0)
	}
	for _, e := range spec.ExtraDyn {
		add(e.Tag, e.Val)
	}
	add(elf.DT_NULL, 0)
	buf = append(buf, dyn...)

	return &Image{Bytes: buf, DynOff: dynOff, DynSize: uint64(len(dyn)), Entry: spec.Entry}
}

// Phdrs returns the program headers describing the image at its link-time
// addresses: one PT_LOAD covering everything plus PT_DYNAMIC.
func (img *Image) Phdrs() []elf.ProgHeader {
	size := uint64(len(img.Bytes))
	return []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0, Filesz: size, Memsz: size},
		{Type: elf.PT_DYNAMIC, Flags: elf.PF_R, Vaddr: img.DynOff, Filesz: img.DynSize, Memsz: img.DynSize},
	}
}

// File is a linker.FileHandle over a built image.
type File struct {
	path string
	dev  uint64
	ino  uint64
	Img  *Image
}

func (f *File) Name() string               { return f.path }
func (f *File) Identity() (uint64, uint64) { return f.dev, f.ino }
func (f *File) Close() error               { return nil }

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.Img.Bytes)) {
		return 0, io.EOF
	}
	n := copy(p, f.Img.Bytes[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Env is a linker.Environment serving registered images by exact path.
type Env struct {
	files      map[string]*File
	Vars       map[string]string
	SecureMode bool
	nextIno    uint64
}

func NewEnv() *Env {
	return &Env{files: map[string]*File{}, Vars: map[string]string{}}
}

// Add registers img under path with a fresh (device, inode) identity.
func (e *Env) Add(path string, img *Image) *File {
	e.nextIno++
	f := &File{path: path, dev: 1, ino: e.nextIno, Img: img}
	e.files[path] = f
	return f
}

// AddAlias registers an existing file under a second path, keeping its
// identity, so the same object is reachable by two names.
func (e *Env) AddAlias(path string, f *File) {
	e.files[path] = &File{path: path, dev: f.dev, ino: f.ino, Img: f.Img}
}

func (e *Env) OpenLibraryFile(path string) (linker.FileHandle, error) {
	if f, ok := e.files[path]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
}

func (e *Env) Getenv(name string) (string, bool) {
	v, ok := e.Vars[name]
	return v, ok
}

func (e *Env) Secure() bool { return e.SecureMode }

// ImageLoader maps built images into a SparseSpace at page-aligned,
// monotonically increasing bases. Loads counts mapping operations so tests
// can tell a fresh load from a cache hit.
type ImageLoader struct {
	Space    *linker.SparseSpace
	Loads    int
	nextBase uint64
}

func NewImageLoader(space *linker.SparseSpace) *ImageLoader {
	return &ImageLoader{Space: space, nextBase: 0x40_0000}
}

func (l *ImageLoader) Load(f linker.FileHandle) (linker.LoadedImage, error) {
	tf, ok := f.(*File)
	if !ok {
		return linker.LoadedImage{}, fmt.Errorf("not a linktest file: %T", f)
	}
	l.Loads++
	base := l.nextBase
	data := append([]byte(nil), tf.Img.Bytes...)
	if err := l.Space.Map(base, data); err != nil {
		return linker.LoadedImage{}, err
	}
	span := uint64(len(data))
	l.nextBase = base + ((span + 0xfff) &^ uint64(0xfff)) + 0x1000
	space := l.Space
	return linker.LoadedImage{
		Base:      base,
		Size:      span,
		LoadBias:  base,
		Entry:     base + tf.Img.Entry,
		Phdrs:     tf.Img.Phdrs(),
		Class:     elf.ELFCLASS64,
		Machine:   elf.EM_X86_64,
		ByteOrder: binary.LittleEndian,
		Release: func() error {
			return space.Unmap(base)
		},
	}, nil
}

// RecordingExecutor records every guest call in order. OnCall, when set,
// decides the call's result and may re-enter the linker.
type RecordingExecutor struct {
	Calls  []uint64
	OnCall func(addr uint64) error
}

func (e *RecordingExecutor) Call(_ context.Context, addr uint64) error {
	e.Calls = append(e.Calls, addr)
	if e.OnCall != nil {
		return e.OnCall(addr)
	}
	return nil
}

// RecordingNotifier records link-map change notifications by object name.
type RecordingNotifier struct {
	Loaded   []string
	Unloaded []string
}

func (n *RecordingNotifier) OnLoad(obj *linker.SharedObject) { n.Loaded = append(n.Loaded, obj.Name()) }
func (n *RecordingNotifier) OnUnload(obj *linker.SharedObject) {
	n.Unloaded = append(n.Unloaded, obj.Name())
}
