// Package elfimage provides debug/elf-backed implementations of the linker
// collaborators: an ImageLoader that maps PT_LOAD segments into a
// SparseSpace, and an Environment over the host filesystem and process
// environment.
package elfimage

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/halfsync/dynld/linker"
)

const pageSize = 0x1000

// Loader maps ELF images into a SparseSpace at monotonically increasing
// bases.
type Loader struct {
	Space    *linker.SparseSpace
	nextBase uint64
}

func NewLoader(space *linker.SparseSpace) *Loader {
	return &Loader{Space: space, nextBase: 0x10_0000}
}

func (l *Loader) Load(f linker.FileHandle) (linker.LoadedImage, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return linker.LoadedImage{}, fmt.Errorf("invalid ELF image: %w", err)
	}
	defer ef.Close()
	if ef.Type != elf.ET_DYN && ef.Type != elf.ET_EXEC {
		return linker.LoadedImage{}, fmt.Errorf("unsupported ELF file type: %s", ef.Type)
	}

	minVaddr := ^uint64(0)
	maxVaddr := uint64(0)
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	if maxVaddr == 0 || minVaddr > maxVaddr {
		return linker.LoadedImage{}, fmt.Errorf("no loadable segments")
	}
	minVaddr &^= pageSize - 1

	var base uint64
	if ef.Type == elf.ET_EXEC {
		// Fixed-address image: honor its link-time layout.
		base = minVaddr
	} else {
		base = (l.nextBase + pageSize - 1) &^ (pageSize - 1)
	}
	loadBias := base - minVaddr

	span := (maxVaddr - minVaddr + pageSize - 1) &^ (pageSize - 1)
	data := make([]byte, span)
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		off := prog.Vaddr - minVaddr
		if _, err := io.ReadFull(prog.Open(), data[off:off+prog.Filesz]); err != nil {
			return linker.LoadedImage{}, fmt.Errorf("segment at %#x: %w", prog.Vaddr, err)
		}
	}
	if err := l.Space.Map(base, data); err != nil {
		return linker.LoadedImage{}, err
	}
	l.nextBase = base + span + pageSize

	phdrs := make([]elf.ProgHeader, len(ef.Progs))
	for i, prog := range ef.Progs {
		phdrs[i] = prog.ProgHeader
	}
	space := l.Space
	return linker.LoadedImage{
		Base:      base,
		Size:      span,
		LoadBias:  loadBias,
		Entry:     loadBias + ef.Entry,
		Phdrs:     phdrs,
		Class:     ef.Class,
		Machine:   ef.Machine,
		ByteOrder: ef.ByteOrder,
		Release: func() error {
			return space.Unmap(base)
		},
	}, nil
}

// OSEnvironment is a linker.Environment over the host.
type OSEnvironment struct{}

func (OSEnvironment) OpenLibraryFile(path string) (linker.FileHandle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &osFile{File: f}, nil
}

func (OSEnvironment) Getenv(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Secure reports a setuid-style privilege boundary; search-path and
// preload variables are ignored for such launches.
func (OSEnvironment) Secure() bool {
	return os.Geteuid() != os.Getuid() || os.Getegid() != os.Getgid()
}

type osFile struct {
	*os.File
}

func (f *osFile) Identity() (uint64, uint64) {
	info, err := f.Stat()
	if err != nil {
		return 0, 0
	}
	return fileIdentity(f.File.Name(), info)
}
