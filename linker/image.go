package linker

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
)

// FileHandle is an opened library file. Identity returns the (device, inode)
// pair used to deduplicate loads of the same file reached via different
// paths.
type FileHandle interface {
	io.ReaderAt
	Name() string
	Identity() (dev, ino uint64)
	Close() error
}

// Environment supplies file access and environment variables. The core never
// touches the host filesystem or process environment directly.
type Environment interface {
	// OpenLibraryFile opens the exact path given; candidate search-path
	// iteration is the loader's job.
	OpenLibraryFile(path string) (FileHandle, error)
	Getenv(name string) (string, bool)
	// Secure reports privilege-elevated launch; search-path and preload
	// variables are ignored entirely when set.
	Secure() bool
}

// LoadedImage describes one mapped object, produced by an ImageLoader.
type LoadedImage struct {
	Base     uint64 // runtime address of the lowest PT_LOAD byte
	Size     uint64
	LoadBias uint64 // runtime address minus link-time vaddr
	Entry    uint64
	Phdrs    []elf.ProgHeader

	Class     elf.Class
	Machine   elf.Machine
	ByteOrder binary.ByteOrder

	// Release tears down the mapping. May be nil for images the loader
	// must not unmap (the main executable mapped by the kernel).
	Release func() error
}

// ImageLoader validates and maps an object file into the address space.
// Header validation and PT_LOAD mapping live behind this seam.
type ImageLoader interface {
	Load(f FileHandle) (LoadedImage, error)
}

// Executor invokes guest code at an address: constructors, destructors and
// preinit functions all go through here.
type Executor interface {
	Call(ctx context.Context, addr uint64) error
}

// DebugNotifier mirrors link-map changes to an external debugger. Optional.
type DebugNotifier interface {
	OnLoad(obj *SharedObject)
	OnUnload(obj *SharedObject)
}

// NopExecutor ignores every call. Suitable when constructors cannot run
// (inspection tooling) or when objects carry none.
type NopExecutor struct{}

func (NopExecutor) Call(context.Context, uint64) error { return nil }
