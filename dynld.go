// Package dynld implements a runtime dynamic linker: it maps shared
// objects into an address space, resolves symbol references across them,
// applies relocations and runs initializers in dependency order, behind the
// familiar dlopen/dlsym/dlclose surface.
//
// Raw ELF parsing, segment mapping, file access and guest-code execution
// live behind the collaborator interfaces in the linker package; the
// elfimage package provides a debug/elf-backed ImageLoader for hosts that
// want one.
package dynld

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/halfsync/dynld/linker"
)

// Mode flags accepted by Open. Invalid bits are a hard error.
const (
	BindLazy    = 0x1
	BindNow     = 0x2
	ScopeLocal  = 0x0
	ScopeGlobal = 0x100
	NoLoad      = 0x4

	validFlags = BindLazy | BindNow | ScopeGlobal | NoLoad
)

// FacadeObjectName is the synthetic "linker-provided" shared object exposing
// this package's own entry points to guest symbol lookups.
const FacadeObjectName = "libdl.so"

// facadeBase is an address range no mapped object can plausibly occupy.
const facadeBase = 0xffff_ff00_0000_0000

var facadeSymbols = []string{
	"dlopen", "dlclose", "dlsym", "dlerror", "dladdr", "dl_iterate_phdr",
}

type handleKind int

const (
	handleObject handleKind = iota
	handleDefault
	handleNext
)

// Handle is an opaque reference to a loaded object, or one of the sentinel
// scopes produced by Default and Next.
type Handle struct {
	kind   handleKind
	id     linker.ObjectID
	caller uint64
}

// Default is the RTLD_DEFAULT sentinel: search every loaded object in load
// order.
var Default = Handle{kind: handleDefault}

// Next is the RTLD_NEXT sentinel: search the global scope starting after
// the object containing callerAddr.
func Next(callerAddr uint64) Handle {
	return Handle{kind: handleNext, caller: callerAddr}
}

// AddrInfo is the dladdr result.
type AddrInfo struct {
	ObjectName    string
	ObjectBase    uint64
	SymbolName    string
	SymbolAddress uint64
}

// PhdrInfo is handed to the IteratePhdrs callback once per loaded object.
// Order is the object's position in load order.
type PhdrInfo struct {
	Name  string
	Base  uint64
	Phdrs []elf.ProgHeader
	Order int
}

// Config wires the collaborators. Env and Images are required; Space
// defaults to a fresh SparseSpace, Exec to a no-op executor and Logger to
// the logrus standard logger.
type Config struct {
	Space    linker.AddressSpace
	Env      linker.Environment
	Images   linker.ImageLoader
	Exec     linker.Executor
	Notifier linker.DebugNotifier
	Logger   *logrus.Logger
}

// DL is the public linker facade. All entry points serialize on one
// process-wide re-entrant lock, so constructors running under a call may
// re-enter (nested dlopen/dlclose) without deadlocking.
type DL struct {
	mu        linker.ReentrantMutex
	errs      linker.ErrorBuffer
	reg       *linker.Registry
	res       *linker.Resolver
	loader    *linker.Loader
	lifecycle *linker.Lifecycle
	alloc     *linker.BlockAllocator
	log       *logrus.Logger
}

func New(cfg Config) (*DL, error) {
	if cfg.Env == nil {
		return nil, errors.New("dynld: Config.Env is required")
	}
	if cfg.Images == nil {
		return nil, errors.New("dynld: Config.Images is required")
	}
	if cfg.Space == nil {
		cfg.Space = linker.NewSparseSpace()
	}
	if cfg.Exec == nil {
		cfg.Exec = linker.NopExecutor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	alloc, err := linker.NewBlockAllocator(linker.RecordSize, 256)
	if err != nil {
		return nil, fmt.Errorf("dynld: metadata arena: %w", err)
	}
	reg := linker.NewRegistry(alloc)
	res := linker.NewResolver(reg, cfg.Logger)
	rel := linker.NewRelocator(cfg.Space, res)
	loader := linker.NewLoader(reg, res, rel, cfg.Space, cfg.Env, cfg.Images, cfg.Notifier, alloc, cfg.Logger)
	lifecycle := linker.NewLifecycle(reg, alloc, cfg.Exec, cfg.Notifier, cfg.Logger)
	loader.SetUnloadFunc(func(obj *linker.SharedObject) {
		if err := lifecycle.Unload(context.Background(), obj); err != nil {
			cfg.Logger.WithError(err).Warn("unwind unload")
		}
	})

	d := &DL{
		reg:       reg,
		res:       res,
		loader:    loader,
		lifecycle: lifecycle,
		alloc:     alloc,
		log:       cfg.Logger,
	}
	if _, err := reg.InsertProtected(linker.NewSyntheticObject(FacadeObjectName, facadeBase, facadeSymbols)); err != nil {
		_ = alloc.Close()
		return nil, fmt.Errorf("dynld: register facade object: %w", err)
	}
	return d, nil
}

// LinkMainExecutable loads and links the program image, its preload list
// and its dependency graph, then runs constructors. Must happen before any
// Open(nil)-style lookup can succeed.
func (d *DL) LinkMainExecutable(ctx context.Context, name string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, err := d.loader.LinkMainExecutable(name)
	if err != nil {
		d.errs.Set(err.Error())
		return Handle{}, err
	}
	if err := d.lifecycle.Construct(ctx, obj); err != nil {
		d.errs.Set(err.Error())
		return Handle{}, err
	}
	return Handle{id: obj.ID()}, nil
}

// Open loads (or finds) a library and runs its constructors. An empty name
// returns a handle for the main executable. A failed open returns a zero
// handle and leaves a descriptive string retrievable once via LastError.
func (d *DL) Open(ctx context.Context, name string, flags int) (Handle, error) {
	return d.OpenExt(ctx, name, flags, nil)
}

// OpenExt is Open plus extended info (open-by-fd, RELRO sharing).
func (d *DL) OpenExt(ctx context.Context, name string, flags int, ext *linker.OpenExtInfo) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags&^validFlags != 0 {
		err := fmt.Errorf("invalid flags %#x opening %q", flags, name)
		d.errs.Set(err.Error())
		return Handle{}, err
	}
	obj, err := d.loader.Open(name, flags&NoLoad != 0, ext)
	if err != nil {
		d.errs.Set(err.Error())
		return Handle{}, err
	}
	if err := d.lifecycle.Construct(ctx, obj); err != nil {
		d.errs.Set(err.Error())
		if uerr := d.lifecycle.Unload(ctx, obj); uerr != nil {
			d.log.WithError(uerr).Warn("unload after failed construction")
		}
		return Handle{}, err
	}
	return Handle{id: obj.ID()}, nil
}

// Close drops one reference. Unloading has no defined failure mode for a
// previously valid handle: destructor problems are logged, not returned.
func (d *DL) Close(ctx context.Context, h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.kind != handleObject {
		return nil
	}
	obj := d.reg.Get(h.id)
	if obj == nil {
		return nil
	}
	if err := d.lifecycle.Unload(ctx, obj); err != nil {
		d.log.WithError(err).Warn("close")
	}
	return nil
}

// Symbol resolves name against a handle's scope: Default scans the global
// load order, Next resumes after the caller's object, and an object handle
// searches its dependency graph breadth-first. Not-found sets the error
// buffer; it is the only way this call mutates dlerror state.
func (d *DL) Symbol(h Handle, name string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "" {
		err := errors.New("symbol name is null")
		d.errs.Set(err.Error())
		return 0, err
	}
	var (
		res   linker.SymbolSearchResult
		found bool
	)
	switch h.kind {
	case handleDefault:
		res, found = d.res.GlobalLookup(name, nil)
	case handleNext:
		caller := d.reg.ByAddress(h.caller)
		if caller == nil {
			err := fmt.Errorf("RTLD_NEXT from address %#x outside any object", h.caller)
			d.errs.Set(err.Error())
			return 0, err
		}
		res, found = d.res.GlobalLookup(name, caller)
	default:
		obj := d.reg.Get(h.id)
		if obj == nil {
			err := errors.New("invalid handle")
			d.errs.Set(err.Error())
			return 0, err
		}
		res, found = d.res.HandleLookup(obj, name)
	}
	if !found {
		err := fmt.Errorf("undefined symbol: %s", name)
		d.errs.Set(err.Error())
		return 0, fmt.Errorf("%w: %s", linker.ErrSymbolNotFound, name)
	}
	return res.Address(), nil
}

// LastError returns and clears the calling thread's error string; empty
// means nothing failed since the last read.
func (d *DL) LastError() string {
	return d.errs.Take()
}

// AddressInfo implements dladdr: the containing object plus the nearest
// defined symbol whose extent covers addr. Not-found is not an error and
// does not touch the error buffer.
func (d *DL) AddressInfo(addr uint64) (AddrInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj := d.reg.ByAddress(addr)
	if obj == nil {
		return AddrInfo{}, false
	}
	info := AddrInfo{ObjectName: obj.Name(), ObjectBase: obj.Base()}
	if sym, ok := obj.NearestSymbol(addr); ok {
		info.SymbolName = sym.Name
		info.SymbolAddress = obj.LoadBias() + sym.Value
	}
	return info, true
}

// IteratePhdrs invokes fn once per loaded object in load order, stopping
// early when fn returns non-zero; that value is returned.
func (d *DL) IteratePhdrs(fn func(PhdrInfo) int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, obj := range d.reg.Objects() {
		if rc := fn(PhdrInfo{Name: obj.Name(), Base: obj.Base(), Phdrs: obj.Phdrs(), Order: i}); rc != 0 {
			return rc
		}
	}
	return 0
}

// Objects exposes the current link map in load order, for tooling.
func (d *DL) Objects() []*linker.SharedObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.Objects()
}

// Shutdown releases the protected metadata arena. The DL is unusable
// afterwards.
func (d *DL) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alloc.Close()
}
