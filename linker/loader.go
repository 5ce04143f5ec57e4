package linker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	maxSearchPaths = 16
	maxPreloads    = 8
	maxEnvBuffer   = 1024
)

// defaultSearchPaths are consulted after LD_LIBRARY_PATH entries.
var defaultSearchPaths = []string{"/lib", "/usr/lib"}

// OpenExtInfo carries the extended open options.
type OpenExtInfo struct {
	// UseFD bypasses path search and loads from Handle directly.
	UseFD  bool
	Handle FileHandle
	// ReservedRelroFD is accepted and ignored (RELRO sharing is not
	// implemented; the field exists for callers that pass it anyway).
	ReservedRelroFD int
}

// Loader orchestrates opening a named library: cache-by-identity, search
// path candidates, mapping via the ImageLoader, dynamic-section population,
// recursive DT_NEEDED loading and relocation.
type Loader struct {
	reg      *Registry
	res      *Resolver
	rel      *Relocator
	space    AddressSpace
	env      Environment
	images   ImageLoader
	notifier DebugNotifier
	alloc    *BlockAllocator
	log      logrus.FieldLogger

	// unload breaks the package-internal cycle with the lifecycle
	// manager; set during wiring, used only when a partial load unwinds.
	unload func(*SharedObject)

	searchPaths  []string
	preloadNames []string
	preloads     []ObjectID
	main         ObjectID
}

func NewLoader(reg *Registry, res *Resolver, rel *Relocator, space AddressSpace, env Environment, images ImageLoader, notifier DebugNotifier, alloc *BlockAllocator, log logrus.FieldLogger) *Loader {
	return &Loader{
		reg:      reg,
		res:      res,
		rel:      rel,
		space:    space,
		env:      env,
		images:   images,
		notifier: notifier,
		alloc:    alloc,
		log:      log,
	}
}

func (l *Loader) SetUnloadFunc(fn func(*SharedObject)) { l.unload = fn }

func (l *Loader) Main() *SharedObject { return l.reg.Get(l.main) }

func (l *Loader) Preloads() []ObjectID { return l.preloads }

// Open resolves name to a loaded object, loading it (and its dependency
// subgraph) on first use. Every successful call increments the returned
// object's reference count exactly once.
func (l *Loader) Open(name string, noload bool, ext *OpenExtInfo) (*SharedObject, error) {
	if name == "" {
		main := l.reg.Get(l.main)
		if main == nil {
			return nil, &LoadError{Name: name, Err: errors.New("no main executable linked")}
		}
		l.retain(main)
		return main, nil
	}
	if ext != nil && ext.UseFD {
		if ext.Handle == nil {
			return nil, &LoadError{Name: name, Err: errors.New("open-by-fd without a file handle")}
		}
		return l.loadFromHandle(name, ext.Handle, KindLibrary)
	}
	if obj := l.reg.ByName(name); obj != nil {
		l.retain(obj)
		return obj, nil
	}
	if noload {
		return nil, &LoadError{Name: name, Err: ErrNotResident}
	}
	f, err := l.openCandidate(name)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	return l.loadFromHandle(name, f, KindLibrary)
}

// LinkMainExecutable maps and links the program image. Environment-derived
// configuration (search paths, preload list) is consumed here, once, and
// only when the launch is not secure.
func (l *Loader) LinkMainExecutable(name string) (*SharedObject, error) {
	if l.reg.Get(l.main) != nil {
		return nil, &LoadError{Name: name, Err: errors.New("main executable already linked")}
	}
	l.consumeEnvironment()
	f, err := l.openCandidate(name)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	obj, err := l.loadFromHandle(name, f, KindMainExecutable)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// LinkBootstrap registers the linker's own image in the link map. The
// bootstrap object must be self-contained: it may not depend on itself,
// and every relocation it carries resolves against its own symbol table.
func (l *Loader) LinkBootstrap(name string) (*SharedObject, error) {
	f, err := l.openCandidate(name)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	return l.loadFromHandle(name, f, KindLinkerBootstrap)
}

func (l *Loader) consumeEnvironment() {
	if l.env.Secure() {
		l.log.Debug("secure launch, environment ignored")
		return
	}
	if v, ok := l.env.Getenv("LD_LIBRARY_PATH"); ok {
		l.searchPaths = parsePathList(v, maxSearchPaths)
	}
	if v, ok := l.env.Getenv("LD_PRELOAD"); ok {
		l.preloadNames = parsePathList(v, maxPreloads)
	}
}

// parsePathList splits a colon/space-delimited list, bounded in both entry
// count and total buffer size.
func parsePathList(v string, maxEntries int) []string {
	if len(v) > maxEnvBuffer {
		v = v[:maxEnvBuffer]
	}
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ':' || r == ' '
	})
	if len(fields) > maxEntries {
		fields = fields[:maxEntries]
	}
	return fields
}

func (l *Loader) openCandidate(name string) (FileHandle, error) {
	if strings.ContainsRune(name, '/') {
		return l.env.OpenLibraryFile(name)
	}
	var firstErr error
	paths := append(append([]string{}, l.searchPaths...), defaultSearchPaths...)
	for _, dir := range paths {
		f, err := l.env.OpenLibraryFile(dir + "/" + name)
		if err == nil {
			return f, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	// Last resort: the bare name, for environments that resolve it
	// themselves.
	f, err := l.env.OpenLibraryFile(name)
	if err == nil {
		return f, nil
	}
	if firstErr == nil {
		firstErr = err
	}
	return nil, fmt.Errorf("library not found: %w", firstErr)
}

func (l *Loader) loadFromHandle(name string, f FileHandle, kind ObjectKind) (*SharedObject, error) {
	dev, ino := f.Identity()
	if existing := l.reg.ByIdentity(dev, ino); existing != nil {
		l.log.WithFields(logrus.Fields{
			"requested": name,
			"loaded_as": existing.name,
		}).Debug("already loaded under a different name")
		_ = f.Close()
		l.retain(existing)
		return existing, nil
	}
	obj, err := l.loadLibrary(name, f, dev, ino, kind)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// loadLibrary performs the first-ever load of a file: map, walk the dynamic
// section, register, load dependencies, relocate. On any failure the whole
// attempt unwinds and nothing stays registered.
func (l *Loader) loadLibrary(name string, f FileHandle, dev, ino uint64, kind ObjectKind) (*SharedObject, error) {
	img, err := l.images.Load(f)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	obj := &SharedObject{
		name:     name,
		kind:     kind,
		dev:      dev,
		ino:      ino,
		base:     img.Base,
		size:     img.Size,
		loadBias: img.LoadBias,
		entry:    img.Entry,
		phdrs:    img.Phdrs,
		class:    img.Class,
		machine:  img.Machine,
		order:    img.ByteOrder,
		space:    l.space,
		release:  img.Release,
	}
	fail := func(err error) (*SharedObject, error) {
		if img.Release != nil {
			_ = img.Release()
		}
		return nil, err
	}
	if err := obj.parseDynamic(); err != nil {
		return fail(&LoadError{Name: name, Err: err})
	}
	if kind == KindLinkerBootstrap {
		for _, dep := range obj.needed {
			if dep == obj.name {
				return fail(&LoadError{Name: name, Err: errors.New("bootstrap object depends on itself")})
			}
		}
	}

	guard := l.alloc.BeginMutation()
	_, err = l.reg.Insert(obj)
	guard.End()
	if err != nil {
		return fail(&LoadError{Name: name, Err: err})
	}

	if kind == KindMainExecutable {
		l.main = obj.id
		l.res.SetMain(obj.id)
		if err := l.loadPreloads(); err != nil {
			l.unwind(obj, nil)
			return nil, err
		}
	}
	if obj.textRels {
		l.log.WithField("object", obj.name).Warn("object has text relocations")
	}

	var acquired []*SharedObject
	abort := func(err error) (*SharedObject, error) {
		l.unwind(obj, acquired)
		if kind == KindMainExecutable {
			l.releasePreloads()
		}
		return nil, err
	}
	for _, depName := range obj.needed {
		dep, err := l.Open(depName, false, nil)
		if err != nil {
			return abort(&LoadError{Name: name, Err: fmt.Errorf("could not load dependency %q: %w", depName, err)})
		}
		acquired = append(acquired, dep)
		l.linkEdge(obj, dep)
	}

	if err := l.rel.Relocate(obj); err != nil {
		return abort(err)
	}

	obj.refCount = 1
	l.updateRecord(obj)
	if l.notifier != nil {
		l.notifier.OnLoad(obj)
	}
	return obj, nil
}

// loadPreloads opens the LD_PRELOAD list in order. A failed entry releases
// every preload already acquired, so the caller's unwind leaves nothing
// registered.
func (l *Loader) loadPreloads() error {
	for _, name := range l.preloadNames {
		dep, err := l.Open(name, false, nil)
		if err != nil {
			l.releasePreloads()
			return &LoadError{Name: name, Err: fmt.Errorf("could not load preload: %w", err)}
		}
		l.preloads = append(l.preloads, dep.id)
		l.res.SetPreloads(l.preloads)
	}
	return nil
}

// releasePreloads drops the reference each preload acquired when it was
// opened and clears the preload scope.
func (l *Loader) releasePreloads() {
	for i := len(l.preloads) - 1; i >= 0; i-- {
		if dep := l.reg.Get(l.preloads[i]); dep != nil && l.unload != nil {
			l.unload(dep)
		}
	}
	l.preloads = nil
	l.res.SetPreloads(nil)
}

func (l *Loader) linkEdge(parent, child *SharedObject) {
	guard := l.alloc.BeginMutation()
	defer guard.End()
	l.reg.Link(parent.id, child.id)
}

func (l *Loader) retain(obj *SharedObject) {
	guard := l.alloc.BeginMutation()
	defer guard.End()
	obj.refCount++
	l.reg.writeRecord(obj)
}

func (l *Loader) updateRecord(obj *SharedObject) {
	guard := l.alloc.BeginMutation()
	defer guard.End()
	l.reg.writeRecord(obj)
}

// unwind rolls back a failed load: already-acquired dependencies are
// released through the lifecycle manager and the half-registered object is
// removed so no partially-linked object stays visible.
func (l *Loader) unwind(obj *SharedObject, acquired []*SharedObject) {
	for _, dep := range acquired {
		if l.unload != nil {
			l.unload(dep)
		}
	}
	guard := l.alloc.BeginMutation()
	l.reg.Remove(obj.id)
	guard.End()
	if obj.release != nil {
		_ = obj.release()
	}
	if l.main == obj.id {
		l.main = NoObject
		l.res.SetMain(NoObject)
	}
}
