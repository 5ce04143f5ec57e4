package linker

import (
	"debug/elf"

	"github.com/sirupsen/logrus"
)

// SymbolSearchResult pairs a found symbol with the object defining it.
// Transient: produced by the resolver, consumed by the relocator or the
// facade, never stored.
type SymbolSearchResult struct {
	Symbol *elf.Symbol
	Object *SharedObject
}

func (r SymbolSearchResult) Address() uint64 {
	return r.Object.symbolAddress(r.Symbol)
}

// Resolver implements the multi-scope search-order algorithm over the
// registry. The main executable and the ordered preload list are set once,
// when the main executable links.
type Resolver struct {
	reg      *Registry
	log      logrus.FieldLogger
	main     ObjectID
	preloads []ObjectID
}

func NewResolver(reg *Registry, log logrus.FieldLogger) *Resolver {
	return &Resolver{reg: reg, log: log}
}

func (r *Resolver) SetMain(id ObjectID)        { r.main = id }
func (r *Resolver) SetPreloads(ids []ObjectID) { r.preloads = ids }

// DoLookup performs the relocation-time scoped search for an undefined
// symbol referenced by req:
//
//  1. main executable: itself, then the preload list
//  2. plain library: main executable, preloads, then itself
//  3. DT_SYMBOLIC library: itself, main executable, then preloads
//
// and in every case finally req's direct dependencies in declaration
// order. First match wins; with multiple weak definitions in scope the
// first one encountered is used, even ahead of a later strong one.
func (r *Resolver) DoLookup(req *SharedObject, name string) (SymbolSearchResult, bool) {
	hash := ElfHash(name)

	scope := make([]*SharedObject, 0, 3+len(req.children))
	main := r.reg.Get(r.main)
	switch {
	case req.kind == KindMainExecutable:
		scope = append(scope, req)
		scope = r.appendPreloads(scope)
	case req.symbolic:
		scope = append(scope, req)
		if main != nil {
			scope = append(scope, main)
		}
		scope = r.appendPreloads(scope)
	default:
		if main != nil {
			scope = append(scope, main)
		}
		scope = r.appendPreloads(scope)
		scope = append(scope, req)
	}
	for _, cid := range req.children {
		if child := r.reg.Get(cid); child != nil {
			scope = append(scope, child)
		}
	}

	for _, so := range scope {
		if sym, ok := so.elfLookup(hash, name); ok {
			r.log.WithFields(logrus.Fields{
				"symbol":    name,
				"requester": req.name,
				"found_in":  so.name,
			}).Debug("resolved symbol")
			return SymbolSearchResult{Symbol: sym, Object: so}, true
		}
	}
	return SymbolSearchResult{}, false
}

func (r *Resolver) appendPreloads(scope []*SharedObject) []*SharedObject {
	for _, id := range r.preloads {
		if so := r.reg.Get(id); so != nil {
			scope = append(scope, so)
		}
	}
	return scope
}

// GlobalLookup is the RTLD_DEFAULT search: a linear scan of every loaded
// object in load order. A non-nil after implements RTLD_NEXT: the scan
// resumes with the object following it.
func (r *Resolver) GlobalLookup(name string, after *SharedObject) (SymbolSearchResult, bool) {
	hash := ElfHash(name)
	skipping := after != nil
	for _, so := range r.reg.Objects() {
		if skipping {
			if so == after {
				skipping = false
			}
			continue
		}
		if sym, ok := so.elfLookup(hash, name); ok {
			return SymbolSearchResult{Symbol: sym, Object: so}, true
		}
	}
	return SymbolSearchResult{}, false
}

// HandleLookup is the dlsym search for a specific handle: breadth-first
// over the handle's dependency graph, never revisiting a node. Absence of
// a match anywhere in the transitive graph is "not found", not an error.
func (r *Resolver) HandleLookup(root *SharedObject, name string) (SymbolSearchResult, bool) {
	hash := ElfHash(name)
	visited := map[ObjectID]struct{}{root.id: {}}
	queue := []*SharedObject{root}
	for len(queue) > 0 {
		so := queue[0]
		queue = queue[1:]
		if sym, ok := so.elfLookup(hash, name); ok {
			return SymbolSearchResult{Symbol: sym, Object: so}, true
		}
		for _, cid := range so.children {
			if _, seen := visited[cid]; seen {
				continue
			}
			visited[cid] = struct{}{}
			if child := r.reg.Get(cid); child != nil {
				queue = append(queue, child)
			}
		}
	}
	return SymbolSearchResult{}, false
}
