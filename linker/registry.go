package linker

import (
	"encoding/binary"
)

// RecordSize is the arena block holding one object's protected link-map
// record (base, size, load order, truncated name).
const RecordSize = 128

// Registry owns every SharedObject. Records are referenced elsewhere only
// by generation-checked ObjectIDs, so a slot reused after unload can never
// be reached through a stale handle.
type Registry struct {
	slots []registrySlot
	free  []uint32
	order []ObjectID
	alloc *BlockAllocator
}

type registrySlot struct {
	gen uint32
	obj *SharedObject
}

func NewRegistry(alloc *BlockAllocator) *Registry {
	return &Registry{alloc: alloc}
}

// Insert adds obj to the arena and appends it to the load order. Requires an
// open mutation window on the metadata allocator.
func (r *Registry) Insert(obj *SharedObject) (ObjectID, error) {
	rec, err := r.alloc.Alloc()
	if err != nil {
		return NoObject, err
	}
	obj.recIdx = rec

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, registrySlot{gen: 1})
		idx = uint32(len(r.slots) - 1)
	}
	slot := &r.slots[idx]
	slot.obj = obj
	obj.id = ObjectID{index: idx, gen: slot.gen}
	r.order = append(r.order, obj.id)
	r.writeRecord(obj)
	return obj.id, nil
}

// InsertProtected is Insert wrapped in its own mutation window, for callers
// outside a linking operation (the synthetic facade object at startup).
func (r *Registry) InsertProtected(obj *SharedObject) (ObjectID, error) {
	guard := r.alloc.BeginMutation()
	defer guard.End()
	return r.Insert(obj)
}

// Remove unlinks obj from the arena and frees its protected record. The
// caller has already run destructors and released the mapping. Requires an
// open mutation window.
func (r *Registry) Remove(id ObjectID) {
	obj := r.Get(id)
	invariant(obj != nil, "remove of unknown object %v", id)
	r.removeAllLinks(id)
	r.alloc.Free(obj.recIdx)
	slot := &r.slots[id.index]
	slot.obj = nil
	slot.gen++ // stale IDs now resolve to nothing
	r.free = append(r.free, id.index)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get resolves an ObjectID, returning nil for stale or zero handles.
func (r *Registry) Get(id ObjectID) *SharedObject {
	if !id.valid() || int(id.index) >= len(r.slots) {
		return nil
	}
	slot := &r.slots[id.index]
	if slot.gen != id.gen {
		return nil
	}
	return slot.obj
}

// Objects returns every loaded object in load order.
func (r *Registry) Objects() []*SharedObject {
	out := make([]*SharedObject, 0, len(r.order))
	for _, id := range r.order {
		if obj := r.Get(id); obj != nil {
			out = append(out, obj)
		}
	}
	return out
}

func (r *Registry) ByName(name string) *SharedObject {
	for _, obj := range r.Objects() {
		if obj.name == name {
			return obj
		}
	}
	return nil
}

func (r *Registry) ByIdentity(dev, ino uint64) *SharedObject {
	if dev == 0 && ino == 0 {
		return nil
	}
	for _, obj := range r.Objects() {
		if obj.dev == dev && obj.ino == ino {
			return obj
		}
	}
	return nil
}

// ByAddress finds the object whose [base, base+size) range contains addr.
func (r *Registry) ByAddress(addr uint64) *SharedObject {
	for _, obj := range r.Objects() {
		if obj.contains(addr) {
			return obj
		}
	}
	return nil
}

// Link records a DT_NEEDED edge. Child and parent lists stay symmetric
// until removeAllLinks runs at teardown.
func (r *Registry) Link(parent, child ObjectID) {
	p, c := r.Get(parent), r.Get(child)
	invariant(p != nil && c != nil, "link between unknown objects")
	p.children = append(p.children, child)
	c.parents = append(c.parents, parent)
}

func (r *Registry) removeAllLinks(id ObjectID) {
	obj := r.Get(id)
	if obj == nil {
		return
	}
	for _, cid := range obj.children {
		if child := r.Get(cid); child != nil {
			child.parents = dropID(child.parents, id)
		}
	}
	for _, pid := range obj.parents {
		if parent := r.Get(pid); parent != nil {
			parent.children = dropID(parent.children, id)
		}
	}
	obj.children = nil
	obj.parents = nil
}

func dropID(ids []ObjectID, id ObjectID) []ObjectID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// writeRecord packs the object's debugger-visible record into its protected
// arena block. Requires an open mutation window.
func (r *Registry) writeRecord(obj *SharedObject) {
	blk := r.alloc.Block(obj.recIdx)
	binary.LittleEndian.PutUint64(blk[0:], obj.base)
	binary.LittleEndian.PutUint64(blk[8:], obj.size)
	binary.LittleEndian.PutUint64(blk[16:], uint64(obj.refCount))
	name := obj.name
	if len(name) > RecordSize-25 {
		name = name[:RecordSize-25]
	}
	copy(blk[24:], name)
	blk[24+len(name)] = 0
}
