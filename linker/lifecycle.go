package linker

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Lifecycle owns reference counting, constructor/destructor ordering and
// unload of dependency subgraphs. Every metadata mutation happens inside an
// allocator mutation window, and the window closes before control passes to
// guest code: constructors may themselves re-enter the linker.
type Lifecycle struct {
	reg      *Registry
	alloc    *BlockAllocator
	exec     Executor
	notifier DebugNotifier
	log      logrus.FieldLogger
}

func NewLifecycle(reg *Registry, alloc *BlockAllocator, exec Executor, notifier DebugNotifier, log logrus.FieldLogger) *Lifecycle {
	return &Lifecycle{reg: reg, alloc: alloc, exec: exec, notifier: notifier, log: log}
}

// Construct runs constructors for obj and everything below it, children
// first. Idempotent: the constructorsCalled guard is set before recursing,
// so a dependency cycle terminates and each object constructs exactly once.
func (lc *Lifecycle) Construct(ctx context.Context, obj *SharedObject) error {
	if obj.constructorsCalled {
		return nil
	}
	guard := lc.alloc.BeginMutation()
	obj.constructorsCalled = true
	guard.End()

	for _, cid := range obj.children {
		child := lc.reg.Get(cid)
		if child == nil {
			// Tolerated: optional or statically-folded dependency.
			lc.log.WithField("object", obj.name).Warn("skipping unresolved child during construction")
			continue
		}
		if err := lc.Construct(ctx, child); err != nil {
			return err
		}
	}

	if obj.preinitArrayCount > 0 {
		if obj.kind != KindMainExecutable {
			lc.log.WithField("object", obj.name).Warn("shared library declares a preinit array, ignoring")
		} else if err := lc.callArray(ctx, obj, obj.preinitArray, obj.preinitArrayCount, false); err != nil {
			return err
		}
	}
	if obj.initFunc != 0 {
		if err := lc.exec.Call(ctx, obj.initFunc); err != nil {
			return fmt.Errorf("%s: init: %w", obj.name, err)
		}
	}
	return lc.callArray(ctx, obj, obj.initArray, obj.initArrayCount, false)
}

// Destruct runs the fini array in reverse, then the single fini function,
// then clears the construction guard so a later reload constructs again.
func (lc *Lifecycle) Destruct(ctx context.Context, obj *SharedObject) error {
	if !obj.constructorsCalled {
		return nil
	}
	var result error
	if err := lc.callArray(ctx, obj, obj.finiArray, obj.finiArrayCount, true); err != nil {
		result = multierror.Append(result, err)
	}
	if obj.finiFunc != 0 {
		if err := lc.exec.Call(ctx, obj.finiFunc); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: fini: %w", obj.name, err))
		}
	}
	guard := lc.alloc.BeginMutation()
	obj.constructorsCalled = false
	guard.End()
	return result
}

// Unload drops one reference. At zero it destructs the object, recursively
// unloads its children, and only then removes it from the registry and
// releases the mapping. Missing children are tolerated as warnings. The
// returned error aggregates destructor failures; the object is gone
// regardless.
func (lc *Lifecycle) Unload(ctx context.Context, obj *SharedObject) error {
	invariant(obj.refCount > 0, "unload of %q with refcount %d", obj.name, obj.refCount)
	guard := lc.alloc.BeginMutation()
	obj.refCount--
	lc.reg.writeRecord(obj)
	guard.End()
	if obj.refCount > 0 {
		lc.log.WithFields(logrus.Fields{
			"object":   obj.name,
			"refcount": obj.refCount,
		}).Debug("unload deferred, still referenced")
		return nil
	}

	var result error
	if err := lc.Destruct(ctx, obj); err != nil {
		result = multierror.Append(result, err)
	}

	children := append([]ObjectID(nil), obj.children...)
	for _, cid := range children {
		child := lc.reg.Get(cid)
		if child == nil {
			lc.log.WithField("object", obj.name).Warn("dependency already gone during unload")
			continue
		}
		if err := lc.Unload(ctx, child); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if lc.notifier != nil {
		lc.notifier.OnUnload(obj)
	}
	guard = lc.alloc.BeginMutation()
	lc.reg.Remove(obj.id)
	guard.End()
	if obj.release != nil {
		if err := obj.release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: release mapping: %w", obj.name, err))
		}
	}
	return result
}

// callArray invokes each non-null entry of an init/fini array.
func (lc *Lifecycle) callArray(ctx context.Context, obj *SharedObject, addr uint64, count int, reverse bool) error {
	if addr == 0 || count == 0 {
		return nil
	}
	ws := obj.wordSize()
	none := uint64(0)
	all := ^uint64(0)
	if ws == 4 {
		all = 0xffffffff
	}
	for i := 0; i < count; i++ {
		idx := i
		if reverse {
			idx = count - 1 - i
		}
		fn, err := readWord(obj.space, addr+uint64(idx*ws), ws, obj.order)
		if err != nil {
			return fmt.Errorf("%s: init/fini array: %w", obj.name, err)
		}
		if fn == none || fn == all {
			continue
		}
		if err := lc.exec.Call(ctx, fn); err != nil {
			return fmt.Errorf("%s: array call %d: %w", obj.name, idx, err)
		}
	}
	return nil
}
