package linker

import (
	"errors"
	"fmt"
	"sync"
)

// Error taxonomy. Load-time failures unwind one Open call; only invariant
// violations abort, since continuing would mean running with relocations in
// an unknown state.

// LoadError covers files that could not be found, opened or mapped.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load library %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// MissingSymbolError reports a non-weak relocation that could not be
// resolved anywhere in the requesting object's search scope.
type MissingSymbolError struct {
	Symbol string
	Object string
}

func (e *MissingSymbolError) Error() string {
	return fmt.Sprintf("cannot locate symbol %q needed by %q", e.Symbol, e.Object)
}

// UnsupportedRelocationError reports an unknown or architecturally illegal
// relocation form.
type UnsupportedRelocationError struct {
	Object string
	Type   uint32
	Index  int
	Reason string
}

func (e *UnsupportedRelocationError) Error() string {
	return fmt.Sprintf("%s: relocation %d type %d: %s", e.Object, e.Index, e.Type, e.Reason)
}

// ErrNotResident is returned for RTLD_NOLOAD requests naming an object that
// is not already loaded.
var ErrNotResident = errors.New("library is not already resident")

// ErrSymbolNotFound marks symbol lookups that found nothing. Not-found is
// not a fatal condition anywhere in the core.
var ErrSymbolNotFound = errors.New("symbol not found")

// invariant aborts on internal-consistency failures.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("linker invariant violated: "+format, args...))
	}
}

const maxErrorLen = 512

// ErrorBuffer holds the last error string per thread, one-shot: reading
// clears it. Mirrors the dlerror contract.
type ErrorBuffer struct {
	mu sync.Mutex
	m  map[uint64]string
}

func (b *ErrorBuffer) Set(msg string) {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = make(map[uint64]string)
	}
	b.m[goid()] = msg
}

func (b *ErrorBuffer) Take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := goid()
	msg := b.m[id]
	delete(b.m, id)
	return msg
}
