package linker

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goid returns the current goroutine's id. Constructors run synchronously on
// the goroutine that entered the public API, so this is what "thread" means
// for both the re-entrant lock and the dlerror buffer.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 12 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ReentrantMutex serializes linking operations while letting constructors
// and destructors, which run with the lock held, call back into the public
// API from the same goroutine (nested dlopen/dlclose).
type ReentrantMutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	depth int
	once  sync.Once
}

func (m *ReentrantMutex) init() {
	m.cond = sync.NewCond(&m.mu)
}

func (m *ReentrantMutex) Lock() {
	m.once.Do(m.init)
	id := goid()
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.depth > 0 && m.owner != id {
		m.cond.Wait()
	}
	m.owner = id
	m.depth++
}

func (m *ReentrantMutex) Unlock() {
	m.once.Do(m.init)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != goid() {
		panic("linker: unlock of re-entrant mutex not held by caller")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}
