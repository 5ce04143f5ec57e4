package linker

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReentrantMutexSameGoroutine(t *testing.T) {
	var m ReentrantMutex
	m.Lock()
	m.Lock() // nested acquisition must not deadlock
	m.Unlock()
	m.Unlock()
}

func TestReentrantMutexExcludesOtherGoroutines(t *testing.T) {
	var m ReentrantMutex
	var released atomic.Bool

	m.Lock()
	done := make(chan struct{})
	go func() {
		m.Lock()
		require.True(t, released.Load(), "second goroutine acquired while lock was held")
		m.Unlock()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	released.Store(true)
	m.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second goroutine never acquired the lock")
	}
}

func TestReentrantMutexForeignUnlockPanics(t *testing.T) {
	var m ReentrantMutex
	require.Panics(t, func() { m.Unlock() })

	m.Lock()
	panicked := make(chan bool)
	go func() {
		defer func() { panicked <- recover() != nil }()
		m.Unlock()
	}()
	require.True(t, <-panicked, "unlock from a non-owning goroutine must panic")
	m.Unlock()
}

func TestGoid(t *testing.T) {
	id := goid()
	require.NotZero(t, id)
	require.Equal(t, id, goid(), "stable within one goroutine")

	other := make(chan uint64)
	go func() { other <- goid() }()
	require.NotEqual(t, id, <-other)
}

func TestErrorBufferOneShot(t *testing.T) {
	var b ErrorBuffer
	require.Equal(t, "", b.Take())

	b.Set("first")
	b.Set("second")
	require.Equal(t, "second", b.Take(), "newest message wins")
	require.Equal(t, "", b.Take(), "reading clears")
}

func TestErrorBufferPerGoroutine(t *testing.T) {
	var b ErrorBuffer
	b.Set("mine")

	theirs := make(chan string)
	go func() { theirs <- b.Take() }()
	require.Equal(t, "", <-theirs, "other goroutines see their own empty slot")
	require.Equal(t, "mine", b.Take())
}

func TestErrorBufferTruncates(t *testing.T) {
	var b ErrorBuffer
	b.Set(strings.Repeat("x", maxErrorLen+100))
	require.Len(t, b.Take(), maxErrorLen)
}
