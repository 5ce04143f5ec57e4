package dynld_test

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/halfsync/dynld"
	"github.com/halfsync/dynld/linker"
	"github.com/halfsync/dynld/linker/linktest"
)

type dlFixture struct {
	d    *dynld.DL
	env  *linktest.Env
	exec *linktest.RecordingExecutor
}

func newDLFixture(t *testing.T) *dlFixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	space := linker.NewSparseSpace()
	env := linktest.NewEnv()
	exec := &linktest.RecordingExecutor{}
	d, err := dynld.New(dynld.Config{
		Space:  space,
		Env:    env,
		Images: linktest.NewImageLoader(space),
		Exec:   exec,
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown() })
	return &dlFixture{d: d, env: env, exec: exec}
}

func (f *dlFixture) object(t *testing.T, name string) *linker.SharedObject {
	t.Helper()
	for _, obj := range f.d.Objects() {
		if obj.Name() == name {
			return obj
		}
	}
	t.Fatalf("object %q not loaded", name)
	return nil
}

func TestNewRequiresCollaborators(t *testing.T) {
	space := linker.NewSparseSpace()
	_, err := dynld.New(dynld.Config{Images: linktest.NewImageLoader(space)})
	require.ErrorContains(t, err, "Config.Env is required")
	_, err = dynld.New(dynld.Config{Env: linktest.NewEnv()})
	require.ErrorContains(t, err, "Config.Images is required")
}

func TestOpenInvalidFlags(t *testing.T) {
	f := newDLFixture(t)
	_, err := f.d.Open(context.Background(), "libc.so", 0x8000)
	require.Error(t, err)
	require.Contains(t, f.d.LastError(), "invalid flags")
	require.Equal(t, "", f.d.LastError(), "error buffer is one-shot")
}

func TestOpenAndSymbol(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("libc.so", linktest.Build(linktest.Spec{
		Syms: []linktest.Sym{{Name: "answer", Value: 0x40, Size: 16}},
	}))

	h, err := f.d.Open(context.Background(), "libc.so", dynld.BindNow)
	require.NoError(t, err)

	addr, err := f.d.Symbol(h, "answer")
	require.NoError(t, err)
	require.Equal(t, f.object(t, "libc.so").Base()+0x40, addr)
}

func TestSymbolDefaultReachesFacadeObject(t *testing.T) {
	f := newDLFixture(t)
	facade := f.object(t, dynld.FacadeObjectName)

	addr, err := f.d.Symbol(dynld.Default, "dlopen")
	require.NoError(t, err)
	require.Equal(t, facade.Base()+16, addr, "first facade entry point slot")

	_, err = f.d.Symbol(dynld.Default, "dl_iterate_phdr")
	require.NoError(t, err)
}

func TestSymbolNotFound(t *testing.T) {
	f := newDLFixture(t)
	_, err := f.d.Symbol(dynld.Default, "nope")
	require.ErrorIs(t, err, linker.ErrSymbolNotFound)
	require.Equal(t, "undefined symbol: nope", f.d.LastError())
	require.Equal(t, "", f.d.LastError())
}

func TestSymbolEmptyName(t *testing.T) {
	f := newDLFixture(t)
	_, err := f.d.Symbol(dynld.Default, "")
	require.ErrorContains(t, err, "symbol name is null")
}

func TestSymbolInvalidHandle(t *testing.T) {
	f := newDLFixture(t)
	_, err := f.d.Symbol(dynld.Handle{}, "anything")
	require.ErrorContains(t, err, "invalid handle")
}

func TestSymbolNext(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("liba.so", linktest.Build(linktest.Spec{
		Syms: []linktest.Sym{{Name: "dup", Value: 0x40, Size: 8}},
	}))
	f.env.Add("libb.so", linktest.Build(linktest.Spec{
		Syms: []linktest.Sym{{Name: "dup", Value: 0x40, Size: 8}},
	}))
	ctx := context.Background()
	_, err := f.d.Open(ctx, "liba.so", dynld.BindNow)
	require.NoError(t, err)
	_, err = f.d.Open(ctx, "libb.so", dynld.BindNow)
	require.NoError(t, err)

	a, b := f.object(t, "liba.so"), f.object(t, "libb.so")

	addr, err := f.d.Symbol(dynld.Next(a.Base()+1), "dup")
	require.NoError(t, err)
	require.Equal(t, b.Base()+0x40, addr, "search resumes after the caller's object")

	_, err = f.d.Symbol(dynld.Next(0xdead0000), "dup")
	require.ErrorContains(t, err, "outside any object")
}

func TestSymbolHandleScopeIsDependencyGraph(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("libc.so", linktest.Build(linktest.Spec{
		Syms: []linktest.Sym{{Name: "csym", Value: 0x40, Size: 8}},
	}))
	f.env.Add("liba.so", linktest.Build(linktest.Spec{Needed: []string{"libc.so"}}))
	f.env.Add("libd.so", linktest.Build(linktest.Spec{
		Syms: []linktest.Sym{{Name: "dsym", Value: 0x40, Size: 8}},
	}))
	ctx := context.Background()
	ha, err := f.d.Open(ctx, "liba.so", dynld.BindNow)
	require.NoError(t, err)
	_, err = f.d.Open(ctx, "libd.so", dynld.BindNow)
	require.NoError(t, err)

	addr, err := f.d.Symbol(ha, "csym")
	require.NoError(t, err)
	require.Equal(t, f.object(t, "libc.so").Base()+0x40, addr)

	_, err = f.d.Symbol(ha, "dsym")
	require.ErrorIs(t, err, linker.ErrSymbolNotFound,
		"objects outside the handle's dependency graph are invisible")
}

func TestCloseRefcounting(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("libc.so", linktest.Build(linktest.Spec{}))
	ctx := context.Background()

	h1, err := f.d.Open(ctx, "libc.so", dynld.BindNow)
	require.NoError(t, err)
	h2, err := f.d.Open(ctx, "libc.so", dynld.BindNow)
	require.NoError(t, err)

	require.NoError(t, f.d.Close(ctx, h1))
	h3, err := f.d.Open(ctx, "libc.so", dynld.BindNow|dynld.NoLoad)
	require.NoError(t, err, "still resident after one close")

	require.NoError(t, f.d.Close(ctx, h2))
	require.NoError(t, f.d.Close(ctx, h3))

	_, err = f.d.Open(ctx, "libc.so", dynld.BindNow|dynld.NoLoad)
	require.ErrorIs(t, err, linker.ErrNotResident)
	require.NotEmpty(t, f.d.LastError())
}

func TestCloseToleratesSentinelsAndStaleHandles(t *testing.T) {
	f := newDLFixture(t)
	ctx := context.Background()
	require.NoError(t, f.d.Close(ctx, dynld.Handle{}))
	require.NoError(t, f.d.Close(ctx, dynld.Default))
}

func TestAddressInfo(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("libc.so", linktest.Build(linktest.Spec{
		Syms: []linktest.Sym{{Name: "answer", Value: 0x40, Size: 16}},
	}))
	_, err := f.d.Open(context.Background(), "libc.so", dynld.BindNow)
	require.NoError(t, err)
	base := f.object(t, "libc.so").Base()

	info, ok := f.d.AddressInfo(base + 0x45)
	require.True(t, ok)
	require.Equal(t, "libc.so", info.ObjectName)
	require.Equal(t, base, info.ObjectBase)
	require.Equal(t, "answer", info.SymbolName)
	require.Equal(t, base+0x40, info.SymbolAddress)

	_, ok = f.d.AddressInfo(0x1)
	require.False(t, ok)
	require.Equal(t, "", f.d.LastError(), "dladdr misses do not disturb dlerror")
}

func TestIteratePhdrs(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("libc.so", linktest.Build(linktest.Spec{}))
	_, err := f.d.Open(context.Background(), "libc.so", dynld.BindNow)
	require.NoError(t, err)

	var names []string
	var orders []int
	rc := f.d.IteratePhdrs(func(info dynld.PhdrInfo) int {
		names = append(names, info.Name)
		orders = append(orders, info.Order)
		return 0
	})
	require.Zero(t, rc)
	require.Equal(t, []string{dynld.FacadeObjectName, "libc.so"}, names)
	require.Equal(t, []int{0, 1}, orders)

	visits := 0
	rc = f.d.IteratePhdrs(func(info dynld.PhdrInfo) int {
		visits++
		return 7
	})
	require.Equal(t, 7, rc, "callback's value is returned on early stop")
	require.Equal(t, 1, visits)
}

func TestConstructorsAndDestructors(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("liba.so", linktest.Build(linktest.Spec{InitFunc: 0x18, FiniFunc: 0x20}))
	ctx := context.Background()

	h, err := f.d.Open(ctx, "liba.so", dynld.BindNow)
	require.NoError(t, err)
	base := f.object(t, "liba.so").Base()
	require.Equal(t, []uint64{base + 0x18}, f.exec.Calls)

	require.NoError(t, f.d.Close(ctx, h))
	require.Equal(t, []uint64{base + 0x18, base + 0x20}, f.exec.Calls)
}

func TestNestedOpenFromConstructor(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("liba.so", linktest.Build(linktest.Spec{InitFunc: 0x18}))
	f.env.Add("libb.so", linktest.Build(linktest.Spec{InitFunc: 0x18}))
	ctx := context.Background()

	nested := false
	f.exec.OnCall = func(addr uint64) error {
		if nested {
			return nil
		}
		nested = true
		_, err := f.d.Open(ctx, "libb.so", dynld.BindNow)
		return err
	}

	_, err := f.d.Open(ctx, "liba.so", dynld.BindNow)
	require.NoError(t, err)

	a, b := f.object(t, "liba.so"), f.object(t, "libb.so")
	require.Equal(t, []uint64{a.Base() + 0x18, b.Base() + 0x18}, f.exec.Calls,
		"nested constructor runs inside the outer one")
}

func TestLinkMainExecutable(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("./app", linktest.Build(linktest.Spec{
		InitFunc: 0x18,
		Syms:     []linktest.Sym{{Name: "app_entry", Value: 0x50, Size: 8}},
	}))
	ctx := context.Background()

	hMain, err := f.d.LinkMainExecutable(ctx, "./app")
	require.NoError(t, err)
	base := f.object(t, "./app").Base()
	require.Equal(t, []uint64{base + 0x18}, f.exec.Calls)

	addr, err := f.d.Symbol(hMain, "app_entry")
	require.NoError(t, err)
	require.Equal(t, base+0x50, addr)

	hAgain, err := f.d.Open(ctx, "", 0)
	require.NoError(t, err)
	addr, err = f.d.Symbol(hAgain, "app_entry")
	require.NoError(t, err)
	require.Equal(t, base+0x50, addr)
}

func TestOpenFailureSetsErrorBuffer(t *testing.T) {
	f := newDLFixture(t)
	_, err := f.d.Open(context.Background(), "libmissing.so", dynld.BindNow)
	require.Error(t, err)
	require.Contains(t, f.d.LastError(), `cannot load library "libmissing.so"`)
	require.Equal(t, "", f.d.LastError())
}

func TestOpenExtAcceptsRelroField(t *testing.T) {
	f := newDLFixture(t)
	f.env.Add("libc.so", linktest.Build(linktest.Spec{}))
	_, err := f.d.OpenExt(context.Background(), "libc.so", dynld.BindNow,
		&linker.OpenExtInfo{ReservedRelroFD: 42})
	require.NoError(t, err)
}
