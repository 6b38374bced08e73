package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/internal/arena"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
)

const userPage = mem.VAddr(0x400000)

func newTestSim(t *testing.T) (*Sim, *frame.Allocator) {
	t.Helper()

	cfg := mem.Config{
		MemSize: 48 * mem.PageSize,
		BootMap: []mem.Range{
			{Start: 0, Length: 32 * mem.PageSize, Usable: true},
		},
		KernelImage: mem.Range{Start: 32 * mem.PageSize, Length: 16 * mem.PageSize},
	}
	a, err := arena.New(cfg.MemSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	f, err := frame.New(cfg)
	require.NoError(t, err)
	return NewSim(a, f), f
}

func mapOne(t *testing.T, s *Sim, f *frame.Allocator, v mem.VAddr, prot mem.VMFlags) mem.PAddr {
	t.Helper()
	p, err := f.Alloc()
	require.NoError(t, err)
	require.True(t, s.Map(v, p, prot))
	return p
}

func TestMapAndTranslate(t *testing.T) {
	s, f := newTestSim(t)

	p := mapOne(t, s, f, userPage, mem.VMRead|mem.VMWrite)
	assert.True(t, s.IsMapped(userPage))
	assert.True(t, s.IsMapped(userPage+123), "any offset in the page is mapped")

	got, err := s.FindPhysical(userPage + 0x123)
	require.NoError(t, err)
	assert.Equal(t, p+0x123, got, "translation preserves the page offset")

	assert.Equal(t, p, s.Unmap(userPage))
	assert.False(t, s.IsMapped(userPage))
	assert.Equal(t, mem.InvalidFrame, s.Unmap(userPage))

	_, err = s.FindPhysical(userPage)
	assert.ErrorIs(t, err, mem.ErrNotMapped)
}

func TestMapRefusesRemap(t *testing.T) {
	s, f := newTestSim(t)

	p := mapOne(t, s, f, userPage, mem.VMRead)
	assert.False(t, s.Map(userPage, p+mem.PageSize, mem.VMRead))

	// The original translation survives.
	got, err := s.FindPhysical(userPage)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestMapRangeUnwindsOnConflict(t *testing.T) {
	s, f := newTestSim(t)

	// A page in the middle of the target range is already taken.
	mapOne(t, s, f, userPage+2*mem.PageSize, mem.VMRead)

	run, err := f.AllocPages(4 * mem.PageSize)
	require.NoError(t, err)
	assert.False(t, s.MapRange(userPage, run, 4*mem.PageSize, mem.VMRead))

	assert.False(t, s.IsMapped(userPage))
	assert.False(t, s.IsMapped(userPage+mem.PageSize))
	assert.True(t, s.IsMapped(userPage+2*mem.PageSize), "the conflicting page is untouched")
}

func TestKernelMappingsSharedAcrossRoots(t *testing.T) {
	s, f := newTestSim(t)

	kv := mem.KernelBase + mem.VAddr(0x100000)
	mapOne(t, s, f, kv, mem.VMKernelRW)
	mapOne(t, s, f, userPage, mem.VMRead|mem.VMWrite)

	r, err := s.NewRoot()
	require.NoError(t, err)
	require.NoError(t, s.Load(r))

	assert.True(t, s.IsMapped(kv), "kernel half is shared")
	assert.False(t, s.IsMapped(userPage), "user half is per root")

	require.NoError(t, s.Load(KernelRoot))
	assert.True(t, s.IsMapped(userPage))
}

func TestDestroyRootGuards(t *testing.T) {
	s, _ := newTestSim(t)

	assert.ErrorIs(t, s.DestroyRoot(KernelRoot), mem.ErrInvalid)
	assert.ErrorIs(t, s.DestroyRoot(s.Current()), mem.ErrInvalid)

	r, err := s.NewRoot()
	require.NoError(t, err)
	require.NoError(t, s.Load(r))
	assert.ErrorIs(t, s.DestroyRoot(r), mem.ErrBusy)

	require.NoError(t, s.Load(KernelRoot))
	require.NoError(t, s.DestroyRoot(r))
	assert.ErrorIs(t, s.Load(r), mem.ErrInvalid)
}

func TestCloneSharesPagesCopyOnWrite(t *testing.T) {
	s, f := newTestSim(t)

	p := mapOne(t, s, f, userPage, mem.VMRead|mem.VMWrite)
	require.NoError(t, Write32(s, userPage, 0xDEADBEEF))

	r, err := s.NewRoot()
	require.NoError(t, err)
	require.NoError(t, s.Clone(r))

	assert.Equal(t, uint32(2), f.RefCount(p))
	assert.True(t, f.HasFlags(p, frame.FlagCoW))

	// Both roots see the same frame until somebody writes.
	require.NoError(t, s.Load(r))
	got, err := s.FindPhysical(userPage)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	word, err := Read32(s, userPage)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), word)
}

func TestCopyOnWriteDiverges(t *testing.T) {
	s, f := newTestSim(t)

	p := mapOne(t, s, f, userPage, mem.VMRead|mem.VMWrite)
	require.NoError(t, Write32(s, userPage, 0x11223344))

	r, err := s.NewRoot()
	require.NoError(t, err)
	require.NoError(t, s.Clone(r))
	require.NoError(t, s.Load(r))

	// Write fault in the clone: it gets a private copy of the page.
	require.NoError(t, s.CopyOnWrite(userPage))
	private, err := s.FindPhysical(userPage)
	require.NoError(t, err)
	assert.NotEqual(t, p, private)
	assert.Equal(t, uint32(1), f.RefCount(p))

	word, err := Read32(s, userPage)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), word, "the copy carries the old contents")

	require.NoError(t, Write32(s, userPage, 0x55667788))

	// The original root still sees its frame and its value.
	require.NoError(t, s.Load(KernelRoot))
	require.NoError(t, s.CopyOnWrite(userPage)) // last owner reclaims in place
	got, err := s.FindPhysical(userPage)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.False(t, f.HasFlags(p, frame.FlagCoW))
	word, err = Read32(s, userPage)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), word)
}

func TestCopyOnWriteOnPlainPageIsError(t *testing.T) {
	s, f := newTestSim(t)

	mapOne(t, s, f, userPage, mem.VMRead|mem.VMWrite)
	assert.ErrorIs(t, s.CopyOnWrite(userPage), mem.ErrBadAddress)
	assert.ErrorIs(t, s.CopyOnWrite(userPage+mem.PageSize), mem.ErrBadAddress)
}

func TestCloneSkipsReservedWindow(t *testing.T) {
	s, f := newTestSim(t)

	p := mapOne(t, s, f, mem.UserReservedStart, mem.VMRead|mem.VMWrite)

	r, err := s.NewRoot()
	require.NoError(t, err)
	require.NoError(t, s.Clone(r))

	assert.Equal(t, uint32(1), f.RefCount(p), "bookkeeping pages are not shared")
	require.NoError(t, s.Load(r))
	assert.False(t, s.IsMapped(mem.UserReservedStart))
}

func TestAccessCrossesPages(t *testing.T) {
	s, f := newTestSim(t)

	// Two virtually adjacent pages backed by unrelated frames.
	mapOne(t, s, f, userPage, mem.VMRead|mem.VMWrite)
	_, err := f.Alloc() // gap so the second frame is not adjacent
	require.NoError(t, err)
	mapOne(t, s, f, userPage+mem.PageSize, mem.VMRead|mem.VMWrite)

	boundary := userPage + mem.PageSize - 2
	require.NoError(t, WriteBytes(s, boundary, []byte{1, 2, 3, 4}))

	back, err := ReadBytes(s, boundary, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, back)

	word, err := Read32(s, boundary)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), word)

	require.NoError(t, Zero(s, boundary, 4))
	word, err = Read32(s, boundary)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), word)
}

func TestAccessUnmappedFails(t *testing.T) {
	s, _ := newTestSim(t)

	_, err := Read32(s, userPage)
	assert.ErrorIs(t, err, mem.ErrNotMapped)
	assert.ErrorIs(t, WriteBytes(s, userPage, []byte{1}), mem.ErrNotMapped)
}
