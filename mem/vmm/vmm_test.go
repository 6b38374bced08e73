package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/internal/arena"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
	"github.com/joshuapare/memkit/mem/mmu"
)

func newTestVMM(t *testing.T, pages uint32) (*VMM, *frame.Allocator) {
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

	v, err := New(f, mmu.NewSim(a, f), UserNodes,
		mem.UserStart, mem.UserStart+mem.VAddr(pages)*mem.PageSize)
	require.NoError(t, err)
	return v, f
}

// checkCoverage walks the partition and requires it to be a sorted,
// gapless, non-overlapping cover of the managed window.
func checkCoverage(t *testing.T, v *VMM) {
	t.Helper()

	snap := v.Snapshot()
	require.NotEmpty(t, snap)
	start, end := v.Bounds()
	cursor := start
	for _, r := range snap {
		require.Equal(t, cursor, r.Start, "gap or overlap at %#x", uint32(cursor))
		require.NotZero(t, r.Size)
		cursor = r.End()
	}
	require.Equal(t, end, cursor, "partition does not reach the window end")
}

func TestNewValidation(t *testing.T) {
	_, f := newTestVMM(t, 4)
	m := mmu.NewSim(nil, f)

	_, err := New(f, m, UserNodes, mem.UserStart, mem.UserStart)
	assert.ErrorIs(t, err, mem.ErrInvalid)

	_, err = New(f, m, UserNodes, mem.UserStart+1, mem.UserStart+mem.PageSize+1)
	assert.ErrorIs(t, err, mem.ErrInvalid)

	// Managed window may not overlap node storage.
	_, err = New(f, m, UserNodes, mem.UserReservedStart, mem.UserReservedEnd)
	assert.ErrorIs(t, err, mem.ErrInvalid)
}

func TestAllocateLowestFree(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	a, err := v.Allocate(mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, mem.UserStart, a)

	b, err := v.Allocate(3*mem.PageSize, mem.VMRead|mem.VMWrite)
	require.NoError(t, err)
	assert.Equal(t, mem.UserStart+mem.PageSize, b)

	checkCoverage(t, v)
}

func TestRoundTripCoalescing(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	a, err := v.Allocate(5*mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	require.NoError(t, v.Free(a))

	snap := v.Snapshot()
	require.Len(t, snap, 1, "free must leave a single coalesced region")
	start, end := v.Bounds()
	assert.Equal(t, start, snap[0].Start)
	assert.Equal(t, end, snap[0].End())
	assert.False(t, snap[0].Allocated)
}

func TestBestFitPrefersSmallestHole(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	// Pages 0..5 allocated one by one, then holes punched: one page at
	// page 1, two pages at pages 3-4. The tail (pages 6..15) stays free.
	var got [6]mem.VAddr
	for i := range got {
		a, err := v.Allocate(mem.PageSize, mem.VMRead)
		require.NoError(t, err)
		got[i] = a
	}
	require.NoError(t, v.Free(got[1]))
	require.NoError(t, v.Free(got[3]))
	require.NoError(t, v.Free(got[4]))
	checkCoverage(t, v)

	two, err := v.Allocate(2*mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, got[3], two, "two pages fit the two-page hole exactly")

	one, err := v.Allocate(mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, got[1], one, "one page fits the one-page hole exactly")
	checkCoverage(t, v)
}

func TestBestFitTieBreaksByAddress(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	var got [6]mem.VAddr
	for i := range got {
		a, err := v.Allocate(mem.PageSize, mem.VMRead)
		require.NoError(t, err)
		got[i] = a
	}
	require.NoError(t, v.Free(got[3]))
	require.NoError(t, v.Free(got[1]))

	a, err := v.Allocate(mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, got[1], a, "equal sized holes resolve to the lowest address")
}

func TestAllocateAt(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	hint := mem.UserStart + 4*mem.PageSize
	a, err := v.AllocateAt(hint, 2*mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, hint, a)
	checkCoverage(t, v)

	// The hint now sits inside an allocated region, so the next fit is
	// right behind it.
	b, err := v.AllocateAt(hint, mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, hint+2*mem.PageSize, b)

	// An unaligned hint is pushed up to the next page boundary.
	c, err := v.AllocateAt(mem.UserStart+mem.PageSize+1, mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, mem.UserStart+2*mem.PageSize, c)
	checkCoverage(t, v)
}

func TestAllocateExhaustion(t *testing.T) {
	v, _ := newTestVMM(t, 4)

	_, err := v.Allocate(4*mem.PageSize, mem.VMRead)
	require.NoError(t, err)

	a, err := v.Allocate(mem.PageSize, mem.VMRead)
	assert.ErrorIs(t, err, mem.ErrNoRegion)
	assert.Equal(t, mem.InvalidAddr, a)
}

func TestFreeUnknownAddress(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	assert.ErrorIs(t, v.Free(mem.UserStart+3*mem.PageSize), mem.ErrNoRegion)

	// Freeing a free region is also rejected.
	a, err := v.Allocate(mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	require.NoError(t, v.Free(a))
	assert.ErrorIs(t, v.Free(a), mem.ErrNoRegion)
	checkCoverage(t, v)
}

func TestFind(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	a, err := v.Allocate(2*mem.PageSize, mem.VMRead|mem.VMWrite)
	require.NoError(t, err)

	r, ok := v.Find(a + mem.PageSize + 7)
	require.True(t, ok)
	assert.Equal(t, a, r.Start)
	assert.Equal(t, uint32(2*mem.PageSize), r.Size)
	assert.True(t, r.Allocated)
	assert.Equal(t, mem.VMRead|mem.VMWrite, r.Flags)

	_, ok = v.Find(v.end)
	assert.False(t, ok)
}

func TestFlagsClearedOnFree(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	a, err := v.Allocate(mem.PageSize, mem.VMRead|mem.VMWrite)
	require.NoError(t, err)
	require.NoError(t, v.Free(a))

	r, ok := v.Find(a)
	require.True(t, ok)
	assert.False(t, r.Allocated)
	assert.Equal(t, mem.VMFlags(0), r.Flags)
}

func TestNodePagesGrowAndShrink(t *testing.T) {
	v, f := newTestVMM(t, 256)

	// 128 allocated single pages plus the free tail exceed two node
	// pages worth of slots.
	var addrs []mem.VAddr
	for i := 0; i < 128; i++ {
		a, err := v.Allocate(mem.PageSize, mem.VMRead)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	assert.Equal(t, uint32(129), v.Stats().Regions)
	assert.Equal(t, uint32(3), v.Stats().NodePages)

	before := f.Stats().Allocated
	for _, a := range addrs {
		require.NoError(t, v.Free(a))
	}
	checkCoverage(t, v)
	assert.Equal(t, uint32(1), v.Stats().Regions)
	assert.Equal(t, uint32(1), v.Stats().NodePages)
	assert.Equal(t, before-2, f.Stats().Allocated, "empty node pages return their frames")
}

func TestReset(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	for i := 0; i < 4; i++ {
		_, err := v.Allocate(mem.PageSize, mem.VMRead)
		require.NoError(t, err)
	}
	require.NoError(t, v.Reset())

	snap := v.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Allocated)
	checkCoverage(t, v)

	// Still usable after the wipe.
	a, err := v.Allocate(mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, mem.UserStart, a)
}

func TestResizeGrow(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	a, err := v.Allocate(2*mem.PageSize, mem.VMRead)
	require.NoError(t, err)

	require.NoError(t, v.Resize(a, 5*mem.PageSize))
	r, ok := v.Find(a)
	require.True(t, ok)
	assert.Equal(t, uint32(5*mem.PageSize), r.Size)
	checkCoverage(t, v)

	// A neighbor blocks in-place growth past it.
	b, err := v.Allocate(mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.Equal(t, a+5*mem.PageSize, b)
	assert.ErrorIs(t, v.Resize(a, 6*mem.PageSize), mem.ErrNoRegion)
}

func TestResizeShrink(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	a, err := v.Allocate(6*mem.PageSize, mem.VMRead)
	require.NoError(t, err)

	require.NoError(t, v.Resize(a, 2*mem.PageSize))
	r, ok := v.Find(a)
	require.True(t, ok)
	assert.Equal(t, uint32(2*mem.PageSize), r.Size)

	// The tail merged back into the free remainder.
	snap := v.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[1].Allocated)
	checkCoverage(t, v)
}

func TestResizeErrors(t *testing.T) {
	v, _ := newTestVMM(t, 16)

	assert.ErrorIs(t, v.Resize(mem.UserStart, mem.PageSize), mem.ErrNoRegion)

	a, err := v.Allocate(2*mem.PageSize, mem.VMRead)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Resize(a, 0), mem.ErrInvalid)
	assert.ErrorIs(t, v.Resize(a+mem.PageSize, mem.PageSize), mem.ErrInvalid)
	require.NoError(t, v.Resize(a, 2*mem.PageSize))
}

// Interleaved allocate/free sequences must never break the partition.
func TestCoveragePartitionProperty(t *testing.T) {
	v, _ := newTestVMM(t, 32)

	live := map[int]mem.VAddr{}
	sizes := []uint32{1, 4, 2, 1, 3, 2, 5, 1}
	for i, n := range sizes {
		a, err := v.Allocate(n*mem.PageSize, mem.VMRead)
		require.NoError(t, err)
		live[i] = a
		checkCoverage(t, v)
	}
	for i := 0; i < len(sizes); i += 2 {
		require.NoError(t, v.Free(live[i]))
		delete(live, i)
		checkCoverage(t, v)
	}
	for _, n := range []uint32{2, 1, 6} {
		_, err := v.Allocate(n*mem.PageSize, mem.VMRead)
		require.NoError(t, err)
		checkCoverage(t, v)
	}
}
