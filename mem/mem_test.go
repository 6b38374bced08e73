package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageAlignment(t *testing.T) {
	assert.Equal(t, VAddr(0x1000), PageAlignDown(0x1FFF))
	assert.Equal(t, VAddr(0x1000), PageAlignDown(0x1000))
	assert.Equal(t, uint32(0x2000), PageAlignUp(0x1001))
	assert.Equal(t, uint32(0x1000), PageAlignUp(0x1000))
	assert.Equal(t, uint32(0), PageAlignUp(0))

	assert.True(t, PageAligned(VAddr(0x3000)))
	assert.False(t, PageAligned(VAddr(0x3010)))
}

func TestFrameNumbers(t *testing.T) {
	assert.Equal(t, PFN(2), ToPFN(0x2FFF))
	assert.Equal(t, PAddr(0x2000), FrameAddr(2))
}

func TestRangeOverlap(t *testing.T) {
	a := Range{Start: 0x1000, Length: 0x2000}
	assert.True(t, a.Contains(0x1000))
	assert.True(t, a.Contains(0x2FFF))
	assert.False(t, a.Contains(0x3000))

	assert.True(t, a.Overlaps(Range{Start: 0x2000, Length: 0x100}))
	assert.True(t, a.Overlaps(Range{Start: 0x0, Length: 0x1001}))
	assert.False(t, a.Overlaps(Range{Start: 0x3000, Length: 0x1000}))
	assert.False(t, a.Overlaps(Range{Start: 0x0, Length: 0x1000}))
}

func TestKernelLayout(t *testing.T) {
	assert.True(t, IsKernelAddr(KernelBase))
	assert.False(t, IsKernelAddr(KernelBase-1))
	assert.Equal(t, KernelBase+0x200000, KernelVirtual(0x200000))

	// The default machine's kernel window starts right past its image.
	assert.Equal(t, KernelVirtual(0x200000), DefaultConfig.KernelStart())
}

func TestVMFlags(t *testing.T) {
	f := VMKernelRW | VMClear
	assert.True(t, f.Writable())
	assert.Equal(t, VMKernel|VMRead|VMWrite, f.Prot())
}
