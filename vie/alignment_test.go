package vie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignmentCheck(t *testing.T) {
	assert.True(t, AlignmentCheck(3, 4, CR0AM, RFlagsAC, 0x1003))
	assert.False(t, AlignmentCheck(0, 4, CR0AM, RFlagsAC, 0x1003), "supervisor")

	for _, size := range []int{1, 2, 4, 8} {
		for gla := uint64(0x1000); gla < 0x1010; gla++ {
			aligned := gla%uint64(size) == 0
			for cpl := 0; cpl <= 3; cpl++ {
				got := AlignmentCheck(cpl, size, CR0AM, RFlagsAC, gla)
				assert.Equal(t, cpl == 3 && !aligned, got, "cpl=%d size=%d gla=%#x", cpl, size, gla)
				assert.False(t, AlignmentCheck(cpl, size, 0, RFlagsAC, gla), "CR0.AM clear")
				assert.False(t, AlignmentCheck(cpl, size, CR0AM, 0, gla), "RFLAGS.AC clear")
			}
		}
	}
	assert.Panics(t, func() { AlignmentCheck(3, 3, CR0AM, RFlagsAC, 0x1000) })
}

func TestSizeToMask(t *testing.T) {
	assert.Equal(t, uint64(0xff), SizeToMask(1))
	assert.Equal(t, uint64(0xffff), SizeToMask(2))
	assert.Equal(t, uint64(0xffffffff), SizeToMask(4))
	assert.Equal(t, ^uint64(0), SizeToMask(8))
	assert.Panics(t, func() { SizeToMask(16) })
}
