package vie

import "fmt"

// SizeToMask returns the value mask for an operand of size bytes. size must
// be 1, 2, 4 or 8.
func SizeToMask(size int) uint64 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	case 8:
		return 0xffffffffffffffff
	default:
		panic(fmt.Sprintf("vie: invalid operand size %d", size))
	}
}

// AlignmentCheck reports whether an access of size bytes at gla must raise
// #AC: alignment checking is enabled in both CR0 and RFLAGS, the access comes
// from CPL 3 and gla is not naturally aligned.
func AlignmentCheck(cpl, size int, cr0, rflags, gla uint64) bool {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		panic(fmt.Sprintf("vie: invalid alignment check size %d", size))
	}
	if cpl != 3 || cr0&CR0AM == 0 || rflags&RFlagsAC == 0 {
		return false
	}
	return gla&uint64(size-1) != 0
}
