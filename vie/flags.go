package vie

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// ALU applies op to dst and src at size bytes the way the processor does and
// returns the result together with rflags updated for it. Only the six
// status flags change; CF is consumed as the carry/borrow input of ADC and
// SBB.
func ALU(op OpType, dst, src, rflags uint64, size int) (uint64, uint64, error) {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return 0, rflags, fmt.Errorf("alu size %d: %w", size, vieerrors.ErrEInvalidSize)
	}
	mask := SizeToMask(size)
	dst &= mask
	src &= mask
	var carryIn uint64
	if rflags&RFlagsCF != 0 {
		carryIn = 1
	}

	var result, flags uint64
	switch op {
	case OpAdd, OpAdc:
		if op == OpAdd {
			carryIn = 0
		}
		var carry uint64
		result, carry = add(dst, src, carryIn, size)
		flags = arithFlags(dst, src, result, carry, size)
		flags |= addOverflow(dst, src, result, size)
	case OpSub, OpSbb, OpCmp:
		if op != OpSbb {
			carryIn = 0
		}
		var borrow uint64
		result, borrow = sub(dst, src, carryIn, size)
		flags = arithFlags(dst, src, result, borrow, size)
		flags |= subOverflow(dst, src, result, size)
	case OpAnd, OpTest:
		result = dst & src
		flags = logicFlags(result, size)
	case OpOr:
		result = dst | src
		flags = logicFlags(result, size)
	case OpXor:
		result = dst ^ src
		flags = logicFlags(result, size)
	default:
		return 0, rflags, fmt.Errorf("alu op %v: %w", op, vieerrors.ErrEUnsupported)
	}
	return result, (rflags &^ rflagsStatus) | flags, nil
}

func add(x, y, c uint64, size int) (uint64, uint64) {
	if size == 8 {
		return bits.Add64(x, y, c)
	}
	full := x + y + c
	return full & SizeToMask(size), (full >> (8 * size)) & 1
}

func sub(x, y, b uint64, size int) (uint64, uint64) {
	if size == 8 {
		return bits.Sub64(x, y, b)
	}
	var borrow uint64
	if x < y+b {
		borrow = 1
	}
	return (x - y - b) & SizeToMask(size), borrow
}

func signBit(size int) uint64 { return 1 << (8*size - 1) }

func addOverflow(x, y, r uint64, size int) uint64 {
	if (x^r)&(y^r)&signBit(size) != 0 {
		return RFlagsOF
	}
	return 0
}

func subOverflow(x, y, r uint64, size int) uint64 {
	if (x^y)&(x^r)&signBit(size) != 0 {
		return RFlagsOF
	}
	return 0
}

func arithFlags(x, y, r, carry uint64, size int) uint64 {
	flags := resultFlags(r, size)
	if carry != 0 {
		flags |= RFlagsCF
	}
	if (x^y^r)&0x10 != 0 {
		flags |= RFlagsAF
	}
	return flags
}

// logicFlags clears CF, OF and AF.
func logicFlags(r uint64, size int) uint64 {
	return resultFlags(r, size)
}

// resultFlags computes ZF, SF and PF of a result.
func resultFlags(r uint64, size int) uint64 {
	var flags uint64
	if r&SizeToMask(size) == 0 {
		flags |= RFlagsZF
	}
	if r&signBit(size) != 0 {
		flags |= RFlagsSF
	}
	if bits.OnesCount8(uint8(r))%2 == 0 {
		flags |= RFlagsPF
	}
	return flags
}
