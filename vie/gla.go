package vie

import (
	"fmt"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// InvalidGLA tells Decode there is no hardware-reported linear address to
// verify against.
const InvalidGLA uint64 = 1 << 63

// SegmentBase returns the base a segment contributes to a linear address.
// In 64-bit mode only FS and GS have a base; in compatibility mode every
// segment base applies and is limited to 32 bits.
func SegmentBase(seg Register, mode CPUMode, base uint64) uint64 {
	if mode == CPUMode64Bit {
		if seg == RegFSBase || seg == RegGSBase {
			return base
		}
		return 0
	}
	return base & 0xffffffff
}

func segmentBase(regs RegisterAccess, seg Register, mode CPUMode) (uint64, error) {
	if mode == CPUMode64Bit && seg != RegFSBase && seg != RegGSBase {
		return 0, nil
	}
	base, err := regs.GetRegister(seg)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w: %w", seg, vieerrors.ErrERegisterAccess, err)
	}
	return SegmentBase(seg, mode, base), nil
}

// linear adds the segment base to an effective address and truncates the
// result to the address width of mode.
func linear(regs RegisterAccess, d *Descriptor, seg Register, ea uint64) (uint64, error) {
	base, err := segmentBase(regs, seg, d.Mode)
	if err != nil {
		return 0, err
	}
	gla := base + (ea & SizeToMask(d.AddrSize))
	if d.Mode == CPUModeCompatibility {
		gla &= 0xffffffff
	}
	return gla, nil
}

// dataSegment is the segment of the ModRM or moffset memory operand.
func dataSegment(d *Descriptor) Register {
	if d.SegOverride != RegNone {
		return d.SegOverride
	}
	if d.BaseRegister == RegRSP || d.BaseRegister == RegRBP {
		return RegSSBase
	}
	return RegDSBase
}

// OperandGLA computes the linear address of the memory operand of a decoded
// instruction. For MOVS and STOS it is the destination, ES:rDI.
func OperandGLA(d *Descriptor, regs RegisterAccess) (uint64, error) {
	if !d.Decoded() {
		return 0, fmt.Errorf("operand gla of %v descriptor: %w", d.State, vieerrors.ErrEProgramming)
	}
	return operandGLA(d, regs)
}

// SourceGLA computes the source linear address of MOVS, seg:rSI with DS as
// the default segment.
func SourceGLA(d *Descriptor, regs RegisterAccess) (uint64, error) {
	if !d.Decoded() || d.Op.Type != OpMovs {
		return 0, fmt.Errorf("source gla of %v: %w", d.Op.Type, vieerrors.ErrEProgramming)
	}
	return stringGLA(d, regs, RegRSI)
}

func stringGLA(d *Descriptor, regs RegisterAccess, reg Register) (uint64, error) {
	ea, err := regs.GetRegister(reg)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
	}
	seg := RegESBase
	if reg == RegRSI {
		seg = RegDSBase
		if d.SegOverride != RegNone {
			seg = d.SegOverride
		}
	}
	return linear(regs, d, seg, ea)
}

func operandGLA(d *Descriptor, regs RegisterAccess) (uint64, error) {
	if regs == nil {
		return 0, vieerrors.ErrDMissingRegisterState
	}
	switch {
	case d.Op.Type == OpMovs || d.Op.Type == OpStos:
		return stringGLA(d, regs, RegRDI)
	case d.Op.Flags&FlagMOffset != 0:
		return linear(regs, d, dataSegment(d), uint64(d.Displacement))
	case d.Mod == X86_MOD_REGISTER:
		return 0, vieerrors.ErrENoMemoryOperand
	}

	var ea uint64
	switch d.BaseRegister {
	case RegNone:
	case RegRIP:
		rip, err := regs.GetRegister(RegRIP)
		if err != nil {
			return 0, fmt.Errorf("read rip: %w: %w", vieerrors.ErrERegisterAccess, err)
		}
		ea = rip + uint64(d.NumProcessed)
	default:
		base, err := regs.GetRegister(d.BaseRegister)
		if err != nil {
			return 0, fmt.Errorf("read %v: %w: %w", d.BaseRegister, vieerrors.ErrERegisterAccess, err)
		}
		ea = base
	}
	if d.IndexRegister != RegNone {
		idx, err := regs.GetRegister(d.IndexRegister)
		if err != nil {
			return 0, fmt.Errorf("read %v: %w: %w", d.IndexRegister, vieerrors.ErrERegisterAccess, err)
		}
		ea += idx * uint64(d.Scale)
	}
	ea += uint64(d.Displacement)
	return linear(regs, d, dataSegment(d), ea)
}

// OperandAccess is the intent of the memory operand: loads and compares
// read, stores write and read-modify-write arithmetic does both.
func OperandAccess(d *Descriptor) guestfault.Access {
	switch d.Op.Type {
	case OpMovs, OpStos:
		return guestfault.AccessWrite
	case OpMov:
		if d.Op.Flags&FlagToReg != 0 {
			return guestfault.AccessRead
		}
		return guestfault.AccessWrite
	case OpMovZX, OpMovSX:
		return guestfault.AccessRead
	}
	if d.Op.Flags&(FlagToReg|FlagNoWriteback) != 0 {
		return guestfault.AccessRead
	}
	return guestfault.AccessRead | guestfault.AccessWrite
}
