package vie

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// Register names a guest register. The general purpose registers are laid
// out in ModRM/SIB encoding order so a widened 4-bit field converts directly.
type Register int

const (
	RegNone Register = -1

	RegRAX Register = iota - 1
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	RegRIP
	RegRFLAGS
	RegCR0
	RegCR2
	RegCR3
	RegCR4
	RegEFER

	// Segment base pseudo-registers, in segment override encoding order.
	RegESBase
	RegCSBase
	RegSSBase
	RegDSBase
	RegFSBase
	RegGSBase

	numRegisters
)

var registerNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "cr0", "cr2", "cr3", "cr4", "efer",
	"es_base", "cs_base", "ss_base", "ds_base", "fs_base", "gs_base",
}

func (r Register) String() string {
	if r == RegNone {
		return "none"
	}
	if r < 0 || r >= numRegisters {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return registerNames[r]
}

// ParseRegister accepts the names printed by Register.String.
func ParseRegister(s string) (Register, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range registerNames {
		if name == s {
			return Register(i), nil
		}
	}
	return RegNone, fmt.Errorf("unknown register %q", s)
}

// Registers lists every named register in encoding order.
func Registers() []Register {
	regs := make([]Register, numRegisters)
	for i := range regs {
		regs[i] = Register(i)
	}
	return regs
}

// IsGPR reports whether r is one of the sixteen general purpose registers.
func (r Register) IsGPR() bool { return r >= RegRAX && r <= RegR15 }

// RegisterAccess reads and writes full-width guest registers. The emulator
// applies sub-register semantics on top of it.
type RegisterAccess interface {
	GetRegister(reg Register) (uint64, error)
	SetRegister(reg Register, val uint64) error
}

// RFLAGS bits
const (
	RFlagsCF = 1 << 0
	RFlagsPF = 1 << 2
	RFlagsAF = 1 << 4
	RFlagsZF = 1 << 6
	RFlagsSF = 1 << 7
	RFlagsDF = 1 << 10
	RFlagsOF = 1 << 11
	RFlagsAC = 1 << 18

	rflagsStatus = RFlagsCF | RFlagsPF | RFlagsAF | RFlagsZF | RFlagsSF | RFlagsOF
)

// CR0AM is the alignment mask bit of CR0.
const CR0AM = 1 << 18

// ReadRegister returns the low size bytes of reg.
func ReadRegister(regs RegisterAccess, reg Register, size int) (uint64, error) {
	val, err := regs.GetRegister(reg)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
	}
	return val & SizeToMask(size), nil
}

// UpdateRegister writes val into reg with x86 width semantics: 1 and 2 byte
// writes merge into the existing value, 4 byte writes zero-extend to 64 bits
// and 8 byte writes replace the register.
func UpdateRegister(regs RegisterAccess, reg Register, val uint64, size int) error {
	switch size {
	case 1, 2:
		orig, err := regs.GetRegister(reg)
		if err != nil {
			return fmt.Errorf("read %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
		}
		mask := SizeToMask(size)
		val = (orig &^ mask) | (val & mask)
	case 4:
		val &= 0xffffffff
	case 8:
	default:
		return fmt.Errorf("update %v size %d: %w", reg, size, vieerrors.ErrEInvalidSize)
	}
	if err := regs.SetRegister(reg, val); err != nil {
		return fmt.Errorf("write %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
	}
	return nil
}

// byteRegister maps the ModRM reg field of a byte-sized operation to the
// register holding it and the bit shift within that register. Without a REX
// prefix encodings 4..7 select AH, CH, DH and BH.
func byteRegister(d *Descriptor) (Register, uint) {
	reg := Register(d.Reg)
	if !d.REXPresent() && reg >= RegRSP && reg <= RegRDI {
		return reg - 4, 8
	}
	return reg, 0
}

func readByteRegister(regs RegisterAccess, d *Descriptor) (uint64, error) {
	reg, shift := byteRegister(d)
	val, err := regs.GetRegister(reg)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
	}
	return (val >> shift) & 0xff, nil
}

func writeByteRegister(regs RegisterAccess, d *Descriptor, val uint64) error {
	reg, shift := byteRegister(d)
	if shift == 0 {
		return UpdateRegister(regs, reg, val, 1)
	}
	orig, err := regs.GetRegister(reg)
	if err != nil {
		return fmt.Errorf("read %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
	}
	val = (orig &^ (0xff << shift)) | ((val & 0xff) << shift)
	if err := regs.SetRegister(reg, val); err != nil {
		return fmt.Errorf("write %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
	}
	return nil
}

// readOperandRegister reads the ModRM reg operand at the given size.
func readOperandRegister(regs RegisterAccess, d *Descriptor, size int) (uint64, error) {
	if size == 1 {
		return readByteRegister(regs, d)
	}
	return ReadRegister(regs, Register(d.Reg), size)
}

// writeOperandRegister writes the ModRM reg operand at the given size.
func writeOperandRegister(regs RegisterAccess, d *Descriptor, val uint64, size int) error {
	if size == 1 {
		return writeByteRegister(regs, d, val)
	}
	return UpdateRegister(regs, Register(d.Reg), val, size)
}
