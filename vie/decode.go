package vie

import (
	"fmt"

	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/paging"
	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// CPUMode is the execution mode of the faulting vCPU. Real, protected and
// 16-bit modes are not emulated.
type CPUMode int

const (
	CPUModeCompatibility CPUMode = iota // long mode, 32-bit code segment
	CPUMode64Bit
)

func (m CPUMode) String() string {
	switch m {
	case CPUModeCompatibility:
		return "compat"
	case CPUMode64Bit:
		return "64bit"
	default:
		return fmt.Sprintf("cpumode(%d)", int(m))
	}
}

// ParseCPUMode accepts "64", "64bit", "compat" and "compatibility".
func ParseCPUMode(s string) (CPUMode, error) {
	switch s {
	case "64", "64bit":
		return CPUMode64Bit, nil
	case "compat", "compatibility", "32":
		return CPUModeCompatibility, nil
	default:
		return 0, fmt.Errorf("invalid cpu mode %q", s)
	}
}

// DecodeBytes decodes the fetched bytes in d without verifying the operand
// address against hardware.
func DecodeBytes(d *Descriptor, mode CPUMode) error {
	return Decode(d, mode, InvalidGLA, nil)
}

// Decode decodes the fetched bytes in d. When gla is not InvalidGLA the
// operand's linear address is recomputed from regs and must equal gla.
// On any failure the descriptor is left in StateFailed.
func Decode(d *Descriptor, mode CPUMode, gla uint64, regs RegisterAccess) error {
	if d.State != StateFetched {
		return fmt.Errorf("decode in state %v: %w", d.State, vieerrors.ErrDBadState)
	}
	err := decodeInstruction(d, mode)
	if err == nil && gla != InvalidGLA {
		err = verifyGLA(d, regs, gla)
	}
	if err != nil {
		d.State = StateFailed
		log.Debug(log.VieDecode, "decode failed", "inst", fmt.Sprintf("%x", d.Bytes()), "mode", mode, "err", err)
		return err
	}
	if err := d.advance(StateDecoded); err != nil {
		return err
	}
	log.Trace(log.VieDecode, "decoded", "inst", fmt.Sprintf("%x", d.Bytes()), "desc", d.String())
	return nil
}

func decodeInstruction(d *Descriptor, mode CPUMode) error {
	if mode != CPUModeCompatibility && mode != CPUMode64Bit {
		return fmt.Errorf("%v: %w", mode, vieerrors.ErrDUnsupportedCPUMode)
	}
	d.Mode = mode
	if err := decodePrefixes(d); err != nil {
		return err
	}
	if err := decodeOpcode(d); err != nil {
		return err
	}
	if err := decodeModRM(d); err != nil {
		return err
	}
	if err := decodeSIB(d); err != nil {
		return err
	}
	if err := decodeDisplacement(d); err != nil {
		return err
	}
	if err := decodeImmediate(d); err != nil {
		return err
	}
	if err := decodeMOffset(d); err != nil {
		return err
	}
	if d.NumProcessed != d.NumValid {
		return fmt.Errorf("consumed %d of %d bytes: %w", d.NumProcessed, d.NumValid, vieerrors.ErrDLengthMismatch)
	}
	return nil
}

func (d *Descriptor) peek() (uint8, error) {
	if d.NumProcessed >= d.NumValid {
		return 0, fmt.Errorf("at byte %d: %w", d.NumProcessed, vieerrors.ErrDTruncated)
	}
	return d.Inst[d.NumProcessed], nil
}

func (d *Descriptor) next() (uint8, error) {
	b, err := d.peek()
	if err == nil {
		d.NumProcessed++
	}
	return b, err
}

// readSigned consumes n little-endian bytes and sign-extends them.
func (d *Descriptor) readSigned(n int) (int64, error) {
	if d.NumProcessed+n > d.NumValid {
		return 0, fmt.Errorf("%d-byte field at byte %d: %w", n, d.NumProcessed, vieerrors.ErrDTruncated)
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(d.Inst[d.NumProcessed+i]) << (8 * i)
	}
	d.NumProcessed += n
	shift := uint(64 - 8*n)
	return int64(v<<shift) >> shift, nil
}

var segmentPrefixes = map[uint8]Register{
	X86_PREFIX_SEGMENT_ES: RegESBase,
	X86_PREFIX_SEGMENT_CS: RegCSBase,
	X86_PREFIX_SEGMENT_SS: RegSSBase,
	X86_PREFIX_SEGMENT_DS: RegDSBase,
	X86_PREFIX_SEGMENT_FS: RegFSBase,
	X86_PREFIX_SEGMENT_GS: RegGSBase,
}

func decodePrefixes(d *Descriptor) error {
	for {
		b, err := d.peek()
		if err != nil {
			return err
		}
		if seg, ok := segmentPrefixes[b]; ok {
			d.SegOverride = seg
		} else {
			switch b {
			case X86_PREFIX_66:
				d.OpSizeOverride = true
			case X86_PREFIX_67:
				d.AddrSizeOverride = true
			case X86_PREFIX_REP:
				d.Rep = true
			case X86_PREFIX_REPNE:
				d.RepNE = true
			case X86_PREFIX_LOCK:
				return fmt.Errorf("lock: %w", vieerrors.ErrDUnsupportedPrefix)
			default:
				return decodeREX(d)
			}
		}
		d.NumProcessed++
	}
}

// decodeREX consumes a REX prefix. 0x40-0x4F are INC/DEC outside 64-bit
// mode and are left for the opcode stage to reject.
func decodeREX(d *Descriptor) error {
	b, err := d.peek()
	if err != nil {
		return err
	}
	if d.Mode == CPUMode64Bit && b&0xf0 == X86_REX_BASE {
		d.rex = b
		d.NumProcessed++
	}
	return nil
}

func decodeOpcode(d *Descriptor) error {
	b, err := d.next()
	if err != nil {
		return err
	}
	twoByte := b == X86_PREFIX_0F
	if twoByte {
		if b, err = d.next(); err != nil {
			return err
		}
	}
	op, ok := lookupOp(b, twoByte)
	if !ok {
		if twoByte {
			return fmt.Errorf("opcode 0x0f 0x%02x: %w", b, vieerrors.ErrDUnsupportedOpcode)
		}
		return fmt.Errorf("opcode 0x%02x: %w", b, vieerrors.ErrDUnsupportedOpcode)
	}
	if op.Flags&FlagLongOnly != 0 && d.Mode != CPUMode64Bit {
		return fmt.Errorf("opcode 0x%02x in %v mode: %w", b, d.Mode, vieerrors.ErrDUnsupportedInMode)
	}
	if (d.Rep || d.RepNE) && op.Type != OpMovs && op.Type != OpStos {
		return fmt.Errorf("rep on %v: %w", op.Type, vieerrors.ErrDUnsupportedPrefix)
	}
	d.Op = op

	switch {
	case d.Mode == CPUMode64Bit && !d.AddrSizeOverride:
		d.AddrSize = 8
	case d.Mode == CPUMode64Bit || !d.AddrSizeOverride:
		d.AddrSize = 4
	default:
		d.AddrSize = 2
	}

	switch {
	case op.Flags&FlagByteOp != 0 && op.Flags&(FlagZeroExtend|FlagSignExtend) == 0:
		d.OpSize = 1
	case d.REXW():
		d.OpSize = 8
	case d.OpSizeOverride:
		d.OpSize = 2
	default:
		d.OpSize = 4
	}
	return nil
}

func decodeModRM(d *Descriptor) error {
	if d.Op.Flags&FlagNoModRM != 0 {
		// string forms and moffset still address memory
		if d.AddrSize == 2 {
			return vieerrors.ErrDUnsupportedAddrSize
		}
		return nil
	}
	m, err := d.next()
	if err != nil {
		return err
	}
	d.Mod = m >> 6
	d.Reg = (m >> 3) & 7
	d.RM = m & 7
	if d.REXR() {
		d.Reg |= 8
	}
	if d.REXB() {
		d.RM |= 8
	}

	if d.Op.Flags&FlagGroup != 0 {
		op, ok := resolveGroup(d.Op, d.Reg)
		if !ok {
			return fmt.Errorf("opcode 0x%02x /%d: %w", d.Op.Byte, d.Reg&7, vieerrors.ErrDInvalidModRM)
		}
		d.Op = op
	}

	if d.Mod == X86_MOD_REGISTER {
		return nil
	}
	if d.AddrSize == 2 {
		return vieerrors.ErrDUnsupportedAddrSize
	}
	if d.RM&7 == X86_SIB_INDICATOR {
		return nil
	}
	if d.Mod == X86_MOD_INDIRECT && d.RM&7 == X86_RBP_REGBITS {
		// disp32 alone, relative to the next instruction in 64-bit mode
		d.DispBytes = 4
		if d.Mode == CPUMode64Bit {
			d.BaseRegister = RegRIP
		}
		return nil
	}
	d.BaseRegister = Register(d.RM)
	return nil
}

func decodeSIB(d *Descriptor) error {
	if d.Op.Flags&FlagNoModRM != 0 || d.Mod == X86_MOD_REGISTER || d.RM&7 != X86_SIB_INDICATOR {
		return nil
	}
	s, err := d.next()
	if err != nil {
		return err
	}
	d.SS = s >> 6
	d.Index = (s >> 3) & 7
	d.Base = s & 7
	if d.REXX() {
		d.Index |= 8
	}
	if d.REXB() {
		d.Base |= 8
	}
	d.Scale = 1 << d.SS

	// index 4 encodes "no index" unless REX.X widens it to r12
	if d.Index != X86_SIB_NO_INDEX {
		d.IndexRegister = Register(d.Index)
	}
	if d.Mod == X86_MOD_INDIRECT && d.Base&7 == X86_RBP_REGBITS {
		d.DispBytes = 4
	} else {
		d.BaseRegister = Register(d.Base)
	}
	return nil
}

func decodeDisplacement(d *Descriptor) error {
	if d.Op.Flags&FlagNoModRM != 0 {
		return nil
	}
	switch d.Mod {
	case X86_MOD_INDIRECT_DISP8:
		d.DispBytes = 1
	case X86_MOD_INDIRECT_DISP32:
		d.DispBytes = 4
	}
	if d.DispBytes == 0 {
		return nil
	}
	disp, err := d.readSigned(d.DispBytes)
	if err != nil {
		return err
	}
	d.Displacement = disp
	return nil
}

func decodeImmediate(d *Descriptor) error {
	switch {
	case d.Op.Flags&FlagImm8 != 0:
		d.ImmBytes = 1
	case d.Op.Flags&FlagImm != 0:
		// immediates are at most 32 bits and sign-extended to 64-bit operands
		d.ImmBytes = min(d.OpSize, 4)
	default:
		return nil
	}
	imm, err := d.readSigned(d.ImmBytes)
	if err != nil {
		return err
	}
	d.Immediate = imm
	return nil
}

func decodeMOffset(d *Descriptor) error {
	if d.Op.Flags&FlagMOffset == 0 {
		return nil
	}
	d.DispBytes = d.AddrSize
	off, err := d.readSigned(d.DispBytes)
	if err != nil {
		return err
	}
	// moffset is an absolute address, not a signed displacement
	d.Displacement = int64(uint64(off) & SizeToMask(d.AddrSize))
	return nil
}

// verifyGLA checks the decoder's view of the operand address against the
// one hardware reported.
func verifyGLA(d *Descriptor, regs RegisterAccess, gla uint64) error {
	if d.Op.Type == OpMovs || d.Op.Type == OpStos || !d.HasMemoryOperand() {
		return nil
	}
	if regs == nil {
		return vieerrors.ErrDMissingRegisterState
	}
	got, err := operandGLA(d, regs)
	if err != nil {
		return fmt.Errorf("%w: %w", vieerrors.ErrDRegisterUnavailable, err)
	}
	if d.Mode == CPUMode64Bit && !paging.Canonical(got) {
		return fmt.Errorf("gla 0x%x: %w", got, vieerrors.ErrDNonCanonical)
	}
	if got != gla {
		return fmt.Errorf("decoded gla 0x%x, hardware gla 0x%x: %w", got, gla, vieerrors.ErrDGLAMismatch)
	}
	return nil
}
