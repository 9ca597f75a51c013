package vie

import (
	"fmt"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// ReadFunc reads size bytes of guest physical memory on behalf of vcpu.
// size is 1, 2, 4 or 8 and a transfer is never partial.
type ReadFunc[H any] func(h H, vcpu int, gpa uint64, size int, arg any) (uint64, error)

// WriteFunc writes the low size bytes of val to guest physical memory.
type WriteFunc[H any] func(h H, vcpu int, gpa uint64, val uint64, size int, arg any) error

// MemRegion is the device side of an emulated access. H is the VM handle the
// embedding application passes through untouched.
type MemRegion[H any] struct {
	Read  ReadFunc[H]
	Write WriteFunc[H]
}

// Resolver translates a linear address under the faulting vCPU's paging
// context. paging.Resolver implements it.
type Resolver interface {
	Resolve(gla uint64, access guestfault.Access) (uint64, *guestfault.Fault, error)
}

// Env is the vCPU state Emulate works against.
type Env struct {
	Regs RegisterAccess
	CPL  int
	// GLA is the linear address of the memory operand. With InvalidGLA it is
	// recomputed from Regs before the alignment check.
	GLA uint64
	// Resolver translates the second memory operand of MOVS.
	Resolver Resolver
}

// Outcome reports what the caller must do after Emulate returns without error.
type Outcome struct {
	// Fault, when set, must be injected; no memory access was performed
	// for the faulting operand.
	Fault *guestfault.Fault
	// Repeat is set when a REP string instruction has iterations left. The
	// caller leaves RIP on the instruction so it faults again.
	Repeat bool
}

type emulation[H any] struct {
	h    H
	vcpu int
	gpa  uint64
	d    *Descriptor
	mem  MemRegion[H]
	arg  any
	env  Env
}

// Emulate executes the memory side effects of the decoded instruction in d
// against mem, with gpa the guest physical address the operand resolved to.
// Register results are written back through env.Regs.
func Emulate[H any](h H, vcpu int, gpa uint64, d *Descriptor, mem MemRegion[H], arg any, env Env) (Outcome, error) {
	if !d.Decoded() {
		return Outcome{}, fmt.Errorf("emulate in state %v: %w", d.State, vieerrors.ErrEProgramming)
	}
	if env.Regs == nil {
		return Outcome{}, fmt.Errorf("no register access: %w", vieerrors.ErrERegisterAccess)
	}
	if mem.Read == nil || mem.Write == nil {
		return Outcome{}, fmt.Errorf("memory region without callbacks: %w", vieerrors.ErrEProgramming)
	}
	switch d.OpSize {
	case 1, 2, 4, 8:
	default:
		return Outcome{}, fmt.Errorf("operand size %d: %w", d.OpSize, vieerrors.ErrEInvalidSize)
	}
	e := &emulation[H]{h: h, vcpu: vcpu, gpa: gpa, d: d, mem: mem, arg: arg, env: env}

	var (
		out Outcome
		err error
	)
	switch t := d.Op.Type; {
	case t == OpMovs:
		out, err = e.movs()
	case t == OpStos:
		out, err = e.stos()
	case !d.HasMemoryOperand():
		err = fmt.Errorf("%v with register operand: %w", t, vieerrors.ErrENoMemoryOperand)
	case t == OpMov:
		out, err = e.mov()
	case t == OpMovZX || t == OpMovSX:
		out, err = e.movx()
	case t.IsALU():
		out, err = e.alu()
	default:
		err = fmt.Errorf("op %v: %w", t, vieerrors.ErrEUnsupported)
	}
	if err != nil {
		log.Debug(log.VieEmulate, "emulate failed", "vcpu", vcpu, "gpa", fmt.Sprintf("0x%x", gpa), "desc", d.String(), "err", err)
		return Outcome{}, err
	}
	log.Trace(log.VieEmulate, "emulated", "vcpu", vcpu, "gpa", fmt.Sprintf("0x%x", gpa), "desc", d.String(), "fault", out.Fault, "repeat", out.Repeat)
	return out, nil
}

// operandGLA returns the linear address used for the alignment check.
func (e *emulation[H]) operandGLA() (uint64, error) {
	if e.env.GLA != InvalidGLA {
		return e.env.GLA, nil
	}
	return operandGLA(e.d, e.env.Regs)
}

func (e *emulation[H]) checkAlignment(gla uint64, size int, access guestfault.Access) (*guestfault.Fault, error) {
	cr0, err := e.env.Regs.GetRegister(RegCR0)
	if err != nil {
		return nil, fmt.Errorf("read cr0: %w: %w", vieerrors.ErrERegisterAccess, err)
	}
	rflags, err := e.env.Regs.GetRegister(RegRFLAGS)
	if err != nil {
		return nil, fmt.Errorf("read rflags: %w: %w", vieerrors.ErrERegisterAccess, err)
	}
	if AlignmentCheck(e.env.CPL, size, cr0, rflags, gla) {
		return guestfault.AlignmentCheck(gla, access, e.env.CPL), nil
	}
	return nil, nil
}

func (e *emulation[H]) read(gpa, gla uint64, size int) (uint64, *guestfault.Fault, error) {
	fault, err := e.checkAlignment(gla, size, guestfault.AccessRead)
	if err != nil || fault != nil {
		return 0, fault, err
	}
	val, err := e.mem.Read(e.h, e.vcpu, gpa, size, e.arg)
	if err != nil {
		return 0, nil, fmt.Errorf("read gpa 0x%x size %d: %w: %w", gpa, size, vieerrors.ErrECallback, err)
	}
	return val & SizeToMask(size), nil, nil
}

func (e *emulation[H]) write(gpa, gla uint64, val uint64, size int) (*guestfault.Fault, error) {
	fault, err := e.checkAlignment(gla, size, guestfault.AccessWrite)
	if err != nil || fault != nil {
		return fault, err
	}
	if err := e.mem.Write(e.h, e.vcpu, gpa, val&SizeToMask(size), size, e.arg); err != nil {
		return nil, fmt.Errorf("write gpa 0x%x size %d: %w: %w", gpa, size, vieerrors.ErrECallback, err)
	}
	return nil, nil
}

func (e *emulation[H]) immediate(size int) uint64 {
	return uint64(e.d.Immediate) & SizeToMask(size)
}

func (e *emulation[H]) mov() (Outcome, error) {
	d, size := e.d, e.d.OpSize
	gla, err := e.operandGLA()
	if err != nil {
		return Outcome{}, err
	}
	moffset := d.Op.Flags&FlagMOffset != 0

	if d.Op.Flags&FlagToReg != 0 {
		val, fault, err := e.read(e.gpa, gla, size)
		if err != nil || fault != nil {
			return Outcome{Fault: fault}, err
		}
		if moffset {
			return Outcome{}, UpdateRegister(e.env.Regs, RegRAX, val, size)
		}
		return Outcome{}, writeOperandRegister(e.env.Regs, d, val, size)
	}

	var val uint64
	switch {
	case d.ImmBytes > 0:
		val = e.immediate(size)
	case moffset:
		val, err = ReadRegister(e.env.Regs, RegRAX, size)
	default:
		val, err = readOperandRegister(e.env.Regs, d, size)
	}
	if err != nil {
		return Outcome{}, err
	}
	fault, err := e.write(e.gpa, gla, val, size)
	return Outcome{Fault: fault}, err
}

// movx handles MOVZX, MOVSX and MOVSXD: a narrower memory source widened
// into the destination register.
func (e *emulation[H]) movx() (Outcome, error) {
	d := e.d
	var src int
	switch {
	case d.Op.Flags&FlagByteOp != 0:
		src = 1
	case d.Op.Flags&FlagWordSrc != 0:
		src = 2
	case d.Op.Flags&FlagDwordSrc != 0:
		src = 4
	default:
		return Outcome{}, fmt.Errorf("%v source width: %w", d.Op.Type, vieerrors.ErrEUnsupportedWidth)
	}
	gla, err := e.operandGLA()
	if err != nil {
		return Outcome{}, err
	}
	val, fault, err := e.read(e.gpa, gla, src)
	if err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	if d.Op.Type == OpMovSX {
		shift := uint(64 - 8*src)
		val = uint64(int64(val<<shift) >> shift)
	}
	return Outcome{}, UpdateRegister(e.env.Regs, Register(d.Reg), val&SizeToMask(d.OpSize), d.OpSize)
}

// alu handles the two-operand arithmetic and logic forms, including CMP and
// TEST which only update RFLAGS.
func (e *emulation[H]) alu() (Outcome, error) {
	d, size := e.d, e.d.OpSize
	gla, err := e.operandGLA()
	if err != nil {
		return Outcome{}, err
	}
	mem, fault, err := e.read(e.gpa, gla, size)
	if err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	var other uint64
	if d.ImmBytes > 0 {
		other = e.immediate(size)
	} else if other, err = readOperandRegister(e.env.Regs, d, size); err != nil {
		return Outcome{}, err
	}
	rflags, err := e.env.Regs.GetRegister(RegRFLAGS)
	if err != nil {
		return Outcome{}, fmt.Errorf("read rflags: %w: %w", vieerrors.ErrERegisterAccess, err)
	}

	toReg := d.Op.Flags&FlagToReg != 0
	dst, src := mem, other
	if toReg {
		dst, src = other, mem
	}
	result, rflags, err := ALU(d.Op.Type, dst, src, rflags, size)
	if err != nil {
		return Outcome{}, err
	}

	if d.Op.Flags&FlagNoWriteback == 0 {
		if toReg {
			err = writeOperandRegister(e.env.Regs, d, result, size)
		} else {
			// the read above already passed the alignment check
			err = e.mem.Write(e.h, e.vcpu, e.gpa, result, size, e.arg)
			if err != nil {
				err = fmt.Errorf("write gpa 0x%x size %d: %w: %w", e.gpa, size, vieerrors.ErrECallback, err)
			}
		}
		if err != nil {
			return Outcome{}, err
		}
	}
	if err := e.env.Regs.SetRegister(RegRFLAGS, rflags); err != nil {
		return Outcome{}, fmt.Errorf("write rflags: %w: %w", vieerrors.ErrERegisterAccess, err)
	}
	return Outcome{}, nil
}

// repCount returns the remaining REP count and whether the instruction
// should run at all.
func (e *emulation[H]) repCount() (uint64, bool, error) {
	if !e.d.Rep && !e.d.RepNE {
		return 0, true, nil
	}
	rcx, err := ReadRegister(e.env.Regs, RegRCX, e.d.AddrSize)
	if err != nil {
		return 0, false, err
	}
	return rcx, rcx != 0, nil
}

// stringStep advances rSI/rDI by one element in the direction RFLAGS.DF
// selects and counts down rCX under REP.
func (e *emulation[H]) stringStep(rcx uint64, ptrs ...Register) (Outcome, error) {
	d, size := e.d, e.d.OpSize
	rflags, err := e.env.Regs.GetRegister(RegRFLAGS)
	if err != nil {
		return Outcome{}, fmt.Errorf("read rflags: %w: %w", vieerrors.ErrERegisterAccess, err)
	}
	delta := uint64(size)
	if rflags&RFlagsDF != 0 {
		delta = -delta
	}
	for _, reg := range ptrs {
		v, err := e.env.Regs.GetRegister(reg)
		if err != nil {
			return Outcome{}, fmt.Errorf("read %v: %w: %w", reg, vieerrors.ErrERegisterAccess, err)
		}
		if err := UpdateRegister(e.env.Regs, reg, v+delta, d.AddrSize); err != nil {
			return Outcome{}, err
		}
	}
	if !d.Rep && !d.RepNE {
		return Outcome{}, nil
	}
	rcx--
	if err := UpdateRegister(e.env.Regs, RegRCX, rcx, d.AddrSize); err != nil {
		return Outcome{}, err
	}
	return Outcome{Repeat: rcx != 0}, nil
}

// movs moves one element from seg:rSI to ES:rDI. Either side may be the
// faulting gpa; both are resolved through the environment's Resolver and the
// transfer goes through the memory region callbacks.
func (e *emulation[H]) movs() (Outcome, error) {
	size := e.d.OpSize
	rcx, run, err := e.repCount()
	if err != nil || !run {
		return Outcome{}, err
	}
	if e.env.Resolver == nil {
		return Outcome{}, vieerrors.ErrEMissingResolver
	}
	srcGLA, err := SourceGLA(e.d, e.env.Regs)
	if err != nil {
		return Outcome{}, err
	}
	dstGLA, err := stringGLA(e.d, e.env.Regs, RegRDI)
	if err != nil {
		return Outcome{}, err
	}
	srcGPA, fault, err := e.env.Resolver.Resolve(srcGLA, guestfault.AccessRead)
	if err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	dstGPA, fault, err := e.env.Resolver.Resolve(dstGLA, guestfault.AccessWrite)
	if err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	if e.gpa != srcGPA && e.gpa != dstGPA {
		return Outcome{}, fmt.Errorf("gpa 0x%x is neither source 0x%x nor destination 0x%x: %w", e.gpa, srcGPA, dstGPA, vieerrors.ErrEGPAMismatch)
	}
	val, fault, err := e.read(srcGPA, srcGLA, size)
	if err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	if fault, err := e.write(dstGPA, dstGLA, val, size); err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	return e.stringStep(rcx, RegRSI, RegRDI)
}

// stos stores rAX to ES:rDI, which is the faulting gpa.
func (e *emulation[H]) stos() (Outcome, error) {
	size := e.d.OpSize
	rcx, run, err := e.repCount()
	if err != nil || !run {
		return Outcome{}, err
	}
	dstGLA, err := stringGLA(e.d, e.env.Regs, RegRDI)
	if err != nil {
		return Outcome{}, err
	}
	val, err := ReadRegister(e.env.Regs, RegRAX, size)
	if err != nil {
		return Outcome{}, err
	}
	if fault, err := e.write(e.gpa, dstGLA, val, size); err != nil || fault != nil {
		return Outcome{Fault: fault}, err
	}
	return e.stringStep(rcx, RegRDI)
}
