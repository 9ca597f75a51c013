// Package vie decodes and emulates the x86-64 instructions a guest uses to
// touch memory-mapped devices.
package vie

import (
	"encoding/hex"
	"fmt"

	"github.com/colorfulnotion/vmmemul/vieerrors"
	"github.com/xlab/treeprint"
)

// State tracks a Descriptor through fetch and decode.
type State uint8

const (
	StateUninitialized State = iota
	StateEmpty
	StateFetched
	StateDecoded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEmpty:
		return "empty"
	case StateFetched:
		return "fetched"
	case StateDecoded:
		return "decoded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	StateEmpty:   {StateFetched},
	StateFetched: {StateDecoded, StateFailed},
}

// Descriptor is one instruction, filled in by Fetch and Decode and then only
// read by Emulate. A Descriptor lives for one fault and is never shared.
type Descriptor struct {
	Inst         [MaxInstLength]byte
	NumValid     int
	NumProcessed int

	rex uint8 // REX byte, 0 when absent

	Mod uint8 // ModRM.mod
	Reg uint8 // ModRM.reg widened by REX.R
	RM  uint8 // ModRM.rm widened by REX.B

	SS    uint8 // SIB.scale
	Index uint8 // SIB.index widened by REX.X
	Base  uint8 // SIB.base widened by REX.B
	Scale uint8 // 1 << SS

	BaseRegister  Register
	IndexRegister Register

	DispBytes    int
	Displacement int64

	ImmBytes  int
	Immediate int64

	OpSizeOverride   bool
	AddrSizeOverride bool
	Rep              bool
	RepNE            bool
	SegOverride      Register // segment base pseudo-register, RegNone when absent

	OpSize   int
	AddrSize int
	Mode     CPUMode

	Op    Op
	State State
}

// Init resets d to an empty descriptor ready for Fetch or Load.
func Init(d *Descriptor) {
	*d = Descriptor{
		BaseRegister:  RegNone,
		IndexRegister: RegNone,
		SegOverride:   RegNone,
		State:         StateEmpty,
	}
}

// Load initializes d with instruction bytes the caller already holds, such
// as the bytes some hardware reports on a nested page fault exit.
func Load(d *Descriptor, inst []byte) error {
	if len(inst) == 0 || len(inst) > MaxInstLength {
		return fmt.Errorf("length %d: %w", len(inst), vieerrors.ErrFInvalidLength)
	}
	Init(d)
	d.NumValid = copy(d.Inst[:], inst)
	return d.advance(StateFetched)
}

// Decoded reports whether decoding completed successfully.
func (d *Descriptor) Decoded() bool { return d.State == StateDecoded }

func (d *Descriptor) advance(to State) error {
	for _, s := range transitions[d.State] {
		if s == to {
			d.State = to
			return nil
		}
	}
	return fmt.Errorf("%v -> %v: %w", d.State, to, vieerrors.ErrDBadState)
}

func (d *Descriptor) REXPresent() bool { return d.rex != 0 }
func (d *Descriptor) REXW() bool       { return d.rex&X86_REX_W != 0 }
func (d *Descriptor) REXR() bool       { return d.rex&X86_REX_R != 0 }
func (d *Descriptor) REXX() bool       { return d.rex&X86_REX_X != 0 }
func (d *Descriptor) REXB() bool       { return d.rex&X86_REX_B != 0 }

// Bytes returns the valid instruction bytes.
func (d *Descriptor) Bytes() []byte { return d.Inst[:d.NumValid] }

// Length is the number of bytes the decoder consumed.
func (d *Descriptor) Length() int { return d.NumProcessed }

// HasMemoryOperand reports whether the ModRM (or moffset, or string) form
// addresses memory.
func (d *Descriptor) HasMemoryOperand() bool {
	if d.Op.Flags&FlagNoModRM != 0 {
		return true
	}
	return d.Mod != X86_MOD_REGISTER
}

// RIPRelative reports whether the memory operand is addressed relative to
// the next instruction.
func (d *Descriptor) RIPRelative() bool { return d.BaseRegister == RegRIP }

func (d *Descriptor) String() string {
	if !d.Decoded() {
		return fmt.Sprintf("[%s] %s", d.State, hex.EncodeToString(d.Bytes()))
	}
	return fmt.Sprintf("%s size=%d %s", d.Op.Type, d.OpSize, d.operandString())
}

func (d *Descriptor) operandString() string {
	switch {
	case d.Op.Flags&FlagMOffset != 0:
		return fmt.Sprintf("[0x%x]", uint64(d.Displacement))
	case d.Op.Type == OpMovs:
		return "[rdi], [rsi]"
	case d.Op.Type == OpStos:
		return "[rdi]"
	case d.Mod == X86_MOD_REGISTER:
		return fmt.Sprintf("rm=%v", Register(d.RM))
	}
	s := "["
	if d.BaseRegister != RegNone {
		s += d.BaseRegister.String()
	}
	if d.IndexRegister != RegNone {
		s += fmt.Sprintf("+%v*%d", d.IndexRegister, d.Scale)
	}
	if d.DispBytes > 0 {
		s += fmt.Sprintf("%+#x", d.Displacement)
	}
	return s + "]"
}

// Tree renders every decoded field for logs and the CLI.
func (d *Descriptor) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s [%s]", hex.EncodeToString(d.Bytes()), d.State))
	tree.AddNode(fmt.Sprintf("mode: %v valid: %d processed: %d", d.Mode, d.NumValid, d.NumProcessed))

	prefixes := tree.AddBranch("prefixes")
	if d.REXPresent() {
		prefixes.AddNode(fmt.Sprintf("rex: 0x%02x W=%t R=%t X=%t B=%t", d.rex, d.REXW(), d.REXR(), d.REXX(), d.REXB()))
	}
	if d.OpSizeOverride {
		prefixes.AddNode("opsize: 0x66")
	}
	if d.AddrSizeOverride {
		prefixes.AddNode("addrsize: 0x67")
	}
	if d.Rep {
		prefixes.AddNode("rep")
	}
	if d.RepNE {
		prefixes.AddNode("repne")
	}
	if d.SegOverride != RegNone {
		prefixes.AddNode(fmt.Sprintf("segment: %v", d.SegOverride))
	}

	op := tree.AddBranch(fmt.Sprintf("op: %s", d.Op.Type))
	op.AddNode(fmt.Sprintf("byte: 0x%02x", d.Op.Byte))
	op.AddNode(fmt.Sprintf("flags: %s", d.Op.Flags))
	op.AddNode(fmt.Sprintf("opsize: %d addrsize: %d", d.OpSize, d.AddrSize))

	if d.Op.Flags&FlagNoModRM == 0 {
		modrm := tree.AddBranch("modrm")
		modrm.AddNode(fmt.Sprintf("mod: %d reg: %d rm: %d", d.Mod, d.Reg, d.RM))
		if d.Mod != X86_MOD_REGISTER && d.RM&7 == X86_SIB_INDICATOR {
			modrm.AddBranch("sib").AddNode(fmt.Sprintf("ss: %d index: %d base: %d scale: %d", d.SS, d.Index, d.Base, d.Scale))
		}
	}
	if d.HasMemoryOperand() {
		mem := tree.AddBranch("memory")
		mem.AddNode(fmt.Sprintf("base: %v", d.BaseRegister))
		mem.AddNode(fmt.Sprintf("index: %v", d.IndexRegister))
		mem.AddNode(fmt.Sprintf("disp: %d bytes %#x", d.DispBytes, d.Displacement))
	}
	if d.ImmBytes > 0 {
		tree.AddNode(fmt.Sprintf("imm: %d bytes %#x", d.ImmBytes, d.Immediate))
	}
	return tree
}
