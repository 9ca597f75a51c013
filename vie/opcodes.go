package vie

// ================================================================================================
// X86 Encoding Constants
// ================================================================================================

// REX Prefix Constants
const (
	X86_REX_BASE = 0x40 // REX prefix base, 0x40-0x4F
	X86_REX_W    = 0x08 // REX.W - 64-bit operand size
	X86_REX_R    = 0x04 // REX.R - Extension of ModRM reg field
	X86_REX_X    = 0x02 // REX.X - Extension of SIB index field
	X86_REX_B    = 0x01 // REX.B - Extension of ModRM r/m or SIB base field
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT        = 0x00 // [reg] or [disp32]
	X86_MOD_INDIRECT_DISP8  = 0x01 // [reg + disp8]
	X86_MOD_INDIRECT_DISP32 = 0x02 // [reg + disp32]
	X86_MOD_REGISTER        = 0x03 // reg
)

// SIB and ModRM special encodings
const (
	X86_SIB_INDICATOR = 0x04 // rm=4 indicates SIB byte follows
	X86_SIB_NO_INDEX  = 0x04 // index=4 without REX.X means no index
	X86_RBP_REGBITS   = 0x05 // rm=5/base=5 with mod=0 means disp32 (RIP-relative in 64-bit mode)
)

// Prefixes
const (
	X86_PREFIX_LOCK       = 0xF0 // LOCK prefix
	X86_PREFIX_REPNE      = 0xF2 // REPNE/REPNZ prefix
	X86_PREFIX_REP        = 0xF3 // REP/REPE/REPZ prefix
	X86_PREFIX_0F         = 0x0F // Two-byte opcode escape
	X86_PREFIX_66         = 0x66 // Operand-size override prefix
	X86_PREFIX_67         = 0x67 // Address-size override prefix
	X86_PREFIX_SEGMENT_ES = 0x26 // ES segment override prefix
	X86_PREFIX_SEGMENT_CS = 0x2E // CS segment override prefix
	X86_PREFIX_SEGMENT_SS = 0x36 // SS segment override prefix
	X86_PREFIX_SEGMENT_DS = 0x3E // DS segment override prefix
	X86_PREFIX_SEGMENT_FS = 0x64 // FS segment override prefix
	X86_PREFIX_SEGMENT_GS = 0x65 // GS segment override prefix
)

// Primary Opcodes handled by the emulator
const (
	X86_OP_MOVSXD          = 0x63 // MOVSXD r64, r/m32
	X86_OP_GROUP1_RM8_IMM8 = 0x80 // Group 1 r/m8, imm8
	X86_OP_GROUP1_RM_IMM32 = 0x81 // Group 1 r/m, imm16/32
	X86_OP_GROUP1_RM_IMM8  = 0x83 // Group 1 r/m, sign-extended imm8
	X86_OP_TEST_RM8_R8     = 0x84 // TEST r/m8, r8
	X86_OP_TEST_RM_R       = 0x85 // TEST r/m, r
	X86_OP_MOV_RM8_R8      = 0x88 // MOV r/m8, r8
	X86_OP_MOV_RM_R        = 0x89 // MOV r/m, r
	X86_OP_MOV_R8_RM8      = 0x8A // MOV r8, r/m8
	X86_OP_MOV_R_RM        = 0x8B // MOV r, r/m
	X86_OP_MOV_AL_MOFFS    = 0xA0 // MOV AL, moffs8
	X86_OP_MOV_AX_MOFFS    = 0xA1 // MOV rAX, moffs
	X86_OP_MOV_MOFFS_AL    = 0xA2 // MOV moffs8, AL
	X86_OP_MOV_MOFFS_AX    = 0xA3 // MOV moffs, rAX
	X86_OP_MOVSB           = 0xA4 // MOVS m8, m8
	X86_OP_MOVS            = 0xA5 // MOVS m, m
	X86_OP_STOSB           = 0xAA // STOS m8, AL
	X86_OP_STOS            = 0xAB // STOS m, rAX
	X86_OP_MOV_RM8_IMM8    = 0xC6 // MOV r/m8, imm8
	X86_OP_MOV_RM_IMM      = 0xC7 // MOV r/m, imm32
	X86_OP_GROUP3_RM8      = 0xF6 // Group 3 r/m8
	X86_OP_GROUP3_RM       = 0xF7 // Group 3 r/m
)

// Two-byte Opcodes (0x0F prefix)
const (
	X86_OP2_MOVZX_R_RM8  = 0xB6 // MOVZX r, r/m8
	X86_OP2_MOVZX_R_RM16 = 0xB7 // MOVZX r, r/m16
	X86_OP2_MOVSX_R_RM8  = 0xBE // MOVSX r, r/m8
	X86_OP2_MOVSX_R_RM16 = 0xBF // MOVSX r, r/m16
)

// Group 3 (0xF6/0xF7) reg field for TEST; the other extensions are not emulated
const X86_REG_TEST = 0

// MaxInstLength is the architectural instruction length limit.
const MaxInstLength = 15

// ================================================================================================
// Opcode Descriptor
// ================================================================================================

// OpType is the operation family of a decoded instruction.
type OpType uint8

const (
	OpNone OpType = iota
	OpMov
	OpMovZX
	OpMovSX
	OpAdd
	OpOr
	OpAdc
	OpSbb
	OpAnd
	OpSub
	OpXor
	OpCmp
	OpTest
	OpMovs
	OpStos
	opGroup1 // resolved to an ALU type from ModRM.reg
	opGroup3 // resolved to OpTest from ModRM.reg
)

var opTypeNames = map[OpType]string{
	OpNone:   "none",
	OpMov:    "mov",
	OpMovZX:  "movzx",
	OpMovSX:  "movsx",
	OpAdd:    "add",
	OpOr:     "or",
	OpAdc:    "adc",
	OpSbb:    "sbb",
	OpAnd:    "and",
	OpSub:    "sub",
	OpXor:    "xor",
	OpCmp:    "cmp",
	OpTest:   "test",
	OpMovs:   "movs",
	OpStos:   "stos",
	opGroup1: "group1",
	opGroup3: "group3",
}

func (t OpType) String() string {
	if s, ok := opTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// aluTypes maps a group 1 reg field (or ALU block row) to its operation.
var aluTypes = [8]OpType{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp}

// IsALU reports whether t is one of the two-operand arithmetic or logic
// operations that update RFLAGS.
func (t OpType) IsALU() bool { return t >= OpAdd && t <= OpCmp || t == OpTest }

// OpFlags modify how an opcode is decoded and executed.
type OpFlags uint16

const (
	FlagImm        OpFlags = 1 << iota // immediate of operand size, at most 4 bytes
	FlagImm8                           // 1-byte immediate, sign-extended
	FlagMOffset                        // absolute memory offset of address size
	FlagNoModRM                        // no ModRM byte
	FlagByteOp                         // operand size is 1 regardless of prefixes
	FlagToReg                          // destination is the ModRM reg operand
	FlagSignExtend                     // source is sign-extended into the destination
	FlagZeroExtend                     // source is zero-extended into the destination
	FlagWordSrc                        // source operand is 2 bytes
	FlagTwoByte                        // reached through the 0x0F escape
	FlagGroup                          // ModRM.reg selects the operation
	FlagNoWriteback                    // result only updates RFLAGS
	FlagLongOnly                       // only valid in 64-bit mode
	FlagDwordSrc                       // source operand is 4 bytes
)

var opFlagNames = []string{
	"imm", "imm8", "moffset", "nomodrm", "byteop", "toreg", "signext",
	"zeroext", "wordsrc", "twobyte", "group", "nowriteback", "longonly", "dwordsrc",
}

func (f OpFlags) String() string {
	s := ""
	for i, name := range opFlagNames {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if s == "" {
		return "0"
	}
	return s
}

// Op is the opcode descriptor: the literal opcode byte (the second byte for
// 0x0F escapes), its family and modifiers.
type Op struct {
	Byte  uint8
	Type  OpType
	Flags OpFlags
}

var oneByteOps = map[uint8]Op{
	X86_OP_MOVSXD:          {Byte: X86_OP_MOVSXD, Type: OpMovSX, Flags: FlagToReg | FlagSignExtend | FlagDwordSrc | FlagLongOnly},
	X86_OP_GROUP1_RM8_IMM8: {Byte: X86_OP_GROUP1_RM8_IMM8, Type: opGroup1, Flags: FlagGroup | FlagByteOp | FlagImm8},
	X86_OP_GROUP1_RM_IMM32: {Byte: X86_OP_GROUP1_RM_IMM32, Type: opGroup1, Flags: FlagGroup | FlagImm},
	X86_OP_GROUP1_RM_IMM8:  {Byte: X86_OP_GROUP1_RM_IMM8, Type: opGroup1, Flags: FlagGroup | FlagImm8},
	X86_OP_TEST_RM8_R8:     {Byte: X86_OP_TEST_RM8_R8, Type: OpTest, Flags: FlagByteOp | FlagNoWriteback},
	X86_OP_TEST_RM_R:       {Byte: X86_OP_TEST_RM_R, Type: OpTest, Flags: FlagNoWriteback},
	X86_OP_MOV_RM8_R8:      {Byte: X86_OP_MOV_RM8_R8, Type: OpMov, Flags: FlagByteOp},
	X86_OP_MOV_RM_R:        {Byte: X86_OP_MOV_RM_R, Type: OpMov},
	X86_OP_MOV_R8_RM8:      {Byte: X86_OP_MOV_R8_RM8, Type: OpMov, Flags: FlagByteOp | FlagToReg},
	X86_OP_MOV_R_RM:        {Byte: X86_OP_MOV_R_RM, Type: OpMov, Flags: FlagToReg},
	X86_OP_MOV_AL_MOFFS:    {Byte: X86_OP_MOV_AL_MOFFS, Type: OpMov, Flags: FlagNoModRM | FlagMOffset | FlagByteOp | FlagToReg},
	X86_OP_MOV_AX_MOFFS:    {Byte: X86_OP_MOV_AX_MOFFS, Type: OpMov, Flags: FlagNoModRM | FlagMOffset | FlagToReg},
	X86_OP_MOV_MOFFS_AL:    {Byte: X86_OP_MOV_MOFFS_AL, Type: OpMov, Flags: FlagNoModRM | FlagMOffset | FlagByteOp},
	X86_OP_MOV_MOFFS_AX:    {Byte: X86_OP_MOV_MOFFS_AX, Type: OpMov, Flags: FlagNoModRM | FlagMOffset},
	X86_OP_MOVSB:           {Byte: X86_OP_MOVSB, Type: OpMovs, Flags: FlagNoModRM | FlagByteOp},
	X86_OP_MOVS:            {Byte: X86_OP_MOVS, Type: OpMovs, Flags: FlagNoModRM},
	X86_OP_STOSB:           {Byte: X86_OP_STOSB, Type: OpStos, Flags: FlagNoModRM | FlagByteOp},
	X86_OP_STOS:            {Byte: X86_OP_STOS, Type: OpStos, Flags: FlagNoModRM},
	X86_OP_MOV_RM8_IMM8:    {Byte: X86_OP_MOV_RM8_IMM8, Type: OpMov, Flags: FlagGroup | FlagByteOp | FlagImm8},
	X86_OP_MOV_RM_IMM:      {Byte: X86_OP_MOV_RM_IMM, Type: OpMov, Flags: FlagGroup | FlagImm},
	X86_OP_GROUP3_RM8:      {Byte: X86_OP_GROUP3_RM8, Type: opGroup3, Flags: FlagGroup | FlagByteOp | FlagImm8 | FlagNoWriteback},
	X86_OP_GROUP3_RM:       {Byte: X86_OP_GROUP3_RM, Type: opGroup3, Flags: FlagGroup | FlagImm | FlagNoWriteback},
}

var twoByteOps = map[uint8]Op{
	X86_OP2_MOVZX_R_RM8:  {Byte: X86_OP2_MOVZX_R_RM8, Type: OpMovZX, Flags: FlagTwoByte | FlagToReg | FlagZeroExtend | FlagByteOp},
	X86_OP2_MOVZX_R_RM16: {Byte: X86_OP2_MOVZX_R_RM16, Type: OpMovZX, Flags: FlagTwoByte | FlagToReg | FlagZeroExtend | FlagWordSrc},
	X86_OP2_MOVSX_R_RM8:  {Byte: X86_OP2_MOVSX_R_RM8, Type: OpMovSX, Flags: FlagTwoByte | FlagToReg | FlagSignExtend | FlagByteOp},
	X86_OP2_MOVSX_R_RM16: {Byte: X86_OP2_MOVSX_R_RM16, Type: OpMovSX, Flags: FlagTwoByte | FlagToReg | FlagSignExtend | FlagWordSrc},
}

func init() {
	// The 0x00-0x3B ALU block: eight rows of four forms, column selects
	// byte/full width and direction.
	for row := uint8(0); row < 8; row++ {
		for col := uint8(0); col < 4; col++ {
			b := row<<3 | col
			var flags OpFlags
			if col&1 == 0 {
				flags |= FlagByteOp
			}
			if col&2 != 0 {
				flags |= FlagToReg
			}
			if aluTypes[row] == OpCmp {
				flags |= FlagNoWriteback
			}
			oneByteOps[b] = Op{Byte: b, Type: aluTypes[row], Flags: flags}
		}
	}
}

// lookupOp finds the opcode descriptor for b, in the two-byte table when
// twoByte is set.
func lookupOp(b uint8, twoByte bool) (Op, bool) {
	if twoByte {
		op, ok := twoByteOps[b]
		return op, ok
	}
	op, ok := oneByteOps[b]
	return op, ok
}

// resolveGroup narrows a group opcode using the ModRM reg field. It reports
// false for extensions outside the emulated subset.
func resolveGroup(op Op, reg uint8) (Op, bool) {
	reg &= 7
	switch op.Type {
	case opGroup1:
		op.Type = aluTypes[reg]
		if op.Type == OpCmp {
			op.Flags |= FlagNoWriteback
		}
		return op, true
	case opGroup3:
		if reg != X86_REG_TEST {
			return op, false
		}
		op.Type = OpTest
		return op, true
	case OpMov:
		// C6/C7 only define /0
		return op, reg == 0
	}
	return op, true
}
