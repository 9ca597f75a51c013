package vie

import (
	"testing"

	"github.com/colorfulnotion/vmmemul/vieerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

var validEncodings64 = [][]byte{
	{0x48, 0x89, 0x07},                                           // mov [rdi], rax
	{0x89, 0x07},                                                 // mov [rdi], eax
	{0x88, 0x27},                                                 // mov [rdi], ah
	{0x8b, 0x44, 0x24, 0x08},                                     // mov eax, [rsp+8]
	{0x4c, 0x8b, 0x64, 0x8d, 0xf0},                               // mov r12, [rbp+rcx*4-0x10]
	{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00},                         // mov eax, [rip+0x10]
	{0x8b, 0x04, 0x25, 0x00, 0x10, 0x00, 0x00},                   // mov eax, [0x1000]
	{0x42, 0x8b, 0x04, 0x20},                                     // mov eax, [rax+r12]
	{0xc7, 0x07, 0x78, 0x56, 0x34, 0x12},                         // mov dword [rdi], 0x12345678
	{0x48, 0xc7, 0x07, 0xff, 0xff, 0xff, 0xff},                   // mov qword [rdi], -1
	{0x66, 0xc7, 0x07, 0x34, 0x12},                               // mov word [rdi], 0x1234
	{0xc6, 0x07, 0xaa},                                           // mov byte [rdi], 0xaa
	{0xa1, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},       // mov eax, [0x1000]
	{0x48, 0xa3, 0x08, 0x00, 0xe0, 0xfe, 0x00, 0x00, 0x00, 0x00}, // mov [0xfee00008], rax
	{0x0f, 0xb6, 0x07},                                           // movzx eax, byte [rdi]
	{0x48, 0x0f, 0xbf, 0x07},                                     // movsx rax, word [rdi]
	{0x48, 0x63, 0x07},                                           // movsxd rax, dword [rdi]
	{0x01, 0x07},                                                 // add [rdi], eax
	{0x83, 0x07, 0x01},                                           // add dword [rdi], 1
	{0x81, 0x2f, 0x00, 0x01, 0x00, 0x00},                         // sub dword [rdi], 0x100
	{0x80, 0x37, 0x0f},                                           // xor byte [rdi], 0x0f
	{0x3b, 0x07},                                                 // cmp eax, [rdi]
	{0x85, 0x07},                                                 // test [rdi], eax
	{0xf7, 0x07, 0x01, 0x00, 0x00, 0x00},                         // test dword [rdi], 1
	{0xf6, 0x07, 0x01},                                           // test byte [rdi], 1
	{0xa5},                                                       // movsd
	{0xf3, 0x48, 0xa5},                                           // rep movsq
	{0xaa},                                                       // stosb
	{0xf3, 0xab},                                                 // rep stosd
	{0x65, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00},             // mov eax, gs:[0]
	{0x67, 0x8b, 0x07},                                           // mov eax, [edi]
}

func TestDecodeMovStore(t *testing.T) {
	d := decodeOK(t, CPUMode64Bit, 0x48, 0x89, 0x07)
	assert.True(t, d.Decoded())
	assert.Equal(t, OpMov, d.Op.Type)
	assert.Equal(t, uint8(0x89), d.Op.Byte)
	assert.Zero(t, d.Op.Flags&FlagToReg, "memory is the destination")
	assert.Equal(t, 8, d.OpSize)
	assert.Equal(t, RegRDI, d.BaseRegister)
	assert.Equal(t, RegNone, d.IndexRegister)
	assert.Zero(t, d.DispBytes)
	assert.Equal(t, RegRAX, Register(d.Reg))
	assert.Equal(t, 3, d.Length())
	assert.True(t, d.REXW())
}

func TestDecodeAddressing(t *testing.T) {
	testCases := []struct {
		name  string
		inst  []byte
		base  Register
		index Register
		scale uint8
		disp  int64
		dispN int
	}{
		{"sib rsp disp8", []byte{0x8b, 0x44, 0x24, 0x08}, RegRSP, RegNone, 1, 8, 1},
		{"sib rbp index scaled negative", []byte{0x4c, 0x8b, 0x64, 0x8d, 0xf0}, RegRBP, RegRCX, 4, -0x10, 1},
		{"rip relative", []byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, RegRIP, RegNone, 0, 0x10, 4},
		{"rip relative with rex.b", []byte{0x41, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, RegRIP, RegNone, 0, 0x10, 4},
		{"absolute disp32", []byte{0x8b, 0x04, 0x25, 0x00, 0x10, 0x00, 0x00}, RegNone, RegNone, 1, 0x1000, 4},
		{"r12 index via rex.x", []byte{0x42, 0x8b, 0x04, 0x20}, RegRAX, RegR12, 1, 0, 0},
		{"r13 base mod0 is disp32", []byte{0x41, 0x8b, 0x04, 0x25, 0x00, 0x10, 0x00, 0x00}, RegNone, RegNone, 1, 0x1000, 4},
		{"r13 base mod1", []byte{0x41, 0x8b, 0x45, 0x00}, RegR13, RegNone, 0, 0, 1},
		{"disp32 negative", []byte{0x8b, 0x87, 0x00, 0xff, 0xff, 0xff}, RegRDI, RegNone, 0, -0x100, 4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := decodeOK(t, CPUMode64Bit, tc.inst...)
			assert.Equal(t, tc.base, d.BaseRegister, "base")
			assert.Equal(t, tc.index, d.IndexRegister, "index")
			if tc.scale != 0 {
				assert.Equal(t, tc.scale, d.Scale, "scale")
			}
			assert.Equal(t, tc.disp, d.Displacement, "disp")
			assert.Equal(t, tc.dispN, d.DispBytes, "disp bytes")
		})
	}
}

func TestDecodeCompatibilityAbsolute(t *testing.T) {
	// mod=0 rm=5 is plain disp32 outside 64-bit mode
	d := decodeOK(t, CPUModeCompatibility, 0x8b, 0x05, 0x00, 0x10, 0x00, 0x00)
	assert.Equal(t, RegNone, d.BaseRegister)
	assert.Equal(t, int64(0x1000), d.Displacement)
	assert.Equal(t, 4, d.AddrSize)
}

func TestDecodeImmediates(t *testing.T) {
	testCases := []struct {
		name string
		inst []byte
		op   OpType
		size int
		immN int
		imm  int64
	}{
		{"mov imm32", []byte{0xc7, 0x07, 0x78, 0x56, 0x34, 0x12}, OpMov, 4, 4, 0x12345678},
		{"mov imm32 sign-extended to 64", []byte{0x48, 0xc7, 0x07, 0xff, 0xff, 0xff, 0xff}, OpMov, 8, 4, -1},
		{"mov imm16", []byte{0x66, 0xc7, 0x07, 0x34, 0x12}, OpMov, 2, 2, 0x1234},
		{"mov imm8", []byte{0xc6, 0x07, 0xaa}, OpMov, 1, 1, -0x56},
		{"add imm8 sign-extended", []byte{0x83, 0x07, 0xff}, OpAdd, 4, 1, -1},
		{"sub imm32", []byte{0x81, 0x2f, 0x00, 0x01, 0x00, 0x00}, OpSub, 4, 4, 0x100},
		{"cmp group1", []byte{0x80, 0x3f, 0x05}, OpCmp, 1, 1, 5},
		{"test imm32", []byte{0xf7, 0x07, 0x01, 0x00, 0x00, 0x00}, OpTest, 4, 4, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := decodeOK(t, CPUMode64Bit, tc.inst...)
			assert.Equal(t, tc.op, d.Op.Type)
			assert.Equal(t, tc.size, d.OpSize)
			assert.Equal(t, tc.immN, d.ImmBytes)
			assert.Equal(t, tc.imm, d.Immediate)
		})
	}
}

func TestDecodeMOffset(t *testing.T) {
	d := decodeOK(t, CPUMode64Bit, 0x48, 0xa3, 0x08, 0x00, 0xe0, 0xfe, 0x00, 0x00, 0x00, 0x00)
	assert.Equal(t, OpMov, d.Op.Type)
	assert.Equal(t, 8, d.DispBytes)
	assert.Equal(t, int64(0xfee00008), d.Displacement)
	assert.Equal(t, 8, d.OpSize)

	d = decodeOK(t, CPUModeCompatibility, 0xa0, 0x00, 0x00, 0x00, 0xf0)
	assert.Equal(t, 4, d.DispBytes)
	assert.Equal(t, int64(0xf0000000), d.Displacement, "moffset is not sign-extended")
	assert.Equal(t, 1, d.OpSize)
}

func TestDecodeExtensions(t *testing.T) {
	d := decodeOK(t, CPUMode64Bit, 0x0f, 0xb6, 0x07)
	assert.Equal(t, OpMovZX, d.Op.Type)
	assert.Equal(t, 4, d.OpSize)
	assert.NotZero(t, d.Op.Flags&FlagTwoByte)

	d = decodeOK(t, CPUMode64Bit, 0x48, 0x63, 0x07)
	assert.Equal(t, OpMovSX, d.Op.Type)
	assert.Equal(t, 8, d.OpSize)

	_, err := decodeErr(CPUModeCompatibility, 0x63, 0x07)
	assert.ErrorIs(t, err, vieerrors.ErrDUnsupportedInMode)
}

func TestDecodeStringOps(t *testing.T) {
	d := decodeOK(t, CPUMode64Bit, 0xf3, 0x48, 0xa5)
	assert.Equal(t, OpMovs, d.Op.Type)
	assert.True(t, d.Rep)
	assert.Equal(t, 8, d.OpSize)
	assert.Equal(t, 8, d.AddrSize)

	d = decodeOK(t, CPUMode64Bit, 0xaa)
	assert.Equal(t, OpStos, d.Op.Type)
	assert.Equal(t, 1, d.OpSize)
}

func TestDecodePrefixes(t *testing.T) {
	d := decodeOK(t, CPUMode64Bit, 0x65, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00)
	assert.Equal(t, RegGSBase, d.SegOverride)

	d = decodeOK(t, CPUMode64Bit, 0x67, 0x8b, 0x07)
	assert.Equal(t, 4, d.AddrSize)

	_, err := decodeErr(CPUMode64Bit, 0xf0, 0x01, 0x07)
	assert.ErrorIs(t, err, vieerrors.ErrDUnsupportedPrefix)

	_, err = decodeErr(CPUMode64Bit, 0xf3, 0x89, 0x07)
	assert.ErrorIs(t, err, vieerrors.ErrDUnsupportedPrefix, "rep only applies to string forms")

	_, err = decodeErr(CPUModeCompatibility, 0x67, 0x8b, 0x07)
	assert.ErrorIs(t, err, vieerrors.ErrDUnsupportedAddrSize)
}

func TestDecodeFailures(t *testing.T) {
	testCases := []struct {
		name string
		mode CPUMode
		inst []byte
		want error
	}{
		{"unsupported opcode", CPUMode64Bit, []byte{0x90}, vieerrors.ErrDUnsupportedOpcode},
		{"unsupported two-byte", CPUMode64Bit, []byte{0x0f, 0x05}, vieerrors.ErrDUnsupportedOpcode},
		{"group3 not", CPUMode64Bit, []byte{0xf7, 0x17}, vieerrors.ErrDInvalidModRM},
		{"c7 /1", CPUMode64Bit, []byte{0xc7, 0x0f, 0x00, 0x00, 0x00, 0x00}, vieerrors.ErrDInvalidModRM},
		{"trailing bytes", CPUMode64Bit, []byte{0x89, 0x07, 0x90}, vieerrors.ErrDLengthMismatch},
		{"rex in compat is inc", CPUModeCompatibility, []byte{0x48, 0x89, 0x07}, vieerrors.ErrDUnsupportedOpcode},
		{"bad cpu mode", CPUMode(7), []byte{0x89, 0x07}, vieerrors.ErrDUnsupportedCPUMode},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := decodeErr(tc.mode, tc.inst...)
			require.ErrorIs(t, err, tc.want)
			assert.False(t, d.Decoded())
			assert.Equal(t, StateFailed, d.State)
			assert.True(t, vieerrors.IsUnsupported(err))
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, inst := range validEncodings64 {
		for n := 1; n < len(inst); n++ {
			d, err := decodeErr(CPUMode64Bit, inst[:n]...)
			require.ErrorIs(t, err, vieerrors.ErrDTruncated, "% x", inst[:n])
			assert.False(t, d.Decoded())
		}
	}
}

func TestDecodeMatchesX86asm(t *testing.T) {
	for _, inst := range validEncodings64 {
		d := decodeOK(t, CPUMode64Bit, inst...)
		want, err := x86asm.Decode(inst, 64)
		require.NoError(t, err, "% x", inst)
		assert.Equal(t, want.Len, d.Length(), "% x", inst)
		assert.NotEmpty(t, d.Disasm())
	}
}

// TestREXWidening checks every REX byte against every ModRM and SIB byte:
// the decoded fields are the raw 3-bit encodings with the REX bit on top.
func TestREXWidening(t *testing.T) {
	for rex := 0x40; rex <= 0x4f; rex++ {
		for modrm := 0; modrm < 256; modrm++ {
			mod, rm := modrm>>6, modrm&7
			sibs := []int{-1}
			if mod != 3 && rm == 4 {
				sibs = make([]int, 256)
				for i := range sibs {
					sibs[i] = i
				}
			}
			for _, sib := range sibs {
				inst := []byte{byte(rex), 0x8b, byte(modrm)}
				disp := 0
				switch {
				case mod == 1:
					disp = 1
				case mod == 2:
					disp = 4
				case mod == 0 && rm == 5:
					disp = 4
				case mod == 0 && sib >= 0 && sib&7 == 5:
					disp = 4
				}
				if sib >= 0 {
					inst = append(inst, byte(sib))
				}
				inst = append(inst, make([]byte, disp)...)

				d := decodeOK(t, CPUMode64Bit, inst...)
				require.Equal(t, uint8(modrm>>3&7|(rex&4)<<1), d.Reg, "% x", inst)
				require.Equal(t, uint8(rm|(rex&1)<<3), d.RM, "% x", inst)
				if sib >= 0 {
					require.Equal(t, uint8(sib>>3&7|(rex&2)<<2), d.Index, "% x", inst)
					require.Equal(t, uint8(sib&7|(rex&1)<<3), d.Base, "% x", inst)
				}
				if mod == 3 {
					require.Equal(t, RegNone, d.BaseRegister)
					require.Equal(t, RegNone, d.IndexRegister)
				}
			}
		}
	}
}

func TestDecodeREXRejectedInCompat(t *testing.T) {
	for rex := byte(0x40); rex <= 0x4f; rex++ {
		d, err := decodeErr(CPUModeCompatibility, rex, 0x89, 0x07)
		require.ErrorIs(t, err, vieerrors.ErrDUnsupportedOpcode)
		assert.False(t, d.REXPresent())
	}
}

func TestDecodeVerifyGLA(t *testing.T) {
	regs := testRegs{RegRDI: 0x2000, RegRIP: 0x40_0000}

	var d Descriptor
	require.NoError(t, Load(&d, []byte{0x89, 0x47, 0x10}))
	require.NoError(t, Decode(&d, CPUMode64Bit, 0x2010, regs))

	require.NoError(t, Load(&d, []byte{0x89, 0x47, 0x10}))
	err := Decode(&d, CPUMode64Bit, 0x2000, regs)
	assert.ErrorIs(t, err, vieerrors.ErrDGLAMismatch)
	assert.Equal(t, StateFailed, d.State)

	// rip-relative uses the address of the next instruction
	require.NoError(t, Load(&d, []byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}))
	require.NoError(t, Decode(&d, CPUMode64Bit, 0x40_0016, regs))

	require.NoError(t, Load(&d, []byte{0x89, 0x07}))
	err = Decode(&d, CPUMode64Bit, 0x2000, nil)
	assert.ErrorIs(t, err, vieerrors.ErrDMissingRegisterState)
	assert.False(t, vieerrors.IsUnsupported(err))

	regs[RegRDI] = 0x0000_8000_0000_0000
	require.NoError(t, Load(&d, []byte{0x89, 0x07}))
	assert.ErrorIs(t, Decode(&d, CPUMode64Bit, 0x1000, regs), vieerrors.ErrDNonCanonical)
}

func TestDecodeState(t *testing.T) {
	var d Descriptor
	assert.ErrorIs(t, DecodeBytes(&d, CPUMode64Bit), vieerrors.ErrDBadState, "uninitialized")

	Init(&d)
	assert.ErrorIs(t, DecodeBytes(&d, CPUMode64Bit), vieerrors.ErrDBadState, "nothing fetched")

	require.NoError(t, Load(&d, []byte{0x89, 0x07}))
	require.NoError(t, DecodeBytes(&d, CPUMode64Bit))
	assert.ErrorIs(t, DecodeBytes(&d, CPUMode64Bit), vieerrors.ErrDBadState, "already decoded")

	assert.ErrorIs(t, Load(&d, nil), vieerrors.ErrFInvalidLength)
	assert.ErrorIs(t, Load(&d, make([]byte, 16)), vieerrors.ErrFInvalidLength)
}

func TestDescriptorTree(t *testing.T) {
	d := decodeOK(t, CPUMode64Bit, 0x4c, 0x8b, 0x64, 0x8d, 0xf0)
	out := d.Tree().String()
	assert.Contains(t, out, "op: mov")
	assert.Contains(t, out, "base: rbp")
	assert.Contains(t, out, "index: rcx")
	assert.Contains(t, out, "sib")
	assert.Equal(t, "mov size=8 [rbp+rcx*4-0x10]", d.String())
}
