package vie

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

func (m CPUMode) bits() int {
	if m == CPUMode64Bit {
		return 64
	}
	return 32
}

// Disassemble renders code one instruction per line, offset, bytes and
// Intel syntax. Undecodable bytes are shown as db.
func Disassemble(code []byte, mode CPUMode) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], mode.bits())
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", offset, code[offset]))
			offset++
			continue
		}

		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%04x: %-16s %s\n",
			offset,
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, 0, nil),
		))
		offset += inst.Len
	}
	return sb.String()
}

// Disasm returns the Intel syntax of the decoded instruction in d, or an
// empty string when x86asm cannot decode its bytes.
func (d *Descriptor) Disasm() string {
	inst, err := x86asm.Decode(d.Bytes(), d.Mode.bits())
	if err != nil {
		return ""
	}
	return x86asm.IntelSyntax(inst, 0, nil)
}
