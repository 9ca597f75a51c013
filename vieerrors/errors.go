package vieerrors

import (
	"errors"
	"strings"
)

// Decode (D) Errors
var (
	ErrDTruncated            = errors.New("D1|Truncated: Ran out of valid instruction bytes in the middle of a field.")
	ErrDUnsupportedOpcode    = errors.New("D2|UnsupportedOpcode: Opcode is not in the emulated subset.")
	ErrDInvalidModRM         = errors.New("D3|InvalidModRM: Reserved or undefined ModRM and opcode combination.")
	ErrDUnsupportedPrefix    = errors.New("D4|UnsupportedPrefix: Prefix cannot be honoured by the emulator.")
	ErrDUnsupportedAddrSize  = errors.New("D5|UnsupportedAddrSize: 16-bit addressing is not emulated.")
	ErrDLengthMismatch       = errors.New("D6|LengthMismatch: Decoded length differs from the reported instruction length.")
	ErrDGLAMismatch          = errors.New("D7|GLAMismatch: Decoded linear address disagrees with the hardware-reported one.")
	ErrDNonCanonical         = errors.New("D8|NonCanonical: Decoded linear address is not canonical.")
	ErrDBadState             = errors.New("D9|BadState: Descriptor is not ready for decoding.")
	ErrDRegisterUnavailable  = errors.New("D10|RegisterUnavailable: Register needed for address verification could not be read.")
	ErrDUnsupportedCPUMode   = errors.New("D11|UnsupportedCPUMode: CPU mode is neither 64-bit nor compatibility.")
	ErrDUnsupportedInMode    = errors.New("D12|UnsupportedInMode: Opcode has a different meaning in this CPU mode.")
	ErrDMissingRegisterState = errors.New("D13|MissingRegisterState: Address verification requested without register access.")
)

// Emulation (E) Errors
var (
	ErrEProgramming      = errors.New("E1|Programming: Descriptor was not decoded before emulation.")
	ErrEUnsupported      = errors.New("E2|Unsupported: Instruction form is outside the emulated subset.")
	ErrEInvalidSize      = errors.New("E3|InvalidSize: Operand size is not one of 1, 2, 4 or 8.")
	ErrEMissingResolver  = errors.New("E4|MissingResolver: String move needs an address resolver for its second operand.")
	ErrECallback         = errors.New("E5|Callback: Memory region callback failed.")
	ErrERegisterAccess   = errors.New("E6|RegisterAccess: Guest register could not be read or written.")
	ErrENoMemoryOperand  = errors.New("E7|NoMemoryOperand: Register-direct operand cannot fault on guest memory.")
	ErrEGPAMismatch      = errors.New("E8|GPAMismatch: Operand resolves to a different guest physical address than the fault.")
	ErrEUnsupportedWidth = errors.New("E9|UnsupportedWidth: Operand width is not handled for this operation.")
)

// Translation (T) Errors
var (
	ErrTPageTableUnreadable = errors.New("T1|PageTableUnreadable: Paging structure is not backed by guest memory.")
	ErrTUnknownPagingMode   = errors.New("T2|UnknownPagingMode: Paging mode is not flat, 32-bit, PAE or 64-bit.")
	ErrTInvalidCPL          = errors.New("T3|InvalidCPL: Current privilege level is outside 0..3.")
)

// Fetch (F) Errors
var (
	ErrFInvalidLength  = errors.New("F1|InvalidLength: Instruction length is zero or exceeds 15 bytes.")
	ErrFNotInitialized = errors.New("F2|NotInitialized: Descriptor was not initialised before fetching.")
	ErrFGuestMemory    = errors.New("F3|GuestMemory: Instruction bytes could not be copied from guest memory.")
)

// Machine (M) Errors
var (
	ErrMUnbacked     = errors.New("M1|Unbacked: Guest physical address is not backed by RAM or a device.")
	ErrMOverlap      = errors.New("M2|Overlap: Device region overlaps an existing region.")
	ErrMOutOfRange   = errors.New("M3|OutOfRange: Access falls outside the device register file.")
	ErrMBadRegister  = errors.New("M4|BadRegister: Register is not part of the vCPU state.")
	ErrMTableExhaust = errors.New("M5|TableExhausted: No guest memory left for page table pages.")
)

// IsUnsupported reports whether err is an unsupported-instruction outcome:
// a decode failure or a form outside the emulated subset. Callers fall back
// to another strategy for these rather than treating them as internal errors.
func IsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEUnsupported) || errors.Is(err, ErrEUnsupportedWidth) || errors.Is(err, ErrENoMemoryOperand) {
		return true
	}
	if errors.Is(err, ErrDBadState) || errors.Is(err, ErrDMissingRegisterState) || errors.Is(err, ErrDRegisterUnavailable) {
		return false
	}
	for _, e := range decodeErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

var decodeErrors = []error{
	ErrDTruncated, ErrDUnsupportedOpcode, ErrDInvalidModRM, ErrDUnsupportedPrefix,
	ErrDUnsupportedAddrSize, ErrDLengthMismatch, ErrDGLAMismatch, ErrDNonCanonical,
	ErrDUnsupportedCPUMode, ErrDUnsupportedInMode,
}

var allErrors = append(append([]error{}, decodeErrors...),
	ErrDBadState, ErrDRegisterUnavailable, ErrDMissingRegisterState,
	ErrEProgramming, ErrEUnsupported, ErrEInvalidSize, ErrEMissingResolver, ErrECallback,
	ErrERegisterAccess, ErrENoMemoryOperand, ErrEGPAMismatch, ErrEUnsupportedWidth,
	ErrTPageTableUnreadable, ErrTUnknownPagingMode, ErrTInvalidCPL,
	ErrFInvalidLength, ErrFNotInitialized, ErrFGuestMemory,
	ErrMUnbacked, ErrMOverlap, ErrMOutOfRange, ErrMBadRegister, ErrMTableExhaust,
)

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := root(err).Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := root(err).Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(root(err).Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}

// root finds the coded sentinel wrapped inside err, if any.
func root(err error) error {
	for _, e := range allErrors {
		if errors.Is(err, e) {
			return e
		}
	}
	return err
}
