// Package guestfault describes exceptions that must be injected into a guest.
// Nothing here injects anything: a Fault is a request handed back to the
// vCPU exit loop, which owns the injection mechanism.
package guestfault

import (
	"fmt"
	"strings"
)

// Access is the intent of a guest memory access.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	if a == 0 {
		return "none"
	}
	var sb strings.Builder
	for _, f := range []struct {
		bit  Access
		name string
	}{{AccessRead, "r"}, {AccessWrite, "w"}, {AccessExecute, "x"}} {
		if a&f.bit != 0 {
			sb.WriteString(f.name)
		}
	}
	return sb.String()
}

// ParseAccess accepts any combination of "r", "w" and "x".
func ParseAccess(s string) (Access, error) {
	var a Access
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			a |= AccessRead
		case 'w':
			a |= AccessWrite
		case 'x':
			a |= AccessExecute
		default:
			return 0, fmt.Errorf("invalid access %q", s)
		}
	}
	if a == 0 {
		return 0, fmt.Errorf("empty access")
	}
	return a, nil
}

// Kind identifies the architectural exception.
type Kind int

const (
	KindPageFault Kind = iota + 1
	KindGeneralProtection
	KindAlignmentCheck
)

func (k Kind) String() string {
	switch k {
	case KindPageFault:
		return "#PF"
	case KindGeneralProtection:
		return "#GP"
	case KindAlignmentCheck:
		return "#AC"
	default:
		return "unknown"
	}
}

// Exception vectors
const (
	VectorGP = 13
	VectorPF = 14
	VectorAC = 17
)

// Page fault error code bits
const (
	PFErrPresent  = 1 << 0 // P: protection violation on a present entry
	PFErrWrite    = 1 << 1 // W/R: access was a write
	PFErrUser     = 1 << 2 // U/S: access came from CPL 3
	PFErrReserved = 1 << 3 // RSVD: reserved bit set in a paging entry
	PFErrFetch    = 1 << 4 // I/D: instruction fetch
)

// Fault is a request to inject an exception.
type Fault struct {
	Kind         Kind
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	Address      uint64 // faulting linear address; loaded into CR2 for #PF
	Access       Access
	CPL          int
}

// PageFault builds a #PF determination. present is true when the walk
// stopped on a present entry (a protection violation rather than a missing
// mapping) and reserved when a reserved bit was found set.
func PageFault(gla uint64, access Access, cpl int, present, reserved bool) *Fault {
	var code uint32
	if present {
		code |= PFErrPresent
	}
	if access&AccessWrite != 0 {
		code |= PFErrWrite
	}
	if cpl == 3 {
		code |= PFErrUser
	}
	if reserved {
		code |= PFErrReserved
	}
	if access&AccessExecute != 0 {
		code |= PFErrFetch
	}
	return &Fault{
		Kind:         KindPageFault,
		Vector:       VectorPF,
		ErrorCode:    code,
		HasErrorCode: true,
		Address:      gla,
		Access:       access,
		CPL:          cpl,
	}
}

// GeneralProtection builds a #GP(0) determination, used for non-canonical
// addresses in 64-bit mode.
func GeneralProtection(gla uint64, access Access, cpl int) *Fault {
	return &Fault{
		Kind:         KindGeneralProtection,
		Vector:       VectorGP,
		HasErrorCode: true,
		Address:      gla,
		Access:       access,
		CPL:          cpl,
	}
}

// AlignmentCheck builds an #AC(0) determination.
func AlignmentCheck(gla uint64, access Access, cpl int) *Fault {
	return &Fault{
		Kind:         KindAlignmentCheck,
		Vector:       VectorAC,
		HasErrorCode: true,
		Address:      gla,
		Access:       access,
		CPL:          cpl,
	}
}

func (f *Fault) String() string {
	if f == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(0x%x) addr=0x%x access=%s cpl=%d", f.Kind, f.ErrorCode, f.Address, f.Access, f.CPL)
}
