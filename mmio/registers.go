package mmio

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmmemul/vie"
	"github.com/colorfulnotion/vmmemul/vieerrors"
	"golang.org/x/exp/slices"
)

// Registers is a vCPU register file held in memory. It implements
// vie.RegisterAccess and is owned by a single vCPU.
type Registers struct {
	vals []uint64
}

func NewRegisters() *Registers {
	return &Registers{vals: make([]uint64, len(vie.Registers()))}
}

// RegistersFrom builds a register file from name/value pairs such as
// {"rdi": 0x1000}.
func RegistersFrom(vals map[string]uint64) (*Registers, error) {
	r := NewRegisters()
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		reg, err := vie.ParseRegister(name)
		if err != nil {
			return nil, err
		}
		if err := r.SetRegister(reg, vals[name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registers) GetRegister(reg vie.Register) (uint64, error) {
	if reg < 0 || int(reg) >= len(r.vals) {
		return 0, fmt.Errorf("register %d: %w", reg, vieerrors.ErrMBadRegister)
	}
	return r.vals[reg], nil
}

func (r *Registers) SetRegister(reg vie.Register, val uint64) error {
	if reg < 0 || int(reg) >= len(r.vals) {
		return fmt.Errorf("register %d: %w", reg, vieerrors.ErrMBadRegister)
	}
	r.vals[reg] = val
	return nil
}

// Get returns reg, or zero for a register outside the file.
func (r *Registers) Get(reg vie.Register) uint64 {
	v, _ := r.GetRegister(reg)
	return v
}

// NonZero returns every register holding a non-zero value, keyed by name.
func (r *Registers) NonZero() map[string]uint64 {
	out := make(map[string]uint64)
	for _, reg := range vie.Registers() {
		if v := r.vals[reg]; v != 0 {
			out[reg.String()] = v
		}
	}
	return out
}

// Dump formats the non-zero registers in register order.
func (r *Registers) Dump() string {
	var sb strings.Builder
	for _, reg := range vie.Registers() {
		if v := r.vals[reg]; v != 0 {
			fmt.Fprintf(&sb, "%-8s 0x%016x\n", reg, v)
		}
	}
	return sb.String()
}
