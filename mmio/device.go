package mmio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// Device is a memory-mapped device model. offset is relative to the base
// of the region the device is registered at and size is 1, 2, 4 or 8.
// Devices are shared by every vCPU and must do their own locking.
type Device interface {
	Name() string
	Read(vcpu int, offset uint64, size int) (uint64, error)
	Write(vcpu int, offset uint64, val uint64, size int) error
}

// RegisterFile is a device backed by a flat little-endian byte array, the
// shape of most simple MMIO register blocks. Registers listed as read-only
// ignore writes.
type RegisterFile struct {
	name string

	mu       sync.Mutex
	regs     []byte
	readOnly map[uint64]bool
	reads    int
	writes   int
}

func NewRegisterFile(name string, size uint64) *RegisterFile {
	return &RegisterFile{name: name, regs: make([]byte, size), readOnly: make(map[uint64]bool)}
}

func (f *RegisterFile) Name() string { return f.name }

// SetReadOnly makes writes to the size-byte register at offset no-ops.
func (f *RegisterFile) SetReadOnly(offset uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readOnly[offset] = true
}

func (f *RegisterFile) bounds(offset uint64, size int) error {
	if offset+uint64(size) > uint64(len(f.regs)) || offset+uint64(size) < offset {
		return fmt.Errorf("%s: offset 0x%x size %d: %w", f.name, offset, size, vieerrors.ErrMOutOfRange)
	}
	return nil
}

func (f *RegisterFile) Read(vcpu int, offset uint64, size int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bounds(offset, size); err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], f.regs[offset:offset+uint64(size)])
	f.reads++
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (f *RegisterFile) Write(vcpu int, offset uint64, val uint64, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bounds(offset, size); err != nil {
		return err
	}
	f.writes++
	if f.readOnly[offset] {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(f.regs[offset:], buf[:size])
	return nil
}

// Peek returns a register value without counting an access.
func (f *RegisterFile) Peek(offset uint64, size int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bounds(offset, size); err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], f.regs[offset:offset+uint64(size)])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Poke sets a register value, bypassing the read-only list.
func (f *RegisterFile) Poke(offset uint64, val uint64, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bounds(offset, size); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(f.regs[offset:], buf[:size])
	return nil
}

// Stats returns the number of guest reads and writes seen so far.
func (f *RegisterFile) Stats() (reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.writes
}
