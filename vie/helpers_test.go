package vie

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/colorfulnotion/vmmemul/paging"
	"github.com/stretchr/testify/require"
)

var errBus = errors.New("bus error")

type testRegs map[Register]uint64

func (r testRegs) GetRegister(reg Register) (uint64, error) {
	if reg < 0 || reg >= numRegisters {
		return 0, fmt.Errorf("bad register %d", reg)
	}
	return r[reg], nil
}

func (r testRegs) SetRegister(reg Register, val uint64) error {
	if reg < 0 || reg >= numRegisters {
		return fmt.Errorf("bad register %d", reg)
	}
	r[reg] = val
	return nil
}

// testMem is sparse guest physical memory. It serves both as page table
// storage for the translator and as the device behind the callbacks.
type testMem struct {
	b      map[uint64]byte
	reads  int
	writes int
	fail   bool
}

func newTestMem() *testMem { return &testMem{b: make(map[uint64]byte)} }

func (m *testMem) ReadGuest(gpa uint64, buf []byte) error {
	for i := range buf {
		v, ok := m.b[gpa+uint64(i)]
		if !ok {
			return fmt.Errorf("gpa 0x%x unbacked", gpa+uint64(i))
		}
		buf[i] = v
	}
	return nil
}

func (m *testMem) put(gpa uint64, val uint64, size int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	for i := 0; i < size; i++ {
		m.b[gpa+uint64(i)] = buf[i]
	}
}

func (m *testMem) get(gpa uint64, size int) uint64 {
	var buf [8]byte
	for i := 0; i < size; i++ {
		buf[i] = m.b[gpa+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *testMem) putBytes(gpa uint64, b []byte) {
	for i, v := range b {
		m.b[gpa+uint64(i)] = v
	}
}

func memRead(m *testMem, vcpu int, gpa uint64, size int, arg any) (uint64, error) {
	if m.fail {
		return 0, errBus
	}
	m.reads++
	return m.get(gpa, size), nil
}

func memWrite(m *testMem, vcpu int, gpa uint64, val uint64, size int, arg any) error {
	if m.fail {
		return errBus
	}
	m.writes++
	m.put(gpa, val, size)
	return nil
}

var testRegion = MemRegion[*testMem]{Read: memRead, Write: memWrite}

// mapPage64 installs a 4 KiB mapping in 4-level tables rooted at cr3,
// allocating intermediate tables from *next.
func (m *testMem) mapPage64(cr3 uint64, next *uint64, gla, gpa uint64) {
	table := cr3
	for level := 3; level > 0; level-- {
		ea := table + ((gla>>(12+9*level))&0x1ff)*8
		e := m.get(ea, 8)
		if e&paging.PTEPresent == 0 {
			e = *next | paging.PTEPresent | paging.PTEWritable | paging.PTEUser
			*next += paging.PageSize
			m.zero(e &^ paging.PageMask)
			m.put(ea, e, 8)
		}
		table = e &^ paging.PageMask
	}
	m.put(table+((gla>>12)&0x1ff)*8, gpa|paging.PTEPresent|paging.PTEWritable|paging.PTEUser, 8)
}

func (m *testMem) zero(page uint64) {
	for i := uint64(0); i < paging.PageSize; i++ {
		m.b[page+i] = 0
	}
}

func decodeOK(t *testing.T, mode CPUMode, inst ...byte) *Descriptor {
	t.Helper()
	var d Descriptor
	require.NoError(t, Load(&d, inst))
	require.NoError(t, DecodeBytes(&d, mode), "% x", inst)
	return &d
}

func decodeErr(mode CPUMode, inst ...byte) (*Descriptor, error) {
	var d Descriptor
	if err := Load(&d, inst); err != nil {
		return &d, err
	}
	return &d, DecodeBytes(&d, mode)
}
