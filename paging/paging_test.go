package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/vieerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnbacked = errors.New("unbacked gpa")

// testMem is a sparse byte-addressed guest memory.
type testMem struct {
	b map[uint64]byte
}

func newTestMem() *testMem { return &testMem{b: make(map[uint64]byte)} }

func (m *testMem) ReadGuest(gpa uint64, buf []byte) error {
	for i := range buf {
		v, ok := m.b[gpa+uint64(i)]
		if !ok {
			return fmt.Errorf("0x%x: %w", gpa+uint64(i), errUnbacked)
		}
		buf[i] = v
	}
	return nil
}

func (m *testMem) put(gpa uint64, v uint64, size int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
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

// format describes one page table layout for the builder.
type format struct {
	levels int
	bits   int
	esize  int
	frame  uint64
}

var (
	fmt32  = format{levels: 2, bits: 10, esize: 4, frame: frameMask32}
	fmtPAE = format{levels: 3, bits: 9, esize: 8, frame: frameMask64}
	fmt64  = format{levels: 4, bits: 9, esize: 8, frame: frameMask64}
)

type builder struct {
	mem  *testMem
	next uint64
	f    format
	root uint64
}

func newBuilder(f format) *builder {
	b := &builder{mem: newTestMem(), next: 0x100000, f: f}
	b.root = b.alloc()
	return b
}

func (b *builder) alloc() uint64 {
	p := b.next
	b.next += PageSize
	for i := uint64(0); i < PageSize; i++ {
		b.mem.b[p+i] = 0
	}
	return p
}

// mapPage maps gla to gpa with leaf flags at leafLevel (0 = 4 KiB) and
// returns the address of the entry used at every level, top level first.
func (b *builder) mapPage(gla, gpa, flags uint64, leafLevel int) []uint64 {
	var entries []uint64
	table := b.root
	mask := uint64(1)<<b.f.bits - 1
	for level := b.f.levels - 1; level > leafLevel; level-- {
		idx := (gla >> (PageShift + b.f.bits*level)) & mask
		ea := table + idx*uint64(b.f.esize)
		e := b.mem.get(ea, b.f.esize)
		if e&PTEPresent == 0 {
			e = b.alloc() | PTEPresent | PTEWritable | PTEUser
			b.mem.put(ea, e, b.f.esize)
		}
		entries = append(entries, ea)
		table = e & b.f.frame
	}
	idx := (gla >> (PageShift + b.f.bits*leafLevel)) & mask
	ea := table + idx*uint64(b.f.esize)
	leaf := gpa | flags
	if leafLevel > 0 {
		leaf |= PTEPageSize
	}
	b.mem.put(ea, leaf, b.f.esize)
	return append(entries, ea)
}

func (b *builder) clearBits(ea uint64, bits uint64) {
	b.mem.put(ea, b.mem.get(ea, b.f.esize)&^bits, b.f.esize)
}

func (b *builder) setBits(ea uint64, bits uint64) {
	b.mem.put(ea, b.mem.get(ea, b.f.esize)|bits, b.f.esize)
}

const rwu = PTEPresent | PTEWritable | PTEUser

func TestFlatIdentity(t *testing.T) {
	tr := NewTranslator(newTestMem())
	for _, cpl := range []int{0, 3} {
		for _, access := range []guestfault.Access{guestfault.AccessRead, guestfault.AccessWrite, guestfault.AccessExecute} {
			gpa, fault, err := tr.Translate(Context{Mode: ModeFlat, CPL: cpl}, 0x1000, access)
			require.NoError(t, err)
			require.Nil(t, fault)
			assert.Equal(t, uint64(0x1000), gpa)
		}
	}
}

func TestTranslateMappings(t *testing.T) {
	testCases := []struct {
		name  string
		mode  Mode
		f     format
		leaf  int
		gla   uint64
		frame uint64
	}{
		{"32-bit 4K", Mode32, fmt32, 0, 0x0040_1abc, 0x0080_0000},
		{"32-bit 4M", Mode32, fmt32, 1, 0x0c12_3456, 0x1000_0000},
		{"PAE 4K", ModePAE, fmtPAE, 0, 0xc000_5123, 0x0002_0000_3000},
		{"PAE 2M", ModePAE, fmtPAE, 1, 0x8034_5678, 0x0004_0000_0000},
		{"64 4K", Mode64, fmt64, 0, 0x0000_7f12_3456_7abc, 0x0000_0012_3456_7000},
		{"64 2M", Mode64, fmt64, 1, 0xffff_8000_0030_0123, 0x0000_0001_0020_0000},
		{"64 1G", Mode64, fmt64, 2, 0x0000_0041_2345_6789, 0x0000_0080_0000_0000},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder(tc.f)
			b.mapPage(tc.gla, tc.frame, rwu, tc.leaf)
			tr := NewTranslator(b.mem)
			pgsize := uint64(1) << (PageShift + tc.f.bits*tc.leaf)
			gla := tc.gla
			if tc.mode != Mode64 {
				gla &= 0xffffffff
			}
			want := tc.frame | (gla & (pgsize - 1))
			for _, cpl := range []int{0, 3} {
				gpa, fault, err := tr.Translate(Context{CR3: b.root, Mode: tc.mode, CPL: cpl, WriteProtect: true}, tc.gla, guestfault.AccessRead|guestfault.AccessWrite)
				require.NoError(t, err)
				require.Nil(t, fault)
				assert.Equal(t, want, gpa, "gpa")
			}
		})
	}
}

func TestNotPresentAtEveryLevel(t *testing.T) {
	testCases := []struct {
		name string
		mode Mode
		f    format
		gla  uint64
	}{
		{"32", Mode32, fmt32, 0x0040_1abc},
		{"PAE", ModePAE, fmtPAE, 0xc000_5123},
		{"64", Mode64, fmt64, 0x0000_7f12_3456_7abc},
	}
	for _, tc := range testCases {
		for level := 0; level < tc.f.levels; level++ {
			for _, access := range []guestfault.Access{guestfault.AccessRead, guestfault.AccessWrite, guestfault.AccessRead | guestfault.AccessExecute} {
				t.Run(fmt.Sprintf("%s/level%d/%s", tc.name, level, access), func(t *testing.T) {
					b := newBuilder(tc.f)
					entries := b.mapPage(tc.gla, 0x7000, rwu, 0)
					b.clearBits(entries[level], PTEPresent)
					tr := NewTranslator(b.mem)
					gpa, fault, err := tr.Translate(Context{CR3: b.root, Mode: tc.mode, CPL: 3}, tc.gla, access)
					require.NoError(t, err)
					require.NotNil(t, fault)
					assert.Zero(t, gpa)
					assert.Equal(t, guestfault.KindPageFault, fault.Kind)
					assert.Equal(t, tc.gla, fault.Address)
					assert.Equal(t, access, fault.Access)
					assert.Zero(t, fault.ErrorCode&guestfault.PFErrPresent)
					assert.NotZero(t, fault.ErrorCode&guestfault.PFErrUser)
					assert.Equal(t, access&guestfault.AccessWrite != 0, fault.ErrorCode&guestfault.PFErrWrite != 0)
				})
			}
		}
	}
}

func TestPermissions(t *testing.T) {
	const gla = 0x0000_0000_0040_2000
	type result int
	const (
		ok result = iota
		pf
	)
	testCases := []struct {
		name   string
		leaf   uint64
		ctx    Context
		access guestfault.Access
		want   result
	}{
		{"user on supervisor page", PTEPresent | PTEWritable, Context{CPL: 3}, guestfault.AccessRead, pf},
		{"kernel on supervisor page", PTEPresent | PTEWritable, Context{CPL: 0}, guestfault.AccessRead, ok},
		{"user write read-only", PTEPresent | PTEUser, Context{CPL: 3}, guestfault.AccessWrite, pf},
		{"user read read-only", PTEPresent | PTEUser, Context{CPL: 3}, guestfault.AccessRead, ok},
		{"kernel write read-only WP=0", PTEPresent, Context{CPL: 0}, guestfault.AccessWrite, ok},
		{"kernel write read-only WP=1", PTEPresent, Context{CPL: 0, WriteProtect: true}, guestfault.AccessWrite, pf},
		{"fetch NX with NXE", rwu | PTENoExec, Context{CPL: 0, NXE: true}, guestfault.AccessRead | guestfault.AccessExecute, pf},
		{"fetch NX without NXE", rwu | PTENoExec, Context{CPL: 0}, guestfault.AccessRead | guestfault.AccessExecute, ok},
		{"read NX with NXE", rwu | PTENoExec, Context{CPL: 0, NXE: true}, guestfault.AccessRead, ok},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder(fmt64)
			b.mapPage(gla, 0x9000, tc.leaf, 0)
			tc.ctx.CR3 = b.root
			tc.ctx.Mode = Mode64
			gpa, fault, err := NewTranslator(b.mem).Translate(tc.ctx, gla, tc.access)
			require.NoError(t, err)
			if tc.want == ok {
				require.Nil(t, fault)
				assert.Equal(t, uint64(0x9000), gpa)
				return
			}
			require.NotNil(t, fault)
			assert.NotZero(t, fault.ErrorCode&guestfault.PFErrPresent, "protection faults report P=1")
		})
	}
}

func TestSupervisorBitOnUpperLevel(t *testing.T) {
	const gla = 0x0000_0000_0040_2000
	b := newBuilder(fmt64)
	entries := b.mapPage(gla, 0x9000, rwu, 0)
	b.clearBits(entries[1], PTEUser)
	_, fault, err := NewTranslator(b.mem).Translate(Context{CR3: b.root, Mode: Mode64, CPL: 3}, gla, guestfault.AccessRead)
	require.NoError(t, err)
	require.NotNil(t, fault)
	assert.Equal(t, uint32(guestfault.PFErrPresent|guestfault.PFErrUser), fault.ErrorCode)
}

func TestNonCanonical(t *testing.T) {
	b := newBuilder(fmt64)
	_, fault, err := NewTranslator(b.mem).Translate(Context{CR3: b.root, Mode: Mode64}, 0x0000_8000_0000_0000, guestfault.AccessRead)
	require.NoError(t, err)
	require.NotNil(t, fault)
	assert.Equal(t, guestfault.KindGeneralProtection, fault.Kind)
	assert.True(t, Canonical(0xffff_8000_0000_0000))
	assert.True(t, Canonical(0x0000_7fff_ffff_ffff))
	assert.False(t, Canonical(1<<63))
}

func TestPML4PageSizeIsReserved(t *testing.T) {
	const gla = 0x0000_0000_0040_2000
	b := newBuilder(fmt64)
	entries := b.mapPage(gla, 0x9000, rwu, 0)
	b.setBits(entries[0], PTEPageSize)
	_, fault, err := NewTranslator(b.mem).Translate(Context{CR3: b.root, Mode: Mode64}, gla, guestfault.AccessRead)
	require.NoError(t, err)
	require.NotNil(t, fault)
	assert.NotZero(t, fault.ErrorCode&guestfault.PFErrReserved)
}

func TestUnreadableTableIsInternal(t *testing.T) {
	tr := NewTranslator(newTestMem())
	for _, mode := range []Mode{Mode32, ModePAE, Mode64} {
		gpa, fault, err := tr.Translate(Context{CR3: 0x5000, Mode: mode}, 0x1000, guestfault.AccessRead)
		require.Error(t, err, mode.String())
		assert.Nil(t, fault)
		assert.Zero(t, gpa)
		assert.ErrorIs(t, err, vieerrors.ErrTPageTableUnreadable)
		assert.ErrorIs(t, err, errUnbacked)
	}
}

func TestPDPTENotPresent(t *testing.T) {
	b := newBuilder(fmtPAE)
	b.mapPage(0x0000_1000, 0x7000, rwu, 0)
	// 0xc0000000 selects PDPTE 3, which was never populated.
	_, fault, err := NewTranslator(b.mem).Translate(Context{CR3: b.root, Mode: ModePAE}, 0xc000_0000, guestfault.AccessWrite)
	require.NoError(t, err)
	require.NotNil(t, fault)
	assert.Equal(t, uint32(guestfault.PFErrWrite), fault.ErrorCode)
}

func TestInvalidInputs(t *testing.T) {
	tr := NewTranslator(newTestMem())
	_, _, err := tr.Translate(Context{Mode: Mode(9)}, 0, guestfault.AccessRead)
	assert.ErrorIs(t, err, vieerrors.ErrTUnknownPagingMode)
	_, _, err = tr.Translate(Context{Mode: ModeFlat, CPL: 4}, 0, guestfault.AccessRead)
	assert.ErrorIs(t, err, vieerrors.ErrTInvalidCPL)
}

func TestResolver(t *testing.T) {
	r := NewTranslator(newTestMem()).Bind(Context{Mode: ModeFlat})
	gpa, fault, err := r.Resolve(0xfee00000, guestfault.AccessWrite)
	require.NoError(t, err)
	assert.Nil(t, fault)
	assert.Equal(t, uint64(0xfee00000), gpa)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeFlat, Mode32, ModePAE, Mode64} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("real")
	assert.Error(t, err)
}
