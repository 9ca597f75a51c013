// Package paging translates guest linear addresses to guest physical
// addresses by walking the guest's own page tables.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// Mode selects the page table format.
type Mode int

const (
	ModeFlat Mode = iota // paging disabled, identity mapping
	Mode32               // 2-level, 32-bit entries
	ModePAE              // 3-level, 64-bit entries
	Mode64               // 4-level, 64-bit entries, canonical addresses
)

func (m Mode) String() string {
	switch m {
	case ModeFlat:
		return "flat"
	case Mode32:
		return "32"
	case ModePAE:
		return "pae"
	case Mode64:
		return "64"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "flat":
		return ModeFlat, nil
	case "32":
		return Mode32, nil
	case "pae", "PAE":
		return ModePAE, nil
	case "64":
		return Mode64, nil
	default:
		return 0, fmt.Errorf("invalid paging mode %q", s)
	}
}

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Paging structure entry bits
const (
	PTEPresent  = 1 << 0
	PTEWritable = 1 << 1
	PTEUser     = 1 << 2
	PTEPageSize = 1 << 7
	PTENoExec   = 1 << 63

	frameMask64 = 0x000ffffffffff000 // bits 51:12
	frameMask32 = 0xfffff000
	pdptMaskPAE = 0xffffffe0 // CR3 bits 31:5 in PAE mode
)

// Context is the guest paging state captured at the time of the fault.
type Context struct {
	CR3          uint64
	Mode         Mode
	CPL          int
	WriteProtect bool // CR0.WP
	NXE          bool // EFER.NXE
}

// GuestMemory reads guest physical memory. Implementations return an error
// when gpa is not backed; the translator reports that as an internal error.
type GuestMemory interface {
	ReadGuest(gpa uint64, buf []byte) error
}

// Translator walks guest page tables. It keeps no state between calls and
// never writes the tables, so one Translator may serve every vCPU.
type Translator struct {
	Mem GuestMemory
}

func NewTranslator(mem GuestMemory) *Translator {
	return &Translator{Mem: mem}
}

// Translate resolves gla under ctx for the given access. Exactly one of the
// results is meaningful: a physical address, a fault to inject into the
// guest, or an internal error that must not be injected.
func (t *Translator) Translate(ctx Context, gla uint64, access guestfault.Access) (gpa uint64, fault *guestfault.Fault, err error) {
	if ctx.CPL < 0 || ctx.CPL > 3 {
		return 0, nil, fmt.Errorf("cpl %d: %w", ctx.CPL, vieerrors.ErrTInvalidCPL)
	}
	w := walk{t: t, ctx: ctx, gla: gla, access: access}
	switch ctx.Mode {
	case ModeFlat:
		gpa = gla
	case Mode32:
		gpa, fault, err = w.walk32()
	case ModePAE:
		gpa, fault, err = w.walkPAE()
	case Mode64:
		if !Canonical(gla) {
			fault = guestfault.GeneralProtection(gla, access, ctx.CPL)
			break
		}
		gpa, fault, err = w.walkLong(ctx.CR3, 4)
	default:
		return 0, nil, fmt.Errorf("%v: %w", ctx.Mode, vieerrors.ErrTUnknownPagingMode)
	}
	if err != nil {
		log.Debug(log.Paging, "translate failed", "gla", fmt.Sprintf("0x%x", gla), "mode", ctx.Mode, "err", err)
		return 0, nil, err
	}
	if fault != nil {
		log.Trace(log.Paging, "translate fault", "gla", fmt.Sprintf("0x%x", gla), "mode", ctx.Mode, "fault", fault.String())
		return 0, fault, nil
	}
	log.Trace(log.Paging, "translate", "gla", fmt.Sprintf("0x%x", gla), "gpa", fmt.Sprintf("0x%x", gpa), "mode", ctx.Mode, "access", access)
	return gpa, nil, nil
}

// Canonical reports whether gla sign-extends bit 47 into bits 63:48.
func Canonical(gla uint64) bool {
	const mask = 0xffff800000000000
	top := gla & mask
	return top == 0 || top == mask
}

// Resolver binds a translator to one paging context.
type Resolver struct {
	T   *Translator
	Ctx Context
}

// Bind returns a Resolver for ctx.
func (t *Translator) Bind(ctx Context) *Resolver {
	return &Resolver{T: t, Ctx: ctx}
}

// Resolve translates gla under the bound context.
func (r *Resolver) Resolve(gla uint64, access guestfault.Access) (uint64, *guestfault.Fault, error) {
	return r.T.Translate(r.Ctx, gla, access)
}

type walk struct {
	t      *Translator
	ctx    Context
	gla    uint64
	access guestfault.Access
}

func (w *walk) user() bool { return w.ctx.CPL == 3 }

func (w *walk) notPresent() *guestfault.Fault {
	return guestfault.PageFault(w.gla, w.access, w.ctx.CPL, false, false)
}

func (w *walk) protection() *guestfault.Fault {
	return guestfault.PageFault(w.gla, w.access, w.ctx.CPL, true, false)
}

func (w *walk) reserved() *guestfault.Fault {
	return guestfault.PageFault(w.gla, w.access, w.ctx.CPL, true, true)
}

// check applies the present, U/S, R/W and NX rules to one entry.
func (w *walk) check(pte uint64, nx bool) *guestfault.Fault {
	if pte&PTEPresent == 0 {
		return w.notPresent()
	}
	if w.user() && pte&PTEUser == 0 {
		return w.protection()
	}
	if w.access&guestfault.AccessWrite != 0 && pte&PTEWritable == 0 {
		if w.user() || w.ctx.WriteProtect {
			return w.protection()
		}
	}
	if nx && w.ctx.NXE && w.access&guestfault.AccessExecute != 0 && pte&PTENoExec != 0 {
		return w.protection()
	}
	return nil
}

func (w *walk) read(gpa uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := w.t.Mem.ReadGuest(gpa, buf[:size]); err != nil {
		return 0, fmt.Errorf("paging entry at gpa 0x%x: %w: %w", gpa, vieerrors.ErrTPageTableUnreadable, err)
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w *walk) walk32() (uint64, *guestfault.Fault, error) {
	gla := w.gla & 0xffffffff
	ptp := w.ctx.CR3
	var pte uint64
	shift := 0
	for level := 1; level >= 0; level-- {
		shift = PageShift + level*10
		index := (gla >> shift) & 0x3ff
		var err error
		pte, err = w.read((ptp&frameMask32)+index*4, 4)
		if err != nil {
			return 0, nil, err
		}
		log.Trace(log.Paging, "pte32", "level", level, "pte", fmt.Sprintf("0x%x", pte))
		if f := w.check(pte, false); f != nil {
			return 0, f, nil
		}
		if level > 0 && pte&PTEPageSize != 0 {
			break
		}
		ptp = pte
	}
	pgsize := uint64(1) << shift
	return (pte & frameMask32 &^ (pgsize - 1)) | (gla & (pgsize - 1)), nil, nil
}

func (w *walk) walkPAE() (uint64, *guestfault.Fault, error) {
	w.gla &= 0xffffffff
	index := (w.gla >> 30) & 0x3
	pdpte, err := w.read((w.ctx.CR3&pdptMaskPAE)+index*8, 8)
	if err != nil {
		return 0, nil, err
	}
	if pdpte&PTEPresent == 0 {
		return 0, w.notPresent(), nil
	}
	return w.walkLong(pdpte, 2)
}

// walkLong walks levels of 512 8-byte entries starting at the table ptp
// points to. It serves both PAE (2 levels) and 4-level paging.
func (w *walk) walkLong(ptp uint64, levels int) (uint64, *guestfault.Fault, error) {
	var pte uint64
	shift := 0
	for level := levels - 1; level >= 0; level-- {
		shift = PageShift + level*9
		index := (w.gla >> shift) & 0x1ff
		var err error
		pte, err = w.read((ptp&frameMask64)+index*8, 8)
		if err != nil {
			return 0, nil, err
		}
		log.Trace(log.Paging, "pte64", "level", level, "pte", fmt.Sprintf("0x%x", pte))
		if f := w.check(pte, true); f != nil {
			return 0, f, nil
		}
		if level > 0 && pte&PTEPageSize != 0 {
			// PS in a PML4 entry would name a 512 GiB page.
			if level == 3 {
				return 0, w.reserved(), nil
			}
			break
		}
		ptp = pte
	}
	pgsize := uint64(1) << shift
	return (pte & frameMask64 &^ (pgsize - 1)) | (w.gla & (pgsize - 1)), nil, nil
}
