// Package mmio holds the embedding side of the emulation core: guest RAM,
// device models, the region bus that implements the emulator's memory
// callbacks and an in-memory vCPU register file.
package mmio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/colorfulnotion/vmmemul/paging"
	"github.com/colorfulnotion/vmmemul/vieerrors"
)

type page [paging.PageSize]byte

// GuestRAM is sparse guest physical memory allocated a page at a time.
// Reading a page that was never mapped is an error, not zeroes.
type GuestRAM struct {
	mu    sync.RWMutex
	pages map[uint64]*page
}

func NewGuestRAM() *GuestRAM {
	return &GuestRAM{pages: make(map[uint64]*page)}
}

// Map backs the pages covering [gpa, gpa+size) with zeroed memory. Pages
// that are already backed keep their contents.
func (r *GuestRAM) Map(gpa, size uint64) {
	if size == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for pfn := gpa >> paging.PageShift; pfn <= (gpa+size-1)>>paging.PageShift; pfn++ {
		if _, ok := r.pages[pfn]; !ok {
			r.pages[pfn] = new(page)
		}
	}
}

// Backed reports whether gpa lies in a mapped page.
func (r *GuestRAM) Backed(gpa uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pages[gpa>>paging.PageShift]
	return ok
}

func (r *GuestRAM) copy(gpa uint64, buf []byte, write bool) error {
	for len(buf) > 0 {
		p, ok := r.pages[gpa>>paging.PageShift]
		if !ok {
			return fmt.Errorf("gpa 0x%x: %w", gpa, vieerrors.ErrMUnbacked)
		}
		off := gpa & paging.PageMask
		var n int
		if write {
			n = copy(p[off:], buf)
		} else {
			n = copy(buf, p[off:])
		}
		buf = buf[n:]
		gpa += uint64(n)
	}
	return nil
}

// ReadGuest copies len(buf) bytes starting at gpa. It implements
// paging.GuestMemory.
func (r *GuestRAM) ReadGuest(gpa uint64, buf []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copy(gpa, buf, false)
}

func (r *GuestRAM) WriteGuest(gpa uint64, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copy(gpa, buf, true)
}

// ReadUint reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (r *GuestRAM) ReadUint(gpa uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := r.ReadGuest(gpa, buf[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint writes the low size bytes of val little-endian.
func (r *GuestRAM) WriteUint(gpa, val uint64, size int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return r.WriteGuest(gpa, buf[:size])
}

// PageTables builds 4-level long mode tables in guest RAM. Table pages are
// carved from [next, limit).
type PageTables struct {
	ram   *GuestRAM
	Root  uint64
	next  uint64
	limit uint64
}

// NewPageTables places the PML4 at root and allocates further tables from
// the pages following it up to limit.
func NewPageTables(ram *GuestRAM, root, limit uint64) *PageTables {
	ram.Map(root, paging.PageSize)
	return &PageTables{ram: ram, Root: root, next: root + paging.PageSize, limit: limit}
}

func (pt *PageTables) alloc() (uint64, error) {
	if pt.next+paging.PageSize > pt.limit {
		return 0, fmt.Errorf("table at 0x%x beyond 0x%x: %w", pt.next, pt.limit, vieerrors.ErrMTableExhaust)
	}
	p := pt.next
	pt.next += paging.PageSize
	pt.ram.Map(p, paging.PageSize)
	return p, nil
}

// Map installs a 4 KiB translation gla -> gpa with the given leaf flags.
// Intermediate entries are created present, writable and user so the leaf
// flags alone decide the permissions.
func (pt *PageTables) Map(gla, gpa, flags uint64) error {
	table := pt.Root
	for level := 3; level > 0; level-- {
		ea := table + ((gla>>(paging.PageShift+9*uint(level)))&0x1ff)*8
		e, err := pt.ram.ReadUint(ea, 8)
		if err != nil {
			return err
		}
		if e&paging.PTEPresent == 0 {
			next, err := pt.alloc()
			if err != nil {
				return err
			}
			e = next | paging.PTEPresent | paging.PTEWritable | paging.PTEUser
			if err := pt.ram.WriteUint(ea, e, 8); err != nil {
				return err
			}
		}
		table = e &^ paging.PageMask &^ paging.PTENoExec
	}
	ea := table + ((gla>>paging.PageShift)&0x1ff)*8
	return pt.ram.WriteUint(ea, (gpa&^paging.PageMask)|flags|paging.PTEPresent, 8)
}
