package vie

import (
	"fmt"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/paging"
	"github.com/colorfulnotion/vmmemul/vieerrors"
)

// Fetch copies length instruction bytes starting at the linear address rip
// into d. Each page is translated separately since consecutive guest pages
// need not be physically contiguous. A translation fault is returned as is
// and leaves d partially filled; the caller re-initializes it before the
// instruction is retried.
func Fetch(mem paging.GuestMemory, tr *paging.Translator, pctx paging.Context, rip uint64, length int, d *Descriptor) (*guestfault.Fault, error) {
	if d.State != StateEmpty || d.NumValid != 0 {
		return nil, fmt.Errorf("fetch in state %v: %w", d.State, vieerrors.ErrFNotInitialized)
	}
	if length <= 0 || length > MaxInstLength {
		return nil, fmt.Errorf("length %d: %w", length, vieerrors.ErrFInvalidLength)
	}
	for d.NumValid < length {
		gla := rip + uint64(d.NumValid)
		gpa, fault, err := tr.Translate(pctx, gla, guestfault.AccessRead|guestfault.AccessExecute)
		if err != nil {
			return nil, fmt.Errorf("fetch at 0x%x: %w", gla, err)
		}
		if fault != nil {
			log.Debug(log.VieFetch, "fetch fault", "rip", fmt.Sprintf("0x%x", rip), "fault", fault.String())
			return fault, nil
		}
		n := min(length-d.NumValid, int(paging.PageSize-(gla&paging.PageMask)))
		if err := mem.ReadGuest(gpa, d.Inst[d.NumValid:d.NumValid+n]); err != nil {
			return nil, fmt.Errorf("fetch gpa 0x%x: %w: %w", gpa, vieerrors.ErrFGuestMemory, err)
		}
		d.NumValid += n
	}
	log.Trace(log.VieFetch, "fetched", "rip", fmt.Sprintf("0x%x", rip), "inst", fmt.Sprintf("%x", d.Bytes()))
	return nil, d.advance(StateFetched)
}

// FetchDecode initializes d, fetches length bytes at rip and decodes them
// for mode. gla is the hardware-reported operand address or InvalidGLA.
func FetchDecode(mem paging.GuestMemory, tr *paging.Translator, pctx paging.Context, rip uint64, length int, mode CPUMode, gla uint64, regs RegisterAccess, d *Descriptor) (*guestfault.Fault, error) {
	Init(d)
	fault, err := Fetch(mem, tr, pctx, rip, length, d)
	if err != nil || fault != nil {
		return fault, err
	}
	return nil, Decode(d, mode, gla, regs)
}
