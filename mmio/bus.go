package mmio

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/trace"
	"github.com/colorfulnotion/vmmemul/vie"
	"github.com/colorfulnotion/vmmemul/vieerrors"
	"golang.org/x/exp/slices"
)

type region struct {
	base uint64
	size uint64
	dev  Device
}

func (r region) end() uint64 { return r.base + r.size }

// Bus routes guest physical accesses to device regions, falling back to RAM
// for addresses no device claims.
type Bus struct {
	RAM *GuestRAM

	mu      sync.RWMutex
	regions []region // sorted by base, non-overlapping
}

func NewBus(ram *GuestRAM) *Bus {
	return &Bus{RAM: ram}
}

// RegisterDevice claims [base, base+size) for dev.
func (b *Bus) RegisterDevice(base, size uint64, dev Device) error {
	if size == 0 || base+size < base {
		return fmt.Errorf("%s at 0x%x size 0x%x: %w", dev.Name(), base, size, vieerrors.ErrMOutOfRange)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r := region{base: base, size: size, dev: dev}
	i, _ := slices.BinarySearchFunc(b.regions, base, func(e region, t uint64) int {
		switch {
		case e.base < t:
			return -1
		case e.base > t:
			return 1
		}
		return 0
	})
	if i > 0 && b.regions[i-1].end() > base {
		return fmt.Errorf("%s overlaps %s: %w", dev.Name(), b.regions[i-1].dev.Name(), vieerrors.ErrMOverlap)
	}
	if i < len(b.regions) && b.regions[i].base < r.end() {
		return fmt.Errorf("%s overlaps %s: %w", dev.Name(), b.regions[i].dev.Name(), vieerrors.ErrMOverlap)
	}
	b.regions = slices.Insert(b.regions, i, r)
	log.Debug(log.MMIO, "device registered", "name", dev.Name(), "base", fmt.Sprintf("0x%x", base), "size", size)
	return nil
}

// lookup returns the region containing gpa.
func (b *Bus) lookup(gpa uint64) (region, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, found := slices.BinarySearchFunc(b.regions, gpa, func(e region, t uint64) int {
		switch {
		case e.end() <= t:
			return -1
		case e.base > t:
			return 1
		}
		return 0
	})
	if !found {
		return region{}, false
	}
	return b.regions[i], true
}

// DeviceAt returns the device whose region contains gpa.
func (b *Bus) DeviceAt(gpa uint64) (Device, bool) {
	r, ok := b.lookup(gpa)
	return r.dev, ok
}

// Devices lists the registered device names in address order.
func (b *Bus) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.regions))
	for _, r := range b.regions {
		names = append(names, r.dev.Name())
	}
	return names
}

// Recorder collects the accesses a bus performs. *trace.Record implements
// it; pass one as the emulator's opaque argument to capture them.
type Recorder interface {
	AddAccess(vcpu int, gpa uint64, size int, val uint64, dir string)
}

func record(arg any, vcpu int, gpa uint64, size int, val uint64, dir string) {
	if rec, ok := arg.(Recorder); ok {
		rec.AddAccess(vcpu, gpa, size, val, dir)
	}
}

// BusRead is the emulator read callback for a Bus.
func BusRead(b *Bus, vcpu int, gpa uint64, size int, arg any) (uint64, error) {
	var (
		val uint64
		err error
	)
	if r, ok := b.lookup(gpa); ok {
		if gpa+uint64(size) > r.end() {
			return 0, fmt.Errorf("%s: read 0x%x size %d crosses region end: %w", r.dev.Name(), gpa, size, vieerrors.ErrMOutOfRange)
		}
		val, err = r.dev.Read(vcpu, gpa-r.base, size)
	} else {
		val, err = b.RAM.ReadUint(gpa, size)
	}
	if err != nil {
		return 0, err
	}
	log.Trace(log.MMIO, "read", "vcpu", vcpu, "gpa", fmt.Sprintf("0x%x", gpa), "size", size, "val", fmt.Sprintf("0x%x", val))
	record(arg, vcpu, gpa, size, val, trace.DirRead)
	return val, nil
}

// BusWrite is the emulator write callback for a Bus.
func BusWrite(b *Bus, vcpu int, gpa uint64, val uint64, size int, arg any) error {
	var err error
	if r, ok := b.lookup(gpa); ok {
		if gpa+uint64(size) > r.end() {
			return fmt.Errorf("%s: write 0x%x size %d crosses region end: %w", r.dev.Name(), gpa, size, vieerrors.ErrMOutOfRange)
		}
		err = r.dev.Write(vcpu, gpa-r.base, val, size)
	} else {
		err = b.RAM.WriteUint(gpa, val, size)
	}
	if err != nil {
		return err
	}
	log.Trace(log.MMIO, "write", "vcpu", vcpu, "gpa", fmt.Sprintf("0x%x", gpa), "size", size, "val", fmt.Sprintf("0x%x", val))
	record(arg, vcpu, gpa, size, val, trace.DirWrite)
	return nil
}

// Region is the memory region the emulator drives a Bus through.
var Region = vie.MemRegion[*Bus]{Read: BusRead, Write: BusWrite}
