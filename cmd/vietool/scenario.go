package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/mmio"
	"github.com/colorfulnotion/vmmemul/nptfault"
	"github.com/colorfulnotion/vmmemul/paging"
	"github.com/colorfulnotion/vmmemul/trace"
	"github.com/colorfulnotion/vmmemul/vie"
	"golang.org/x/exp/slices"
)

// Hex is a number written as a "0x" string in scenario files. Plain JSON
// numbers are accepted too.
type Hex uint64

func (h Hex) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

func (h *Hex) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n uint64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("hex value %s: %w", b, err)
		}
		*h = Hex(n)
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("hex value %q: %w", s, err)
	}
	*h = Hex(v)
	return nil
}

// parseBytes accepts "48 89 07", "488907" and "0x488907".
func parseBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Join(strings.Fields(s), "")
	return hex.DecodeString(s)
}

type PagingConfig struct {
	Mode         string `json:"mode"`
	CR3          Hex    `json:"cr3"`
	CPL          int    `json:"cpl"`
	WriteProtect bool   `json:"wp,omitempty"`
	NXE          bool   `json:"nxe,omitempty"`
	// TableLimit bounds the pages after CR3 used for tables built from
	// Mappings.
	TableLimit Hex `json:"table_limit,omitempty"`
}

type RAMConfig struct {
	GPA   Hex    `json:"gpa"`
	Size  Hex    `json:"size"`
	Bytes string `json:"bytes,omitempty"`
}

type MappingConfig struct {
	GLA   Hex    `json:"gla"`
	GPA   Hex    `json:"gpa"`
	Flags string `json:"flags,omitempty"` // any of "w", "u", "n"
}

type DeviceConfig struct {
	Name     string         `json:"name"`
	GPA      Hex            `json:"gpa"`
	Size     Hex            `json:"size"`
	Init     map[string]Hex `json:"init,omitempty"` // offset -> 8 byte value
	ReadOnly []Hex          `json:"read_only,omitempty"`
}

type ExitConfig struct {
	GPA  Hex    `json:"gpa"`
	GLA  *Hex   `json:"gla,omitempty"`
	Len  int    `json:"len"`
	Inst string `json:"inst,omitempty"`
}

// Expect lists values checked after every exit has been handled. Device
// values are keyed "name+offset" and compared at 8 bytes.
type Expect struct {
	Registers map[string]Hex `json:"registers,omitempty"`
	Devices   map[string]Hex `json:"devices,omitempty"`
}

// Scenario describes a guest, its devices and a sequence of MMIO exits.
type Scenario struct {
	CPUMode   string          `json:"cpu_mode"`
	Paging    PagingConfig    `json:"paging"`
	Registers map[string]Hex  `json:"registers"`
	RAM       []RAMConfig     `json:"ram,omitempty"`
	Mappings  []MappingConfig `json:"mappings,omitempty"`
	Devices   []DeviceConfig  `json:"devices,omitempty"`
	Exits     []ExitConfig    `json:"exits,omitempty"`
	Expect    *Expect         `json:"expect,omitempty"`
}

// String returns the scenario as indented JSON.
func (s *Scenario) String() string {
	jsonData, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling JSON: %v", err)
	}
	return string(jsonData)
}

func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

func parseFlags(s string) (uint64, error) {
	var flags uint64
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'w':
			flags |= paging.PTEWritable
		case 'u':
			flags |= paging.PTEUser
		case 'n':
			flags |= paging.PTENoExec
		default:
			return 0, fmt.Errorf("invalid mapping flag %q", c)
		}
	}
	return flags, nil
}

// Machine is a scenario made runnable.
type Machine struct {
	RAM     *mmio.GuestRAM
	Bus     *mmio.Bus
	Devices map[string]*mmio.RegisterFile
	Regs    *mmio.Registers
	VCPU    *nptfault.VCPU
	Handler *nptfault.Handler[*mmio.Bus]
	exits   []nptfault.Exit
	expect  *Expect
}

// Build creates guest memory, page tables, devices and registers.
func (s *Scenario) Build() (*Machine, error) {
	mode, err := vie.ParseCPUMode(s.CPUMode)
	if err != nil {
		return nil, err
	}
	pmode, err := paging.ParseMode(s.Paging.Mode)
	if err != nil {
		return nil, err
	}

	ram := mmio.NewGuestRAM()
	for _, r := range s.RAM {
		ram.Map(uint64(r.GPA), uint64(r.Size))
		if r.Bytes == "" {
			continue
		}
		b, err := parseBytes(r.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ram at 0x%x: %w", uint64(r.GPA), err)
		}
		if err := ram.WriteGuest(uint64(r.GPA), b); err != nil {
			return nil, err
		}
	}

	if len(s.Mappings) > 0 {
		if pmode != paging.Mode64 {
			return nil, fmt.Errorf("mappings need 64-bit paging, have %v", pmode)
		}
		limit := uint64(s.Paging.TableLimit)
		if limit == 0 {
			limit = uint64(s.Paging.CR3) + 0x100*paging.PageSize
		}
		pt := mmio.NewPageTables(ram, uint64(s.Paging.CR3), limit)
		for _, m := range s.Mappings {
			flags, err := parseFlags(m.Flags)
			if err != nil {
				return nil, err
			}
			if err := pt.Map(uint64(m.GLA), uint64(m.GPA), flags); err != nil {
				return nil, err
			}
		}
	}

	bus := mmio.NewBus(ram)
	devices := make(map[string]*mmio.RegisterFile)
	for _, dc := range s.Devices {
		dev := mmio.NewRegisterFile(dc.Name, uint64(dc.Size))
		for off, v := range dc.Init {
			o, err := strconv.ParseUint(off, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("device %s offset %q: %w", dc.Name, off, err)
			}
			if err := dev.Poke(o, uint64(v), 8); err != nil {
				return nil, err
			}
		}
		for _, off := range dc.ReadOnly {
			dev.SetReadOnly(uint64(off))
		}
		if err := bus.RegisterDevice(uint64(dc.GPA), uint64(dc.Size), dev); err != nil {
			return nil, err
		}
		devices[dc.Name] = dev
	}

	vals := make(map[string]uint64, len(s.Registers))
	for k, v := range s.Registers {
		vals[k] = uint64(v)
	}
	regs, err := mmio.RegistersFrom(vals)
	if err != nil {
		return nil, err
	}

	var exits []nptfault.Exit
	for _, ec := range s.Exits {
		exit := nptfault.Exit{GPA: uint64(ec.GPA), GLA: vie.InvalidGLA, InstLen: ec.Len}
		if ec.GLA != nil {
			exit.GLA = uint64(*ec.GLA)
		}
		if ec.Inst != "" {
			if exit.Inst, err = parseBytes(ec.Inst); err != nil {
				return nil, fmt.Errorf("exit inst %q: %w", ec.Inst, err)
			}
		}
		exits = append(exits, exit)
	}

	return &Machine{
		RAM:     ram,
		Bus:     bus,
		Devices: devices,
		Regs:    regs,
		VCPU: &nptfault.VCPU{
			Regs: regs,
			Mode: mode,
			Paging: paging.Context{
				CR3:          uint64(s.Paging.CR3),
				Mode:         pmode,
				CPL:          s.Paging.CPL,
				WriteProtect: s.Paging.WriteProtect,
				NXE:          s.Paging.NXE,
			},
		},
		Handler: nptfault.NewHandler(bus, paging.NewTranslator(ram), mmio.Region),
		exits:   exits,
		expect:  s.Expect,
	}, nil
}

// Translate resolves gla under the machine's paging context.
func (m *Machine) Translate(gla uint64, access guestfault.Access) (uint64, *guestfault.Fault, error) {
	return m.Handler.Translator.Translate(m.VCPU.Paging, gla, access)
}

// Run handles every exit in order and reports each outcome to out. It stops
// at the first error; guest faults are reported and the run continues.
func (m *Machine) Run(ctx context.Context, out io.Writer, records trace.Writer) ([]nptfault.Result, error) {
	if records != nil {
		m.Handler.Records = records
	}
	var results []nptfault.Result
	for i, exit := range m.exits {
		res, err := m.Handler.Handle(ctx, m.VCPU, exit)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("exit %d at gpa 0x%x: %w", i, exit.GPA, err)
		}
		switch {
		case res.Fault != nil:
			fmt.Fprintf(out, "exit %d: %s -> inject %s\n", i, res.Desc, res.Fault)
		case res.Repeat:
			fmt.Fprintf(out, "exit %d: %s -> repeat\n", i, res.Desc)
		default:
			fmt.Fprintf(out, "exit %d: %s\n", i, res.Desc)
		}
	}
	return results, m.check()
}

func (m *Machine) check() error {
	if m.expect == nil {
		return nil
	}
	var problems []string
	for name, want := range m.expect.Registers {
		reg, err := vie.ParseRegister(name)
		if err != nil {
			return err
		}
		if got := m.Regs.Get(reg); got != uint64(want) {
			problems = append(problems, fmt.Sprintf("%s = 0x%x, want 0x%x", name, got, uint64(want)))
		}
	}
	for key, want := range m.expect.Devices {
		name, off, ok := strings.Cut(key, "+")
		if !ok {
			return fmt.Errorf("device expectation %q is not name+offset", key)
		}
		dev, ok := m.Devices[name]
		if !ok {
			return fmt.Errorf("unknown device %q", name)
		}
		o, err := strconv.ParseUint(off, 0, 64)
		if err != nil {
			return fmt.Errorf("device expectation %q: %w", key, err)
		}
		got, err := dev.Peek(o, 8)
		if err != nil {
			return err
		}
		if got != uint64(want) {
			problems = append(problems, fmt.Sprintf("%s = 0x%x, want 0x%x", key, got, uint64(want)))
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("expectations failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
