package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/vie"
	"github.com/dop251/goja"
)

// decodeResult is what the decode command and the console's decode()
// report for one instruction.
type decodeResult struct {
	Op       string `json:"op"`
	OpSize   int    `json:"op_size"`
	AddrSize int    `json:"addr_size"`
	Length   int    `json:"length"`
	Text     string `json:"text"`
	Asm      string `json:"asm"`
}

func decodeHex(s string, mode vie.CPUMode) (*vie.Descriptor, error) {
	b, err := parseBytes(s)
	if err != nil {
		return nil, err
	}
	var d vie.Descriptor
	if err := vie.Load(&d, b); err != nil {
		return nil, err
	}
	if err := vie.DecodeBytes(&d, mode); err != nil {
		return &d, err
	}
	return &d, nil
}

func describe(d *vie.Descriptor) decodeResult {
	return decodeResult{
		Op:       d.Op.Type.String(),
		OpSize:   d.OpSize,
		AddrSize: d.AddrSize,
		Length:   d.Length(),
		Text:     d.String(),
		Asm:      d.Disasm(),
	}
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// newConsole builds the JavaScript runtime behind the repl. m may be nil, in
// which case only decode() is useful.
func newConsole(m *Machine, mode vie.CPUMode, out io.Writer) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	set := func(name string, fn any) error {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		return nil
	}
	needMachine := func() error {
		if m == nil {
			return fmt.Errorf("no scenario loaded")
		}
		return nil
	}

	fns := map[string]any{
		"print": func(args ...goja.Value) {
			for _, arg := range args {
				fmt.Fprintln(out, arg.Export())
			}
		},
		"decode": func(inst string) (decodeResult, error) {
			d, err := decodeHex(inst, mode)
			if err != nil {
				return decodeResult{}, err
			}
			return describe(d), nil
		},
		"disasm": func(inst string) (string, error) {
			b, err := parseBytes(inst)
			if err != nil {
				return "", err
			}
			return vie.Disassemble(b, mode), nil
		},
		"translate": func(gla, access string) (map[string]string, error) {
			if err := needMachine(); err != nil {
				return nil, err
			}
			addr, err := parseAddr(gla)
			if err != nil {
				return nil, err
			}
			acc, err := guestfault.ParseAccess(access)
			if err != nil {
				return nil, err
			}
			gpa, fault, err := m.Translate(addr, acc)
			if err != nil {
				return nil, err
			}
			if fault != nil {
				return map[string]string{"fault": fault.String()}, nil
			}
			return map[string]string{"gpa": fmt.Sprintf("0x%x", gpa)}, nil
		},
		"regs": func() (map[string]string, error) {
			if err := needMachine(); err != nil {
				return nil, err
			}
			regs := make(map[string]string)
			for name, v := range m.Regs.NonZero() {
				regs[name] = fmt.Sprintf("0x%x", v)
			}
			return regs, nil
		},
		"run": func() (int, error) {
			if err := needMachine(); err != nil {
				return 0, err
			}
			results, err := m.Run(context.Background(), out, nil)
			return len(results), err
		},
	}
	for name, fn := range fns {
		if err := set(name, fn); err != nil {
			return nil, err
		}
	}
	return vm, nil
}

func runREPL(m *Machine, mode vie.CPUMode, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "vie> ",
		HistoryFile: history,
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	vm, err := newConsole(m, mode, rl.Stdout())
	if err != nil {
		return err
	}

	fmt.Fprintln(rl.Stdout(), "vie console: decode(\"48 89 07\"), disasm(hex), translate(gla, \"rw\"), regs(), run(); exit to quit")
	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		value, err := vm.RunString(line)
		if err != nil {
			fmt.Fprintln(rl.Stdout(), "error:", err)
			continue
		}
		if value != nil && !goja.IsUndefined(value) {
			fmt.Fprintln(rl.Stdout(), value.Export())
		}
	}
}
