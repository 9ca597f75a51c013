// vietool decodes, translates and emulates guest instructions with the
// MMIO emulation core, either one at a time or from a scenario file.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/colorfulnotion/vmmemul/guestfault"
	"github.com/colorfulnotion/vmmemul/log"
	"github.com/colorfulnotion/vmmemul/trace"
	"github.com/colorfulnotion/vmmemul/vie"
	"github.com/colorfulnotion/vmmemul/vieerrors"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "vietool",
		Short: "x86-64 instruction decode, guest page walk and MMIO emulation",
		Long: `vietool drives the instruction emulation core: decode raw instruction
bytes, walk guest page tables and replay MMIO exits described in a JSON
scenario against simulated devices.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	var (
		logLevel     string
		debugModules string
		cpuMode      string
		tracePath    string
		otlpEndpoint string
		access       string
	)

	initLogging := func() {
		log.InitLogger(logLevel)
		log.EnableModules(debugModules)
	}
	mode := func() vie.CPUMode {
		m, err := vie.ParseCPUMode(cpuMode)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		return m
	}

	// Decode command - decodes one instruction
	var decodeCmd = &cobra.Command{
		Use:   "decode <hex bytes>",
		Short: "Decode one instruction and print its descriptor",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			d, err := decodeHex(strings.Join(args, ""), mode())
			if err != nil {
				fmt.Printf("decode failed: %s (%v)\n", vieerrors.GetErrorCodeWithName(err), err)
				os.Exit(1)
			}
			fmt.Println(d.Tree().String())
			fmt.Print(vie.Disassemble(d.Bytes(), d.Mode))
		},
	}

	// Translate command - walks the scenario's page tables
	var translateCmd = &cobra.Command{
		Use:   "translate <scenario.json> <gla>",
		Short: "Translate a guest linear address under a scenario's paging context",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			m := buildMachine(args[0])
			gla, err := parseAddr(args[1])
			if err != nil {
				fmt.Printf("invalid address %q: %v\n", args[1], err)
				os.Exit(1)
			}
			acc, err := guestfault.ParseAccess(access)
			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			gpa, fault, err := m.Translate(gla, acc)
			switch {
			case err != nil:
				fmt.Printf("translation failed: %v\n", err)
				os.Exit(1)
			case fault != nil:
				fmt.Printf("0x%x -> %s\n", gla, fault)
			default:
				fmt.Printf("0x%x -> 0x%x\n", gla, gpa)
			}
		},
	}
	translateCmd.Flags().StringVar(&access, "access", "r", "Access intent: any of r, w, x")

	// Emulate command - replays the scenario's exits
	var emulateCmd = &cobra.Command{
		Use:   "emulate <scenario.json>",
		Short: "Replay the MMIO exits of a scenario",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			if err := emulate(args[0], tracePath, otlpEndpoint); err != nil {
				fmt.Printf("emulation failed: %v\n", err)
				if vieerrors.IsUnsupported(err) {
					fmt.Println("instruction is outside the emulated subset")
				}
				os.Exit(1)
			}
		},
	}
	emulateCmd.Flags().StringVar(&tracePath, "trace", "", "Write a JSON Lines record per exit to this file (- for stdout)")
	emulateCmd.Flags().StringVar(&otlpEndpoint, "otlp", "", "Export spans to an OTLP/HTTP collector (host:port)")

	// Repl command - interactive JavaScript console
	var scenarioPath string
	var replCmd = &cobra.Command{
		Use:   "repl",
		Short: "Interactive console with decode(), translate(), regs() and run()",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			var m *Machine
			if scenarioPath != "" {
				m = buildMachine(scenarioPath)
			}
			history := filepath.Join(os.TempDir(), "vietool_history.txt")
			if err := runREPL(m, mode(), history); err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
		},
	}
	replCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario to load into the console")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&debugModules, "debug", "", "Modules to enable trace/debug logging for (comma separated, or all)")
	rootCmd.PersistentFlags().StringVar(&cpuMode, "mode", "64bit", "CPU mode for decode and repl: 64bit or compat")

	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(emulateCmd)
	rootCmd.AddCommand(replCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func buildMachine(path string) *Machine {
	s, err := LoadScenario(path)
	if err != nil {
		fmt.Printf("load scenario: %v\n", err)
		os.Exit(1)
	}
	m, err := s.Build()
	if err != nil {
		fmt.Printf("build scenario: %v\n", err)
		os.Exit(1)
	}
	return m
}

func emulate(path, tracePath, otlpEndpoint string) error {
	ctx := context.Background()
	if otlpEndpoint != "" {
		shutdown, err := setupTracing(ctx, otlpEndpoint)
		if err != nil {
			return err
		}
		defer shutdown(ctx)
	}
	m := buildMachine(path)

	var records trace.Writer
	switch tracePath {
	case "":
	case "-":
		w := trace.NewJSONLWriterStdout()
		defer w.Close()
		records = w
	default:
		w, err := trace.NewJSONLWriterFile(tracePath)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer w.Close()
		records = w
	}

	_, err := m.Run(ctx, os.Stdout, records)
	fmt.Print(m.Regs.Dump())
	return err
}
