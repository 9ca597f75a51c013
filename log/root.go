package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Modules gated by EnableModule. Trace and Debug records from a disabled
// module are dropped before reaching the handler.
const (
	VieDecode  = "vie_decode"
	VieEmulate = "vie_emulate"
	VieFetch   = "vie_fetch"
	Paging     = "paging"
	NPTFault   = "nptfault"
	MMIO       = "mmio"
)

var defaultKnownModules = []string{VieDecode, VieEmulate, VieFetch, Paging, NPTFault, MMIO}

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

// ParseLevel accepts the level names printed by LevelString, case
// insensitively, plus "warning" and "critical".
func ParseLevel(lvl string) (slog.Level, error) {
	name := strings.ToLower(lvl)
	switch name {
	case "warning":
		return LevelWarn, nil
	case "critical":
		return LevelCrit, nil
	}
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// InitLogger installs a terminal logger on stderr at logLevel.
func InitLogger(logLevel string) {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

// SetDefault sets the logger used by the package-level functions.
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return root.Load().(Logger)
}

// modules is read on every Trace/Debug call from any vCPU goroutine.
var modules = struct {
	sync.RWMutex
	enabled map[string]bool
}{enabled: make(map[string]bool)}

func setModule(module string, on bool) {
	modules.Lock()
	defer modules.Unlock()
	modules.enabled[module] = on
}

func EnableModule(module string)  { setModule(module, true) }
func DisableModule(module string) { setModule(module, false) }

// EnableModules enables a comma separated list of modules; "all" enables
// every known module.
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		switch m = strings.TrimSpace(m); m {
		case "":
		case "all":
			for _, known := range defaultKnownModules {
				EnableModule(known)
			}
		default:
			EnableModule(m)
		}
	}
}

func isModuleEnabled(module string) bool {
	modules.RLock()
	defer modules.RUnlock()
	return modules.enabled[module]
}

func Trace(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelTrace, module, msg, ctx...)
	}
}

func Debug(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelDebug, module, msg, ctx...)
	}
}

// Info, Warn and Error ignore the module filter.
func Info(module string, msg string, ctx ...any) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...any) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...any) {
	Root().Write(LevelError, module, msg, ctx...)
}
