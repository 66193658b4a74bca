// Praxis CLI - loads a compiled program and executes it in the VM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/praxislang/praxis/bytecode"
	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/dis"
	"github.com/praxislang/praxis/value"
	"github.com/praxislang/praxis/vm"
	"github.com/rs/zerolog"
)

var version = "dev"

func fatal(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.RedString(format, args...))
	os.Exit(1)
}

func main() {
	disassemble := flag.Bool("dis", false, "Disassemble the program instead of running it")
	configPath := flag.String("config", "", "Path to a TOML runtime configuration")
	tierFlag := flag.String("tier", "", "Trust tier: formal, verified, empirical, experimental")
	logLevel := flag.String("log-level", "warn", "Log level: trace, debug, info, warn, error")
	timing := flag.Bool("timing", false, "Show execution time")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: praxis [options] program.pxc\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Praxis program.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  praxis program.pxc                 # Run with defaults\n")
		fmt.Fprintf(os.Stderr, "  praxis -dis program.pxc            # Disassemble\n")
		fmt.Fprintf(os.Stderr, "  praxis -config runtime.toml program.pxc\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Println("praxis", version)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fatal("error reading program: %v", err)
	}
	program, err := bytecode.Unmarshal(data)
	if err != nil {
		fatal("error loading program: %v", err)
	}

	if *disassemble {
		if err := dis.PrintProgram(program, os.Stdout); err != nil {
			fatal("error disassembling program: %v", err)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("error loading config: %v", err)
	}
	tierName := cfg.Tier
	if *tierFlag != "" {
		tierName = *tierFlag
	}
	tier := capability.Empirical
	if tierName != "" {
		tier, err = capability.ParseTier(tierName)
		if err != nil {
			fatal("%v", err)
		}
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fatal("%v", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	registry, granted := cfg.buildRegistry()

	machine, err := vm.New(program,
		vm.WithLimits(cfg.limits()),
		vm.WithTrustTier(tier),
		vm.WithRegistry(registry),
		vm.WithCapabilities(granted...),
		vm.WithLogger(logger),
		vm.WithHostFunction(0, hostPrint),
	)
	if err != nil {
		fatal("error preparing machine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	result, err := machine.Execute(ctx)
	elapsed := time.Since(start)
	if err != nil {
		fatal("%s", friendly(err))
	}
	if result.Kind() != value.KindNil {
		fmt.Println(machine.String(result))
	}
	if *timing {
		fmt.Fprintf(os.Stderr, "%v (%d ops)\n", elapsed, machine.OpsUsed())
	}
}

// hostPrint is host function 0: it prints its arguments to stdout separated
// by spaces. Which capability gates it is up to the compiled program.
func hostPrint(ctx context.Context, m *vm.Machine, args []value.Value) (value.Value, error) {
	for i, arg := range args {
		if i > 0 {
			fmt.Print(" ")
		}
		fmt.Print(m.String(arg))
	}
	fmt.Println()
	return value.Nil, nil
}
