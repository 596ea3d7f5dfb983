// Command keepldr prepares and launches SEV keeps.
//
//	keepldr probe
//	keepldr plan  -shim shim.elf [-cbit N] [-diagnostics]
//	keepldr run   -config keep.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	keepldr "github.com/matt-ross16/enarx-keepldr"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keepldr: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dbg := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,

		// Drop timestamps when writing to a terminal.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && term.IsTerminal(int(os.Stderr.Fd())) {
				return slog.Attr{}
			}
			return a
		},
	})))

	args := flag.Args()
	if len(args) < 1 {
		usage()
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "probe":
		return runProbe(args[1:])
	case "plan":
		return runPlan(args[1:])
	case "run":
		return runKeep(args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: keepldr [-debug] <command> [flags]

commands:
  probe   report this host's SEV and hypervisor capabilities
  plan    stage a keep in memory and print the computed boot plan
  run     launch a keep under the host hypervisor
`)
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	report := keepldr.Probe()

	fmt.Printf("hypervisor:        %v\n", report.Hypervisor)
	fmt.Printf("kvm_amd sev:       %v\n", report.Host.ModuleEnabled)
	fmt.Printf("sev firmware:      %v\n", report.Host.Firmware)
	fmt.Printf("cpu sev support:   %v\n", report.Features.Supported)
	if report.Features.Supported {
		fmt.Printf("c-bit position:    %d\n", report.Features.CBit)
	}
	fmt.Printf("encryption active: %v\n", report.Features.Active())

	return nil
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	shimPath := fs.String("shim", "", "path of the shim image")
	cbit := fs.Uint("cbit", 0, "stage with an encryption mask at this C-bit position")
	diagnostics := fs.Bool("diagnostics", false, "use the diagnostics boot stack")
	memoryMB := fs.Uint64("memory", 128, "guest memory in MiB")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *shimPath == "" {
		return fmt.Errorf("plan: -shim is required")
	}
	if *cbit > 63 {
		return fmt.Errorf("plan: C-bit position %d out of range", *cbit)
	}

	image, err := loadImage(*shimPath)
	if err != nil {
		return err
	}

	var mask uint64
	if *cbit != 0 {
		mask = 1 << *cbit
	}

	plan, err := keepldr.DryRun(keepldr.NewLoader(image, mask, *diagnostics), *memoryMB<<20)
	if err != nil {
		return err
	}

	fmt.Printf("encryption mask: %#x\n", plan.Mask)
	fmt.Printf("table root:      %#x\n", plan.TableRoot)
	fmt.Printf("identity spans:  %d\n", plan.IdentitySpans)
	fmt.Printf("load slide:      %#x\n", plan.Slide)
	fmt.Printf("entry:           %#x\n", plan.EntryVA)
	fmt.Printf("boot info:       %#x\n", plan.BootInfoVA)
	fmt.Printf("stack top:       %#x\n", plan.StackTopVA)
	if plan.MetaVA != 0 {
		fmt.Printf("relocations:     %#x\n", plan.MetaVA)
	}

	return nil
}

func runKeep(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path of the keep configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("run: -config is required")
	}

	cfg, err := keepldr.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	image, err := loadImage(cfg.Shim)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return keepldr.Launch(ctx, cfg, image, os.Stdout)
}

// loadImage reads a shim binary, accepting either an ELF or a flat image
// linked at zero.
func loadImage(path string) (keepldr.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keepldr.Image{}, fmt.Errorf("read shim image: %w", err)
	}

	if len(data) >= 4 && string(data[:4]) == "\x7fELF" {
		return keepldr.ParseELF(data)
	}

	return keepldr.Image{Data: data}, nil
}
