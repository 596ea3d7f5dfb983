// Package keepldr prepares and launches confidential-computing "keeps":
// AMD SEV guests whose first instruction already runs in 64-bit long mode
// behind C-bit-tagged page tables, with the shim's boot arguments in place.
//
// The heavy lifting lives in internal packages; this package re-exports the
// types a caller composes and the two entry points: DryRun, which stages a
// keep against an in-memory machine and reports the computed plan, and (on
// Linux/amd64) Launch, which runs the keep under KVM.
package keepldr

import (
	"context"
	"errors"
	"fmt"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"github.com/matt-ross16/enarx-keepldr/internal/hv/memvm"
	"github.com/matt-ross16/enarx-keepldr/internal/keepcfg"
	"github.com/matt-ross16/enarx-keepldr/internal/sev"
	"github.com/matt-ross16/enarx-keepldr/internal/shim"
)

// Image describes the shim binary placed into guest memory.
type Image = shim.Image

// Loader stages a keep and enters it.
type Loader = shim.Loader

// Plan is the computed initial state of a keep.
type Plan = shim.Plan

// Relocator corrects position-dependent references for the final address
// space.
type Relocator = shim.Relocator

// Features is the detected SEV state of a platform.
type Features = sev.Features

// Config describes one keep.
type Config = keepcfg.Config

// VirtStart is the virtual base of the shim's high window.
const VirtStart = shim.VirtStart

var (
	// ErrVMHalted reports that the keep executed to a halt.
	ErrVMHalted = hv.ErrVMHalted

	// ErrHypervisorUnsupported reports that this host cannot run keeps.
	ErrHypervisorUnsupported = hv.ErrHypervisorUnsupported
)

// HostReport is what Probe learns about this machine.
type HostReport struct {
	// Hypervisor means a virtual machine can be created at all.
	Hypervisor bool

	// Host is the kernel-side SEV state.
	Host sev.HostStatus

	// Features is the SEV state a keep launched right now would detect.
	Features sev.Features
}

// ParseELF builds an Image from a position-independent ELF shim binary.
func ParseELF(data []byte) (Image, error) {
	return shim.ParseELF(data)
}

// LoadConfig reads a keep configuration file from disk.
func LoadConfig(path string) (Config, error) {
	return keepcfg.Load(path)
}

// Guest-physical placement used by NewLoader. The low megabyte holds the
// tables, the boot stack and the boot-info page; the image loads above it.
const (
	tableBase    = 0x1000
	bootInfoBase = 0x6000
	stackBase    = 0x8000
	loadBase     = 0x10_0000
)

// NewLoader places an image at the default guest-physical layout.
func NewLoader(image Image, mask uint64, diagnostics bool) *Loader {
	return &Loader{
		Image:        image,
		Mask:         mask,
		LoadBase:     loadBase,
		TableBase:    tableBase,
		StackBase:    stackBase,
		BootInfoBase: bootInfoBase,
		Diagnostics:  diagnostics,
	}
}

// DryRun stages the keep against an in-memory machine: guest memory is
// written, the long-mode transition and handoff registers are applied, and
// the resulting plan is returned without executing anything. It works on
// every platform and with any encryption mask.
func DryRun(loader *Loader, memorySize uint64) (Plan, error) {
	plan, err := loader.Plan()
	if err != nil {
		return Plan{}, err
	}

	vm := memvm.New(0, memorySize)

	if err := loader.Load(vm); err != nil {
		return Plan{}, err
	}

	if err := vm.Run(context.Background(), loader); !errors.Is(err, hv.ErrVMHalted) {
		return Plan{}, fmt.Errorf("keepldr: dry run: %w", err)
	}

	return plan, nil
}
