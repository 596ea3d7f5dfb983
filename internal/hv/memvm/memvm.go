// Package memvm is an in-memory implementation of the hv interfaces. It
// gives loaders a guest-physical address space and a register file without a
// hypervisor, which is what the dry-run path and the loader tests run
// against. Nothing executes: Run reports a halted machine immediately,
// leaving the staged state open for inspection.
package memvm

import (
	"context"
	"fmt"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
)

type Machine struct {
	mem  []byte
	base uint64

	vcpu *vcpu

	devices []hv.Device
}

type vcpu struct {
	m *Machine

	regs map[hv.Register]uint64
	sys  hv.SystemState

	codeSelector uint16
	dataSelector uint16
	longMode     bool
}

// New returns a machine with size bytes of guest memory starting at guest
// physical address base and a single vCPU with a zeroed register file.
func New(base, size uint64) *Machine {
	m := &Machine{
		mem:  make([]byte, size),
		base: base,
	}
	m.vcpu = &vcpu{
		m:    m,
		regs: make(map[hv.Register]uint64),
	}
	return m
}

// SeedSystemState overwrites the vCPU's system registers. Tests use this to
// model firmware-configured state that a loader must preserve.
func (m *Machine) SeedSystemState(sys hv.SystemState) {
	m.vcpu.sys = sys
}

// SystemState returns the vCPU's current system registers.
func (m *Machine) SystemState() hv.SystemState {
	return m.vcpu.sys
}

// LongMode reports whether SetLongMode was applied, and with which
// selectors.
func (m *Machine) LongMode() (codeSelector, dataSelector uint16, ok bool) {
	return m.vcpu.codeSelector, m.vcpu.dataSelector, m.vcpu.longMode
}

func (m *Machine) Hypervisor() hv.Hypervisor { return nil }
func (m *Machine) MemorySize() uint64        { return uint64(len(m.mem)) }
func (m *Machine) MemoryBase() uint64        { return m.base }
func (m *Machine) Close() error              { return nil }

func (m *Machine) ReadAt(p []byte, off int64) (n int, err error) {
	gpa := uint64(off)
	if gpa < m.base || gpa >= m.base+uint64(len(m.mem)) {
		return 0, fmt.Errorf("memvm: ReadAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(p, m.mem[gpa-m.base:])
	if n < len(p) {
		err = fmt.Errorf("memvm: ReadAt short read")
	}

	return n, err
}

func (m *Machine) WriteAt(p []byte, off int64) (n int, err error) {
	gpa := uint64(off)
	if gpa < m.base || gpa >= m.base+uint64(len(m.mem)) {
		return 0, fmt.Errorf("memvm: WriteAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(m.mem[gpa-m.base:], p)
	if n < len(p) {
		err = fmt.Errorf("memvm: WriteAt short write")
	}

	return n, err
}

func (m *Machine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("memvm: RunConfig is nil")
	}
	return cfg.Run(ctx, m.vcpu)
}

func (m *Machine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id != 0 {
		return fmt.Errorf("memvm: no vCPU %d found", id)
	}
	return f(m.vcpu)
}

func (m *Machine) AddDevice(dev hv.Device) error {
	m.devices = append(m.devices, dev)
	return dev.Init(m)
}

var (
	_ hv.VirtualMachine = &Machine{}
)

func (v *vcpu) ID() int                           { return 0 }
func (v *vcpu) VirtualMachine() hv.VirtualMachine { return v.m }

func (v *vcpu) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		v64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("memvm: unsupported register value %T", val)
		}

		switch reg {
		case hv.RegisterAMD64Cr0:
			v.sys.CR0 = uint64(v64)
		case hv.RegisterAMD64Cr3:
			v.sys.CR3 = uint64(v64)
		case hv.RegisterAMD64Cr4:
			v.sys.CR4 = uint64(v64)
		case hv.RegisterAMD64Efer:
			v.sys.EFER = uint64(v64)
		default:
			v.regs[reg] = uint64(v64)
		}
	}
	return nil
}

func (v *vcpu) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch reg {
		case hv.RegisterAMD64Cr0:
			regs[reg] = hv.Register64(v.sys.CR0)
		case hv.RegisterAMD64Cr3:
			regs[reg] = hv.Register64(v.sys.CR3)
		case hv.RegisterAMD64Cr4:
			regs[reg] = hv.Register64(v.sys.CR4)
		case hv.RegisterAMD64Efer:
			regs[reg] = hv.Register64(v.sys.EFER)
		default:
			regs[reg] = hv.Register64(v.regs[reg])
		}
	}
	return nil
}

// Run implements hv.VirtualCPU. No instructions execute; the machine
// reports an immediate halt so callers can inspect the staged state.
func (v *vcpu) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return hv.ErrVMHalted
}

// SetLongMode implements hv.VirtualCPUAmd64.
func (v *vcpu) SetLongMode(
	transition func(prev hv.SystemState) hv.SystemState,
	codeSelector, dataSelector uint16,
) error {
	v.sys = transition(v.sys)
	v.codeSelector = codeSelector
	v.dataSelector = dataSelector
	v.longMode = true
	return nil
}

var (
	_ hv.VirtualCPU      = &vcpu{}
	_ hv.VirtualCPUAmd64 = &vcpu{}
)
