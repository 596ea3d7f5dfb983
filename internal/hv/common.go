// Package hv abstracts the hypervisor surface the keep loader needs: a
// guest-physical address space, a single vCPU whose register file can be
// staged before the first entry, and a run loop that completes only when the
// guest halts.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 general-purpose registers.
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 system registers.
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer
)

// SystemState is the paging-relevant system register file of an amd64 vCPU.
//
// Backends hand the previous state to a transition function so callers can
// OR bits into whatever the hypervisor or firmware already configured
// instead of overwriting it.
type SystemState struct {
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64
}

// Long mode segment layout shared by every keep: null descriptor, 64-bit
// code at selector 0x8, flat data at selector 0x10.
const (
	SelectorCode64 uint16 = 0x8
	SelectorData   uint16 = 0x10
)

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetLongMode applies transition to the vCPU's current system state,
	// installs the result together with flat 64-bit segments, and leaves the
	// vCPU ready to fetch its first instruction in long mode. The transition
	// function sees the pre-existing register values.
	SetLongMode(
		transition func(prev SystemState) SystemState,
		codeSelector, dataSelector uint16,
	) error
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

// X86IOPortDevice handles port I/O exits, the only device surface a keep
// has before handoff (the debug console).
type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
