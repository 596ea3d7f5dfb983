//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"github.com/matt-ross16/enarx-keepldr/internal/sev"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cpuid"
)

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64R8:     true,
		hv.RegisterAMD64R9:     true,
		hv.RegisterAMD64R10:    true,
		hv.RegisterAMD64R11:    true,
		hv.RegisterAMD64R12:    true,
		hv.RegisterAMD64R13:    true,
		hv.RegisterAMD64R14:    true,
		hv.RegisterAMD64R15:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cr0:  true,
		hv.RegisterAMD64Cr3:  true,
		hv.RegisterAMD64Cr4:  true,
		hv.RegisterAMD64Efer: true,
	}
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSpecialRegisters := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegularRegister = true
		} else if specialRegisters[reg] {
			hasSpecialRegisters = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg, val := range regs {
			if !regularRegisters[reg] {
				continue
			}

			v64 := uint64(val.(hv.Register64))
			switch reg {
			case hv.RegisterAMD64Rax:
				regularRegs.Rax = v64
			case hv.RegisterAMD64Rbx:
				regularRegs.Rbx = v64
			case hv.RegisterAMD64Rcx:
				regularRegs.Rcx = v64
			case hv.RegisterAMD64Rdx:
				regularRegs.Rdx = v64
			case hv.RegisterAMD64Rsi:
				regularRegs.Rsi = v64
			case hv.RegisterAMD64Rdi:
				regularRegs.Rdi = v64
			case hv.RegisterAMD64Rsp:
				regularRegs.Rsp = v64
			case hv.RegisterAMD64Rbp:
				regularRegs.Rbp = v64
			case hv.RegisterAMD64R8:
				regularRegs.R8 = v64
			case hv.RegisterAMD64R9:
				regularRegs.R9 = v64
			case hv.RegisterAMD64R10:
				regularRegs.R10 = v64
			case hv.RegisterAMD64R11:
				regularRegs.R11 = v64
			case hv.RegisterAMD64R12:
				regularRegs.R12 = v64
			case hv.RegisterAMD64R13:
				regularRegs.R13 = v64
			case hv.RegisterAMD64R14:
				regularRegs.R14 = v64
			case hv.RegisterAMD64R15:
				regularRegs.R15 = v64
			case hv.RegisterAMD64Rip:
				regularRegs.Rip = v64
			case hv.RegisterAMD64Rflags:
				regularRegs.Rflags = v64
			}
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		if val, ok := regs[hv.RegisterAMD64Cr0]; ok {
			specialRegs.Cr0 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Cr3]; ok {
			specialRegs.Cr3 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Cr4]; ok {
			specialRegs.Cr4 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Efer]; ok {
			specialRegs.Efer = uint64(val.(hv.Register64))
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSpecialRegisters := false

	for reg := range regs {
		if regularRegisters[reg] {
			hasRegularRegister = true
		} else if specialRegisters[reg] {
			hasSpecialRegisters = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Rax:
				regs[reg] = hv.Register64(regularRegs.Rax)
			case hv.RegisterAMD64Rbx:
				regs[reg] = hv.Register64(regularRegs.Rbx)
			case hv.RegisterAMD64Rcx:
				regs[reg] = hv.Register64(regularRegs.Rcx)
			case hv.RegisterAMD64Rdx:
				regs[reg] = hv.Register64(regularRegs.Rdx)
			case hv.RegisterAMD64Rsi:
				regs[reg] = hv.Register64(regularRegs.Rsi)
			case hv.RegisterAMD64Rdi:
				regs[reg] = hv.Register64(regularRegs.Rdi)
			case hv.RegisterAMD64Rsp:
				regs[reg] = hv.Register64(regularRegs.Rsp)
			case hv.RegisterAMD64Rbp:
				regs[reg] = hv.Register64(regularRegs.Rbp)
			case hv.RegisterAMD64R8:
				regs[reg] = hv.Register64(regularRegs.R8)
			case hv.RegisterAMD64R9:
				regs[reg] = hv.Register64(regularRegs.R9)
			case hv.RegisterAMD64R10:
				regs[reg] = hv.Register64(regularRegs.R10)
			case hv.RegisterAMD64R11:
				regs[reg] = hv.Register64(regularRegs.R11)
			case hv.RegisterAMD64R12:
				regs[reg] = hv.Register64(regularRegs.R12)
			case hv.RegisterAMD64R13:
				regs[reg] = hv.Register64(regularRegs.R13)
			case hv.RegisterAMD64R14:
				regs[reg] = hv.Register64(regularRegs.R14)
			case hv.RegisterAMD64R15:
				regs[reg] = hv.Register64(regularRegs.R15)
			case hv.RegisterAMD64Rip:
				regs[reg] = hv.Register64(regularRegs.Rip)
			case hv.RegisterAMD64Rflags:
				regs[reg] = hv.Register64(regularRegs.Rflags)
			}
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Cr0:
				regs[reg] = hv.Register64(specialRegs.Cr0)
			case hv.RegisterAMD64Cr3:
				regs[reg] = hv.Register64(specialRegs.Cr3)
			case hv.RegisterAMD64Cr4:
				regs[reg] = hv.Register64(specialRegs.Cr4)
			case hv.RegisterAMD64Efer:
				regs[reg] = hv.Register64(specialRegs.Efer)
			}
		}
	}

	return nil
}

// ReadMSR reads one model-specific register of this vCPU. It satisfies the
// feature detector's MSR source.
func (v *virtualCPU) ReadMSR(index uint32) (uint64, error) {
	return getMsr(v.fd, index)
}

func (v *virtualCPU) Run(ctx context.Context) error {
	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	// keep running the vCPU until the guest halts or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && (errors.Is(ctx.Err(), context.Canceled) ||
				errors.Is(ctx.Err(), context.DeadlineExceeded)) {
				return ctx.Err()
			}

			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		switch reason := kvmExitReason(run.exit_reason); reason {
		case kvmExitInternalError:
			err := (*internalError)(unsafe.Pointer(&run.anon0[0]))

			return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, err.Suberror)
		case kvmExitHlt:
			return hv.ErrVMHalted
		case kvmExitIo:
			ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

			if err := v.handleIO(ioData); err != nil {
				return err
			}
		case kvmExitShutdown:
			// A misconfigured keep triple-faults rather than reporting
			// anything; that is the fail-closed path.
			return hv.ErrVMHalted
		case kvmExitSystemEvent:
			system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
			switch system.typ {
			case kvmSystemEventShutdown:
				return hv.ErrVMHalted
			case kvmSystemEventSevTerm:
				return fmt.Errorf("kvm: vCPU %d: SEV guest requested termination", v.id)
			}
			return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
		default:
			return fmt.Errorf("kvm: vCPU %d exited with unknown reason %s", v.id, reason)
		}
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	for _, dev := range v.vm.devices {
		kvmIoPortDevice, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}

		for _, port := range kvmIoPortDevice.IOPorts() {
			if port != ioData.port {
				continue
			}

			data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

			if ioData.direction == 0 {
				if err := kvmIoPortDevice.ReadIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
				}
			} else {
				if err := kvmIoPortDevice.WriteIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no device handles I/O port 0x%04x", ioData.port)
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := h.supportedCPUID()
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU CPUID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func (h *hypervisor) supportedCPUID() (*kvmCPUID2, error) {
	h.supportedCpuidOnce.Do(func() {
		h.supportedCpuid, h.supportedCpuidErr = getSupportedCpuId(h.fd)
	})

	return h.supportedCpuid, h.supportedCpuidErr
}

// CPUIDSource is implemented by hypervisors that can report the CPUID
// surface their guests observe.
type CPUIDSource interface {
	SupportedCPUID() (cpuid.Static, error)
}

var (
	_ CPUIDSource = &hypervisor{}
)

// SupportedCPUID returns the CPUID function KVM exposes to guests on this
// host, as a static table the feature detector can query. Sub-leaf indices
// are ignored; none of the leaves the detector reads have sub-leaves.
func (h *hypervisor) SupportedCPUID() (cpuid.Static, error) {
	raw, err := h.supportedCPUID()
	if err != nil {
		return nil, err
	}

	static := make(cpuid.Static, raw.Nr)
	for _, entry := range raw.Entries[:raw.Nr] {
		in := cpuid.In{Eax: entry.Function, Ecx: entry.Index}
		static[in] = cpuid.Out{
			Eax: entry.Eax,
			Ebx: entry.Ebx,
			Ecx: entry.Ecx,
			Edx: entry.Edx,
		}
	}

	return static, nil
}

// SetLongMode implements hv.VirtualCPUAmd64. The transition function
// receives the sregs KVM reports for the freshly created vCPU so the caller
// can OR its bits into firmware-owned state instead of clobbering it.
func (vcpu *virtualCPU) SetLongMode(
	transition func(prev hv.SystemState) hv.SystemState,
	codeSelector, dataSelector uint16,
) error {
	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("kvm: get sregs: %w", err)
	}

	next := transition(hv.SystemState{
		CR0:  sregs.Cr0,
		CR3:  sregs.Cr3,
		CR4:  sregs.Cr4,
		EFER: sregs.Efer,
	})

	sregs.Cr0 = next.CR0
	sregs.Cr3 = next.CR3
	sregs.Cr4 = next.CR4
	sregs.Efer = next.EFER

	// 64-bit code segment (CS.L=1, D=0), flat data segments
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: codeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0    // data segments ignore L, keep conventional values
	data.Db = 1
	data.Selector = dataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(vcpu.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set sregs: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
	_ sev.MSR            = &virtualCPU{}
)
