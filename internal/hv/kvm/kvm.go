//go:build linux && amd64

// Package kvm is the Linux KVM backend for launching keeps. It owns the
// /dev/kvm plumbing: VM and vCPU lifecycle, guest memory mapping, the run
// loop, and the optional SEV launch sequence.
package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// set immediate_exit to request vCPU exit
	run.immediate_exit = 1

	// send signal to the vCPU thread to interrupt it
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv         *hypervisor
	vmFd       int
	vcpus      map[int]*virtualCPU
	memMu      sync.RWMutex
	memory     []byte
	memoryBase uint64
	devices    []hv.Device

	sev *sevContext
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64        { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AddDevice implements hv.VirtualMachine.
func (v *virtualMachine) AddDevice(dev hv.Device) error {
	v.devices = append(v.devices, dev)
	return dev.Init(v)
}

// Close implements hv.VirtualMachine.
// Cleanup is performed asynchronously in a background goroutine to avoid
// blocking on kernel resource cleanup (which can take 10-20ms on Linux).
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.memMu.Unlock()

	vmFd := v.vmFd
	v.vmFd = -1

	sev := v.sev
	v.sev = nil

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}

	go func() {
		for _, vcpu := range vcpus {
			if err := unix.Close(vcpu.fd); err != nil {
				slog.Error("kvm: close vcpu fd", "error", err)
			}
			if err := unix.Munmap(vcpu.run); err != nil {
				slog.Error("kvm: munmap vcpu run", "error", err)
			}
		}

		if mem != nil {
			if err := unix.Munmap(mem); err != nil {
				slog.Error("kvm: munmap memory", "error", err)
			}
		}

		if sev != nil {
			sev.close()
		}

		if vmFd >= 0 {
			if err := unix.Close(vmFd); err != nil {
				slog.Error("kvm: close vm fd", "error", err)
			}
		}
	}()

	return nil
}

// Run implements hv.VirtualMachine.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	vcpu, ok := v.vcpus[0]
	if !ok {
		return fmt.Errorf("kvm: no vCPU 0 found")
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- cfg.Run(ctx, vcpu)
	}

	return <-done
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(p, v.memory[gpa-v.memoryBase:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(v.memory[gpa-v.memoryBase:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int

	supportedCpuidOnce sync.Once
	supportedCpuid     *kvmCPUID2
	supportedCpuidErr  error
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hv:    h,
		vcpus: make(map[int]*virtualCPU),
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm.vmFd = vmFd

	if err := h.archVMInit(vm, config); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("VM callback OnCreateVM: %w", err)
	}

	// Allocate guest memory
	if config.MemorySize() == 0 {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	vm.memory = mem
	vm.memoryBase = config.MemoryBase()

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase(),
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	// A keep runs on a single logical processor until it brings up the rest
	// of the machine itself.
	if config.CPUCount() != 1 {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}

	if err := vm.sevLaunchStart(config); err != nil {
		unix.Close(vmFd)
		return nil, err
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := 0; i < config.CPUCount(); i++ {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		if err := h.archVCPUInit(vm, vcpuFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("initialize vCPU: %w", err)
		}

		go vcpu.start()

		if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			return nil, fmt.Errorf("VM callback OnCreateVCPU %d: %w", i, err)
		}
	}

	// Run Loader
	loader := config.Loader()

	if loader != nil {
		if err := loader.Load(vm); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("load VM: %w", err)
		}
	}

	// Guest memory is final at this point. For SEV guests that is the moment
	// the initial image is encrypted and measured.
	if err := vm.sevLaunchFinish(); err != nil {
		unix.Close(vmFd)
		return nil, err
	}

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	for _, cap := range []struct {
		id   uint32
		name string
	}{
		{kvmCapUserMemory, "KVM_CAP_USER_MEMORY"},
		{kvmCapImmediateExit, "KVM_CAP_IMMEDIATE_EXIT"},
	} {
		ok, err := checkExtension(fd, cap.id)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("check extension %s: %w", cap.name, err)
		}
		if ok == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("kvm: missing required extension %s", cap.name)
		}
	}

	return &hypervisor{fd: fd}, nil
}
