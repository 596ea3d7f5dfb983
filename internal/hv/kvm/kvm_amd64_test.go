//go:build linux && amd64

package kvm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"gvisor.dev/gvisor/pkg/cpuid"
)

// longModeLoader stages a tiny long-mode guest: an identity map of the first
// 2 MiB through one large page and a program placed at entry.
type longModeLoader struct {
	program []byte
	entry   uint64
}

const (
	testPml4 = 0x4000
	testPdpt = 0x5000
	testPd   = 0x6000
)

func (l *longModeLoader) Load(vm hv.VirtualMachine) error {
	table := make([]byte, 0x1000)

	binary.LittleEndian.PutUint64(table, testPdpt|0x3)
	if _, err := vm.WriteAt(table, testPml4); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(table, testPd|0x3)
	if _, err := vm.WriteAt(table, testPdpt); err != nil {
		return err
	}

	// Present, writable, 2 MiB page at physical zero.
	binary.LittleEndian.PutUint64(table, 0x83)
	if _, err := vm.WriteAt(table, testPd); err != nil {
		return err
	}

	if _, err := vm.WriteAt(l.program, int64(l.entry)); err != nil {
		return err
	}

	return nil
}

func (l *longModeLoader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return errors.New("vCPU is not amd64")
	}

	err := amd64.SetLongMode(func(prev hv.SystemState) hv.SystemState {
		return hv.SystemState{
			CR0:  prev.CR0 | 0x80000021, // PG | NE | PE
			CR3:  testPml4,
			CR4:  prev.CR4 | 0x20, // PAE
			EFER: prev.EFER | 0x500, // LMA | LME
		}
	}, hv.SelectorCode64, hv.SelectorData)
	if err != nil {
		return err
	}

	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(l.entry),
		hv.RegisterAMD64Rsp:    hv.Register64(0x8000),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	})
	if err != nil {
		return err
	}

	return vcpu.Run(ctx)
}

func TestRunLongModeHalt(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := longModeLoader{
		program: []byte{0xf4}, // hlt
		entry:   0x1000,
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0,
		VMLoader: &loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), &loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}
}

func TestRunLongModeIOPort(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := longModeLoader{
		program: []byte{
			0xb0, 'H', // mov al, 'H'
			0xe6, 0xe9, // out 0xe9, al
			0xb0, 'i', // mov al, 'i'
			0xe6, 0xe9, // out 0xe9, al
			0xf4, // hlt
		},
		entry: 0x1000,
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0,
		VMLoader: &loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	var out bytes.Buffer

	err = vm.AddDevice(hv.SimpleX86IOPortDevice{
		Ports: []uint16{0xe9},
		WriteFunc: func(port uint16, data []byte) error {
			out.Write(data)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Add I/O port device: %v", err)
	}

	err = vm.Run(context.Background(), &loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}

	if got := out.String(); got != "Hi" {
		t.Fatalf("I/O port device captured %q, want %q", got, "Hi")
	}
}

func TestSetLongModePreservesState(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			t.Fatalf("vCPU is not amd64")
		}

		var prev hv.SystemState

		err := amd64.SetLongMode(func(p hv.SystemState) hv.SystemState {
			prev = p
			return hv.SystemState{
				CR0:  p.CR0 | 0x80000021,
				CR3:  testPml4,
				CR4:  p.CR4 | 0x20,
				EFER: p.EFER | 0x500,
			}
		}, hv.SelectorCode64, hv.SelectorData)
		if err != nil {
			return err
		}

		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Cr0:  hv.Register64(0),
			hv.RegisterAMD64Cr3:  hv.Register64(0),
			hv.RegisterAMD64Cr4:  hv.Register64(0),
			hv.RegisterAMD64Efer: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}

		cr0 := uint64(regs[hv.RegisterAMD64Cr0].(hv.Register64))
		if cr0 != prev.CR0|0x80000021 {
			t.Errorf("CR0 = %#x, want previous %#x with PG|NE|PE set", cr0, prev.CR0)
		}
		if cr3 := uint64(regs[hv.RegisterAMD64Cr3].(hv.Register64)); cr3 != testPml4 {
			t.Errorf("CR3 = %#x, want %#x", cr3, uint64(testPml4))
		}
		cr4 := uint64(regs[hv.RegisterAMD64Cr4].(hv.Register64))
		if cr4 != prev.CR4|0x20 {
			t.Errorf("CR4 = %#x, want previous %#x with PAE set", cr4, prev.CR4)
		}
		efer := uint64(regs[hv.RegisterAMD64Efer].(hv.Register64))
		if efer != prev.EFER|0x500 {
			t.Errorf("EFER = %#x, want previous %#x with LMA|LME set", efer, prev.EFER)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

func TestSupportedCPUID(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	src, ok := kvm.(CPUIDSource)
	if !ok {
		t.Fatalf("hypervisor does not expose a CPUID source")
	}

	static, err := src.SupportedCPUID()
	if err != nil {
		t.Fatalf("Query supported CPUID: %v", err)
	}

	out := static.Query(cpuid.In{Eax: 0})
	if out.Eax == 0 {
		t.Fatalf("CPUID leaf 0 reports no standard leaves")
	}
}
