//go:build linux

package kvm

import (
	"bytes"
	"testing"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
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

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0x100000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	payload := []byte("keep loader guest memory")

	if _, err := vm.WriteAt(payload, 0x180000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := vm.ReadAt(got, 0x180000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt returned %q, want %q", got, payload)
	}

	// Below the memory base is not guest memory.
	if _, err := vm.ReadAt(got, 0x1000); err == nil {
		t.Fatalf("ReadAt below memory base should fail")
	}
}
