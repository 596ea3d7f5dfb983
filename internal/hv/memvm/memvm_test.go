package memvm

import (
	"context"
	"errors"
	"testing"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
)

func TestMemoryBounds(t *testing.T) {
	m := New(0x1000, 0x1000)

	if _, err := m.WriteAt([]byte{1}, 0x1fff); err != nil {
		t.Fatalf("WriteAt inside memory: %v", err)
	}
	if _, err := m.WriteAt([]byte{1}, 0xfff); err == nil {
		t.Errorf("WriteAt below memory base succeeded")
	}
	if _, err := m.ReadAt(make([]byte, 2), 0x1fff); err == nil {
		t.Errorf("ReadAt across the memory end succeeded")
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	m := New(0, 0x1000)

	err := m.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rdi: hv.Register64(0xdead),
			hv.RegisterAMD64Cr3: hv.Register64(0x4000),
		}); err != nil {
			return err
		}

		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rdi: hv.Register64(0),
			hv.RegisterAMD64Cr3: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}

		if got := uint64(regs[hv.RegisterAMD64Rdi].(hv.Register64)); got != 0xdead {
			t.Errorf("rdi = %#x, want 0xdead", got)
		}
		if got := uint64(regs[hv.RegisterAMD64Cr3].(hv.Register64)); got != 0x4000 {
			t.Errorf("cr3 = %#x, want 0x4000", got)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}

	if m.SystemState().CR3 != 0x4000 {
		t.Errorf("system state CR3 = %#x", m.SystemState().CR3)
	}
}

func TestRunHalts(t *testing.T) {
	m := New(0, 0x1000)

	err := m.Run(context.Background(), hv.RunConfig(runFunc(func(ctx context.Context, vcpu hv.VirtualCPU) error {
		return vcpu.Run(ctx)
	})))
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run: %v", err)
	}
}

type runFunc func(ctx context.Context, vcpu hv.VirtualCPU) error

func (f runFunc) Run(ctx context.Context, vcpu hv.VirtualCPU) error { return f(ctx, vcpu) }
