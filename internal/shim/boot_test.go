package shim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"github.com/matt-ross16/enarx-keepldr/internal/hv/memvm"
)

func testLoader(mask uint64) *Loader {
	image := make([]byte, 0x2000)
	copy(image, []byte{0xf4}) // hlt

	return &Loader{
		Image: Image{
			Data:     image,
			Entry:    0,
			LinkBase: 0,
		},
		Mask:         mask,
		LoadBase:     0x100000,
		TableBase:    0x1000,
		StackBase:    0x8000,
		BootInfoBase: 0x6000,
		BootInfo:     []byte("boot info page"),
	}
}

// TestPlanHandoffArithmetic pins the non-SEV handoff arithmetic: a boot-info
// page at 0x90000000 with mask zero reaches the entry point as
// (0xFFFFFF8090000000, 0).
func TestPlanHandoffArithmetic(t *testing.T) {
	loader := testLoader(0)
	loader.BootInfoBase = 0x9000_0000

	plan, err := loader.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if plan.BootInfoVA != 0xffff_ff80_9000_0000 {
		t.Errorf("boot info VA = %#x, want 0xffffff8090000000", plan.BootInfoVA)
	}
	if plan.Mask != 0 {
		t.Errorf("mask = %#x, want 0", plan.Mask)
	}
}

func TestRunHandoffRegisters(t *testing.T) {
	const mask = uint64(1) << 47

	loader := testLoader(mask)

	vm := memvm.New(0, 0x800000)

	// Firmware-set EFER bits must survive the transition.
	const svme = 1 << 12
	vm.SeedSystemState(hv.SystemState{EFER: svme})

	if err := loader.Load(vm); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := vm.Run(context.Background(), loader); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run: %v", err)
	}

	plan, err := loader.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rdi:    hv.Register64(0),
		hv.RegisterAMD64Rsi:    hv.Register64(0),
		hv.RegisterAMD64Rsp:    hv.Register64(0),
		hv.RegisterAMD64Rip:    hv.Register64(0),
		hv.RegisterAMD64Rflags: hv.Register64(0),
	}
	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.GetRegisters(regs)
	}); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}

	if got := uint64(regs[hv.RegisterAMD64Rdi].(hv.Register64)); got != plan.BootInfoVA {
		t.Errorf("rdi = %#x, want boot info VA %#x", got, plan.BootInfoVA)
	}
	if got := uint64(regs[hv.RegisterAMD64Rsi].(hv.Register64)); got != mask {
		t.Errorf("rsi = %#x, want mask %#x", got, mask)
	}

	rsp := uint64(regs[hv.RegisterAMD64Rsp].(hv.Register64))
	if rsp%16 != 0 {
		t.Errorf("rsp = %#x, not 16-byte aligned", rsp)
	}
	if rsp != plan.StackTopVA {
		t.Errorf("rsp = %#x, want stack top %#x", rsp, plan.StackTopVA)
	}

	if got := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64)); got != plan.EntryVA {
		t.Errorf("rip = %#x, want entry VA %#x", got, plan.EntryVA)
	}

	sys := vm.SystemState()
	if sys.CR3 != plan.TableRoot {
		t.Errorf("CR3 = %#x, want tagged root %#x", sys.CR3, plan.TableRoot)
	}
	if sys.EFER&svme == 0 {
		t.Errorf("EFER = %#x, firmware bit not preserved", sys.EFER)
	}
	if sys.EFER&(eferLME|eferLMA) != eferLME|eferLMA {
		t.Errorf("EFER = %#x, long mode not enabled", sys.EFER)
	}

	if code, data, ok := vm.LongMode(); !ok {
		t.Errorf("long-mode segments not installed")
	} else if code != hv.SelectorCode64 || data != hv.SelectorData {
		t.Errorf("selectors = %#x/%#x, want %#x/%#x",
			code, data, hv.SelectorCode64, hv.SelectorData)
	}
}

func TestLoadStagesMemory(t *testing.T) {
	loader := testLoader(0)

	vm := memvm.New(0, 0x800000)

	if err := loader.Load(vm); err != nil {
		t.Fatalf("Load: %v", err)
	}

	plan, err := loader.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// The image and the boot-info page land where the plan says, and the
	// staged bytes are reachable through both mappings.
	got := make([]byte, len(loader.BootInfo))
	if _, err := vm.ReadAt(got, int64(loader.BootInfoBase)); err != nil {
		t.Fatalf("ReadAt boot info: %v", err)
	}
	if !bytes.Equal(got, loader.BootInfo) {
		t.Errorf("boot info = %q, want %q", got, loader.BootInfo)
	}

	for _, virt := range []uint64{
		loader.LoadBase,
		plan.EntryVA,
		plan.BootInfoVA,
		plan.StackTopVA - 16,
	} {
		if _, err := Walk(vm, plan.TableRoot, plan.Mask, virt); err != nil {
			t.Errorf("staged address %#x not mapped: %v", virt, err)
		}
	}
}

func TestLoadAppliesRelocations(t *testing.T) {
	const (
		linkBase   = uint64(0x40_0000)
		slotOffset = uint64(0x100)
		relaOffset = uint64(0x200)
	)

	image := make([]byte, 0x1000)
	image[0] = 0xf4

	// One RELATIVE entry pointing the slot at the image's own byte 0x180.
	binary.LittleEndian.PutUint64(image[relaOffset:], linkBase+slotOffset)
	binary.LittleEndian.PutUint64(image[relaOffset+8:], 8) // R_X86_64_RELATIVE
	binary.LittleEndian.PutUint64(image[relaOffset+16:], linkBase+0x180)

	loader := testLoader(0)
	loader.Image = Image{
		Data:       image,
		LinkBase:   linkBase,
		RelaOffset: relaOffset,
		RelaCount:  1,
	}

	vm := memvm.New(0, 0x800000)

	if err := loader.Load(vm); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var word [8]byte
	if _, err := vm.ReadAt(word[:], int64(loader.LoadBase+slotOffset)); err != nil {
		t.Fatalf("ReadAt relocated slot: %v", err)
	}

	want := HighAddress(loader.LoadBase) + 0x180
	if got := binary.LittleEndian.Uint64(word[:]); got != want {
		t.Errorf("relocated slot = %#x, want %#x", got, want)
	}
}

type recordingRelocator struct {
	metaVA uint64
	slide  uint64
	called bool
}

func (r *recordingRelocator) Relocate(mem Memory, metaVA, slide uint64) error {
	r.metaVA = metaVA
	r.slide = slide
	r.called = true
	return nil
}

func TestLoadInvokesRelocatorCollaborator(t *testing.T) {
	loader := testLoader(0)
	loader.Image.LinkBase = 0x40_0000
	loader.Image.RelaOffset = 0x800
	loader.Image.RelaCount = 4

	rec := &recordingRelocator{}
	loader.Relocator = rec

	if err := loader.Load(memvm.New(0, 0x800000)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !rec.called {
		t.Fatalf("relocator not invoked")
	}
	if want := HighAddress(loader.LoadBase + 0x800); rec.metaVA != want {
		t.Errorf("metadata VA = %#x, want %#x", rec.metaVA, want)
	}
	if want := Slide(loader.Image.LinkBase, loader.LoadBase); rec.slide != want {
		t.Errorf("slide = %#x, want %#x", rec.slide, want)
	}
}

func TestPlanRejects(t *testing.T) {
	overlap := testLoader(0)
	overlap.TableBase = overlap.StackBase

	unaligned := testLoader(0)
	unaligned.LoadBase = 0x100010

	badEntry := testLoader(0)
	badEntry.Image.Entry = uint64(len(badEntry.Image.Data))

	for name, loader := range map[string]*Loader{
		"Overlap":   overlap,
		"Unaligned": unaligned,
		"BadEntry":  badEntry,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := loader.Plan(); err == nil {
				t.Errorf("Plan accepted an invalid layout")
			}
		})
	}
}

func TestStackSize(t *testing.T) {
	if StackSize(true) <= StackSize(false) {
		t.Errorf("diagnostics stack not larger than release stack")
	}
	if AlignStack(0xffff_ff80_0001_000f)%16 != 0 {
		t.Errorf("AlignStack did not align")
	}
}
