package shim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
)

// Image describes the shim binary placed into guest memory.
type Image struct {
	Data []byte

	// Entry is the entry point's offset within Data.
	Entry uint64

	// LinkBase is the address the image was linked at.
	LinkBase uint64

	// RelaOffset and RelaCount locate the relocation metadata within Data.
	// A count of zero means the image carries no relocations.
	RelaOffset uint64
	RelaCount  int
}

// Plan is the computed initial state of a keep: every address and register
// value, derived before anything touches guest memory. All virtual
// addresses are in the high window.
type Plan struct {
	Mask          uint64
	TableRoot     uint64
	IdentitySpans int
	Slide         uint64

	EntryVA    uint64
	BootInfoVA uint64
	StackTopVA uint64
	MetaVA     uint64
}

// Loader stages a keep and enters it. It implements hv.VMLoader (guest
// memory preparation) and hv.RunConfig (the long-mode transition, the first
// register file and the permanent handoff).
//
// All base addresses are guest-physical and page aligned. The loader writes
// guest memory exactly once; after Run enters the guest, ownership of every
// staged structure has passed to the shim.
type Loader struct {
	Image Image

	// Mask is the encryption mask from detection; zero stages an
	// unencrypted keep through the identical sequence.
	Mask uint64

	LoadBase     uint64
	TableBase    uint64
	StackBase    uint64
	BootInfoBase uint64

	// BootInfo is the content of the shared boot-info page.
	BootInfo []byte

	// Diagnostics selects the larger boot stack.
	Diagnostics bool

	// Relocator overrides the image's own rela table. Left nil, the
	// metadata named by Image.RelaOffset/RelaCount is applied.
	Relocator Relocator
}

// Plan computes the keep's initial state without touching memory.
func (l *Loader) Plan() (Plan, error) {
	regions := []struct {
		name string
		base uint64
		size uint64
	}{
		{"image", l.LoadBase, uint64(len(l.Image.Data))},
		{"tables", l.TableBase, TableRegionSize},
		{"stack", l.StackBase, StackSize(l.Diagnostics)},
		{"boot info", l.BootInfoBase, pageSize},
	}

	limit := uint64(0)
	for _, r := range regions {
		if r.base%pageSize != 0 {
			return Plan{}, fmt.Errorf("shim: %s base %#x is not page aligned", r.name, r.base)
		}
		if end := r.base + r.size; end > limit {
			limit = end
		}
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].base < regions[j].base })
	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		if prev.base+prev.size > cur.base {
			return Plan{}, fmt.Errorf("shim: %s region overlaps %s", prev.name, cur.name)
		}
	}

	if l.Image.Entry >= uint64(len(l.Image.Data)) {
		return Plan{}, fmt.Errorf("shim: entry offset %#x outside image", l.Image.Entry)
	}

	plan := Plan{
		Mask:          l.Mask,
		TableRoot:     (l.TableBase + pml4Offset) | l.Mask,
		IdentitySpans: SpansFor(limit),
		Slide:         Slide(l.Image.LinkBase, l.LoadBase),

		EntryVA:    HighAddress(l.LoadBase + l.Image.Entry),
		BootInfoVA: HighAddress(l.BootInfoBase),
		StackTopVA: AlignStack(HighAddress(l.StackBase + StackSize(l.Diagnostics))),
	}

	if l.Image.RelaCount > 0 {
		plan.MetaVA = HighAddress(l.LoadBase + l.Image.RelaOffset)
	}

	return plan, nil
}

// Load implements hv.VMLoader: image, boot-info page, page tables, then
// relocations, all before the vCPU is touched.
func (l *Loader) Load(vm hv.VirtualMachine) error {
	plan, err := l.Plan()
	if err != nil {
		return err
	}

	if _, err := vm.WriteAt(l.Image.Data, int64(l.LoadBase)); err != nil {
		return fmt.Errorf("shim: write image: %w", err)
	}

	if len(l.BootInfo) > 0 {
		if len(l.BootInfo) > pageSize {
			return fmt.Errorf("shim: boot info exceeds one page")
		}
		if _, err := vm.WriteAt(l.BootInfo, int64(l.BootInfoBase)); err != nil {
			return fmt.Errorf("shim: write boot info: %w", err)
		}
	}

	root, err := BuildTables(vm, l.TableBase, TableConfig{
		Mask:          l.Mask,
		IdentitySpans: plan.IdentitySpans,
	})
	if err != nil {
		return err
	}
	if root != plan.TableRoot {
		return fmt.Errorf("shim: built table root %#x, planned %#x", root, plan.TableRoot)
	}

	relocator := l.Relocator
	if relocator == nil && l.Image.RelaCount > 0 {
		relocator = RelaTable{Count: l.Image.RelaCount}
	}
	if relocator != nil {
		if err := relocator.Relocate(vm, plan.MetaVA, plan.Slide); err != nil {
			return err
		}
	}

	slog.Debug("keep staged",
		"mask", fmt.Sprintf("%#x", plan.Mask),
		"root", fmt.Sprintf("%#x", plan.TableRoot),
		"spans", plan.IdentitySpans,
		"entry", fmt.Sprintf("%#x", plan.EntryVA))

	return nil
}

// Run implements hv.RunConfig: install the long-mode state and the handoff
// register file, then enter the guest. The call does not return until the
// keep halts or the context is cancelled; there is no software error channel
// for a misconfigured guest, which simply faults.
func (l *Loader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	plan, err := l.Plan()
	if err != nil {
		return err
	}

	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("shim: vCPU does not support the amd64 long-mode transition")
	}

	err = amd64.SetLongMode(func(prev hv.SystemState) hv.SystemState {
		return hv.SystemState{
			CR0:  NextCR0(prev.CR0),
			CR3:  plan.TableRoot,
			CR4:  NextCR4(prev.CR4),
			EFER: NextEFER(prev.EFER),
		}
	}, hv.SelectorCode64, hv.SelectorData)
	if err != nil {
		return fmt.Errorf("shim: enter long mode: %w", err)
	}

	// The entry contract: boot-info pointer in the first argument
	// register, encryption mask in the second.
	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rdi:    hv.Register64(plan.BootInfoVA),
		hv.RegisterAMD64Rsi:    hv.Register64(plan.Mask),
		hv.RegisterAMD64Rsp:    hv.Register64(plan.StackTopVA),
		hv.RegisterAMD64Rip:    hv.Register64(plan.EntryVA),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	})
	if err != nil {
		return fmt.Errorf("shim: set entry registers: %w", err)
	}

	return vcpu.Run(ctx)
}

var (
	_ hv.VMLoader  = &Loader{}
	_ hv.RunConfig = &Loader{}
)
