package shim

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Memory is the guest-physical address space the loader writes. Offsets are
// guest-physical addresses; hv.VirtualMachine and the in-memory machine both
// satisfy it.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Page-table entry flags.
const (
	entryPresent   = 1 << 0
	entryWritable  = 1 << 1
	entryLargePage = 1 << 7

	// entryAddrMask selects the physical-address field of an entry, before
	// the encryption mask is stripped.
	entryAddrMask = 0x000f_ffff_ffff_f000
)

// TableConfig parameterizes one hierarchy build.
type TableConfig struct {
	// Mask is the encryption mask OR'd into every populated entry and the
	// returned root. At most one bit set; zero on non-SEV platforms.
	Mask uint64

	// IdentitySpans is the number of contiguous large pages mapped from
	// address zero, raised to IdentitySpanMin if below it.
	IdentitySpans int
}

// BuildTables writes the two-mapping hierarchy into mem at guest-physical
// base and returns the tagged table root (the value loaded into CR3).
//
// The hierarchy provides congruent views of the same physical spans: an
// identity mapping through top-level slot 0 and the high-window mapping
// through the slot VirtStart selects. Both use large pages only. Every
// populated entry carries present and writable flags and the encryption
// mask; the mask may fall in the upper 32-bit word of an entry, so entries
// are written as two explicit 32-bit halves.
func BuildTables(mem io.WriterAt, base uint64, cfg TableConfig) (uint64, error) {
	if cfg.Mask&(cfg.Mask-1) != 0 {
		return 0, fmt.Errorf("shim: encryption mask %#x has more than one bit set", cfg.Mask)
	}
	if base%pageSize != 0 {
		return 0, fmt.Errorf("shim: table base %#x is not page aligned", base)
	}

	spans := cfg.IdentitySpans
	if spans < IdentitySpanMin {
		spans = IdentitySpanMin
	}
	if spans > entriesPerTable {
		return 0, fmt.Errorf("shim: %d identity spans exceed one page directory", spans)
	}

	// The region must hold no stale entries from a previous build.
	if _, err := mem.WriteAt(make([]byte, TableRegionSize), int64(base)); err != nil {
		return 0, fmt.Errorf("shim: clear table region: %w", err)
	}

	link := cfg.Mask | entryPresent | entryWritable

	w := tableWriter{mem: mem, base: base}

	// Top-level table: exactly two populated slots.
	w.entry(pml4Offset, 0, base+pdptIdentOffset|link)
	w.entry(pml4Offset, TableSlot(VirtStart, 3), base+pdptOffsetOffset|link)

	// Second level. VirtStart is 512 GiB aligned, so the offset half uses
	// slot 0 of its own table just like the identity half.
	w.entry(pdptIdentOffset, 0, base+pdIdentOffset|link)
	w.entry(pdptOffsetOffset, TableSlot(VirtStart, 2), base+pdOffsetOffset|link)

	// Bottom level: the same large-page spans through both views.
	for i := 0; i < spans; i++ {
		phys := uint64(i) * LargePageSize
		w.entry(pdIdentOffset, i, phys|link|entryLargePage)
		w.entry(pdOffsetOffset, i, phys|link|entryLargePage)
	}

	if w.err != nil {
		return 0, fmt.Errorf("shim: write table entry: %w", w.err)
	}

	return (base + pml4Offset) | cfg.Mask, nil
}

// tableWriter writes entries at explicit region offsets, folding the first
// error. Each entry goes out as two 32-bit words so the placement of the
// encryption mask above bit 31 is explicit in the layout.
type tableWriter struct {
	mem  io.WriterAt
	base uint64
	err  error
}

func (w *tableWriter) entry(tableOffset uint64, slot int, value uint64) {
	if w.err != nil {
		return
	}

	var words [entryBytes]byte
	binary.LittleEndian.PutUint32(words[0:], uint32(value))
	binary.LittleEndian.PutUint32(words[4:], uint32(value>>32))

	addr := w.base + tableOffset + uint64(slot)*entryBytes
	_, w.err = w.mem.WriteAt(words[:], int64(addr))
}
