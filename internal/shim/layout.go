// Package shim prepares the initial state of a keep: the C-bit-tagged page
// tables, the control-register transition into long mode, the relocated
// image, and the first register file the shim entry point observes. The
// layout below is fixed; the shim links against the same constants.
package shim

// VirtStart is the virtual base of the shim's high window. It is the lowest
// canonical address whose top-level page-table slot is the last one, giving
// the shim a contiguous 512 GiB window through a single slot while keeping
// slot 0 free for the identity mapping.
const VirtStart uint64 = 0xffff_ff80_0000_0000

const (
	// LargePageSize is the span of one bottom-level entry. The hierarchy
	// stops at the page-directory level; there are no 4 KiB mappings.
	LargePageSize = 2 << 20

	pageSize        = 0x1000
	entriesPerTable = 512
	entryBytes      = 8
)

// Offsets of each table within the table region. Five pages: the top-level
// table, then the identity and offset halves of the lower levels.
const (
	pml4Offset       = 0x0000
	pdptIdentOffset  = 0x1000
	pdptOffsetOffset = 0x2000
	pdIdentOffset    = 0x3000
	pdOffsetOffset   = 0x4000

	// TableRegionSize is the guest-physical footprint of the whole
	// hierarchy.
	TableRegionSize = 0x5000
)

// TableSlot returns the slot a virtual address selects at the given paging
// level: 3 is the top-level table, 1 the page directory. Each level consumes
// nine bits, the bottom level starting at bit 21.
func TableSlot(virt uint64, level int) int {
	return int((virt >> (12 + 9*level)) & (entriesPerTable - 1))
}

// HighAddress rebases a guest-physical address into the shim's high window.
func HighAddress(gpa uint64) uint64 {
	return VirtStart + gpa
}

// Slide returns the load slide for an image linked at linkBase and loaded at
// guest-physical loadBase, where it runs at HighAddress(loadBase).
func Slide(linkBase, loadBase uint64) uint64 {
	return HighAddress(loadBase) - linkBase
}

// Stack sizes for the region established before the first call frame.
// Diagnostics builds carry deeper call chains and larger frames.
const (
	stackSizeRelease     = 0x8000
	stackSizeDiagnostics = 0x10000
)

// StackSize returns the static boot stack size.
func StackSize(diagnostics bool) uint64 {
	if diagnostics {
		return stackSizeDiagnostics
	}
	return stackSizeRelease
}

// AlignStack aligns a stack top downward to the 16-byte boundary the ABI
// requires at both collaborator calls.
func AlignStack(top uint64) uint64 {
	return top &^ 0xf
}

// IdentitySpanMin is the minimum number of large-page spans in the identity
// mapping: image, table region and the boot-info page must stay reachable
// through it while the table root is switched.
const IdentitySpanMin = 3

// SpansFor returns the number of large-page spans needed to identity-map
// everything below limit, at least IdentitySpanMin.
func SpansFor(limit uint64) int {
	spans := int((limit + LargePageSize - 1) / LargePageSize)
	if spans < IdentitySpanMin {
		return IdentitySpanMin
	}
	return spans
}
