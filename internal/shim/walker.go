package shim

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Mapping is the result of resolving one virtual address.
type Mapping struct {
	// Phys is the guest-physical address the walk resolved to.
	Phys uint64

	// Writable is set when every level of the walk allows writes.
	Writable bool

	// Encrypted is set when the bottom-level entry carries the encryption
	// mask.
	Encrypted bool
}

// Walk resolves virt through the hierarchy rooted at root (a tagged CR3
// value) the way the MMU would, stripping mask from physical-address fields.
// It exists for verification: tests and the plan dump use it to check that
// the identity and high-window views are congruent and uniformly tagged.
func Walk(mem io.ReaderAt, root, mask, virt uint64) (Mapping, error) {
	table := root &^ mask & entryAddrMask

	m := Mapping{Writable: true}

	for level := 3; level >= 1; level-- {
		entry, err := readEntry(mem, table, TableSlot(virt, level))
		if err != nil {
			return Mapping{}, err
		}

		if entry&entryPresent == 0 {
			return Mapping{}, fmt.Errorf("shim: %#x not mapped: level %d entry absent", virt, level)
		}
		if entry&entryWritable == 0 {
			m.Writable = false
		}
		if mask != 0 && entry&mask == 0 {
			return Mapping{}, fmt.Errorf("shim: %#x: level %d entry %#x missing encryption mask", virt, level, entry)
		}

		addr := entry &^ mask & entryAddrMask

		if level == 1 {
			if entry&entryLargePage == 0 {
				return Mapping{}, fmt.Errorf("shim: %#x: bottom-level entry %#x is not a large page", virt, entry)
			}
			m.Phys = addr&^(LargePageSize-1) | virt&(LargePageSize-1)
			m.Encrypted = mask != 0 && entry&mask != 0
			return m, nil
		}

		if entry&entryLargePage != 0 {
			return Mapping{}, fmt.Errorf("shim: %#x: unexpected large page at level %d", virt, level)
		}

		table = addr
	}

	return Mapping{}, fmt.Errorf("shim: %#x: walk terminated above the page directory", virt)
}

// PresentSlots returns the populated slot indices of the table at
// guest-physical addr.
func PresentSlots(mem io.ReaderAt, addr uint64) ([]int, error) {
	var slots []int

	for slot := 0; slot < entriesPerTable; slot++ {
		entry, err := readEntry(mem, addr, slot)
		if err != nil {
			return nil, err
		}
		if entry&entryPresent != 0 {
			slots = append(slots, slot)
		}
	}

	return slots, nil
}

func readEntry(mem io.ReaderAt, table uint64, slot int) (uint64, error) {
	var words [entryBytes]byte

	addr := table + uint64(slot)*entryBytes
	if _, err := mem.ReadAt(words[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("shim: read table entry at %#x: %w", addr, err)
	}

	lo := binary.LittleEndian.Uint32(words[0:])
	hi := binary.LittleEndian.Uint32(words[4:])

	return uint64(hi)<<32 | uint64(lo), nil
}
