package shim

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Relocator corrects position-dependent references in the loaded image for
// its final virtual addresses. metaVA is the relocation metadata's address
// in the high window and slide the image's load slide. The outcome is
// opaque to the boot sequence: success or error, nothing in between.
type Relocator interface {
	Relocate(mem Memory, metaVA, slide uint64) error
}

// RelaTable applies an ELF rela section that sits inside the loaded image.
// Only R_X86_64_RELATIVE entries are expected; a position-independent shim
// carries nothing else.
type RelaTable struct {
	// Count is the number of rela entries at metaVA.
	Count int
}

const relaEntrySize = 24

func (r RelaTable) Relocate(mem Memory, metaVA, slide uint64) error {
	buf := make([]byte, relaEntrySize)

	for i := 0; i < r.Count; i++ {
		addr := metaVA - VirtStart + uint64(i)*relaEntrySize
		if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
			return fmt.Errorf("shim: read rela entry %d: %w", i, err)
		}

		offset := binary.LittleEndian.Uint64(buf[0:])
		info := binary.LittleEndian.Uint64(buf[8:])
		addend := int64(binary.LittleEndian.Uint64(buf[16:]))

		switch typ := elf.R_X86_64(info & 0xffffffff); typ {
		case elf.R_X86_64_NONE:

		case elf.R_X86_64_RELATIVE:
			// offset and addend are link-time addresses; the slide
			// carries both into the high window.
			target := offset + slide - VirtStart
			value := uint64(addend) + slide

			var word [8]byte
			binary.LittleEndian.PutUint64(word[:], value)
			if _, err := mem.WriteAt(word[:], int64(target)); err != nil {
				return fmt.Errorf("shim: apply rela entry %d: %w", i, err)
			}

		default:
			return fmt.Errorf("shim: unsupported relocation type %v", typ)
		}
	}

	return nil
}

var (
	_ Relocator = RelaTable{}
)
