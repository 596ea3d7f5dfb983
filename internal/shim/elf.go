package shim

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

// ParseELF builds an Image from a position-independent ELF shim binary:
// PT_LOAD segments flattened from the lowest link address, the entry point
// as an offset, and the .rela.dyn metadata location.
func ParseELF(data []byte) (Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("shim: parse ELF: %w", err)
	}

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return Image{}, fmt.Errorf("shim: image is not an x86-64 ELF")
	}

	min, max := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Vaddr < min {
			min = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > max {
			max = end
		}
	}
	if max == 0 {
		return Image{}, fmt.Errorf("shim: image has no loadable segments")
	}

	flat := make([]byte, max-min)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}

		seg := flat[p.Vaddr-min : p.Vaddr-min+p.Filesz]
		if _, err := io.ReadFull(io.NewSectionReader(p, 0, int64(p.Filesz)), seg); err != nil {
			return Image{}, fmt.Errorf("shim: read segment at %#x: %w", p.Vaddr, err)
		}
	}

	if f.Entry < min || f.Entry >= max {
		return Image{}, fmt.Errorf("shim: entry point %#x outside loadable segments", f.Entry)
	}

	img := Image{
		Data:     flat,
		Entry:    f.Entry - min,
		LinkBase: min,
	}

	if sec := f.Section(".rela.dyn"); sec != nil && sec.Size > 0 {
		if sec.Addr < min || sec.Addr+sec.Size > max {
			return Image{}, fmt.Errorf("shim: relocation metadata outside loadable segments")
		}
		img.RelaOffset = sec.Addr - min
		img.RelaCount = int(sec.Size / relaEntrySize)
	}

	return img, nil
}
