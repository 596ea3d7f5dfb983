//go:build amd64

package sev

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/cpuid"
)

const (
	leafLargestExtended = 0x8000_0000
	leafEncryptedMemory = 0x8000_001f

	sevSupportedBit  = 1 << 1
	cbitPositionMask = 0x3f
)

// Detect probes fn and msrs for SEV support. A platform without SEV yields
// zero Features and no error; errors are reserved for host API failures.
func Detect(fn cpuid.Function, msrs MSR) (Features, error) {
	out := fn.Query(cpuid.In{Eax: leafLargestExtended})
	if out.Eax < leafEncryptedMemory {
		return Features{}, nil
	}

	out = fn.Query(cpuid.In{Eax: leafEncryptedMemory})
	if out.Eax&sevSupportedBit == 0 {
		return Features{}, nil
	}

	pos := uint8(out.Ebx & cbitPositionMask)
	if pos < 12 {
		// A C-bit inside the flag bits of a page-table entry cannot be
		// real hardware.
		return Features{}, fmt.Errorf("sev: implausible C-bit position %d", pos)
	}

	features := Features{
		Supported: true,
		CBit:      pos,
	}

	status, err := msrs.ReadMSR(MSRSevStatus)
	if err != nil {
		return Features{}, fmt.Errorf("sev: read status MSR: %w", err)
	}

	features.Enabled = status&sevEnabledBit != 0

	return features, nil
}
