// Package sev detects AMD Secure Encrypted Virtualization and derives the
// page-table encryption mask a keep must stamp into every mapping.
//
// Detection follows the architectural sequence: CPUID leaf 0x8000_0000 for
// the largest extended leaf, leaf 0x8000_001F for the SEV capability bit and
// the C-bit position, then the SEV status MSR for whether memory encryption
// is active. If any step reports no SEV, the mask collapses to zero and
// every downstream consumer produces a plain unencrypted layout.
package sev

import "fmt"

const (
	// MSRSevStatus reports whether SEV is active for the current guest
	// (bit 0). Architecturally guaranteed readable once leaf 0x8000_001F
	// advertises SEV.
	MSRSevStatus = 0xc001_0131

	sevEnabledBit = 1 << 0
)

// MSR reads model-specific registers. Implementations are the hypervisor's
// vCPU MSR state or a static table in tests.
type MSR interface {
	ReadMSR(index uint32) (uint64, error)
}

// StaticMSRs is a fixed MSR table.
type StaticMSRs map[uint32]uint64

func (m StaticMSRs) ReadMSR(index uint32) (uint64, error) {
	val, ok := m[index]
	if !ok {
		return 0, fmt.Errorf("sev: MSR 0x%x not present", index)
	}
	return val, nil
}

var (
	_ MSR = StaticMSRs{}
)

// Features is the detected SEV state of a platform.
type Features struct {
	// Supported means CPUID advertises the SEV capability.
	Supported bool

	// Enabled means the status MSR reports encryption active. Only
	// meaningful when Supported is set.
	Enabled bool

	// CBit is the bit position within a page-table entry that selects
	// encryption for the mapped page. Only meaningful when Supported is
	// set.
	CBit uint8
}

// Active reports whether memory encryption is in effect.
func (f Features) Active() bool {
	return f.Supported && f.Enabled
}

// EncryptionMask returns the value OR'd into every page-table entry and the
// table root. It is a single set bit at the C-bit position, or zero when SEV
// is absent or inactive so callers degrade to an unencrypted layout without
// branching.
func (f Features) EncryptionMask() uint64 {
	if !f.Active() {
		return 0
	}
	return 1 << f.CBit
}
