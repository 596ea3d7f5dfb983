package shim

import "testing"

func TestNextCR4(t *testing.T) {
	got := NextCR4(0)

	for _, bit := range []uint64{cr4FSGSBase, cr4PAE, cr4OSFXSR, cr4OSXMMExcpt} {
		if got&bit == 0 {
			t.Errorf("NextCR4(0) = %#x, missing bit %#x", got, bit)
		}
	}

	// Firmware-owned bits survive.
	const mce = 1 << 6
	if got := NextCR4(mce); got&mce == 0 {
		t.Errorf("NextCR4 dropped pre-existing bit %#x", uint64(mce))
	}
}

func TestNextCR0(t *testing.T) {
	got := NextCR0(cr0EM | cr0MP)

	if got&(cr0EM|cr0MP) != 0 {
		t.Errorf("NextCR0 left emulation bits set: %#x", got)
	}
	for _, bit := range []uint64{cr0PE, cr0NE, cr0PG} {
		if got&bit == 0 {
			t.Errorf("NextCR0 = %#x, missing bit %#x", got, bit)
		}
	}

	const cd = 1 << 30
	if got := NextCR0(cd); got&cd == 0 {
		t.Errorf("NextCR0 dropped pre-existing bit %#x", uint64(cd))
	}
}

// TestNextEFERPreservesExistingBits pins the read-modify-write contract:
// every bit the hypervisor or firmware already set must survive, alongside
// the four bits the transition adds.
func TestNextEFERPreservesExistingBits(t *testing.T) {
	const (
		svme     = 1 << 12
		reserved = 1 << 17
	)

	for _, prev := range []uint64{0, svme, reserved, svme | reserved, eferLME} {
		got := NextEFER(prev)

		if got&prev != prev {
			t.Errorf("NextEFER(%#x) = %#x, dropped pre-existing bits", prev, got)
		}

		want := prev | eferLME | eferLMA | eferNXE | eferSCE
		if got != want {
			t.Errorf("NextEFER(%#x) = %#x, want %#x", prev, got, want)
		}
	}
}
