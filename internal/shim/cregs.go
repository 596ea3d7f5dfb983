package shim

// Control-register bits the long-mode transition touches. Everything not
// named here is firmware or hypervisor property and passes through
// untouched.
const (
	cr4FSGSBase   = 1 << 16
	cr4PAE        = 1 << 5
	cr4OSFXSR     = 1 << 9
	cr4OSXMMExcpt = 1 << 10

	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0EM = 1 << 2
	cr0NE = 1 << 5
	cr0PG = 1 << 31

	eferSCE = 1 << 0
	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

// NextCR4 enables FSGSBASE, physical-address extension and the SSE
// state-save and exception bits on top of the previous value.
func NextCR4(prev uint64) uint64 {
	return prev | cr4FSGSBase | cr4PAE | cr4OSFXSR | cr4OSXMMExcpt
}

// NextCR0 clears coprocessor emulation and monitoring, then enables
// protected mode, native numeric errors and paging.
func NextCR0(prev uint64) uint64 {
	return (prev &^ (cr0EM | cr0MP)) | cr0PE | cr0NE | cr0PG
}

// NextEFER enables long mode (and marks it active, since paging comes up in
// the same transition), no-execute and the syscall extension. All
// pre-existing bits survive the read-modify-write.
func NextEFER(prev uint64) uint64 {
	return prev | eferLME | eferLMA | eferNXE | eferSCE
}
