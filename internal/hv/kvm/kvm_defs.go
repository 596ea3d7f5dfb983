//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetMsrs             = 0xc008ae88
	kvmSetCpuid2           = 0x4008ae90
	kvmMemoryEncryptOp     = 0xc008aeba
)

const (
	kvmCapUserMemory    = 3
	kvmCapImmediateExit = 136
)

type kvmExitReason uint32

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
)

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
	kvmSystemEventCrash    = 3
	kvmSystemEventSevTerm  = 6
)
