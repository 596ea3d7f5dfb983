//go:build linux && amd64

package kvm

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"golang.org/x/sys/unix"
)

// SEVConfig is implemented by VM configs that want the guest launched as an
// SEV guest. Policy is the guest policy word passed to the platform; the
// zero policy is valid (no debugging restrictions).
type SEVConfig interface {
	SEVGuest() (policy uint32, enable bool)
}

const sevDevicePath = "/dev/sev"

// KVM_SEV_* command identifiers for KVM_MEMORY_ENCRYPT_OP.
const (
	sevCmdInit             = 0
	sevCmdLaunchStart      = 2
	sevCmdLaunchUpdateData = 3
	sevCmdLaunchMeasure    = 6
	sevCmdLaunchFinish     = 7
)

// kvmSevCmd mirrors struct kvm_sev_cmd.
type kvmSevCmd struct {
	Id    uint32
	pad0  uint32
	Data  uint64
	Error uint32
	SevFd uint32
}

// kvmSevLaunchStart mirrors struct kvm_sev_launch_start.
type kvmSevLaunchStart struct {
	Handle        uint32
	Policy        uint32
	DHUncertUaddr uint64
	DHUncertLen   uint32
	pad0          uint32
	SessionUaddr  uint64
	SessionLen    uint32
	pad1          uint32
}

// kvmSevLaunchUpdateData mirrors struct kvm_sev_launch_update_data.
type kvmSevLaunchUpdateData struct {
	Uaddr uint64
	Len   uint32
	pad0  uint32
}

// kvmSevLaunchMeasure mirrors struct kvm_sev_launch_measure.
type kvmSevLaunchMeasure struct {
	Uaddr uint64
	Len   uint32
	pad0  uint32
}

type sevContext struct {
	fd          int // /dev/sev
	handle      uint32
	measurement []byte
}

func (s *sevContext) close() {
	if err := unix.Close(s.fd); err != nil {
		slog.Error("kvm: close sev fd", "error", err)
	}
}

func (v *virtualMachine) sevOp(id uint32, data unsafe.Pointer) error {
	cmd := kvmSevCmd{
		Id:    id,
		SevFd: uint32(v.sev.fd),
	}
	if data != nil {
		cmd.Data = uint64(uintptr(data))
	}

	if err := memoryEncryptOp(v.vmFd, &cmd); err != nil {
		return fmt.Errorf("kvm: KVM_MEMORY_ENCRYPT_OP id=%d: %w (fw error %d)", id, err, cmd.Error)
	}

	return nil
}

// sevLaunchStart initializes the SEV platform context for this VM. It must
// run before any vCPU is created.
func (v *virtualMachine) sevLaunchStart(config hv.VMConfig) error {
	sevCfg, ok := config.(SEVConfig)
	if !ok {
		return nil
	}
	policy, enable := sevCfg.SEVGuest()
	if !enable {
		return nil
	}

	fd, err := unix.Open(sevDevicePath, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", sevDevicePath, err)
	}

	v.sev = &sevContext{fd: fd}

	if err := v.sevOp(sevCmdInit, nil); err != nil {
		return fmt.Errorf("SEV init: %w", err)
	}

	start := kvmSevLaunchStart{Policy: policy}
	if err := v.sevOp(sevCmdLaunchStart, unsafe.Pointer(&start)); err != nil {
		return fmt.Errorf("SEV launch start: %w", err)
	}
	v.sev.handle = start.Handle

	slog.Debug("kvm: SEV launch started", "policy", policy, "handle", start.Handle)

	return nil
}

// sevLaunchFinish encrypts the loaded guest image in place, records the
// launch measurement and seals the launch context. Called once the loader
// has written everything the guest will see at entry.
func (v *virtualMachine) sevLaunchFinish() error {
	if v.sev == nil {
		return nil
	}

	update := kvmSevLaunchUpdateData{
		Uaddr: uint64(uintptr(unsafe.Pointer(&v.memory[0]))),
		Len:   uint32(len(v.memory)),
	}
	if err := v.sevOp(sevCmdLaunchUpdateData, unsafe.Pointer(&update)); err != nil {
		return fmt.Errorf("SEV launch update: %w", err)
	}

	// The first call, with an empty buffer, fails but reports the required
	// buffer size in Len.
	measure := kvmSevLaunchMeasure{}
	_ = v.sevOp(sevCmdLaunchMeasure, unsafe.Pointer(&measure))
	if measure.Len == 0 {
		return fmt.Errorf("SEV launch measure: firmware reported empty measurement")
	}
	buf := make([]byte, measure.Len)
	measure.Uaddr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	if err := v.sevOp(sevCmdLaunchMeasure, unsafe.Pointer(&measure)); err != nil {
		return fmt.Errorf("SEV launch measure: %w", err)
	}
	v.sev.measurement = buf[:measure.Len]

	if err := v.sevOp(sevCmdLaunchFinish, nil); err != nil {
		return fmt.Errorf("SEV launch finish: %w", err)
	}

	slog.Debug("kvm: SEV launch finished", "measurement_len", len(v.sev.measurement))

	return nil
}

// SEVMeasurement returns the launch measurement of an SEV guest, or nil for
// guests launched without SEV.
func (v *virtualMachine) SEVMeasurement() []byte {
	if v.sev == nil {
		return nil
	}
	return v.sev.measurement
}
