//go:build linux && amd64

package keepldr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/matt-ross16/enarx-keepldr/internal/devices/debugcon"
	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"github.com/matt-ross16/enarx-keepldr/internal/hv/factory"
	"github.com/matt-ross16/enarx-keepldr/internal/hv/kvm"
	"github.com/matt-ross16/enarx-keepldr/internal/keepcfg"
	"github.com/matt-ross16/enarx-keepldr/internal/sev"
)

// Probe inspects the host. It never fails: anything missing shows up as a
// cleared field.
func Probe() HostReport {
	report := HostReport{Host: sev.ProbeHost()}

	hyp, err := factory.Open()
	if err != nil {
		return report
	}
	defer hyp.Close()

	report.Hypervisor = true

	src, ok := hyp.(kvm.CPUIDSource)
	if !ok {
		return report
	}
	static, err := src.SupportedCPUID()
	if err != nil {
		return report
	}

	status := uint64(0)
	if report.Host.Usable() {
		status = 1
	}
	if features, err := sev.Detect(static, sev.StaticMSRs{sev.MSRSevStatus: status}); err == nil {
		report.Features = features
	}

	return report
}

// keepVMConfig adds the SEV launch parameters to the plain VM config.
type keepVMConfig struct {
	hv.SimpleVMConfig

	policy uint32
	enable bool
}

func (c keepVMConfig) SEVGuest() (uint32, bool) { return c.policy, c.enable }

var (
	_ kvm.SEVConfig = keepVMConfig{}
)

// Launch runs a keep under KVM until it halts or ctx is cancelled. output,
// if non-nil, receives the keep's debug console bytes.
func Launch(ctx context.Context, cfg Config, image Image, output io.Writer) error {
	hyp, err := factory.Open()
	if err != nil {
		return fmt.Errorf("keepldr: open hypervisor: %w", err)
	}
	defer hyp.Close()

	features, err := detectFeatures(hyp, cfg)
	if err != nil {
		return err
	}

	mask := features.EncryptionMask()

	slog.Info("launching keep",
		"sev", features.Active(),
		"mask", fmt.Sprintf("%#x", mask),
		"memoryMB", cfg.MemoryMB)

	loader := NewLoader(image, mask, cfg.Diagnostics)

	vm, err := hyp.NewVirtualMachine(keepVMConfig{
		SimpleVMConfig: hv.SimpleVMConfig{
			NumCPUs:  1,
			MemSize:  cfg.MemoryMB << 20,
			MemBase:  0,
			VMLoader: loader,
		},
		policy: cfg.Policy,
		enable: features.Active(),
	})
	if err != nil {
		return fmt.Errorf("keepldr: create keep: %w", err)
	}
	defer vm.Close()

	if output != nil {
		if err := vm.AddDevice(&debugcon.Device{Output: output}); err != nil {
			return fmt.Errorf("keepldr: add debug console: %w", err)
		}
	}

	if err := vm.Run(ctx, loader); !errors.Is(err, hv.ErrVMHalted) {
		return fmt.Errorf("keepldr: run keep: %w", err)
	}

	return nil
}

// detectFeatures resolves the configured SEV mode against what the CPU and
// the host kernel offer. The result is the state the launched keep would
// observe from the inside, so the mask the loader stamps into the tables
// matches the launch parameters exactly.
func detectFeatures(hyp hv.Hypervisor, cfg Config) (sev.Features, error) {
	src, ok := hyp.(kvm.CPUIDSource)
	if !ok {
		if cfg.SEV == keepcfg.SEVRequired {
			return sev.Features{}, fmt.Errorf("keepldr: sev required but the hypervisor cannot report CPUID")
		}
		return sev.Features{}, nil
	}

	static, err := src.SupportedCPUID()
	if err != nil {
		return sev.Features{}, fmt.Errorf("keepldr: query supported CPUID: %w", err)
	}

	capability, err := sev.Detect(static, sev.StaticMSRs{sev.MSRSevStatus: 0})
	if err != nil {
		return sev.Features{}, err
	}

	host := sev.ProbeHost()

	var enable bool
	switch cfg.SEV {
	case keepcfg.SEVOff:

	case keepcfg.SEVRequired:
		if !capability.Supported {
			return sev.Features{}, fmt.Errorf("keepldr: sev required but the CPU does not support it")
		}
		if !host.Usable() {
			return sev.Features{}, fmt.Errorf("keepldr: sev required but the host kernel has it disabled")
		}
		enable = true

	case keepcfg.SEVAuto:
		enable = capability.Supported && host.Usable()

	default:
		return sev.Features{}, fmt.Errorf("keepldr: unknown sev mode %q", cfg.SEV)
	}

	status := uint64(0)
	if enable {
		status = 1
	}

	return sev.Detect(static, sev.StaticMSRs{sev.MSRSevStatus: status})
}
