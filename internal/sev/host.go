package sev

import (
	"os"
	"strings"
)

// HostStatus reports what the host kernel exposes for launching SEV guests.
// This is independent of guest-visible detection: a host can carry SEV
// firmware while kvm_amd has it disabled, and vice versa.
type HostStatus struct {
	// ModuleEnabled means the kvm_amd module parameter has SEV switched on.
	ModuleEnabled bool

	// Firmware means the /dev/sev firmware interface exists.
	Firmware bool
}

// Usable reports whether an SEV launch can be attempted on this host.
func (s HostStatus) Usable() bool {
	return s.ModuleEnabled && s.Firmware
}

// ProbeHost inspects the running kernel. Missing files mean the
// corresponding capability is absent, never an error.
func ProbeHost() HostStatus {
	var status HostStatus

	if data, err := os.ReadFile("/sys/module/kvm_amd/parameters/sev"); err == nil {
		switch strings.TrimSpace(string(data)) {
		case "Y", "y", "1":
			status.ModuleEnabled = true
		}
	}

	if _, err := os.Stat("/dev/sev"); err == nil {
		status.Firmware = true
	}

	return status
}
