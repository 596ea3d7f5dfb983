//go:build !(linux && amd64)

package keepldr

import (
	"context"
	"io"

	"github.com/matt-ross16/enarx-keepldr/internal/sev"
)

// Probe inspects the host. Off Linux/amd64 there is never a hypervisor to
// report.
func Probe() HostReport {
	return HostReport{Host: sev.ProbeHost()}
}

// Launch is unavailable off Linux/amd64; DryRun still works everywhere.
func Launch(ctx context.Context, cfg Config, image Image, output io.Writer) error {
	return ErrHypervisorUnsupported
}
