//go:build !(linux && amd64)

package factory

import "github.com/matt-ross16/enarx-keepldr/internal/hv"

// SEV keeps only exist on Linux/amd64 hosts; everything else gets the
// sentinel so callers can fall back to the in-memory dry run.
func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
