//go:build linux && amd64

package factory

import (
	"github.com/matt-ross16/enarx-keepldr/internal/hv"
	"github.com/matt-ross16/enarx-keepldr/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
