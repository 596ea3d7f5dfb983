// Package debugcon implements the conventional debug console on I/O port
// 0xe9. It is the only device a keep sees before handoff; the shim writes
// raw bytes to it during bring-up diagnostics.
package debugcon

import (
	"io"

	"github.com/matt-ross16/enarx-keepldr/internal/hv"
)

const Port = 0xe9

// signature is returned on reads so guests can probe for the console.
const signature = 0xe9

type Device struct {
	// Output receives every byte the guest writes.
	Output io.Writer
}

func (d *Device) Init(vm hv.VirtualMachine) error { return nil }

func (d *Device) IOPorts() []uint16 { return []uint16{Port} }

func (d *Device) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = signature
	}
	return nil
}

func (d *Device) WriteIOPort(port uint16, data []byte) error {
	if d.Output == nil {
		return nil
	}
	_, err := d.Output.Write(data)
	return err
}

var (
	_ hv.X86IOPortDevice = &Device{}
)
